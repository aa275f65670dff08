// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Health    HealthConfig    `mapstructure:"health"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// FetchConfig governs source image downloads and outbound politeness.
type FetchConfig struct {
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxBytes       int64   `mapstructure:"max_bytes"`
	UserAgent      string  `mapstructure:"user_agent"`
	RPS            float64 `mapstructure:"rps"`
	Burst          int     `mapstructure:"burst"`
}

// RetryConfig feeds the shared backoff policy.
type RetryConfig struct {
	MaxAttempts   int `mapstructure:"max_attempts"`
	BaseDelaySecs int `mapstructure:"base_delay_seconds"`
	MaxDelayHours int `mapstructure:"max_delay_hours"`
}

// HealthConfig controls the link health sweep.
type HealthConfig struct {
	StaleAfterHours   int `mapstructure:"stale_after_hours"`
	RecheckAfterHours int `mapstructure:"recheck_after_hours"`
	BatchLimit        int `mapstructure:"batch_limit"`
	TimeoutSeconds    int `mapstructure:"timeout_seconds"`
}

// ArchiveConfig points at the web-archive service.
type ArchiveConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	SubmitEnabled  bool   `mapstructure:"submit_enabled"`
	PollAttempts   int    `mapstructure:"poll_attempts"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
}

// SweepConfig sizes the background worker pool and scheduling cadence.
type SweepConfig struct {
	Concurrency        int `mapstructure:"concurrency"`
	QueueDepth         int `mapstructure:"queue_depth"`
	CacheIntervalSecs  int `mapstructure:"cache_interval_seconds"`
	HealthIntervalSecs int `mapstructure:"health_interval_seconds"`
	CacheBatchLimit    int `mapstructure:"cache_batch_limit"`
}

// CacheConfig controls eviction of stale renditions.
type CacheConfig struct {
	DefaultTier     string `mapstructure:"default_tier"`
	ExpireAfterDays int    `mapstructure:"expire_after_days"`
}

// StorageConfig sets the blob backend for renditions.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational store.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PublisherConfig selects the transition-event sink.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_bytes", 20*1024*1024)
	v.SetDefault("fetch.user_agent", "pinstash-engine/0.1 (+https://github.com/pinstash/engine)")
	v.SetDefault("fetch.rps", 1.0)
	v.SetDefault("fetch.burst", 2)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_seconds", 60)
	v.SetDefault("retry.max_delay_hours", 6)
	v.SetDefault("health.stale_after_hours", 168)
	v.SetDefault("health.recheck_after_hours", 24)
	v.SetDefault("health.batch_limit", 10)
	v.SetDefault("health.timeout_seconds", 5)
	v.SetDefault("archive.base_url", "https://archive.ph")
	v.SetDefault("archive.timeout_seconds", 10)
	v.SetDefault("archive.submit_enabled", false)
	v.SetDefault("archive.poll_attempts", 3)
	v.SetDefault("archive.poll_interval_ms", 2000)
	v.SetDefault("sweep.concurrency", 3)
	v.SetDefault("sweep.queue_depth", 64)
	v.SetDefault("sweep.cache_interval_seconds", 300)
	v.SetDefault("sweep.health_interval_seconds", 120)
	v.SetDefault("sweep.cache_batch_limit", 25)
	v.SetDefault("cache.default_tier", "low")
	v.SetDefault("cache.expire_after_days", 30)
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.base_dir", "static/cached_images")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("publisher.provider", "memory")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxBytes <= 0 {
		return fmt.Errorf("fetch.max_bytes must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Sweep.Concurrency <= 0 {
		return fmt.Errorf("sweep.concurrency must be > 0")
	}
	if c.Health.BatchLimit <= 0 {
		return fmt.Errorf("health.batch_limit must be > 0")
	}
	if c.Archive.BaseURL == "" {
		return fmt.Errorf("archive.base_url is required")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Provider {
	case "local", "gcs", "memory":
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.provider is gcs")
	}
	switch c.DB.Provider {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown db.provider %q", c.DB.Provider)
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db.provider is postgres")
	}
	switch c.Publisher.Provider {
	case "memory", "pubsub", "none":
	default:
		return fmt.Errorf("unknown publisher.provider %q", c.Publisher.Provider)
	}
	if c.Publisher.Provider == "pubsub" && (c.Publisher.ProjectID == "" || c.Publisher.Topic == "") {
		return fmt.Errorf("publisher.project_id and publisher.topic must be set for pubsub")
	}
	return nil
}

// FetchTimeout returns the fetch timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// HealthTimeout returns the per-probe health check timeout.
func (c Config) HealthTimeout() time.Duration {
	return time.Duration(c.Health.TimeoutSeconds) * time.Second
}

// RetryBaseDelay returns the first backoff step.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelaySecs) * time.Second
}

// RetryMaxDelay returns the backoff ceiling.
func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayHours) * time.Hour
}
