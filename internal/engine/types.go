// Package engine defines core types shared across the acquisition and health subsystems.
package engine

import (
	"fmt"
	"image"
	"net/url"
	"time"
)

// MaxSourceURLLen bounds accepted source/link URLs, matching the store schema.
const MaxSourceURLLen = 2048

// QualityTier selects a rendition preset for a cached image.
type QualityTier string

// Quality tiers persisted in the cache store.
const (
	TierThumbnail QualityTier = "thumbnail"
	TierLow       QualityTier = "low"
	TierMedium    QualityTier = "medium"
)

// ParseQualityTier normalizes a stored or client-supplied tier value.
// Unrecognized values are rejected here so business logic never sees them.
func ParseQualityTier(s string) (QualityTier, error) {
	switch QualityTier(s) {
	case TierThumbnail, TierLow, TierMedium:
		return QualityTier(s), nil
	default:
		return "", fmt.Errorf("unknown quality tier %q", s)
	}
}

// CacheStatus is the lifecycle state of a cache entry.
type CacheStatus string

// Cache entry states persisted in the cache store.
const (
	CacheStatusPending CacheStatus = "pending"
	CacheStatusCached  CacheStatus = "cached"
	CacheStatusFailed  CacheStatus = "failed"
	CacheStatusExpired CacheStatus = "expired"
)

// ParseCacheStatus normalizes a stored status value.
func ParseCacheStatus(s string) (CacheStatus, error) {
	switch CacheStatus(s) {
	case CacheStatusPending, CacheStatusCached, CacheStatusFailed, CacheStatusExpired:
		return CacheStatus(s), nil
	default:
		return "", fmt.Errorf("unknown cache status %q", s)
	}
}

// HealthStatus is the reachability state of a pin's outbound link.
type HealthStatus string

// Health states persisted in the health store.
const (
	HealthUnknown  HealthStatus = "unknown"
	HealthLive     HealthStatus = "live"
	HealthBroken   HealthStatus = "broken"
	HealthArchived HealthStatus = "archived"
)

// ParseHealthStatus normalizes a stored status value.
func ParseHealthStatus(s string) (HealthStatus, error) {
	switch HealthStatus(s) {
	case HealthUnknown, HealthLive, HealthBroken, HealthArchived:
		return HealthStatus(s), nil
	default:
		return "", fmt.Errorf("unknown health status %q", s)
	}
}

// CachedImage is one persisted row per (source URL, quality tier).
// Only cached rows carry valid media fields.
type CachedImage struct {
	ID           int64       `json:"id"`
	SourceURL    string      `json:"source_url"`
	Tier         QualityTier `json:"quality_level"`
	StorageKey   string      `json:"storage_key,omitempty"`
	ByteSize     int64       `json:"byte_size,omitempty"`
	Width        int         `json:"width,omitempty"`
	Height       int         `json:"height,omitempty"`
	Status       CacheStatus `json:"cache_status"`
	RetryCount   int         `json:"retry_count"`
	LastRetryAt  *time.Time  `json:"last_retry_at,omitempty"`
	LastAccessed time.Time   `json:"last_accessed"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// HealthRecord is the persisted reachability state for one pin's link.
type HealthRecord struct {
	PinID       int64        `json:"pin_id"`
	URL         string       `json:"url"`
	Status      HealthStatus `json:"status"`
	ArchiveURL  string       `json:"archive_url,omitempty"`
	Failures    int          `json:"failures"`
	LastChecked *time.Time   `json:"last_checked,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Pin is the read-only view of a pin the engine consumes. The owning CRUD
// layer manages the rest of the row; the engine only reads ImageURL/Link and
// writes back the cached-image reference and colors through PinStore.
type Pin struct {
	ID       int64  `json:"id"`
	ImageURL string `json:"image_url"`
	Link     string `json:"link"`
}

// ColorInfo carries the per-source-image color metadata attached to a pin.
// Each color is a 6-hex-digit RGB string without a leading '#'.
type ColorInfo struct {
	Dominant string   `json:"dominant"`
	Palette  []string `json:"palette,omitempty"`
}

// RawImage is a downloaded, undecoded source image.
type RawImage struct {
	SourceURL   string
	ContentType string
	Body        []byte
}

// Rendition is one transcoded output for a quality tier.
type Rendition struct {
	Tier    QualityTier
	Data    []byte
	Width   int
	Height  int
	Quality int
}

// CacheOutcome is returned by the coordinator to the calling web layer.
// Failures are reported as a status plus kind, never as a transport error.
type CacheOutcome struct {
	Entry       CachedImage `json:"entry"`
	Hit         bool        `json:"hit"`
	Colors      *ColorInfo  `json:"colors,omitempty"`
	FailureKind string      `json:"failure_kind,omitempty"`
}

// Cached reports whether the outcome carries a usable rendition.
func (o CacheOutcome) Cached() bool {
	return o.Entry.Status == CacheStatusCached
}

// CheckTarget is one pin due for a health check, with its current record.
type CheckTarget struct {
	PinID   int64
	URL     string
	Current HealthRecord
}

// CacheTask queues one background cache fill for a pin.
type CacheTask struct {
	PinID     int64
	SourceURL string
	Tier      QualityTier
	Attempt   int
	Submitted int64
}

// ValidateSourceURL checks that a URL is absolute http(s) and within bounds.
func ValidateSourceURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("source url is required")
	}
	if len(raw) > MaxSourceURLLen {
		return fmt.Errorf("source url exceeds %d bytes", MaxSourceURLLen)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("source url must be absolute http(s), got scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("source url missing host")
	}
	return nil
}

// DecodedImage pairs a decoded source with its pixel bounds.
type DecodedImage struct {
	Image  image.Image
	Format string
}
