// Package main wires together the image acquisition and health engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/pinstash/engine/internal/api"
	"github.com/pinstash/engine/internal/archive"
	"github.com/pinstash/engine/internal/cache"
	"github.com/pinstash/engine/internal/clock/system"
	"github.com/pinstash/engine/internal/config"
	"github.com/pinstash/engine/internal/engine"
	"github.com/pinstash/engine/internal/fetcher"
	"github.com/pinstash/engine/internal/hash/sha256"
	"github.com/pinstash/engine/internal/health"
	"github.com/pinstash/engine/internal/logging"
	"github.com/pinstash/engine/internal/metrics"
	memorypublisher "github.com/pinstash/engine/internal/publisher/memory"
	pubsubpublisher "github.com/pinstash/engine/internal/publisher/pubsub"
	queuememory "github.com/pinstash/engine/internal/queue/memory"
	"github.com/pinstash/engine/internal/ratelimit"
	"github.com/pinstash/engine/internal/retry"
	"github.com/pinstash/engine/internal/storage/gcs"
	"github.com/pinstash/engine/internal/storage/local"
	memorystorage "github.com/pinstash/engine/internal/storage/memory"
	"github.com/pinstash/engine/internal/storage/postgres"
	"github.com/pinstash/engine/internal/sweep"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	hasher := sha256.New()
	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay(),
		MaxDelay:    cfg.RetryMaxDelay(),
	}

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}
	cacheStore, healthStore, pinStore, closeDB, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer closeDB()
	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetch.RPS,
		DefaultBurst: cfg.Fetch.Burst,
	})
	imageFetcher := fetcher.New(fetcher.Config{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.FetchTimeout(),
		MaxBytes:  cfg.Fetch.MaxBytes,
	}, limiter, logger.Named("fetcher"))

	coordinator, err := cache.New(cache.Deps{
		Store:     cacheStore,
		Fetcher:   imageFetcher,
		Blobs:     blobs,
		Keys:      hasher,
		Publisher: publisher,
		Policy:    policy,
		Clock:     clock,
		Logger:    logger.Named("cache"),
		Topic:     cfg.Publisher.Topic,
	})
	if err != nil {
		logger.Fatal("coordinator init failed", zap.Error(err))
	}

	resolver, err := archive.New(archive.Config{
		BaseURL:       cfg.Archive.BaseURL,
		UserAgent:     cfg.Fetch.UserAgent,
		Timeout:       time.Duration(cfg.Archive.TimeoutSeconds) * time.Second,
		SubmitEnabled: cfg.Archive.SubmitEnabled,
		PollAttempts:  cfg.Archive.PollAttempts,
		PollInterval:  time.Duration(cfg.Archive.PollIntervalMs) * time.Millisecond,
	}, logger.Named("archive"))
	if err != nil {
		logger.Fatal("archive resolver init failed", zap.Error(err))
	}

	monitor, err := health.New(health.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.HealthTimeout(),
		StaleAfter:   time.Duration(cfg.Health.StaleAfterHours) * time.Hour,
		RecheckAfter: time.Duration(cfg.Health.RecheckAfterHours) * time.Hour,
		BatchLimit:   cfg.Health.BatchLimit,
		Topic:        cfg.Publisher.Topic,
	}, health.Deps{
		Store:     healthStore,
		Pins:      pinStore,
		Resolver:  resolver,
		Publisher: publisher,
		Policy:    policy,
		Clock:     clock,
		Logger:    logger.Named("health"),
	})
	if err != nil {
		logger.Fatal("health monitor init failed", zap.Error(err))
	}

	queue := queuememory.NewQueue(cfg.Sweep.QueueDepth)
	sweeper, err := sweep.New(sweep.Config{
		Concurrency:    cfg.Sweep.Concurrency,
		CacheInterval:  time.Duration(cfg.Sweep.CacheIntervalSecs) * time.Second,
		HealthInterval: time.Duration(cfg.Sweep.HealthIntervalSecs) * time.Second,
		BatchLimit:     cfg.Sweep.CacheBatchLimit,
		DefaultTier:    engine.QualityTier(cfg.Cache.DefaultTier),
		ExpireAfter:    time.Duration(cfg.Cache.ExpireAfterDays) * 24 * time.Hour,
	}, sweep.Deps{
		Queue:       queue,
		Coordinator: coordinator,
		Monitor:     monitor,
		CacheStore:  cacheStore,
		Pins:        pinStore,
		Blobs:       blobs,
		Policy:      policy,
		Clock:       clock,
		Logger:      logger.Named("sweep"),
	})
	if err != nil {
		logger.Fatal("sweeper init failed", zap.Error(err))
	}

	apiServer := api.NewServer(coordinator, sweeper, monitor, cacheStore, logger.Named("api"), cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("sweeper started", zap.Int("workers", cfg.Sweep.Concurrency))
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sweeper error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}

func buildBlobStore(ctx context.Context, cfg config.Config) (engine.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "local":
		return local.New(local.Config{BaseDir: cfg.Storage.BaseDir, Prefix: cfg.Storage.Prefix})
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.Prefix})
	case "memory":
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}

func buildStores(ctx context.Context, cfg config.Config) (engine.CacheStore, engine.HealthStore, engine.PinStore, func(), error) {
	switch cfg.DB.Provider {
	case "memory":
		return memorystorage.NewCacheStore(), memorystorage.NewHealthStore(), memorystorage.NewPinStore(), func() {}, nil
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.Config{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
		if err != nil {
			return nil, nil, nil, nil, err
		}
		cacheStore, err := postgres.NewCacheStore(pool)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		healthStore, err := postgres.NewHealthStore(pool)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		pinStore, err := postgres.NewPinStore(pool)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return cacheStore, healthStore, pinStore, pool.Close, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown db provider %q", cfg.DB.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (engine.Publisher, error) {
	switch cfg.Publisher.Provider {
	case "memory":
		return memorypublisher.New(), nil
	case "pubsub":
		client, err := gcpubsub.NewClient(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		return pubsubpublisher.New(client)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown publisher provider %q", cfg.Publisher.Provider)
	}
}
