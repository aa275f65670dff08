// Package sweep runs the engine's background work: filling the cache for
// pins, retrying failed fetches, expiring stale entries and pacing health
// sweeps.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pinstash/engine/internal/engine"
	"github.com/pinstash/engine/internal/metrics"
	"github.com/pinstash/engine/internal/retry"
)

// Acquirer is the slice of the cache coordinator the sweeper drives.
type Acquirer interface {
	Acquire(ctx context.Context, sourceURL string, tier engine.QualityTier) (engine.CacheOutcome, error)
}

// HealthSweeper triggers one bounded health sweep.
type HealthSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Config controls worker count, scan pacing and expiry.
type Config struct {
	Concurrency int
	// CacheInterval paces scans for uncached pins and retryable entries.
	CacheInterval time.Duration
	// HealthInterval paces link health sweeps.
	HealthInterval time.Duration
	// BatchLimit bounds each scan's enqueue and evict batch.
	BatchLimit int
	// DefaultTier is the rendition tier filled for pins.
	DefaultTier engine.QualityTier
	// ExpireAfter is how long an unread cached entry survives.
	ExpireAfter time.Duration
}

// Deps wires the sweeper's collaborators.
type Deps struct {
	Queue       engine.Queue
	Coordinator Acquirer
	Monitor     HealthSweeper
	CacheStore  engine.CacheStore
	Pins        engine.PinStore
	Blobs       engine.BlobStore
	Policy      retry.Policy
	Clock       engine.Clock
	Logger      *zap.Logger
}

// Sweeper owns the worker pool and periodic scans.
type Sweeper struct {
	queue       engine.Queue
	coordinator Acquirer
	monitor     HealthSweeper
	cacheStore  engine.CacheStore
	pins        engine.PinStore
	blobs       engine.BlobStore
	policy      retry.Policy
	clock       engine.Clock
	logger      *zap.Logger
	cfg         Config
}

// New constructs a Sweeper, validating required collaborators.
func New(cfg Config, deps Deps) (*Sweeper, error) {
	if deps.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if deps.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if deps.CacheStore == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if deps.Pins == nil {
		return nil, fmt.Errorf("pin store is required")
	}
	if deps.Blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.CacheInterval <= 0 {
		cfg.CacheInterval = 5 * time.Minute
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 2 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 25
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = engine.TierLow
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = 30 * 24 * time.Hour
	}
	if deps.Policy.MaxAttempts <= 0 {
		deps.Policy = retry.Default()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Sweeper{
		queue:       deps.Queue,
		coordinator: deps.Coordinator,
		monitor:     deps.Monitor,
		cacheStore:  deps.CacheStore,
		pins:        deps.Pins,
		blobs:       deps.Blobs,
		policy:      deps.Policy,
		clock:       deps.Clock,
		logger:      deps.Logger,
		cfg:         cfg,
	}, nil
}

// Run starts the worker pool and scan tickers and blocks until the context
// ends. It always returns the context's error.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < s.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			return s.worker(ctx, id)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.CacheInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				s.cacheScan(ctx)
			}
		}
	})

	if s.monitor != nil {
		g.Go(func() error {
			ticker := time.NewTicker(s.cfg.HealthInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if checked, err := s.monitor.Sweep(ctx); err != nil {
						s.logger.Warn("health sweep", zap.Error(err))
					} else if checked > 0 {
						s.logger.Info("health sweep complete", zap.Int("checked", checked))
					}
				}
			}
		})
	}

	return g.Wait()
}

// worker drains the queue until the context ends or the queue closes.
func (s *Sweeper) worker(ctx context.Context, id int) error {
	logger := s.logger.With(zap.Int("worker", id))
	for {
		task, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		metrics.IncActiveWorkers()
		if err := s.process(ctx, task); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("cache task failed",
				zap.Int64("pin_id", task.PinID),
				zap.String("source_url", task.SourceURL),
				zap.Int("attempt", task.Attempt),
				zap.Error(err),
			)
		}
		metrics.DecActiveWorkers()
	}
}

// process runs one cache fill and, for pin tasks, writes back the pin's
// cache reference and colors.
func (s *Sweeper) process(ctx context.Context, task engine.CacheTask) error {
	out, err := s.coordinator.Acquire(ctx, task.SourceURL, task.Tier)
	if err != nil {
		return err
	}
	if !out.Cached() || task.PinID == 0 {
		return nil
	}
	if err := s.pins.AttachCachedImage(ctx, task.PinID, out.Entry.ID); err != nil {
		return fmt.Errorf("attach cached image: %w", err)
	}
	if out.Colors != nil {
		if err := s.pins.SetColors(ctx, task.PinID, *out.Colors); err != nil {
			return fmt.Errorf("set pin colors: %w", err)
		}
	}
	return nil
}

// CachePin fills the cache for one pin's image synchronously and writes back
// the reference. Used by the API's per-pin endpoint.
func (s *Sweeper) CachePin(ctx context.Context, pinID int64, tier engine.QualityTier) (engine.CacheOutcome, error) {
	pin, ok, err := s.pins.Get(ctx, pinID)
	if err != nil {
		return engine.CacheOutcome{}, fmt.Errorf("load pin: %w", err)
	}
	if !ok {
		return engine.CacheOutcome{}, engine.ErrNotFound
	}
	if tier == "" {
		tier = s.cfg.DefaultTier
	}

	out, err := s.coordinator.Acquire(ctx, pin.ImageURL, tier)
	if err != nil {
		return engine.CacheOutcome{}, err
	}
	if out.Cached() {
		if err := s.pins.AttachCachedImage(ctx, pinID, out.Entry.ID); err != nil {
			return out, fmt.Errorf("attach cached image: %w", err)
		}
		if out.Colors != nil {
			if err := s.pins.SetColors(ctx, pinID, *out.Colors); err != nil {
				return out, fmt.Errorf("set pin colors: %w", err)
			}
		}
	}
	return out, nil
}

// EnqueueUncached queues cache fills for pins that still point at their
// external image. It returns how many tasks were queued.
func (s *Sweeper) EnqueueUncached(ctx context.Context) (int, error) {
	pins, err := s.pins.ListUncached(ctx, s.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list uncached pins: %w", err)
	}
	queued := 0
	for _, pin := range pins {
		task := engine.CacheTask{
			PinID:     pin.ID,
			SourceURL: pin.ImageURL,
			Tier:      s.cfg.DefaultTier,
			Submitted: s.clock.Now().Unix(),
		}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// EnqueueRetryable queues failed entries whose backoff window has opened.
func (s *Sweeper) EnqueueRetryable(ctx context.Context) (int, error) {
	entries, err := s.cacheStore.ListRetryable(ctx, s.policy.MaxAttempts, s.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list retryable entries: %w", err)
	}
	now := s.clock.Now()
	queued := 0
	for _, entry := range entries {
		last := time.Time{}
		if entry.LastRetryAt != nil {
			last = *entry.LastRetryAt
		}
		if !s.policy.Eligible(entry.RetryCount, last, now) {
			continue
		}
		task := engine.CacheTask{
			SourceURL: entry.SourceURL,
			Tier:      entry.Tier,
			Attempt:   entry.RetryCount,
			Submitted: now.Unix(),
		}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// Evict expires cached entries that have not been read within the retention
// window, removing their blobs and clearing pin references. It returns how
// many entries were evicted.
func (s *Sweeper) Evict(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.ExpireAfter)
	entries, err := s.cacheStore.ListExpirable(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list expirable entries: %w", err)
	}
	evicted := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		if err := s.cacheStore.MarkExpired(ctx, entry.SourceURL, entry.Tier, s.clock.Now()); err != nil {
			s.logger.Warn("mark expired", zap.String("source_url", entry.SourceURL), zap.Error(err))
			continue
		}
		if entry.StorageKey != "" {
			if err := s.blobs.DeleteObject(ctx, entry.StorageKey); err != nil {
				s.logger.Warn("delete blob", zap.String("storage_key", entry.StorageKey), zap.Error(err))
			}
		}
		if err := s.pins.DetachCachedImage(ctx, entry.ID); err != nil {
			s.logger.Warn("detach pins", zap.Int64("cached_image_id", entry.ID), zap.Error(err))
		}
		evicted++
	}
	if evicted > 0 {
		s.logger.Info("cache eviction complete", zap.Int("evicted", evicted))
	}
	return evicted, nil
}

// cacheScan runs one periodic pass: queue new work, queue retries, evict.
func (s *Sweeper) cacheScan(ctx context.Context) {
	if n, err := s.EnqueueUncached(ctx); err != nil {
		s.logger.Warn("enqueue uncached pins", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("queued uncached pins", zap.Int("count", n))
	}
	if n, err := s.EnqueueRetryable(ctx); err != nil {
		s.logger.Warn("enqueue retryable entries", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("queued retryable entries", zap.Int("count", n))
	}
	if _, err := s.Evict(ctx); err != nil {
		s.logger.Warn("evict expired entries", zap.Error(err))
	}
}
