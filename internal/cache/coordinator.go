// Package cache implements the coordinator that turns acquisition requests
// into cached renditions, deduplicating concurrent work per source image.
package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pinstash/engine/internal/engine"
	"github.com/pinstash/engine/internal/metrics"
	"github.com/pinstash/engine/internal/retry"
	"github.com/pinstash/engine/internal/transcode"
)

// FailureKindBackoff reports an entry whose next retry window has not opened.
const FailureKindBackoff = "retry_backoff"

// Event is the payload published after a terminal acquisition outcome.
type Event struct {
	Type        string             `json:"type"`
	SourceURL   string             `json:"source_url"`
	Tier        engine.QualityTier `json:"quality_level"`
	Status      engine.CacheStatus `json:"status"`
	FailureKind string             `json:"failure_kind,omitempty"`
	At          time.Time          `json:"at"`
}

// Event types emitted on the events topic.
const (
	EventImageCached      = "image.cached"
	EventImageCacheFailed = "image.cache_failed"
)

// Keyer derives the rendition storage key for a (source URL, tier) pair.
type Keyer interface {
	StorageKey(sourceURL, tier string) string
}

// Deps wires the coordinator's collaborators.
type Deps struct {
	Store     engine.CacheStore
	Fetcher   engine.Fetcher
	Blobs     engine.BlobStore
	Keys      Keyer
	Publisher engine.Publisher
	Policy    retry.Policy
	Clock     engine.Clock
	Logger    *zap.Logger
	Topic     string
}

// Coordinator serializes acquisition per (source URL, tier) key. Concurrent
// requests for the same key share one fetch; distinct keys run independently.
type Coordinator struct {
	store     engine.CacheStore
	fetcher   engine.Fetcher
	blobs     engine.BlobStore
	keys      Keyer
	publisher engine.Publisher
	policy    retry.Policy
	clock     engine.Clock
	logger    *zap.Logger
	topic     string

	group singleflight.Group
}

// New constructs a Coordinator, validating required collaborators.
func New(deps Deps) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if deps.Keys == nil {
		return nil, fmt.Errorf("keyer is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if deps.Policy.MaxAttempts <= 0 {
		deps.Policy = retry.Default()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Topic == "" {
		deps.Topic = "engine-events"
	}
	return &Coordinator{
		store:     deps.Store,
		fetcher:   deps.Fetcher,
		blobs:     deps.Blobs,
		keys:      deps.Keys,
		publisher: deps.Publisher,
		policy:    deps.Policy,
		clock:     deps.Clock,
		logger:    deps.Logger,
		topic:     deps.Topic,
	}, nil
}

// Acquire returns the cached rendition state for (sourceURL, tier), fetching
// and transcoding on a miss. Pipeline failures come back as a failed outcome
// with a stable kind; the returned error covers only invalid input and
// context cancellation.
func (c *Coordinator) Acquire(ctx context.Context, sourceURL string, tier engine.QualityTier) (engine.CacheOutcome, error) {
	if err := engine.ValidateSourceURL(sourceURL); err != nil {
		return engine.CacheOutcome{}, err
	}
	if _, err := engine.ParseQualityTier(string(tier)); err != nil {
		return engine.CacheOutcome{}, err
	}

	if out, done, err := c.lookup(ctx, sourceURL, tier); done || err != nil {
		return out, err
	}

	// singleflight's shared flag is true for the filling caller too, so the
	// closure records who actually ran.
	key := sourceURL + "|" + string(tier)
	filled := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		filled = true
		return c.fill(ctx, sourceURL, tier)
	})
	if err != nil {
		return engine.CacheOutcome{}, err
	}
	out := v.(engine.CacheOutcome)
	if !filled && out.Cached() {
		out.Hit = true
	}
	return out, nil
}

// lookup resolves requests that never need a fetch: hits, entries in backoff
// and entries at the retry ceiling.
func (c *Coordinator) lookup(ctx context.Context, sourceURL string, tier engine.QualityTier) (engine.CacheOutcome, bool, error) {
	entry, ok, err := c.store.Get(ctx, sourceURL, tier)
	if err != nil {
		return engine.CacheOutcome{}, false, fmt.Errorf("cache lookup: %w", err)
	}
	if !ok {
		return engine.CacheOutcome{}, false, nil
	}

	now := c.clock.Now()
	switch entry.Status {
	case engine.CacheStatusCached:
		if err := c.store.Touch(ctx, sourceURL, tier, now); err != nil {
			c.logger.Warn("touch cache entry", zap.String("source_url", sourceURL), zap.Error(err))
		}
		entry.LastAccessed = now
		metrics.ObserveCacheLookup("hit")
		return engine.CacheOutcome{Entry: entry, Hit: true}, true, nil
	case engine.CacheStatusFailed:
		if c.policy.Exhausted(entry.RetryCount) {
			metrics.ObserveCacheLookup("failed")
			return engine.CacheOutcome{Entry: entry, FailureKind: engine.FailureKind(engine.ErrRetryExhausted)}, true, nil
		}
		last := time.Time{}
		if entry.LastRetryAt != nil {
			last = *entry.LastRetryAt
		}
		if !c.policy.Eligible(entry.RetryCount, last, now) {
			metrics.ObserveCacheLookup("retry_blocked")
			return engine.CacheOutcome{Entry: entry, FailureKind: FailureKindBackoff}, true, nil
		}
	}
	return engine.CacheOutcome{}, false, nil
}

// fill runs the fetch/transcode/store pipeline for one key. Only one fill per
// key runs at a time; callers that piled up behind it share the outcome.
func (c *Coordinator) fill(ctx context.Context, sourceURL string, tier engine.QualityTier) (engine.CacheOutcome, error) {
	// A previous flight may have finished between lookup and Do.
	if out, done, err := c.lookup(ctx, sourceURL, tier); done || err != nil {
		return out, err
	}

	if _, err := c.store.EnsurePending(ctx, sourceURL, tier, c.clock.Now()); err != nil {
		return engine.CacheOutcome{}, fmt.Errorf("mark pending: %w", err)
	}
	metrics.ObserveCacheLookup("miss")

	raw, err := c.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return c.fail(ctx, sourceURL, tier, err)
	}

	decoded, err := transcode.Decode(raw)
	if err != nil {
		return c.fail(ctx, sourceURL, tier, err)
	}

	rendition, err := transcode.Render(decoded, tier)
	if err != nil {
		return c.fail(ctx, sourceURL, tier, err)
	}

	colors, err := transcode.ExtractColors(decoded.Image)
	if err != nil {
		// Color metadata is best effort and never blocks caching.
		c.logger.Warn("extract colors", zap.String("source_url", sourceURL), zap.Error(err))
	}

	key := c.keys.StorageKey(sourceURL, string(tier))
	if _, err := c.blobs.PutObject(ctx, key, "image/jpeg", rendition.Data); err != nil {
		return c.fail(ctx, sourceURL, tier, engine.AsNetworkErr(err))
	}

	entry, err := c.store.MarkCached(ctx, sourceURL, tier, key, int64(len(rendition.Data)), rendition.Width, rendition.Height, c.clock.Now())
	if err != nil {
		return engine.CacheOutcome{}, fmt.Errorf("mark cached: %w", err)
	}

	c.logger.Info("image cached",
		zap.String("source_url", sourceURL),
		zap.String("quality_level", string(tier)),
		zap.String("storage_key", key),
		zap.Int("bytes", len(rendition.Data)),
		zap.Int("width", rendition.Width),
		zap.Int("height", rendition.Height),
	)
	c.publish(ctx, Event{
		Type:      EventImageCached,
		SourceURL: sourceURL,
		Tier:      tier,
		Status:    engine.CacheStatusCached,
		At:        entry.UpdatedAt,
	})

	out := engine.CacheOutcome{Entry: entry}
	if colors.Dominant != "" {
		out.Colors = &colors
	}
	return out, nil
}

// fail persists a pipeline failure and maps it to a stable outcome kind.
func (c *Coordinator) fail(ctx context.Context, sourceURL string, tier engine.QualityTier, cause error) (engine.CacheOutcome, error) {
	if !retry.Retryable(cause) {
		return engine.CacheOutcome{}, cause
	}
	now := c.clock.Now()
	entry, err := c.store.MarkFailed(ctx, sourceURL, tier, now)
	if err != nil {
		return engine.CacheOutcome{}, fmt.Errorf("mark failed: %w", err)
	}

	kind := engine.FailureKind(cause)
	if c.policy.Exhausted(entry.RetryCount) {
		kind = engine.FailureKind(engine.ErrRetryExhausted)
	}
	metrics.ObserveCacheLookup("failed")

	c.logger.Warn("image acquisition failed",
		zap.String("source_url", sourceURL),
		zap.String("quality_level", string(tier)),
		zap.String("failure_kind", kind),
		zap.Int("retry_count", entry.RetryCount),
		zap.Error(cause),
	)
	c.publish(ctx, Event{
		Type:        EventImageCacheFailed,
		SourceURL:   sourceURL,
		Tier:        tier,
		Status:      engine.CacheStatusFailed,
		FailureKind: kind,
		At:          now,
	})

	return engine.CacheOutcome{Entry: entry, FailureKind: kind}, nil
}

func (c *Coordinator) publish(ctx context.Context, event Event) {
	if c.publisher == nil {
		return
	}
	if _, err := c.publisher.Publish(ctx, c.topic, event); err != nil {
		c.logger.Warn("publish event", zap.String("type", event.Type), zap.Error(err))
	}
}
