package engine

import (
	"context"
	"time"
)

// CacheStore persists cache entries keyed by (source URL, quality tier).
// Implementations must apply transitions atomically per key.
type CacheStore interface {
	// Get returns the entry for the key, if any.
	Get(ctx context.Context, sourceURL string, tier QualityTier) (CachedImage, bool, error)
	// EnsurePending creates the entry in pending state, or moves an existing
	// failed/expired entry back to pending. Returns the current row.
	EnsurePending(ctx context.Context, sourceURL string, tier QualityTier, now time.Time) (CachedImage, error)
	// MarkCached records a successful fetch with its media fields.
	MarkCached(ctx context.Context, sourceURL string, tier QualityTier, storageKey string, byteSize int64, width, height int, now time.Time) (CachedImage, error)
	// MarkFailed increments the retry counter and stamps the attempt time.
	MarkFailed(ctx context.Context, sourceURL string, tier QualityTier, now time.Time) (CachedImage, error)
	// Touch updates last-accessed on a cache hit.
	Touch(ctx context.Context, sourceURL string, tier QualityTier, now time.Time) error
	// ListExpirable returns cached entries not accessed since the cutoff.
	ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]CachedImage, error)
	// MarkExpired transitions a cached entry to expired.
	MarkExpired(ctx context.Context, sourceURL string, tier QualityTier, now time.Time) error
	// ListRetryable returns failed entries below the retry ceiling, oldest attempt first.
	ListRetryable(ctx context.Context, maxRetries int, limit int) ([]CachedImage, error)
}

// HealthStore persists per-pin link health records.
type HealthStore interface {
	Get(ctx context.Context, pinID int64) (HealthRecord, bool, error)
	// Upsert writes the record for its pin, creating it if absent.
	Upsert(ctx context.Context, rec HealthRecord) (HealthRecord, error)
	// ListDue returns pins whose link should be checked: never checked, last
	// checked before staleCutoff, or not yet live/archived and last checked
	// before recheckCutoff. Ordered oldest check first, never-checked first.
	ListDue(ctx context.Context, staleCutoff, recheckCutoff time.Time, limit int) ([]CheckTarget, error)
	// Delete removes the record for a pin (cascade from pin deletion).
	Delete(ctx context.Context, pinID int64) error
}

// PinStore is the engine's narrow window onto the externally owned pins.
type PinStore interface {
	// Get returns the pin's fields the engine consumes.
	Get(ctx context.Context, pinID int64) (Pin, bool, error)
	// ListUncached returns pins with an external image URL and no usable
	// cache reference, newest first.
	ListUncached(ctx context.Context, limit int) ([]Pin, error)
	// AttachCachedImage sets the weak back-reference to a cache entry.
	AttachCachedImage(ctx context.Context, pinID, cachedImageID int64) error
	// DetachCachedImage clears back-references to an evicted cache entry.
	DetachCachedImage(ctx context.Context, cachedImageID int64) error
	// SetColors records the extracted color metadata for a pin.
	SetColors(ctx context.Context, pinID int64, colors ColorInfo) error
}

// BlobStore writes rendition bytes and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	DeleteObject(ctx context.Context, path string) error
}

// Fetcher downloads a source image, enforcing timeout/size/content checks.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) (RawImage, error)
}

// ArchiveResolver looks up or requests a web-archive snapshot for a URL.
type ArchiveResolver interface {
	Resolve(ctx context.Context, brokenURL string) (string, error)
}

// Publisher pushes transition events for the web layer to consume.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for background cache fills.
type Queue interface {
	Enqueue(ctx context.Context, task CacheTask) error
	Dequeue(ctx context.Context) (CacheTask, error)
}

// Hasher computes digests used to derive storage keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
