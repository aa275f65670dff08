package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pinstash/engine/internal/engine"
)

const cachedImageColumns = `id, source_url, quality_level, storage_key, byte_size, width, height, status, retry_count, last_retry_at, last_accessed, created_at, updated_at`

// CacheStore persists cache entries in the cached_images table, one row per
// (source_url, quality_level) pair.
type CacheStore struct {
	db DB
}

// NewCacheStore constructs a Postgres-backed CacheStore.
func NewCacheStore(db DB) (*CacheStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &CacheStore{db: db}, nil
}

// Get returns the entry for the key, if any.
func (s *CacheStore) Get(ctx context.Context, sourceURL string, tier engine.QualityTier) (engine.CachedImage, bool, error) {
	query := `SELECT ` + cachedImageColumns + `
FROM cached_images
WHERE source_url = $1 AND quality_level = $2`
	entry, err := scanCachedImage(s.db.QueryRow(ctx, query, sourceURL, string(tier)))
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.CachedImage{}, false, nil
	}
	if err != nil {
		return engine.CachedImage{}, false, fmt.Errorf("select cache entry: %w", err)
	}
	return entry, true, nil
}

// EnsurePending inserts the row pending, or moves an existing row back to
// pending. Expiry resets retry accounting so the entry starts over.
func (s *CacheStore) EnsurePending(ctx context.Context, sourceURL string, tier engine.QualityTier, now time.Time) (engine.CachedImage, error) {
	query := `INSERT INTO cached_images (source_url, quality_level, status, retry_count, last_accessed, created_at, updated_at)
VALUES ($1, $2, 'pending', 0, $3, $3, $3)
ON CONFLICT (source_url, quality_level) DO UPDATE SET
	status = 'pending',
	storage_key = '',
	byte_size = 0,
	width = 0,
	height = 0,
	retry_count = CASE WHEN cached_images.status = 'expired' THEN 0 ELSE cached_images.retry_count END,
	last_retry_at = CASE WHEN cached_images.status = 'expired' THEN NULL ELSE cached_images.last_retry_at END,
	updated_at = $3
RETURNING ` + cachedImageColumns
	entry, err := scanCachedImage(s.db.QueryRow(ctx, query, sourceURL, string(tier), now))
	if err != nil {
		return engine.CachedImage{}, fmt.Errorf("upsert pending entry: %w", err)
	}
	return entry, nil
}

// MarkCached records a successful fetch with its media fields.
func (s *CacheStore) MarkCached(ctx context.Context, sourceURL string, tier engine.QualityTier, storageKey string, byteSize int64, width, height int, now time.Time) (engine.CachedImage, error) {
	query := `UPDATE cached_images SET
	status = 'cached',
	storage_key = $3,
	byte_size = $4,
	width = $5,
	height = $6,
	retry_count = 0,
	last_retry_at = NULL,
	last_accessed = $7,
	updated_at = $7
WHERE source_url = $1 AND quality_level = $2
RETURNING ` + cachedImageColumns
	entry, err := scanCachedImage(s.db.QueryRow(ctx, query, sourceURL, string(tier), storageKey, byteSize, width, height, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.CachedImage{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.CachedImage{}, fmt.Errorf("mark cached: %w", err)
	}
	return entry, nil
}

// MarkFailed increments retry accounting and clears media fields.
func (s *CacheStore) MarkFailed(ctx context.Context, sourceURL string, tier engine.QualityTier, now time.Time) (engine.CachedImage, error) {
	query := `UPDATE cached_images SET
	status = 'failed',
	storage_key = '',
	byte_size = 0,
	width = 0,
	height = 0,
	retry_count = retry_count + 1,
	last_retry_at = $3,
	updated_at = $3
WHERE source_url = $1 AND quality_level = $2
RETURNING ` + cachedImageColumns
	entry, err := scanCachedImage(s.db.QueryRow(ctx, query, sourceURL, string(tier), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.CachedImage{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.CachedImage{}, fmt.Errorf("mark failed: %w", err)
	}
	return entry, nil
}

// Touch updates last-accessed on a hit.
func (s *CacheStore) Touch(ctx context.Context, sourceURL string, tier engine.QualityTier, now time.Time) error {
	query := `UPDATE cached_images SET last_accessed = $3
WHERE source_url = $1 AND quality_level = $2`
	tag, err := s.db.Exec(ctx, query, sourceURL, string(tier), now)
	if err != nil {
		return fmt.Errorf("touch cache entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// ListExpirable returns cached entries not accessed since the cutoff.
func (s *CacheStore) ListExpirable(ctx context.Context, cutoff time.Time, limit int) ([]engine.CachedImage, error) {
	query := `SELECT ` + cachedImageColumns + `
FROM cached_images
WHERE status = 'cached' AND last_accessed < $1
ORDER BY last_accessed ASC
LIMIT $2`
	rows, err := s.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select expirable entries: %w", err)
	}
	return collectCachedImages(rows)
}

// MarkExpired transitions a cached entry to expired.
func (s *CacheStore) MarkExpired(ctx context.Context, sourceURL string, tier engine.QualityTier, now time.Time) error {
	query := `UPDATE cached_images SET
	status = 'expired',
	storage_key = '',
	byte_size = 0,
	width = 0,
	height = 0,
	updated_at = $3
WHERE source_url = $1 AND quality_level = $2`
	tag, err := s.db.Exec(ctx, query, sourceURL, string(tier), now)
	if err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// ListRetryable returns failed entries under the ceiling, oldest attempt first.
func (s *CacheStore) ListRetryable(ctx context.Context, maxRetries int, limit int) ([]engine.CachedImage, error) {
	query := `SELECT ` + cachedImageColumns + `
FROM cached_images
WHERE status = 'failed' AND retry_count < $1
ORDER BY last_retry_at ASC NULLS FIRST
LIMIT $2`
	rows, err := s.db.Query(ctx, query, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("select retryable entries: %w", err)
	}
	return collectCachedImages(rows)
}

func scanCachedImage(row pgx.Row) (engine.CachedImage, error) {
	var (
		entry  engine.CachedImage
		tier   string
		status string
	)
	err := row.Scan(
		&entry.ID,
		&entry.SourceURL,
		&tier,
		&entry.StorageKey,
		&entry.ByteSize,
		&entry.Width,
		&entry.Height,
		&status,
		&entry.RetryCount,
		&entry.LastRetryAt,
		&entry.LastAccessed,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	)
	if err != nil {
		return engine.CachedImage{}, err
	}
	if entry.Tier, err = engine.ParseQualityTier(tier); err != nil {
		return engine.CachedImage{}, err
	}
	if entry.Status, err = engine.ParseCacheStatus(status); err != nil {
		return engine.CachedImage{}, err
	}
	return entry, nil
}

func collectCachedImages(rows pgx.Rows) ([]engine.CachedImage, error) {
	defer rows.Close()
	var out []engine.CachedImage
	for rows.Next() {
		entry, err := scanCachedImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}
	return out, nil
}
