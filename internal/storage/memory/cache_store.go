// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pinstash/engine/internal/engine"
)

type cacheKey struct {
	url  string
	tier engine.QualityTier
}

// CacheStore is an in-memory engine.CacheStore.
type CacheStore struct {
	mu      sync.RWMutex
	entries map[cacheKey]engine.CachedImage
	nextID  int64
}

// NewCacheStore constructs a CacheStore.
func NewCacheStore() *CacheStore {
	return &CacheStore{
		entries: make(map[cacheKey]engine.CachedImage),
		nextID:  1,
	}
}

// Get returns the entry for the key, if any.
func (s *CacheStore) Get(_ context.Context, sourceURL string, tier engine.QualityTier) (engine.CachedImage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[cacheKey{url: sourceURL, tier: tier}]
	return entry, ok, nil
}

// EnsurePending creates the entry pending, or resets a failed/expired row.
func (s *CacheStore) EnsurePending(_ context.Context, sourceURL string, tier engine.QualityTier, now time.Time) (engine.CachedImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cacheKey{url: sourceURL, tier: tier}
	entry, ok := s.entries[key]
	if !ok {
		entry = engine.CachedImage{
			ID:           s.nextID,
			SourceURL:    sourceURL,
			Tier:         tier,
			Status:       engine.CacheStatusPending,
			LastAccessed: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.nextID++
		s.entries[key] = entry
		return entry, nil
	}
	if entry.Status == engine.CacheStatusExpired {
		// Expiry resets retry accounting: the entry starts over.
		entry.RetryCount = 0
		entry.LastRetryAt = nil
	}
	entry.Status = engine.CacheStatusPending
	entry.StorageKey = ""
	entry.ByteSize = 0
	entry.Width = 0
	entry.Height = 0
	entry.UpdatedAt = now
	s.entries[key] = entry
	return entry, nil
}

// MarkCached records a successful fetch.
func (s *CacheStore) MarkCached(_ context.Context, sourceURL string, tier engine.QualityTier, storageKey string, byteSize int64, width, height int, now time.Time) (engine.CachedImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cacheKey{url: sourceURL, tier: tier}
	entry, ok := s.entries[key]
	if !ok {
		return engine.CachedImage{}, engine.ErrNotFound
	}
	entry.Status = engine.CacheStatusCached
	entry.StorageKey = storageKey
	entry.ByteSize = byteSize
	entry.Width = width
	entry.Height = height
	entry.RetryCount = 0
	entry.LastRetryAt = nil
	entry.LastAccessed = now
	entry.UpdatedAt = now
	s.entries[key] = entry
	return entry, nil
}

// MarkFailed increments retry accounting and clears media fields.
func (s *CacheStore) MarkFailed(_ context.Context, sourceURL string, tier engine.QualityTier, now time.Time) (engine.CachedImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cacheKey{url: sourceURL, tier: tier}
	entry, ok := s.entries[key]
	if !ok {
		return engine.CachedImage{}, engine.ErrNotFound
	}
	entry.Status = engine.CacheStatusFailed
	entry.StorageKey = ""
	entry.ByteSize = 0
	entry.Width = 0
	entry.Height = 0
	entry.RetryCount++
	at := now
	entry.LastRetryAt = &at
	entry.UpdatedAt = now
	s.entries[key] = entry
	return entry, nil
}

// Touch updates last-accessed on a hit.
func (s *CacheStore) Touch(_ context.Context, sourceURL string, tier engine.QualityTier, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cacheKey{url: sourceURL, tier: tier}
	entry, ok := s.entries[key]
	if !ok {
		return engine.ErrNotFound
	}
	entry.LastAccessed = now
	s.entries[key] = entry
	return nil
}

// ListExpirable returns cached entries not accessed since the cutoff.
func (s *CacheStore) ListExpirable(_ context.Context, cutoff time.Time, limit int) ([]engine.CachedImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.CachedImage
	for _, entry := range s.entries {
		if entry.Status == engine.CacheStatusCached && entry.LastAccessed.Before(cutoff) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessed.Before(out[j].LastAccessed) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkExpired transitions a cached entry to expired.
func (s *CacheStore) MarkExpired(_ context.Context, sourceURL string, tier engine.QualityTier, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cacheKey{url: sourceURL, tier: tier}
	entry, ok := s.entries[key]
	if !ok {
		return engine.ErrNotFound
	}
	entry.Status = engine.CacheStatusExpired
	entry.StorageKey = ""
	entry.ByteSize = 0
	entry.Width = 0
	entry.Height = 0
	entry.UpdatedAt = now
	s.entries[key] = entry
	return nil
}

// ListRetryable returns failed entries under the ceiling, oldest attempt first.
func (s *CacheStore) ListRetryable(_ context.Context, maxRetries int, limit int) ([]engine.CachedImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.CachedImage
	for _, entry := range s.entries {
		if entry.Status == engine.CacheStatusFailed && entry.RetryCount < maxRetries {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastRetryAt, out[j].LastRetryAt
		switch {
		case ti == nil:
			return true
		case tj == nil:
			return false
		default:
			return ti.Before(*tj)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
