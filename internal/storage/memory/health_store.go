package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pinstash/engine/internal/engine"
)

// HealthStore is an in-memory engine.HealthStore.
type HealthStore struct {
	mu      sync.RWMutex
	records map[int64]engine.HealthRecord
}

// NewHealthStore constructs a HealthStore.
func NewHealthStore() *HealthStore {
	return &HealthStore{records: make(map[int64]engine.HealthRecord)}
}

// Get returns the record for a pin, if any.
func (s *HealthStore) Get(_ context.Context, pinID int64) (engine.HealthRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[pinID]
	return rec, ok, nil
}

// Upsert writes the record keyed by its pin. The caller's UpdatedAt wins
// when set, so injected clocks survive the round trip.
func (s *HealthStore) Upsert(_ context.Context, rec engine.HealthRecord) (engine.HealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := rec.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	existing, ok := s.records[rec.PinID]
	if ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.PinID] = rec
	return rec, nil
}

// ListDue returns checkable records oldest first; never-checked lead.
func (s *HealthStore) ListDue(_ context.Context, staleCutoff, recheckCutoff time.Time, limit int) ([]engine.CheckTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.CheckTarget
	for _, rec := range s.records {
		if rec.Status == engine.HealthArchived {
			// Archived is terminal for automatic checks.
			continue
		}
		due := rec.LastChecked == nil ||
			rec.LastChecked.Before(staleCutoff) ||
			(rec.Status != engine.HealthLive && rec.LastChecked.Before(recheckCutoff))
		if due {
			out = append(out, engine.CheckTarget{PinID: rec.PinID, URL: rec.URL, Current: rec})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].Current.LastChecked, out[j].Current.LastChecked
		switch {
		case ti == nil && tj == nil:
			return out[i].PinID < out[j].PinID
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

// Delete removes the record for a pin.
func (s *HealthStore) Delete(_ context.Context, pinID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, pinID)
	return nil
}
