package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pinstash/engine/internal/engine"
)

type pinRow struct {
	pin           engine.Pin
	cachedImageID int64
	usesCached    bool
	colors        *engine.ColorInfo
}

// PinStore is an in-memory engine.PinStore. The CRUD layer owns pins; this
// implementation exists so the engine can run self-contained in dev/tests.
type PinStore struct {
	mu   sync.RWMutex
	pins map[int64]pinRow
}

// NewPinStore constructs a PinStore.
func NewPinStore() *PinStore {
	return &PinStore{pins: make(map[int64]pinRow)}
}

// Seed inserts a pin row, standing in for the external CRUD layer.
func (s *PinStore) Seed(pin engine.Pin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[pin.ID] = pinRow{pin: pin}
}

// Get returns the engine-visible fields of a pin.
func (s *PinStore) Get(_ context.Context, pinID int64) (engine.Pin, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.pins[pinID]
	return row.pin, ok, nil
}

// ListUncached returns pins with an external image and no cache reference.
func (s *PinStore) ListUncached(_ context.Context, limit int) ([]engine.Pin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.Pin
	for _, row := range s.pins {
		if !row.usesCached && strings.HasPrefix(row.pin.ImageURL, "http") {
			out = append(out, row.pin)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AttachCachedImage sets the weak back-reference to a cache entry.
func (s *PinStore) AttachCachedImage(_ context.Context, pinID, cachedImageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.pins[pinID]
	if !ok {
		return engine.ErrNotFound
	}
	row.cachedImageID = cachedImageID
	row.usesCached = true
	s.pins[pinID] = row
	return nil
}

// DetachCachedImage clears back-references to an evicted cache entry.
func (s *PinStore) DetachCachedImage(_ context.Context, cachedImageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, row := range s.pins {
		if row.cachedImageID == cachedImageID {
			row.cachedImageID = 0
			row.usesCached = false
			s.pins[id] = row
		}
	}
	return nil
}

// SetColors records extracted color metadata for a pin.
func (s *PinStore) SetColors(_ context.Context, pinID int64, colors engine.ColorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.pins[pinID]
	if !ok {
		return engine.ErrNotFound
	}
	c := colors
	row.colors = &c
	s.pins[pinID] = row
	return nil
}

// Colors exposes stored colors for assertions in tests.
func (s *PinStore) Colors(pinID int64) (engine.ColorInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.pins[pinID]
	if !ok || row.colors == nil {
		return engine.ColorInfo{}, false
	}
	return *row.colors, true
}

// CachedImageID exposes the back-reference for assertions in tests.
func (s *PinStore) CachedImageID(pinID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.pins[pinID]
	if !ok || !row.usesCached {
		return 0, false
	}
	return row.cachedImageID, true
}
