package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pinstash/engine/internal/engine"
)

// PinStore gives the engine its narrow window onto the pins table, which is
// otherwise owned by the board CRUD layer.
type PinStore struct {
	db DB
}

// NewPinStore constructs a Postgres-backed PinStore.
func NewPinStore(db DB) (*PinStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &PinStore{db: db}, nil
}

// Get returns the engine-visible fields of a pin.
func (s *PinStore) Get(ctx context.Context, pinID int64) (engine.Pin, bool, error) {
	query := `SELECT id, COALESCE(image_url, ''), COALESCE(link, '')
FROM pins
WHERE id = $1`
	var pin engine.Pin
	err := s.db.QueryRow(ctx, query, pinID).Scan(&pin.ID, &pin.ImageURL, &pin.Link)
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.Pin{}, false, nil
	}
	if err != nil {
		return engine.Pin{}, false, fmt.Errorf("select pin: %w", err)
	}
	return pin, true, nil
}

// ListUncached returns pins with an external image and no cache reference.
func (s *PinStore) ListUncached(ctx context.Context, limit int) ([]engine.Pin, error) {
	query := `SELECT id, COALESCE(image_url, ''), COALESCE(link, '')
FROM pins
WHERE uses_cached_image = FALSE AND image_url LIKE 'http%'
ORDER BY id DESC
LIMIT $1`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select uncached pins: %w", err)
	}
	defer rows.Close()
	var out []engine.Pin
	for rows.Next() {
		var pin engine.Pin
		if err := rows.Scan(&pin.ID, &pin.ImageURL, &pin.Link); err != nil {
			return nil, fmt.Errorf("scan pin: %w", err)
		}
		out = append(out, pin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pins: %w", err)
	}
	return out, nil
}

// AttachCachedImage sets the weak back-reference to a cache entry.
func (s *PinStore) AttachCachedImage(ctx context.Context, pinID, cachedImageID int64) error {
	query := `UPDATE pins SET cached_image_id = $2, uses_cached_image = TRUE WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, pinID, cachedImageID)
	if err != nil {
		return fmt.Errorf("attach cached image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// DetachCachedImage clears back-references to an evicted cache entry.
func (s *PinStore) DetachCachedImage(ctx context.Context, cachedImageID int64) error {
	query := `UPDATE pins SET cached_image_id = NULL, uses_cached_image = FALSE WHERE cached_image_id = $1`
	if _, err := s.db.Exec(ctx, query, cachedImageID); err != nil {
		return fmt.Errorf("detach cached image: %w", err)
	}
	return nil
}

// SetColors records extracted color metadata; the palette is stored as JSON.
func (s *PinStore) SetColors(ctx context.Context, pinID int64, colors engine.ColorInfo) error {
	palette, err := json.Marshal(colors.Palette)
	if err != nil {
		return fmt.Errorf("marshal palette: %w", err)
	}
	query := `UPDATE pins SET dominant_color = $2, palette_colors = $3 WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, pinID, colors.Dominant, palette)
	if err != nil {
		return fmt.Errorf("set pin colors: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrNotFound
	}
	return nil
}
