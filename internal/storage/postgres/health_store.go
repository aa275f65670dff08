package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pinstash/engine/internal/engine"
)

const healthColumns = `pin_id, url, status, archive_url, failures, last_checked, created_at, updated_at`

// HealthStore persists per-pin link health in the url_health table.
type HealthStore struct {
	db DB
}

// NewHealthStore constructs a Postgres-backed HealthStore.
func NewHealthStore(db DB) (*HealthStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &HealthStore{db: db}, nil
}

// Get returns the record for a pin, if any.
func (s *HealthStore) Get(ctx context.Context, pinID int64) (engine.HealthRecord, bool, error) {
	query := `SELECT ` + healthColumns + `
FROM url_health
WHERE pin_id = $1`
	rec, err := scanHealthRecord(s.db.QueryRow(ctx, query, pinID))
	if errors.Is(err, pgx.ErrNoRows) {
		return engine.HealthRecord{}, false, nil
	}
	if err != nil {
		return engine.HealthRecord{}, false, fmt.Errorf("select health record: %w", err)
	}
	return rec, true, nil
}

// Upsert writes the record for its pin; created_at survives updates.
func (s *HealthStore) Upsert(ctx context.Context, rec engine.HealthRecord) (engine.HealthRecord, error) {
	query := `INSERT INTO url_health (pin_id, url, status, archive_url, failures, last_checked, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (pin_id) DO UPDATE SET
	url = EXCLUDED.url,
	status = EXCLUDED.status,
	archive_url = EXCLUDED.archive_url,
	failures = EXCLUDED.failures,
	last_checked = EXCLUDED.last_checked,
	updated_at = EXCLUDED.updated_at
RETURNING ` + healthColumns
	now := rec.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	out, err := scanHealthRecord(s.db.QueryRow(ctx, query, rec.PinID, rec.URL, string(rec.Status), rec.ArchiveURL, rec.Failures, rec.LastChecked, now))
	if err != nil {
		return engine.HealthRecord{}, fmt.Errorf("upsert health record: %w", err)
	}
	return out, nil
}

// ListDue returns pins whose link should be probed, oldest check first with
// never-checked pins ahead of everything. Archived records never come back.
func (s *HealthStore) ListDue(ctx context.Context, staleCutoff, recheckCutoff time.Time, limit int) ([]engine.CheckTarget, error) {
	query := `SELECT ` + healthColumns + `
FROM url_health
WHERE status <> 'archived'
  AND (last_checked IS NULL
       OR last_checked < $1
       OR (status <> 'live' AND last_checked < $2))
ORDER BY last_checked ASC NULLS FIRST
LIMIT $3`
	rows, err := s.db.Query(ctx, query, staleCutoff, recheckCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("select due health records: %w", err)
	}
	defer rows.Close()
	var out []engine.CheckTarget
	for rows.Next() {
		rec, err := scanHealthRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan health record: %w", err)
		}
		out = append(out, engine.CheckTarget{PinID: rec.PinID, URL: rec.URL, Current: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate health records: %w", err)
	}
	return out, nil
}

// Delete removes the record for a pin.
func (s *HealthStore) Delete(ctx context.Context, pinID int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM url_health WHERE pin_id = $1`, pinID); err != nil {
		return fmt.Errorf("delete health record: %w", err)
	}
	return nil
}

func scanHealthRecord(row pgx.Row) (engine.HealthRecord, error) {
	var (
		rec    engine.HealthRecord
		status string
	)
	err := row.Scan(
		&rec.PinID,
		&rec.URL,
		&status,
		&rec.ArchiveURL,
		&rec.Failures,
		&rec.LastChecked,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return engine.HealthRecord{}, err
	}
	if rec.Status, err = engine.ParseHealthStatus(status); err != nil {
		return engine.HealthRecord{}, err
	}
	return rec, nil
}
