package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/pinstash/engine/internal/engine"
)

var cachedImageCols = []string{
	"id", "source_url", "quality_level", "storage_key", "byte_size", "width", "height",
	"status", "retry_count", "last_retry_at", "last_accessed", "created_at", "updated_at",
}

func TestCacheStore_Get(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT (.+) FROM cached_images").
		WithArgs("https://example.com/a.jpg", "low").
		WillReturnRows(pgxmock.NewRows(cachedImageCols).AddRow(
			int64(7), "https://example.com/a.jpg", "low", "abc_low.jpg", int64(1234), 400, 300,
			"cached", 0, (*time.Time)(nil), now, now, now,
		))

	entry, ok, err := store.Get(context.Background(), "https://example.com/a.jpg", engine.TierLow)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7), entry.ID)
	require.Equal(t, engine.CacheStatusCached, entry.Status)
	require.Equal(t, engine.TierLow, entry.Tier)
	require.Equal(t, "abc_low.jpg", entry.StorageKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStore_GetMissing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM cached_images").
		WithArgs("https://example.com/missing.jpg", "low").
		WillReturnRows(pgxmock.NewRows(cachedImageCols))

	_, ok, err := store.Get(context.Background(), "https://example.com/missing.jpg", engine.TierLow)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStore_GetRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT (.+) FROM cached_images").
		WithArgs("https://example.com/a.jpg", "low").
		WillReturnRows(pgxmock.NewRows(cachedImageCols).AddRow(
			int64(7), "https://example.com/a.jpg", "low", "abc_low.jpg", int64(1234), 400, 300,
			"corrupted", 0, (*time.Time)(nil), now, now, now,
		))

	_, _, err = store.Get(context.Background(), "https://example.com/a.jpg", engine.TierLow)
	require.ErrorContains(t, err, "unknown cache status")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStore_EnsurePending(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("INSERT INTO cached_images").
		WithArgs("https://example.com/a.jpg", "thumbnail", now).
		WillReturnRows(pgxmock.NewRows(cachedImageCols).AddRow(
			int64(1), "https://example.com/a.jpg", "thumbnail", "", int64(0), 0, 0,
			"pending", 0, (*time.Time)(nil), now, now, now,
		))

	entry, err := store.EnsurePending(context.Background(), "https://example.com/a.jpg", engine.TierThumbnail, now)
	require.NoError(t, err)
	require.Equal(t, engine.CacheStatusPending, entry.Status)
	require.Zero(t, entry.RetryCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStore_MarkCached(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("UPDATE cached_images SET").
		WithArgs("https://example.com/a.jpg", "low", "abc_low.jpg", int64(1234), 400, 300, now).
		WillReturnRows(pgxmock.NewRows(cachedImageCols).AddRow(
			int64(1), "https://example.com/a.jpg", "low", "abc_low.jpg", int64(1234), 400, 300,
			"cached", 0, (*time.Time)(nil), now, now, now,
		))

	entry, err := store.MarkCached(context.Background(), "https://example.com/a.jpg", engine.TierLow, "abc_low.jpg", 1234, 400, 300, now)
	require.NoError(t, err)
	require.Equal(t, engine.CacheStatusCached, entry.Status)
	require.Equal(t, int64(1234), entry.ByteSize)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStore_MarkFailedMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("UPDATE cached_images SET").
		WithArgs("https://example.com/gone.jpg", "low", now).
		WillReturnRows(pgxmock.NewRows(cachedImageCols))

	_, err = store.MarkFailed(context.Background(), "https://example.com/gone.jpg", engine.TierLow, now)
	require.ErrorIs(t, err, engine.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStore_TouchMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE cached_images SET last_accessed").
		WithArgs("https://example.com/gone.jpg", "low", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.Touch(context.Background(), "https://example.com/gone.jpg", engine.TierLow, now)
	require.ErrorIs(t, err, engine.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheStore_ListRetryable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCacheStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	retryAt := now.Add(-time.Hour)
	mock.ExpectQuery("SELECT (.+) FROM cached_images").
		WithArgs(3, 10).
		WillReturnRows(pgxmock.NewRows(cachedImageCols).
			AddRow(int64(1), "https://example.com/a.jpg", "low", "", int64(0), 0, 0,
				"failed", 1, &retryAt, now, now, now).
			AddRow(int64(2), "https://example.com/b.jpg", "low", "", int64(0), 0, 0,
				"failed", 2, &retryAt, now, now, now))

	out, err := store.ListRetryable(context.Background(), 3, 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, engine.CacheStatusFailed, out[0].Status)
	require.NotNil(t, out[0].LastRetryAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

var healthCols = []string{
	"pin_id", "url", "status", "archive_url", "failures", "last_checked", "created_at", "updated_at",
}

func TestHealthStore_Upsert(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewHealthStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := engine.HealthRecord{
		PinID:       42,
		URL:         "https://example.com/post",
		Status:      engine.HealthBroken,
		Failures:    2,
		LastChecked: &now,
		UpdatedAt:   now,
	}
	mock.ExpectQuery("INSERT INTO url_health").
		WithArgs(int64(42), "https://example.com/post", "broken", "", 2, &now, now).
		WillReturnRows(pgxmock.NewRows(healthCols).AddRow(
			int64(42), "https://example.com/post", "broken", "", 2, &now, now, now,
		))

	out, err := store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, engine.HealthBroken, out.Status)
	require.Equal(t, 2, out.Failures)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthStore_ListDue(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewHealthStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	week := now.Add(-7 * 24 * time.Hour)
	day := now.Add(-24 * time.Hour)
	checkedAt := now.Add(-8 * 24 * time.Hour)
	mock.ExpectQuery("SELECT (.+) FROM url_health").
		WithArgs(week, day, 10).
		WillReturnRows(pgxmock.NewRows(healthCols).
			AddRow(int64(1), "https://a.com", "unknown", "", 0, (*time.Time)(nil), now, now).
			AddRow(int64(2), "https://b.com", "live", "", 0, &checkedAt, now, now))

	due, err := store.ListDue(context.Background(), week, day, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, int64(1), due[0].PinID)
	require.Equal(t, engine.HealthUnknown, due[0].Current.Status)
	require.Equal(t, "https://b.com", due[1].URL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthStore_GetRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewHealthStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT (.+) FROM url_health").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows(healthCols).AddRow(
			int64(42), "https://example.com/post", "zombie", "", 0, (*time.Time)(nil), now, now,
		))

	_, _, err = store.Get(context.Background(), 42)
	require.ErrorContains(t, err, "unknown health status")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPinStore_AttachAndColors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPinStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE pins SET cached_image_id").
		WithArgs(int64(1), int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.AttachCachedImage(context.Background(), 1, 9))

	mock.ExpectExec("UPDATE pins SET dominant_color").
		WithArgs(int64(1), "aabbcc", []byte(`["aabbcc","112233"]`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.SetColors(context.Background(), 1, engine.ColorInfo{
		Dominant: "aabbcc",
		Palette:  []string{"aabbcc", "112233"},
	}))

	mock.ExpectExec("UPDATE pins SET cached_image_id").
		WithArgs(int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	require.NoError(t, store.DetachCachedImage(context.Background(), 9))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPinStore_ListUncached(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPinStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT id, (.+) FROM pins").
		WithArgs(25).
		WillReturnRows(pgxmock.NewRows([]string{"id", "image_url", "link"}).
			AddRow(int64(3), "https://img.com/b.jpg", "").
			AddRow(int64(1), "https://img.com/a.jpg", "https://site.com"))

	pins, err := store.ListUncached(context.Background(), 25)
	require.NoError(t, err)
	require.Len(t, pins, 2)
	require.Equal(t, int64(3), pins[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
