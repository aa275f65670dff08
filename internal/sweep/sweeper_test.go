package sweep

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pinstash/engine/internal/engine"
	queuememory "github.com/pinstash/engine/internal/queue/memory"
	"github.com/pinstash/engine/internal/retry"
	"github.com/pinstash/engine/internal/storage/local"
	"github.com/pinstash/engine/internal/storage/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeAcquirer struct {
	calls   int32
	outcome engine.CacheOutcome
	err     error
}

func (a *fakeAcquirer) Acquire(_ context.Context, sourceURL string, tier engine.QualityTier) (engine.CacheOutcome, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.err != nil {
		return engine.CacheOutcome{}, a.err
	}
	out := a.outcome
	out.Entry.SourceURL = sourceURL
	out.Entry.Tier = tier
	return out, nil
}

func cachedOutcome(id int64) engine.CacheOutcome {
	return engine.CacheOutcome{
		Entry:  engine.CachedImage{ID: id, Status: engine.CacheStatusCached, StorageKey: "abc_low.jpg"},
		Colors: &engine.ColorInfo{Dominant: "aabbcc", Palette: []string{"aabbcc"}},
	}
}

func newTestSweeper(t *testing.T, acquirer Acquirer, store engine.CacheStore, pins engine.PinStore, blobs engine.BlobStore, clock engine.Clock) *Sweeper {
	t.Helper()
	s, err := New(Config{
		Concurrency: 2,
		BatchLimit:  10,
		DefaultTier: engine.TierLow,
		ExpireAfter: 30 * 24 * time.Hour,
	}, Deps{
		Queue:       queuememory.NewQueue(16),
		Coordinator: acquirer,
		CacheStore:  store,
		Pins:        pins,
		Blobs:       blobs,
		Policy:      retry.Default(),
		Clock:       clock,
	})
	require.NoError(t, err)
	return s
}

func TestCachePin_AttachesReferenceAndColors(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	pins := memory.NewPinStore()
	pins.Seed(engine.Pin{ID: 7, ImageURL: "https://img.com/a.jpg"})
	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	acquirer := &fakeAcquirer{outcome: cachedOutcome(42)}
	s := newTestSweeper(t, acquirer, memory.NewCacheStore(), pins, blobs, clock)

	out, err := s.CachePin(context.Background(), 7, "")
	require.NoError(t, err)
	require.True(t, out.Cached())
	require.Equal(t, engine.TierLow, out.Entry.Tier)

	id, ok := pins.CachedImageID(7)
	require.True(t, ok)
	require.Equal(t, int64(42), id)

	colors, ok := pins.Colors(7)
	require.True(t, ok)
	require.Equal(t, "aabbcc", colors.Dominant)
}

func TestCachePin_MissingPin(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	s := newTestSweeper(t, &fakeAcquirer{}, memory.NewCacheStore(), memory.NewPinStore(), blobs, clock)

	_, err = s.CachePin(context.Background(), 404, engine.TierLow)
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestEnqueueUncached(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	pins := memory.NewPinStore()
	pins.Seed(engine.Pin{ID: 1, ImageURL: "https://img.com/a.jpg"})
	pins.Seed(engine.Pin{ID: 2, ImageURL: "/static/local.jpg"})
	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	q := queuememory.NewQueue(16)
	s, err := New(Config{DefaultTier: engine.TierLow}, Deps{
		Queue:       q,
		Coordinator: &fakeAcquirer{},
		CacheStore:  memory.NewCacheStore(),
		Pins:        pins,
		Blobs:       blobs,
		Clock:       clock,
	})
	require.NoError(t, err)

	queued, err := s.EnqueueUncached(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), task.PinID)
	require.Equal(t, "https://img.com/a.jpg", task.SourceURL)
	require.Equal(t, engine.TierLow, task.Tier)
}

func TestEnqueueRetryable_SkipsBackoffWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	store := memory.NewCacheStore()
	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	// One failure an hour ago: window open. One failure just now: blocked.
	_, err = store.EnsurePending(ctx, "https://img.com/old.jpg", engine.TierLow, clock.now)
	require.NoError(t, err)
	_, err = store.MarkFailed(ctx, "https://img.com/old.jpg", engine.TierLow, clock.now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = store.EnsurePending(ctx, "https://img.com/new.jpg", engine.TierLow, clock.now)
	require.NoError(t, err)
	_, err = store.MarkFailed(ctx, "https://img.com/new.jpg", engine.TierLow, clock.now)
	require.NoError(t, err)

	s := newTestSweeper(t, &fakeAcquirer{}, store, memory.NewPinStore(), blobs, clock)
	queued, err := s.EnqueueRetryable(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, queued)
}

func TestEvict_RemovesBlobAndDetachesPins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	store := memory.NewCacheStore()
	pins := memory.NewPinStore()
	dir := t.TempDir()
	blobs, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	// A cached entry last read 40 days ago, referenced by a pin.
	stale := clock.now.Add(-40 * 24 * time.Hour)
	entry, err := store.EnsurePending(ctx, "https://img.com/old.jpg", engine.TierLow, stale)
	require.NoError(t, err)
	_, err = store.MarkCached(ctx, "https://img.com/old.jpg", engine.TierLow, "old_low.jpg", 10, 5, 5, stale)
	require.NoError(t, err)
	_, err = blobs.PutObject(ctx, "old_low.jpg", "image/jpeg", []byte("data"))
	require.NoError(t, err)
	pins.Seed(engine.Pin{ID: 1, ImageURL: "https://img.com/old.jpg"})
	require.NoError(t, pins.AttachCachedImage(ctx, 1, entry.ID))

	// A fresh entry stays.
	_, err = store.EnsurePending(ctx, "https://img.com/fresh.jpg", engine.TierLow, clock.now)
	require.NoError(t, err)
	_, err = store.MarkCached(ctx, "https://img.com/fresh.jpg", engine.TierLow, "fresh_low.jpg", 10, 5, 5, clock.now)
	require.NoError(t, err)

	s := newTestSweeper(t, &fakeAcquirer{}, store, pins, blobs, clock)
	evicted, err := s.Evict(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, evicted)

	got, ok, err := store.Get(ctx, "https://img.com/old.jpg", engine.TierLow)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, engine.CacheStatusExpired, got.Status)

	_, err = os.Stat(filepath.Join(dir, "old_low.jpg"))
	require.True(t, os.IsNotExist(err))

	_, ok = pins.CachedImageID(1)
	require.False(t, ok)

	fresh, _, err := store.Get(ctx, "https://img.com/fresh.jpg", engine.TierLow)
	require.NoError(t, err)
	require.Equal(t, engine.CacheStatusCached, fresh.Status)
}

func TestRun_WorkersDrainQueue(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now().UTC()}
	pins := memory.NewPinStore()
	pins.Seed(engine.Pin{ID: 1, ImageURL: "https://img.com/a.jpg"})
	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	acquirer := &fakeAcquirer{outcome: cachedOutcome(9)}
	q := queuememory.NewQueue(16)
	s, err := New(Config{Concurrency: 2, DefaultTier: engine.TierLow}, Deps{
		Queue:       q,
		Coordinator: acquirer,
		CacheStore:  memory.NewCacheStore(),
		Pins:        pins,
		Blobs:       blobs,
		Clock:       clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, q.Enqueue(ctx, engine.CacheTask{PinID: 1, SourceURL: "https://img.com/a.jpg", Tier: engine.TierLow}))

	require.Eventually(t, func() bool {
		_, ok := pins.CachedImageID(1)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_FailedTaskLogsAttempt(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	clock := &fakeClock{now: time.Now().UTC()}
	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	q := queuememory.NewQueue(16)
	s, err := New(Config{Concurrency: 1, DefaultTier: engine.TierLow}, Deps{
		Queue:       q,
		Coordinator: &fakeAcquirer{err: errors.New("fetch blew up")},
		CacheStore:  memory.NewCacheStore(),
		Pins:        memory.NewPinStore(),
		Blobs:       blobs,
		Clock:       clock,
		Logger:      zap.New(core),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, q.Enqueue(ctx, engine.CacheTask{
		SourceURL: "https://img.com/a.jpg",
		Tier:      engine.TierLow,
		Attempt:   2,
	}))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("cache task failed").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	entry := logs.FilterMessage("cache task failed").All()[0]
	require.EqualValues(t, 2, entry.ContextMap()["attempt"])

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
