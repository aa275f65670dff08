package cache

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pinstash/engine/internal/engine"
	"github.com/pinstash/engine/internal/hash/sha256"
	pubmemory "github.com/pinstash/engine/internal/publisher/memory"
	"github.com/pinstash/engine/internal/retry"
	"github.com/pinstash/engine/internal/storage/local"
	"github.com/pinstash/engine/internal/storage/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeFetcher struct {
	calls int32
	delay time.Duration
	body  []byte
	err   error
}

func (f *fakeFetcher) Fetch(_ context.Context, sourceURL string) (engine.RawImage, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return engine.RawImage{}, f.err
	}
	return engine.RawImage{SourceURL: sourceURL, ContentType: "image/jpeg", Body: f.body}, nil
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: 128, B: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func newTestCoordinator(t *testing.T, fetcher engine.Fetcher, store engine.CacheStore, clock engine.Clock) (*Coordinator, *pubmemory.Publisher) {
	t.Helper()
	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	pub := pubmemory.New()
	coord, err := New(Deps{
		Store:     store,
		Fetcher:   fetcher,
		Blobs:     blobs,
		Keys:      sha256.New(),
		Publisher: pub,
		Policy:    retry.Default(),
		Clock:     clock,
	})
	require.NoError(t, err)
	return coord, pub
}

func TestAcquire_MissFetchesAndCaches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	fetcher := &fakeFetcher{body: jpegBytes(t, 600, 300)}
	store := memory.NewCacheStore()
	coord, pub := newTestCoordinator(t, fetcher, store, clock)

	out, err := coord.Acquire(ctx, "https://example.com/a.jpg", engine.TierLow)
	require.NoError(t, err)
	require.True(t, out.Cached())
	require.False(t, out.Hit)
	require.Equal(t, 400, out.Entry.Width)
	require.Equal(t, 200, out.Entry.Height)
	require.NotZero(t, out.Entry.ByteSize)
	require.Regexp(t, `^[0-9a-f]{16}_low\.jpg$`, out.Entry.StorageKey)
	require.NotNil(t, out.Colors)
	require.NotEmpty(t, out.Colors.Dominant)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	event := msgs[0].Payload.(Event)
	require.Equal(t, EventImageCached, event.Type)
}

func TestAcquire_SecondCallIsHit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	fetcher := &fakeFetcher{body: jpegBytes(t, 200, 200)}
	store := memory.NewCacheStore()
	coord, _ := newTestCoordinator(t, fetcher, store, clock)

	_, err := coord.Acquire(ctx, "https://example.com/a.jpg", engine.TierThumbnail)
	require.NoError(t, err)

	clock.now = clock.now.Add(time.Hour)
	out, err := coord.Acquire(ctx, "https://example.com/a.jpg", engine.TierThumbnail)
	require.NoError(t, err)
	require.True(t, out.Hit)
	require.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))

	// The hit refreshed last-accessed.
	entry, ok, err := store.Get(ctx, "https://example.com/a.jpg", engine.TierThumbnail)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, clock.now, entry.LastAccessed)
}

func TestAcquire_ConcurrentRequestsShareOneFetch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	fetcher := &fakeFetcher{body: jpegBytes(t, 100, 100), delay: 50 * time.Millisecond}
	store := memory.NewCacheStore()
	coord, _ := newTestCoordinator(t, fetcher, store, clock)

	var fresh int32
	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			out, err := coord.Acquire(ctx, "https://example.com/shared.jpg", engine.TierLow)
			if err != nil {
				return err
			}
			require.True(t, out.Cached())
			if !out.Hit {
				atomic.AddInt32(&fresh, 1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))

	// Exactly the caller that ran the fetch reports a non-hit outcome.
	require.Equal(t, int32(1), atomic.LoadInt32(&fresh))
}

func TestAcquire_InvalidContentMarksFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	fetcher := &fakeFetcher{body: []byte("<html>not an image</html>")}
	store := memory.NewCacheStore()
	coord, pub := newTestCoordinator(t, fetcher, store, clock)

	out, err := coord.Acquire(ctx, "https://example.com/fake.jpg", engine.TierLow)
	require.NoError(t, err)
	require.False(t, out.Cached())
	require.Equal(t, "invalid_content", out.FailureKind)
	require.Equal(t, 1, out.Entry.RetryCount)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, EventImageCacheFailed, msgs[0].Payload.(Event).Type)
}

func TestAcquire_BackoffBlocksRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	fetcher := &fakeFetcher{body: []byte("nope")}
	store := memory.NewCacheStore()
	coord, _ := newTestCoordinator(t, fetcher, store, clock)

	_, err := coord.Acquire(ctx, "https://example.com/b.jpg", engine.TierLow)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))

	// Immediately after a failure the backoff window is still closed.
	out, err := coord.Acquire(ctx, "https://example.com/b.jpg", engine.TierLow)
	require.NoError(t, err)
	require.Equal(t, FailureKindBackoff, out.FailureKind)
	require.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))

	// Once the window opens the fetch runs again.
	clock.now = clock.now.Add(2 * time.Minute)
	_, err = coord.Acquire(ctx, "https://example.com/b.jpg", engine.TierLow)
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&fetcher.calls))
}

func TestAcquire_RetryCeilingIsPermanent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	fetcher := &fakeFetcher{body: []byte("nope")}
	store := memory.NewCacheStore()
	coord, _ := newTestCoordinator(t, fetcher, store, clock)

	for i := 0; i < 3; i++ {
		out, err := coord.Acquire(ctx, "https://example.com/c.jpg", engine.TierLow)
		require.NoError(t, err)
		require.False(t, out.Cached())
		clock.now = clock.now.Add(12 * time.Hour)
	}
	require.Equal(t, int32(3), atomic.LoadInt32(&fetcher.calls))

	// Attempt four never reaches the fetcher, no matter how long we wait.
	clock.now = clock.now.Add(30 * 24 * time.Hour)
	out, err := coord.Acquire(ctx, "https://example.com/c.jpg", engine.TierLow)
	require.NoError(t, err)
	require.Equal(t, "retry_exhausted", out.FailureKind)
	require.Equal(t, int32(3), atomic.LoadInt32(&fetcher.calls))
}

func TestAcquire_RejectsBadInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Now().UTC()}
	coord, _ := newTestCoordinator(t, &fakeFetcher{}, memory.NewCacheStore(), clock)

	_, err := coord.Acquire(ctx, "ftp://example.com/a.jpg", engine.TierLow)
	require.Error(t, err)

	_, err = coord.Acquire(ctx, "https://example.com/a.jpg", engine.QualityTier("huge"))
	require.Error(t, err)
}
