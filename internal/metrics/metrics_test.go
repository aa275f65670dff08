package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSanitizeHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", SanitizeHost("https://example.com/a.jpg"))
	require.Equal(t, "example.com", SanitizeHost("example.com/a.jpg"))
	require.Equal(t, "example.com", SanitizeHost("HTTP://EXAMPLE.COM"))
	require.Equal(t, "unknown", SanitizeHost(""))
	require.Equal(t, "unknown", SanitizeHost("http://"))
}

func TestObserversAreSafe(t *testing.T) {
	t.Parallel()

	Init()
	// Re-init is a no-op; observers must not panic.
	Init()

	require.NotPanics(t, func() {
		ObserveFetch("https://example.com/a.jpg", "cached", 1024)
		ObserveFetch("https://example.com/a.jpg", "network_error", 0)
		ObserveCacheLookup("hit")
		ObserveHealthCheck("live")
		ObserveArchiveLookup("found")
		ObserveHTTPRequest("GET", "/v1/cache/entry", 200, 5*time.Millisecond)
		IncActiveWorkers()
		DecActiveWorkers()
		ObserveRateLimitDelay("example.com", 10*time.Millisecond)
	})
}

func TestHandler(t *testing.T) {
	t.Parallel()

	require.NotNil(t, Handler())
}
