package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseQualityTier(t *testing.T) {
	t.Parallel()

	for _, tier := range []string{"thumbnail", "low", "medium"} {
		got, err := ParseQualityTier(tier)
		require.NoError(t, err)
		require.Equal(t, QualityTier(tier), got)
	}

	_, err := ParseQualityTier("original")
	require.Error(t, err)
	_, err = ParseQualityTier("")
	require.Error(t, err)
}

func TestParseCacheStatus(t *testing.T) {
	t.Parallel()

	for _, status := range []string{"pending", "cached", "failed", "expired"} {
		got, err := ParseCacheStatus(status)
		require.NoError(t, err)
		require.Equal(t, CacheStatus(status), got)
	}

	_, err := ParseCacheStatus("stale")
	require.Error(t, err)
}

func TestParseHealthStatus(t *testing.T) {
	t.Parallel()

	for _, status := range []string{"unknown", "live", "broken", "archived"} {
		got, err := ParseHealthStatus(status)
		require.NoError(t, err)
		require.Equal(t, HealthStatus(status), got)
	}

	_, err := ParseHealthStatus("healthy")
	require.Error(t, err)
}

func TestValidateSourceURL(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateSourceURL("https://example.com/a.jpg"))
	require.NoError(t, ValidateSourceURL("http://example.com/img?x=1"))

	require.Error(t, ValidateSourceURL(""))
	require.Error(t, ValidateSourceURL("ftp://example.com/a.jpg"))
	require.Error(t, ValidateSourceURL("/relative/path.jpg"))
	require.Error(t, ValidateSourceURL("https://"))

	long := "https://example.com/" + strings.Repeat("a", MaxSourceURLLen)
	require.Error(t, ValidateSourceURL(long))
}

func TestFailureKind(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", FailureKind(nil))
	require.Equal(t, "network_error", FailureKind(ErrNetwork))
	require.Equal(t, "network_error", FailureKind(fmt.Errorf("fetch: %w", ErrNetwork)))
	require.Equal(t, "invalid_content", FailureKind(ErrInvalidContent))
	require.Equal(t, "size_limit_exceeded", FailureKind(ErrSizeLimit))
	require.Equal(t, "retry_exhausted", FailureKind(ErrRetryExhausted))
	require.Equal(t, "network_error", FailureKind(errors.New("anything else")))
}

func TestAsNetworkErr(t *testing.T) {
	t.Parallel()

	require.NoError(t, AsNetworkErr(nil))
	wrapped := AsNetworkErr(errors.New("connection refused"))
	require.ErrorIs(t, wrapped, ErrNetwork)
	require.Contains(t, wrapped.Error(), "connection refused")
}
