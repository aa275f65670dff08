// Package metrics exposes Prometheus collectors for the engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	cacheLookupsTotal          *prometheus.CounterVec
	healthChecksTotal          *prometheus.CounterVec
	archiveLookupsTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_fetches_total",
				Help: "Total source image fetches, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_fetch_bytes_total",
				Help: "Total bytes downloaded from source hosts.",
			},
			[]string{"host"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_cache_lookups_total",
				Help: "Cache coordinator lookups, labeled by result (hit, miss, retry_blocked, failed).",
			},
			[]string{"result"},
		)

		healthChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_health_checks_total",
				Help: "Health checks performed, labeled by resulting status.",
			},
			[]string{"status"},
		)

		archiveLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_archive_lookups_total",
				Help: "Archive snapshot lookups, labeled by outcome (found, missing, error).",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_active_workers",
				Help: "Number of workers currently processing a cache task.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engine_rate_limit_delays_seconds",
				Help:    "Histogram of outbound rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname label from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one source fetch attempt.
func ObserveFetch(sourceURL, outcome string, bytesFetched int) {
	if fetchesTotal == nil {
		return
	}
	host := SanitizeHost(sourceURL)
	fetchesTotal.WithLabelValues(host, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveCacheLookup records a coordinator lookup result.
func ObserveCacheLookup(result string) {
	if cacheLookupsTotal == nil {
		return
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveHealthCheck records one health check by resulting status.
func ObserveHealthCheck(status string) {
	if healthChecksTotal == nil {
		return
	}
	healthChecksTotal.WithLabelValues(status).Inc()
}

// ObserveArchiveLookup records one archive resolution attempt.
func ObserveArchiveLookup(outcome string) {
	if archiveLookupsTotal == nil {
		return
	}
	archiveLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest records API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
