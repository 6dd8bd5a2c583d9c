// Package metrics exposes Prometheus collectors for the progress service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	progressUpdatesTotal       *prometheus.CounterVec
	invariantViolationsTotal   prometheus.Counter
	commentsTotal              *prometheus.CounterVec
	identityLookupsTotal       *prometheus.CounterVec
	cacheRequestsTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		progressUpdatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_updates_total",
				Help: "Total number of progress update writes, labeled by operation.",
			},
			[]string{"operation"},
		)

		invariantViolationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "progress_invariant_violations_total",
				Help: "Total writes rejected because the percentage would decrease.",
			},
		)

		commentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progress_comments_total",
				Help: "Total number of comment writes, labeled by operation.",
			},
			[]string{"operation"},
		)

		identityLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_lookups_total",
				Help: "Total identity service lookups, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		cacheRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_requests_total",
				Help: "Total cache reads, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveUpdate increments the write counter for the given operation.
func ObserveUpdate(operation string) {
	progressUpdatesTotal.WithLabelValues(operation).Inc()
}

// ObserveInvariantViolation counts a rejected decreasing write.
func ObserveInvariantViolation() {
	invariantViolationsTotal.Inc()
}

// ObserveComment increments the comment counter for the given operation.
func ObserveComment(operation string) {
	commentsTotal.WithLabelValues(operation).Inc()
}

// ObserveIdentityLookup records one lookup outcome (ok, not_found, error).
func ObserveIdentityLookup(outcome string) {
	identityLookupsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCacheRequest records one cache read result (hit or miss).
func ObserveCacheRequest(result string) {
	cacheRequestsTotal.WithLabelValues(result).Inc()
}
