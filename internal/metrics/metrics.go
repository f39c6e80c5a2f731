// Package metrics exposes Prometheus collectors for the crawler service.
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
	apiRequestsTotal           *prometheus.CounterVec
	apiRequestDurationSeconds  *prometheus.HistogramVec
	crawlPagesTotal            *prometheus.CounterVec
	topicsImportedTotal        *prometheus.CounterVec
	filesTotal                 *prometheus.CounterVec
	tasksTotal                 *prometheus.CounterVec
	tasksRunning               prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		apiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zsxq_api_requests_total",
				Help: "Remote platform calls, labeled by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		)

		apiRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zsxq_api_request_duration_seconds",
				Help:    "Latency of remote platform calls, labeled by endpoint.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"endpoint"},
		)

		crawlPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zsxq_crawl_pages_total",
				Help: "Topic pages fetched by the crawl engine, labeled by mode.",
			},
			[]string{"mode"},
		)

		topicsImportedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zsxq_topics_imported_total",
				Help: "Topics handed to the normalizer, labeled by outcome (new, updated, error).",
			},
			[]string{"outcome"},
		)

		filesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zsxq_files_total",
				Help: "File records collected or downloaded, labeled by action and status.",
			},
			[]string{"action", "status"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zsxq_tasks_total",
				Help: "Task state transitions, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		tasksRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "zsxq_tasks_running",
				Help: "Number of work units currently executing.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zsxq_rate_limit_delays_seconds",
				Help:    "Histogram of per-account rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"account"},
		)

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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveAPIRequest records one remote platform call.
func ObserveAPIRequest(endpoint, outcome string, duration time.Duration) {
	Init()
	apiRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	apiRequestDurationSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObservePage counts one successfully fetched topic page.
func ObservePage(mode string) {
	Init()
	crawlPagesTotal.WithLabelValues(mode).Inc()
}

// ObserveTopics adds imported topic counts for the given outcome.
func ObserveTopics(outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	topicsImportedTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveFile counts a file collected or downloaded.
func ObserveFile(action, status string) {
	Init()
	filesTotal.WithLabelValues(action, status).Inc()
}

// ObserveTask increments the task counter for the given kind and status.
func ObserveTask(kind, status string) {
	Init()
	tasksTotal.WithLabelValues(kind, status).Inc()
}

// IncRunningTasks increments the running tasks gauge.
func IncRunningTasks() {
	Init()
	tasksRunning.Inc()
}

// DecRunningTasks decrements the running tasks gauge.
func DecRunningTasks() {
	Init()
	tasksRunning.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(account string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(account).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
