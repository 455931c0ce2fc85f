// Package metrics exposes Prometheus collectors for the archiver service.
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
	archiveRequestsTotal      *prometheus.CounterVec
	archiveRequestSeconds     *prometheus.HistogramVec
	breakerState              *prometheus.GaugeVec
	breakerTransitionsTotal   *prometheus.CounterVec
	runsTotal                 *prometheus.CounterVec
	activeRuns                prometheus.Gauge
	pagesProcessedTotal       *prometheus.CounterVec
	pageBytesTotal            *prometheus.CounterVec
	coverageGapsDetected      *prometheus.GaugeVec
	coveragePercent           *prometheus.GaugeVec
	bulkActionsTotal          *prometheus.CounterVec
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec
	rateLimitDelaySeconds     *prometheus.HistogramVec

	once sync.Once
)

// breakerStateValue maps breaker states onto gauge values.
var breakerStateValue = map[string]float64{
	"closed":    0,
	"open":      1,
	"half_open": 2,
}

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		archiveRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_requests_total",
				Help: "Archive backend calls, labeled by backend, operation, and result.",
			},
			[]string{"backend", "op", "result"},
		)

		archiveRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archive_request_duration_seconds",
				Help:    "Archive backend call latencies, labeled by backend and operation.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"backend", "op"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "archive_breaker_state",
				Help: "Circuit breaker state per backend (0 closed, 1 open, 2 half-open).",
			},
			[]string{"backend"},
		)

		breakerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_breaker_transitions_total",
				Help: "Circuit breaker transitions, labeled by backend and target state.",
			},
			[]string{"backend", "to"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_runs_total",
				Help: "Finished incremental runs, labeled by type and status.",
			},
			[]string{"type", "status"},
		)

		activeRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_runs",
				Help: "Number of runs currently executing.",
			},
		)

		pagesProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_pages_total",
				Help: "Pages processed, labeled by domain and final status.",
			},
			[]string{"domain", "status"},
		)

		pageBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_page_bytes_total",
				Help: "Bytes of archived content fetched, labeled by domain.",
			},
			[]string{"domain"},
		)

		coverageGapsDetected = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "archiver_coverage_gaps",
				Help: "Open coverage gaps per domain after the latest analysis.",
			},
			[]string{"domain"},
		)

		coveragePercent = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "archiver_coverage_percent",
				Help: "Covered share of the analysis window per domain, 0-100.",
			},
			[]string{"domain"},
		)

		bulkActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_bulk_actions_total",
				Help: "Bulk page actions, labeled by action and per-page outcome.",
			},
			[]string{"action", "outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP requests served, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archive_rate_limit_delay_seconds",
				Help:    "Rate limit wait durations per backend.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"backend"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveArchiveRequest records one backend call.
func ObserveArchiveRequest(backend, op, result string, duration time.Duration) {
	archiveRequestsTotal.WithLabelValues(backend, op, result).Inc()
	archiveRequestSeconds.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// ObserveBreakerTransition records a breaker state change.
func ObserveBreakerTransition(backend, to string) {
	breakerTransitionsTotal.WithLabelValues(backend, to).Inc()
	breakerState.WithLabelValues(backend).Set(breakerStateValue[to])
}

// ObserveRunFinished counts a terminal run.
func ObserveRunFinished(runType, status string) {
	runsTotal.WithLabelValues(runType, status).Inc()
}

// IncActiveRuns increments the in-flight run gauge.
func IncActiveRuns() { activeRuns.Inc() }

// DecActiveRuns decrements the in-flight run gauge.
func DecActiveRuns() { activeRuns.Dec() }

// ObservePage counts a page reaching a status, plus its payload size.
func ObservePage(domain, status string, bytesFetched int) {
	pagesProcessedTotal.WithLabelValues(domain, status).Inc()
	if bytesFetched > 0 {
		pageBytesTotal.WithLabelValues(domain).Add(float64(bytesFetched))
	}
}

// ObserveCoverage records the outcome of a coverage analysis.
func ObserveCoverage(domain string, gaps int, percent float64) {
	coverageGapsDetected.WithLabelValues(domain).Set(float64(gaps))
	coveragePercent.WithLabelValues(domain).Set(percent)
}

// ObserveBulkAction counts one per-page outcome of a bulk action.
func ObserveBulkAction(action, outcome string) {
	bulkActionsTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecond.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records a rate limit wait.
func ObserveRateLimitDelay(backend string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(backend).Observe(duration.Seconds())
}
