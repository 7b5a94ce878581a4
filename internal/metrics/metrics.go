// Package metrics exposes Prometheus collectors for the crawlmanager service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobTransitionsTotal       *prometheus.CounterVec
	browserAcquiresTotal      *prometheus.CounterVec
	browserAcquireWaitSeconds *prometheus.HistogramVec
	poolBrowsers              *prometheus.GaugeVec
	reconcileActionsTotal     *prometheus.CounterVec
	provisionsTotal           *prometheus.CounterVec
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDuration       *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlmanager_job_transitions_total",
				Help: "Total job state transitions, labeled by resulting state.",
			},
			[]string{"state"},
		)

		browserAcquiresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlmanager_browser_acquires_total",
				Help: "Total browser acquisition attempts, labeled by pool and result.",
			},
			[]string{"pool", "result"},
		)

		browserAcquireWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlmanager_browser_acquire_wait_seconds",
				Help:    "Time callers spent waiting for a browser, labeled by pool.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"pool"},
		)

		poolBrowsers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlmanager_pool_browsers",
				Help: "Browsers tracked per pool, labeled by status.",
			},
			[]string{"pool", "status"},
		)

		reconcileActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlmanager_reconcile_actions_total",
				Help: "Total repairs applied by the reconciliation loop, labeled by kind.",
			},
			[]string{"kind"},
		)

		provisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlmanager_provisions_total",
				Help: "Total provisioning requests, labeled by pool and outcome.",
			},
			[]string{"pool", "outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// JobTransition counts a job entering the given state.
func JobTransition(state string) {
	Init()
	jobTransitionsTotal.WithLabelValues(state).Inc()
}

// BrowserAcquire records an acquisition attempt and its wait time.
func BrowserAcquire(pool, result string, wait time.Duration) {
	Init()
	browserAcquiresTotal.WithLabelValues(pool, result).Inc()
	browserAcquireWaitSeconds.WithLabelValues(pool).Observe(wait.Seconds())
}

// SetPoolBrowsers sets the per-status browser gauge for a pool.
func SetPoolBrowsers(pool, status string, n int) {
	Init()
	poolBrowsers.WithLabelValues(pool, status).Set(float64(n))
}

// ReconcileAction counts one repair applied by the reconciliation loop.
func ReconcileAction(kind string) {
	Init()
	reconcileActionsTotal.WithLabelValues(kind).Inc()
}

// Provision counts a provisioning request outcome for a pool.
func Provision(pool, outcome string) {
	Init()
	provisionsTotal.WithLabelValues(pool, outcome).Inc()
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, statusLabel(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}
