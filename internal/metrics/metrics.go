// Package metrics exposes Prometheus collectors for the retrieval service.
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
	recordsDiscoveredTotal     *prometheus.CounterVec
	filterDecisionsTotal       *prometheus.CounterVec
	sourceCallsTotal           *prometheus.CounterVec
	breakerState               *prometheus.GaugeVec
	extractionSeconds          *prometheus.HistogramVec
	pagesUpsertedTotal         *prometheus.CounterVec
	notifyFailuresTotal        prometheus.Counter
	scrapeJobsTotal            *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordsDiscoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagevault_records_discovered_total",
				Help: "Capture records returned by discovery, labeled by source.",
			},
			[]string{"source"},
		)

		filterDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagevault_filter_decisions_total",
				Help: "Filter decisions, labeled by outcome and reason code.",
			},
			[]string{"outcome", "reason"},
		)

		sourceCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagevault_source_calls_total",
				Help: "Index source calls, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pagevault_breaker_state",
				Help: "Circuit breaker state per source: 0 closed, 1 half-open, 2 open.",
			},
			[]string{"source"},
		)

		extractionSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagevault_extraction_seconds",
				Help:    "Content extraction latency, labeled by winning method.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
			},
			[]string{"method"},
		)

		pagesUpsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagevault_pages_upserted_total",
				Help: "Shared page upserts, labeled created or existing.",
			},
			[]string{"result"},
		)

		notifyFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagevault_notify_failures_total",
				Help: "Page-ready notifications that failed to publish.",
			},
		)

		scrapeJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagevault_scrape_jobs_total",
				Help: "Domain scrape jobs processed, labeled by terminal status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagevault_active_workers",
				Help: "Workers currently running a scrape job.",
			},
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
	return promhttp.Handler()
}

// ObserveDiscovery adds discovered record counts for a source.
func ObserveDiscovery(source string, records int) {
	if recordsDiscoveredTotal == nil {
		return
	}
	if records > 0 {
		recordsDiscoveredTotal.WithLabelValues(source).Add(float64(records))
	}
}

// ObserveFilterDecision counts one classification.
func ObserveFilterDecision(outcome, reason string) {
	if filterDecisionsTotal == nil {
		return
	}
	filterDecisionsTotal.WithLabelValues(outcome, reason).Inc()
}

// ObserveSourceCall counts one index call with its result.
func ObserveSourceCall(source, result string) {
	if sourceCallsTotal == nil {
		return
	}
	sourceCallsTotal.WithLabelValues(source, result).Inc()
}

// SetBreakerState records the current breaker state for a source.
func SetBreakerState(source string, state float64) {
	if breakerState == nil {
		return
	}
	breakerState.WithLabelValues(source).Set(state)
}

// ObserveExtraction records one successful extraction.
func ObserveExtraction(method string, elapsed time.Duration) {
	if extractionSeconds == nil {
		return
	}
	extractionSeconds.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObservePageUpsert counts one upsert as created or existing.
func ObservePageUpsert(created bool) {
	if pagesUpsertedTotal == nil {
		return
	}
	result := "existing"
	if created {
		result = "created"
	}
	pagesUpsertedTotal.WithLabelValues(result).Inc()
}

// ObserveNotifyFailure counts one failed page-ready publish.
func ObserveNotifyFailure() {
	if notifyFailuresTotal == nil {
		return
	}
	notifyFailuresTotal.Inc()
}

// ObserveJob increments the scrape job counter for the given status.
func ObserveJob(status string) {
	if scrapeJobsTotal == nil {
		return
	}
	scrapeJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
