package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics tracks ledger transaction pipeline runs.
type PipelineMetrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	pollAttempt *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	inflight    prometheus.Gauge
}

// HTTPMetrics tracks the public HTTP surface.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// StoreMetrics tracks key-value store contention.
type StoreMetrics struct {
	conflicts *prometheus.CounterVec
}

var (
	pipelineMetricsOnce sync.Once
	pipelineRegistry    *PipelineMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *HTTPMetrics

	storeMetricsOnce sync.Once
	storeRegistry    *StoreMetrics
)

// Pipeline returns the lazily-initialised pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineRegistry = &PipelineMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "did_movement",
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Ledger transaction pipeline runs segmented by entry function and terminal state.",
			}, []string{"function", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "did_movement",
				Subsystem: "pipeline",
				Name:      "run_duration_seconds",
				Help:      "Wall time from build to terminal state.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
			}, []string{"function"}),
			pollAttempt: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "did_movement",
				Subsystem: "pipeline",
				Name:      "poll_attempts",
				Help:      "Number of by-hash polls issued before a terminal state.",
				Buckets:   []float64{1, 2, 3, 5, 8, 10, 20},
			}, []string{"function"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "did_movement",
				Subsystem: "pipeline",
				Name:      "transitions_total",
				Help:      "Pipeline state transitions segmented by target state.",
			}, []string{"state"}),
			inflight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "did_movement",
				Subsystem: "pipeline",
				Name:      "inflight",
				Help:      "Pipeline runs that have not reached a terminal state.",
			}),
		}
		prometheus.MustRegister(
			pipelineRegistry.runs,
			pipelineRegistry.duration,
			pipelineRegistry.pollAttempt,
			pipelineRegistry.transitions,
			pipelineRegistry.inflight,
		)
	})
	return pipelineRegistry
}

// Started marks a run as in flight.
func (m *PipelineMetrics) Started() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// Transition counts entry into state.
func (m *PipelineMetrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelOr(state, "unknown")).Inc()
}

// Finished records a terminal outcome.
func (m *PipelineMetrics) Finished(function, outcome string, polls int, duration time.Duration) {
	if m == nil {
		return
	}
	function = labelOr(function, "unknown")
	m.inflight.Dec()
	m.runs.WithLabelValues(function, labelOr(outcome, "unknown")).Inc()
	m.duration.WithLabelValues(function).Observe(duration.Seconds())
	m.pollAttempt.WithLabelValues(function).Observe(float64(polls))
}

// HTTP returns the lazily-initialised HTTP metrics registry.
func HTTP() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "did_movement",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "did_movement",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "HTTP error responses segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "did_movement",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "did_movement",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *HTTPMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = labelOr(route, "unknown")
	method = labelOr(method, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for route.
func (m *HTTPMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOr(route, "unknown")).Inc()
}

// Store returns the lazily-initialised store metrics registry.
func Store() *StoreMetrics {
	storeMetricsOnce.Do(func() {
		storeRegistry = &StoreMetrics{
			conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "did_movement",
				Subsystem: "store",
				Name:      "conflicts_total",
				Help:      "Atomic commits rejected by a failed check, segmented by operation.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(storeRegistry.conflicts)
	})
	return storeRegistry
}

// RecordConflict counts a lost compare-and-set for operation.
func (m *StoreMetrics) RecordConflict(operation string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(labelOr(operation, "unknown")).Inc()
}

func labelOr(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
