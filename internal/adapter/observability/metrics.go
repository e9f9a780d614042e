// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// JobsEnqueuedTotal counts jobs enqueued by kind.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"kind"},
	)
	// JobsProcessing is a gauge of the number of currently processing jobs by kind.
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"kind"},
	)
	// JobsProcessedTotal counts jobs completed successfully, by kind.
	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Total number of jobs processed successfully",
		},
		[]string{"kind"},
	)
	// JobsFailedTotal counts jobs that exhausted retries, by kind and failure category.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"kind", "category"},
	)
	// JobDuration is the histogram of end-to-end job processing duration.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind"},
	)

	// LLMCostUSDTotal sums coding-agent cost in USD, partitioned by canonical model.
	LLMCostUSDTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_cost_usd_total",
			Help: "Total coding-agent cost in USD",
		},
		[]string{"model"},
	)
	// LLMTurnsTotal sums coding-agent conversation turns, partitioned by canonical model.
	LLMTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_turns_total",
			Help: "Total coding-agent conversation turns",
		},
		[]string{"model"},
	)
	// LLMExecutionTimeMsTotal sums coding-agent wall-clock execution time in milliseconds.
	LLMExecutionTimeMsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_execution_time_ms_total",
			Help: "Total coding-agent execution time in milliseconds",
		},
		[]string{"model"},
	)
	// LLMHighCostAlertsTotal counts jobs whose cost exceeded the configured threshold.
	LLMHighCostAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_high_cost_alerts_total",
			Help: "Total high-cost alerts emitted",
		},
		[]string{"model"},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsProcessedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(LLMCostUSDTotal)
	prometheus.MustRegister(LLMTurnsTotal)
	prometheus.MustRegister(LLMExecutionTimeMsTotal)
	prometheus.MustRegister(LLMHighCostAlertsTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueJob increments the enqueued jobs counter for the given kind.
func EnqueueJob(kind string) {
	JobsEnqueuedTotal.WithLabelValues(kind).Inc()
}

// StartProcessingJob increments the processing gauge for the given kind.
func StartProcessingJob(kind string) {
	JobsProcessing.WithLabelValues(kind).Inc()
}

// CompleteJob marks a job complete: decrements the processing gauge,
// increments the processed counter, and observes its duration.
func CompleteJob(kind string, durationSeconds float64) {
	JobsProcessing.WithLabelValues(kind).Dec()
	JobsProcessedTotal.WithLabelValues(kind).Inc()
	JobDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// FailJob marks a job failed: decrements the processing gauge and
// increments the failed counter under the given failure category.
func FailJob(kind, category string, durationSeconds float64) {
	JobsProcessing.WithLabelValues(kind).Dec()
	JobsFailedTotal.WithLabelValues(kind, category).Inc()
	JobDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordLLMUsage records a coding-agent run's cost, turns, and execution
// time, partitioned by canonical model ID.
func RecordLLMUsage(model string, costUSD float64, turns int, executionTimeMs int64) {
	LLMCostUSDTotal.WithLabelValues(model).Add(costUSD)
	LLMTurnsTotal.WithLabelValues(model).Add(float64(turns))
	LLMExecutionTimeMsTotal.WithLabelValues(model).Add(float64(executionTimeMs))
}

// RecordHighCostAlert increments the high-cost alert counter for model.
func RecordHighCostAlert(model string) {
	LLMHighCostAlertsTotal.WithLabelValues(model).Inc()
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
