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

	// SubstrateRequestsTotal counts calls made to the execution substrate by
	// operation and outcome (create_job, terminate, inspect, ...).
	SubstrateRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "substrate_requests_total",
			Help: "Total number of execution substrate calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	// SubstrateRequestDuration records substrate call durations by operation.
	SubstrateRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "substrate_request_duration_seconds",
			Help:    "Execution substrate call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)

	// JobsEnqueuedTotal counts enqueued evaluations, labelled by the task broker's priority
	// class or, for copies sent to the legacy FIFO mirror, "evaluation_mirrored".
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of evaluations enqueued",
		},
		[]string{"type"},
	)
	// JobsProcessing is a gauge of the number of evaluations currently in flight by class.
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of evaluations currently processing",
		},
		[]string{"type"},
	)
	// JobsCompletedTotal counts evaluations that reached a successful terminal state.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of evaluations completed",
		},
		[]string{"type"},
	)
	// JobsFailedTotal counts evaluations that reached a non-successful terminal state.
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of evaluations failed",
		},
		[]string{"type"},
	)

	// EvaluationDurationSeconds is the wall-clock time from assigned to terminal, by outcome.
	EvaluationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evaluation_duration_seconds",
			Help:    "Wall-clock duration of a sandbox job from assignment to terminal outcome",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)
	// EvaluationExitCode is the distribution of sandbox exit codes for terminal evaluations.
	EvaluationExitCode = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evaluation_exit_code",
			Help:    "Distribution of sandbox job exit codes",
			Buckets: []float64{0, 1, 2, 126, 127, 137, 139},
		},
		[]string{"language"},
	)

	// BrokerLeaseDuration records how long a dispatch worker holds a lease before ack/nack.
	BrokerLeaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_lease_duration_seconds",
			Help:    "Duration a dispatch worker holds a broker lease",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"priority"},
	)
	// BrokerDeadLetterTotal counts tasks routed to the dead-letter destination.
	BrokerDeadLetterTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_dead_letter_total",
			Help: "Total number of tasks routed to dead-letter after exhausting retries",
		},
		[]string{"priority"},
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
	prometheus.MustRegister(SubstrateRequestsTotal)
	prometheus.MustRegister(SubstrateRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(EvaluationDurationSeconds)
	prometheus.MustRegister(EvaluationExitCode)
	prometheus.MustRegister(BrokerLeaseDuration)
	prometheus.MustRegister(BrokerDeadLetterTotal)
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

// EnqueueJob increments the enqueued jobs counter under the given label (a
// priority class, or "evaluation_mirrored" from the legacy FIFO mirror).
func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

// StartProcessingJob increments the processing gauge for the given priority class.
func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

// CompleteJob marks an evaluation complete: decrements the processing gauge and
// increments the completed counter.
func CompleteJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

// FailJob marks an evaluation failed: decrements the processing gauge and
// increments the failed counter.
func FailJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
}

// ObserveEvaluationOutcome records the duration and exit code of a terminal evaluation.
func ObserveEvaluationOutcome(outcome, language string, duration time.Duration, exitCode *int) {
	EvaluationDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
	if exitCode != nil {
		EvaluationExitCode.WithLabelValues(language).Observe(float64(*exitCode))
	}
}

// ObserveLeaseDuration records how long a dispatch worker held a broker lease.
func ObserveLeaseDuration(priority string, duration time.Duration) {
	BrokerLeaseDuration.WithLabelValues(priority).Observe(duration.Seconds())
}

// RecordDeadLetter records a task routed to dead-letter after exhausting retries.
func RecordDeadLetter(priority string) {
	BrokerDeadLetterTotal.WithLabelValues(priority).Inc()
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
