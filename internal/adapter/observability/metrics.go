package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// CircuitGaugeValue encodes circuit states for the gauge.
type CircuitGaugeValue float64

const (
	CircuitClosed     CircuitGaugeValue = 0
	CircuitOpen       CircuitGaugeValue = 1
	CircuitRecovering CircuitGaugeValue = 2
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SurfaceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surface_requests_total",
			Help: "Total number of surface adapter queries by surface and outcome code",
		},
		[]string{"surface", "code"},
	)
	SurfaceRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "surface_request_duration_seconds",
			Help:    "Surface adapter query duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"surface"},
	)
	SurfaceTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surface_tokens_total",
			Help: "Total tokens exchanged with surfaces by direction",
		},
		[]string{"surface", "direction"},
	)
	SurfaceCostUSDTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surface_cost_usd_total",
			Help: "Accumulated estimated surface cost in USD",
		},
		[]string{"surface"},
	)
	SurfaceCircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "surface_circuit_state",
			Help: "Circuit state per surface (0 closed, 1 open, 2 recovering)",
		},
		[]string{"surface"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"priority"},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently executing",
		},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of job executions failed by error code",
		},
		[]string{"code"},
	)
	JobsRetryingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_retrying_total",
			Help: "Total number of job executions scheduled for retry",
		},
	)
	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "executor_queue_depth",
			Help: "Jobs waiting in the executor queue by priority",
		},
		[]string{"priority"},
	)

	StudiesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "studies_created_total",
			Help: "Total number of studies created",
		},
	)
	StudiesFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studies_finished_total",
			Help: "Total number of studies reaching a terminal status",
		},
		[]string{"status"},
	)
	StudiesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "studies_active",
			Help: "Studies currently in a non-terminal status",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SurfaceRequestsTotal)
	prometheus.MustRegister(SurfaceRequestDuration)
	prometheus.MustRegister(SurfaceTokensTotal)
	prometheus.MustRegister(SurfaceCostUSDTotal)
	prometheus.MustRegister(SurfaceCircuitState)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetryingTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(StudiesCreatedTotal)
	prometheus.MustRegister(StudiesFinishedTotal)
	prometheus.MustRegister(StudiesActive)
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
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveSurfaceRequest records one adapter query outcome. code is "ok" for
// successes and the classification code otherwise.
func ObserveSurfaceRequest(surface, code string, dur time.Duration) {
	SurfaceRequestsTotal.WithLabelValues(surface, code).Inc()
	SurfaceRequestDuration.WithLabelValues(surface).Observe(dur.Seconds())
}

func AddSurfaceTokens(surface string, input, output int) {
	if input > 0 {
		SurfaceTokensTotal.WithLabelValues(surface, "input").Add(float64(input))
	}
	if output > 0 {
		SurfaceTokensTotal.WithLabelValues(surface, "output").Add(float64(output))
	}
}

func AddSurfaceCost(surface string, usd float64) {
	if usd > 0 {
		SurfaceCostUSDTotal.WithLabelValues(surface).Add(usd)
	}
}

func SetCircuitState(surface string, state CircuitGaugeValue) {
	SurfaceCircuitState.WithLabelValues(surface).Set(float64(state))
}

func EnqueueJob(priority string) {
	JobsEnqueuedTotal.WithLabelValues(priority).Inc()
}

func StartProcessingJob() {
	JobsProcessing.Inc()
}

func CompleteJob(dur time.Duration) {
	JobsProcessing.Dec()
	JobsCompletedTotal.Inc()
	JobDuration.Observe(dur.Seconds())
}

func FailJob(code string, dur time.Duration) {
	JobsProcessing.Dec()
	JobsFailedTotal.WithLabelValues(code).Inc()
	JobDuration.Observe(dur.Seconds())
}

func RetryJob() {
	JobsRetryingTotal.Inc()
}

func SetQueueDepth(priority string, depth int) {
	QueueDepth.WithLabelValues(priority).Set(float64(depth))
}
