package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the wizard engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Wizard metrics
	WizardStartsTotal       *prometheus.CounterVec
	WizardActiveInstances   *prometheus.GaugeVec
	StepTransitionsTotal    *prometheus.CounterVec
	AnswerChangesTotal      *prometheus.CounterVec
	DescendantsClearedTotal *prometheus.CounterVec

	// Dependent data metrics
	OptionResolutionsTotal *prometheus.CounterVec

	// Gate, submission and upload metrics
	VerificationsTotal *prometheus.CounterVec
	SubmissionsTotal   *prometheus.CounterVec
	SubmissionDuration *prometheus.HistogramVec
	UploadsTotal       *prometheus.CounterVec

	// Backend invocation metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec

	// System metrics
	DefinitionReloadTotal    *prometheus.CounterVec
	DefinitionsLoaded        prometheus.Gauge
	OpenAPIOperationsIndexed *prometheus.GaugeVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepwise_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepwise_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepwise_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Wizards
		WizardStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_wizard_starts_total",
			Help: "Total number of wizard instances started, by origin.",
		}, []string{"wizard_id", "origin"}),
		WizardActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stepwise_wizard_active_instances",
			Help: "Number of active wizard instances.",
		}, []string{"wizard_id"}),
		StepTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_step_transitions_total",
			Help: "Total number of step transitions.",
		}, []string{"wizard_id", "to_step", "direction"}),
		AnswerChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_answer_changes_total",
			Help: "Total number of answer mutations.",
		}, []string{"wizard_id"}),
		DescendantsClearedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_descendants_cleared_total",
			Help: "Total number of dependent answers cleared by parent changes.",
		}, []string{"wizard_id"}),

		// Dependent data
		OptionResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_option_resolutions_total",
			Help: "Dependent option resolutions by outcome (hit, miss, error, stale).",
		}, []string{"options_key", "outcome"}),

		// Gates, submissions, uploads
		VerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_verifications_total",
			Help: "OTP gate actions by outcome.",
		}, []string{"wizard_id", "action", "outcome"}),
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_submissions_total",
			Help: "Submission attempts by final state.",
		}, []string{"wizard_id", "state"}),
		SubmissionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepwise_submission_duration_seconds",
			Help:    "Submission duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"wizard_id"}),
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_uploads_total",
			Help: "Document uploads by status.",
		}, []string{"wizard_id", "status"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_backend_requests_total",
			Help: "Total number of backend service requests.",
		}, []string{"service_id", "operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepwise_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"service_id"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stepwise_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service_id"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_backend_retries_total",
			Help: "Total number of backend request retries.",
		}, []string{"service_id"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepwise_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stepwise_wizards_loaded",
			Help: "Number of loaded wizard definitions.",
		}),
		OpenAPIOperationsIndexed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stepwise_openapi_operations_indexed",
			Help: "Number of indexed OpenAPI operations.",
		}, []string{"service_id"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.WizardStartsTotal,
		m.WizardActiveInstances,
		m.StepTransitionsTotal,
		m.AnswerChangesTotal,
		m.DescendantsClearedTotal,
		m.OptionResolutionsTotal,
		m.VerificationsTotal,
		m.SubmissionsTotal,
		m.SubmissionDuration,
		m.UploadsTotal,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
		m.OpenAPIOperationsIndexed,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// WizardStarted records a new instance. Origin is "start" or "resume".
func (m *Metrics) WizardStarted(wizardID, origin string) {
	m.WizardStartsTotal.WithLabelValues(wizardID, origin).Inc()
	m.WizardActiveInstances.WithLabelValues(wizardID).Inc()
}

// WizardFinished records an instance leaving the active state.
func (m *Metrics) WizardFinished(wizardID string) {
	m.WizardActiveInstances.WithLabelValues(wizardID).Dec()
}

// StepEntered records a step transition. Direction is "next", "back" or "goto".
func (m *Metrics) StepEntered(wizardID, stepID, direction string) {
	m.StepTransitionsTotal.WithLabelValues(wizardID, stepID, direction).Inc()
}

// AnswerChanged records an answer mutation and the descendants it cleared.
func (m *Metrics) AnswerChanged(wizardID string, cleared int) {
	m.AnswerChangesTotal.WithLabelValues(wizardID).Inc()
	if cleared > 0 {
		m.DescendantsClearedTotal.WithLabelValues(wizardID).Add(float64(cleared))
	}
}

// OptionsResolved records a dependent option resolution outcome.
func (m *Metrics) OptionsResolved(optionsKey, outcome string) {
	m.OptionResolutionsTotal.WithLabelValues(optionsKey, outcome).Inc()
}

// VerificationAttempted records an OTP send or verify outcome.
func (m *Metrics) VerificationAttempted(wizardID, action, outcome string) {
	m.VerificationsTotal.WithLabelValues(wizardID, action, outcome).Inc()
}

// SubmissionFinished records the final state of a submission attempt.
func (m *Metrics) SubmissionFinished(wizardID, state string, duration time.Duration) {
	m.SubmissionsTotal.WithLabelValues(wizardID, state).Inc()
	m.SubmissionDuration.WithLabelValues(wizardID).Observe(duration.Seconds())
}

// UploadFinished records an upload item status.
func (m *Metrics) UploadFinished(wizardID, status string) {
	m.UploadsTotal.WithLabelValues(wizardID, status).Inc()
}

// RecordBackendRequest records a backend service request.
func (m *Metrics) RecordBackendRequest(serviceID, operation string, status int, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(serviceID, operation, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	m.BackendCircuitBreakerState.WithLabelValues(serviceID).Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(serviceID string) {
	m.BackendRetriesTotal.WithLabelValues(serviceID).Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded wizards.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// SetOpenAPIOperationsIndexed sets the number of indexed OpenAPI operations.
func (m *Metrics) SetOpenAPIOperationsIndexed(serviceID string, count float64) {
	m.OpenAPIOperationsIndexed.WithLabelValues(serviceID).Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := newStatusRecorder(w)

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder wraps http.ResponseWriter to capture status and bytes.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Flush forwards to the wrapped writer when it supports flushing.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
