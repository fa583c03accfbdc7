package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stepwise/internal/config"
	"github.com/pitabwire/stepwise/internal/observability"
	"github.com/pitabwire/stepwise/internal/openapi"
	"github.com/pitabwire/stepwise/model"
)

// maxResponseBytes caps how much of a backend response body is read.
const maxResponseBytes = 10 << 20

// BackendObserver receives backend call measurements. *observability.Metrics
// satisfies it.
type BackendObserver interface {
	RecordBackendRequest(serviceID, operation string, status int, duration time.Duration)
	RecordBackendRetry(serviceID string)
	SetBackendCircuitBreakerState(serviceID string, state float64)
}

type nopObserver struct{}

func (nopObserver) RecordBackendRequest(string, string, int, time.Duration) {}
func (nopObserver) RecordBackendRetry(string)                               {}
func (nopObserver) SetBackendCircuitBreakerState(string, float64)           {}

// serviceClient holds the HTTP client, circuit breaker, and retry config
// for a single backend service.
type serviceClient struct {
	id      string
	cfg     config.ServiceConfig
	client  *http.Client
	breaker *CircuitBreaker
}

// HTTPOption configures an HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithObserver reports backend calls to o.
func WithObserver(o BackendObserver) HTTPOption {
	return func(inv *HTTPInvoker) {
		if o != nil {
			inv.observer = o
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *zap.Logger) HTTPOption {
	return func(inv *HTTPInvoker) {
		if l != nil {
			inv.logger = l
		}
	}
}

// WithHTTPClient replaces the per-service HTTP client transport. Used by tests
// and by deployments that need a custom RoundTripper.
func WithHTTPClient(rt http.RoundTripper) HTTPOption {
	return func(inv *HTTPInvoker) { inv.transport = rt }
}

// HTTPInvoker executes backend calls over HTTP. Bindings of type "openapi"
// resolve method and path from the OpenAPI index; bindings of type "http"
// carry them inline and use the configured service base URL.
type HTTPInvoker struct {
	index     *openapi.Index
	clients   map[string]*serviceClient
	observer  BackendObserver
	logger    *zap.Logger
	transport http.RoundTripper
}

// request is a fully resolved outbound call.
type request struct {
	operation string
	method    string
	url       string
	headers   http.Header
	body      []byte
}

// NewHTTPInvoker creates an invoker with per-service HTTP clients, circuit
// breakers, and retry policies. idx may be nil when only "http" bindings are
// used.
func NewHTTPInvoker(idx *openapi.Index, services map[string]config.ServiceConfig, opts ...HTTPOption) *HTTPInvoker {
	inv := &HTTPInvoker{
		index:    idx,
		clients:  make(map[string]*serviceClient, len(services)),
		observer: nopObserver{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(inv)
	}

	transport := inv.transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	for id, svcCfg := range services {
		timeout := svcCfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		serviceID := id
		inv.clients[id] = &serviceClient{
			id:     id,
			cfg:    svcCfg,
			client: &http.Client{Timeout: timeout, Transport: transport},
			breaker: NewCircuitBreaker(svcCfg.CircuitBreaker, func(s BreakerState) {
				inv.observer.SetBackendCircuitBreakerState(serviceID, s.Gauge())
			}),
		}
	}
	return inv
}

// Supports returns true for "openapi" and "http" bindings.
func (inv *HTTPInvoker) Supports(binding model.OperationBinding) bool {
	return binding.Type == "openapi" || binding.Type == "http"
}

// Breaker returns the circuit breaker for a service, for diagnostics.
func (inv *HTTPInvoker) Breaker(serviceID string) (*CircuitBreaker, bool) {
	svc, ok := inv.clients[serviceID]
	if !ok {
		return nil, false
	}
	return svc.breaker, true
}

// Invoke resolves the binding to an HTTP request and executes it with circuit
// breaker and retry support. Transport failures surface as
// BACKEND_UNAVAILABLE or BACKEND_TIMEOUT error envelopes.
func (inv *HTTPInvoker) Invoke(
	ctx context.Context,
	rctx *model.RequestContext,
	binding model.OperationBinding,
	input model.InvocationInput,
) (model.InvocationResult, error) {
	svc, ok := inv.clients[binding.ServiceID]
	if !ok {
		return model.InvocationResult{}, fmt.Errorf(
			"invoker: service %q not configured", binding.ServiceID,
		)
	}

	req, err := inv.resolve(svc, binding, input)
	if err != nil {
		return model.InvocationResult{}, err
	}

	ctx, span := observability.StartSpan(ctx, "backend.invoke",
		observability.AttrServiceID.String(svc.id),
	)
	req.headers = buildRequestHeaders(rctx, input, req.method)
	observability.InjectTraceHeaders(ctx, req.headers)

	result, err := inv.executeWithRetry(ctx, svc, req)
	observability.EndSpanWithError(span, err)
	return result, err
}

func (inv *HTTPInvoker) resolve(svc *serviceClient, binding model.OperationBinding, input model.InvocationInput) (request, error) {
	var req request
	var base, path string

	switch binding.Type {
	case "openapi":
		if inv.index == nil {
			return req, fmt.Errorf("invoker: no OpenAPI index for %s/%s", binding.ServiceID, binding.OperationID)
		}
		op, ok := inv.index.GetOperation(binding.ServiceID, binding.OperationID)
		if !ok {
			return req, fmt.Errorf(
				"invoker: operation %s/%s not found in OpenAPI index",
				binding.ServiceID, binding.OperationID,
			)
		}
		req.operation = op.OperationID
		req.method = op.Method
		base, path = op.BaseURL, op.PathTemplate
		if base == "" {
			base = svc.cfg.BaseURL
		}
	default:
		req.method = strings.ToUpper(binding.Method)
		if req.method == "" {
			req.method = http.MethodGet
		}
		req.operation = req.method + " " + binding.Path
		base, path = svc.cfg.BaseURL, binding.Path
	}

	req.url = buildRequestURL(base, path, input)

	switch {
	case input.RawBody != nil:
		req.body = input.RawBody
	case input.Body != nil:
		b, err := json.Marshal(input.Body)
		if err != nil {
			return req, fmt.Errorf("invoker: marshal body: %w", err)
		}
		req.body = b
	}
	return req, nil
}

// executeWithRetry wraps executeOnce with retry logic and exponential backoff.
func (inv *HTTPInvoker) executeWithRetry(ctx context.Context, svc *serviceClient, req request) (model.InvocationResult, error) {
	retryCfg := svc.cfg.Retry
	maxAttempts := retryCfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	canRetry := isIdempotentMethod(req.method) || !retryCfg.IdempotentOnly

	var lastErr error
	var lastResult model.InvocationResult

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			inv.observer.RecordBackendRetry(svc.id)
			select {
			case <-ctx.Done():
				return model.InvocationResult{}, model.NewBackendTimeoutError()
			case <-time.After(calculateBackoff(retryCfg, attempt)):
			}
		}

		start := time.Now()
		result, err := inv.executeOnce(ctx, svc, req)
		inv.observer.RecordBackendRequest(svc.id, req.operation, result.StatusCode, time.Since(start))

		if err != nil {
			lastErr = err
			if !canRetry || !isRetryableError(err) {
				return model.InvocationResult{}, err
			}
			inv.logger.Debug("invoker: retrying after error",
				zap.String("service_id", svc.id),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Error(err),
			)
			continue
		}

		if isRetryableStatus(result.StatusCode) && canRetry && attempt < maxAttempts-1 {
			lastResult = result
			inv.logger.Debug("invoker: retrying after status",
				zap.String("service_id", svc.id),
				zap.Int("attempt", attempt+1),
				zap.Int("status", result.StatusCode),
			)
			continue
		}

		return result, nil
	}

	if lastErr != nil {
		return model.InvocationResult{}, lastErr
	}
	return lastResult, nil
}

// executeOnce performs a single HTTP request with circuit breaker protection.
func (inv *HTTPInvoker) executeOnce(ctx context.Context, svc *serviceClient, req request) (model.InvocationResult, error) {
	if err := svc.breaker.Allow(); err != nil {
		return model.InvocationResult{}, model.NewBackendUnavailableError()
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return model.InvocationResult{}, fmt.Errorf("invoker: build request: %w", err)
	}
	httpReq.Header = req.headers.Clone()

	resp, err := svc.client.Do(httpReq)
	if err != nil {
		svc.breaker.RecordFailure()
		if ctx.Err() != nil || isTimeout(err) {
			return model.InvocationResult{}, model.NewBackendTimeoutError()
		}
		if isConnectionError(err) {
			return model.InvocationResult{}, model.NewBackendUnavailableError()
		}
		return model.InvocationResult{}, fmt.Errorf("invoker: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		svc.breaker.RecordFailure()
		return model.InvocationResult{}, fmt.Errorf("invoker: read response: %w", err)
	}

	// 4xx responses are answers, not infrastructure failures.
	if isServerError(resp.StatusCode) {
		svc.breaker.RecordFailure()
	} else if !isClientError(resp.StatusCode) {
		svc.breaker.RecordSuccess()
	}

	result := model.InvocationResult{
		StatusCode: resp.StatusCode,
		Headers:    extractResponseHeaders(resp),
		Raw:        respBody,
	}
	if len(respBody) > 0 {
		var parsed any
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			result.Body = parsed
		}
	}
	return result, nil
}

// --- URL and header building ---

func buildRequestURL(base, path string, input model.InvocationInput) string {
	for name, value := range input.PathParams {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}

	result := strings.TrimSuffix(base, "/") + path

	if len(input.QueryParams) > 0 {
		params := url.Values{}
		for k, v := range input.QueryParams {
			params.Set(k, v)
		}
		sep := "?"
		if strings.Contains(result, "?") {
			sep = "&"
		}
		result += sep + params.Encode()
	}

	return result
}

func buildRequestHeaders(rctx *model.RequestContext, input model.InvocationInput, method string) http.Header {
	h := make(http.Header)

	h.Set("Accept", "application/json")
	switch {
	case input.RawBody != nil && input.ContentType != "":
		h.Set("Content-Type", sanitizeHeader(input.ContentType))
	case method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch:
		h.Set("Content-Type", "application/json")
	}

	if rctx != nil {
		if rctx.Token != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		h.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
		h.Set("X-Partition-Id", sanitizeHeader(rctx.PartitionID))
		h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		h.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
		if rctx.Locale != "" {
			h.Set("Accept-Language", sanitizeHeader(rctx.Locale))
		}
	}

	// Input headers override the standard set.
	for k, v := range input.Headers {
		h.Set(sanitizeHeader(k), sanitizeHeader(v))
	}

	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func extractResponseHeaders(resp *http.Response) map[string]string {
	headers := make(map[string]string)
	for _, key := range []string{
		"Content-Type", "X-Correlation-Id", "X-Trace-Id",
		"X-Request-Id", "Retry-After", "Location",
	} {
		if v := resp.Header.Get(key); v != "" {
			headers[key] = v
		}
	}
	return headers
}

// --- classification helpers ---

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isServerError(code int) bool {
	return code >= 500
}

func isClientError(code int) bool {
	return code >= 400 && code < 500
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableError reports whether a transport error is worth retrying. An
// open breaker is not.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code == model.ErrBackendTimeout
	}
	return true
}

// isConnectionError reports dial, DNS and dropped-connection failures.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}
