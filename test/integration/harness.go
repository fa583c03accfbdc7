// Package integration provides a reusable test harness for end-to-end
// testing of the stepwise server. It starts a full HTTP server with mock
// backend services, in-memory stores and an HS256 token issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/stepwise/internal/config"
	"github.com/pitabwire/stepwise/internal/definition"
	"github.com/pitabwire/stepwise/internal/events"
	"github.com/pitabwire/stepwise/internal/geo"
	"github.com/pitabwire/stepwise/internal/invoker"
	"github.com/pitabwire/stepwise/internal/observability"
	"github.com/pitabwire/stepwise/internal/openapi"
	"github.com/pitabwire/stepwise/internal/resolver"
	"github.com/pitabwire/stepwise/internal/submission"
	"github.com/pitabwire/stepwise/internal/transport"
	"github.com/pitabwire/stepwise/internal/upload"
	"github.com/pitabwire/stepwise/internal/verification"
	"github.com/pitabwire/stepwise/internal/wizard"
)

// TestHarness encapsulates a fully wired server with mock backends.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry    *definition.Registry
	OAIndex     *openapi.Index
	Store       *wizard.MemoryInstanceStore
	Idempotency *submission.MemoryIdempotencyStore
	Events      *events.MemorySink
	Metrics     *observability.Metrics
	Engine      *wizard.Engine

	backends map[string]*MockBackend
	cfg      *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	specSources    []specSourceConfig
	handlerTimeout time.Duration
}

type specSourceConfig struct {
	serviceID string
	specFile  string
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithSpec adds an OpenAPI spec source to load.
func WithSpec(serviceID, specFile string) HarnessOption {
	return func(c *harnessConfig) {
		c.specSources = append(c.specSources, specSourceConfig{serviceID: serviceID, specFile: specFile})
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full server instance. The server is
// closed when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{handlerTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(hc)
	}

	dir := testdataDir()
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(dir, "definitions")}
	}
	if len(hc.specSources) == 0 {
		hc.specSources = []specSourceConfig{
			{serviceID: "onboarding-svc", specFile: filepath.Join(dir, "specs", "onboarding-svc.yaml")},
		}
	}

	h := &TestHarness{
		t:        t,
		issuer:   newTokenIssuer(),
		backends: make(map[string]*MockBackend),
	}

	// Mock backends first: their URLs become the spec base URLs.
	specSources := make([]openapi.SpecSource, len(hc.specSources))
	services := make(map[string]config.ServiceConfig, len(hc.specSources))
	for i, src := range hc.specSources {
		mb := newMockBackend(t, src.serviceID)
		h.backends[src.serviceID] = mb
		specSources[i] = openapi.SpecSource{ServiceID: src.serviceID, BaseURL: mb.URL(), SpecPath: src.specFile}
		services[src.serviceID] = config.ServiceConfig{
			BaseURL: mb.URL(),
			Timeout: 5 * time.Second,
			Retry:   config.RetryConfig{MaxAttempts: 1, IdempotentOnly: true},
		}
	}

	h.OAIndex = openapi.NewIndex()
	if err := h.OAIndex.Load(specSources); err != nil {
		t.Fatalf("load OpenAPI specs: %v", err)
	}
	for serviceID, mb := range h.backends {
		for _, opID := range h.OAIndex.AllOperationIDs(serviceID) {
			op, _ := h.OAIndex.GetOperation(serviceID, opID)
			mb.route(opID, strings.ToUpper(op.Method), op.PathTemplate)
		}
	}

	files, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(files, h.OAIndex); len(verrs) > 0 {
		t.Fatalf("definition validation: %v", verrs)
	}
	h.Registry = definition.NewRegistry(files)

	h.cfg = config.Defaults()
	h.cfg.Services = services
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Idempotency-Key"},
		MaxAge:         86400,
	}
	h.cfg.Identity.Enabled = true
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()

	logger := zap.NewNop()
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	h.Store = wizard.NewMemoryInstanceStore()
	h.Idempotency = submission.NewMemoryIdempotencyStore()
	h.Events = events.NewMemorySink()

	inv := invoker.NewRegistry(
		invoker.NewHTTPInvoker(h.OAIndex, services,
			invoker.WithObserver(h.Metrics),
			invoker.WithLogger(logger),
		),
		invoker.NewSDKOperationInvoker(invoker.NewSDKHandlerRegistry()),
	)

	h.Engine = wizard.NewEngine(h.Registry, h.Store, inv,
		wizard.WithObserver(h.Metrics),
		wizard.WithLogger(logger),
		wizard.WithPublisher(h.Events),
		wizard.WithResolver(resolver.New(inv, h.cfg.Resolver,
			resolver.WithObserver(h.Metrics),
			resolver.WithLogger(logger),
		)),
		wizard.WithSubmitter(submission.NewController(inv,
			submission.WithIndex(h.OAIndex),
			submission.WithIdempotency(h.Idempotency, h.cfg.Idempotency.DefaultTTL),
			submission.WithObserver(h.Metrics),
			submission.WithLogger(logger),
		)),
		wizard.WithGate(verification.NewGate(inv,
			verification.WithObserver(h.Metrics),
			verification.WithLogger(logger),
		)),
		wizard.WithUploader(upload.NewUploader(inv, upload.WithObserver(h.Metrics), upload.WithLogger(logger))),
		wizard.WithGeo(geo.NewClient(inv)),
	)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.Engine,
		Registry:     h.Registry,
		Logger:       logger,
		Metrics:      h.Metrics,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, h.issuer.Secret()),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return len(h.Registry.WizardIDs()) > 0 },
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// MockBackend returns the mock backend for the given service ID.
func (h *TestHarness) MockBackend(serviceID string) *MockBackend {
	mb, ok := h.backends[serviceID]
	if !ok {
		h.t.Fatalf("mock backend %q not configured", serviceID)
	}
	return mb
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed with an unknown secret.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ReadBody reads and returns the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// Expect checks the response status and returns the body.
func (h *TestHarness) Expect(t *testing.T, resp *http.Response, status int) []byte {
	t.Helper()
	body := h.ReadBody(resp)
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, status, body)
	}
	return body
}

// --- Default test claims ---

// MerchantClaims returns TestClaims for the default applicant.
func MerchantClaims() TestClaims {
	return TestClaims{SubjectID: "user-merchant", TenantID: "acme", Roles: []string{"applicant"}}
}

// OtherTenantClaims returns TestClaims for a user of another tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{SubjectID: "user-merchant", TenantID: "globex"}
}

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// CategoriesFixture is a listCategories response wrapped in data.
func CategoriesFixture() map[string]any {
	return map[string]any{"data": []map[string]any{
		{"id": "retail", "name": "Retail"},
		{"id": "food", "name": "Food and beverage"},
	}}
}

// SubcategoriesFixture is a bare-array listSubcategories response.
func SubcategoriesFixture() []map[string]any {
	return []map[string]any{
		{"id": "grocery", "name": "Grocery"},
		{"id": "apparel", "name": "Apparel"},
	}
}
