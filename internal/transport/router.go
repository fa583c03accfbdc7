package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stepwise/internal/config"
	"github.com/pitabwire/stepwise/internal/definition"
	"github.com/pitabwire/stepwise/internal/observability"
	"github.com/pitabwire/stepwise/internal/wizard"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Engine       *wizard.Engine
	Registry     *definition.Registry
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
	Authenticate func(http.Handler) http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	engine, registry := deps.Engine, deps.Registry

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/ui/wizards/{wizardId}/start", handleStart(engine, registry))
		r.Post("/ui/wizards/{wizardId}/resume", handleResume(engine, registry))

		r.Get("/ui/instances", handleList(engine))
		r.Route("/ui/instances/{instanceId}", func(r chi.Router) {
			r.Get("/", handleGet(engine, registry))
			r.Get("/events", handleEvents(engine))
			r.Get("/steps/{stepId}", handleDescribeStep(engine))

			r.Put("/answers/{fieldPath}", handleSetAnswer(engine, registry))
			r.Delete("/answers/{fieldPath}", handleClearAnswer(engine, registry))
			r.Get("/options/{fieldId}", handleOptions(engine))

			r.Post("/next", handleNavigate(engine, registry, navigateNext))
			r.Post("/back", handleNavigate(engine, registry, navigateBack))
			r.Post("/goto", handleNavigate(engine, registry, navigateGoTo))

			r.Post("/verifications/{gateId}/send", handleRequestCode(engine, registry))
			r.Post("/verifications/{gateId}/verify", handleVerifyCode(engine, registry))
			r.Post("/verifications/{gateId}/reset", handleResetVerification(engine, registry))

			r.Post("/location", handleLocation(engine, registry))
			r.Post("/uploads/{fieldId}", handleUpload(engine, registry, deps.Config.Server.MaxUploadBytes))
			r.Post("/submit", handleSubmit(engine, registry))
			r.Post("/cancel", handleCancel(engine, registry))
		})
	})

	return r
}
