package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
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

// eventRetention bounds how long the event stream keeps messages.
const eventRetention = 7 * 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the wizard API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	// Telemetry.
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "stepwise", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// OpenAPI specs and wizard definitions.
	oaIndex := openapi.NewIndex()
	specSources := buildSpecSources(cfg.Specs, cfg.Services)
	if err := oaIndex.Load(specSources); err != nil {
		return fmt.Errorf("OpenAPI index load failed: %w", err)
	}
	for _, s := range specSources {
		metrics.SetOpenAPIOperationsIndexed(s.ServiceID, float64(len(oaIndex.AllOperationIDs(s.ServiceID))))
	}

	registry := definition.NewRegistry(nil)
	reloader := definition.NewReloader(registry, oaIndex, cfg.Definitions.Directories,
		definition.WithReloadLogger(logger),
		definition.WithReloadObserver(metrics),
	)
	if err := reloader.Reload(); err != nil {
		return err
	}

	// Backends.
	sdkHandlers := invoker.NewSDKHandlerRegistry()
	inv := invoker.NewRegistry(
		invoker.NewHTTPInvoker(oaIndex, cfg.Services,
			invoker.WithObserver(metrics),
			invoker.WithLogger(logger),
		),
		invoker.NewSDKOperationInvoker(sdkHandlers),
	)

	// Stores.
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(registry.WizardIDs()) > 0 },
		Dependencies:      map[string]observability.HealthChecker{},
	}

	store, storeCloser, err := buildInstanceStore(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("instance store initialization failed: %w", err)
	}
	if storeCloser != nil {
		defer storeCloser()
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.Dependencies["store"] = hc
	}

	idempotency, idempotencyCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		return fmt.Errorf("idempotency store initialization failed: %w", err)
	}
	if idempotencyCloser != nil {
		defer idempotencyCloser()
	}
	if hc, ok := idempotency.(observability.HealthChecker); ok {
		readiness.Dependencies["idempotency"] = hc
	}

	publisher, nc, err := buildPublisher(ctx, cfg.Events, logger)
	if err != nil {
		return fmt.Errorf("event publisher initialization failed: %w", err)
	}
	if nc != nil {
		defer nc.Drain()
		readiness.Dependencies["events"] = observability.HealthCheckFunc(func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats: not connected")
			}
			return nil
		})
	}

	// Engine.
	submitOpts := []submission.Option{
		submission.WithIndex(oaIndex),
		submission.WithObserver(metrics),
		submission.WithLogger(logger),
	}
	if idempotency != nil {
		submitOpts = append(submitOpts, submission.WithIdempotency(idempotency, cfg.Idempotency.DefaultTTL))
	}

	engine := wizard.NewEngine(registry, store, inv,
		wizard.WithObserver(metrics),
		wizard.WithLogger(logger),
		wizard.WithPublisher(publisher),
		wizard.WithInstanceTTL(cfg.Store.InstanceTTL),
		wizard.WithResolver(resolver.New(inv, cfg.Resolver,
			resolver.WithObserver(metrics),
			resolver.WithLogger(logger),
		)),
		wizard.WithSubmitter(submission.NewController(inv, submitOpts...)),
		wizard.WithGate(verification.NewGate(inv,
			verification.WithObserver(metrics),
			verification.WithLogger(logger),
		)),
		wizard.WithUploader(upload.NewUploader(inv,
			upload.WithObserver(metrics),
			upload.WithLogger(logger),
		)),
		wizard.WithGeo(geo.NewClient(inv)),
	)

	// HTTP.
	var authenticate func(http.Handler) http.Handler
	if cfg.Identity.Enabled {
		secret := os.Getenv(cfg.Identity.SecretEnv)
		if secret == "" {
			return fmt.Errorf("identity: %s environment variable not set", cfg.Identity.SecretEnv)
		}
		authenticate = transport.JWTAuthenticator(cfg.Identity, []byte(secret))
	} else {
		logger.Warn("identity disabled, trusting X-Tenant-Id and X-Subject-Id headers")
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       engine,
		Registry:     registry,
		Logger:       logger,
		Metrics:      metrics,
		Readiness:    readiness,
		Authenticate: authenticate,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go engine.RunExpiry(bgCtx, cfg.Store.CleanupInterval)
	if cfg.Definitions.Watch {
		go func() {
			if err := reloader.Watch(bgCtx); err != nil {
				logger.Error("definition watcher stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("wizards", len(registry.WizardIDs())),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// buildInstanceStore creates the instance store based on config.
func buildInstanceStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (wizard.InstanceStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory instance store")
		return wizard.NewMemoryInstanceStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("instance store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("instance store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("instance store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("instance store: ping: %w", err)
		}

		store := wizard.NewPgInstanceStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("instance store: migrate: %w", err)
		}
		logger.Info("using postgres instance store")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported instance store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the submission idempotency store. A nil
// store disables replay protection.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (submission.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return submission.NewMemoryIdempotencyStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return submission.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Driver)
	}
}

// buildPublisher connects to NATS when events are enabled.
func buildPublisher(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (events.Publisher, *nats.Conn, error) {
	if !cfg.Enabled {
		return events.Nop{}, nil, nil
	}

	nc, js, err := events.Connect(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "stepwise"
	}
	if _, err := events.SetupStream(ctx, js, prefix, eventRetention); err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("events: stream setup: %w", err)
	}
	logger.Info("publishing wizard events", zap.String("url", cfg.URL), zap.String("prefix", prefix))
	return events.NewNATSPublisher(js, prefix), nc, nil
}
