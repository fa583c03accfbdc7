// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "STEPWISE_"

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig             `yaml:"server"        envPrefix:"SERVER_"`
	Identity      IdentityConfig           `yaml:"identity"      envPrefix:"IDENTITY_"`
	Definitions   DefinitionsConfig        `yaml:"definitions"   envPrefix:"DEFINITIONS_"`
	Specs         SpecsConfig              `yaml:"specs"`
	Services      map[string]ServiceConfig `yaml:"services"`
	Store         StoreConfig              `yaml:"store"         envPrefix:"STORE_"`
	Idempotency   IdempotencyConfig        `yaml:"idempotency"   envPrefix:"IDEMPOTENCY_"`
	Resolver      ResolverConfig           `yaml:"resolver"      envPrefix:"RESOLVER_"`
	Events        EventsConfig             `yaml:"events"        envPrefix:"EVENTS_"`
	Observability ObservabilityConfig      `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"             env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"WRITE_TIMEOUT"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"  env:"HANDLER_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes bearer token verification. Tokens are HMAC signed
// with the secret held in the SecretEnv variable.
type IdentityConfig struct {
	Enabled    bool              `yaml:"enabled"     env:"ENABLED"`
	Issuer     string            `yaml:"issuer"      env:"ISSUER"`
	Audience   string            `yaml:"audience"    env:"AUDIENCE"`
	SecretEnv  string            `yaml:"secret_env"  env:"SECRET_ENV"`
	LeewaySecs int               `yaml:"leeway_secs"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

// DefinitionsConfig describes where to find wizard definition files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories" env:"DIRECTORIES"`
	// Watch reloads definitions when files under Directories change.
	Watch bool `yaml:"watch" env:"WATCH"`
}

// SpecsConfig describes where to find OpenAPI specification files.
type SpecsConfig struct {
	Directory string       `yaml:"directory"`
	Sources   []SpecSource `yaml:"sources"`
}

// SpecSource maps a service ID to an OpenAPI spec file.
type SpecSource struct {
	ServiceID string `yaml:"service_id"`
	SpecFile  string `yaml:"spec_file"`
}

// ServiceConfig describes a backend service.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings per service.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// StoreConfig describes wizard instance persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"            env:"DRIVER"`
	DSNEnv          string        `yaml:"dsn_env"           env:"DSN_ENV"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	InstanceTTL     time.Duration `yaml:"instance_ttl"      env:"INSTANCE_TTL"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// IdempotencyConfig describes the submission idempotency store.
type IdempotencyConfig struct {
	Enabled    bool          `yaml:"enabled"     env:"ENABLED"`
	Driver     string        `yaml:"driver"      env:"DRIVER"`
	AddrEnv    string        `yaml:"addr_env"    env:"ADDR_ENV"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
}

// ResolverConfig describes the dependent option cache.
type ResolverConfig struct {
	CacheTTL     time.Duration `yaml:"cache_ttl"     env:"CACHE_TTL"`
	MaxEntries   int           `yaml:"max_entries"   env:"MAX_ENTRIES"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
}

// EventsConfig describes wizard event publishing to NATS.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level" env:"LOG_LEVEL"`
	Tracing  TracingConfig `yaml:"tracing"   envPrefix:"TRACING_"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"       env:"ENABLED"`
	Exporter     string  `yaml:"exporter"      env:"EXPORTER"`
	Endpoint     string  `yaml:"endpoint"      env:"ENDPOINT"`
	SamplingRate float64 `yaml:"sampling_rate" env:"SAMPLING_RATE"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxUploadBytes:  10 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Partition-Id",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			SecretEnv:  "STEPWISE_JWT_SECRET",
			LeewaySecs: 30,
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"roles":      "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Specs: SpecsConfig{
			Directory: "/specs",
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			InstanceTTL:     72 * time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Driver:     "memory",
			DefaultTTL: 24 * time.Hour,
		},
		Resolver: ResolverConfig{
			CacheTTL:     5 * time.Minute,
			MaxEntries:   1000,
			FetchTimeout: 5 * time.Second,
		},
		Events: EventsConfig{
			SubjectPrefix: "stepwise",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	if c.Identity.Enabled {
		if c.Identity.SecretEnv == "" {
			errs = append(errs, "identity.secret_env is required when identity is enabled")
		}
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required when identity is enabled")
		}
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Idempotency.Enabled && c.Idempotency.Driver == "redis" && c.Idempotency.AddrEnv == "" {
		errs = append(errs, "idempotency.addr_env is required for the redis driver")
	}
	if c.Events.Enabled && c.Events.URL == "" {
		errs = append(errs, "events.url is required when events are enabled")
	}
	for id, svc := range c.Services {
		if svc.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("services.%s.base_url is required", id))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads STEPWISE_* environment variables over the values
// loaded from the file. Unset variables leave the file values untouched.
func applyEnvOverrides(cfg *Config) error {
	return env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix})
}
