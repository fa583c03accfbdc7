package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.example.com" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if len(cfg.Specs.Sources) != 1 {
		t.Errorf("Specs.Sources = %d entries, want 1", len(cfg.Specs.Sources))
	}
	if !cfg.Definitions.Watch {
		t.Error("Definitions.Watch = false, want true")
	}
	if cfg.Resolver.CacheTTL != 2*time.Minute {
		t.Errorf("Resolver.CacheTTL = %v, want 2m", cfg.Resolver.CacheTTL)
	}
	if cfg.Resolver.MaxEntries != 1000 {
		t.Errorf("Resolver.MaxEntries = %d, want default 1000", cfg.Resolver.MaxEntries)
	}

	svc, ok := cfg.Services["applications-svc"]
	if !ok {
		t.Fatal("Services[applications-svc] not found")
	}
	if svc.Timeout != 10*time.Second {
		t.Errorf("applications-svc.Timeout = %v, want 10s", svc.Timeout)
	}
	if svc.Retry.MaxAttempts != 3 {
		t.Errorf("applications-svc.Retry.MaxAttempts = %d, want 3", svc.Retry.MaxAttempts)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_postgres_without_dsn(t *testing.T) {
	_, err := Load("testdata/bad_store.yaml")
	if err == nil {
		t.Fatal("Load() with postgres driver and no dsn_env should return error")
	}
	if !strings.Contains(err.Error(), "store.dsn_env") {
		t.Errorf("error = %v, want mention of store.dsn_env", err)
	}
}

func TestLoad_identity_without_issuer(t *testing.T) {
	_, err := Load("testdata/missing_issuer.yaml")
	if err == nil {
		t.Fatal("Load() with identity enabled and no issuer should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Resolver.CacheTTL != 5*time.Minute {
		t.Errorf("default Resolver.CacheTTL = %v, want 5m", cfg.Resolver.CacheTTL)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v, want nil", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STEPWISE_SERVER_PORT", "3000")
	t.Setenv("STEPWISE_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("STEPWISE_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("STEPWISE_RESOLVER_CACHE_TTL", "45s")
	t.Setenv("STEPWISE_DEFINITIONS_DIRECTORIES", "/a,/b")
	t.Setenv("STEPWISE_DEFINITIONS_WATCH", "false")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override beats file)", cfg.Server.Port)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.Resolver.CacheTTL != 45*time.Second {
		t.Errorf("Resolver.CacheTTL = %v, want 45s", cfg.Resolver.CacheTTL)
	}
	if len(cfg.Definitions.Directories) != 2 || cfg.Definitions.Directories[1] != "/b" {
		t.Errorf("Definitions.Directories = %v, want [/a /b]", cfg.Definitions.Directories)
	}
	if cfg.Definitions.Watch {
		t.Error("Definitions.Watch = true, want env override false")
	}
	if cfg.Identity.Issuer != "https://auth.example.com" {
		t.Errorf("Identity.Issuer = %q, want file value kept", cfg.Identity.Issuer)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"redis without addr", func(c *Config) {
			c.Idempotency.Enabled = true
			c.Idempotency.Driver = "redis"
		}, "idempotency.addr_env"},
		{"events without url", func(c *Config) { c.Events.Enabled = true }, "events.url"},
		{"service without base url", func(c *Config) {
			c.Services = map[string]ServiceConfig{"geo-svc": {}}
		}, "services.geo-svc.base_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
