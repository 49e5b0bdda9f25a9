package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credits.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"storage.backend", cfg.Storage.Backend, "sqlite"},
		{"storage.sqlite.path", cfg.Storage.SQLite.Path, DefaultSQLitePath},
		{"retry.max_retries", cfg.Retry.MaxRetries, 3},
		{"refill.schedule", cfg.Refill.Schedule, "@every 1m"},
		{"alerts.replenish_margin", cfg.Alerts.ReplenishMargin, int64(20000)},
		{"server.listen_address", cfg.Server.ListenAddress, "127.0.0.1:9090"},
		{"telemetry.logging.level", cfg.Telemetry.Logging.Level, "info"},
		{"telemetry.metrics.path", cfg.Telemetry.Metrics.Path, "/metrics"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	want := []int64{5000, 2000, 100}
	if len(cfg.Alerts.Thresholds) != len(want) {
		t.Fatalf("alerts.thresholds = %v, want %v", cfg.Alerts.Thresholds, want)
	}
	for i := range want {
		if cfg.Alerts.Thresholds[i] != want[i] {
			t.Errorf("alerts.thresholds[%d] = %d, want %d", i, cfg.Alerts.Thresholds[i], want[i])
		}
	}

	if !cfg.Refill.SchedulerEnabled() {
		t.Error("refill scheduler should be enabled by default")
	}
	if !cfg.Alerts.AlertingEnabled() {
		t.Error("alerting should be enabled by default")
	}
	if !cfg.Telemetry.Metrics.CollectionEnabled() {
		t.Error("metrics should be enabled by default")
	}
}

func TestApplyDefaults_DoesNotShareSlices(t *testing.T) {
	a := NewDefaultConfig()
	a.Alerts.Thresholds[0] = 1

	b := NewDefaultConfig()
	if b.Alerts.Thresholds[0] != 5000 {
		t.Fatalf("default thresholds were mutated through a config: %v", b.Alerts.Thresholds)
	}
	if DefaultAlertThresholds[0] != 5000 {
		t.Fatalf("DefaultAlertThresholds mutated: %v", DefaultAlertThresholds)
	}
}

func TestApplyDefaults_AlertRedisFallsBackToStorage(t *testing.T) {
	cfg := &Config{}
	cfg.Storage.Redis.Addrs = []string{"cache:6380"}
	ApplyDefaults(cfg)

	if got := cfg.Alerts.Redis.Addrs; len(got) != 1 || got[0] != "cache:6380" {
		t.Errorf("alerts.redis.addrs = %v, want [cache:6380]", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }, "storage.backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.postgres.dsn"},
		{"bad redis address", func(c *Config) {
			c.Storage.Backend = "redis"
			c.Storage.Redis.Addrs = []string{"no-port"}
		}, "storage.redis.addrs[0]"},
		{"bad sqlite driver", func(c *Config) { c.Storage.SQLite.Driver = "mysql" }, "storage.sqlite.driver"},
		{"too many retries", func(c *Config) { c.Retry.MaxRetries = 50 }, "retry.max_retries"},
		{"max below base delay", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "retry.max_delay"},
		{"bad schedule", func(c *Config) { c.Refill.Schedule = "every minute" }, "refill.schedule"},
		{"zero concurrency", func(c *Config) { c.Refill.Concurrency = -1 }, "refill.concurrency"},
		{"ascending thresholds", func(c *Config) { c.Alerts.Thresholds = []int64{100, 2000} }, "alerts.thresholds"},
		{"negative threshold", func(c *Config) { c.Alerts.Thresholds = []int64{-1} }, "alerts.thresholds[0]"},
		{"unknown sink", func(c *Config) { c.Alerts.Sinks = []string{"email"} }, "alerts.sinks[0]"},
		{"bad migration format", func(c *Config) { c.Migration.Format = "xml" }, "migration.format"},
		{"bad listen address", func(c *Config) { c.Server.ListenAddress = "9090" }, "server.listen_address"},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "trace" }, "telemetry.logging.level"},
		{"bad metrics path", func(c *Config) { c.Telemetry.Metrics.Path = "metrics" }, "telemetry.metrics.path"},
		{"bad sample ratio", func(c *Config) {
			c.Telemetry.Tracing.Enabled = true
			c.Telemetry.Tracing.SampleRatio = 2
		}, "telemetry.tracing.sample_ratio"},
		{"bad readiness path", func(c *Config) { c.Telemetry.Health.ReadinessPath = "ready" }, "telemetry.health.readiness_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}

			var verr ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() error type = %T, want ValidationError", err)
			}
			found := false
			for _, fe := range verr.Errors {
				if fe.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("Validate() errors = %v, want one for field %q", verr.Errors, tt.field)
			}
		})
	}
}

func TestValidationError_Error(t *testing.T) {
	single := ValidationError{Errors: []FieldError{{Field: "a", Message: "bad"}}}
	if got := single.Error(); got != "configuration validation failed: a: bad" {
		t.Errorf("single error = %q", got)
	}

	multi := ValidationError{Errors: []FieldError{{Field: "a", Message: "bad"}, {Field: "b", Message: "worse"}}}
	got := multi.Error()
	if !strings.Contains(got, "2 errors") || !strings.Contains(got, "  - b: worse") {
		t.Errorf("multi error = %q", got)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
ledger:
  debit_timeout: "2s"
  async_alerts: true

storage:
  backend: "memory"
  memory:
    max_transactions: 500

refill:
  schedule: "*/5 * * * *"
  concurrency: 4

alerts:
  thresholds: [10000, 1000]
  sinks: ["log"]

telemetry:
  logging:
    level: "debug"
    format: "text"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Ledger.DebitTimeout != 2*time.Second {
		t.Errorf("ledger.debit_timeout = %v, want 2s", cfg.Ledger.DebitTimeout)
	}
	if !cfg.Ledger.AsyncAlerts {
		t.Error("ledger.async_alerts = false, want true")
	}
	if cfg.Storage.Backend != "memory" || cfg.Storage.Memory.MaxTransactions != 500 {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Refill.Schedule != "*/5 * * * *" || cfg.Refill.Concurrency != 4 {
		t.Errorf("refill = %+v", cfg.Refill)
	}
	if len(cfg.Alerts.Thresholds) != 2 || cfg.Alerts.Thresholds[1] != 1000 {
		t.Errorf("alerts.thresholds = %v", cfg.Alerts.Thresholds)
	}
	// Untouched sections fall back to defaults.
	if cfg.Retry.BaseDelay != DefaultRetryBaseDelay {
		t.Errorf("retry.base_delay = %v, want %v", cfg.Retry.BaseDelay, DefaultRetryBaseDelay)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig(missing) = nil error")
	}

	bad := writeConfig(t, "storage: [unterminated")
	if _, err := LoadConfig(bad); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Errorf("LoadConfig(bad yaml) error = %v, want parse error", err)
	}

	invalid := writeConfig(t, "storage:\n  backend: \"etcd\"\n")
	_, err := LoadConfig(invalid)
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("LoadConfig(invalid) error = %v, want ValidationError", err)
	}
}

func TestLoadConfigWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: "sqlite"
server:
  listen_address: "127.0.0.1:9000"
`)

	t.Setenv("CREDITS_STORAGE_BACKEND", "redis")
	t.Setenv("CREDITS_STORAGE_REDIS_ADDRS", "r1:6379, r2:6379")
	t.Setenv("CREDITS_ALERTS_THRESHOLDS", "900,90")
	t.Setenv("CREDITS_REFILL_ENABLED", "false")
	t.Setenv("CREDITS_LEDGER_DEBIT_TIMEOUT", "750ms")

	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("LoadConfigWithEnvOverrides() error = %v", err)
	}

	if cfg.Storage.Backend != "redis" {
		t.Errorf("storage.backend = %q, want redis", cfg.Storage.Backend)
	}
	if got := cfg.Storage.Redis.Addrs; len(got) != 2 || got[1] != "r2:6379" {
		t.Errorf("storage.redis.addrs = %v", got)
	}
	if got := cfg.Alerts.Thresholds; len(got) != 2 || got[0] != 900 || got[1] != 90 {
		t.Errorf("alerts.thresholds = %v", got)
	}
	if cfg.Refill.SchedulerEnabled() {
		t.Error("refill scheduler enabled, want disabled by env")
	}
	if cfg.Ledger.DebitTimeout != 750*time.Millisecond {
		t.Errorf("ledger.debit_timeout = %v", cfg.Ledger.DebitTimeout)
	}
	// File value survives when no env var overrides it.
	if cfg.Server.ListenAddress != "127.0.0.1:9000" {
		t.Errorf("server.listen_address = %q", cfg.Server.ListenAddress)
	}
}

func TestLoadConfigWithEnvOverrides_NoFile(t *testing.T) {
	t.Setenv("CREDITS_STORAGE_BACKEND", "memory")

	cfg, err := LoadConfigWithEnvOverrides("")
	if err != nil {
		t.Fatalf("LoadConfigWithEnvOverrides(\"\") error = %v", err)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("storage.backend = %q, want memory", cfg.Storage.Backend)
	}
}

func TestLoadConfigWithEnvOverrides_BadValue(t *testing.T) {
	t.Setenv("CREDITS_REFILL_CONCURRENCY", "many")

	_, err := LoadConfigWithEnvOverrides("")
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if verr.Errors[0].Field != "CREDITS_REFILL_CONCURRENCY" {
		t.Errorf("field = %q", verr.Errors[0].Field)
	}
}
