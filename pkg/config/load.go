package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "CREDITS_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// Environment variables are not consulted; use LoadConfigWithEnvOverrides
// for that.
func LoadConfig(path string) (*Config, error) {
	cfg, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides named CREDITS_SECTION_FIELD (for example
// CREDITS_STORAGE_BACKEND). Environment variables take precedence over the file.
//
// The loading sequence is:
// 1. Load YAML from file (an empty path starts from an empty config)
// 2. Apply environment variable overrides
// 3. Apply default values
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = parseFile(path); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}
	return &cfg, nil
}

// envOverride binds one environment variable to a setter.
type envOverride struct {
	name string
	set  func(val string) error
}

func stringVar(p *string) func(string) error {
	return func(v string) error { *p = v; return nil }
}

func intVar(p *int) func(string) error {
	return func(v string) error {
		i, err := strconv.Atoi(v)
		if err == nil {
			*p = i
		}
		return err
	}
}

func int64Var(p *int64) func(string) error {
	return func(v string) error {
		i, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			*p = i
		}
		return err
	}
}

func boolVar(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*p = b
		}
		return err
	}
}

func boolPtrVar(p **bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*p = &b
		}
		return err
	}
}

func durationVar(p *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err == nil {
			*p = d
		}
		return err
	}
}

func floatVar(p *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			*p = f
		}
		return err
	}
}

func listVar(p *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*p = out
		return nil
	}
}

func int64ListVar(p *[]int64) func(string) error {
	return func(v string) error {
		var out []int64
		for _, s := range strings.Split(v, ",") {
			i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return err
			}
			out = append(out, i)
		}
		*p = out
		return nil
	}
}

func envOverrides(cfg *Config) []envOverride {
	return []envOverride{
		// Ledger overrides
		{"LEDGER_DEBIT_TIMEOUT", durationVar(&cfg.Ledger.DebitTimeout)},
		{"LEDGER_ASYNC_ALERTS", boolVar(&cfg.Ledger.AsyncAlerts)},

		// Storage overrides
		{"STORAGE_BACKEND", stringVar(&cfg.Storage.Backend)},
		{"STORAGE_SQLITE_PATH", stringVar(&cfg.Storage.SQLite.Path)},
		{"STORAGE_SQLITE_DRIVER", stringVar(&cfg.Storage.SQLite.Driver)},
		{"STORAGE_POSTGRES_DSN", stringVar(&cfg.Storage.Postgres.DSN)},
		{"STORAGE_POSTGRES_TABLE_PREFIX", stringVar(&cfg.Storage.Postgres.TablePrefix)},
		{"STORAGE_REDIS_ADDRS", listVar(&cfg.Storage.Redis.Addrs)},
		{"STORAGE_REDIS_PASSWORD", stringVar(&cfg.Storage.Redis.Password)},
		{"STORAGE_REDIS_DB", intVar(&cfg.Storage.Redis.DB)},
		{"STORAGE_REDIS_KEY_PREFIX", stringVar(&cfg.Storage.Redis.KeyPrefix)},
		{"STORAGE_REDIS_OPERATION_TTL", durationVar(&cfg.Storage.Redis.OperationTTL)},

		// Retry overrides
		{"RETRY_MAX_RETRIES", intVar(&cfg.Retry.MaxRetries)},
		{"RETRY_BASE_DELAY", durationVar(&cfg.Retry.BaseDelay)},
		{"RETRY_MAX_DELAY", durationVar(&cfg.Retry.MaxDelay)},

		// Refill overrides
		{"REFILL_ENABLED", boolPtrVar(&cfg.Refill.Enabled)},
		{"REFILL_SCHEDULE", stringVar(&cfg.Refill.Schedule)},
		{"REFILL_CONCURRENCY", intVar(&cfg.Refill.Concurrency)},

		// Alert overrides
		{"ALERTS_ENABLED", boolPtrVar(&cfg.Alerts.Enabled)},
		{"ALERTS_THRESHOLDS", int64ListVar(&cfg.Alerts.Thresholds)},
		{"ALERTS_REPLENISH_MARGIN", int64Var(&cfg.Alerts.ReplenishMargin)},
		{"ALERTS_SINKS", listVar(&cfg.Alerts.Sinks)},

		// Server overrides
		{"SERVER_LISTEN_ADDRESS", stringVar(&cfg.Server.ListenAddress)},

		// Telemetry overrides
		{"TELEMETRY_LOGGING_LEVEL", stringVar(&cfg.Telemetry.Logging.Level)},
		{"TELEMETRY_LOGGING_FORMAT", stringVar(&cfg.Telemetry.Logging.Format)},
		{"TELEMETRY_METRICS_ENABLED", boolPtrVar(&cfg.Telemetry.Metrics.Enabled)},
		{"TELEMETRY_TRACING_ENABLED", boolVar(&cfg.Telemetry.Tracing.Enabled)},
		{"TELEMETRY_TRACING_ENDPOINT", stringVar(&cfg.Telemetry.Tracing.Endpoint)},
		{"TELEMETRY_TRACING_SAMPLE_RATIO", floatVar(&cfg.Telemetry.Tracing.SampleRatio)},
	}
}

// applyEnvOverrides applies CREDITS_* environment variables to cfg. A value
// that does not parse is reported as a FieldError.
func applyEnvOverrides(cfg *Config) error {
	var errs []FieldError
	for _, o := range envOverrides(cfg) {
		val, ok := os.LookupEnv(EnvPrefix + o.name)
		if !ok || val == "" {
			continue
		}
		if err := o.set(val); err != nil {
			errs = append(errs, FieldError{Field: EnvPrefix + o.name, Message: err.Error()})
		}
	}
	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
