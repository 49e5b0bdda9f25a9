package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "refill.schedule").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any rule fails. All field errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateLedger(&cfg.Ledger)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateRefill(&cfg.Refill)...)
	errs = append(errs, validateAlerts(&cfg.Alerts)...)
	errs = append(errs, validateMigration(&cfg.Migration)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateLedger(l *LedgerConfig) []FieldError {
	var errs []FieldError
	if l.DebitTimeout < 0 {
		errs = append(errs, FieldError{Field: "ledger.debit_timeout", Message: "must be non-negative"})
	}
	if l.AlertTimeout < 0 {
		errs = append(errs, FieldError{Field: "ledger.alert_timeout", Message: "must be non-negative"})
	}
	return errs
}

func validateStorage(s *StorageConfig) []FieldError {
	var errs []FieldError

	switch s.Backend {
	case "memory":
		if s.Memory.MaxTransactions < 0 {
			errs = append(errs, FieldError{Field: "storage.memory.max_transactions", Message: "must be non-negative"})
		}
	case "sqlite":
		if s.SQLite.Path == "" {
			errs = append(errs, FieldError{Field: "storage.sqlite.path", Message: "is required"})
		}
		if s.SQLite.Driver != "sqlite" && s.SQLite.Driver != "sqlite3" {
			errs = append(errs, FieldError{Field: "storage.sqlite.driver", Message: fmt.Sprintf("must be one of: sqlite, sqlite3 (got %q)", s.SQLite.Driver)})
		}
		if s.SQLite.BusyTimeout < 0 {
			errs = append(errs, FieldError{Field: "storage.sqlite.busy_timeout", Message: "must be non-negative"})
		}
	case "postgres":
		if s.Postgres.DSN == "" {
			errs = append(errs, FieldError{Field: "storage.postgres.dsn", Message: "is required when backend is postgres"})
		}
		if s.Postgres.MaxConns < 0 {
			errs = append(errs, FieldError{Field: "storage.postgres.max_conns", Message: "must be non-negative"})
		}
	case "redis":
		if len(s.Redis.Addrs) == 0 {
			errs = append(errs, FieldError{Field: "storage.redis.addrs", Message: "at least one address is required"})
		}
		for i, addr := range s.Redis.Addrs {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, FieldError{Field: fmt.Sprintf("storage.redis.addrs[%d]", i), Message: fmt.Sprintf("invalid address %q: %v", addr, err)})
			}
		}
		if s.Redis.MaxStreamLength < 0 {
			errs = append(errs, FieldError{Field: "storage.redis.max_stream_length", Message: "must be non-negative"})
		}
		if s.Redis.OperationTTL < 0 {
			errs = append(errs, FieldError{Field: "storage.redis.operation_ttl", Message: "must be non-negative"})
		}
	default:
		errs = append(errs, FieldError{Field: "storage.backend", Message: fmt.Sprintf("must be one of: memory, sqlite, postgres, redis (got %q)", s.Backend)})
	}
	return errs
}

func validateRetry(r *RetryConfig) []FieldError {
	var errs []FieldError
	if r.MaxRetries > 20 {
		errs = append(errs, FieldError{Field: "retry.max_retries", Message: "must be at most 20"})
	}
	if r.BaseDelay < 0 {
		errs = append(errs, FieldError{Field: "retry.base_delay", Message: "must be non-negative"})
	}
	if r.MaxDelay < r.BaseDelay {
		errs = append(errs, FieldError{Field: "retry.max_delay", Message: "must be greater than or equal to base_delay"})
	}
	return errs
}

func validateRefill(r *RefillConfig) []FieldError {
	var errs []FieldError
	if _, err := cron.ParseStandard(r.Schedule); err != nil {
		errs = append(errs, FieldError{Field: "refill.schedule", Message: fmt.Sprintf("invalid schedule %q: %v", r.Schedule, err)})
	}
	if r.Concurrency < 1 {
		errs = append(errs, FieldError{Field: "refill.concurrency", Message: "must be at least 1"})
	}
	if r.EndpointTimeout <= 0 {
		errs = append(errs, FieldError{Field: "refill.endpoint_timeout", Message: "must be positive"})
	}
	return errs
}

func validateAlerts(a *AlertsConfig) []FieldError {
	var errs []FieldError
	for i, t := range a.Thresholds {
		if t < 0 {
			errs = append(errs, FieldError{Field: fmt.Sprintf("alerts.thresholds[%d]", i), Message: "must be non-negative"})
		}
		if i > 0 && t >= a.Thresholds[i-1] {
			errs = append(errs, FieldError{Field: "alerts.thresholds", Message: "must be strictly descending"})
			break
		}
	}
	if a.ReplenishMargin < 0 {
		errs = append(errs, FieldError{Field: "alerts.replenish_margin", Message: "must be non-negative"})
	}
	if a.MaxConflictRetries < 0 {
		errs = append(errs, FieldError{Field: "alerts.max_conflict_retries", Message: "must be non-negative"})
	}
	for i, sink := range a.Sinks {
		switch sink {
		case "log":
		case "redis":
			if len(a.Redis.Addrs) == 0 {
				errs = append(errs, FieldError{Field: "alerts.redis.addrs", Message: "is required for the redis sink"})
			}
			if a.Redis.Channel == "" && a.Redis.ListKey == "" {
				errs = append(errs, FieldError{Field: "alerts.redis", Message: "channel or list_key is required"})
			}
		default:
			errs = append(errs, FieldError{Field: fmt.Sprintf("alerts.sinks[%d]", i), Message: fmt.Sprintf("must be one of: log, redis (got %q)", sink)})
		}
	}
	return errs
}

func validateMigration(m *MigrationConfig) []FieldError {
	switch m.Format {
	case "auto", "json", "jsonl", "yaml":
		return nil
	default:
		return []FieldError{{Field: "migration.format", Message: fmt.Sprintf("must be one of: auto, json, jsonl, yaml (got %q)", m.Format)}}
	}
}

func validateServer(s *ServerConfig) []FieldError {
	var errs []FieldError
	if _, _, err := net.SplitHostPort(s.ListenAddress); err != nil {
		errs = append(errs, FieldError{Field: "server.listen_address", Message: fmt.Sprintf("invalid address %q: %v", s.ListenAddress, err)})
	}
	if s.ReadTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.read_timeout", Message: "must be non-negative"})
	}
	if s.WriteTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.write_timeout", Message: "must be non-negative"})
	}
	return errs
}

func validateTelemetry(t *TelemetryConfig) []FieldError {
	var errs []FieldError

	switch strings.ToLower(t.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{Field: "telemetry.logging.level", Message: fmt.Sprintf("must be one of: debug, info, warn, error (got %q)", t.Logging.Level)})
	}
	switch t.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, FieldError{Field: "telemetry.logging.format", Message: fmt.Sprintf("must be one of: json, text (got %q)", t.Logging.Format)})
	}

	if !strings.HasPrefix(t.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "must start with /"})
	}
	if t.Metrics.MaxCardinality < 0 {
		errs = append(errs, FieldError{Field: "telemetry.metrics.max_cardinality", Message: "must be non-negative"})
	}

	if t.Tracing.Enabled {
		switch t.Tracing.Sampler {
		case "always", "never", "ratio":
		default:
			errs = append(errs, FieldError{Field: "telemetry.tracing.sampler", Message: fmt.Sprintf("must be one of: always, never, ratio (got %q)", t.Tracing.Sampler)})
		}
		if t.Tracing.SampleRatio < 0 || t.Tracing.SampleRatio > 1 {
			errs = append(errs, FieldError{Field: "telemetry.tracing.sample_ratio", Message: "must be between 0.0 and 1.0"})
		}
		if t.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{Field: "telemetry.tracing.endpoint", Message: "is required when tracing is enabled"})
		}
	}

	for field, path := range map[string]string{
		"telemetry.health.liveness_path":  t.Health.LivenessPath,
		"telemetry.health.readiness_path": t.Health.ReadinessPath,
	} {
		if !strings.HasPrefix(path, "/") {
			errs = append(errs, FieldError{Field: field, Message: "must start with /"})
		}
	}
	return errs
}
