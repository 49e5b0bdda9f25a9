package config

import (
	"slices"
	"time"
)

// Default values for configuration fields.
const (
	// Ledger defaults
	DefaultDebitTimeout = 5 * time.Second
	DefaultAlertTimeout = 5 * time.Second

	// Storage defaults
	DefaultStorageBackend           = "sqlite"
	DefaultMemoryMaxTransactions    = 1000000
	DefaultSQLitePath               = "data/credits.db"
	DefaultSQLiteDriver             = "sqlite"
	DefaultSQLiteBusyTimeout        = 5 * time.Second
	DefaultSQLiteCheckpointInterval = 5 * time.Minute
	DefaultPostgresTablePrefix      = "credits_"
	DefaultPostgresMaxConns         = int32(10)
	DefaultRedisAddr                = "localhost:6379"
	DefaultRedisKeyPrefix           = "credits:"
	DefaultRedisOperationTTL        = 10 * time.Minute

	// Retry defaults
	DefaultRetryMaxRetries = 3
	DefaultRetryBaseDelay  = 5 * time.Millisecond
	DefaultRetryMaxDelay   = 200 * time.Millisecond

	// Refill defaults
	DefaultRefillSchedule        = "@every 1m"
	DefaultRefillConcurrency     = 8
	DefaultRefillEndpointTimeout = 5 * time.Second

	// Alert defaults
	DefaultAlertReplenishMargin    = int64(20000)
	DefaultAlertMaxConflictRetries = 5
	DefaultAlertRedisChannel       = "credits:alerts"
	DefaultAlertRedisListKey       = "credits:alerts:recent"
	DefaultAlertRedisListMaxLen    = int64(1000)

	// Migration defaults
	DefaultMigrationFormat = "auto"

	// Server defaults
	DefaultServerListenAddress   = "127.0.0.1:9090"
	DefaultServerReadTimeout     = 10 * time.Second
	DefaultServerWriteTimeout    = 10 * time.Second
	DefaultServerShutdownTimeout = 15 * time.Second

	// Watch defaults
	DefaultWatchDebounce = 500 * time.Millisecond

	// Telemetry defaults
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultMetricsPath         = "/metrics"
	DefaultMetricsNamespace    = "credits"
	DefaultMetricsSubsystem    = "ledger"
	DefaultMetricsCardinality  = 10000
	DefaultTracingSampler      = "ratio"
	DefaultTracingSampleRatio  = 0.1
	DefaultTracingEndpoint     = "localhost:4317"
	DefaultTracingServiceName  = "credits"
	DefaultTracingOTLPTimeout  = 10 * time.Second
	DefaultHealthLivenessPath  = "/health/live"
	DefaultHealthReadinessPath = "/health/ready"
	DefaultHealthCheckTimeout  = 5 * time.Second
)

// DefaultAlertThresholds are the alert levels used when none are configured.
var DefaultAlertThresholds = []int64{5000, 2000, 100}

// DefaultAlertSinks are the alert sinks used when none are configured.
var DefaultAlertSinks = []string{"log"}

// DefaultMetricsDurationBuckets are latency buckets in seconds.
var DefaultMetricsDurationBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	// Ledger defaults
	if cfg.Ledger.DebitTimeout == 0 {
		cfg.Ledger.DebitTimeout = DefaultDebitTimeout
	}
	if cfg.Ledger.AlertTimeout == 0 {
		cfg.Ledger.AlertTimeout = DefaultAlertTimeout
	}

	applyStorageDefaults(&cfg.Storage)

	// Retry defaults
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = DefaultRetryMaxRetries
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = DefaultRetryBaseDelay
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = DefaultRetryMaxDelay
	}

	// Refill defaults
	if cfg.Refill.Schedule == "" {
		cfg.Refill.Schedule = DefaultRefillSchedule
	}
	if cfg.Refill.Concurrency == 0 {
		cfg.Refill.Concurrency = DefaultRefillConcurrency
	}
	if cfg.Refill.EndpointTimeout == 0 {
		cfg.Refill.EndpointTimeout = DefaultRefillEndpointTimeout
	}

	applyAlertDefaults(cfg)

	// Migration defaults
	if cfg.Migration.Format == "" {
		cfg.Migration.Format = DefaultMigrationFormat
	}

	// Server defaults
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultServerListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultServerShutdownTimeout
	}

	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = DefaultWatchDebounce
	}

	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyStorageDefaults(s *StorageConfig) {
	if s.Backend == "" {
		s.Backend = DefaultStorageBackend
	}
	if s.Memory.MaxTransactions == 0 {
		s.Memory.MaxTransactions = DefaultMemoryMaxTransactions
	}
	if s.SQLite.Path == "" {
		s.SQLite.Path = DefaultSQLitePath
	}
	if s.SQLite.Driver == "" {
		s.SQLite.Driver = DefaultSQLiteDriver
	}
	if s.SQLite.BusyTimeout == 0 {
		s.SQLite.BusyTimeout = DefaultSQLiteBusyTimeout
	}
	if s.SQLite.CheckpointInterval == 0 {
		s.SQLite.CheckpointInterval = DefaultSQLiteCheckpointInterval
	}
	if s.Postgres.TablePrefix == "" {
		s.Postgres.TablePrefix = DefaultPostgresTablePrefix
	}
	if s.Postgres.MaxConns == 0 {
		s.Postgres.MaxConns = DefaultPostgresMaxConns
	}
	if len(s.Redis.Addrs) == 0 {
		s.Redis.Addrs = []string{DefaultRedisAddr}
	}
	if s.Redis.KeyPrefix == "" {
		s.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if s.Redis.OperationTTL == 0 {
		s.Redis.OperationTTL = DefaultRedisOperationTTL
	}
}

func applyAlertDefaults(cfg *Config) {
	a := &cfg.Alerts
	if len(a.Thresholds) == 0 {
		a.Thresholds = slices.Clone(DefaultAlertThresholds)
	}
	if a.ReplenishMargin == 0 {
		a.ReplenishMargin = DefaultAlertReplenishMargin
	}
	if a.MaxConflictRetries == 0 {
		a.MaxConflictRetries = DefaultAlertMaxConflictRetries
	}
	if len(a.Sinks) == 0 {
		a.Sinks = slices.Clone(DefaultAlertSinks)
	}
	if len(a.Redis.Addrs) == 0 {
		a.Redis.Addrs = slices.Clone(cfg.Storage.Redis.Addrs)
	}
	if a.Redis.Channel == "" {
		a.Redis.Channel = DefaultAlertRedisChannel
	}
	if a.Redis.ListKey == "" {
		a.Redis.ListKey = DefaultAlertRedisListKey
	}
	if a.Redis.ListMaxLen == 0 {
		a.Redis.ListMaxLen = DefaultAlertRedisListMaxLen
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	// Logging defaults
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLogLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLogFormat
	}

	// Metrics defaults
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if t.Metrics.Subsystem == "" {
		t.Metrics.Subsystem = DefaultMetricsSubsystem
	}
	if len(t.Metrics.DurationBuckets) == 0 {
		t.Metrics.DurationBuckets = slices.Clone(DefaultMetricsDurationBuckets)
	}
	if t.Metrics.MaxCardinality == 0 {
		t.Metrics.MaxCardinality = DefaultMetricsCardinality
	}

	// Tracing defaults
	if t.Tracing.Sampler == "" {
		t.Tracing.Sampler = DefaultTracingSampler
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if t.Tracing.Endpoint == "" {
		t.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingServiceName
	}
	if t.Tracing.OTLP.Timeout == 0 {
		t.Tracing.OTLP.Timeout = DefaultTracingOTLPTimeout
	}

	// Health defaults
	if t.Health.LivenessPath == "" {
		t.Health.LivenessPath = DefaultHealthLivenessPath
	}
	if t.Health.ReadinessPath == "" {
		t.Health.ReadinessPath = DefaultHealthReadinessPath
	}
	if t.Health.CheckTimeout == 0 {
		t.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}

// NewDefaultConfig returns a configuration with every default applied.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
