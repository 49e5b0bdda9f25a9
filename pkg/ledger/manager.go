package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/credits/pkg/config"
	"mercator-hq/credits/pkg/ledger/admin"
	"mercator-hq/credits/pkg/ledger/alerts"
	"mercator-hq/credits/pkg/ledger/debit"
	"mercator-hq/credits/pkg/ledger/migrate"
	"mercator-hq/credits/pkg/ledger/model"
	"mercator-hq/credits/pkg/ledger/refill"
	"mercator-hq/credits/pkg/ledger/retry"
	"mercator-hq/credits/pkg/ledger/storage"
	"mercator-hq/credits/pkg/ledger/txlog"
	"mercator-hq/credits/pkg/telemetry/health"
	"mercator-hq/credits/pkg/telemetry/metrics"
	"mercator-hq/credits/pkg/telemetry/tracing"
)

// Manager wires the ledger components from a configuration.
//
// # Example
//
//	cfg, _ := config.LoadConfigWithEnvOverrides("credits.yaml")
//	m, err := ledger.NewManager(ctx, cfg, ledger.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//	m.Start(ctx)
//
//	res, err := m.Debit(ctx, debit.Request{User: "alice", Endpoint: "gpt-4o", Amount: 1200, TokenType: model.TokenPrompt})
type Manager struct {
	cfg      *config.Config
	store    storage.Store
	policy   retry.Policy
	txlog    *txlog.Log
	notifier *alerts.Notifier
	sinks    alerts.MultiSink
	debiter  *debit.Debiter
	refiller *refill.Refiller
	sched    *refill.Scheduler
	admin    *admin.Service

	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	now     func() time.Time

	ownsStore bool
	closers   []func() error

	mu     sync.Mutex
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore uses store instead of opening the configured backend. The
// Manager does not close a store it did not open.
func WithStore(store storage.Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithLogger sets the logger passed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics collector passed to every component.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithTracer sets the tracer passed to every component.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAlertSink adds a sink next to the configured ones.
func WithAlertSink(s alerts.Sink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, s) }
}

// NewManager builds every component from cfg, which must be validated.
func NewManager(ctx context.Context, cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("ledger: nil config")
	}
	m := &Manager{
		cfg:    cfg,
		logger: slog.Default(),
		tracer: tracing.NoopTracer(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.store == nil {
		store, err := storage.Open(ctx, StorageConfig(cfg.Storage, m.logger))
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
		}
		m.store = store
		m.ownsStore = true
	}
	m.metrics.UpdateStorageHealth(cfg.Storage.Backend, true)

	m.policy = RetryPolicy(cfg.Retry)
	m.txlog = txlog.New(m.store,
		txlog.WithRetryPolicy(m.policy),
		txlog.WithLogger(m.logger),
		txlog.WithClock(m.now),
	)

	if cfg.Alerts.AlertingEnabled() {
		if err := m.buildNotifier(); err != nil {
			m.closeAll()
			return nil, err
		}
	}

	m.refiller = refill.NewRefiller(m.store,
		refill.WithRetryPolicy(m.policy),
		refill.WithNotifier(m.notifier),
		refill.WithConcurrency(cfg.Refill.Concurrency),
		refill.WithEndpointTimeout(cfg.Refill.EndpointTimeout),
		refill.WithLogger(m.logger),
		refill.WithMetrics(m.metrics),
		refill.WithTracer(m.tracer),
		refill.WithClock(m.now),
	)

	sched, err := refill.NewScheduler(m.refiller, cfg.Refill.Schedule,
		refill.WithSchedulerLogger(m.logger),
		refill.WithRunOnStart(cfg.Refill.RunOnStart),
	)
	if err != nil {
		m.closeAll()
		return nil, err
	}
	m.sched = sched

	m.debiter = debit.New(m.store,
		debit.WithRetryPolicy(m.policy),
		debit.WithNotifier(m.notifier),
		debit.WithAsyncAlerts(cfg.Ledger.AsyncAlerts, cfg.Ledger.AlertTimeout),
		debit.WithTimeout(cfg.Ledger.DebitTimeout),
		debit.WithLogger(m.logger),
		debit.WithMetrics(m.metrics),
		debit.WithTracer(m.tracer),
		debit.WithClock(m.now),
	)

	m.admin = admin.New(m.store, m.refiller,
		admin.WithNotifier(m.notifier),
		admin.WithRetryPolicy(m.policy),
		admin.WithLogger(m.logger),
		admin.WithTracer(m.tracer),
		admin.WithClock(m.now),
	)

	m.logger.Info("ledger initialized",
		"component", "ledger",
		"backend", cfg.Storage.Backend,
		"alerts", m.notifier != nil,
		"async_alerts", cfg.Ledger.AsyncAlerts,
		"refill_schedule", cfg.Refill.Schedule,
	)
	return m, nil
}

func (m *Manager) buildNotifier() error {
	for _, name := range m.cfg.Alerts.Sinks {
		switch name {
		case "log":
			m.sinks = append(m.sinks, alerts.NewLogSink(m.logger))
		case "redis":
			rc := m.cfg.Alerts.Redis
			if len(rc.Addrs) == 0 {
				rc.Addrs = m.cfg.Storage.Redis.Addrs
			}
			client := goredis.NewUniversalClient(&goredis.UniversalOptions{
				Addrs:    rc.Addrs,
				Password: rc.Password,
				DB:       rc.DB,
			})
			sink := alerts.NewRedisSink(client, alerts.RedisSinkConfig{
				Channel:    rc.Channel,
				ListKey:    rc.ListKey,
				ListMaxLen: rc.ListMaxLen,
			})
			m.sinks = append(m.sinks, sink)
			m.closers = append(m.closers, sink.Close)
		default:
			return fmt.Errorf("unknown alert sink %q", name)
		}
	}

	n, err := alerts.NewNotifier(m.store, AlertPolicy(m.cfg.Alerts),
		alerts.WithSink(m.sinks),
		alerts.WithConflictRetries(m.cfg.Alerts.MaxConflictRetries),
		alerts.WithLogger(m.logger),
		alerts.WithMetrics(m.metrics),
		alerts.WithTracer(m.tracer),
		alerts.WithClock(m.now),
	)
	if err != nil {
		return fmt.Errorf("alert policy: %w", err)
	}
	m.notifier = n
	return nil
}

// StorageConfig converts the storage section into a storage.Config.
func StorageConfig(c config.StorageConfig, logger *slog.Logger) storage.Config {
	return storage.Config{
		Backend: c.Backend,
		Memory:  storage.MemoryStoreConfig{MaxTransactions: c.Memory.MaxTransactions},
		SQLite: storage.SQLiteConfig{
			Path:             c.SQLite.Path,
			Driver:           c.SQLite.Driver,
			BusyTimeout:      c.SQLite.BusyTimeout,
			SnapshotInterval: c.SQLite.CheckpointInterval,
		},
		Postgres: storage.PostgresConfig{
			DSN:         c.Postgres.DSN,
			TablePrefix: c.Postgres.TablePrefix,
			MaxConns:    c.Postgres.MaxConns,
		},
		Redis: storage.RedisConfig{
			Addrs:           c.Redis.Addrs,
			Username:        c.Redis.Username,
			Password:        c.Redis.Password,
			DB:              c.Redis.DB,
			KeyPrefix:       c.Redis.KeyPrefix,
			MaxStreamLength: c.Redis.MaxStreamLength,
			OperationTTL:    c.Redis.OperationTTL,
		},
		Logger: logger,
	}
}

// RetryPolicy converts the retry section into a retry.Policy. A negative
// MaxRetries disables retries.
func RetryPolicy(c config.RetryConfig) retry.Policy {
	p := retry.Policy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.BaseDelay,
		MaxDelay:   c.MaxDelay,
		Jitter:     c.JitterEnabled(),
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

func retryChanged(a, b retry.Policy) bool {
	return a.MaxRetries != b.MaxRetries || a.BaseDelay != b.BaseDelay ||
		a.MaxDelay != b.MaxDelay || a.Jitter != b.Jitter
}

// AlertPolicy converts the alerts section into an alerts.Policy.
func AlertPolicy(c config.AlertsConfig) alerts.Policy {
	return alerts.Policy{
		Thresholds:      slices.Clone(c.Thresholds),
		ReplenishMargin: c.ReplenishMargin,
	}
}

// Start starts the refill scheduler when it is enabled. It returns
// immediately; the scheduler stops when ctx is done or on Close.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Refill.SchedulerEnabled() {
		m.logger.Info("refill scheduler disabled", "component", "ledger")
		return nil
	}
	return m.sched.Start(ctx)
}

// Debit charges one request. See debit.Debiter.Debit.
func (m *Manager) Debit(ctx context.Context, req debit.Request) (*debit.Result, error) {
	return m.debiter.Debit(ctx, req)
}

// RefillOne applies a due refill of one limit.
func (m *Manager) RefillOne(ctx context.Context, user, endpoint string, txContext model.TxContext) (*refill.Outcome, error) {
	return m.refiller.RefillOne(ctx, user, endpoint, txContext)
}

// RefillAll sweeps every auto-refill limit once.
func (m *Manager) RefillAll(ctx context.Context) *refill.SweepSummary {
	return m.sched.RunNow(ctx)
}

// Admin returns the administrative service.
func (m *Manager) Admin() *admin.Service {
	return m.admin
}

// Transactions returns the transaction log.
func (m *Manager) Transactions() *txlog.Log {
	return m.txlog
}

// Scheduler returns the refill scheduler.
func (m *Manager) Scheduler() *refill.Scheduler {
	return m.sched
}

// Notifier returns the alert notifier, or nil when alerts are disabled.
func (m *Manager) Notifier() *alerts.Notifier {
	return m.notifier
}

// Store returns the underlying store.
func (m *Manager) Store() storage.Store {
	return m.store
}

// Migrator returns a legacy importer writing through this ledger.
func (m *Manager) Migrator(opts ...migrate.Option) *migrate.Migrator {
	base := []migrate.Option{
		migrate.WithOverwrite(m.cfg.Migration.Overwrite),
		migrate.WithRetryPolicy(m.policy),
		migrate.WithLogger(m.logger),
		migrate.WithClock(m.now),
	}
	return migrate.New(m.store, m.txlog, append(base, opts...)...)
}

// RegisterHealthChecks adds the storage check to checker. Results feed the
// storage_up gauge.
func (m *Manager) RegisterHealthChecks(checker *health.Checker) {
	backend := m.cfg.Storage.Backend
	checker.RegisterCheck("storage", health.StoreCheck(m.store, func(ok bool) {
		m.metrics.UpdateStorageHealth(backend, ok)
	}))
}

// ApplyConfig applies the hot-reloadable parts of cfg: alert thresholds and
// margin, and the refill schedule. Storage, retry, and sink changes need a
// restart and are reported in the log.
func (m *Manager) ApplyConfig(cfg *config.Config) error {
	var errs []error

	if m.notifier != nil {
		if err := m.notifier.UpdatePolicy(AlertPolicy(cfg.Alerts)); err != nil {
			errs = append(errs, fmt.Errorf("alert policy: %w", err))
		}
	}
	if err := m.sched.Reschedule(cfg.Refill.Schedule); err != nil {
		errs = append(errs, err)
	}

	if cfg.Storage.Backend != m.cfg.Storage.Backend || retryChanged(RetryPolicy(cfg.Retry), m.policy) ||
		!slices.Equal(cfg.Alerts.Sinks, m.cfg.Alerts.Sinks) {
		m.logger.Warn("configuration change requires a restart to take effect",
			"component", "ledger",
			"sections", "storage, retry, alerts.sinks",
		)
	}
	return errors.Join(errs...)
}

// Close stops the scheduler, waits for background alert evaluations, and
// releases the store and sinks. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.sched != nil {
		m.sched.Stop()
	}
	if m.debiter != nil {
		m.debiter.Wait()
	}
	return m.closeAll()
}

func (m *Manager) closeAll() error {
	var errs []error
	for _, c := range m.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.ownsStore && m.store != nil {
		if err := m.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
