package metrics

import (
	"sync"
	"time"

	"mercator-hq/credits/pkg/config"
	"mercator-hq/credits/pkg/ledger/model"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is the main orchestrator for all Prometheus metrics of the ledger.
// It manages metric registration and provides a unified interface for
// recording metrics across all components.
//
// A nil *Collector is valid and records nothing, so components can take an
// optional collector without guarding every call.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry
	enabled  bool

	debitMetrics   *DebitMetrics
	refillMetrics  *RefillMetrics
	alertMetrics   *AlertMetrics
	storageMetrics *StorageMetrics

	// Cardinality tracking for per-user series
	cardinalityLimiter *CardinalityLimiter
}

// NewCollector creates a new metrics collector with the specified configuration
// and Prometheus registry. If registry is nil, a fresh registry is created.
//
// Example:
//
//	cfg := config.NewDefaultConfig()
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	http.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if cfg == nil {
		cfg = &config.MetricsConfig{}
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	// Set defaults if not specified
	if cfg.Namespace == "" {
		cfg.Namespace = config.DefaultMetricsNamespace
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = config.DefaultMetricsSubsystem
	}
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = config.DefaultMetricsDurationBuckets
	}
	maxCardinality := cfg.MaxCardinality
	if maxCardinality <= 0 {
		maxCardinality = config.DefaultMetricsCardinality
	}

	c := &Collector{
		config:             cfg,
		registry:           registry,
		enabled:            cfg.CollectionEnabled(),
		cardinalityLimiter: NewCardinalityLimiter(maxCardinality),
	}

	c.debitMetrics = NewDebitMetrics(cfg, registry)
	c.refillMetrics = NewRefillMetrics(cfg, registry)
	c.alertMetrics = NewAlertMetrics(cfg, registry)
	c.storageMetrics = NewStorageMetrics(cfg, registry)

	return c
}

func (c *Collector) active() bool {
	return c != nil && c.enabled
}

// RecordDebit records a debit attempt and its outcome. err is the error the
// debit returned, nil on success.
//
// Example:
//
//	start := time.Now()
//	res, err := debiter.Debit(ctx, req)
//	collector.RecordDebit("gpt-4o", "prompt", time.Since(start), req.Amount, err)
func (c *Collector) RecordDebit(endpoint, tokenType string, duration time.Duration, amount int64, err error) {
	if !c.active() {
		return
	}
	c.debitMetrics.RecordDebit(endpoint, tokenType, model.Reason(err), duration, amount)
}

// ObserveBalance records the balance of one user endpoint. New series beyond
// the cardinality limit are dropped rather than aggregated, since a summed
// balance has no meaning.
func (c *Collector) ObserveBalance(user, endpoint string, balance int64) {
	if !c.active() {
		return
	}
	if !c.cardinalityLimiter.Allow(user + "\x00" + endpoint) {
		return
	}
	c.debitMetrics.SetBalance(user, endpoint, balance)
}

// RecordRefill records a refill attempt. refilled reports whether credits
// were added; err is the attempt's error, if any.
func (c *Collector) RecordRefill(txContext model.TxContext, refilled bool, amount int64, err error) {
	if !c.active() {
		return
	}
	outcome := "not_due"
	switch {
	case err != nil:
		outcome = model.Reason(err)
	case refilled:
		outcome = "refilled"
	}
	c.refillMetrics.RecordRefill(string(txContext), outcome, amount)
}

// RecordSweep records a completed refill sweep.
func (c *Collector) RecordSweep(duration time.Duration, refilled, skipped, failed int) {
	if !c.active() {
		return
	}
	c.refillMetrics.RecordSweep(duration, refilled, skipped, failed, time.Now())
}

// RecordAlert records a raised budget alert.
func (c *Collector) RecordAlert(endpoint string, threshold int64) {
	if !c.active() {
		return
	}
	c.alertMetrics.RecordAlert(endpoint, threshold)
}

// RecordAlertReset records a replenishment reset of alert state.
func (c *Collector) RecordAlertReset() {
	if !c.active() {
		return
	}
	c.alertMetrics.RecordReset()
}

// RecordAlertConflict records a lost compare-and-swap on alert state.
func (c *Collector) RecordAlertConflict() {
	if !c.active() {
		return
	}
	c.alertMetrics.RecordConflict()
}

// RecordSinkError records a failed alert delivery.
func (c *Collector) RecordSinkError(sink string) {
	if !c.active() {
		return
	}
	c.alertMetrics.RecordSinkError(sink)
}

// RecordStorageRetry records a retried storage operation.
func (c *Collector) RecordStorageRetry(op string, err error) {
	if !c.active() {
		return
	}
	c.storageMetrics.RecordRetry(op, model.Reason(err))
}

// RecordStorageError records a storage operation that failed for good.
func (c *Collector) RecordStorageError(op string, err error) {
	if !c.active() {
		return
	}
	c.storageMetrics.RecordError(op, model.Reason(err))
}

// UpdateStorageHealth sets the storage health gauge.
func (c *Collector) UpdateStorageHealth(backend string, healthy bool) {
	if !c.active() {
		return
	}
	c.storageMetrics.SetUp(backend, healthy)
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label combinations per metric.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a new cardinality limiter with the specified
// maximum cardinality.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow checks if a label set is allowed. Returns true if the label set
// already exists or if we haven't reached the cardinality limit yet.
// Returns false if adding this label set would exceed the limit.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	// Double-check after acquiring write lock
	if _, exists := cl.current[labelSet]; exists {
		return true
	}

	if len(cl.current) >= cl.maxCardinality {
		return false
	}

	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
