package metrics

import (
	"mercator-hq/credits/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// StorageMetrics tracks store health and retried operations.
type StorageMetrics struct {
	retriesTotal *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	up           *prometheus.GaugeVec
}

// NewStorageMetrics creates and registers storage metrics with the provided registry.
func NewStorageMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *StorageMetrics {
	sm := &StorageMetrics{
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "storage_retries_total",
				Help:      "Total number of retried storage operations by operation and reason",
			},
			[]string{"op", "reason"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "storage_errors_total",
				Help:      "Total number of storage operations that failed after retries",
			},
			[]string{"op", "reason"},
		),

		up: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "storage_up",
				Help:      "Whether the last store ping succeeded (1) or failed (0)",
			},
			[]string{"backend"},
		),
	}

	registry.MustRegister(
		sm.retriesTotal,
		sm.errorsTotal,
		sm.up,
	)

	return sm
}

// RecordRetry records one retry of op.
func (sm *StorageMetrics) RecordRetry(op, reason string) {
	sm.retriesTotal.WithLabelValues(op, reason).Inc()
}

// RecordError records an operation that failed for good.
func (sm *StorageMetrics) RecordError(op, reason string) {
	sm.errorsTotal.WithLabelValues(op, reason).Inc()
}

// SetUp sets the health gauge of backend.
func (sm *StorageMetrics) SetUp(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	sm.up.WithLabelValues(backend).Set(v)
}
