package metrics

import (
	"time"

	"mercator-hq/credits/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// RefillMetrics tracks refills and refill sweeps.
//
// Metrics:
//   - credits_ledger_refills_total: Refill attempts by context and outcome
//   - credits_ledger_refilled_credits_total: Credits added by refills
//   - credits_ledger_refill_sweep_duration_seconds: Sweep latency histogram
//   - credits_ledger_refill_sweep_endpoints: Endpoints per sweep by result
//   - credits_ledger_refill_sweep_last_timestamp_seconds: Unix time of the last sweep
type RefillMetrics struct {
	refillsTotal   *prometheus.CounterVec
	creditsAdded   *prometheus.CounterVec
	sweepDuration  prometheus.Histogram
	sweepEndpoints *prometheus.CounterVec
	lastSweep      prometheus.Gauge
}

// NewRefillMetrics creates and registers refill metrics with the provided registry.
func NewRefillMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RefillMetrics {
	rm := &RefillMetrics{
		refillsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "refills_total",
				Help:      "Total number of refill attempts by context and outcome",
			},
			[]string{"context", "outcome"},
		),

		creditsAdded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "refilled_credits_total",
				Help:      "Total credits added by refills",
			},
			[]string{"context"},
		),

		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "refill_sweep_duration_seconds",
				Help:      "Duration of refill sweeps in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),

		sweepEndpoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "refill_sweep_endpoints_total",
				Help:      "Endpoints visited by refill sweeps by result",
			},
			[]string{"result"},
		),

		lastSweep: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "refill_sweep_last_timestamp_seconds",
				Help:      "Unix timestamp of the last completed refill sweep",
			},
		),
	}

	registry.MustRegister(
		rm.refillsTotal,
		rm.creditsAdded,
		rm.sweepDuration,
		rm.sweepEndpoints,
		rm.lastSweep,
	)

	return rm
}

// RecordRefill records one refill attempt.
func (rm *RefillMetrics) RecordRefill(txContext, outcome string, amount int64) {
	rm.refillsTotal.WithLabelValues(txContext, outcome).Inc()
	if outcome == "refilled" && amount > 0 {
		rm.creditsAdded.WithLabelValues(txContext).Add(float64(amount))
	}
}

// RecordSweep records a completed sweep.
func (rm *RefillMetrics) RecordSweep(duration time.Duration, refilled, skipped, failed int, at time.Time) {
	rm.sweepDuration.Observe(duration.Seconds())
	rm.sweepEndpoints.WithLabelValues("refilled").Add(float64(refilled))
	rm.sweepEndpoints.WithLabelValues("skipped").Add(float64(skipped))
	rm.sweepEndpoints.WithLabelValues("failed").Add(float64(failed))
	rm.lastSweep.Set(float64(at.Unix()))
}
