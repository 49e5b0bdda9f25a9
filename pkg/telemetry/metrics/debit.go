package metrics

import (
	"time"

	"mercator-hq/credits/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// DebitMetrics tracks debit traffic.
//
// Metrics:
//   - credits_ledger_debits_total: Debits by endpoint and outcome
//   - credits_ledger_debit_duration_seconds: Debit latency histogram
//   - credits_ledger_debited_credits_total: Credits removed by successful debits
//   - credits_ledger_balance_credits: Last observed balance per user and endpoint
type DebitMetrics struct {
	debitsTotal    *prometheus.CounterVec
	debitDuration  *prometheus.HistogramVec
	creditsDebited *prometheus.CounterVec
	balance        *prometheus.GaugeVec
}

// NewDebitMetrics creates and registers debit metrics with the provided registry.
func NewDebitMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *DebitMetrics {
	dm := &DebitMetrics{
		debitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "debits_total",
				Help:      "Total number of debit attempts by outcome",
			},
			[]string{"endpoint", "outcome"},
		),

		debitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "debit_duration_seconds",
				Help:      "Duration of debit operations in seconds",
				Buckets:   cfg.DurationBuckets,
			},
			[]string{"endpoint"},
		),

		creditsDebited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "debited_credits_total",
				Help:      "Total credits removed by successful debits",
			},
			[]string{"endpoint", "token_type"},
		),

		balance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "balance_credits",
				Help:      "Last observed credit balance",
			},
			[]string{"user", "endpoint"},
		),
	}

	registry.MustRegister(
		dm.debitsTotal,
		dm.debitDuration,
		dm.creditsDebited,
		dm.balance,
	)

	return dm
}

// RecordDebit records one debit attempt. amount is only counted on success.
func (dm *DebitMetrics) RecordDebit(endpoint, tokenType, outcome string, duration time.Duration, amount int64) {
	dm.debitsTotal.WithLabelValues(endpoint, outcome).Inc()
	dm.debitDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
	if outcome == "ok" && amount > 0 {
		dm.creditsDebited.WithLabelValues(endpoint, tokenType).Add(float64(amount))
	}
}

// SetBalance sets the balance gauge.
func (dm *DebitMetrics) SetBalance(user, endpoint string, balance int64) {
	dm.balance.WithLabelValues(user, endpoint).Set(float64(balance))
}
