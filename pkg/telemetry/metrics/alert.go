package metrics

import (
	"strconv"

	"mercator-hq/credits/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// AlertMetrics tracks budget alert evaluation and delivery.
type AlertMetrics struct {
	alertsTotal    *prometheus.CounterVec
	resetsTotal    prometheus.Counter
	conflictsTotal prometheus.Counter
	sinkErrors     *prometheus.CounterVec
}

// NewAlertMetrics creates and registers alert metrics with the provided registry.
func NewAlertMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *AlertMetrics {
	am := &AlertMetrics{
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "alerts_total",
				Help:      "Total number of budget alerts raised by threshold",
			},
			[]string{"endpoint", "threshold"},
		),

		resetsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "alert_resets_total",
				Help:      "Total number of alert epochs reset by replenishment",
			},
		),

		conflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "alert_state_conflicts_total",
				Help:      "Total number of alert state compare-and-swap conflicts",
			},
		),

		sinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "alert_sink_errors_total",
				Help:      "Total number of failed alert deliveries by sink",
			},
			[]string{"sink"},
		),
	}

	registry.MustRegister(
		am.alertsTotal,
		am.resetsTotal,
		am.conflictsTotal,
		am.sinkErrors,
	)

	return am
}

// RecordAlert records a raised alert.
func (am *AlertMetrics) RecordAlert(endpoint string, threshold int64) {
	am.alertsTotal.WithLabelValues(endpoint, strconv.FormatInt(threshold, 10)).Inc()
}

// RecordReset records an alert epoch reset.
func (am *AlertMetrics) RecordReset() {
	am.resetsTotal.Inc()
}

// RecordConflict records a lost compare-and-swap on alert state.
func (am *AlertMetrics) RecordConflict() {
	am.conflictsTotal.Inc()
}

// RecordSinkError records a failed delivery.
func (am *AlertMetrics) RecordSinkError(sink string) {
	am.sinkErrors.WithLabelValues(sink).Inc()
}
