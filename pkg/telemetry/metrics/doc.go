// Package metrics provides Prometheus metrics collection for the credit ledger.
//
// # Metrics Categories
//
//   - Debit Metrics: debit count by outcome, latency, credits debited, balances
//   - Refill Metrics: refill attempts, credits added, sweep duration and results
//   - Alert Metrics: raised alerts by threshold, resets, CAS conflicts, sink errors
//   - Storage Metrics: retries, terminal errors, store health
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//
//	start := time.Now()
//	res, err := debiter.Debit(ctx, req)
//	collector.RecordDebit(req.Endpoint, string(req.TokenType), time.Since(start), req.Amount, err)
//
//	mux.Handle("/metrics", collector.Handler())
//
// # Cardinality
//
// Per-user balance gauges are the only unbounded label set. They pass through
// a CardinalityLimiter sized by telemetry.metrics.max_cardinality; series
// beyond the limit are not created.
//
// A nil *Collector is a valid no-op collector.
package metrics
