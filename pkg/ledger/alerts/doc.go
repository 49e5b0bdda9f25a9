// Package alerts raises budget alerts when a balance falls to a configured
// threshold.
//
// Each endpoint limit carries its own alert state: the thresholds already
// alerted, the balance observed by the last evaluation, and a version. A
// threshold fires at most once per epoch. A new epoch starts when the
// balance rises above the last observed balance by more than the replenish
// margin, typically after a refill.
//
// When one evaluation crosses several thresholds, only the lowest one fires
// and the higher ones are recorded as sent.
//
// Basic usage:
//
//	n, err := alerts.NewNotifier(store, alerts.DefaultPolicy(),
//		alerts.WithSink(alerts.MultiSink{alerts.NewLogSink(logger), redisSink}),
//	)
//	fired, err := n.Evaluate(ctx, "alice", "gpt-4o", balance)
package alerts
