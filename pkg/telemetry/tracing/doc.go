// Package tracing sets up OpenTelemetry tracing for the ledger.
//
// New builds a tracer provider exporting over OTLP gRPC with a parent-based
// sampler (always, never or ratio). When tracing is disabled the returned
// Tracer hands out a noop trace.Tracer, so components can record spans
// unconditionally.
//
//	tr, err := tracing.New(&cfg.Telemetry.Tracing, version)
//	if err != nil {
//	    return err
//	}
//	defer tr.Shutdown(context.Background())
//
//	ctx, span := tr.Start(ctx, tracing.SpanDebit, tracing.LedgerAttributes(user, endpoint))
//	res, err := store.Debit(ctx, op)
//	tracing.End(span, err)
package tracing
