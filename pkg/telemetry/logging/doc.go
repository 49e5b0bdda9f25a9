// Package logging provides structured logging on top of log/slog.
//
// # Overview
//
//   - JSON or text output
//   - A level that can be changed at runtime (config hot reload)
//   - Context-aware records: request ID, user, endpoint, operation, and the
//     active OpenTelemetry trace and span IDs are added automatically
//
// # Usage
//
//	logger, err := logging.New(logging.Config{Level: "info", Format: "json"})
//	if err != nil {
//	    return err
//	}
//
//	log := logger.Slog().With("component", "ledger.debit")
//	ctx = logging.WithLedgerScope(ctx, "debit", "alice", "gpt-4o")
//	log.InfoContext(ctx, "debit applied", "balance", 850)
//	// {"level":"INFO","msg":"debit applied","component":"ledger.debit",
//	//  "balance":850,"op":"debit","user":"alice","endpoint":"gpt-4o"}
package logging
