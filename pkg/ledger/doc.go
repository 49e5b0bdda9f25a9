// Package ledger is the concurrent token-credit ledger.
//
// Per user and provider endpoint it tracks a spendable credit balance,
// debits it atomically on every model invocation, refills it on a schedule
// or on demand, and raises budget alerts without duplicates.
//
// The subpackages hold the pieces: storage (atomic store primitives for
// memory, SQLite, PostgreSQL and Redis), debit, refill, alerts, txlog,
// admin, and migrate. Manager wires them from a config.Config.
//
// Invariants held under any concurrency:
//
//   - a balance is never negative;
//   - concurrent debits are never lost;
//   - a refill is applied at most once per interval;
//   - an alert threshold fires at most once per alert epoch.
package ledger
