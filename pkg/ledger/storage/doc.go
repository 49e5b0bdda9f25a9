// Package storage provides persistence backends for the credit ledger.
//
// # Backends
//
// Four implementations of Store are available:
//
//   - MemoryStore: per-limit locking in process memory, for tests and
//     single-process embedding.
//   - SQLiteStore: single-file persistence with one SQL transaction per
//     operation and conditional UPDATE ... RETURNING statements.
//   - PostgresStore: pgx connection pool, row-level locks, suitable for
//     multi-instance deployments.
//   - RedisStore: one Lua script per operation; all keys of a user share a
//     cluster hash slot.
//
// # Atomicity
//
// A debit never reads the balance, decides, and writes it back in separate
// steps. The decision is made inside the backend's atomic unit so that N
// concurrent debits of A against balance B succeed exactly floor(B/A) times.
//
// # Errors
//
// Backends map driver errors onto model.ErrStorageConflict (lost race, busy
// database, serialization failure) and model.ErrStorageUnavailable (network
// or pool failures). Both are retryable; domain outcomes such as
// model.ErrInsufficientCredits are not.
//
// # Usage
//
//	store, err := storage.Open(ctx, storage.Config{Backend: "sqlite", SQLite: storage.SQLiteConfig{Path: "data/ledger.db"}})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package storage
