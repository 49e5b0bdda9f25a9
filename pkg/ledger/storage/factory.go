package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config selects and configures a backend.
type Config struct {
	// Backend is one of "memory", "sqlite", "postgres", "redis".
	Backend string

	Memory   MemoryStoreConfig
	SQLite   SQLiteConfig
	Postgres PostgresConfig
	Redis    RedisConfig

	Logger *slog.Logger
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStoreWithConfig(cfg.Memory), nil
	case BackendSQLite:
		store, err := NewSQLiteStore(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		if cfg.Logger != nil {
			store.logger = cfg.Logger.With("component", "ledger.storage.sqlite")
		}
		return store, nil
	case BackendPostgres:
		return OpenPostgres(ctx, cfg.Postgres)
	case BackendRedis:
		return OpenRedis(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
