//go:build integration

package storage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

// Run with: DATABASE_URL=postgres://... go test -tags integration ./pkg/ledger/storage/
func newPostgresTestStore(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Unique table prefix per test to avoid collisions.
	prefix := fmt.Sprintf("t%d_%s_", time.Now().UnixNano()%1_000_000, strings.ToLower(strings.NewReplacer("/", "_", "-", "_").Replace(t.Name())))
	if len(prefix) > 40 {
		prefix = prefix[:40]
	}
	s, err := OpenPostgres(ctx, PostgresConfig{DSN: dsn, TablePrefix: prefix})
	if err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() {
		for _, table := range []string{s.txTable(), s.limitsTable(), s.recordsTable()} {
			s.pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+table)
		}
		s.Close()
	})
	return s
}

func TestPostgresStore(t *testing.T) { runStoreSuite(t, newPostgresTestStore) }
