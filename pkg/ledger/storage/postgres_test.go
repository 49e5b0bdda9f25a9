package storage

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"mercator-hq/credits/pkg/ledger/model"
)

func TestClassifyPostgresError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, model.ErrStorageConflict},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, model.ErrStorageConflict},
		{"connection failure", &pgconn.PgError{Code: "08006"}, model.ErrStorageUnavailable},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, model.ErrStorageUnavailable},
		{"dial timeout", &net.OpError{Op: "dial", Net: "tcp", Err: os.ErrDeadlineExceeded}, model.ErrStorageUnavailable},
		{"read timeout", &net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}, model.ErrStorageUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyPostgresError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("classifyPostgresError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	for _, err := range []error{
		&pgconn.PgError{Code: "23505"},
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if got := classifyPostgresError(err); model.IsTransient(got) {
			t.Errorf("expected %v to stay permanent, got %v", err, got)
		}
	}

	if _, err := (&net.Dialer{Timeout: 1}).Dial("tcp", "127.0.0.1:1"); err != nil {
		if got := classifyPostgresError(err); !errors.Is(got, model.ErrStorageUnavailable) {
			t.Errorf("classifyPostgresError(%v) = %v, want ErrStorageUnavailable", err, got)
		}
	}
}
