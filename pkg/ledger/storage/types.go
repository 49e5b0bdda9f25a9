package storage

import (
	"context"
	"time"

	"mercator-hq/credits/pkg/ledger/model"
)

// Store persists ledger records, endpoint limits, and the transaction log.
//
// Every balance-changing method is a single atomic unit in the backend: the
// condition check, the balance write, and the transaction log append either
// all happen or none do. Implementations must be safe for concurrent use and
// must not hold process-wide locks across I/O.
type Store interface {
	// EnsureRecord creates an empty ledger record for user if none exists.
	// It reports whether a record was created.
	EnsureRecord(ctx context.Context, user string, now time.Time) (bool, error)

	// GetRecord returns the full record of user, or model.ErrRecordNotFound.
	GetRecord(ctx context.Context, user string) (*model.LedgerRecord, error)

	// GetLimit returns one limit, or model.ErrEndpointNotConfigured.
	GetLimit(ctx context.Context, user, endpoint string) (*model.EndpointLimit, error)

	// UpsertLimit creates or patches a limit, creating the user record if
	// needed. Only the fields set in update are written.
	UpsertLimit(ctx context.Context, user string, update model.LimitUpdate, now time.Time) (*model.EndpointLimit, error)

	// RemoveLimit deletes a limit, or returns model.ErrEndpointNotConfigured.
	RemoveLimit(ctx context.Context, user, endpoint string, now time.Time) error

	// Debit atomically decrements the balance when it covers op.Amount. When
	// it does not and the limit has auto-refill enabled and due, the refill
	// and the debit are applied together, or neither is. A debit whose OpID
	// was already applied returns the earlier outcome unchanged.
	Debit(ctx context.Context, op DebitOp) (*DebitOutcome, error)

	// Refill atomically applies a due refill. A limit that is not due is left
	// untouched and reported with Refilled=false.
	Refill(ctx context.Context, op RefillOp) (*RefillOutcome, error)

	// Adjust atomically applies a signed delta that may not drive the balance
	// below zero. Like Debit, it applies a given OpID at most once.
	Adjust(ctx context.Context, op AdjustOp) (*AdjustOutcome, error)

	// SwapAlertState writes next only if the stored alert version equals
	// expectVersion; otherwise it returns model.ErrStorageConflict. The stored
	// version becomes expectVersion+1.
	SwapAlertState(ctx context.Context, user, endpoint string, expectVersion int64, next model.AlertState) error

	// ListAutoRefill returns every limit with auto-refill enabled.
	ListAutoRefill(ctx context.Context) ([]model.LimitRef, error)

	// ListUsers returns every user with a ledger record.
	ListUsers(ctx context.Context) ([]string, error)

	// AppendTransaction stores an out-of-band entry. Entries with an ID that
	// already exists are ignored.
	AppendTransaction(ctx context.Context, entry model.TransactionEntry) error

	// Transactions returns entries matching filter, oldest first.
	Transactions(ctx context.Context, filter TxFilter) ([]model.TransactionEntry, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources. The store must not be used afterwards.
	Close() error
}

// DebitOp describes one debit.
type DebitOp struct {
	User      string
	Endpoint  string
	Amount    int64
	TokenType model.TokenType
	RawAmount int64
	Now       time.Time

	// OpID identifies the debit across retries and becomes the ID of its
	// transaction entry. Once a debit with an OpID has been applied, a
	// repeat returns the recorded outcome instead of charging again. Empty
	// disables the check.
	OpID string
}

// DebitOutcome is the result of a successful debit.
type DebitOutcome struct {
	// Balance is the balance after the debit.
	Balance int64

	// Refilled is set when an auto-refill was applied as part of the debit.
	Refilled     bool
	RefillAmount int64
}

// RefillOp describes one refill attempt.
type RefillOp struct {
	User     string
	Endpoint string
	Context  model.TxContext
	Now      time.Time

	// RequireAutoRefill skips limits without auto-refill enabled.
	RequireAutoRefill bool
}

// RefillOutcome is the result of a refill attempt.
type RefillOutcome struct {
	Refilled bool
	Amount   int64
	Balance  int64
}

// AdjustOp describes a manual balance adjustment.
type AdjustOp struct {
	User     string
	Endpoint string
	Delta    int64
	Now      time.Time

	// OpID deduplicates retries the same way as DebitOp.OpID.
	OpID string
}

// AdjustOutcome is the result of a successful adjustment.
type AdjustOutcome struct {
	Balance int64
}

// TxFilter narrows a transaction query. Zero fields match everything.
type TxFilter struct {
	User     string
	Endpoint string
	Context  model.TxContext
	Since    time.Time
	Until    time.Time

	// Limit caps the number of entries returned. Zero means unlimited.
	Limit int
}

// Match reports whether entry satisfies the filter.
func (f TxFilter) Match(entry model.TransactionEntry) bool {
	if f.User != "" && entry.User != f.User {
		return false
	}
	if f.Endpoint != "" && entry.Endpoint != f.Endpoint {
		return false
	}
	if f.Context != "" && entry.Context != f.Context {
		return false
	}
	if !f.Since.IsZero() && entry.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !entry.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

func validateDebit(op DebitOp) error {
	if op.User == "" || op.Endpoint == "" {
		return model.NewLedgerError("debit", op.User, op.Endpoint, model.ErrInvalidRequest)
	}
	if op.Amount < 0 {
		return model.NewLedgerError("debit", op.User, op.Endpoint, model.ErrInvalidRequest)
	}
	return nil
}

func insufficient(op DebitOp, balance int64) error {
	return &model.LedgerError{
		Op:        "debit",
		User:      op.User,
		Endpoint:  op.Endpoint,
		Balance:   balance,
		Requested: op.Amount,
		Err:       model.ErrInsufficientCredits,
	}
}
