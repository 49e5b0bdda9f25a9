package model

import (
	"errors"
	"fmt"
)

var (
	// ErrEndpointNotConfigured is returned when the user has no limit for the endpoint.
	ErrEndpointNotConfigured = errors.New("endpoint not configured")

	// ErrEndpointDisabled is returned when the endpoint limit is disabled.
	ErrEndpointDisabled = errors.New("endpoint disabled")

	// ErrInsufficientCredits is returned when the balance cannot cover the amount,
	// including after a permitted auto-refill.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrStorageConflict is returned when a concurrent writer won a race
	// (busy database, serialization failure, version mismatch). Retryable.
	ErrStorageConflict = errors.New("storage conflict")

	// ErrStorageUnavailable is returned on transient storage outages. Retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRetriesExhausted wraps the last retryable error once the retry budget is spent.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrRefillSweepPartialFailure is returned when some endpoints failed during a sweep.
	ErrRefillSweepPartialFailure = errors.New("refill sweep partially failed")

	// ErrRecordNotFound is returned when the user has no ledger record.
	ErrRecordNotFound = errors.New("ledger record not found")

	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("invalid request")
)

// LedgerError carries the context of a failed ledger operation.
type LedgerError struct {
	// Op is the operation that failed (debit, refill, adjust, ...).
	Op string

	User     string
	Endpoint string

	// Balance is the balance observed when the operation failed, if known.
	Balance int64

	// Requested is the amount the operation tried to move.
	Requested int64

	Err error
}

// Error returns the error message.
func (e *LedgerError) Error() string {
	if e.Requested != 0 {
		return fmt.Sprintf("%s %s/%s: %v (balance %d, requested %d)",
			e.Op, e.User, e.Endpoint, e.Err, e.Balance, e.Requested)
	}
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.User, e.Endpoint, e.Err)
}

// Unwrap returns the underlying error.
func (e *LedgerError) Unwrap() error {
	return e.Err
}

// NewLedgerError builds a LedgerError for op on user/endpoint.
func NewLedgerError(op, user, endpoint string, err error) *LedgerError {
	return &LedgerError{Op: op, User: user, Endpoint: endpoint, Err: err}
}

// IsTransient reports whether err is a storage error worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageConflict) || errors.Is(err, ErrStorageUnavailable)
}

// Reason maps an error to a short label for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrEndpointNotConfigured):
		return "not_configured"
	case errors.Is(err, ErrEndpointDisabled):
		return "disabled"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, ErrStorageConflict):
		return "conflict"
	case errors.Is(err, ErrStorageUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, ErrRecordNotFound):
		return "not_found"
	default:
		return "error"
	}
}
