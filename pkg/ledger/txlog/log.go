// Package txlog records and exports the append-only credit transaction log.
//
// Balance-changing store operations append their own entries inside the same
// atomic unit, so the log never disagrees with a committed balance. Log adds
// out-of-band appends (migration imports), queries, and export.
//
// The log is an audit trail. Balances are never recomputed from it.
package txlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mercator-hq/credits/pkg/ledger/model"
	"mercator-hq/credits/pkg/ledger/retry"
	"mercator-hq/credits/pkg/ledger/storage"
)

// Filter narrows a query. Zero fields match everything.
type Filter = storage.TxFilter

// Exporter writes entries to w in some format.
type Exporter interface {
	Export(ctx context.Context, entries []model.TransactionEntry, w io.Writer) error
}

// Log reads and appends transaction entries.
type Log struct {
	store  storage.Store
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithRetryPolicy sets the policy used for appends.
func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Log) { l.policy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger.With("component", "ledger.txlog") }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates a Log over store.
func New(store storage.Store, opts ...Option) *Log {
	l := &Log{
		store:  store,
		policy: retry.DefaultPolicy(),
		logger: slog.Default().With("component", "ledger.txlog"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates and stores entry, filling ID and CreatedAt when unset.
// Transient failures are retried; the ID makes a retried append idempotent
// on backends that enforce unique IDs.
func (l *Log) Append(ctx context.Context, entry model.TransactionEntry) (model.TransactionEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}
	if err := entry.Validate(); err != nil {
		return entry, err
	}

	err := retry.Run(ctx, l.policy, func(ctx context.Context) error {
		return l.store.AppendTransaction(ctx, entry)
	})
	if err != nil {
		l.logger.ErrorContext(ctx, "failed to append transaction",
			"id", entry.ID,
			"user", entry.User,
			"endpoint", entry.Endpoint,
			"context", entry.Context,
			"error", err,
		)
		return entry, fmt.Errorf("append transaction %s: %w", entry.ID, err)
	}
	return entry, nil
}

// Query returns entries matching filter, oldest first.
func (l *Log) Query(ctx context.Context, filter Filter) ([]model.TransactionEntry, error) {
	if !filter.Since.IsZero() && !filter.Until.IsZero() && !filter.Until.After(filter.Since) {
		return nil, fmt.Errorf("%w: until must be after since", model.ErrInvalidRequest)
	}
	if filter.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must be non-negative", model.ErrInvalidRequest)
	}
	return retry.Do(ctx, l.policy, func(ctx context.Context) ([]model.TransactionEntry, error) {
		return l.store.Transactions(ctx, filter)
	})
}

// Export queries filter and writes the result with exp.
func (l *Log) Export(ctx context.Context, filter Filter, exp Exporter, w io.Writer) (int, error) {
	entries, err := l.Query(ctx, filter)
	if err != nil {
		return 0, err
	}
	if err := exp.Export(ctx, entries, w); err != nil {
		return 0, err
	}
	return len(entries), nil
}
