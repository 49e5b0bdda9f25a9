// Package admin holds the administrative writes of the ledger: provisioning
// users, configuring endpoint limits, manual refills, and balance
// adjustments.
//
// Limit updates are patches. Only the fields an update sets are written, in
// one atomic store operation per endpoint, so they never overwrite a balance
// change made by a concurrent debit unless the update sets the balance
// itself.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/credits/pkg/ledger/alerts"
	"mercator-hq/credits/pkg/ledger/model"
	"mercator-hq/credits/pkg/ledger/refill"
	"mercator-hq/credits/pkg/ledger/retry"
	"mercator-hq/credits/pkg/ledger/storage"
	"mercator-hq/credits/pkg/telemetry/tracing"
)

// Service performs administrative ledger operations.
type Service struct {
	store    storage.Store
	refiller *refill.Refiller
	notifier *alerts.Notifier
	policy   retry.Policy
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier re-evaluates alerts after adjustments.
func WithNotifier(n *alerts.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithRetryPolicy sets the policy for transient storage failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger.With("component", "ledger.admin") }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. refiller performs manual refills.
func New(store storage.Store, refiller *refill.Refiller, opts ...Option) *Service {
	s := &Service{
		store:    store,
		refiller: refiller,
		policy:   retry.DefaultPolicy(),
		logger:   slog.Default().With("component", "ledger.admin"),
		tracer:   tracing.NoopTracer(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Provision creates an empty ledger record for user. It reports whether the
// record is new; provisioning an existing user is not an error.
func (s *Service) Provision(ctx context.Context, user string) (bool, error) {
	if user == "" {
		return false, model.NewLedgerError("provision", user, "", model.ErrInvalidRequest)
	}
	created, err := retry.Do(ctx, s.policy, func(ctx context.Context) (bool, error) {
		return s.store.EnsureRecord(ctx, user, s.now())
	})
	if err != nil {
		return false, err
	}
	if created {
		s.logger.InfoContext(ctx, "ledger record provisioned", "user", user)
	}
	return created, nil
}

// SetLimits creates or patches the given limits of user, creating the record
// if needed. Updates are validated up front; none is applied if any is
// invalid. Each endpoint is then written atomically on its own, and the
// returned limits reflect every update that succeeded.
func (s *Service) SetLimits(ctx context.Context, user string, updates []model.LimitUpdate) ([]model.EndpointLimit, error) {
	if user == "" {
		return nil, model.NewLedgerError("set_limits", user, "", model.ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(updates))
	for _, u := range updates {
		if err := u.Validate(); err != nil {
			return nil, model.NewLedgerError("set_limits", user, u.Endpoint, err)
		}
		if seen[u.Endpoint] {
			return nil, model.NewLedgerError("set_limits", user, u.Endpoint,
				fmt.Errorf("%w: endpoint listed twice", model.ErrInvalidRequest))
		}
		seen[u.Endpoint] = true
	}

	out := make([]model.EndpointLimit, 0, len(updates))
	var errs []error
	for _, u := range updates {
		limit, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*model.EndpointLimit, error) {
			return s.store.UpsertLimit(ctx, user, u, s.now())
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, *limit)
		s.logger.InfoContext(ctx, "endpoint limit updated",
			"user", user,
			"endpoint", u.Endpoint,
			"balance", limit.TokenCredits,
			"enabled", limit.Enabled,
			"auto_refill", limit.AutoRefillEnabled,
		)
	}
	return out, errors.Join(errs...)
}

// RemoveLimit deletes one endpoint limit. Later debits of it fail with
// model.ErrEndpointNotConfigured.
func (s *Service) RemoveLimit(ctx context.Context, user, endpoint string) error {
	if user == "" || endpoint == "" {
		return model.NewLedgerError("remove_limit", user, endpoint, model.ErrInvalidRequest)
	}
	err := retry.Run(ctx, s.policy, func(ctx context.Context) error {
		return s.store.RemoveLimit(ctx, user, endpoint, s.now())
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "endpoint limit removed", "user", user, "endpoint", endpoint)
	return nil
}

// ManualRefill applies a refill of one limit if its interval has elapsed,
// logged with the manualRefill context. Auto-refill need not be enabled.
func (s *Service) ManualRefill(ctx context.Context, user, endpoint string) (*refill.Outcome, error) {
	return s.refiller.RefillOne(ctx, user, endpoint, model.ContextManualRefill)
}

// Adjust adds delta (which may be negative) to a balance. An adjustment that
// would drive the balance below zero fails with model.ErrInsufficientCredits
// and changes nothing. note is recorded in the log only.
func (s *Service) Adjust(ctx context.Context, user, endpoint string, delta int64, note string) (balance int64, err error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanAdjust,
		tracing.LedgerAttributes(user, endpoint),
		trace.WithAttributes(attribute.Int64(tracing.AttrAmount, delta)),
	)
	defer func() { tracing.End(span, err) }()

	if user == "" || endpoint == "" {
		return 0, model.NewLedgerError("adjust", user, endpoint, model.ErrInvalidRequest)
	}

	opID := uuid.NewString()
	out, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*storage.AdjustOutcome, error) {
		return s.store.Adjust(ctx, storage.AdjustOp{
			User:     user,
			Endpoint: endpoint,
			Delta:    delta,
			Now:      s.now(),
			OpID:     opID,
		})
	})
	if err != nil {
		return 0, err
	}
	tracing.SetBalance(span, out.Balance)

	s.logger.InfoContext(ctx, "balance adjusted",
		"user", user,
		"endpoint", endpoint,
		"delta", delta,
		"balance", out.Balance,
		"note", note,
	)

	if s.notifier != nil {
		if _, err := s.notifier.Evaluate(ctx, user, endpoint, out.Balance); err != nil {
			s.logger.WarnContext(ctx, "alert evaluation after adjustment failed", "error", err)
		}
	}
	return out.Balance, nil
}

// Record returns the ledger record of user.
func (s *Service) Record(ctx context.Context, user string) (*model.LedgerRecord, error) {
	return retry.Do(ctx, s.policy, func(ctx context.Context) (*model.LedgerRecord, error) {
		return s.store.GetRecord(ctx, user)
	})
}

// Limit returns one endpoint limit.
func (s *Service) Limit(ctx context.Context, user, endpoint string) (*model.EndpointLimit, error) {
	return retry.Do(ctx, s.policy, func(ctx context.Context) (*model.EndpointLimit, error) {
		return s.store.GetLimit(ctx, user, endpoint)
	})
}

// Users returns every provisioned user.
func (s *Service) Users(ctx context.Context) ([]string, error) {
	return retry.Do(ctx, s.policy, func(ctx context.Context) ([]string, error) {
		return s.store.ListUsers(ctx)
	})
}
