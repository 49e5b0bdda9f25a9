package debit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/credits/pkg/ledger/alerts"
	"mercator-hq/credits/pkg/ledger/model"
	"mercator-hq/credits/pkg/ledger/retry"
	"mercator-hq/credits/pkg/ledger/storage"
	"mercator-hq/credits/pkg/telemetry/logging"
	"mercator-hq/credits/pkg/telemetry/metrics"
	"mercator-hq/credits/pkg/telemetry/tracing"
)

const (
	// DefaultTimeout bounds a debit when the caller's context has no deadline.
	DefaultTimeout = 5 * time.Second

	// DefaultAlertTimeout bounds a background alert evaluation.
	DefaultAlertTimeout = 5 * time.Second
)

// Request is one chargeable operation.
type Request struct {
	User     string
	Endpoint string

	// Amount is the number of credits to debit.
	Amount int64

	// TokenType is prompt or completion.
	TokenType model.TokenType

	// RawAmount is the unconverted usage reported by the caller, kept in the
	// transaction log. Zero means Amount.
	RawAmount int64
}

// Validate checks the request before any storage access.
func (r Request) Validate() error {
	switch {
	case r.User == "":
		return fmt.Errorf("%w: user is required", model.ErrInvalidRequest)
	case r.Endpoint == "":
		return fmt.Errorf("%w: endpoint is required", model.ErrInvalidRequest)
	case r.Amount < 0:
		return fmt.Errorf("%w: amount must be non-negative", model.ErrInvalidRequest)
	case r.RawAmount < 0:
		return fmt.Errorf("%w: raw amount must be non-negative", model.ErrInvalidRequest)
	case r.TokenType != model.TokenPrompt && r.TokenType != model.TokenCompletion:
		return fmt.Errorf("%w: token type %q", model.ErrInvalidRequest, r.TokenType)
	}
	return nil
}

// Result is the outcome of a successful debit.
type Result struct {
	OK      bool  `json:"ok"`
	Balance int64 `json:"balance"`

	// Refilled is set when an auto-refill was applied to cover the debit.
	Refilled     bool  `json:"refilled"`
	RefillAmount int64 `json:"refillAmount,omitempty"`

	// Alerts raised by the new balance. Always empty with asynchronous alerts.
	Alerts []alerts.Alert `json:"alerts,omitempty"`
}

// Debiter charges endpoint balances. It holds no balance state: every debit
// is a single conditional update in the store, so any number of Debiters,
// in any number of processes, can share one store.
type Debiter struct {
	store        storage.Store
	policy       retry.Policy
	notifier     *alerts.Notifier
	asyncAlerts  bool
	timeout      time.Duration
	alertTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Collector
	tracer       trace.Tracer
	now          func() time.Time

	wg sync.WaitGroup
}

// Option configures a Debiter.
type Option func(*Debiter)

// WithRetryPolicy sets the policy for transient storage failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(d *Debiter) { d.policy = p }
}

// WithNotifier evaluates alerts after every successful debit.
func WithNotifier(n *alerts.Notifier) Option {
	return func(d *Debiter) { d.notifier = n }
}

// WithAsyncAlerts evaluates alerts in the background instead of before Debit
// returns. Background evaluations are bounded by alertTimeout.
func WithAsyncAlerts(enabled bool, alertTimeout time.Duration) Option {
	return func(d *Debiter) {
		d.asyncAlerts = enabled
		if alertTimeout > 0 {
			d.alertTimeout = alertTimeout
		}
	}
}

// WithTimeout sets the timeout applied when the caller has no deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Debiter) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Debiter) { d.logger = logger.With("component", "ledger.debit") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Debiter) { d.metrics = c }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Debiter) { d.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Debiter) { d.now = now }
}

// New creates a Debiter over store.
func New(store storage.Store, opts ...Option) *Debiter {
	d := &Debiter{
		store:        store,
		policy:       retry.DefaultPolicy(),
		timeout:      DefaultTimeout,
		alertTimeout: DefaultAlertTimeout,
		logger:       slog.Default().With("component", "ledger.debit"),
		tracer:       tracing.NoopTracer(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Debit charges req.Amount against the endpoint balance.
//
// The balance is decremented only if it covers the amount. When it does not
// and the limit has a due auto-refill, one combined refill-then-debit is
// attempted; if that still cannot cover the amount nothing changes and the
// error matches model.ErrInsufficientCredits. Unconfigured endpoints fail
// with model.ErrEndpointNotConfigured and disabled ones with
// model.ErrEndpointDisabled.
//
// Alert failures never fail a debit.
func (d *Debiter) Debit(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	if req.RawAmount == 0 {
		req.RawAmount = req.Amount
	}

	ctx = logging.WithLedgerScope(ctx, "debit", req.User, req.Endpoint)
	ctx, span := d.tracer.Start(ctx, tracing.SpanDebit,
		tracing.LedgerAttributes(req.User, req.Endpoint),
		trace.WithAttributes(
			attribute.Int64(tracing.AttrAmount, req.Amount),
			attribute.String(tracing.AttrTokenType, string(req.TokenType)),
		),
	)
	defer func() {
		d.metrics.RecordDebit(req.Endpoint, string(req.TokenType), time.Since(start), req.Amount, err)
		tracing.End(span, err)
	}()

	if err := req.Validate(); err != nil {
		return nil, model.NewLedgerError("debit", req.User, req.Endpoint, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	p := d.policy
	p.OnRetry = func(attempt int, err error) {
		d.metrics.RecordStorageRetry("debit", err)
		tracing.AddRetryEvent(span, attempt, err)
		d.logger.DebugContext(ctx, "retrying debit", "attempt", attempt, "error", err)
	}

	// One ID for every attempt: an attempt that timed out after the store
	// applied it must not be charged again by the next one.
	opID := uuid.NewString()
	out, err := retry.Do(ctx, p, func(ctx context.Context) (*storage.DebitOutcome, error) {
		return d.store.Debit(ctx, storage.DebitOp{
			User:      req.User,
			Endpoint:  req.Endpoint,
			Amount:    req.Amount,
			TokenType: req.TokenType,
			RawAmount: req.RawAmount,
			Now:       d.now(),
			OpID:      opID,
		})
	})
	if err != nil {
		if model.IsTransient(err) {
			d.metrics.RecordStorageError("debit", err)
			d.logger.WarnContext(ctx, "debit failed", "amount", req.Amount, "error", err)
		} else {
			d.logger.DebugContext(ctx, "debit rejected", "amount", req.Amount, "reason", model.Reason(err))
		}
		return nil, err
	}

	res = &Result{
		OK:           true,
		Balance:      out.Balance,
		Refilled:     out.Refilled,
		RefillAmount: out.RefillAmount,
	}
	span.SetAttributes(attribute.Bool(tracing.AttrRefilled, out.Refilled))
	tracing.SetBalance(span, out.Balance)
	d.metrics.ObserveBalance(req.User, req.Endpoint, out.Balance)
	if out.Refilled {
		d.metrics.RecordRefill(model.ContextAutoRefill, true, out.RefillAmount, nil)
		d.logger.InfoContext(ctx, "auto-refill applied during debit",
			"refill_amount", out.RefillAmount,
			"balance", out.Balance,
		)
	}

	res.Alerts = d.evaluateAlerts(ctx, req.User, req.Endpoint, out.Balance)
	return res, nil
}

func (d *Debiter) evaluateAlerts(ctx context.Context, user, endpoint string, balance int64) []alerts.Alert {
	if d.notifier == nil {
		return nil
	}

	if d.asyncAlerts {
		// The debit is committed; the evaluation must outlive the caller.
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.alertTimeout)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer cancel()
			if _, err := d.notifier.Evaluate(bg, user, endpoint, balance); err != nil {
				d.logger.WarnContext(bg, "background alert evaluation failed", "error", err)
			}
		}()
		return nil
	}

	fired, err := d.notifier.Evaluate(ctx, user, endpoint, balance)
	if err != nil {
		d.logger.WarnContext(ctx, "alert evaluation failed", "error", err)
	}
	return fired
}

// Wait blocks until background alert evaluations have finished.
func (d *Debiter) Wait() {
	d.wg.Wait()
}
