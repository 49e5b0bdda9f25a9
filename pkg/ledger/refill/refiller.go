package refill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"mercator-hq/credits/pkg/ledger/alerts"
	"mercator-hq/credits/pkg/ledger/model"
	"mercator-hq/credits/pkg/ledger/retry"
	"mercator-hq/credits/pkg/ledger/storage"
	"mercator-hq/credits/pkg/telemetry/metrics"
	"mercator-hq/credits/pkg/telemetry/tracing"
)

const (
	// DefaultConcurrency bounds parallel refills within one sweep.
	DefaultConcurrency = 8

	// DefaultEndpointTimeout bounds a single endpoint refill within a sweep.
	DefaultEndpointTimeout = 5 * time.Second
)

// Outcome is the result of one refill attempt.
type Outcome struct {
	// Refilled is false when the interval had not elapsed; nothing changed.
	Refilled bool  `json:"refilled"`
	Amount   int64 `json:"amount"`
	Balance  int64 `json:"balance"`

	// Alerts raised by the replenished balance, if any.
	Alerts []alerts.Alert `json:"alerts,omitempty"`
}

// Failure is one endpoint that could not be refilled during a sweep.
type Failure struct {
	Ref model.LimitRef
	Err error
}

// MarshalJSON renders the error as its message.
func (f Failure) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		User     string `json:"user,omitempty"`
		Endpoint string `json:"endpoint,omitempty"`
		Error    string `json:"error"`
	}{f.Ref.User, f.Ref.Endpoint, f.Err.Error()})
}

// SweepSummary reports one RefillAll pass.
type SweepSummary struct {
	Checked  int       `json:"checked"`
	Refilled int       `json:"refilled"`
	Skipped  int       `json:"skipped"`
	Failures []Failure `json:"failures,omitempty"`

	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Err returns a *SweepError when any endpoint failed, nil otherwise.
func (s *SweepSummary) Err() error {
	if s == nil || len(s.Failures) == 0 {
		return nil
	}
	return &SweepError{Failures: s.Failures}
}

// SweepError lists the endpoints a sweep failed to refill. It matches
// model.ErrRefillSweepPartialFailure.
type SweepError struct {
	Failures []Failure
}

func (e *SweepError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: %d endpoint(s)", model.ErrRefillSweepPartialFailure, len(e.Failures))
	for i, f := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failures)-3)
			break
		}
		fmt.Fprintf(&b, "; %s: %v", f.Ref, f.Err)
	}
	return b.String()
}

func (e *SweepError) Is(target error) bool {
	return target == model.ErrRefillSweepPartialFailure
}

// Unwrap returns the per-endpoint errors.
func (e *SweepError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Refiller applies due refills, one endpoint at a time or as a sweep over
// every auto-refill limit.
//
// The interval check and the balance update are a single store operation,
// so concurrent sweeps, inline refills from debits, and manual refills never
// double-refill an endpoint within one interval.
type Refiller struct {
	store           storage.Store
	policy          retry.Policy
	notifier        *alerts.Notifier
	concurrency     int
	endpointTimeout time.Duration
	logger          *slog.Logger
	metrics         *metrics.Collector
	tracer          trace.Tracer
	now             func() time.Time
}

// Option configures a Refiller.
type Option func(*Refiller)

// WithRetryPolicy sets the policy for transient storage failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Refiller) { r.policy = p }
}

// WithNotifier re-evaluates alerts after every applied refill.
func WithNotifier(n *alerts.Notifier) Option {
	return func(r *Refiller) { r.notifier = n }
}

// WithConcurrency bounds parallel refills in a sweep.
func WithConcurrency(n int) Option {
	return func(r *Refiller) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithEndpointTimeout bounds each endpoint refill in a sweep.
func WithEndpointTimeout(d time.Duration) Option {
	return func(r *Refiller) {
		if d > 0 {
			r.endpointTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Refiller) { r.logger = logger.With("component", "ledger.refill") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Refiller) { r.metrics = c }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Refiller) { r.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Refiller) { r.now = now }
}

// NewRefiller creates a Refiller over store.
func NewRefiller(store storage.Store, opts ...Option) *Refiller {
	r := &Refiller{
		store:           store,
		policy:          retry.DefaultPolicy(),
		concurrency:     DefaultConcurrency,
		endpointTimeout: DefaultEndpointTimeout,
		logger:          slog.Default().With("component", "ledger.refill"),
		tracer:          tracing.NoopTracer(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RefillOne applies the refill of one limit if its interval has elapsed.
// txContext must be model.ContextAutoRefill or model.ContextManualRefill.
func (r *Refiller) RefillOne(ctx context.Context, user, endpoint string, txContext model.TxContext) (*Outcome, error) {
	return r.refill(ctx, user, endpoint, txContext, false)
}

func (r *Refiller) refill(ctx context.Context, user, endpoint string, txContext model.TxContext, requireAuto bool) (out *Outcome, err error) {
	if user == "" || endpoint == "" {
		return nil, model.NewLedgerError("refill", user, endpoint, model.ErrInvalidRequest)
	}
	if txContext != model.ContextAutoRefill && txContext != model.ContextManualRefill {
		return nil, model.NewLedgerError("refill", user, endpoint,
			fmt.Errorf("%w: refill context %q", model.ErrInvalidRequest, txContext))
	}

	ctx, span := r.tracer.Start(ctx, tracing.SpanRefill,
		tracing.LedgerAttributes(user, endpoint),
		trace.WithAttributes(attribute.String(tracing.AttrContext, string(txContext))),
	)
	defer func() { tracing.End(span, err) }()

	p := r.policy
	p.OnRetry = func(attempt int, err error) {
		r.metrics.RecordStorageRetry("refill", err)
		tracing.AddRetryEvent(span, attempt, err)
	}

	res, err := retry.Do(ctx, p, func(ctx context.Context) (*storage.RefillOutcome, error) {
		return r.store.Refill(ctx, storage.RefillOp{
			User:              user,
			Endpoint:          endpoint,
			Context:           txContext,
			Now:               r.now(),
			RequireAutoRefill: requireAuto,
		})
	})
	r.metrics.RecordRefill(txContext, err == nil && res.Refilled, amountOf(res), err)
	if err != nil {
		if model.IsTransient(err) {
			r.metrics.RecordStorageError("refill", err)
		}
		return nil, err
	}

	out = &Outcome{Refilled: res.Refilled, Amount: res.Amount, Balance: res.Balance}
	span.SetAttributes(attribute.Bool(tracing.AttrRefilled, res.Refilled))
	tracing.SetBalance(span, res.Balance)
	r.metrics.ObserveBalance(user, endpoint, res.Balance)

	if !res.Refilled {
		return out, nil
	}

	r.logger.InfoContext(ctx, "credits refilled",
		"user", user,
		"endpoint", endpoint,
		"context", txContext,
		"amount", res.Amount,
		"balance", res.Balance,
	)

	if r.notifier != nil {
		fired, aerr := r.notifier.Evaluate(ctx, user, endpoint, res.Balance)
		if aerr != nil {
			r.logger.WarnContext(ctx, "alert evaluation after refill failed",
				"user", user,
				"endpoint", endpoint,
				"error", aerr,
			)
		}
		out.Alerts = fired
	}
	return out, nil
}

func amountOf(res *storage.RefillOutcome) int64 {
	if res == nil {
		return 0
	}
	return res.Amount
}

// RefillAll sweeps every auto-refill limit and applies the refills that are
// due. It never aborts early: per-endpoint failures are collected in the
// summary, see SweepSummary.Err. Listing the limits is the only step whose
// failure ends the sweep, and it is reported the same way.
func (r *Refiller) RefillAll(ctx context.Context) *SweepSummary {
	ctx, span := r.tracer.Start(ctx, tracing.SpanRefillSweep)
	summary := &SweepSummary{StartedAt: r.now()}
	start := time.Now()

	defer func() {
		summary.Duration = time.Since(start)
		r.metrics.RecordSweep(summary.Duration, summary.Refilled, summary.Skipped, len(summary.Failures))
		span.SetAttributes(
			attribute.Int("credits.sweep.checked", summary.Checked),
			attribute.Int("credits.sweep.refilled", summary.Refilled),
			attribute.Int("credits.sweep.failed", len(summary.Failures)),
		)
		tracing.End(span, summary.Err())
	}()

	refs, err := retry.Do(ctx, r.policy, func(ctx context.Context) ([]model.LimitRef, error) {
		return r.store.ListAutoRefill(ctx)
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "refill sweep could not list limits", "error", err)
		summary.Failures = append(summary.Failures, Failure{Err: err})
		return summary
	}
	summary.Checked = len(refs)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.concurrency)

	for _, ref := range refs {
		if ctx.Err() != nil {
			mu.Lock()
			summary.Failures = append(summary.Failures, Failure{Ref: ref, Err: ctx.Err()})
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			ectx, cancel := context.WithTimeout(ctx, r.endpointTimeout)
			defer cancel()

			out, err := r.refill(ectx, ref.User, ref.Endpoint, model.ContextAutoRefill, true)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				// The limit may have been removed or disabled since listing.
				if errors.Is(err, model.ErrEndpointNotConfigured) {
					summary.Skipped++
					return nil
				}
				summary.Failures = append(summary.Failures, Failure{Ref: ref, Err: err})
			case out.Refilled:
				summary.Refilled++
			default:
				summary.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(summary.Failures) > 0 {
		r.logger.WarnContext(ctx, "refill sweep completed with failures",
			"checked", summary.Checked,
			"refilled", summary.Refilled,
			"skipped", summary.Skipped,
			"failed", len(summary.Failures),
		)
	} else {
		r.logger.DebugContext(ctx, "refill sweep completed",
			"checked", summary.Checked,
			"refilled", summary.Refilled,
			"skipped", summary.Skipped,
		)
	}
	return summary
}
