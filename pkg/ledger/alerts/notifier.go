package alerts

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/credits/pkg/ledger/model"
	"mercator-hq/credits/pkg/ledger/retry"
	"mercator-hq/credits/pkg/ledger/storage"
	"mercator-hq/credits/pkg/telemetry/metrics"
	"mercator-hq/credits/pkg/telemetry/tracing"
)

// DefaultConflictRetries bounds compare-and-swap retries on alert state.
const DefaultConflictRetries = 5

// Notifier evaluates balances against the alert policy and publishes each
// threshold crossing once per alert epoch.
//
// Alert state lives on the endpoint limit and is only written through
// storage.Store.SwapAlertState, so concurrent evaluations of the same limit
// (in this process or another) cannot both fire the same threshold. Sinks
// are called after the state write commits.
type Notifier struct {
	store   storage.Store
	policy  atomic.Pointer[Policy]
	retries int
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithSink sets where alerts are delivered. Defaults to a LogSink.
func WithSink(s Sink) Option {
	return func(n *Notifier) { n.sink = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger.With("component", "ledger.alerts") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(n *Notifier) { n.metrics = c }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(n *Notifier) { n.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// WithConflictRetries bounds compare-and-swap retries. Zero keeps the default.
func WithConflictRetries(retries int) Option {
	return func(n *Notifier) {
		if retries > 0 {
			n.retries = retries
		}
	}
}

// NewNotifier creates a Notifier. The policy must be valid.
func NewNotifier(store storage.Store, policy Policy, opts ...Option) (*Notifier, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	n := &Notifier{
		store:   store,
		retries: DefaultConflictRetries,
		logger:  slog.Default().With("component", "ledger.alerts"),
		tracer:  tracing.NoopTracer(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.sink == nil {
		n.sink = NewLogSink(n.logger)
	}
	n.policy.Store(&policy)
	return n, nil
}

// Policy returns the active policy.
func (n *Notifier) Policy() Policy {
	return *n.policy.Load()
}

// UpdatePolicy swaps the policy used by later evaluations.
func (n *Notifier) UpdatePolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	n.policy.Store(&p)
	n.logger.Info("alert policy updated",
		"thresholds", p.Thresholds,
		"replenish_margin", p.ReplenishMargin,
	)
	return nil
}

// Evaluate applies the policy to the balance of one limit and returns the
// alerts it raised. A limit that no longer exists raises nothing.
func (n *Notifier) Evaluate(ctx context.Context, user, endpoint string, balance int64) (fired []Alert, err error) {
	ctx, span := n.tracer.Start(ctx, tracing.SpanAlertEval, tracing.LedgerAttributes(user, endpoint))
	defer func() { tracing.End(span, err) }()
	tracing.SetBalance(span, balance)

	policy := n.Policy()

	rp := retry.DefaultPolicy()
	rp.MaxRetries = n.retries
	rp.Retryable = func(err error) bool { return errors.Is(err, model.ErrStorageConflict) }
	rp.OnRetry = func(attempt int, err error) {
		n.metrics.RecordAlertConflict()
		tracing.AddRetryEvent(span, attempt, err)
	}

	decision, err := retry.Do(ctx, rp, func(ctx context.Context) (Decision, error) {
		limit, err := n.store.GetLimit(ctx, user, endpoint)
		if err != nil {
			return Decision{}, err
		}
		state := limit.AlertState()
		d := Decide(policy, state, balance, n.now())
		if err := n.store.SwapAlertState(ctx, user, endpoint, state.Version, d.Next); err != nil {
			return Decision{}, err
		}
		return d, nil
	})
	if err != nil {
		if errors.Is(err, model.ErrEndpointNotConfigured) {
			return nil, nil
		}
		n.logger.ErrorContext(ctx, "alert evaluation failed",
			"user", user,
			"endpoint", endpoint,
			"error", err,
		)
		return nil, err
	}

	if decision.Reset {
		n.metrics.RecordAlertReset()
		n.logger.InfoContext(ctx, "alert state reset after replenishment",
			"user", user,
			"endpoint", endpoint,
			"balance", balance,
		)
	}
	if !decision.Fire {
		return nil, nil
	}

	alert := Alert{
		ID:        uuid.NewString(),
		User:      user,
		Endpoint:  endpoint,
		Threshold: decision.Threshold,
		Balance:   balance,
		CreatedAt: n.now().UTC(),
	}
	span.SetAttributes(attribute.Int64(tracing.AttrThreshold, alert.Threshold))
	n.metrics.RecordAlert(endpoint, alert.Threshold)

	if perr := n.sink.Publish(ctx, alert); perr != nil {
		for _, se := range sinkErrors(perr, n.sink.Name()) {
			n.metrics.RecordSinkError(se.Sink)
		}
		// The state is committed; a failed delivery is not retried.
		n.logger.WarnContext(ctx, "alert delivery failed",
			"alert_id", alert.ID,
			"user", user,
			"endpoint", endpoint,
			"threshold", alert.Threshold,
			"error", perr,
		)
	}
	return []Alert{alert}, nil
}
