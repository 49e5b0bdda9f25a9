// Package retry runs ledger storage operations under a bounded retry policy
// with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"mercator-hq/credits/pkg/ledger/model"
)

// Policy bounds how often and how fast an operation is retried.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay is the first backoff delay; it doubles up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter randomizes each delay by up to 10%.
	Jitter bool

	// Retryable decides whether an error is retried. Defaults to model.IsTransient.
	Retryable func(error) bool

	// OnRetry is called before every retry with the number of the failed
	// attempt and its error.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   200 * time.Millisecond,
		Jitter:     true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Retryable == nil {
		p.Retryable = model.IsTransient
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, the context is
// done, or the retry budget is spent. A spent budget yields an error matching
// both model.ErrRetriesExhausted and the last failure.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	builder := retrypolicy.NewBuilder[T]().
		WithBackoff(p.BaseDelay, p.MaxDelay).
		WithMaxRetries(p.MaxRetries).
		HandleIf(func(_ T, err error) bool {
			return err != nil && ctx.Err() == nil && p.Retryable(err)
		}).
		ReturnLastFailure()
	if p.Jitter {
		builder = builder.WithJitterFactor(0.1)
	}

	var (
		attempts int
		lastErr  error
	)
	result, err := failsafe.With[T](builder.Build()).WithContext(ctx).Get(func() (T, error) {
		if attempts > 0 && p.OnRetry != nil {
			p.OnRetry(attempts, lastErr)
		}
		attempts++
		res, err := fn(ctx)
		lastErr = err
		return res, err
	})
	if err == nil {
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(err, ctxErr) || lastErr == nil {
			return result, err
		}
		return result, fmt.Errorf("%w (last error: %w)", ctxErr, lastErr)
	}
	if attempts > p.MaxRetries && p.Retryable(err) {
		return result, fmt.Errorf("%w after %d attempts: %w", model.ErrRetriesExhausted, attempts, err)
	}
	return result, err
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
