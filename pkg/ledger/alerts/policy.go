package alerts

import (
	"fmt"
	"slices"
	"time"

	"mercator-hq/credits/pkg/ledger/model"
)

// Policy configures when alerts fire.
type Policy struct {
	// Thresholds are alert levels in credits, strictly descending.
	Thresholds []int64

	// ReplenishMargin is the balance increase, relative to the last
	// evaluation, that clears the sent set and starts a new alert epoch.
	ReplenishMargin int64
}

// DefaultPolicy returns thresholds 5000, 2000, 100 with a 20000 margin.
func DefaultPolicy() Policy {
	return Policy{
		Thresholds:      []int64{5000, 2000, 100},
		ReplenishMargin: 20000,
	}
}

// Validate checks that thresholds are non-negative and strictly descending.
func (p Policy) Validate() error {
	for i, t := range p.Thresholds {
		if t < 0 {
			return fmt.Errorf("%w: threshold %d is negative", model.ErrInvalidRequest, t)
		}
		if i > 0 && t >= p.Thresholds[i-1] {
			return fmt.Errorf("%w: thresholds must be strictly descending", model.ErrInvalidRequest)
		}
	}
	if p.ReplenishMargin < 0 {
		return fmt.Errorf("%w: replenish margin is negative", model.ErrInvalidRequest)
	}
	return nil
}

// Decision is the outcome of evaluating one balance against the alert state.
type Decision struct {
	// Next is the state to write. Its Version is the version it replaces.
	Next model.AlertState

	// Fire is set when Threshold must be alerted.
	Fire      bool
	Threshold int64

	// Reset is set when a replenishment started a new epoch.
	Reset bool
}

// Decide applies the alert rules to balance:
//
//   - when the state has been evaluated before and balance exceeds the last
//     observed balance by more than the margin, the sent set is cleared;
//   - the lowest threshold at or above balance fires if it is not already
//     sent, and it is recorded together with every higher threshold;
//   - the observed balance becomes balance.
//
// Decide is pure; the caller persists Next with a compare-and-swap.
func Decide(p Policy, state model.AlertState, balance int64, now time.Time) Decision {
	d := Decision{
		Next: model.AlertState{
			Sent:            slices.Clone(state.Sent),
			ObservedBalance: balance,
			LastReset:       state.LastReset,
			Version:         state.Version,
		},
	}

	if state.Version > 0 && balance-state.ObservedBalance > p.ReplenishMargin {
		d.Reset = true
		d.Next.Sent = nil
		d.Next.LastReset = now
	}

	lowest := -1
	for i, t := range p.Thresholds {
		if balance <= t {
			lowest = i
		}
	}
	if lowest < 0 {
		return d
	}

	crossed := p.Thresholds[lowest]
	if slices.Contains(d.Next.Sent, crossed) {
		return d
	}

	d.Fire = true
	d.Threshold = crossed
	for _, t := range p.Thresholds[:lowest+1] {
		if !slices.Contains(d.Next.Sent, t) {
			d.Next.Sent = append(d.Next.Sent, t)
		}
	}
	slices.SortFunc(d.Next.Sent, func(a, b int64) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})
	return d
}
