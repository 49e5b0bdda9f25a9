package migrate

import (
	"fmt"
	"strings"
	"time"

	"mercator-hq/credits/pkg/ledger/model"
)

// LegacyRecord is a ledger document as written by schema version 1. It may
// carry flat limit fields next to (or instead of) the endpointLimits list.
type LegacyRecord struct {
	User          string `json:"user" yaml:"user"`
	SchemaVersion int    `json:"schemaVersion,omitempty" yaml:"schemaVersion,omitempty"`

	// Flat fields, deprecated. They describe a single implicit endpoint.
	TokenCredits        *int64     `json:"tokenCredits,omitempty" yaml:"tokenCredits,omitempty"`
	AutoRefillEnabled   *bool      `json:"autoRefillEnabled,omitempty" yaml:"autoRefillEnabled,omitempty"`
	RefillAmount        *int64     `json:"refillAmount,omitempty" yaml:"refillAmount,omitempty"`
	RefillIntervalValue *int64     `json:"refillIntervalValue,omitempty" yaml:"refillIntervalValue,omitempty"`
	RefillIntervalUnit  *string    `json:"refillIntervalUnit,omitempty" yaml:"refillIntervalUnit,omitempty"`
	LastRefill          *time.Time `json:"lastRefill,omitempty" yaml:"lastRefill,omitempty"`

	EndpointLimits []LegacyLimit `json:"endpointLimits,omitempty" yaml:"endpointLimits,omitempty"`
}

// LegacyLimit is one entry of the legacy endpointLimits list.
type LegacyLimit struct {
	Endpoint            string     `json:"endpoint" yaml:"endpoint"`
	TokenCredits        *int64     `json:"tokenCredits,omitempty" yaml:"tokenCredits,omitempty"`
	Enabled             *bool      `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	AutoRefillEnabled   *bool      `json:"autoRefillEnabled,omitempty" yaml:"autoRefillEnabled,omitempty"`
	RefillAmount        *int64     `json:"refillAmount,omitempty" yaml:"refillAmount,omitempty"`
	RefillIntervalValue *int64     `json:"refillIntervalValue,omitempty" yaml:"refillIntervalValue,omitempty"`
	RefillIntervalUnit  *string    `json:"refillIntervalUnit,omitempty" yaml:"refillIntervalUnit,omitempty"`
	LastRefill          *time.Time `json:"lastRefill,omitempty" yaml:"lastRefill,omitempty"`
}

// Normalized is a legacy record rewritten into the current shape: one full
// limit update per endpoint.
type Normalized struct {
	User   string
	Limits []model.LimitUpdate
}

// Normalize converts a legacy record. When the record lists endpoint limits,
// those are authoritative and the flat fields are dropped. Otherwise the flat
// fields become a single limit named defaultEndpoint. A record with neither
// normalizes to no limits.
//
// Every field of the result is set: missing balances become 0, a missing
// enabled flag becomes true, and a missing interval unit becomes days.
func Normalize(rec LegacyRecord, defaultEndpoint string) (Normalized, error) {
	user := strings.TrimSpace(rec.User)
	if user == "" {
		return Normalized{}, fmt.Errorf("%w: record without user", model.ErrInvalidRequest)
	}
	out := Normalized{User: user}

	limits := rec.EndpointLimits
	if len(limits) == 0 && rec.hasFlatFields() {
		limits = []LegacyLimit{{
			Endpoint:            defaultEndpoint,
			TokenCredits:        rec.TokenCredits,
			AutoRefillEnabled:   rec.AutoRefillEnabled,
			RefillAmount:        rec.RefillAmount,
			RefillIntervalValue: rec.RefillIntervalValue,
			RefillIntervalUnit:  rec.RefillIntervalUnit,
			LastRefill:          rec.LastRefill,
		}}
	}

	seen := make(map[string]bool, len(limits))
	for _, l := range limits {
		u, err := l.normalize()
		if err != nil {
			return Normalized{}, fmt.Errorf("user %s: %w", user, err)
		}
		if seen[u.Endpoint] {
			return Normalized{}, fmt.Errorf("user %s: %w: endpoint %q listed twice", user, model.ErrInvalidRequest, u.Endpoint)
		}
		seen[u.Endpoint] = true
		out.Limits = append(out.Limits, u)
	}
	return out, nil
}

func (r LegacyRecord) hasFlatFields() bool {
	return r.TokenCredits != nil || r.AutoRefillEnabled != nil || r.RefillAmount != nil ||
		r.RefillIntervalValue != nil || r.RefillIntervalUnit != nil || r.LastRefill != nil
}

func (l LegacyLimit) normalize() (model.LimitUpdate, error) {
	unit := model.UnitDays
	if l.RefillIntervalUnit != nil && *l.RefillIntervalUnit != "" {
		parsed, err := model.ParseIntervalUnit(*l.RefillIntervalUnit)
		if err != nil {
			return model.LimitUpdate{}, err
		}
		unit = parsed
	}

	u := model.LimitUpdate{
		Endpoint:            strings.TrimSpace(l.Endpoint),
		TokenCredits:        model.Ptr(deref(l.TokenCredits, 0)),
		Enabled:             model.Ptr(deref(l.Enabled, true)),
		AutoRefillEnabled:   model.Ptr(deref(l.AutoRefillEnabled, false)),
		RefillAmount:        model.Ptr(deref(l.RefillAmount, 0)),
		RefillIntervalValue: model.Ptr(deref(l.RefillIntervalValue, 0)),
		RefillIntervalUnit:  model.Ptr(unit),
		LastRefill:          model.Ptr(deref(l.LastRefill, time.Time{})),
	}
	if err := u.Validate(); err != nil {
		return model.LimitUpdate{}, err
	}
	return u, nil
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
