package model

import (
	"fmt"
	"slices"
	"time"
)

// CurrentSchemaVersion is the version of the normalized ledger record shape.
// Version 1 records carry the legacy flat fields and must be migrated.
const CurrentSchemaVersion = 2

// TokenType classifies what a transaction amount measures.
type TokenType string

const (
	// TokenPrompt is a debit for prompt (input) tokens.
	TokenPrompt TokenType = "prompt"

	// TokenCompletion is a debit for completion (output) tokens.
	TokenCompletion TokenType = "completion"

	// TokenCredits is a credit movement not tied to model usage (refills, adjustments).
	TokenCredits TokenType = "credits"
)

// Valid reports whether t is a known token type.
func (t TokenType) Valid() bool {
	switch t {
	case TokenPrompt, TokenCompletion, TokenCredits:
		return true
	}
	return false
}

// TxContext describes why a transaction was written.
type TxContext string

const (
	ContextDebit        TxContext = "debit"
	ContextAutoRefill   TxContext = "autoRefill"
	ContextManualRefill TxContext = "manualRefill"
	ContextAdjustment   TxContext = "adjustment"
	ContextMigration    TxContext = "migration"
)

// Valid reports whether c is a known transaction context.
func (c TxContext) Valid() bool {
	switch c {
	case ContextDebit, ContextAutoRefill, ContextManualRefill, ContextAdjustment, ContextMigration:
		return true
	}
	return false
}

// EndpointLimit is the spend state of a single user for a single provider endpoint.
type EndpointLimit struct {
	// Endpoint is the provider endpoint name, unique within a user's limits.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// TokenCredits is the spendable balance. Never negative.
	TokenCredits int64 `json:"tokenCredits" yaml:"tokenCredits"`

	// Enabled limits accept debits; disabled limits reject all of them.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// LastUsed is the time of the last successful debit.
	LastUsed time.Time `json:"lastUsed,omitempty" yaml:"lastUsed,omitempty"`

	AutoRefillEnabled   bool         `json:"autoRefillEnabled" yaml:"autoRefillEnabled"`
	RefillAmount        int64        `json:"refillAmount" yaml:"refillAmount"`
	RefillIntervalValue int64        `json:"refillIntervalValue" yaml:"refillIntervalValue"`
	RefillIntervalUnit  IntervalUnit `json:"refillIntervalUnit" yaml:"refillIntervalUnit"`

	// LastRefill is the time of the last applied refill. Zero means never.
	LastRefill time.Time `json:"lastRefill,omitempty" yaml:"lastRefill,omitempty"`

	// AlertsSent holds the thresholds already alerted since LastAlertReset,
	// highest first.
	AlertsSent     []int64   `json:"alertsSent,omitempty" yaml:"alertsSent,omitempty"`
	LastAlertReset time.Time `json:"lastAlertReset,omitempty" yaml:"lastAlertReset,omitempty"`

	// AlertBalance is the balance seen by the last alert evaluation.
	AlertBalance int64 `json:"alertBalance" yaml:"alertBalance"`

	// AlertVersion increments on every alert state write and guards
	// compare-and-swap updates. Zero means no evaluation has happened yet.
	AlertVersion int64 `json:"alertVersion" yaml:"alertVersion"`
}

// RefillInterval returns the configured refill interval as a duration.
func (l EndpointLimit) RefillInterval() time.Duration {
	return l.RefillIntervalUnit.Duration(l.RefillIntervalValue)
}

// RefillDue reports whether the refill interval has elapsed at now.
// Limits without a positive interval or refill amount are never due.
func (l EndpointLimit) RefillDue(now time.Time) bool {
	interval := l.RefillInterval()
	if interval <= 0 || l.RefillAmount <= 0 {
		return false
	}
	if l.LastRefill.IsZero() {
		return true
	}
	return !now.Before(l.LastRefill.Add(interval))
}

// NextRefill returns the earliest time a refill can be applied.
func (l EndpointLimit) NextRefill() time.Time {
	if l.LastRefill.IsZero() {
		return time.Time{}
	}
	return l.LastRefill.Add(l.RefillInterval())
}

// AlertState extracts the alert bookkeeping of the limit.
func (l EndpointLimit) AlertState() AlertState {
	return AlertState{
		Sent:            slices.Clone(l.AlertsSent),
		ObservedBalance: l.AlertBalance,
		LastReset:       l.LastAlertReset,
		Version:         l.AlertVersion,
	}
}

// Clone returns a deep copy of the limit.
func (l EndpointLimit) Clone() EndpointLimit {
	l.AlertsSent = slices.Clone(l.AlertsSent)
	return l
}

// AlertState is the de-duplication state of budget alerts for one limit.
type AlertState struct {
	Sent            []int64
	ObservedBalance int64
	LastReset       time.Time
	Version         int64
}

// HasSent reports whether threshold was already alerted.
func (s AlertState) HasSent(threshold int64) bool {
	return slices.Contains(s.Sent, threshold)
}

// LedgerRecord is the per-user document holding every endpoint limit.
type LedgerRecord struct {
	User          string                   `json:"user" yaml:"user"`
	Limits        map[string]EndpointLimit `json:"endpointLimits" yaml:"endpointLimits"`
	SchemaVersion int                      `json:"schemaVersion" yaml:"schemaVersion"`
	CreatedAt     time.Time                `json:"createdAt" yaml:"createdAt"`
	UpdatedAt     time.Time                `json:"updatedAt" yaml:"updatedAt"`
}

// Endpoints returns the configured endpoint names in sorted order.
func (r *LedgerRecord) Endpoints() []string {
	names := make([]string, 0, len(r.Limits))
	for name := range r.Limits {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// TransactionEntry is an immutable audit record of a balance movement.
type TransactionEntry struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Endpoint  string    `json:"endpoint"`
	TokenType TokenType `json:"tokenType"`
	Context   TxContext `json:"context"`

	// RawAmount is the unsigned amount as reported by the caller.
	RawAmount int64 `json:"rawAmount"`

	// TokenValue is the signed effect on the balance; negative for debits.
	TokenValue int64 `json:"tokenValue"`

	// Balance is the resulting balance after the movement.
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the fields every stored entry must carry.
func (e TransactionEntry) Validate() error {
	switch {
	case e.User == "":
		return fmt.Errorf("%w: transaction user is required", ErrInvalidRequest)
	case e.Endpoint == "":
		return fmt.Errorf("%w: transaction endpoint is required", ErrInvalidRequest)
	case !e.TokenType.Valid():
		return fmt.Errorf("%w: unknown token type %q", ErrInvalidRequest, e.TokenType)
	case !e.Context.Valid():
		return fmt.Errorf("%w: unknown transaction context %q", ErrInvalidRequest, e.Context)
	}
	return nil
}

// LimitRef identifies one endpoint limit of one user.
type LimitRef struct {
	User     string
	Endpoint string
}

func (r LimitRef) String() string {
	return r.User + "/" + r.Endpoint
}

// LimitUpdate is a partial update of an endpoint limit. Nil fields are left
// untouched; on creation they take the defaults of NewEndpointLimit.
type LimitUpdate struct {
	Endpoint            string        `json:"endpoint" yaml:"endpoint"`
	TokenCredits        *int64        `json:"tokenCredits,omitempty" yaml:"tokenCredits,omitempty"`
	Enabled             *bool         `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	AutoRefillEnabled   *bool         `json:"autoRefillEnabled,omitempty" yaml:"autoRefillEnabled,omitempty"`
	RefillAmount        *int64        `json:"refillAmount,omitempty" yaml:"refillAmount,omitempty"`
	RefillIntervalValue *int64        `json:"refillIntervalValue,omitempty" yaml:"refillIntervalValue,omitempty"`
	RefillIntervalUnit  *IntervalUnit `json:"refillIntervalUnit,omitempty" yaml:"refillIntervalUnit,omitempty"`
	LastRefill          *time.Time    `json:"lastRefill,omitempty" yaml:"lastRefill,omitempty"`
}

// Validate rejects updates that would produce an invalid limit.
func (u LimitUpdate) Validate() error {
	if u.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidRequest)
	}
	if u.TokenCredits != nil && *u.TokenCredits < 0 {
		return fmt.Errorf("%w: tokenCredits must be non-negative", ErrInvalidRequest)
	}
	if u.RefillAmount != nil && *u.RefillAmount < 0 {
		return fmt.Errorf("%w: refillAmount must be non-negative", ErrInvalidRequest)
	}
	if u.RefillIntervalValue != nil && *u.RefillIntervalValue < 0 {
		return fmt.Errorf("%w: refillIntervalValue must be non-negative", ErrInvalidRequest)
	}
	if u.RefillIntervalUnit != nil && !u.RefillIntervalUnit.Valid() {
		return fmt.Errorf("%w: unknown refill interval unit %q", ErrInvalidRequest, *u.RefillIntervalUnit)
	}
	if u.RefillIntervalValue != nil {
		// Without a unit the value is checked against the smallest one.
		unit := UnitSeconds
		if u.RefillIntervalUnit != nil {
			unit = *u.RefillIntervalUnit
		}
		if limit := unit.MaxValue(); *u.RefillIntervalValue > limit {
			return fmt.Errorf("%w: refillIntervalValue %d exceeds %d %s", ErrInvalidRequest, *u.RefillIntervalValue, limit, unit)
		}
	}
	return nil
}

// Apply returns l with every non-nil field of u written over it.
func (u LimitUpdate) Apply(l EndpointLimit) EndpointLimit {
	if u.TokenCredits != nil {
		l.TokenCredits = *u.TokenCredits
	}
	if u.Enabled != nil {
		l.Enabled = *u.Enabled
	}
	if u.AutoRefillEnabled != nil {
		l.AutoRefillEnabled = *u.AutoRefillEnabled
	}
	if u.RefillAmount != nil {
		l.RefillAmount = *u.RefillAmount
	}
	if u.RefillIntervalValue != nil {
		l.RefillIntervalValue = *u.RefillIntervalValue
	}
	if u.RefillIntervalUnit != nil {
		l.RefillIntervalUnit = *u.RefillIntervalUnit
	}
	if u.LastRefill != nil {
		l.LastRefill = *u.LastRefill
	}
	return l
}

// NewEndpointLimit returns the defaults used when an update creates a limit.
func NewEndpointLimit(endpoint string) EndpointLimit {
	return EndpointLimit{
		Endpoint:           endpoint,
		Enabled:            true,
		RefillIntervalUnit: UnitDays,
	}
}

// Ptr returns a pointer to v, for building LimitUpdate literals.
func Ptr[T any](v T) *T {
	return &v
}
