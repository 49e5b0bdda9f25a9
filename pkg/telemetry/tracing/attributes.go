package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/credits/pkg/ledger/model"
)

// Attribute keys use the "credits.*" namespace.
const (
	AttrUser      = "credits.user"
	AttrEndpoint  = "credits.endpoint"
	AttrAmount    = "credits.amount"
	AttrTokenType = "credits.token_type"
	AttrBalance   = "credits.balance"
	AttrRefilled  = "credits.refilled"
	AttrContext   = "credits.context"
	AttrThreshold = "credits.alert.threshold"
	AttrOutcome   = "credits.outcome"
	AttrAttempt   = "credits.retry.attempt"
)

// Span names.
const (
	SpanDebit       = "ledger.debit"
	SpanRefill      = "ledger.refill"
	SpanRefillSweep = "ledger.refill.sweep"
	SpanAlertEval   = "ledger.alerts.evaluate"
	SpanAdjust      = "ledger.adjust"
)

// LedgerAttributes returns the user and endpoint attributes as a start option.
func LedgerAttributes(user, endpoint string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String(AttrUser, user),
		attribute.String(AttrEndpoint, endpoint),
	)
}

// SetBalance records the resulting balance on span.
func SetBalance(span trace.Span, balance int64) {
	span.SetAttributes(attribute.Int64(AttrBalance, balance))
}

// AddRetryEvent records a retry of a storage operation.
func AddRetryEvent(span trace.Span, attempt int, err error) {
	span.AddEvent("retry", trace.WithAttributes(
		attribute.Int(AttrAttempt, attempt),
		attribute.String(AttrOutcome, model.Reason(err)),
	))
}

// End finishes span with a status derived from err. Expected business
// outcomes (insufficient credits, disabled or missing endpoints) are recorded
// as an outcome attribute and leave the span status unset; anything else marks
// the span as failed.
func End(span trace.Span, err error) {
	span.SetAttributes(attribute.String(AttrOutcome, model.Reason(err)))
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case isBusinessOutcome(err):
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func isBusinessOutcome(err error) bool {
	switch model.Reason(err) {
	case "insufficient", "disabled", "not_configured", "invalid", "not_found":
		return true
	}
	return false
}
