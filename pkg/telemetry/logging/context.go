package logging

import (
	"context"
)

// Context keys for common log fields.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"

	// UserKey is the context key for user identifiers.
	UserKey contextKey = "user"

	// EndpointKey is the context key for provider endpoints.
	EndpointKey contextKey = "endpoint"

	// OperationKey is the context key for the ledger operation in progress.
	OperationKey contextKey = "op"
)

// contextKeys lists the keys extracted into every log record, in output order.
var contextKeys = []contextKey{RequestIDKey, UserKey, EndpointKey, OperationKey}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

// WithUser adds a user identifier to the context.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// GetUser retrieves the user identifier from the context.
func GetUser(ctx context.Context) string {
	return getString(ctx, UserKey)
}

// WithEndpoint adds an endpoint name to the context.
func WithEndpoint(ctx context.Context, endpoint string) context.Context {
	return context.WithValue(ctx, EndpointKey, endpoint)
}

// GetEndpoint retrieves the endpoint name from the context.
func GetEndpoint(ctx context.Context) string {
	return getString(ctx, EndpointKey)
}

// WithOperation adds the ledger operation name to the context.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, OperationKey, op)
}

// WithLedgerScope is shorthand for WithUser, WithEndpoint and WithOperation.
func WithLedgerScope(ctx context.Context, op, user, endpoint string) context.Context {
	ctx = WithOperation(ctx, op)
	ctx = WithUser(ctx, user)
	return WithEndpoint(ctx, endpoint)
}

func getString(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// extractContextFields extracts common fields from context for logging.
// Returns a slice of key-value pairs suitable for logger.With().
func extractContextFields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var fields []any
	for _, key := range contextKeys {
		if v := getString(ctx, key); v != "" {
			fields = append(fields, string(key), v)
		}
	}
	return fields
}
