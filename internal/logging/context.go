package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	requestIDKey     contextKey = "request_id"
)

// ContextWithCorrelationID adds a correlation ID to the context.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext retrieves the correlation ID from the context.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationIDKey).(string)
	return id, ok
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

func GenerateCorrelationID() string {
	return "corr_" + uuid.NewString()
}

func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

// NewRequestContext tags ctx with fresh correlation and request IDs unless
// a correlation ID is already present.
func NewRequestContext(ctx context.Context) context.Context {
	if _, ok := CorrelationIDFromContext(ctx); !ok {
		ctx = ContextWithCorrelationID(ctx, GenerateCorrelationID())
	}
	return ContextWithRequestID(ctx, GenerateRequestID())
}
