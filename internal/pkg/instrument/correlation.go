package instrument

import (
	"context"

	"github.com/google/uuid"
)

type correlationIDKey struct{}

// SetCorrelationID returns a context carrying the given correlation id.
func SetCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// GetCorrelationID returns the correlation id carried by the context, or ""
// when none is set.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// EnsureCorrelationID returns the context's correlation id, generating and
// attaching a fresh one when the context has none.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return SetCorrelationID(ctx, id), id
}
