package lock

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Token is the opaque value stored under a held key. Tokens are compared,
// never parsed.
type Token string

func (t Token) String() string { return string(t) }

type correlationKey struct{}

// WithCorrelationID returns a context whose acquisitions embed id in their
// owner token, which makes a lease traceable from the store side. Without
// it the trace id of the active span is used, if any.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func newToken(ctx context.Context) string {
	token := uuid.NewString()
	if id := correlationID(ctx); id != "" {
		token += "@" + id
	}
	return token
}

// NewOwner returns a random owner identity, for callers that have no natural
// one.
func NewOwner() string {
	return uuid.NewString()
}
