// Package correlation propagates the per-request correlation id from the
// inbound request context into logs and outbound deliveries.
package correlation

import "context"

// Header is the wire header carrying the correlation id.
const Header = "x-correlation-id"

type ctxKey struct{}

// WithID returns a context carrying the correlation id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation id or "" when none is set.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}
