package log

import "context"

type ctxKey struct{}

// WithContext returns a child of ctx carrying l. Request middleware stores
// the per-request logger here so handlers pick up request_id and client_ip.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger stored in ctx, or Nop() if there is none.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}
