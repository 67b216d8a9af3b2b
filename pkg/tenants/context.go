// Package tenants carries the authenticated tenant identity through
// request contexts. Handlers never read tenant headers directly; the auth
// middleware resolves the principal once and everything downstream pulls
// it from the context.
package tenants

import "context"

// Principal is the authenticated caller.
type Principal struct {
	TenantID string
	KeyID    string
	ToolID   string
}

type ctxKey struct{}

// WithPrincipal attaches the principal to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// TenantID returns the authenticated tenant id, or "".
func TenantID(ctx context.Context) string {
	p, _ := FromContext(ctx)
	return p.TenantID
}
