package httpx

import (
	"context"

	"github.com/target/listingsync/internal/adapters/oidc"
)

// identityKey is an unexported context key type to avoid collisions across packages.
type identityKey struct{}

// requestIDKey carries the per-request correlation id.
type requestIDKey struct{}

// SetIdentityInContext returns a child context that carries the verified caller.
func SetIdentityInContext(ctx context.Context, id oidc.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the verified caller and whether one is present.
func IdentityFromContext(ctx context.Context) (oidc.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(oidc.Identity)
	return id, ok
}

// RequestIDFromContext returns the request id set by the RequestID middleware, or "".
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey{}).(string)
	return s
}
