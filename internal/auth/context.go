// ABOUTME: Carries the caller's connection identity through request handlers
// ABOUTME: Provides WithIdentity/IdentityFromContext for the command API

package auth

import (
	"context"
)

// identityContextKey is the key type for storing the identity in context.Context.
type identityContextKey struct{}

// WithIdentity returns a new context with the connection identity attached.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext retrieves the connection identity, returning "" if not present.
func IdentityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(identityContextKey{}).(string)
	return identity
}

// MustIdentityFromContext retrieves the identity, panicking if not present.
func MustIdentityFromContext(ctx context.Context) string {
	identity := IdentityFromContext(ctx)
	if identity == "" {
		panic("auth: connection identity not found in context")
	}
	return identity
}
