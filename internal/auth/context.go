// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext and tenant scoping checks

package auth

import (
	"context"
)

// Authentication methods recorded on AuthContext.
const (
	MethodAPIKey   = "api_key"
	MethodJWT      = "jwt"
	MethodDisabled = "disabled"
)

// AuthContext holds the authenticated identity information extracted from a request.
type AuthContext struct {
	Subject string   // token subject, or "api-key"
	Method  string   // how the caller authenticated
	Tenants []string // instance ids the caller may address; "*" means all
}

// IsAdmin reports whether the caller is unrestricted.
func (a *AuthContext) IsAdmin() bool {
	for _, t := range a.Tenants {
		if t == AllTenants {
			return true
		}
	}
	return false
}

// CanAccess reports whether the caller may address instance id.
func (a *AuthContext) CanAccess(id string) bool {
	if a == nil {
		return false
	}
	for _, t := range a.Tenants {
		if t == AllTenants || t == id {
			return true
		}
	}
	return false
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
