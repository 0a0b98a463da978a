// ABOUTME: HTTP middleware for API key and JWT authentication on API endpoints
// ABOUTME: Accepts X-API-Key or Authorization Bearer and adds the caller to context

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/2389/hive-gateway/internal/config"
)

// APIKeyHeader carries the static API key.
const APIKeyHeader = "X-API-Key"

// Authenticator resolves request credentials to an AuthContext.
type Authenticator struct {
	keys     *APIKeyVerifier
	tokens   TokenVerifier
	disabled bool
}

// NewAuthenticator builds an Authenticator from the auth config section.
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{disabled: cfg.Disabled}
	keys, err := NewAPIKeyVerifier(cfg.APIKey, cfg.APIKeyHash)
	if err != nil {
		return nil, err
	}
	a.keys = keys
	if cfg.JWTSecret != "" {
		v, err := NewJWTVerifier([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, err
		}
		a.tokens = v
	}
	if !a.disabled && a.keys == nil && a.tokens == nil {
		return nil, errors.New("auth enabled but no api key or jwt secret configured")
	}
	return a, nil
}

// NewStaticAuthenticator wraps already built verifiers. Either may be nil.
func NewStaticAuthenticator(keys *APIKeyVerifier, tokens TokenVerifier) *Authenticator {
	return &Authenticator{keys: keys, tokens: tokens}
}

// Disabled reports whether requests pass unauthenticated.
func (a *Authenticator) Disabled() bool { return a.disabled }

// Authenticate checks the request's credentials.
func (a *Authenticator) Authenticate(r *http.Request) (*AuthContext, error) {
	if a.disabled {
		return &AuthContext{Subject: "anonymous", Method: MethodDisabled, Tenants: []string{AllTenants}}, nil
	}

	if key := r.Header.Get(APIKeyHeader); key != "" {
		if err := a.keys.Verify(key); err != nil {
			return nil, err
		}
		return apiKeyContext(), nil
	}

	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		return nil, errors.New(errMsg)
	}

	if a.tokens != nil {
		claims, err := a.tokens.Verify(token)
		if err == nil {
			return &AuthContext{Subject: claims.Subject, Method: MethodJWT, Tenants: claims.Tenants}, nil
		}
		if errors.Is(err, ErrExpiredToken) || a.keys == nil {
			return nil, err
		}
	}
	// The API key may also be presented as a bearer token.
	if err := a.keys.Verify(token); err != nil {
		return nil, ErrInvalidToken
	}
	return apiKeyContext(), nil
}

func apiKeyContext() *AuthContext {
	return &AuthContext{Subject: "api-key", Method: MethodAPIKey, Tenants: []string{AllTenants}}
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing credentials"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"success":false,"error":%q}`+"\n", msg)
}

// HTTPAuthMiddleware creates an HTTP middleware that authenticates the caller
// and adds AuthContext to the request context.
func HTTPAuthMiddleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, err := a.Authenticate(r)
			if err != nil {
				writeError(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires unrestricted access.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeError(w, "not authenticated", http.StatusUnauthorized)
				return
			}

			if !authCtx.IsAdmin() {
				writeError(w, "access to all instances required", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
