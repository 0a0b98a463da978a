// ABOUTME: JWT token verification for authenticating API requests
// ABOUTME: HS256 tokens carry a subject and the tenant ids the caller may address

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 32

// AllTenants grants access to every instance.
const AllTenants = "*"

// Claims are the verified contents of a bearer token.
type Claims struct {
	Subject string
	Tenants []string
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// tenantClaims is the JWT payload.
type tenantClaims struct {
	Tenants []string `json:"tenants"`
	jwt.RegisteredClaims
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and returns its subject and tenant scope.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &tenantClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if len(claims.Tenants) == 0 {
		return nil, fmt.Errorf("%w: tenants", ErrMissingClaim)
	}

	return &Claims{Subject: claims.Subject, Tenants: claims.Tenants}, nil
}

// Generate creates a token for subject scoped to tenants. Pass AllTenants for
// unrestricted access.
func (v *JWTVerifier) Generate(subject string, tenants []string, expiresIn time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if len(tenants) == 0 {
		return "", fmt.Errorf("%w: tenants", ErrMissingClaim)
	}

	now := time.Now()
	claims := tenantClaims{
		Tenants: tenants,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
