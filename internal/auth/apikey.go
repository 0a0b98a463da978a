// ABOUTME: Static API key verification for the gateway HTTP API
// ABOUTME: Accepts either a plaintext key or a bcrypt hash from config

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidAPIKey is returned for a key that does not match.
var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKeyVerifier checks the X-API-Key header value.
type APIKeyVerifier struct {
	plain []byte
	hash  []byte
}

// NewAPIKeyVerifier builds a verifier from a plaintext key, a bcrypt hash, or
// both. Returns nil when neither is configured.
func NewAPIKeyVerifier(key, hash string) (*APIKeyVerifier, error) {
	if key == "" && hash == "" {
		return nil, nil
	}
	v := &APIKeyVerifier{}
	if key != "" {
		v.plain = []byte(key)
	}
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("parsing api key hash: %w", err)
		}
		v.hash = []byte(hash)
	}
	return v, nil
}

// Verify reports whether key matches the configured key.
func (v *APIKeyVerifier) Verify(key string) error {
	if v == nil || key == "" {
		return ErrInvalidAPIKey
	}
	if v.plain != nil && subtle.ConstantTimeCompare(v.plain, []byte(key)) == 1 {
		return nil
	}
	if v.hash != nil && bcrypt.CompareHashAndPassword(v.hash, []byte(key)) == nil {
		return nil
	}
	return ErrInvalidAPIKey
}

// HashAPIKey returns the bcrypt hash to store as auth.api_key_hash.
func HashAPIKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("api key is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(hash), nil
}
