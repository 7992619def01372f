package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Credential schemes accepted in the Authorization header.
const (
	SchemeAPIKey = "apikey"
	SchemeBearer = "bearer"
)

var (
	// ErrMissingCredential is returned when no credential was presented.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential is returned for malformed or unknown credentials.
	ErrInvalidCredential = errors.New("invalid credential")
)

// APIKey is the identity an API key resolves to.
type APIKey struct {
	Hash         string
	Organisation string
	Role         string
	Name         string
}

// KeyStore resolves API key hashes. Plaintext keys never reach it.
type KeyStore interface {
	// GetAPIKeyByHash returns the key with the given SHA-256 hex hash, or nil
	// when no such key exists.
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
}

// HashKey returns the lowercase hex SHA-256 of a plaintext key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ParseCredential extracts the secret from an Authorization header value of
// the form "ApiKey <key>" or "Bearer <token>". The scheme is case-insensitive.
func ParseCredential(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingCredential
	}
	scheme, secret, ok := strings.Cut(header, " ")
	if !ok {
		return "", fmt.Errorf("%w: expected \"<scheme> <credential>\"", ErrInvalidCredential)
	}
	switch strings.ToLower(scheme) {
	case SchemeAPIKey, SchemeBearer:
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidCredential, scheme)
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", fmt.Errorf("%w: empty credential", ErrInvalidCredential)
	}
	return secret, nil
}

// Authenticator maps Authorization header values to API key identities.
type Authenticator struct {
	keys KeyStore
}

// NewAuthenticator creates an authenticator backed by keys.
func NewAuthenticator(keys KeyStore) *Authenticator {
	return &Authenticator{keys: keys}
}

// Authenticate resolves an Authorization header value. Missing, malformed
// and unknown credentials return an error wrapping ErrUnauthorized; key
// store failures are returned as-is.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*APIKey, error) {
	secret, err := ParseCredential(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	key, err := a.keys.GetAPIKeyByHash(ctx, HashKey(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve api key: %w", err)
	}
	if key == nil || key.Organisation == "" {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrInvalidCredential)
	}
	return key, nil
}
