package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// bcryptPrefix marks a stored bcrypt hash.
const bcryptPrefix = "$2"

// APIKeyConfig holds API key configuration.
type APIKeyConfig struct {
	Keys []APIKey
}

// APIKey represents an API key entry. Key is either the plaintext key or
// its bcrypt hash.
type APIKey struct {
	Name  string   // Display name for the key
	Key   string   // Plaintext key or bcrypt hash
	Roles []string // Roles assigned to this key
}

func (k *APIKey) hashed() bool { return strings.HasPrefix(k.Key, bcryptPrefix) }

// APIKeyAuthenticator authenticates using API keys.
type APIKeyAuthenticator struct {
	keys []APIKey
}

// NewAPIKeyAuthenticator creates a new API key authenticator.
func NewAPIKeyAuthenticator(cfg APIKeyConfig) (*APIKeyAuthenticator, error) {
	keys := make([]APIKey, 0, len(cfg.Keys))
	for i, k := range cfg.Keys {
		if k.Name == "" {
			return nil, fmt.Errorf("api key %d: name is required", i)
		}
		if k.Key == "" {
			return nil, fmt.Errorf("api key %q: key is required", k.Name)
		}
		if k.hashed() {
			if _, err := bcrypt.Cost([]byte(k.Key)); err != nil {
				return nil, fmt.Errorf("api key %q: invalid bcrypt hash: %w", k.Name, err)
			}
		}
		keys = append(keys, k)
	}
	return &APIKeyAuthenticator{keys: keys}, nil
}

// Authenticate validates the API key and returns the principal.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, ErrNoCredentials
	}

	for i := range a.keys {
		k := &a.keys[i]
		if a.matches(k, token) {
			return &Principal{
				ID:       "apikey:" + k.Name,
				Name:     k.Name,
				Roles:    k.Roles,
				AuthType: AuthTypeAPIKey,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown API key", ErrInvalidCredentials)
}

func (*APIKeyAuthenticator) matches(k *APIKey, token string) bool {
	if k.hashed() {
		return bcrypt.CompareHashAndPassword([]byte(k.Key), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(k.Key), []byte(token)) == 1
}

// HashKey returns the bcrypt hash to store for a plaintext key.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(h), nil
}

// Verify interface compliance.
var _ Authenticator = (*APIKeyAuthenticator)(nil)
