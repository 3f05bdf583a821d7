package auth

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoCredentials is returned when the request carries no credential.
	ErrNoCredentials = errors.New("no credentials")

	// ErrInvalidCredentials is returned when a credential is not accepted.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Authenticator resolves the credential stored with WithToken.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Principal, error)
}

// ChainedAuthenticator tries multiple authenticators in order.
type ChainedAuthenticator struct {
	authenticators []Authenticator
	allowAnonymous bool
}

// ChainedAuthConfig configures the chained authenticator.
type ChainedAuthConfig struct {
	AllowAnonymous bool
}

// NewChainedAuthenticator creates a new chained authenticator.
func NewChainedAuthenticator(cfg ChainedAuthConfig, authenticators ...Authenticator) *ChainedAuthenticator {
	return &ChainedAuthenticator{
		authenticators: authenticators,
		allowAnonymous: cfg.AllowAnonymous,
	}
}

// Authenticate tries each authenticator in order.
func (c *ChainedAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	var lastErr error
	for _, a := range c.authenticators {
		p, err := a.Authenticate(ctx)
		if err == nil && p != nil {
			return p, nil
		}
		if err != nil {
			lastErr = err
		}
	}

	if c.allowAnonymous {
		return &Principal{ID: AuthTypeAnonymous, AuthType: AuthTypeAnonymous}, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	if GetToken(ctx) == "" {
		return nil, ErrNoCredentials
	}
	return nil, fmt.Errorf("%w: no authenticator accepted the credential", ErrInvalidCredentials)
}

// Verify interface compliance.
var _ Authenticator = (*ChainedAuthenticator)(nil)
