// Package auth authenticates callers of the MCP endpoint with API keys or
// HMAC-signed JWTs.
package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"
)

const (
	headerAuthorization = "Authorization"
	headerAPIKey        = "X-API-Key"
	bearerPrefix        = "Bearer "
)

// contextKey is a private type for context keys.
type contextKey int

const (
	principalContextKey contextKey = iota
	tokenContextKey
)

// Authentication types recorded on a Principal.
const (
	AuthTypeAPIKey    = "apikey"
	AuthTypeJWT       = "jwt"
	AuthTypeAnonymous = "anonymous"
)

// Principal is an authenticated caller.
type Principal struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Email    string         `json:"email,omitempty"`
	Roles    []string       `json:"roles,omitempty"`
	Claims   map[string]any `json:"claims,omitempty"`
	AuthType string         `json:"auth_type"`
}

// HasRole checks if the principal has a specific role.
func (p *Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// WithPrincipal adds the principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext returns the principal, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalContextKey).(*Principal); ok {
		return p
	}
	return nil
}

// WithToken adds a raw credential to the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey, token)
}

// GetToken retrieves the raw credential from the context.
func GetToken(ctx context.Context) string {
	if t, ok := ctx.Value(tokenContextKey).(string); ok {
		return t
	}
	return ""
}

// TokenFromRequest extracts a Bearer token, falling back to the X-API-Key
// header. It returns "" when neither is present.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get(headerAuthorization); strings.HasPrefix(h, bearerPrefix) {
		if token := strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix)); token != "" {
			return token
		}
	}
	return r.Header.Get(headerAPIKey)
}
