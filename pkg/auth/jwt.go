package auth

import (
	"context"
	"fmt"
	"maps"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures the JWT authenticator.
type JWTConfig struct {
	// Issuer is the expected issuer claim. Empty skips the check.
	Issuer string

	// Audience is the expected audience. Empty skips the check.
	Audience string

	// SigningKey is the HMAC key used to verify JWT signatures.
	SigningKey []byte

	// RoleClaimPath is the dot-separated path to roles in the claims.
	RoleClaimPath string

	// RolePrefix filters roles to those with this prefix.
	RolePrefix string

	// RequiredClaims must all be present in the token.
	RequiredClaims []string
}

// JWTAuthenticator validates HMAC-signed bearer tokens.
type JWTAuthenticator struct {
	cfg       JWTConfig
	parser    *jwt.Parser
	extractor *ClaimsExtractor
}

// NewJWTAuthenticator creates a new JWT authenticator.
func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("jwt signing key is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWTAuthenticator{
		cfg:       cfg,
		parser:    jwt.NewParser(opts...),
		extractor: NewClaimsExtractor(cfg.RoleClaimPath, cfg.RolePrefix),
	}, nil
}

// Authenticate validates the JWT and returns the principal.
func (a *JWTAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token := GetToken(ctx)
	if token == "" {
		return nil, ErrNoCredentials
	}

	claims, err := a.parseAndValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}

	if err := ValidateClaims(claims, a.cfg.RequiredClaims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}

	p := a.extractor.Extract(claims)
	if p.ID == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidCredentials)
	}
	p.AuthType = AuthTypeJWT
	return p, nil
}

// parseAndValidateToken parses and validates the JWT.
func (a *JWTAuthenticator) parseAndValidateToken(tokenString string) (map[string]any, error) {
	token, err := a.parser.Parse(tokenString, func(*jwt.Token) (any, error) {
		return a.cfg.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	claimsMap := make(map[string]any, len(claims))
	maps.Copy(claimsMap, claims)
	return claimsMap, nil
}

// Verify interface compliance.
var _ Authenticator = (*JWTAuthenticator)(nil)
