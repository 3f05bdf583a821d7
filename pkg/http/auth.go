package http

import (
	"errors"
	"net/http"

	"github.com/txn2/mcp-portainer/pkg/auth"
	"github.com/txn2/mcp-portainer/pkg/protocol"
)

const headerWWWAuthenticate = "WWW-Authenticate"

// authenticate resolves the request credential to a principal.
//
// A failed attempt answers 401 with a Bearer challenge. When a resource
// metadata URL is configured the challenge carries it, which starts the
// OAuth discovery flow in MCP clients (RFC 9728).
func (c *Chain) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if token := auth.TokenFromRequest(r); token != "" {
			ctx = auth.WithToken(ctx, token)
		}

		p, err := c.cfg.Authenticator.Authenticate(ctx)
		if err != nil {
			w.Header().Set(headerWWWAuthenticate, c.challenge(err))
			detail := "missing credentials"
			if !errors.Is(err, auth.ErrNoCredentials) {
				detail = "invalid credentials"
				c.logger.Debug("http: authentication failed", logKeyError, err)
			}
			c.reject(w, r, StageAuth, protocol.NewUnauthorizedError(detail))
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(ctx, p)))
	})
}

func (c *Chain) challenge(err error) string {
	v := "Bearer"
	if c.cfg.ResourceMetadataURL != "" {
		v += ` resource_metadata="` + c.cfg.ResourceMetadataURL + `"`
	}
	if !errors.Is(err, auth.ErrNoCredentials) {
		if c.cfg.ResourceMetadataURL != "" {
			v += ","
		}
		v += ` error="invalid_token"`
	}
	return v
}
