// Package http provides the security middleware chain that guards the MCP
// endpoint. Every stage short-circuits with a JSON-RPC error body, so no
// rejected request reaches session or transport code.
package http

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/txn2/mcp-portainer/pkg/auth"
	"github.com/txn2/mcp-portainer/pkg/protocol"
)

// Stage names reported to the Observer.
const (
	StageHost        = "host"
	StageAuth        = "auth"
	StageRateLimit   = "rate_limit"
	StageVersion     = "protocol_version"
	StageAccept      = "accept"
	StageContentType = "content_type"
	StageEnvelope    = "envelope"
)

const (
	logKeyStage  = "stage"
	logKeyStatus = "status"
	logKeyRemote = "remote_addr"
	logKeyError  = "error"
)

// Observer is notified when a stage rejects a request.
type Observer interface {
	Rejected(stage string, status int)
}

// Config configures the chain.
type Config struct {
	// BindAddress is the listen address. Origin is checked only when it
	// is not a loopback address.
	BindAddress string

	// AllowedHosts restricts the Host header. Empty allows loopback hosts
	// on any port.
	AllowedHosts []string

	// AllowedOrigins restricts the Origin header on non-loopback binds.
	// Empty falls back to AllowedHosts, then to the request host.
	AllowedOrigins []string

	// DefaultVersion is assumed when the protocol version header is absent.
	DefaultVersion string

	// MaxBodyBytes bounds POST bodies.
	MaxBodyBytes int64

	RateLimit RateLimitConfig

	// Authenticator enables the auth stage when set.
	Authenticator auth.Authenticator

	// ResourceMetadataURL is advertised in WWW-Authenticate challenges.
	ResourceMetadataURL string
}

// Chain is the ordered set of request gatekeepers.
type Chain struct {
	cfg      Config
	hosts    *hostPolicy
	limiter  *RateLimiter
	logger   *slog.Logger
	observer Observer
}

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver sets the rejection observer.
func WithObserver(o Observer) Option {
	return func(c *Chain) { c.observer = o }
}

// NewChain builds a chain from cfg.
func NewChain(cfg Config, opts ...Option) (*Chain, error) {
	if cfg.DefaultVersion == "" {
		cfg.DefaultVersion = protocol.DefaultProtocolVersion
	}
	if !protocol.IsSupportedVersion(cfg.DefaultVersion) {
		return nil, fmt.Errorf("default protocol version %q is not supported", cfg.DefaultVersion)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = protocol.DefaultMaxBodyBytes
	}

	c := &Chain{
		cfg:    cfg,
		hosts:  newHostPolicy(cfg.BindAddress, cfg.AllowedHosts, cfg.AllowedOrigins),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.RateLimit.Enabled {
		limiter, err := NewRateLimiter(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		c.limiter = limiter
	}
	return c, nil
}

// Handler wraps next with every stage, for the streamable endpoint.
func (c *Chain) Handler(next http.Handler) http.Handler {
	return c.wrap(next, true)
}

// LegacyHandler wraps next for the legacy SSE endpoints. Legacy clients
// predate the dual Accept requirement, so that stage is skipped.
func (c *Chain) LegacyHandler(next http.Handler) http.Handler {
	return c.wrap(next, false)
}

func (c *Chain) wrap(next http.Handler, requireDualAccept bool) http.Handler {
	h := c.envelope(next)
	h = c.contentType(h)
	if requireDualAccept {
		h = c.accept(h)
	}
	h = c.version(h)
	if c.limiter != nil {
		h = c.rateLimit(h)
	}
	if c.cfg.Authenticator != nil {
		h = c.authenticate(h)
	}
	return c.hostCheck(h)
}

// reject writes err and reports the stage.
func (c *Chain) reject(w http.ResponseWriter, r *http.Request, stage string, err *protocol.Error) {
	c.logger.Debug("http: request rejected",
		logKeyStage, stage,
		logKeyStatus, err.Status,
		logKeyRemote, r.RemoteAddr,
		logKeyError, err.Message)
	if c.observer != nil {
		c.observer.Rejected(stage, err.Status)
	}
	protocol.WriteError(w, err)
}
