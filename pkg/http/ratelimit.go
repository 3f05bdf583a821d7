package http

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"

	"github.com/txn2/mcp-portainer/pkg/auth"
	"github.com/txn2/mcp-portainer/pkg/protocol"
)

// Rate limit defaults.
const (
	DefaultRequestsPerMinute = 600
	DefaultBurst             = 60
	DefaultMaxKeys           = 65536
)

const (
	headerRetryAfter         = "Retry-After"
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
)

// RateLimitConfig configures the per-client limiter.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
	MaxKeys           int
}

// RateLimiter is a GCRA limiter keyed by client address.
type RateLimiter struct {
	limiter *throttled.GCRARateLimiterCtx
}

// NewRateLimiter creates an in-memory limiter.
func NewRateLimiter(cfg RateLimitConfig) (*RateLimiter, error) {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.Burst < 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}

	store, err := memstore.NewCtx(cfg.MaxKeys)
	if err != nil {
		return nil, fmt.Errorf("creating rate limit store: %w", err)
	}
	quota := throttled.RateQuota{
		MaxRate:  throttled.PerMin(cfg.RequestsPerMinute),
		MaxBurst: cfg.Burst,
	}
	limiter, err := throttled.NewGCRARateLimiterCtx(store, quota)
	if err != nil {
		return nil, fmt.Errorf("creating rate limiter: %w", err)
	}
	return &RateLimiter{limiter: limiter}, nil
}

// Allow consumes one request for key. When it reports false, the result's
// RetryAfter is how long the client should wait.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, throttled.RateLimitResult, error) {
	limited, result, err := l.limiter.RateLimitCtx(ctx, key, 1)
	if err != nil {
		return false, result, fmt.Errorf("rate limiting %s: %w", key, err)
	}
	return !limited, result, nil
}

func (c *Chain) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, result, err := c.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			// Fail open.
			c.logger.Error("http: rate limiter failed", logKeyError, err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set(headerRateLimitLimit, strconv.Itoa(result.Limit))
		w.Header().Set(headerRateLimitRemaining, strconv.Itoa(result.Remaining))
		if !ok {
			w.Header().Set(headerRetryAfter, retryAfterSeconds(result.RetryAfter))
			c.reject(w, r, StageRateLimit, protocol.NewRateLimitedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies an authenticated client by principal and everyone
// else by remote IP.
func clientKey(r *http.Request) string {
	if p := auth.PrincipalFromContext(r.Context()); p != nil && p.ID != "" && p.AuthType != auth.AuthTypeAnonymous {
		return p.AuthType + ":" + p.ID
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
