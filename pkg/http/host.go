package http

import (
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/txn2/mcp-portainer/pkg/protocol"
)

// hostPolicy implements DNS-rebinding protection.
type hostPolicy struct {
	allowedHosts   []string
	allowedOrigins []string
	checkOrigin    bool
}

func newHostPolicy(bindAddress string, hosts, origins []string) *hostPolicy {
	p := &hostPolicy{checkOrigin: !isLoopback(hostname(bindAddress))}
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			p.allowedHosts = append(p.allowedHosts, h)
		}
	}
	for _, o := range origins {
		if o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/")); o != "" {
			p.allowedOrigins = append(p.allowedOrigins, o)
		}
	}
	return p
}

// hostAllowed matches host against the allow-list, with or without port.
// Without an allow-list only loopback hosts pass.
func (p *hostPolicy) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	name := hostname(host)
	if name == "" {
		return false
	}
	if len(p.allowedHosts) == 0 {
		return isLoopback(name)
	}
	return slices.Contains(p.allowedHosts, host) || slices.Contains(p.allowedHosts, name)
}

// originAllowed checks the Origin header. A missing Origin is not a
// browser request and passes.
func (p *hostPolicy) originAllowed(origin, requestHost string) bool {
	if !p.checkOrigin || origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	origin = strings.ToLower(u.Scheme + "://" + u.Host)

	switch {
	case len(p.allowedOrigins) > 0:
		return slices.Contains(p.allowedOrigins, "*") || slices.Contains(p.allowedOrigins, origin)
	case len(p.allowedHosts) > 0:
		return p.hostAllowed(u.Host)
	default:
		return strings.EqualFold(u.Host, requestHost)
	}
}

func (c *Chain) hostCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.hosts.hostAllowed(r.Host) {
			c.reject(w, r, StageHost, protocol.NewForbiddenError("host not allowed"))
			return
		}
		if !c.hosts.originAllowed(r.Header.Get("Origin"), r.Host) {
			c.reject(w, r, StageHost, protocol.NewForbiddenError("origin not allowed"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// hostname strips an optional port and IPv6 brackets.
func hostname(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.Trim(hostport, "[]")
}

func isLoopback(name string) bool {
	if strings.EqualFold(name, "localhost") {
		return true
	}
	ip := net.ParseIP(name)
	return ip != nil && ip.IsLoopback()
}
