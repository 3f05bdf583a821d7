// Package portainer is a minimal client for the downstream container
// management API and the connector that tracks its availability.
package portainer

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	headerAPIKey   = "X-API-Key"
	pathStatus     = "/api/system/status"
	pathEndpoints  = "/api/endpoints"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

// Endpoint status values reported by the API.
const (
	EndpointStatusUp   = 1
	EndpointStatusDown = 2
)

// Config configures a Client.
type Config struct {
	URL                string
	APIKey             string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// SystemStatus is the response of the status endpoint.
type SystemStatus struct {
	Version    string `json:"Version"`
	InstanceID string `json:"InstanceID"`
}

// Endpoint is one managed environment.
type Endpoint struct {
	ID     int    `json:"Id"`
	Name   string `json:"Name"`
	Type   int    `json:"Type"`
	URL    string `json:"URL"`
	Status int    `json:"Status"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("portainer API returned %d: %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether err is a credential rejection, which retrying
// cannot fix.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
}

// Client talks to the container management API.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
}

// NewClient creates a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("portainer: url is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing portainer url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("portainer url must be http or https, got %q", u.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed lab installs
	}

	return &Client{
		baseURL: u,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Status fetches the system status. It is used as the reachability probe.
func (c *Client) Status(ctx context.Context) (*SystemStatus, error) {
	var out SystemStatus
	if err := c.get(ctx, pathStatus, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEndpoints returns all environments visible to the API key.
func (c *Client) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var out []Endpoint
	if err := c.get(ctx, pathEndpoints, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.JoinPath(path).String(), http.NoBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(headerAPIKey, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
