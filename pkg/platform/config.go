// Package platform loads configuration and wires every component into one
// HTTP server.
package platform

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/txn2/mcp-portainer/pkg/logging"
	"github.com/txn2/mcp-portainer/pkg/protocol"
)

// Defaults.
const (
	defaultName               = "mcp-portainer"
	defaultAddress            = "127.0.0.1:3000"
	defaultBasePath           = "/mcp"
	defaultLegacyStreamPath   = "/sse"
	defaultLegacyMessagePath  = "/messages"
	defaultShutdownTimeout    = 30 * time.Second
	defaultProgressInterval   = 100 * time.Millisecond
	defaultRequestsPerMinute  = 600
	defaultBurst              = 60
	defaultRateLimitKeys      = 65536
	defaultPortainerTimeout   = 30 * time.Second
	defaultRetryMaxElapsed    = 2 * time.Minute
	defaultMonitorInterval    = 30 * time.Second
	defaultHistorySize        = 50
	defaultMaxOpenConns       = 25
	defaultRetentionDays      = 30
	defaultAuditCleanup       = 24 * time.Hour
	defaultAuditMemoryEntries = 1000
	defaultMetricsPath        = "/metrics"
	defaultSessionsMax        = 1000
	defaultSessionTimeout     = 30 * time.Minute
	defaultCleanupInterval    = time.Minute
	defaultKeepAliveInterval  = 30 * time.Second
	defaultMaxMissed          = 3
	defaultHeartbeatTimeout   = 5 * time.Second
	defaultHeartbeatWorkers   = 16
)

// Config holds the complete configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Requests   RequestsConfig   `yaml:"requests"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Auth       AuthConfig       `yaml:"auth"`
	Portainer  PortainerConfig  `yaml:"portainer"`
	Connection ConnectionConfig `yaml:"connection"`
	Database   DatabaseConfig   `yaml:"database"`
	Audit      AuditConfig      `yaml:"audit"`
	Logging    logging.Config   `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Name                   string        `yaml:"name"`
	Version                string        `yaml:"version"`
	Instructions           string        `yaml:"instructions"`
	Address                string        `yaml:"address"`
	BasePath               string        `yaml:"base_path"`
	LegacySSE              LegacyConfig  `yaml:"legacy_sse"`
	AllowedHosts           []string      `yaml:"allowed_hosts"`
	AllowedOrigins         []string      `yaml:"allowed_origins"`
	CORS                   CORSConfig    `yaml:"cors"`
	TLS                    TLSConfig     `yaml:"tls"`
	MaxBodyBytes           int64         `yaml:"max_body_bytes"`
	DefaultProtocolVersion string        `yaml:"default_protocol_version"`
	ShutdownTimeout        time.Duration `yaml:"shutdown_timeout"`
}

// LegacyConfig configures the deprecated HTTP+SSE transport. It is off by
// default.
type LegacyConfig struct {
	Enabled     bool   `yaml:"enabled"`
	StreamPath  string `yaml:"stream_path"`
	MessagePath string `yaml:"message_path"`
}

// CORSConfig configures the optional CORS layer.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SessionsConfig configures both session managers.
type SessionsConfig struct {
	MaxSessions         int           `yaml:"max_sessions"`
	Timeout             time.Duration `yaml:"timeout"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	KeepAliveInterval   time.Duration `yaml:"keep_alive_interval"`
	MaxMissedHeartbeats int           `yaml:"max_missed_heartbeats"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatWorkers    int           `yaml:"heartbeat_workers"`
}

// RequestsConfig configures per-session request tracking.
type RequestsConfig struct {
	ProgressMinInterval time.Duration `yaml:"progress_min_interval"`
}

// RateLimitConfig configures the per-client limiter. Enabled is a pointer
// so that an absent key keeps the default of true.
type RateLimitConfig struct {
	Enabled           *bool `yaml:"enabled"`
	RequestsPerMinute int   `yaml:"requests_per_minute"`
	Burst             *int  `yaml:"burst"`
	MaxKeys           int   `yaml:"max_keys"`
}

// IsEnabled reports whether rate limiting is on.
func (c RateLimitConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// AuthConfig configures the optional auth gateway.
type AuthConfig struct {
	Enabled             bool        `yaml:"enabled"`
	AllowAnonymous      bool        `yaml:"allow_anonymous"`
	ResourceMetadataURL string      `yaml:"resource_metadata_url"`
	APIKeys             []APIKeyDef `yaml:"api_keys"`
	JWT                 JWTConfig   `yaml:"jwt"`
}

// APIKeyDef defines an API key. Key may be a bcrypt hash.
type APIKeyDef struct {
	Name  string   `yaml:"name"`
	Key   string   `yaml:"key"`
	Roles []string `yaml:"roles"`
}

// JWTConfig configures HMAC bearer tokens.
type JWTConfig struct {
	HMACSecret     string   `yaml:"hmac_secret"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	RoleClaimPath  string   `yaml:"role_claim_path"`
	RolePrefix     string   `yaml:"role_prefix"`
	RequiredClaims []string `yaml:"required_claims"`
}

// PortainerConfig configures the downstream API. An empty URL runs the
// server without a downstream.
type PortainerConfig struct {
	URL                string        `yaml:"url"`
	APIKey             string        `yaml:"api_key"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
	RetryMaxElapsed    time.Duration `yaml:"retry_max_elapsed"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
}

// ConnectionConfig configures the connection state manager.
type ConnectionConfig struct {
	HistorySize int `yaml:"history_size"`
}

// DatabaseConfig configures the database connection.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// AuditConfig configures the session audit log. Without a database the
// log is kept in memory.
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MemoryEntries   int           `yaml:"memory_entries"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML, expands ${VAR} references and applies defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applySessionDefaults(&cfg.Sessions)

	if cfg.Requests.ProgressMinInterval == 0 {
		cfg.Requests.ProgressMinInterval = defaultProgressInterval
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.RateLimit.Burst == nil {
		burst := defaultBurst
		cfg.RateLimit.Burst = &burst
	}
	if cfg.RateLimit.MaxKeys == 0 {
		cfg.RateLimit.MaxKeys = defaultRateLimitKeys
	}
	if cfg.Portainer.Timeout == 0 {
		cfg.Portainer.Timeout = defaultPortainerTimeout
	}
	if cfg.Portainer.RetryMaxElapsed == 0 {
		cfg.Portainer.RetryMaxElapsed = defaultRetryMaxElapsed
	}
	if cfg.Portainer.MonitorInterval == 0 {
		cfg.Portainer.MonitorInterval = defaultMonitorInterval
	}
	if cfg.Connection.HistorySize == 0 {
		cfg.Connection.HistorySize = defaultHistorySize
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = defaultRetentionDays
	}
	if cfg.Audit.CleanupInterval == 0 {
		cfg.Audit.CleanupInterval = defaultAuditCleanup
	}
	if cfg.Audit.MemoryEntries == 0 {
		cfg.Audit.MemoryEntries = defaultAuditMemoryEntries
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = logging.FormatJSON
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.Name == "" {
		s.Name = defaultName
	}
	if s.Address == "" {
		s.Address = defaultAddress
	}
	if s.BasePath == "" {
		s.BasePath = defaultBasePath
	}
	if s.LegacySSE.StreamPath == "" {
		s.LegacySSE.StreamPath = defaultLegacyStreamPath
	}
	if s.LegacySSE.MessagePath == "" {
		s.LegacySSE.MessagePath = defaultLegacyMessagePath
	}
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = protocol.DefaultMaxBodyBytes
	}
	if s.DefaultProtocolVersion == "" {
		s.DefaultProtocolVersion = protocol.DefaultProtocolVersion
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = defaultShutdownTimeout
	}
}

func applySessionDefaults(s *SessionsConfig) {
	if s.MaxSessions == 0 {
		s.MaxSessions = defaultSessionsMax
	}
	if s.Timeout == 0 {
		s.Timeout = defaultSessionTimeout
	}
	if s.CleanupInterval == 0 {
		s.CleanupInterval = defaultCleanupInterval
	}
	if s.KeepAliveInterval == 0 {
		s.KeepAliveInterval = defaultKeepAliveInterval
	}
	if s.MaxMissedHeartbeats == 0 {
		s.MaxMissedHeartbeats = defaultMaxMissed
	}
	if s.HeartbeatTimeout == 0 {
		s.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if s.HeartbeatWorkers == 0 {
		s.HeartbeatWorkers = defaultHeartbeatWorkers
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
		add("server.address %q: %w", c.Server.Address, err)
	}
	paths := []struct{ key, path string }{
		{"server.base_path", c.Server.BasePath},
		{"server.legacy_sse.stream_path", c.Server.LegacySSE.StreamPath},
		{"server.legacy_sse.message_path", c.Server.LegacySSE.MessagePath},
	}
	seen := make(map[string]string)
	for _, p := range paths {
		if !strings.HasPrefix(p.path, "/") {
			add("%s must start with /", p.key)
		}
		if other, dup := seen[p.path]; dup {
			add("%s and %s share the path %s", p.key, other, p.path)
		}
		seen[p.path] = p.key
	}
	if !protocol.IsSupportedVersion(c.Server.DefaultProtocolVersion) {
		add("server.default_protocol_version %q is not supported (supported: %v)",
			c.Server.DefaultProtocolVersion, protocol.SupportedVersions())
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		add("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes must not be negative")
	}

	if c.Sessions.MaxSessions < 0 {
		add("sessions.max_sessions must not be negative")
	}
	if c.Sessions.KeepAliveInterval > 0 && c.Sessions.HeartbeatTimeout > c.Sessions.KeepAliveInterval {
		add("sessions.heartbeat_timeout must not exceed sessions.keep_alive_interval")
	}

	if c.RateLimit.RequestsPerMinute < 0 || (c.RateLimit.Burst != nil && *c.RateLimit.Burst < 0) {
		add("rate_limit.requests_per_minute and rate_limit.burst must not be negative")
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 && c.Auth.JWT.HMACSecret == "" && !c.Auth.AllowAnonymous {
		add("auth is enabled but neither auth.api_keys nor auth.jwt.hmac_secret is configured")
	}
	for i, k := range c.Auth.APIKeys {
		if k.Name == "" || k.Key == "" {
			add("auth.api_keys[%d]: name and key are required", i)
		}
	}

	if c.Portainer.URL != "" && c.Portainer.APIKey == "" {
		add("portainer.api_key is required when portainer.url is set")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		add("metrics.path must start with /")
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

// errNoDatabase is returned by operations that need database.dsn.
var errNoDatabase = errors.New("database.dsn is not configured")
