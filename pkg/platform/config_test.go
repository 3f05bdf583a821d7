package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-portainer/pkg/logging"
	"github.com/txn2/mcp-portainer/pkg/protocol"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, defaultName, cfg.Server.Name)
	assert.Equal(t, "127.0.0.1:3000", cfg.Server.Address)
	assert.Equal(t, "/mcp", cfg.Server.BasePath)
	assert.False(t, cfg.Server.LegacySSE.Enabled, "legacy transport is off by default")
	assert.Equal(t, "/sse", cfg.Server.LegacySSE.StreamPath)
	assert.Equal(t, "/messages", cfg.Server.LegacySSE.MessagePath)
	assert.Equal(t, protocol.DefaultProtocolVersion, cfg.Server.DefaultProtocolVersion)
	assert.Equal(t, int64(protocol.DefaultMaxBodyBytes), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, 1000, cfg.Sessions.MaxSessions)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.Timeout)
	assert.Equal(t, 3, cfg.Sessions.MaxMissedHeartbeats)
	assert.Equal(t, 100*time.Millisecond, cfg.Requests.ProgressMinInterval)

	assert.True(t, cfg.RateLimit.IsEnabled())
	require.NotNil(t, cfg.RateLimit.Burst)
	assert.Equal(t, defaultBurst, *cfg.RateLimit.Burst)

	assert.Equal(t, logging.FormatJSON, cfg.Logging.Format)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.NoError(t, cfg.Validate())
}

func TestParseConfig(t *testing.T) {
	t.Setenv("TEST_PORTAINER_KEY", "ptr_secret")

	cfg, err := ParseConfig([]byte(`
server:
  address: 0.0.0.0:8080
  base_path: /rpc
  allowed_hosts: [mcp.example.com]
  legacy_sse:
    enabled: true
sessions:
  max_sessions: 5
  timeout: 10m
rate_limit:
  enabled: false
  burst: 0
portainer:
  url: https://portainer.example.com
  api_key: ${TEST_PORTAINER_KEY}
`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address)
	assert.Equal(t, "/rpc", cfg.Server.BasePath)
	assert.Equal(t, []string{"mcp.example.com"}, cfg.Server.AllowedHosts)
	assert.True(t, cfg.Server.LegacySSE.Enabled)
	assert.Equal(t, "/sse", cfg.Server.LegacySSE.StreamPath, "unset paths keep defaults")
	assert.Equal(t, 5, cfg.Sessions.MaxSessions)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.Timeout)
	assert.Equal(t, time.Minute, cfg.Sessions.CleanupInterval)
	assert.False(t, cfg.RateLimit.IsEnabled())
	require.NotNil(t, cfg.RateLimit.Burst)
	assert.Equal(t, 0, *cfg.RateLimit.Burst, "an explicit zero burst is kept")
	assert.Equal(t, "ptr_secret", cfg.Portainer.APIKey)
	assert.NoError(t, cfg.Validate())
}

func TestParseConfig_InvalidYAML(t *testing.T) {
	_, err := ParseConfig([]byte("server: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  name: custom\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.Server.Name)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_EXPAND_A", "alpha")

	assert.Equal(t, "x-alpha-y", expandEnvVars("x-${TEST_EXPAND_A}-y"))
	assert.Equal(t, "x--y", expandEnvVars("x-${TEST_EXPAND_UNSET}-y"))
	assert.Equal(t, "$TEST_EXPAND_A", expandEnvVars("$TEST_EXPAND_A"), "only braced references expand")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Address = "no-port"
	cfg.Server.BasePath = "mcp"
	cfg.Server.LegacySSE.MessagePath = cfg.Server.LegacySSE.StreamPath
	cfg.Server.DefaultProtocolVersion = "1999-01-01"
	cfg.Server.TLS.Enabled = true
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeys = []APIKeyDef{{Name: "ci"}}
	cfg.Portainer.URL = "https://portainer.example.com"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"server.address",
		"server.base_path must start with /",
		"share the path",
		"default_protocol_version",
		"cert_file",
		"auth.api_keys[0]",
		"portainer.api_key",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestValidate_AuthNeedsCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Enabled = true
	assert.ErrorContains(t, cfg.Validate(), "neither auth.api_keys nor auth.jwt.hmac_secret")

	cfg.Auth.AllowAnonymous = true
	assert.NoError(t, cfg.Validate())
}

func TestValidate_HeartbeatTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sessions.HeartbeatTimeout = time.Minute
	cfg.Sessions.KeepAliveInterval = time.Second
	assert.ErrorContains(t, cfg.Validate(), "heartbeat_timeout")
}
