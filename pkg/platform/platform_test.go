package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-portainer/internal/server"
	"github.com/txn2/mcp-portainer/pkg/audit"
	"github.com/txn2/mcp-portainer/pkg/connstate"
	"github.com/txn2/mcp-portainer/pkg/logging"
	"github.com/txn2/mcp-portainer/pkg/protocol"
	"github.com/txn2/mcp-portainer/pkg/transport/streamable"
)

const (
	testInitBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{` +
		`"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`
	testAccept = "application/json, text/event-stream"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.Address = "127.0.0.1:0"
	return cfg
}

func newPlatform(t *testing.T, cfg *Config, opts ...Option) *Platform {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	p, err := New(cfg, opts...)
	require.NoError(t, err)
	return p
}

func startPlatform(t *testing.T, cfg *Config, opts ...Option) (*Platform, *httptest.Server) {
	t.Helper()
	p := newPlatform(t, cfg, opts...)
	require.NoError(t, p.Start(context.Background()))
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = p.Stop(context.Background())
	})
	return p, srv
}

func do(h http.Handler, method, path, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, rd)
	r.Host = "localhost:3000"
	if method == http.MethodPost {
		r.Header.Set("Content-Type", protocol.MediaTypeJSON)
		r.Header.Set("Accept", testAccept)
	}
	for _, m := range mutate {
		m(r)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Server.BasePath = "mcp"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "base_path")
}

func TestPlatform_StreamableClient(t *testing.T) {
	p, srv := startPlatform(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := mcp.NewClient(&mcp.Implementation{Name: "platform-test", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: srv.URL + "/mcp"}, nil)
	require.NoError(t, err)
	defer func() { _ = cs.Close() }()

	assert.Equal(t, 1, p.StreamableSessions().Len())

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: server.ToolConnectionStatus})
	require.NoError(t, err)
	require.False(t, res.IsError)
	out, ok := res.StructuredContent.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(connstate.Disconnected), out["state"])

	// Without a downstream, listing environments fails as a tool error.
	res, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: server.ToolListEnvironments})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, 0, p.StreamableSessions().Len(), "stop closes every session")
}

func TestPlatform_RejectsForeignHost(t *testing.T) {
	p := newPlatform(t, testConfig())

	rec := do(p.Handler(), http.MethodPost, "/mcp", testInitBody, func(r *http.Request) {
		r.Host = "evil.example.com"
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, p.StreamableSessions().Len())
}

func TestPlatform_Initialize(t *testing.T) {
	p := newPlatform(t, testConfig())
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	rec := do(p.Handler(), http.MethodPost, "/mcp", testInitBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sid := rec.Header().Get(protocol.HeaderSessionID)
	require.NotEmpty(t, sid)
	assert.True(t, p.StreamableSessions().Has(sid))
	assert.False(t, p.LegacySessions().Has(sid))

	// The chain answers bad requests before the transport sees them.
	rec = do(p.Handler(), http.MethodPost, "/mcp", testInitBody, func(r *http.Request) {
		r.Header.Set("Accept", protocol.MediaTypeJSON)
	})
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
	rec = do(p.Handler(), http.MethodPost, "/mcp", testInitBody, func(r *http.Request) {
		r.Header.Set(protocol.HeaderProtocolVersion, "1999-01-01")
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlatform_LegacyDisabled(t *testing.T) {
	p := newPlatform(t, testConfig())

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/sse"},
		{http.MethodPost, "/messages"},
	} {
		rec := do(p.Handler(), tc.method, tc.path, "{}")
		assert.Equal(t, http.StatusGone, rec.Code, tc.path)
		assert.Contains(t, rec.Body.String(), "/mcp", tc.path)
	}
}

func TestPlatform_LegacyEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Server.LegacySSE.Enabled = true
	p, srv := startPlatform(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := mcp.NewClient(&mcp.Implementation{Name: "legacy-test", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, &mcp.SSEClientTransport{Endpoint: srv.URL + "/sse"}, nil)
	require.NoError(t, err)

	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, tools.Tools, 3)
	assert.Equal(t, 1, p.LegacySessions().Len())
	assert.Equal(t, 0, p.StreamableSessions().Len())

	require.NoError(t, cs.Close())
	assert.Eventually(t, func() bool { return p.LegacySessions().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPlatform_Health(t *testing.T) {
	p := newPlatform(t, testConfig())

	assert.Equal(t, http.StatusOK, do(p.Handler(), http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(p.Handler(), http.MethodGet, "/readyz", "").Code)

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, http.StatusOK, do(p.Handler(), http.MethodGet, "/readyz", "").Code)

	require.NoError(t, p.Stop(context.Background()))
	rec := do(p.Handler(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "draining")
}

func TestPlatform_ReadinessTracksDownstream(t *testing.T) {
	cfg := testConfig()
	cfg.Portainer.URL = "http://127.0.0.1:1"
	cfg.Portainer.APIKey = "ptr_test"
	cfg.Portainer.RetryMaxElapsed = 10 * time.Millisecond
	p, _ := startPlatform(t, cfg)

	rec := do(p.Handler(), http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "portainer")
}

func TestPlatform_Metrics(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	p := newPlatform(t, cfg)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	require.Equal(t, http.StatusOK, do(p.Handler(), http.MethodPost, "/mcp", testInitBody).Code)
	do(p.Handler(), http.MethodPost, "/mcp", testInitBody, func(r *http.Request) { r.Host = "evil.example.com" })

	rec := do(p.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `mcp_portainer_sessions_active{transport="`+streamable.Kind+`"} 1`)
	assert.Contains(t, body, `mcp_portainer_http_rejected_total{code="403",stage="host"} 1`)
	assert.Contains(t, body, "mcp_portainer_http_requests_total")
}

func TestPlatform_MetricsDisabled(t *testing.T) {
	p := newPlatform(t, testConfig())
	assert.Equal(t, http.StatusNotFound, do(p.Handler(), http.MethodGet, "/metrics", "").Code)
}

func TestPlatform_Auth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeys = []APIKeyDef{{Name: "ci", Key: "secret-key"}}
	p := newPlatform(t, cfg)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	rec := do(p.Handler(), http.MethodPost, "/mcp", testInitBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Bearer"))

	rec = do(p.Handler(), http.MethodPost, "/mcp", testInitBody, func(r *http.Request) {
		r.Header.Set("X-API-Key", "secret-key")
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPlatform_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RequestsPerMinute = 1
	burst := 0
	cfg.RateLimit.Burst = &burst
	p := newPlatform(t, cfg)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	assert.Equal(t, http.StatusOK, do(p.Handler(), http.MethodPost, "/mcp", testInitBody).Code)
	rec := do(p.Handler(), http.MethodPost, "/mcp", testInitBody)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestPlatform_CORS(t *testing.T) {
	cfg := testConfig()
	cfg.Server.CORS.Enabled = true
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	p := newPlatform(t, cfg)

	rec := do(p.Handler(), http.MethodOptions, "/mcp", "", func(r *http.Request) {
		r.Header.Set("Origin", "https://app.example.com")
		r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	})
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPlatform_AuditInMemory(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	p := newPlatform(t, cfg)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	mem, ok := p.AuditLogger().(*audit.MemoryLogger)
	require.True(t, ok, "audit without a database is kept in memory")

	rec := do(p.Handler(), http.MethodPost, "/mcp", testInitBody)
	require.Equal(t, http.StatusOK, rec.Code)
	sid := rec.Header().Get(protocol.HeaderSessionID)

	events, err := mem.Query(context.Background(), audit.QueryFilter{SessionID: sid})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventSessionCreated, events[0].Type)
	assert.Equal(t, streamable.Kind, events[0].Transport)
}

func TestPlatform_SessionEventsHideOtherSessions(t *testing.T) {
	cfg := testConfig()
	cfg.Audit.Enabled = true
	_, srv := startPlatform(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	connectClient := func(name string) *mcp.ClientSession {
		client := mcp.NewClient(&mcp.Implementation{Name: name, Version: "v0.0.1"}, nil)
		cs, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: srv.URL + "/mcp"}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = cs.Close() })
		return cs
	}
	first := connectClient("first")
	second := connectClient("second")
	require.NotEqual(t, first.ID(), second.ID())

	res, err := second.CallTool(ctx, &mcp.CallToolParams{Name: server.ToolSessionEvents})
	require.NoError(t, err)
	require.False(t, res.IsError)
	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	assert.Contains(t, string(raw), second.ID())
	assert.NotContains(t, string(raw), first.ID())

	res, err = second.CallTool(ctx, &mcp.CallToolParams{
		Name:      server.ToolSessionEvents,
		Arguments: map[string]any{"session_id": first.ID()},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestPlatform_AuditDisabled(t *testing.T) {
	p := newPlatform(t, testConfig())
	_, ok := p.AuditLogger().(audit.NoopLogger)
	assert.True(t, ok)
}

func TestPlatform_ListenAndServe(t *testing.T) {
	p := newPlatform(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ListenAndServe(ctx) }()

	assert.Eventually(t, func() bool {
		return do(p.Handler(), http.MethodGet, "/readyz", "").Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}

func TestMigrate_NoDatabase(t *testing.T) {
	_, err := Migrate(testConfig())
	assert.True(t, errors.Is(err, errNoDatabase))
}
