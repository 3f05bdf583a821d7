package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-portainer/pkg/audit"
	"github.com/txn2/mcp-portainer/pkg/auth"
	"github.com/txn2/mcp-portainer/pkg/connstate"
	"github.com/txn2/mcp-portainer/pkg/portainer"
)

func fakePortainer(t *testing.T) *portainer.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/endpoints", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]portainer.Endpoint{
			{ID: 1, Name: "local", Status: portainer.EndpointStatusUp},
			{ID: 2, Name: "edge", Status: portainer.EndpointStatusDown},
			{ID: 3, Name: "lab", Status: portainer.EndpointStatusUp},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := portainer.NewClient(portainer.Config{URL: srv.URL, APIKey: "k", Timeout: time.Second})
	require.NoError(t, err)
	return c
}

func connected(t *testing.T, c *portainer.Client) *portainer.State {
	t.Helper()
	st := connstate.New[*portainer.Client]()
	require.NoError(t, st.Transition(connstate.Connecting, nil, nil))
	require.NoError(t, st.Transition(connstate.Connected, c, nil))
	return st
}

// connect runs the engine over in-memory transports.
func connect(t *testing.T, s *mcp.Server, copts *mcp.ClientOptions) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	st, ct := mcp.NewInMemoryTransports()
	ss, err := s.Connect(ctx, st, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, copts)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "dev", Version)
}

func TestNewFactory_FreshEnginePerSession(t *testing.T) {
	f := NewFactory(Options{})
	a := f(httptest.NewRequest(http.MethodPost, "/mcp", http.NoBody))
	b := f(httptest.NewRequest(http.MethodPost, "/mcp", http.NoBody))
	require.NotNil(t, a)
	assert.NotSame(t, a, b)
}

func TestTools_Listed(t *testing.T) {
	cs := connect(t, New(Options{Connection: connstate.New[*portainer.Client]()}), nil)
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{ToolConnectionStatus, ToolListEnvironments}, names)
}

func TestConnectionStatus(t *testing.T) {
	st := connected(t, fakePortainer(t))
	cs := connect(t, New(Options{Connection: st}), nil)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: ToolConnectionStatus})
	require.NoError(t, err)
	require.False(t, res.IsError)

	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out ConnectionStatusOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "connected", out.State)
	assert.NotEmpty(t, out.URL)
	require.Len(t, out.History, 2)
	assert.Equal(t, "connecting", out.History[1].From)
}

func TestListEnvironments_NotConnected(t *testing.T) {
	cs := connect(t, New(Options{Connection: connstate.New[*portainer.Client]()}), nil)
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: ToolListEnvironments})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestListEnvironments_FilterAndProgress(t *testing.T) {
	var mu sync.Mutex
	var progress []float64
	copts := &mcp.ClientOptions{
		ProgressNotificationHandler: func(_ context.Context, req *mcp.ProgressNotificationClientRequest) {
			mu.Lock()
			defer mu.Unlock()
			progress = append(progress, req.Params.Progress)
		},
	}
	cs := connect(t, New(Options{Connection: connected(t, fakePortainer(t))}), copts)

	params := &mcp.CallToolParams{Name: ToolListEnvironments, Arguments: map[string]any{"status": "up"}}
	params.SetProgressToken("list-1")
	res, err := cs.CallTool(context.Background(), params)
	require.NoError(t, err)
	require.False(t, res.IsError)

	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out ListEnvironmentsOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, "local", out.Environments[0].Name)
	assert.Equal(t, "lab", out.Environments[1].Name)

	// Without the transport throttle every update arrives.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(progress) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestStatusName(t *testing.T) {
	assert.Equal(t, "up", statusName(portainer.EndpointStatusUp))
	assert.Equal(t, "down", statusName(portainer.EndpointStatusDown))
	assert.Equal(t, "unknown", statusName(0))
}

func TestTools_ListedWithAudit(t *testing.T) {
	s := New(Options{Connection: connstate.New[*portainer.Client](), Audit: audit.NewMemoryLogger(10)})
	res, err := connect(t, s, nil).ListTools(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Tools, 3)
}

func TestSessionEvents(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLogger(10)
	base := time.Now().Add(-time.Hour)
	require.NoError(t, log.Log(ctx, *audit.NewEvent(audit.EventSessionCreated, "a").WithTransport("streamable").WithTimestamp(base)))
	require.NoError(t, log.Log(ctx, *audit.NewEvent(audit.EventSessionCreated, "b").WithTransport("sse").WithTimestamp(base.Add(time.Minute))))
	require.NoError(t, log.Log(ctx, *audit.NewEvent(audit.EventSessionExpired, "a").
		WithTransport("streamable").WithLifetime(2 * time.Minute).WithTimestamp(base.Add(2 * time.Minute))))

	admin := &auth.Principal{ID: "ops", AuthType: auth.AuthTypeAPIKey, Roles: []string{DefaultAdminRole}}
	cs := connect(t, New(Options{Connection: connstate.New[*portainer.Client](), Audit: log, Principal: admin}), nil)

	call := func(args map[string]any) (*mcp.CallToolResult, SessionEventsOutput) {
		t.Helper()
		res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: ToolSessionEvents, Arguments: args})
		require.NoError(t, err)
		var out SessionEventsOutput
		if !res.IsError {
			raw, err := json.Marshal(res.StructuredContent)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(raw, &out))
		}
		return res, out
	}

	t.Run("all", func(t *testing.T) {
		_, out := call(map[string]any{})
		require.Len(t, out.Events, 3)
		assert.Equal(t, "expired", out.Events[0].Type)
		assert.Equal(t, int64(120000), out.Events[0].LifetimeMS)
		assert.Equal(t, map[string]int{"created": 2, "expired": 1}, out.Summary)
	})

	t.Run("filtered", func(t *testing.T) {
		_, out := call(map[string]any{"transport": "streamable", "limit": 1})
		require.Len(t, out.Events, 1)
		assert.Equal(t, "a", out.Events[0].SessionID)
		// The summary ignores the limit.
		assert.Equal(t, map[string]int{"created": 1, "expired": 1}, out.Summary)
	})

	t.Run("since", func(t *testing.T) {
		_, out := call(map[string]any{"since": "5m"})
		assert.Empty(t, out.Events)
	})

	t.Run("bad since", func(t *testing.T) {
		res, _ := call(map[string]any{"since": "yesterday"})
		assert.True(t, res.IsError)
	})
}

func TestSessionEventsInput_Filter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	f, err := SessionEventsInput{}.filter(now)
	require.NoError(t, err)
	assert.Equal(t, defaultEventLimit, f.Limit)
	assert.Nil(t, f.StartTime)

	f, err = SessionEventsInput{Limit: 10000, Since: "1h", Type: "expired"}.filter(now)
	require.NoError(t, err)
	assert.Equal(t, maxEventLimit, f.Limit)
	assert.Equal(t, audit.EventSessionExpired, f.Type)
	require.NotNil(t, f.StartTime)
	assert.Equal(t, now.Add(-time.Hour), *f.StartTime)

	_, err = SessionEventsInput{Since: "-1h"}.filter(now)
	assert.Error(t, err)
}

func TestSessionEvents_ScopedToCaller(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLogger(10)
	require.NoError(t, log.Log(ctx, *audit.NewEvent(audit.EventSessionCreated, "other").WithRemoteAddr("192.0.2.9:4000")))

	// In-memory sessions have no id, so a non-admin caller owns no events.
	cs := connect(t, New(Options{Connection: connstate.New[*portainer.Client](), Audit: log}), nil)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: ToolSessionEvents, Arguments: map[string]any{}})
	require.NoError(t, err)
	require.False(t, res.IsError)
	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "other")
	assert.NotContains(t, string(raw), "192.0.2.9")

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: ToolSessionEvents, Arguments: map[string]any{"session_id": "other"}})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestIsAdmin(t *testing.T) {
	assert.False(t, isAdmin(nil, ""))
	assert.False(t, isAdmin(&auth.Principal{ID: "u", AuthType: auth.AuthTypeJWT, Roles: []string{"viewer"}}, ""))
	assert.True(t, isAdmin(&auth.Principal{ID: "u", AuthType: auth.AuthTypeJWT, Roles: []string{"admin"}}, ""))
	assert.True(t, isAdmin(&auth.Principal{ID: "u", AuthType: auth.AuthTypeJWT, Roles: []string{"ops"}}, "ops"))
	assert.False(t, isAdmin(&auth.Principal{ID: "anonymous", AuthType: auth.AuthTypeAnonymous, Roles: []string{"admin"}}, ""))
}
