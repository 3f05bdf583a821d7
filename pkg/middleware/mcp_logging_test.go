package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMCPTestRequest(toolName string) *mcp.ServerRequest[*mcp.CallToolParamsRaw] {
	return &mcp.ServerRequest[*mcp.CallToolParamsRaw]{
		Params: &mcp.CallToolParamsRaw{Name: toolName},
	}
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func TestMCPLoggingMiddleware_ToolCall(t *testing.T) {
	logger, buf := bufferLogger()
	want := &mcp.CallToolResult{}
	handler := MCPLoggingMiddleware(logger)(func(context.Context, string, mcp.Request) (mcp.Result, error) {
		return want, nil
	})

	result, err := handler(context.Background(), methodToolsCall, newMCPTestRequest("list_environments"))
	require.NoError(t, err)
	assert.Same(t, want, result)

	out := buf.String()
	assert.Contains(t, out, `"level":"DEBUG"`)
	assert.Contains(t, out, `"msg":"mcp: request handled"`)
	assert.Contains(t, out, `"method":"tools/call"`)
	assert.Contains(t, out, `"tool":"list_environments"`)
	assert.Contains(t, out, `"duration_ms"`)
}

func TestMCPLoggingMiddleware_ToolError(t *testing.T) {
	logger, buf := bufferLogger()
	handler := MCPLoggingMiddleware(logger)(func(context.Context, string, mcp.Request) (mcp.Result, error) {
		return &mcp.CallToolResult{IsError: true}, nil
	})

	_, err := handler(context.Background(), methodToolsCall, newMCPTestRequest("connection_status"))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), `"msg":"mcp: tool returned an error"`)
}

func TestMCPLoggingMiddleware_HandlerError(t *testing.T) {
	logger, buf := bufferLogger()
	boom := errors.New("boom")
	handler := MCPLoggingMiddleware(logger)(func(context.Context, string, mcp.Request) (mcp.Result, error) {
		return nil, boom
	})

	_, err := handler(context.Background(), "tools/list", nil)
	assert.ErrorIs(t, err, boom)
	out := buf.String()
	assert.Contains(t, out, `"msg":"mcp: request failed"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.NotContains(t, out, `"tool"`)
}

func TestMCPLoggingMiddleware_NilLogger(t *testing.T) {
	handler := MCPLoggingMiddleware(nil)(func(context.Context, string, mcp.Request) (mcp.Result, error) {
		return nil, nil
	})
	_, err := handler(context.Background(), "ping", nil)
	assert.NoError(t, err)
}

func TestExtractToolName(t *testing.T) {
	name, err := extractToolName(newMCPTestRequest("connection_status"))
	require.NoError(t, err)
	assert.Equal(t, "connection_status", name)

	tests := []struct {
		name string
		req  mcp.Request
	}{
		{"nil request", nil},
		{"nil params", &mcp.ServerRequest[*mcp.CallToolParamsRaw]{}},
		{"empty name", newMCPTestRequest("")},
		{"wrong params type", &mcp.ServerRequest[*mcp.ListToolsParams]{Params: &mcp.ListToolsParams{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := extractToolName(tt.req)
			assert.Error(t, err)
		})
	}
}
