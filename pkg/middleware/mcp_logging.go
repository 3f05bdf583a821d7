// Package middleware provides MCP protocol-level middleware for the RPC
// engine.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const methodToolsCall = "tools/call"

// MCPLoggingMiddleware logs every method the engine handles with its
// duration. Failures are logged at warn, everything else at debug.
func MCPLoggingMiddleware(logger *slog.Logger) mcp.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			start := time.Now()
			result, err := next(ctx, method, req)

			attrs := []any{"method", method, "duration_ms", time.Since(start).Milliseconds()}
			if method == methodToolsCall {
				if name, nameErr := extractToolName(req); nameErr == nil {
					attrs = append(attrs, "tool", name)
				}
			}

			switch {
			case err != nil:
				logger.Warn("mcp: request failed", append(attrs, "error", err)...)
			case isToolError(result):
				logger.Warn("mcp: tool returned an error", attrs...)
			default:
				logger.Debug("mcp: request handled", attrs...)
			}
			return result, err
		}
	}
}

// extractToolName extracts the tool name from a tools/call request.
func extractToolName(req mcp.Request) (string, error) {
	if req == nil {
		return "", fmt.Errorf("missing request")
	}
	params := req.GetParams()
	if params == nil {
		return "", fmt.Errorf("missing params")
	}

	callParams, ok := params.(*mcp.CallToolParamsRaw)
	if !ok {
		return "", fmt.Errorf("unexpected params type: %T", params)
	}
	// The assertion succeeds for a typed nil.
	if callParams == nil {
		return "", fmt.Errorf("missing params")
	}
	if callParams.Name == "" {
		return "", fmt.Errorf("missing tool name")
	}
	return callParams.Name, nil
}

func isToolError(result mcp.Result) bool {
	r, ok := result.(*mcp.CallToolResult)
	return ok && r != nil && r.IsError
}
