package protocol

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

type contextKey int

const (
	messagesKey contextKey = iota
	versionKey
)

// Messages is a validated, decoded request body.
type Messages struct {
	// Items holds the decoded messages in body order.
	Items []jsonrpc.Message

	// Batch is true when the body was a JSON array.
	Batch bool
}

// HasInitialize reports whether any message is an initialize request.
func (m *Messages) HasInitialize() bool {
	for _, msg := range m.Items {
		if req, ok := msg.(*jsonrpc.Request); ok && req.Method == MethodInitialize {
			return true
		}
	}
	return false
}

// HasCalls reports whether any message expects a response.
func (m *Messages) HasCalls() bool {
	for _, msg := range m.Items {
		if req, ok := msg.(*jsonrpc.Request); ok && req.IsCall() {
			return true
		}
	}
	return false
}

// WithMessages stores decoded messages in the context.
func WithMessages(ctx context.Context, m *Messages) context.Context {
	return context.WithValue(ctx, messagesKey, m)
}

// MessagesFromContext returns the decoded messages, or nil.
func MessagesFromContext(ctx context.Context) *Messages {
	m, _ := ctx.Value(messagesKey).(*Messages)
	return m
}

// WithVersion stores the negotiated protocol version in the context.
func WithVersion(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, versionKey, v)
}

// VersionFromContext returns the protocol version, or DefaultProtocolVersion.
func VersionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(versionKey).(string); ok && v != "" {
		return v
	}
	return DefaultProtocolVersion
}
