package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-portainer/pkg/protocol"
	"github.com/txn2/mcp-portainer/pkg/requests"
	"github.com/txn2/mcp-portainer/pkg/session"
)

// EngineFactory returns a fresh engine for a new session. The request is the
// one that created the session.
type EngineFactory func(r *http.Request) *mcp.Server

// Sessions is the session namespace of one transport.
type Sessions = session.Manager[*Conn]

// Serve connects engine to c. Engine handlers run under the context c's
// request manager issued for their call.
func Serve(ctx context.Context, engine *mcp.Server, c *Conn) error {
	engine.AddReceivingMiddleware(c.CallContext())
	_, err := engine.Connect(ctx, c, nil)
	return err
}

// DeliverError maps a Deliver failure to its HTTP error.
func DeliverError(err error) *protocol.Error {
	switch {
	case errors.Is(err, requests.ErrDuplicateRequest):
		return protocol.NewInvalidRequestError("request id already in flight")
	case errors.Is(err, ErrClosed):
		return protocol.NewSessionNotFoundError()
	default:
		return protocol.NewInternalError()
	}
}

// Messages returns the body decoded by the envelope middleware, decoding it
// here when the middleware did not run.
func Messages(r *http.Request, maxBytes int64) (*protocol.Messages, error) {
	if msgs := protocol.MessagesFromContext(r.Context()); msgs != nil {
		return msgs, nil
	}
	return protocol.ReadBody(nil, r, maxBytes)
}

// OwnerCheck reports whether r may use c. Sessions created with credentials
// are bound to them.
func OwnerCheck(c *Conn, r *http.Request) bool {
	return session.OwnerMatches(c.Owner(), r)
}
