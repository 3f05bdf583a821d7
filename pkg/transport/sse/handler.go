// Package sse serves the legacy two-endpoint SSE transport. A GET on the
// stream endpoint creates a session and announces the message endpoint in
// an "endpoint" event; clients POST messages there with the session id in
// the query string and read every reply from the stream.
package sse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/yosida95/uritemplate/v3"

	"github.com/txn2/mcp-portainer/pkg/protocol"
	"github.com/txn2/mcp-portainer/pkg/requests"
	"github.com/txn2/mcp-portainer/pkg/session"
	"github.com/txn2/mcp-portainer/pkg/transport"
)

// Kind names this transport in logs, metrics and audit records.
const Kind = "sse"

// EventEndpoint is the first event on every legacy stream.
const EventEndpoint = "endpoint"

// endpointTemplate expands to the message URL of one session.
const endpointTemplate = "{+path}{?sessionId}"

const (
	logKeySessionID = "session_id"
	logKeyError     = "error"
)

var errSessionLimit = errors.New("session limit reached")

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithReservedIDs makes new identifiers avoid those reserved reports as
// taken.
func WithReservedIDs(reserved func(id string) bool) Option {
	return func(h *Handler) { h.reserved = reserved }
}

// WithRequestOptions configures the request manager of every new session.
func WithRequestOptions(opts ...requests.Option) Option {
	return func(h *Handler) { h.requestOpts = append(h.requestOpts, opts...) }
}

// WithMaxBodyBytes bounds message bodies when the envelope middleware is
// not in front of the handler.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBodyBytes = n }
}

// Handler serves both legacy endpoints.
type Handler struct {
	engine       transport.EngineFactory
	sessions     *transport.Sessions
	messagePath  string
	endpoint     *uritemplate.Template
	reserved     func(string) bool
	requestOpts  []requests.Option
	maxBodyBytes int64
	logger       *slog.Logger
}

// New creates a Handler. messagePath is the absolute path of the message
// endpoint announced to clients.
func New(engine transport.EngineFactory, sessions *transport.Sessions, messagePath string, opts ...Option) (*Handler, error) {
	tmpl, err := uritemplate.New(endpointTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint template: %w", err)
	}
	h := &Handler{
		engine:      engine,
		sessions:    sessions,
		messagePath: messagePath,
		endpoint:    tmpl,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Sessions returns the session namespace.
func (h *Handler) Sessions() *transport.Sessions { return h.sessions }

// StreamHandler serves GET on the stream endpoint.
func (h *Handler) StreamHandler() http.Handler { return http.HandlerFunc(h.serveStream) }

// MessageHandler serves POST on the message endpoint.
func (h *Handler) MessageHandler() http.Handler { return http.HandlerFunc(h.serveMessage) }

// ServeHTTP serves the stream endpoint, so the handler can be handed GETs
// from the streamable endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.serveStream(w, r) }

// EndpointURL returns the message URL announced for session id.
func (h *Handler) EndpointURL(id string) (string, error) {
	vals := uritemplate.Values{}
	vals.Set("path", uritemplate.String(h.messagePath))
	vals.Set("sessionId", uritemplate.String(id))
	return h.endpoint.Expand(vals)
}

// serveStream opens a legacy session. The session is registered and the
// endpoint event written before the engine connects, so the client can start
// posting while the engine is still coming up. The session ends with the
// stream.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		protocol.WriteError(w, protocol.NewMethodNotAllowedError(r.Method))
		return
	}

	id := session.NewID(h.taken)
	conn := transport.New(id, Kind,
		transport.WithLogger(h.logger),
		transport.WithRemoteAddr(r.RemoteAddr),
		transport.WithOwner(session.OwnerFromRequest(r)),
		transport.WithRequestOptions(h.requestOpts...),
	)
	conn.On(transport.EventInitialized, func(c *transport.Conn) error {
		added, err := h.sessions.Add(c.SessionID(), c)
		if err != nil {
			return err
		}
		if !added {
			return errSessionLimit
		}
		return nil
	})
	conn.On(transport.EventClosed, func(c *transport.Conn) error {
		h.sessions.Remove(c.SessionID())
		return nil
	})
	defer func() { _ = conn.Close() }()

	endpoint, err := h.EndpointURL(id)
	if err != nil {
		h.logger.Error("sse: endpoint url", logKeySessionID, id, logKeyError, err)
		protocol.WriteError(w, err)
		return
	}

	ew := protocol.NewEventWriter(w)
	stream, err := conn.OpenStandalone(ew)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}

	if err := conn.Initialize(); err != nil {
		stream.Close()
		if errors.Is(err, errSessionLimit) {
			protocol.WriteError(w, protocol.NewSessionLimitError())
			return
		}
		h.logger.Error("sse: session registration failed", logKeySessionID, id, logKeyError, err)
		protocol.WriteError(w, err)
		return
	}
	if err := ew.WriteEvent(EventEndpoint, []byte(endpoint)); err != nil {
		h.logger.Debug("sse: endpoint event failed", logKeySessionID, id, logKeyError, err)
		return
	}

	if err := transport.Serve(context.WithoutCancel(r.Context()), h.engine(r), conn); err != nil {
		h.logger.Error("sse: engine connect failed", logKeySessionID, id, logKeyError, err)
		return
	}
	h.logger.Info("sse: session created", logKeySessionID, id)

	select {
	case <-stream.Done():
	case <-conn.Done():
	case <-r.Context().Done():
	}
	h.logger.Debug("sse: stream closed", logKeySessionID, id)
}

func (h *Handler) taken(id string) bool {
	return h.sessions.Has(id) || (h.reserved != nil && h.reserved(id))
}

// serveMessage delivers one POST to its session. Calls are acknowledged with
// 202 and answered on the stream; notification-only bodies get 204.
func (h *Handler) serveMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		protocol.WriteError(w, protocol.NewMethodNotAllowedError(r.Method))
		return
	}

	sid := r.URL.Query().Get(protocol.QuerySessionID)
	if sid == "" {
		protocol.WriteError(w, protocol.NewSessionRequiredError())
		return
	}
	conn, ok := h.sessions.Get(sid)
	if !ok {
		h.logger.Debug("sse: session not found", logKeySessionID, sid)
		protocol.WriteError(w, protocol.NewSessionNotFoundError())
		return
	}
	if !transport.OwnerCheck(conn, r) {
		h.logger.Warn("sse: session owner mismatch", logKeySessionID, sid)
		protocol.WriteError(w, protocol.NewForbiddenError("session belongs to another principal"))
		return
	}

	msgs, err := transport.Messages(r, h.maxBodyBytes)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}
	if err := conn.Deliver(msgs.Items, r.Header, nil); err != nil {
		protocol.WriteError(w, transport.DeliverError(err))
		return
	}

	if msgs.HasCalls() {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("Accepted"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Disabled answers every legacy endpoint when the transport is turned off.
func Disabled(modernPath string) http.Handler {
	msg := fmt.Sprintf("legacy SSE transport is disabled; use the streamable HTTP transport at %s", modernPath)
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		protocol.WriteError(w, protocol.NewGoneError(msg))
	})
}
