// Package streamable serves the streamable HTTP transport: one endpoint
// where POST carries client messages and returns responses on an event
// stream, GET opens the session's server-push stream and DELETE ends the
// session.
package streamable

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/txn2/mcp-portainer/pkg/protocol"
	"github.com/txn2/mcp-portainer/pkg/requests"
	"github.com/txn2/mcp-portainer/pkg/session"
	"github.com/txn2/mcp-portainer/pkg/transport"
)

// Kind names this transport in logs, metrics and audit records.
const Kind = "streamable"

const (
	logKeySessionID = "session_id"
	logKeyError     = "error"
	logKeyMethod    = "method"
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

// WithLegacy hands GET requests without a session identifier that ask for
// an event stream to the legacy transport.
func WithLegacy(legacy http.Handler) Option {
	return func(h *Handler) { h.legacy = legacy }
}

// WithReservedIDs makes new identifiers avoid those reserved reports as
// taken, typically the live ids of another namespace.
func WithReservedIDs(reserved func(id string) bool) Option {
	return func(h *Handler) { h.reserved = reserved }
}

// WithRequestOptions configures the request manager of every new session.
func WithRequestOptions(opts ...requests.Option) Option {
	return func(h *Handler) { h.requestOpts = append(h.requestOpts, opts...) }
}

// WithMaxBodyBytes bounds POST bodies when the envelope middleware is not
// in front of the handler.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBodyBytes = n }
}

// Handler serves the streamable HTTP transport.
type Handler struct {
	engine       transport.EngineFactory
	sessions     *transport.Sessions
	legacy       http.Handler
	reserved     func(string) bool
	requestOpts  []requests.Option
	maxBodyBytes int64
	logger       *slog.Logger
}

// New creates a Handler that creates engines with engine and keeps its
// sessions in sessions.
func New(engine transport.EngineFactory, sessions *transport.Sessions, opts ...Option) *Handler {
	h := &Handler{
		engine:   engine,
		sessions: sessions,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Sessions returns the session namespace.
func (h *Handler) Sessions() *transport.Sessions { return h.sessions }

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.servePOST(w, r)
	case http.MethodGet:
		h.serveGET(w, r)
	case http.MethodDelete:
		h.serveDELETE(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		protocol.WriteError(w, protocol.NewMethodNotAllowedError(r.Method))
	}
}

func (h *Handler) servePOST(w http.ResponseWriter, r *http.Request) {
	msgs, err := transport.Messages(r, h.maxBodyBytes)
	if err != nil {
		protocol.WriteError(w, err)
		return
	}

	sid := r.Header.Get(protocol.HeaderSessionID)
	if sid == "" {
		if !msgs.HasInitialize() {
			protocol.WriteError(w, protocol.NewSessionRequiredError())
			return
		}
		h.initialize(w, r, msgs)
		return
	}

	conn, ok := h.lookup(w, r, sid)
	if !ok {
		return
	}
	if msgs.HasInitialize() {
		protocol.WriteError(w, protocol.NewInvalidRequestError("session already initialized"))
		return
	}
	h.dispatch(w, r, conn, msgs)
}

// initialize creates a session for an initialize request. The session is
// added to the namespace before the request reaches the engine.
func (h *Handler) initialize(w http.ResponseWriter, r *http.Request, msgs *protocol.Messages) {
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

	if err := transport.Serve(context.WithoutCancel(r.Context()), h.engine(r), conn); err != nil {
		h.logger.Error("streamable: engine connect failed", logKeySessionID, id, logKeyError, err)
		_ = conn.Close()
		protocol.WriteError(w, err)
		return
	}
	if err := conn.Initialize(); err != nil {
		_ = conn.Close()
		if errors.Is(err, errSessionLimit) {
			protocol.WriteError(w, protocol.NewSessionLimitError())
			return
		}
		h.logger.Error("streamable: session registration failed", logKeySessionID, id, logKeyError, err)
		protocol.WriteError(w, err)
		return
	}

	h.logger.Info("streamable: session created", logKeySessionID, id)
	w.Header().Set(protocol.HeaderSessionID, id)
	h.dispatch(w, r, conn, msgs)
}

func (h *Handler) taken(id string) bool {
	return h.sessions.Has(id) || (h.reserved != nil && h.reserved(id))
}

// dispatch delivers the messages of one POST. Without calls the POST is
// acknowledged with 202; otherwise the response is an event stream that
// stays open until every call is answered or released.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, conn *transport.Conn, msgs *protocol.Messages) {
	calls := callIDs(msgs.Items)
	if len(calls) == 0 {
		if err := conn.Deliver(msgs.Items, r.Header, nil); err != nil {
			protocol.WriteError(w, transport.DeliverError(err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ew := protocol.NewEventWriter(w)
	stream := transport.NewStream(ew, calls...)
	defer stream.Close()

	if err := conn.Deliver(msgs.Items, r.Header, stream); err != nil {
		stream.Close()
		if !ew.Started() {
			protocol.WriteError(w, transport.DeliverError(err))
		}
		return
	}
	if err := ew.Start(); err != nil {
		h.logger.Debug("streamable: response stream failed", logKeySessionID, conn.SessionID(), logKeyError, err)
		return
	}

	select {
	case <-stream.Done():
	case <-conn.Done():
	case <-r.Context().Done():
	}
}

func (h *Handler) serveGET(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(protocol.HeaderSessionID)
	if sid == "" {
		sid = r.URL.Query().Get(protocol.QuerySessionID)
	}
	streaming := protocol.Accepts(r.Header.Get("Accept"), protocol.MediaTypeEventStream)
	if sid == "" {
		if h.legacy != nil && streaming {
			h.legacy.ServeHTTP(w, r)
			return
		}
		protocol.WriteError(w, protocol.NewSessionRequiredError())
		return
	}

	conn, ok := h.lookup(w, r, sid)
	if !ok {
		return
	}
	if !streaming {
		protocol.WriteError(w, protocol.NewError(http.StatusNotAcceptable, protocol.CodeInvalidRequest,
			"not acceptable: client must accept text/event-stream"))
		return
	}

	ew := protocol.NewEventWriter(w)
	stream, err := conn.OpenStandalone(ew)
	switch {
	case errors.Is(err, transport.ErrStreamConflict):
		protocol.WriteError(w, protocol.NewConflictError("a server-push stream is already open for this session"))
		return
	case err != nil:
		protocol.WriteError(w, transport.DeliverError(err))
		return
	}
	defer conn.ReleaseStandalone(stream)

	if err := ew.Start(); err != nil {
		return
	}
	h.logger.Debug("streamable: push stream opened", logKeySessionID, sid)

	select {
	case <-stream.Done():
	case <-conn.Done():
	case <-r.Context().Done():
	}
}

func (h *Handler) serveDELETE(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(protocol.HeaderSessionID)
	if sid == "" {
		protocol.WriteError(w, protocol.NewSessionRequiredError())
		return
	}
	conn, ok := h.lookup(w, r, sid)
	if !ok {
		return
	}
	_ = conn.Close()
	h.logger.Info("streamable: session terminated by client", logKeySessionID, sid)
	w.WriteHeader(http.StatusNoContent)
}

// lookup resolves sid and checks the caller may use it, writing the error
// response when not.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request, sid string) (*transport.Conn, bool) {
	conn, ok := h.sessions.Get(sid)
	if !ok {
		h.logger.Debug("streamable: session not found", logKeySessionID, sid, logKeyMethod, r.Method)
		protocol.WriteError(w, protocol.NewSessionNotFoundError())
		return nil, false
	}
	if !transport.OwnerCheck(conn, r) {
		h.logger.Warn("streamable: session owner mismatch", logKeySessionID, sid)
		protocol.WriteError(w, protocol.NewForbiddenError("session belongs to another principal"))
		return nil, false
	}
	return conn, true
}

func callIDs(msgs []jsonrpc.Message) []jsonrpc.ID {
	var ids []jsonrpc.ID
	for _, msg := range msgs {
		if req, ok := msg.(*jsonrpc.Request); ok && req.IsCall() {
			ids = append(ids, req.ID)
		}
	}
	return ids
}
