// Package transport holds the connection core shared by the streamable and
// legacy SSE transports. A Conn is the engine's view of one session: it
// implements mcp.Transport and mcp.Connection, tracks in-flight calls with a
// requests.Manager and routes every outgoing message to the HTTP stream that
// should carry it.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-portainer/pkg/protocol"
	"github.com/txn2/mcp-portainer/pkg/requests"
	"github.com/txn2/mcp-portainer/pkg/session"
)

var (
	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = errors.New("transport closed")

	// ErrAlreadyConnected is returned when an engine connects twice.
	ErrAlreadyConnected = errors.New("transport already connected")

	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("session already initialized")

	// ErrStreamConflict is returned when a standalone stream is already open.
	ErrStreamConflict = errors.New("standalone stream already open")
)

const (
	logKeySessionID = "session_id"
	logKeyRequestID = "request_id"
	logKeyEvent     = "event"
	logKeyError     = "error"

	incomingBuffer = 16
)

var (
	_ mcp.Transport                 = (*Conn)(nil)
	_ mcp.Connection                = (*Conn)(nil)
	_ session.HeartbeatProber       = (*Conn)(nil)
	_ session.HeartbeatAvailability = (*Conn)(nil)
	_ session.RemoteAddresser       = (*Conn)(nil)
)

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRemoteAddr records the client address.
func WithRemoteAddr(addr string) Option {
	return func(c *Conn) { c.remoteAddr = addr }
}

// WithOwner records the credential owner key of the creating request.
func WithOwner(owner string) Option {
	return func(c *Conn) { c.owner = owner }
}

// WithRequestOptions configures the per-session request manager.
func WithRequestOptions(opts ...requests.Option) Option {
	return func(c *Conn) { c.requestOpts = append(c.requestOpts, opts...) }
}

// Conn is the connection of one session. It is safe for concurrent use.
type Conn struct {
	id         string
	kind       string
	remoteAddr string
	owner      string
	logger     *slog.Logger

	requestOpts []requests.Option
	requests    *requests.Manager
	events      events

	ctx       context.Context
	cancel    context.CancelFunc
	incoming  chan jsonrpc.Message
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	connected   bool
	closed      bool
	standalone  *Stream
	callStreams map[jsonrpc.ID]*Stream
	calls       map[*mcp.RequestExtra]jsonrpc.ID
}

// New creates the connection for session id. kind names the transport.
func New(id, kind string, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:          id,
		kind:        kind,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
		incoming:    make(chan jsonrpc.Message, incomingBuffer),
		done:        make(chan struct{}),
		callStreams: make(map[jsonrpc.ID]*Stream),
		calls:       make(map[*mcp.RequestExtra]jsonrpc.ID),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logKeySessionID, id)

	ropts := append([]requests.Option{requests.WithLogger(c.logger)}, c.requestOpts...)
	ropts = append(ropts, requests.WithNotifier(requests.NotifierFunc(c.deliverProgress)))
	c.requests = requests.NewManager(ropts...)
	return c
}

// SessionID implements mcp.Connection.
func (c *Conn) SessionID() string { return c.id }

// Kind returns the transport name.
func (c *Conn) Kind() string { return c.kind }

// Owner returns the owner key recorded at creation.
func (c *Conn) Owner() string { return c.owner }

// RemoteAddr returns the client address recorded at creation.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Requests returns the session's request manager.
func (c *Conn) Requests() *requests.Manager { return c.requests }

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// On subscribes h to a lifecycle event.
func (c *Conn) On(ev Event, h Hook) { c.events.subscribe(ev, h) }

// Connect implements mcp.Transport. A Conn serves a single engine.
func (c *Conn) Connect(context.Context) (mcp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.connected {
		return nil, ErrAlreadyConnected
	}
	c.connected = true
	return c, nil
}

// Initialize publishes EventInitialized. It must run before the initialize
// request is delivered so the session is resolvable before any response is
// written. The first hook error aborts and is returned.
func (c *Conn) Initialize() error {
	hooks, ok := c.events.claim(EventInitialized)
	if !ok {
		return ErrAlreadyInitialized
	}
	for _, h := range hooks {
		if err := h(c); err != nil {
			return fmt.Errorf("initializing session %s: %w", c.id, err)
		}
	}
	c.logger.Debug("transport: initialized", logKeyEvent, EventInitialized.String())
	return nil
}

// Initialized reports whether Initialize has run.
func (c *Conn) Initialized() bool { return c.events.hasFired(EventInitialized) }

// Read implements mcp.Connection.
func (c *Conn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver hands client messages to the engine in order. Calls are registered
// with the request manager first and bound to s, which then carries their
// responses; with a nil s responses go to the standalone stream. A call id
// that is already in flight rejects the whole batch before anything is
// delivered. header, when set, is exposed to engine handlers. Each call gets
// its own mcp.RequestExtra, which CallContext uses to find the call again.
func (c *Conn) Deliver(msgs []jsonrpc.Message, header http.Header, s *Stream) error {
	if c.isClosed() {
		return ErrClosed
	}

	var tracked []jsonrpc.ID
	for _, msg := range msgs {
		req, ok := msg.(*jsonrpc.Request)
		if !ok {
			continue
		}
		extra := &mcp.RequestExtra{Header: header}
		if header != nil || req.IsCall() {
			req.Extra = extra
		}
		switch {
		case req.Method == protocol.MethodNotifyCancelled:
			c.applyCancellation(req)
		case req.IsCall():
			if _, err := c.requests.Register(c.ctx, req.ID, req.Method, progressToken(req.Params)); err != nil {
				for _, id := range tracked {
					c.untrack(id)
				}
				return err
			}
			tracked = append(tracked, req.ID)
			c.mu.Lock()
			c.calls[extra] = req.ID
			if s != nil {
				c.callStreams[req.ID] = s
			}
			c.mu.Unlock()
		}
	}

	for _, msg := range msgs {
		select {
		case c.incoming <- msg:
		case <-c.done:
			return ErrClosed
		}
	}
	return nil
}

func (c *Conn) untrack(id jsonrpc.ID) {
	c.requests.Unregister(id)
	c.mu.Lock()
	delete(c.callStreams, id)
	c.forgetCallLocked(id)
	c.mu.Unlock()
}

// forgetCallLocked drops the binding of a call the engine answered without
// running middleware, such as an unknown method.
func (c *Conn) forgetCallLocked(id jsonrpc.ID) {
	for extra, cid := range c.calls {
		if cid == id {
			delete(c.calls, extra)
		}
	}
}

// CallContext returns engine middleware that runs each call under the
// context the request manager issued for it. Handlers then stop on client
// cancellation with requests.ErrCancelled and on session close with
// requests.ErrShutdown as the cause. Values of the engine's context are kept;
// its cancellation is not, since both of its sources also reach the request
// manager first.
func (c *Conn) CallContext() mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			extra := req.GetExtra()
			c.mu.Lock()
			id, ok := c.calls[extra]
			delete(c.calls, extra)
			c.mu.Unlock()
			if !ok {
				return next(ctx, method, req)
			}
			rctx, ok := c.requests.Context(id)
			if !ok {
				rctx = c.ctx
			}

			callCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
			stop := context.AfterFunc(rctx, func() { cancel(context.Cause(rctx)) })
			defer func() {
				stop()
				cancel(nil)
			}()
			return next(callCtx, method, req)
		}
	}
}

// applyCancellation cancels the target call and releases its stream. The
// notification is still forwarded so the engine stops the handler.
func (c *Conn) applyCancellation(req *jsonrpc.Request) {
	var p struct {
		RequestID any    `json:"requestId"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.logger.Debug("transport: malformed cancellation", logKeyError, err)
		return
	}
	id, err := jsonrpc.MakeID(p.RequestID)
	if err != nil || !id.IsValid() {
		return
	}
	if !c.requests.HandleCancellation(id, p.Reason) {
		return
	}

	c.mu.Lock()
	s := c.callStreams[id]
	delete(c.callStreams, id)
	c.mu.Unlock()
	if s != nil {
		s.Release(id)
	}
}

// Write implements mcp.Connection. Responses go to the stream of their call
// and are dropped when the call was cancelled. Progress notifications pass
// through the request manager's throttle. Everything else goes to the
// standalone stream. Delivery failures are logged and not returned: a lost
// stream does not break the session.
func (c *Conn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if c.isClosed() {
		return ErrClosed
	}

	switch m := msg.(type) {
	case *jsonrpc.Response:
		c.writeResponse(m)
		return nil
	case *jsonrpc.Request:
		if m.Method == protocol.MethodNotifyProgress && !m.IsCall() {
			c.writeProgress(ctx, m)
			return nil
		}
	}

	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	s := c.standaloneStream()
	if s == nil {
		c.logger.Debug("transport: no standalone stream, message dropped")
		return nil
	}
	if err := s.Send(data, jsonrpc.ID{}); err != nil {
		c.logger.Debug("transport: standalone delivery failed", logKeyError, err)
	}
	return nil
}

func (c *Conn) writeResponse(m *jsonrpc.Response) {
	if _, active := c.requests.Get(m.ID); !active {
		c.logger.Debug("transport: response for cancelled or unknown request dropped",
			logKeyRequestID, m.ID.Raw())
		return
	}
	c.requests.Unregister(m.ID)

	c.mu.Lock()
	c.forgetCallLocked(m.ID)
	s, ok := c.callStreams[m.ID]
	delete(c.callStreams, m.ID)
	if !ok {
		s = c.standalone
	}
	c.mu.Unlock()

	if s == nil {
		c.logger.Warn("transport: no stream for response", logKeyRequestID, m.ID.Raw())
		return
	}
	data, err := jsonrpc.EncodeMessage(m)
	if err != nil {
		s.Release(m.ID)
		c.logger.Error("transport: encoding response failed", logKeyRequestID, m.ID.Raw(), logKeyError, err)
		return
	}
	if err := s.Send(data, m.ID); err != nil {
		c.logger.Debug("transport: response delivery failed", logKeyRequestID, m.ID.Raw(), logKeyError, err)
	}
}

func (c *Conn) writeProgress(ctx context.Context, m *jsonrpc.Request) {
	var params mcp.ProgressNotificationParams
	if err := json.Unmarshal(m.Params, &params); err != nil {
		c.logger.Warn("transport: malformed progress notification", logKeyError, err)
		return
	}
	c.requests.SendProgress(ctx, params.ProgressToken, requests.Progress{
		Progress: params.Progress,
		Total:    params.Total,
		Message:  params.Message,
	})
}

// deliverProgress is the request manager's notifier. It writes to the
// stream of the call that owns the token.
func (c *Conn) deliverProgress(_ context.Context, params *mcp.ProgressNotificationParams) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	data, err := jsonrpc.EncodeMessage(&jsonrpc.Request{Method: protocol.MethodNotifyProgress, Params: raw})
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}

	s := c.standaloneStream()
	if id, ok := c.requests.RequestForToken(params.ProgressToken); ok {
		c.mu.Lock()
		if cs, bound := c.callStreams[id]; bound {
			s = cs
		}
		c.mu.Unlock()
	}
	if s == nil {
		return errors.New("no stream for progress notification")
	}
	return s.Send(data, jsonrpc.ID{})
}

// OpenStandalone installs w as the session's server-push stream. A second
// stream while one is open fails with ErrStreamConflict.
func (c *Conn) OpenStandalone(w *protocol.EventWriter) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.standalone != nil && !c.standalone.Closed() {
		return nil, ErrStreamConflict
	}
	s := NewStream(w)
	c.standalone = s
	return s, nil
}

// ReleaseStandalone closes s and detaches it if it is still the standalone
// stream.
func (c *Conn) ReleaseStandalone(s *Stream) {
	s.Close()
	c.mu.Lock()
	if c.standalone == s {
		c.standalone = nil
	}
	c.mu.Unlock()
}

func (c *Conn) standaloneStream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.standalone
}

// CanHeartbeat reports whether a server-push stream is open to probe.
func (c *Conn) CanHeartbeat() bool {
	return c.standaloneStream() != nil
}

// Heartbeat writes a ping comment on the standalone stream. It reports false
// when there is no stream, the write fails or ctx ends first. A ping still
// stuck when ctx ends aborts the stream: its framing is no longer known.
func (c *Conn) Heartbeat(ctx context.Context) bool {
	s := c.standaloneStream()
	if s == nil || s.Closed() {
		return false
	}
	res := make(chan error, 1)
	go func() { res <- s.Ping(ctx) }()
	select {
	case err := <-res:
		return err == nil
	case <-ctx.Done():
		s.Abort()
		c.logger.Debug("transport: heartbeat timed out, stream aborted", logKeyError, ctx.Err())
		return false
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements mcp.Connection. It cancels every tracked request, ends
// all streams and publishes EventClosed. Only the first call has effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		streams := make([]*Stream, 0, len(c.callStreams)+1)
		if c.standalone != nil {
			streams = append(streams, c.standalone)
		}
		for _, s := range c.callStreams {
			streams = append(streams, s)
		}
		c.standalone = nil
		c.callStreams = make(map[jsonrpc.ID]*Stream)
		c.calls = make(map[*mcp.RequestExtra]jsonrpc.ID)
		c.mu.Unlock()

		close(c.done)
		c.cancel()
		c.requests.Clear()
		for _, s := range streams {
			s.Abort()
		}

		hooks, _ := c.events.claim(EventClosed)
		for _, h := range hooks {
			if err := h(c); err != nil {
				c.logger.Warn("transport: close hook failed", logKeyError, err)
			}
		}
		c.logger.Debug("transport: closed", logKeyEvent, EventClosed.String())
	})
	return nil
}

// progressToken extracts params._meta.progressToken, or nil.
func progressToken(params json.RawMessage) any {
	if len(params) == 0 {
		return nil
	}
	var p struct {
		Meta struct {
			ProgressToken any `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil
	}
	return p.Meta.ProgressToken
}
