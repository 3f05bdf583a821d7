// Package requests tracks in-flight JSON-RPC calls for one session. It hands
// out cancellation contexts, applies client cancellation notifications and
// throttles progress notifications per progress token.
package requests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultMinProgressInterval is the minimum spacing between two delivered
// progress notifications for the same token.
const DefaultMinProgressInterval = 100 * time.Millisecond

var (
	// ErrDuplicateRequest is returned when an id is already in flight.
	ErrDuplicateRequest = errors.New("request id already in flight")

	// ErrCancelled is the cancellation cause for client cancellations.
	ErrCancelled = errors.New("request cancelled by client")

	// ErrShutdown is the cancellation cause used by Clear.
	ErrShutdown = errors.New("server shutting down")

	errCompleted = errors.New("request completed")
)

const (
	logKeyRequestID = "request_id"
	logKeyMethod    = "method"
	logKeyReason    = "reason"
	logKeyToken     = "progress_token"
	logKeyError     = "error"
)

// Notifier delivers progress notifications to the client.
type Notifier interface {
	NotifyProgress(ctx context.Context, params *mcp.ProgressNotificationParams) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, params *mcp.ProgressNotificationParams) error

// NotifyProgress implements Notifier.
func (f NotifierFunc) NotifyProgress(ctx context.Context, params *mcp.ProgressNotificationParams) error {
	return f(ctx, params)
}

// Observer receives request lifecycle signals, typically for metrics.
type Observer interface {
	RequestStarted(method string)
	RequestFinished(method string, cancelled bool)
	ProgressDelivered()
	ProgressThrottled()
}

type nopObserver struct{}

func (nopObserver) RequestStarted(string)        {}
func (nopObserver) RequestFinished(string, bool) {}
func (nopObserver) ProgressDelivered()           {}
func (nopObserver) ProgressThrottled()           {}

// Progress is one progress update. Total and Message are optional.
type Progress struct {
	Progress float64
	Total    float64
	Message  string
}

// Request is a snapshot of an in-flight call.
type Request struct {
	ID            jsonrpc.ID
	Method        string
	ProgressToken any
	StartedAt     time.Time
}

type active struct {
	Request
	tokenKey any
	ctx      context.Context
	cancel   context.CancelCauseFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets the outbound progress channel. Without one, SendProgress
// drops everything.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithMinProgressInterval sets the per-token progress throttle.
func WithMinProgressInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.minInterval = d
		}
	}
}

// WithClock sets the clock used for timestamps and throttling.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// Manager tracks active requests. It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	requests map[jsonrpc.ID]*active
	byToken  map[any]jsonrpc.ID
	lastSent map[any]time.Time

	notifier    Notifier
	minInterval time.Duration
	clock       clockwork.Clock
	logger      *slog.Logger
	observer    Observer
}

// NewManager creates a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		requests:    make(map[jsonrpc.ID]*active),
		byToken:     make(map[any]jsonrpc.ID),
		lastSent:    make(map[any]time.Time),
		minInterval: DefaultMinProgressInterval,
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		observer:    nopObserver{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register tracks a call and returns its cancellation context, derived from
// parent. Registering an id that is already in flight fails with
// ErrDuplicateRequest and leaves the existing request untouched.
func (m *Manager) Register(parent context.Context, id jsonrpc.ID, method string, progressToken any) (context.Context, error) {
	if !id.IsValid() {
		return nil, errors.New("request id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[id]; exists {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateRequest, id.Raw())
	}

	ctx, cancel := context.WithCancelCause(parent)
	a := &active{
		Request: Request{
			ID:            id,
			Method:        method,
			ProgressToken: progressToken,
			StartedAt:     m.clock.Now(),
		},
		ctx:    ctx,
		cancel: cancel,
	}
	if key, ok := NormalizeToken(progressToken); ok {
		a.tokenKey = key
		m.byToken[key] = id
	}
	m.requests[id] = a
	m.observer.RequestStarted(method)
	return ctx, nil
}

// HandleCancellation cancels and removes the request with id. Unknown or
// already finished ids are ignored and report false.
func (m *Manager) HandleCancellation(id jsonrpc.ID, reason string) bool {
	m.mu.Lock()
	a, ok := m.requests[id]
	if ok {
		m.removeLocked(a)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("requests: cancellation for unknown request", logKeyRequestID, id.Raw())
		return false
	}

	cause := ErrCancelled
	if reason != "" {
		cause = fmt.Errorf("%w: %s", ErrCancelled, reason)
	}
	a.cancel(cause)
	m.observer.RequestFinished(a.Method, true)
	m.logger.Debug("requests: cancelled",
		logKeyRequestID, id.Raw(), logKeyMethod, a.Method, logKeyReason, reason)
	return true
}

// Unregister removes a completed request. It is idempotent.
func (m *Manager) Unregister(id jsonrpc.ID) {
	m.mu.Lock()
	a, ok := m.requests[id]
	if ok {
		m.removeLocked(a)
	}
	m.mu.Unlock()

	if ok {
		a.cancel(errCompleted)
		m.observer.RequestFinished(a.Method, false)
	}
}

// Clear cancels every tracked request with ErrShutdown and forgets them.
func (m *Manager) Clear() {
	m.mu.Lock()
	all := make([]*active, 0, len(m.requests))
	for _, a := range m.requests {
		all = append(all, a)
	}
	m.requests = make(map[jsonrpc.ID]*active)
	m.byToken = make(map[any]jsonrpc.ID)
	m.lastSent = make(map[any]time.Time)
	m.mu.Unlock()

	for _, a := range all {
		a.cancel(ErrShutdown)
		m.observer.RequestFinished(a.Method, true)
	}
}

func (m *Manager) removeLocked(a *active) {
	delete(m.requests, a.ID)
	if a.tokenKey != nil {
		if owner, ok := m.byToken[a.tokenKey]; ok && owner == a.ID {
			delete(m.byToken, a.tokenKey)
		}
		delete(m.lastSent, a.tokenKey)
	}
}

// SendProgress delivers a progress notification for token unless no notifier
// is configured, no active request owns token, or a notification for token
// was delivered less than the minimum interval ago. Dropped updates are not
// queued. It reports whether the notification was delivered.
func (m *Manager) SendProgress(ctx context.Context, token any, p Progress) bool {
	if m.notifier == nil {
		return false
	}
	key, ok := NormalizeToken(token)
	if !ok {
		return false
	}

	m.mu.Lock()
	if _, owned := m.byToken[key]; !owned {
		m.mu.Unlock()
		return false
	}
	now := m.clock.Now()
	if last, seen := m.lastSent[key]; seen && now.Sub(last) < m.minInterval {
		m.mu.Unlock()
		m.observer.ProgressThrottled()
		return false
	}
	// Reserve the slot before releasing the lock so concurrent senders for
	// the same token cannot both pass the check.
	prev, hadPrev := m.lastSent[key]
	m.lastSent[key] = now
	m.mu.Unlock()

	params := &mcp.ProgressNotificationParams{
		ProgressToken: token,
		Progress:      p.Progress,
		Total:         p.Total,
		Message:       p.Message,
	}
	if err := m.notifier.NotifyProgress(ctx, params); err != nil {
		m.mu.Lock()
		if cur, ok := m.lastSent[key]; ok && cur.Equal(now) {
			if hadPrev {
				m.lastSent[key] = prev
			} else {
				delete(m.lastSent, key)
			}
		}
		m.mu.Unlock()
		m.logger.Debug("requests: progress delivery failed", logKeyToken, token, logKeyError, err)
		return false
	}
	m.observer.ProgressDelivered()
	return true
}

// Context returns the cancellation context of an active request.
func (m *Manager) Context(id jsonrpc.ID) (context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.requests[id]
	if !ok {
		return nil, false
	}
	return a.ctx, true
}

// Get returns a snapshot of an active request.
func (m *Manager) Get(id jsonrpc.ID) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.requests[id]
	if !ok {
		return Request{}, false
	}
	return a.Request, true
}

// RequestForToken returns the id of the active request owning token.
func (m *Manager) RequestForToken(token any) (jsonrpc.ID, bool) {
	key, ok := NormalizeToken(token)
	if !ok {
		return jsonrpc.ID{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byToken[key]
	return id, ok
}

// Len returns the number of active requests.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// NormalizeToken maps a progress token to a comparable key. Integral numbers
// of any numeric type map to the same int64 key and other finite numbers
// keep their float64 value, so strings never collide with numbers.
func NormalizeToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return normalizeFloat(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		f, err := v.Float64()
		if err != nil {
			return nil, false
		}
		return normalizeFloat(f)
	default:
		return nil, false
	}
}

func normalizeFloat(v float64) (any, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, false
	}
	if math.Trunc(v) == v {
		return int64(v), true
	}
	return v, true
}
