package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/txn2/mcp-portainer/pkg/audit"
)

// Log attribute keys.
const (
	logKeySessionID = "session_id"
	logKeyKind      = "transport"
	logKeyReason    = "reason"
	logKeyError     = "error"
	logKeyActive    = "active"
	logKeyMax       = "max"
	logKeyMissed    = "missed"
)

const auditTimeout = 5 * time.Second

// Option configures a Manager.
type Option func(*options)

type options struct {
	clock    clockwork.Clock
	logger   *slog.Logger
	audit    audit.Logger
	observer Observer
}

// WithClock sets the clock used for activity tracking and cycle timers.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAudit records lifecycle events to l.
func WithAudit(l audit.Logger) Option {
	return func(o *options) { o.audit = l }
}

// WithObserver sets the lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

type entry[T Transport] struct {
	id           string
	transport    T
	createdAt    time.Time
	lastActivity time.Time
	missed       int
}

// Manager tracks the sessions of one transport namespace. It is safe for
// concurrent use.
type Manager[T Transport] struct {
	kind string
	cfg  Config

	mu       sync.RWMutex
	sessions map[string]*entry[T]
	closed   bool

	clock    clockwork.Clock
	logger   *slog.Logger
	audit    audit.Logger
	observer Observer

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager creates a Manager. kind names the transport namespace in logs,
// metrics and audit records.
func NewManager[T Transport](kind string, cfg Config, opts ...Option) *Manager[T] {
	o := options{
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		audit:    audit.NoopLogger{},
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager[T]{
		kind:     kind,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*entry[T]),
		clock:    o.clock,
		logger:   o.logger.With(logKeyKind, kind),
		audit:    o.audit,
		observer: o.observer,
	}
}

// Kind returns the namespace name.
func (m *Manager[T]) Kind() string { return m.kind }

// Add admits a session. It returns false without error when the manager is
// at capacity or shut down; existing sessions are never evicted. An invalid
// identifier returns ErrInvalidID and a live one ErrDuplicateID.
func (m *Manager[T]) Add(id string, t T) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Warn("session: rejected, manager shut down", logKeySessionID, id)
		return false, nil
	}
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		active := len(m.sessions)
		m.mu.Unlock()
		m.logger.Warn("session: rejected, limit reached",
			logKeySessionID, id, logKeyActive, active, logKeyMax, m.cfg.MaxSessions)
		m.observer.SessionRejected(m.kind)
		m.record(audit.NewEvent(audit.EventSessionRejected, id).WithReason("session limit reached"), t)
		return false, nil
	}

	now := m.clock.Now()
	m.sessions[id] = &entry[T]{
		id:           id,
		transport:    t,
		createdAt:    now,
		lastActivity: now,
	}
	active := len(m.sessions)
	m.mu.Unlock()

	m.logger.Debug("session: created", logKeySessionID, id, logKeyActive, active)
	m.observer.SessionAdded(m.kind)
	m.record(audit.NewEvent(audit.EventSessionCreated, id), t)
	return true, nil
}

// Get returns the transport of a live session and counts the lookup as
// activity: the idle timer and missed heartbeat counter are reset.
func (m *Manager[T]) Get(id string) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		var zero T
		return zero, false
	}
	m.touchLocked(e)
	return e.transport, true
}

// Touch records activity without fetching the transport.
func (m *Manager[T]) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if ok {
		m.touchLocked(e)
	}
	return ok
}

func (m *Manager[T]) touchLocked(e *entry[T]) {
	if now := m.clock.Now(); now.After(e.lastActivity) {
		e.lastActivity = now
	}
	e.missed = 0
}

// Has reports whether id is live without counting as activity.
func (m *Manager[T]) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// Remove forgets a session that was terminated by its transport. It does not
// close the transport. It reports whether the session was live.
func (m *Manager[T]) Remove(id string) bool {
	e, ok := m.detach(id, nil)
	if !ok {
		return false
	}
	m.finish(e, ReasonTerminated, false)
	return true
}

// detach removes id from the map. When want is non-nil the removal only
// happens if the live entry is still want, so a cycle acting on a stale
// snapshot cannot remove a replacement.
func (m *Manager[T]) detach(id string, want *entry[T]) (*entry[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || (want != nil && e != want) {
		return nil, false
	}
	delete(m.sessions, id)
	return e, true
}

// finish runs after a successful detach. Only the caller that detached an
// entry reaches here, so each transport is closed at most once.
func (m *Manager[T]) finish(e *entry[T], reason Reason, closeTransport bool) {
	if closeTransport {
		if err := e.transport.Close(); err != nil {
			m.logger.Warn("session: transport close failed",
				logKeySessionID, e.id, logKeyReason, reason, logKeyError, err)
		}
	}

	m.logger.Info("session: removed", logKeySessionID, e.id, logKeyReason, reason)
	m.observer.SessionRemoved(m.kind, reason)

	ev := audit.NewEvent(eventTypeFor(reason), e.id).WithLifetime(m.clock.Since(e.createdAt))
	m.record(ev, e.transport)
}

func eventTypeFor(r Reason) audit.EventType {
	switch r {
	case ReasonExpired:
		return audit.EventSessionExpired
	case ReasonHeartbeatFailure:
		return audit.EventSessionHeartbeatFailure
	case ReasonShutdown:
		return audit.EventSessionShutdown
	default:
		return audit.EventSessionTerminated
	}
}

func (m *Manager[T]) record(ev *audit.Event, t T) {
	ev.WithTransport(m.kind)
	if ra, ok := any(t).(RemoteAddresser); ok {
		ev.WithRemoteAddr(ra.RemoteAddr())
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := m.audit.Log(ctx, *ev); err != nil {
		m.logger.Warn("session: audit log failed", logKeySessionID, ev.SessionID, logKeyError, err)
	}
}

// Len returns the number of live sessions.
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns a snapshot of all live sessions.
func (m *Manager[T]) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, Info{
			ID:               e.id,
			CreatedAt:        e.createdAt,
			LastActivity:     e.lastActivity,
			MissedHeartbeats: e.missed,
		})
	}
	return out
}

// Stats returns a snapshot of the manager.
func (m *Manager[T]) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Kind:        m.kind,
		Active:      len(m.sessions),
		MaxSessions: m.cfg.MaxSessions,
		Closed:      m.closed,
	}
}

// CloseAll shuts the manager down: further Adds are refused, the background
// cycles are stopped and every transport is closed. Close failures do not
// stop the sweep; they are logged and returned together.
func (m *Manager[T]) CloseAll() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	all := make([]*entry[T], 0, len(m.sessions))
	for _, e := range m.sessions {
		all = append(all, e)
	}
	m.sessions = make(map[string]*entry[T])
	m.mu.Unlock()

	var result *multierror.Error
	for _, e := range all {
		if err := e.transport.Close(); err != nil {
			m.logger.Warn("session: transport close failed during shutdown",
				logKeySessionID, e.id, logKeyError, err)
			result = multierror.Append(result, fmt.Errorf("closing session %s: %w", e.id, err))
		}
		m.observer.SessionRemoved(m.kind, ReasonShutdown)
		ev := audit.NewEvent(audit.EventSessionShutdown, e.id).WithLifetime(m.clock.Since(e.createdAt))
		m.record(ev, e.transport)
	}

	m.logger.Info("session: manager closed", logKeyActive, len(all))
	return result.ErrorOrNil()
}
