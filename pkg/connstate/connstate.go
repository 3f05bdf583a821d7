// Package connstate tracks the lifecycle of the outbound connection to the
// downstream container platform. It performs no I/O; connectors drive it and
// observers subscribe to it.
package connstate

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State is the downstream connection state.
type State string

// Connection states.
const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Error        State = "error"
)

// DefaultHistorySize is the transition history capacity when none is set.
const DefaultHistorySize = 50

// ErrInvalidTransition is returned for a transition not allowed from the
// current state.
var ErrInvalidTransition = errors.New("invalid connection state transition")

// Log attribute keys.
const (
	logKeyFrom  = "from"
	logKeyTo    = "to"
	logKeyPanic = "panic"
	logKeyError = "error"
)

// validTransitions lists the allowed edges. Besides the happy path,
// connecting may end in error (the attempt failed) or disconnected (the
// attempt was abandoned).
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Error, Disconnected},
	Connected:    {Disconnected, Error},
	Error:        {Connecting, Disconnected},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Listener observes transitions. client is the downstream handle supplied
// with the transition (zero value when absent) and err the failure, if any.
type Listener[C any] func(state State, client C, err error)

type listenerEntry[C any] struct {
	id uint64
	fn Listener[C]
}

// Transition is one history entry.
type Transition struct {
	From State
	To   State
	At   time.Time
	Err  error
}

// Stats is a diagnostic snapshot.
type Stats struct {
	State         State
	ListenerCount int
	HistoryLength int
	LastError     error
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	historySize int
	clock       clockwork.Clock
	logger      *slog.Logger
}

// WithHistorySize sets the ring buffer capacity.
func WithHistorySize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.historySize = n
		}
	}
}

// WithClock sets the clock used for history timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger used to report listener panics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Manager is the connection state machine. C is the downstream client type.
type Manager[C any] struct {
	mu        sync.RWMutex
	state     State
	client    C
	lastErr   error
	listeners []listenerEntry[C]
	nextID    uint64
	history   *ring
	clock     clockwork.Clock
	logger    *slog.Logger
}

// New creates a Manager in the Disconnected state.
func New[C any](opts ...Option) *Manager[C] {
	o := options{
		historySize: DefaultHistorySize,
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager[C]{
		state:   Disconnected,
		history: newRing(o.historySize),
		clock:   o.clock,
		logger:  o.logger,
	}
}

// Transition moves to state. A transition to the current state is a no-op.
// Listeners run synchronously in registration order after the state is
// updated, outside the lock so they may read the manager.
func (m *Manager[C]) Transition(state State, client C, err error) error {
	m.mu.Lock()
	from := m.state
	if from == state {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, state) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, state)
	}

	m.state = state
	m.client = client
	if err != nil {
		m.lastErr = err
	}
	m.history.push(Transition{From: from, To: state, At: m.clock.Now(), Err: err})

	listeners := make([]Listener[C], 0, len(m.listeners))
	for _, e := range m.listeners {
		listeners = append(listeners, e.fn)
	}
	m.mu.Unlock()

	m.logger.Debug("connstate: transition", logKeyFrom, from, logKeyTo, state)
	for _, l := range listeners {
		m.notify(l, state, client, err)
	}
	return nil
}

func (m *Manager[C]) notify(l Listener[C], state State, client C, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connstate: listener panicked",
				logKeyTo, state, logKeyPanic, fmt.Sprint(r), logKeyError, err)
		}
	}()
	l(state, client, err)
}

// OnChange registers a listener and returns a function that removes it.
func (m *Manager[C]) OnChange(l Listener[C]) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners = append(m.listeners, listenerEntry[C]{id: id, fn: l})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.listeners = slices.DeleteFunc(m.listeners, func(e listenerEntry[C]) bool {
				return e.id == id
			})
			m.mu.Unlock()
		})
	}
}

// State returns the current state.
func (m *Manager[C]) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Client returns the handle supplied with the last transition.
func (m *Manager[C]) Client() C {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// History returns the recorded transitions, oldest first.
func (m *Manager[C]) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history.items()
}

// Stats returns a diagnostic snapshot.
func (m *Manager[C]) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		State:         m.state,
		ListenerCount: len(m.listeners),
		HistoryLength: m.history.len(),
		LastError:     m.lastErr,
	}
}
