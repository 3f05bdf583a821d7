package transport

import "sync"

// Event is a transport lifecycle event.
type Event int

const (
	// EventInitialized is published once, when the session's initialize
	// request arrives and before it reaches the engine.
	EventInitialized Event = iota

	// EventClosed is published once, when the transport closes.
	EventClosed
)

func (e Event) String() string {
	switch e {
	case EventInitialized:
		return "initialized"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Hook handles a lifecycle event. An error from an EventInitialized hook
// aborts initialization; errors from EventClosed hooks are only logged.
type Hook func(c *Conn) error

type events struct {
	mu    sync.Mutex
	hooks map[Event][]Hook
	fired map[Event]bool
}

func (e *events) subscribe(ev Event, h Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hooks == nil {
		e.hooks = make(map[Event][]Hook)
	}
	e.hooks[ev] = append(e.hooks[ev], h)
}

// claim marks ev as fired and returns its hooks, or false when it already
// fired.
func (e *events) claim(ev Event) ([]Hook, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired == nil {
		e.fired = make(map[Event]bool)
	}
	if e.fired[ev] {
		return nil, false
	}
	e.fired[ev] = true
	return append([]Hook(nil), e.hooks[ev]...), true
}

func (e *events) hasFired(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired[ev]
}
