package audit

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity bounds MemoryLogger when no capacity is given.
const DefaultMemoryCapacity = 1000

// MemoryLogger keeps the most recent events in memory.
type MemoryLogger struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewMemoryLogger creates a MemoryLogger holding at most capacity events.
func NewMemoryLogger(capacity int) *MemoryLogger {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryLogger{capacity: capacity}
}

// Log records an audit event, evicting the oldest when full.
func (l *MemoryLogger) Log(_ context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) >= l.capacity {
		copy(l.events, l.events[1:])
		l.events = l.events[:len(l.events)-1]
	}
	l.events = append(l.events, event)
	return nil
}

// Query retrieves audit events matching the filter, newest first.
func (l *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0)
	skipped := 0
	for i := len(l.events) - 1; i >= 0; i-- {
		e := l.events[i]
		if !filter.Matches(e) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Summary counts events by type.
func (l *MemoryLogger) Summary(_ context.Context, filter QueryFilter) (Summary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := make(Summary)
	for _, e := range l.events {
		if filter.Matches(e) {
			s[e.Type]++
		}
	}
	return s, nil
}

// Close releases resources.
func (*MemoryLogger) Close() error { return nil }

// Verify interface compliance.
var (
	_ Logger     = (*MemoryLogger)(nil)
	_ Summarizer = (*MemoryLogger)(nil)
)
