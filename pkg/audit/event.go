package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events.
type EventType string

const (
	// EventSessionCreated is recorded when a session is admitted.
	EventSessionCreated EventType = "created"

	// EventSessionTerminated is recorded on explicit close by the client.
	EventSessionTerminated EventType = "terminated"

	// EventSessionExpired is recorded when the cleanup cycle reaps an idle
	// session.
	EventSessionExpired EventType = "expired"

	// EventSessionHeartbeatFailure is recorded when the keep-alive cycle
	// gives up on a session.
	EventSessionHeartbeatFailure EventType = "heartbeat_failure"

	// EventSessionShutdown is recorded for sessions closed by server
	// shutdown.
	EventSessionShutdown EventType = "shutdown"

	// EventSessionRejected is recorded when admission control refuses a
	// session.
	EventSessionRejected EventType = "rejected"
)

// NewEvent creates a new audit event.
func NewEvent(typ EventType, sessionID string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      typ,
		SessionID: sessionID,
	}
}

// WithTransport sets the transport kind.
func (e *Event) WithTransport(transport string) *Event {
	e.Transport = transport
	return e
}

// WithReason sets a free-form reason.
func (e *Event) WithReason(reason string) *Event {
	e.Reason = reason
	return e
}

// WithLifetime records how long the session lived.
func (e *Event) WithLifetime(d time.Duration) *Event {
	e.DurationMS = d.Milliseconds()
	return e
}

// WithRemoteAddr sets the client address.
func (e *Event) WithRemoteAddr(addr string) *Event {
	e.RemoteAddr = addr
	return e
}

// WithTimestamp overrides the event time.
func (e *Event) WithTimestamp(ts time.Time) *Event {
	e.Timestamp = ts.UTC()
	return e
}

// Matches reports whether the event satisfies filter, ignoring paging.
func (f QueryFilter) Matches(e Event) bool {
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Transport != "" && e.Transport != f.Transport {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return true
}
