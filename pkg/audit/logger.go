// Package audit records session lifecycle events: creation, termination,
// expiry, heartbeat failure, shutdown and admission rejection.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Summarizer is implemented by loggers that can aggregate events.
type Summarizer interface {
	// Summary counts events by type.
	Summary(ctx context.Context, filter QueryFilter) (Summary, error)
}

// Event represents one session lifecycle event.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	Transport  string    `json:"transport"`
	Reason     string    `json:"reason,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	SessionID string
	Transport string
	Type      EventType
	Limit     int
	Offset    int
}

// Summary is the number of events per type.
type Summary map[EventType]int

// Config configures audit logging.
type Config struct {
	Enabled       bool
	RetentionDays int
}

// NoopLogger discards every event.
type NoopLogger struct{}

// Log implements Logger.
func (NoopLogger) Log(context.Context, Event) error { return nil }

// Query implements Logger.
func (NoopLogger) Query(context.Context, QueryFilter) ([]Event, error) { return nil, nil }

// Close implements Logger.
func (NoopLogger) Close() error { return nil }

// Verify interface compliance.
var _ Logger = NoopLogger{}
