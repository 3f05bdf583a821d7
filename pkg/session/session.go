// Package session owns the set of live client sessions for one transport.
// It admits sessions up to a configured maximum, tracks activity, and runs
// two background cycles: cleanup, which reaps sessions idle past the timeout
// unless a heartbeat probe shows the connection is still open, and
// keep-alive, which probes every session and reaps those that miss too many
// heartbeats in a row.
package session

import (
	"context"
	"errors"
	"time"
)

// Defaults applied by DefaultConfig.
const (
	DefaultMaxSessions         = 1000
	DefaultTimeout             = 30 * time.Minute
	DefaultCleanupInterval     = time.Minute
	DefaultKeepAliveInterval   = 30 * time.Second
	DefaultMaxMissedHeartbeats = 3
	DefaultHeartbeatTimeout    = 5 * time.Second
	DefaultHeartbeatWorkers    = 16

	// MaxIDLength bounds session identifiers.
	MaxIDLength = 256
)

var (
	// ErrInvalidID is returned for identifiers that are empty, too long or
	// contain characters unsafe in a header or query parameter.
	ErrInvalidID = errors.New("invalid session id")

	// ErrDuplicateID is returned when the identifier is already live.
	ErrDuplicateID = errors.New("session id already in use")
)

// Transport is the connection handle a session owns.
type Transport interface {
	Close() error
}

// HeartbeatProber is implemented by transports that can check whether the
// underlying connection is still alive.
type HeartbeatProber interface {
	Heartbeat(ctx context.Context) bool
}

// HeartbeatAvailability is implemented by probers whose probe support
// changes over time, such as a transport that can only be probed while a
// server-push stream is open. CanHeartbeat false is treated like a transport
// without a probe.
type HeartbeatAvailability interface {
	CanHeartbeat() bool
}

// RemoteAddresser is implemented by transports that know their client
// address. It is only used for audit records.
type RemoteAddresser interface {
	RemoteAddr() string
}

// Reason says why a session was removed.
type Reason string

// Removal reasons.
const (
	ReasonTerminated       Reason = "terminated"
	ReasonExpired          Reason = "expired"
	ReasonHeartbeatFailure Reason = "heartbeat_failure"
	ReasonShutdown         Reason = "shutdown"
)

// Config controls admission and the background cycles. A zero interval
// disables the corresponding cycle.
type Config struct {
	MaxSessions         int
	Timeout             time.Duration
	CleanupInterval     time.Duration
	KeepAliveInterval   time.Duration
	MaxMissedHeartbeats int
	HeartbeatTimeout    time.Duration
	HeartbeatWorkers    int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSessions:         DefaultMaxSessions,
		Timeout:             DefaultTimeout,
		CleanupInterval:     DefaultCleanupInterval,
		KeepAliveInterval:   DefaultKeepAliveInterval,
		MaxMissedHeartbeats: DefaultMaxMissedHeartbeats,
		HeartbeatTimeout:    DefaultHeartbeatTimeout,
		HeartbeatWorkers:    DefaultHeartbeatWorkers,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = d.MaxMissedHeartbeats
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.HeartbeatWorkers <= 0 {
		c.HeartbeatWorkers = d.HeartbeatWorkers
	}
	return c
}

// Info is a snapshot of one session.
type Info struct {
	ID               string
	CreatedAt        time.Time
	LastActivity     time.Time
	MissedHeartbeats int
}

// Stats is a snapshot of the manager.
type Stats struct {
	Kind        string
	Active      int
	MaxSessions int
	Closed      bool
}

// Observer receives session lifecycle signals, typically for metrics.
type Observer interface {
	SessionAdded(kind string)
	SessionRemoved(kind string, reason Reason)
	SessionRejected(kind string)
}

type nopObserver struct{}

func (nopObserver) SessionAdded(string)           {}
func (nopObserver) SessionRemoved(string, Reason) {}
func (nopObserver) SessionRejected(string)        {}

// ValidateID checks that id is non-empty, bounded and made only of
// characters that are safe in a header value and a URL query parameter.
func ValidateID(id string) error {
	if id == "" || len(id) > MaxIDLength {
		return ErrInvalidID
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == '~':
		default:
			return ErrInvalidID
		}
	}
	return nil
}
