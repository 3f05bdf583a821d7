package platform

import (
	"database/sql"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/txn2/mcp-portainer/pkg/audit"
	"github.com/txn2/mcp-portainer/pkg/transport"
)

// Options configures the platform.
type Options struct {
	// Logger (optional, slog.Default when nil).
	Logger *slog.Logger

	// DB connection (optional, opened from database.dsn when nil).
	DB *sql.DB

	// AuditLogger (optional, created from config when nil).
	AuditLogger audit.Logger

	// Engine (optional, the default tool set when nil).
	Engine transport.EngineFactory

	// Clock drives the session cycles and the connector monitor.
	Clock clockwork.Clock
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(l audit.Logger) Option {
	return func(o *Options) {
		o.AuditLogger = l
	}
}

// WithEngine sets the RPC engine factory.
func WithEngine(f transport.EngineFactory) Option {
	return func(o *Options) {
		o.Engine = f
	}
}

// WithClock sets the clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}
