// Package postgres stores session audit events in PostgreSQL. The schema
// is applied by pkg/database/migrate.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jonboulle/clockwork"

	"github.com/txn2/mcp-portainer/pkg/audit"
)

const (
	defaultRetentionDays = 30
	// Initial slice capacity for unbounded queries.
	defaultQueryCapacity = 100
	maxQueryCapacity     = 10000

	tableName  = "session_events"
	dateLayout = "2006-01-02"
)

// psq builds statements with $n placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// eventColumns are selected in scan order.
var eventColumns = []string{
	"id", "timestamp", "event_type", "session_id", "transport",
	"reason", "duration_ms", "remote_addr",
}

var insertColumns = append(slices.Clip(eventColumns), "created_date")

// Config configures the store.
type Config struct {
	// RetentionDays is how long events are kept. Zero means 30.
	RetentionDays int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for retention and the cleanup ticker.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements audit.Logger on PostgreSQL.
type Store struct {
	db        *sql.DB
	retention int
	clock     clockwork.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a store on db.
func New(db *sql.DB, cfg Config, opts ...Option) *Store {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	s := &Store{
		db:        db,
		retention: cfg.RetentionDays,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Log inserts one event.
func (s *Store) Log(ctx context.Context, e audit.Event) error {
	_, err := psq.Insert(tableName).
		Columns(insertColumns...).
		Values(e.ID, e.Timestamp, string(e.Type), e.SessionID, e.Transport,
			e.Reason, e.DurationMS, e.RemoteAddr, e.Timestamp.UTC().Format(dateLayout)).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("inserting session event %s: %w", e.ID, err)
	}
	return nil
}

// where narrows a select to the filter.
func where(qb sq.SelectBuilder, f audit.QueryFilter) sq.SelectBuilder {
	conds := sq.And{}
	if f.StartTime != nil {
		conds = append(conds, sq.GtOrEq{"timestamp": *f.StartTime})
	}
	if f.EndTime != nil {
		conds = append(conds, sq.LtOrEq{"timestamp": *f.EndTime})
	}
	eq := sq.Eq{}
	if f.SessionID != "" {
		eq["session_id"] = f.SessionID
	}
	if f.Transport != "" {
		eq["transport"] = f.Transport
	}
	if f.Type != "" {
		eq["event_type"] = string(f.Type)
	}
	if len(eq) > 0 {
		conds = append(conds, eq)
	}
	if len(conds) == 0 {
		return qb
	}
	return qb.Where(conds)
}

// Query returns matching events, newest first.
func (s *Store) Query(ctx context.Context, f audit.QueryFilter) ([]audit.Event, error) {
	qb := where(psq.Select(eventColumns...).From(tableName), f).OrderBy("timestamp DESC")
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		qb = qb.Offset(uint64(f.Offset))
	}

	rows, err := qb.RunWith(s.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	capacity := defaultQueryCapacity
	if f.Limit > 0 {
		capacity = min(f.Limit, maxQueryCapacity)
	}
	events := make([]audit.Event, 0, capacity)
	for rows.Next() {
		var e audit.Event
		var typ string
		if err := rows.Scan(&e.ID, &e.Timestamp, &typ, &e.SessionID, &e.Transport,
			&e.Reason, &e.DurationMS, &e.RemoteAddr); err != nil {
			return nil, fmt.Errorf("scanning session event: %w", err)
		}
		e.Type = audit.EventType(typ)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading session events: %w", err)
	}
	return events, nil
}

// Summary counts matching events by type.
func (s *Store) Summary(ctx context.Context, f audit.QueryFilter) (audit.Summary, error) {
	rows, err := where(psq.Select("event_type", "COUNT(*)").From(tableName), f).
		GroupBy("event_type").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("summarizing session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(audit.Summary)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		out[audit.EventType(typ)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading summary: %w", err)
	}
	return out, nil
}

// Cleanup deletes events older than the retention period and returns how
// many were removed.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().AddDate(0, 0, -s.retention)
	res, err := psq.Delete(tableName).
		Where(sq.Lt{"timestamp": cutoff}).
		RunWith(s.db).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("deleting expired session events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading deleted count: %w", err)
	}
	return n, nil
}

// StartCleanupRoutine runs Cleanup every interval until Close. Calling it
// again while running has no effect.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				n, err := s.Cleanup(ctx)
				switch {
				case err != nil && ctx.Err() == nil:
					s.logger.Warn("audit: cleanup failed", "error", err)
				case n > 0:
					s.logger.Info("audit: expired events removed", "count", n, "retention_days", s.retention)
				}
			}
		}
	}()
}

// Close stops the cleanup routine and waits for it. The database is not
// closed.
func (s *Store) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

var (
	_ audit.Logger     = (*Store)(nil)
	_ audit.Summarizer = (*Store)(nil)
)
