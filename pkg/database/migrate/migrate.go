// Package migrate applies the embedded PostgreSQL schema for the session
// audit log using golang-migrate.
package migrate

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var migrations embed.FS

// ErrDirty is returned when a previous migration failed halfway and the
// schema needs manual repair.
var ErrDirty = errors.New("database schema is dirty")

// migrator is the subset of *migrate.Migrate used here.
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (version uint, dirty bool, err error)
}

// Status describes the schema of one database.
type Status struct {
	// Version is the applied version, 0 for an empty database.
	Version uint
	// Latest is the highest embedded version.
	Latest uint
	Dirty  bool
}

// Pending reports whether embedded migrations have not been applied.
func (s Status) Pending() bool { return s.Version < s.Latest }

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// Runner applies migrations to one database.
type Runner struct {
	m      migrator
	logger *slog.Logger
}

// New creates a runner for db.
func New(db *sql.DB, opts ...Option) (*Runner, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("creating postgres driver: %w", err)
	}
	source, err := iofs.New(migrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return newRunner(m, opts...), nil
}

func newRunner(m migrator, opts ...Option) *Runner {
	r := &Runner{m: m, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Up applies every pending migration. A dirty schema is refused.
func (r *Runner) Up() (Status, error) {
	before, err := r.Status()
	if err != nil {
		return before, err
	}
	if before.Dirty {
		return before, fmt.Errorf("%w at version %d", ErrDirty, before.Version)
	}

	if err := r.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return before, fmt.Errorf("running migrations: %w", err)
	}

	after, err := r.Status()
	if err != nil {
		return after, err
	}
	if after.Version != before.Version {
		r.logger.Info("migrate: schema updated", "from", before.Version, "to", after.Version)
	} else {
		r.logger.Debug("migrate: schema up to date", "version", after.Version)
	}
	return after, nil
}

// Down rolls back every migration, dropping the audit tables.
func (r *Runner) Down() error {
	if err := r.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migrations: %w", err)
	}
	r.logger.Warn("migrate: schema rolled back")
	return nil
}

// Steps applies n migrations, rolling back when n is negative.
func (r *Runner) Steps(n int) error {
	if err := r.m.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("stepping migrations by %d: %w", n, err)
	}
	return nil
}

// Status reads the applied version.
func (r *Runner) Status() (Status, error) {
	latest, err := LatestVersion()
	if err != nil {
		return Status{}, err
	}
	version, dirty, err := r.m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Status{Latest: latest}, fmt.Errorf("reading migration version: %w", err)
	}
	return Status{Version: version, Latest: latest, Dirty: dirty}, nil
}

// Run applies every pending migration to db.
func Run(db *sql.DB, opts ...Option) (Status, error) {
	r, err := New(db, opts...)
	if err != nil {
		return Status{}, err
	}
	return r.Up()
}

// LatestVersion returns the highest version among the embedded migrations.
func LatestVersion() (uint, error) {
	entries, err := fs.ReadDir(migrations, migrationsDir)
	if err != nil {
		return 0, fmt.Errorf("reading embedded migrations: %w", err)
	}
	var latest uint
	for _, e := range entries {
		v, err := parseVersion(e.Name())
		if err != nil {
			return 0, err
		}
		latest = max(latest, v)
	}
	return latest, nil
}

// parseVersion reads the numeric prefix of "000002_name.up.sql".
func parseVersion(name string) (uint, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration %q has no version prefix", name)
	}
	v, err := strconv.ParseUint(prefix, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("migration %q: %w", name, err)
	}
	return uint(v), nil
}
