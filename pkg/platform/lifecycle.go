package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Hook is a start or stop step.
type Hook func(context.Context) error

type stage struct {
	name  string
	start Hook
	stop  Hook
}

// Lifecycle starts components in registration order and stops them in
// reverse. A failed start stops the stages already started.
type Lifecycle struct {
	mu      sync.Mutex
	stages  []stage
	started int // number of stages whose start ran
	running bool
	logger  *slog.Logger
}

// NewLifecycle creates a new lifecycle manager.
func NewLifecycle(logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{logger: logger}
}

// Append registers a stage. Either hook may be nil.
func (l *Lifecycle) Append(name string, start, stop Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, stage{name: name, start: start, stop: stop})
}

// OnStart registers a start-only stage.
func (l *Lifecycle) OnStart(name string, start Hook) { l.Append(name, start, nil) }

// OnStop registers a stop-only stage.
func (l *Lifecycle) OnStop(name string, stop Hook) { l.Append(name, nil, stop) }

// Component is something that can be started and stopped.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// RegisterComponent registers a component with the lifecycle.
func (l *Lifecycle) RegisterComponent(name string, c Component) {
	l.Append(name, c.Start, c.Stop)
}

// Closer is something that can be closed.
type Closer interface {
	Close() error
}

// RegisterCloser registers a closer to be closed on shutdown.
func (l *Lifecycle) RegisterCloser(name string, c Closer) {
	l.OnStop(name, func(context.Context) error { return c.Close() })
}

// Start runs every start hook in order.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("lifecycle already started")
	}

	for i, s := range l.stages {
		l.started = i + 1
		if s.start == nil {
			continue
		}
		if err := s.start(ctx); err != nil {
			// The failed stage is not stopped.
			l.started = i
			_ = l.stopLocked(ctx, true)
			return fmt.Errorf("starting %s: %w", s.name, err)
		}
	}

	l.running = true
	return nil
}

// Stop runs the stop hooks of started stages in reverse order. Every hook
// runs; failures are returned together.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return nil
	}
	return l.stopLocked(ctx, false)
}

func (l *Lifecycle) stopLocked(ctx context.Context, rollback bool) error {
	var result *multierror.Error
	for i := l.started - 1; i >= 0; i-- {
		s := l.stages[i]
		if s.stop == nil {
			continue
		}
		if err := s.stop(ctx); err != nil {
			if rollback {
				l.logger.Warn("lifecycle: rollback stop failed", "stage", s.name, "error", err)
			}
			result = multierror.Append(result, fmt.Errorf("stopping %s: %w", s.name, err))
		}
	}
	l.started = 0
	l.running = false
	return result.ErrorOrNil()
}

// IsStarted returns whether the lifecycle has been started.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
