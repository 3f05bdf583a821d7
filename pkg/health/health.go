// Package health serves liveness and readiness probes. Readiness follows
// the platform lifecycle and any registered dependency checks.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/txn2/mcp-portainer/pkg/connstate"
)

// Lifecycle states.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// Report statuses.
const (
	StatusOK       = "ok"
	StatusStarting = "starting"
	StatusReady    = "ready"
	StatusDraining = "draining"
	StatusDegraded = "degraded"
)

const defaultCheckTimeout = 2 * time.Second

// Check reports a dependency problem. A nil error means healthy.
type Check func(ctx context.Context) error

type namedCheck struct {
	name string
	fn   Check
}

// Report is the readiness body.
type Report struct {
	Status string `json:"status"`
	// Checks maps each dependency to "ok" or its failure.
	Checks map[string]string `json:"checks,omitempty"`
}

// Ready reports whether the report allows traffic.
func (r Report) Ready() bool { return r.Status == StatusReady }

// Option configures a Checker.
type Option func(*Checker)

// WithCheckTimeout bounds each dependency check.
func WithCheckTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Checker tracks readiness. It is safe for concurrent use.
type Checker struct {
	state   atomic.Int32
	timeout time.Duration

	mu     sync.RWMutex
	checks []namedCheck
}

// NewChecker creates a Checker in the starting state.
func NewChecker(opts ...Option) *Checker {
	c := &Checker{timeout: defaultCheckTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddCheck registers a dependency that must pass for readiness.
func (c *Checker) AddCheck(name string, fn Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, fn: fn})
}

// SetReady marks startup complete.
func (c *Checker) SetReady() { c.state.Store(stateReady) }

// SetDraining marks shutdown in progress. It is final.
func (c *Checker) SetDraining() { c.state.Store(stateDraining) }

// IsReady reports whether startup completed and shutdown has not begun.
// Dependency checks are not consulted.
func (c *Checker) IsReady() bool { return c.state.Load() == stateReady }

// State returns the lifecycle state name.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return StatusReady
	case stateDraining:
		return StatusDraining
	default:
		return StatusStarting
	}
}

// Report runs the checks concurrently when the lifecycle is ready.
func (c *Checker) Report(ctx context.Context) Report {
	if !c.IsReady() {
		return Report{Status: c.State()}
	}

	c.mu.RLock()
	checks := c.checks
	c.mu.RUnlock()
	if len(checks) == 0 {
		return Report{Status: StatusReady}
	}

	results := make([]string, len(checks))
	var wg sync.WaitGroup
	for i, nc := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.run(ctx, nc.fn)
		}()
	}
	wg.Wait()

	rep := Report{Status: StatusReady, Checks: make(map[string]string, len(checks))}
	for i, nc := range checks {
		rep.Checks[nc.name] = results[i]
		if results[i] != StatusOK {
			rep.Status = StatusDegraded
		}
	}
	return rep
}

func (c *Checker) run(ctx context.Context, fn Check) string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return err.Error()
	}
	return StatusOK
}

// ConnectedCheck passes only while m is connected. The last transition
// error, if any, is included in the failure.
func ConnectedCheck[C any](m *connstate.Manager[C]) Check {
	return func(context.Context) error {
		st := m.Stats()
		if st.State == connstate.Connected {
			return nil
		}
		if st.LastError != nil {
			return fmt.Errorf("downstream connection is %s: %w", st.State, st.LastError)
		}
		return fmt.Errorf("downstream connection is %s", st.State)
	}
}

// LivenessHandler always answers 200 (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Report{Status: StatusOK})
	}
}

// ReadinessHandler answers 200 when ready and every check passes, 503
// otherwise (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := c.Report(r.Context())
		code := http.StatusOK
		if !rep.Ready() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	}
}

func writeJSON(w http.ResponseWriter, code int, v Report) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
