package portainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/txn2/mcp-portainer/pkg/connstate"
)

const (
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxElapsed      = 2 * time.Minute

	logKeyError = "error"
	logKeyRetry = "retry_in"
	logKeyURL   = "url"
)

// State is the connection state manager specialised to this client.
type State = connstate.Manager[*Client]

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithRetry sets the exponential backoff bounds for Connect.
func WithRetry(initial, maxElapsed time.Duration) ConnectorOption {
	return func(c *Connector) {
		if initial > 0 {
			c.initialInterval = initial
		}
		if maxElapsed > 0 {
			c.maxElapsed = maxElapsed
		}
	}
}

// WithConnectorLogger sets the logger.
func WithConnectorLogger(l *slog.Logger) ConnectorOption {
	return func(c *Connector) { c.logger = l }
}

// WithConnectorClock sets the clock used by the monitor loop.
func WithConnectorClock(clock clockwork.Clock) ConnectorOption {
	return func(c *Connector) { c.clock = clock }
}

// Connector drives the connection state machine from real reachability
// checks against the API.
type Connector struct {
	client          *Client
	state           *State
	initialInterval time.Duration
	maxElapsed      time.Duration
	logger          *slog.Logger
	clock           clockwork.Clock

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConnector creates a Connector.
func NewConnector(client *Client, state *State, opts ...ConnectorOption) *Connector {
	c := &Connector{
		client:          client,
		state:           state,
		initialInterval: defaultInitialInterval,
		maxElapsed:      defaultMaxElapsed,
		logger:          slog.Default(),
		clock:           clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect probes the API until it answers, an auth error occurs, the retry
// budget is exhausted or ctx ends. It is a no-op when already connected.
func (c *Connector) Connect(ctx context.Context) error {
	if c.state.State() == connstate.Connected {
		return nil
	}
	if err := c.state.Transition(connstate.Connecting, nil, nil); err != nil {
		return fmt.Errorf("entering connecting state: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxElapsedTime = c.maxElapsed

	op := func() error {
		_, err := c.client.Status(ctx)
		if err != nil && IsAuthError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		c.logger.Warn("portainer: connect attempt failed",
			logKeyURL, c.client.BaseURL(), logKeyError, err, logKeyRetry, d)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		_ = c.state.Transition(connstate.Error, nil, err)
		return fmt.Errorf("connecting to portainer: %w", err)
	}

	if err := c.state.Transition(connstate.Connected, c.client, nil); err != nil {
		return fmt.Errorf("entering connected state: %w", err)
	}
	c.logger.Info("portainer: connected", logKeyURL, c.client.BaseURL())
	return nil
}

// Disconnect moves the state machine back to disconnected.
func (c *Connector) Disconnect() error {
	if c.state.State() == connstate.Disconnected {
		return nil
	}
	if err := c.state.Transition(connstate.Disconnected, nil, nil); err != nil {
		return fmt.Errorf("disconnecting: %w", err)
	}
	return nil
}

// Check probes the API once. A failure while connected moves the state to
// error; a success while in error reconnects.
func (c *Connector) Check(ctx context.Context) error {
	_, err := c.client.Status(ctx)
	switch c.state.State() {
	case connstate.Connected:
		if err != nil {
			_ = c.state.Transition(connstate.Error, nil, err)
			c.logger.Warn("portainer: connection lost", logKeyError, err)
		}
	case connstate.Error:
		if err == nil {
			_ = c.state.Transition(connstate.Connecting, nil, nil)
			_ = c.state.Transition(connstate.Connected, c.client, nil)
			c.logger.Info("portainer: connection restored")
		}
	default:
	}
	return err
}

// StartMonitor runs Check every interval until Close is called.
func (c *Connector) StartMonitor(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)

		ticker := c.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				_ = c.Check(ctx)
			}
		}
	}()
}

// Close stops the monitor loop and disconnects. It is safe to call Close
// even if StartMonitor was never called.
func (c *Connector) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return c.Disconnect()
}
