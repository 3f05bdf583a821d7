package session

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// Start launches the cleanup and keep-alive cycles. Each runs on its own
// ticker until CloseAll. Calling Start more than once has no effect.
func (m *Manager[T]) Start() {
	m.startOnce.Do(func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.mu.Unlock()

		if m.cfg.CleanupInterval > 0 {
			m.runEvery(ctx, m.cfg.CleanupInterval, m.Cleanup)
		}
		if m.cfg.KeepAliveInterval > 0 {
			m.runEvery(ctx, m.cfg.KeepAliveInterval, m.KeepAlive)
		}
	})
}

func (m *Manager[T]) runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := m.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				fn(ctx)
			}
		}
	}()
}

type probeResult[T Transport] struct {
	entry *entry[T]
	alive bool
}

// Cleanup runs one cleanup pass. Sessions idle longer than the timeout are
// probed first: a live connection extends the session, anything else (no
// probe support, probe failure) closes and removes it. A pass interrupted
// by ctx changes nothing.
func (m *Manager[T]) Cleanup(ctx context.Context) {
	now := m.clock.Now()

	m.mu.RLock()
	var idle []*entry[T]
	for _, e := range m.sessions {
		if now.Sub(e.lastActivity) > m.cfg.Timeout {
			idle = append(idle, e)
		}
	}
	m.mu.RUnlock()

	if len(idle) == 0 {
		return
	}

	results := m.probeAll(ctx, idle, false)
	if ctx.Err() != nil {
		return
	}
	for _, r := range results {
		if r.alive {
			m.extend(r.entry)
			continue
		}
		if _, ok := m.detach(r.entry.id, r.entry); ok {
			m.finish(r.entry, ReasonExpired, true)
		}
	}
}

// extend resets activity for a session that answered a probe, if it is
// still live.
func (m *Manager[T]) extend(e *entry[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[e.id]; ok && cur == e {
		m.touchLocked(e)
		m.logger.Debug("session: idle but alive, extended", logKeySessionID, e.id)
	}
}

// KeepAlive runs one keep-alive pass. Every session whose transport supports
// probing is probed; success resets its missed counter, failure increments
// it, and reaching the configured maximum closes and removes the session.
// Transports without probe support are left to the cleanup cycle.
func (m *Manager[T]) KeepAlive(ctx context.Context) {
	m.mu.RLock()
	all := make([]*entry[T], 0, len(m.sessions))
	for _, e := range m.sessions {
		all = append(all, e)
	}
	m.mu.RUnlock()

	if len(all) == 0 {
		return
	}

	results := m.probeAll(ctx, all, true)
	if ctx.Err() != nil {
		return
	}
	for _, r := range results {
		if dead := m.applyHeartbeat(r); dead {
			if _, ok := m.detach(r.entry.id, r.entry); ok {
				m.finish(r.entry, ReasonHeartbeatFailure, true)
			}
		}
	}
}

// applyHeartbeat updates the missed counter and reports whether the session
// has now missed too many heartbeats.
func (m *Manager[T]) applyHeartbeat(r probeResult[T]) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[r.entry.id]
	if !ok || cur != r.entry {
		return false
	}
	if r.alive {
		cur.missed = 0
		return false
	}
	cur.missed++
	m.logger.Debug("session: heartbeat missed", logKeySessionID, cur.id, logKeyMissed, cur.missed)
	return cur.missed >= m.cfg.MaxMissedHeartbeats
}

// probeAll probes entries concurrently with a bounded worker pool. When
// skipUnsupported is set, entries whose transport cannot be probed are
// omitted from the result; otherwise they are reported as not alive.
func (m *Manager[T]) probeAll(ctx context.Context, entries []*entry[T], skipUnsupported bool) []probeResult[T] {
	p := pool.NewWithResults[probeResult[T]]().WithMaxGoroutines(m.cfg.HeartbeatWorkers)
	for _, e := range entries {
		prober, ok := proberFor(e.transport)
		if !ok {
			if skipUnsupported {
				continue
			}
			p.Go(func() probeResult[T] { return probeResult[T]{entry: e} })
			continue
		}
		p.Go(func() probeResult[T] {
			return probeResult[T]{entry: e, alive: m.probe(ctx, e, prober)}
		})
	}
	return p.Wait()
}

func proberFor(t Transport) (HeartbeatProber, bool) {
	prober, ok := t.(HeartbeatProber)
	if !ok {
		return nil, false
	}
	if a, ok := t.(HeartbeatAvailability); ok && !a.CanHeartbeat() {
		return nil, false
	}
	return prober, true
}

func (m *Manager[T]) probe(ctx context.Context, e *entry[T], prober HeartbeatProber) (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session: heartbeat probe panicked", logKeySessionID, e.id, logKeyError, r)
			alive = false
		}
	}()
	pctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
	defer cancel()
	return prober.Heartbeat(pctx)
}
