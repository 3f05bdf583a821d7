package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStreamClosed is returned when writing to a closed event stream.
var ErrStreamClosed = errors.New("event stream closed")

// EventWriter writes server-sent events to an HTTP response. It is safe for
// concurrent use. Response headers are sent by Start or by the first event,
// whichever comes first, so a handler can still answer with a plain error
// until then. Close, Abort and the state queries never wait for a write in
// progress.
type EventWriter struct {
	mu sync.Mutex // serializes writes
	w  http.ResponseWriter
	rc *http.ResponseController

	started atomic.Bool
	closed  atomic.Bool
	writing atomic.Bool
}

// NewEventWriter sets the event-stream response headers on w without
// sending them. Extra headers may still be added to w until Start.
func NewEventWriter(w http.ResponseWriter) *EventWriter {
	h := w.Header()
	h.Set("Content-Type", MediaTypeEventStream)
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &EventWriter{w: w, rc: http.NewResponseController(w)}
}

// OpenEventStream returns a started EventWriter for w.
func OpenEventStream(w http.ResponseWriter) (*EventWriter, error) {
	ew := NewEventWriter(w)
	if err := ew.Start(); err != nil {
		return nil, err
	}
	return ew, nil
}

// Start sends the 200 status and headers and flushes them. It is
// idempotent.
func (e *EventWriter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrStreamClosed
	}
	return e.startLocked()
}

// Started reports whether the response headers were sent.
func (e *EventWriter) Started() bool { return e.started.Load() }

func (e *EventWriter) startLocked() error {
	if e.started.Load() {
		return nil
	}
	e.started.Store(true)
	e.w.WriteHeader(http.StatusOK)
	if err := e.rc.Flush(); err != nil {
		e.closed.Store(true)
		return fmt.Errorf("flushing event stream headers: %w", err)
	}
	return nil
}

// WriteEvent writes one event. An empty name produces an unnamed event,
// which clients treat as "message". Multi-line data is split across data
// fields.
func (e *EventWriter) WriteEvent(name string, data []byte) error {
	var buf bytes.Buffer
	if name != "" {
		buf.WriteString("event: ")
		buf.WriteString(name)
		buf.WriteByte('\n')
	}
	for line := range bytes.SplitSeq(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return e.write(context.Background(), buf.Bytes())
}

// WriteComment writes an SSE comment line, used for keep-alive pings. A
// deadline on ctx becomes the connection write deadline.
func (e *EventWriter) WriteComment(ctx context.Context, text string) error {
	return e.write(ctx, []byte(": "+text+"\n\n"))
}

// Close marks the stream closed. Subsequent writes fail with
// ErrStreamClosed. It does not close the underlying connection; the handler
// returning does that.
func (e *EventWriter) Close() { e.closed.Store(true) }

// Abort closes the stream and expires the write deadline of a write in
// progress so it returns. The connection cannot be reused afterwards.
func (e *EventWriter) Abort() {
	e.closed.Store(true)
	if e.writing.Load() {
		_ = e.rc.SetWriteDeadline(time.Now())
	}
}

// Closed reports whether Close was called or a write failed.
func (e *EventWriter) Closed() bool { return e.closed.Load() }

func (e *EventWriter) write(ctx context.Context, p []byte) error {
	if e.closed.Load() {
		return ErrStreamClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrStreamClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.writing.Store(true)
	defer e.writing.Store(false)
	if deadline, ok := ctx.Deadline(); ok {
		// Writers without deadline support are left unbounded.
		if e.rc.SetWriteDeadline(deadline) == nil {
			defer func() { _ = e.rc.SetWriteDeadline(time.Time{}) }()
		}
	}

	if err := e.startLocked(); err != nil {
		return err
	}
	if _, err := e.w.Write(p); err != nil {
		e.closed.Store(true)
		return fmt.Errorf("writing event: %w", err)
	}
	if err := e.rc.Flush(); err != nil {
		e.closed.Store(true)
		return fmt.Errorf("flushing event: %w", err)
	}
	return nil
}
