package transport

import (
	"context"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/txn2/mcp-portainer/pkg/protocol"
)

// EventMessage is the SSE event name for JSON-RPC messages.
const EventMessage = "message"

// Stream is one server-push event stream. A call stream carries the
// responses to the calls of one POST and is done once every call has been
// answered or released; the standalone stream is never done on its own.
type Stream struct {
	w *protocol.EventWriter

	mu      sync.Mutex
	pending map[jsonrpc.ID]struct{}
	done    chan struct{}
	closed  bool
}

// NewStream wraps w. calls lists the request ids the stream must answer;
// none makes it a standalone stream.
func NewStream(w *protocol.EventWriter, calls ...jsonrpc.ID) *Stream {
	s := &Stream{
		w:       w,
		pending: make(map[jsonrpc.ID]struct{}, len(calls)),
		done:    make(chan struct{}),
	}
	for _, id := range calls {
		s.pending[id] = struct{}{}
	}
	return s
}

// Done is closed when the stream has nothing left to deliver or was closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Send writes data as a message event. When responseTo is valid the call is
// marked answered.
func (s *Stream) Send(data []byte, responseTo jsonrpc.ID) error {
	err := s.w.WriteEvent(EventMessage, data)
	if responseTo.IsValid() {
		s.Release(responseTo)
	}
	return err
}

// Ping writes a keep-alive comment bounded by ctx. It fails once the client
// is gone.
func (s *Stream) Ping(ctx context.Context) error {
	return s.w.WriteComment(ctx, "ping")
}

// Release marks a call as finished without writing anything.
func (s *Stream) Release(id jsonrpc.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return
	}
	delete(s.pending, id)
	if len(s.pending) == 0 {
		s.closeLocked()
	}
}

// Close ends the stream. Further sends fail.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// Abort closes the stream and cuts off a write in progress.
func (s *Stream) Abort() {
	s.w.Abort()
	s.Close()
}

// Closed reports whether the stream was closed or a write failed.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return closed || s.w.Closed()
}

func (s *Stream) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.w.Close()
	close(s.done)
}
