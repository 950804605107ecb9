package tunnel

import (
	"sync"
	"time"

	"github.com/dockhand-io/dockhand/pkg/wire"
)

// Request describes a Docker-API-shaped call forwarded through the tunnel.
// The tunnel does not interpret method, path or body; they are relayed to
// the agent byte for byte.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte

	// Timeout bounds a unary dispatch. Zero means DefaultRequestTimeout.
	// Ignored for streams, which stay open until ended or cancelled.
	Timeout time.Duration
}

// Response carries the result of a unary dispatch.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

type requestOutcome struct {
	resp *Response
	err  error
}

// pendingRequest is the single-shot completion handle for one in-flight
// unary request. The buffered channel receives exactly one outcome; the
// sync.Once makes a second resolution attempt a no-op instead of a
// double-completion bug.
type pendingRequest struct {
	id       string
	deadline time.Time
	ch       chan requestOutcome
	once     sync.Once
}

func newPendingRequest(id string, deadline time.Time) *pendingRequest {
	return &pendingRequest{
		id:       id,
		deadline: deadline,
		ch:       make(chan requestOutcome, 1),
	}
}

// resolve delivers the outcome. Only the first call has any effect.
func (p *pendingRequest) resolve(resp *Response, err error) {
	p.once.Do(func() {
		p.ch <- requestOutcome{resp: resp, err: err}
	})
}

// StreamConsumer receives the chunks of one streaming exchange. Callbacks
// run on the connection's reader goroutine and must return quickly; hand
// off to a worker if processing is slow. Exactly one of OnEnd or OnError
// fires, exactly once, after which no further OnData calls are made.
type StreamConsumer struct {
	// OnData receives one chunk in arrival order. channel is stdout or
	// stderr when the agent tagged the bytes, empty otherwise.
	OnData func(data []byte, channel string)

	// OnEnd fires when the stream terminates cleanly, with the reason
	// from the stream_end frame.
	OnEnd func(reason string)

	// OnError fires when the stream dies with its connection.
	OnError func(err error)
}

// pendingStream tracks one open streaming exchange. The mutex orders data
// delivery against termination so a consumer never sees OnData after its
// terminal callback.
type pendingStream struct {
	id       string
	consumer StreamConsumer

	mu   sync.Mutex
	done bool
}

func newPendingStream(id string, consumer StreamConsumer) *pendingStream {
	return &pendingStream{id: id, consumer: consumer}
}

func (s *pendingStream) data(data []byte, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if s.consumer.OnData != nil {
		s.consumer.OnData(data, channel)
	}
}

func (s *pendingStream) end(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	if s.consumer.OnEnd != nil {
		s.consumer.OnEnd(reason)
	}
}

func (s *pendingStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	if s.consumer.OnError != nil {
		s.consumer.OnError(err)
	}
}

// StreamHandle controls one open stream.
type StreamHandle struct {
	// RequestID correlates the stream's frames on the wire.
	RequestID string

	conn *Connection
}

// Cancel stops the stream locally and tells the agent to stop producing.
// It does not wait for acknowledgement; chunks already in flight are
// dropped. Idempotent, and a later stream_end from the agent for the same
// id is a no-op.
func (h *StreamHandle) Cancel() {
	st := h.conn.takeStream(h.RequestID)
	if st == nil {
		return
	}
	_ = h.conn.Send(wire.NewStreamEnd(h.RequestID, wire.ReasonCancelled))
	st.end(wire.ReasonCancelled)
}
