package tunnel

import (
	"sync"
	"time"

	"github.com/dockhand-io/dockhand/pkg/wire"
)

// ExecSpec describes the interactive terminal to open on the agent.
type ExecSpec struct {
	ContainerID string
	Cmd         []string
	User        string
	Cols        uint16
	Rows        uint16
}

// ExecConsumer receives the output of one exec session. OnOutput runs on
// the connection's reader goroutine and must return quickly. OnEnd fires
// exactly once, for any termination, but only after the session reached
// readiness; a session that never attaches surfaces its failure through
// StartExec instead.
type ExecConsumer struct {
	OnOutput func(data []byte)
	OnEnd    func(reason string)
}

type execState int

const (
	execRequested execState = iota
	execReady
	execEnded
)

func (s execState) String() string {
	switch s {
	case execRequested:
		return "requested"
	case execReady:
		return "ready"
	case execEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// ExecSession tracks one interactive terminal multiplexed over a
// connection. Sessions are keyed by exec id; frames of different sessions
// interleave freely, frames within one session keep their order.
//
// Lock order: Connection.mu before ExecSession.mu, never the reverse.
type ExecSession struct {
	id          string
	containerID string
	consumer    ExecConsumer

	mu            sync.Mutex
	state         execState
	cols, rows    uint16
	readyDeadline time.Time

	readyCh   chan error
	readyOnce sync.Once
}

func newExecSession(id string, spec ExecSpec, consumer ExecConsumer, readyDeadline time.Time) *ExecSession {
	return &ExecSession{
		id:            id,
		containerID:   spec.ContainerID,
		consumer:      consumer,
		state:         execRequested,
		cols:          spec.Cols,
		rows:          spec.Rows,
		readyDeadline: readyDeadline,
		readyCh:       make(chan error, 1),
	}
}

// markReady transitions REQUESTED -> READY and unblocks the starter.
// Duplicate exec_ready frames are ignored.
func (s *ExecSession) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != execRequested {
		return
	}
	s.state = execReady
	s.readyOnce.Do(func() { s.readyCh <- nil })
}

// output delivers terminal bytes to the consumer. Output before readiness
// or after the end is dropped.
func (s *ExecSession) output(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != execReady {
		return
	}
	if s.consumer.OnOutput != nil {
		s.consumer.OnOutput(data)
	}
}

// finish transitions to ENDED and fires OnEnd if the session had attached.
// Idempotent; reports whether this call performed the transition.
func (s *ExecSession) finish(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == execEnded {
		return false
	}
	wasReady := s.state == execReady
	s.state = execEnded
	s.readyOnce.Do(func() { s.readyCh <- ErrExecEnded })
	if wasReady && s.consumer.OnEnd != nil {
		s.consumer.OnEnd(reason)
	}
	return true
}

// fail ends the session with a connection-level error, unblocking a starter
// still waiting for readiness.
func (s *ExecSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == execEnded {
		return
	}
	wasReady := s.state == execReady
	s.state = execEnded
	s.readyOnce.Do(func() { s.readyCh <- err })
	if wasReady && s.consumer.OnEnd != nil {
		s.consumer.OnEnd(err.Error())
	}
}

func (s *ExecSession) readyExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == execRequested && now.After(s.readyDeadline)
}

func (s *ExecSession) dims() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

func (s *ExecSession) setDims(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == execEnded {
		return ErrExecEnded
	}
	s.cols, s.rows = cols, rows
	return nil
}

func (s *ExecSession) active() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != execReady {
		return ErrExecEnded
	}
	return nil
}

// ExecHandle drives an attached terminal session. Returned by StartExec
// once the agent confirms readiness.
type ExecHandle struct {
	// ExecID correlates the session's frames on the wire.
	ExecID string

	conn    *Connection
	session *ExecSession
}

// Input sends terminal input. Rejected once the session has ended.
func (h *ExecHandle) Input(data []byte) error {
	if err := h.session.active(); err != nil {
		return err
	}
	return h.conn.Send(wire.NewExecInput(h.ExecID, data))
}

// Resize adjusts the remote terminal dimensions.
func (h *ExecHandle) Resize(cols, rows uint16) error {
	if err := h.session.setDims(cols, rows); err != nil {
		return err
	}
	return h.conn.Send(wire.NewExecResize(h.ExecID, cols, rows))
}

// End closes the session from this side. Idempotent; the agent is told to
// release the terminal but its acknowledgement is not awaited.
func (h *ExecHandle) End(reason string) error {
	es := h.conn.takeExec(h.ExecID)
	if es == nil {
		return nil
	}
	es.finish(reason)
	return h.conn.Send(wire.NewExecEnd(h.ExecID, reason))
}
