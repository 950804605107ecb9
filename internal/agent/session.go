package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dockhand-io/dockhand/internal/port/outbound"
	"github.com/dockhand-io/dockhand/pkg/wire"
)

const (
	// outboxSize buffers frames between the forwarding goroutines and
	// the single writer. Stream chunks dominate the traffic; the Engine
	// adapter caps them at 32KB each.
	outboxSize = 256

	// maxServerFrame caps one inbound frame, mirroring the server's own
	// read limit.
	maxServerFrame = 1 << 20
)

// session serves one established tunnel: a single writer goroutine owns
// the connection's write side, the read loop routes inbound frames, and
// per-request goroutines do the Engine work. It lives until the
// connection breaks or the context ends.
type session struct {
	agent *Agent
	conn  *websocket.Conn

	outbox    chan *wire.Envelope
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	streams map[string]context.CancelFunc
	execs   map[string]outbound.ExecProcess // nil value marks an attach in flight

	wg sync.WaitGroup
}

func newSession(a *Agent, conn *websocket.Conn) *session {
	conn.SetReadLimit(maxServerFrame)
	return &session{
		agent:   a,
		conn:    conn,
		outbox:  make(chan *wire.Envelope, outboxSize),
		done:    make(chan struct{}),
		streams: make(map[string]context.CancelFunc),
		execs:   make(map[string]outbound.ExecProcess),
	}
}

// run blocks until the session ends and leaves no goroutines behind. The
// returned error is the read failure that ended the session, or ctx's
// error on shutdown.
func (s *session) run(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.close(websocket.CloseGoingAway, "agent shutting down")
		case <-s.done:
		}
	}()

	if s.agent.collector != nil && s.agent.metricsInterval > 0 {
		s.wg.Add(1)
		go s.pushMetrics(sessCtx)
	}
	if s.agent.events {
		s.wg.Add(1)
		go s.forwardEvents(sessCtx)
	}

	err := s.readLoop(sessCtx)

	s.close(websocket.CloseNormalClosure, "")
	cancel()
	s.teardown()
	s.wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// send enqueues one frame for the writer. It reports false once the
// session is closing, so producers racing the teardown stop cleanly.
func (s *session) send(env *wire.Envelope) bool {
	select {
	case s.outbox <- env:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case env := <-s.outbox:
			payload, err := wire.Encode(env)
			if err != nil {
				s.agent.logger.Error("dropping unencodable frame", "type", env.Type, "error", err)
				continue
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.agent.writeTimeout)); err != nil {
				s.close(websocket.CloseGoingAway, "write failed")
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.agent.logger.Debug("tunnel write failed", "error", err)
				s.close(websocket.CloseGoingAway, "write failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop refreshes the read deadline per frame; the server's liveness
// pings keep a healthy tunnel inside the budget.
func (s *session) readLoop(ctx context.Context) error {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.agent.readTimeout)); err != nil {
			return err
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("tunnel read: %w", err)
		}
		env, err := wire.Decode(data)
		if err != nil {
			s.agent.logger.Warn("malformed frame from server", "error", err)
			continue
		}
		s.route(ctx, env)
	}
}

func (s *session) route(ctx context.Context, env *wire.Envelope) {
	switch env.Type {
	case wire.TypePing:
		s.send(wire.NewPong())
	case wire.TypeRequest:
		if env.Streaming {
			s.startStream(ctx, env)
		} else {
			s.wg.Add(1)
			go s.forwardUnary(ctx, env)
		}
	case wire.TypeStreamEnd:
		s.cancelStream(env.RequestID)
	case wire.TypeExecStart:
		s.startExec(ctx, env)
	case wire.TypeExecInput:
		s.execInput(env)
	case wire.TypeExecResize:
		s.execResize(env)
	case wire.TypeExecEnd:
		s.execEnd(env)
	case wire.TypeError:
		s.agent.logger.Warn("error frame from server",
			"request_id", env.RequestID, "exec_id", env.ExecID, "message", env.Message)
	default:
		s.agent.logger.Warn("unexpected frame type from server", "type", env.Type)
	}
}

// close shuts the connection down exactly once. The close frame is best
// effort; the peer may already be gone.
func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

// teardown cancels every live stream and closes every terminal session.
// Runs after the connection is gone, so nothing sends frames anymore.
func (s *session) teardown() {
	s.mu.Lock()
	streams := s.streams
	execs := s.execs
	s.streams = make(map[string]context.CancelFunc)
	s.execs = make(map[string]outbound.ExecProcess)
	s.mu.Unlock()

	for _, cancel := range streams {
		cancel()
	}
	for _, proc := range execs {
		if proc != nil {
			_ = proc.Close()
		}
	}
}
