// Package tunnel implements the server half of the Dockhand tunnel: the
// connection registry, the per-connection correlation tables for unary
// requests, streams and exec sessions, and the liveness monitor that owns
// heartbeats and deadline bookkeeping.
//
// A tunnel carries all traffic for one remote endpoint over a single
// agent-initiated transport. At most one live Connection exists per
// endpoint at any time; a newer handshake for the same endpoint replaces
// the older connection after failing its pending work with ErrReplaced.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dockhand-io/dockhand/pkg/wire"
)

// Defaults for connection tuning knobs, overridable per connection.
const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultExecReadyTimeout = 10 * time.Second

	defaultSendBuffer = 256
)

// AgentInfo describes the remote agent as reported in its handshake.
type AgentInfo struct {
	ID           string
	Name         string
	Version      string
	Capabilities []string
	RemoteAddr   string
}

// Connection is one live tunnel to a remote agent.
//
// Exactly one writer goroutine drains the outbound queue so frames are
// never interleaved; Send enqueues and may be called from any goroutine.
// Inbound frames are routed by the owning reader loop through the Handle*
// methods. All correlation tables are mutated under mu and drained exactly
// once by Teardown.
type Connection struct {
	id            string
	endpointID    string
	agent         AgentInfo
	establishedAt time.Time

	transport    Transport
	logger       *slog.Logger
	sendObserver func(t wire.Type)

	requestTimeout   time.Duration
	execReadyTimeout time.Duration

	out  chan *wire.Envelope
	done chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	closeErr      error
	lastHeartbeat time.Time
	requests      map[string]*pendingRequest
	streams       map[string]*pendingStream
	execs         map[string]*ExecSession
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithLogger sets the connection logger.
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithRequestTimeout sets the default deadline for unary dispatches.
func WithRequestTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithExecReadyTimeout bounds how long StartExec waits for the agent to
// attach a terminal.
func WithExecReadyTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		if d > 0 {
			c.execReadyTimeout = d
		}
	}
}

// WithSendBuffer sets the outbound queue depth.
func WithSendBuffer(n int) ConnectionOption {
	return func(c *Connection) {
		if n > 0 {
			c.out = make(chan *wire.Envelope, n)
		}
	}
}

// WithSendObserver observes every frame the writer goroutine puts on the
// wire. Used for metrics.
func WithSendObserver(fn func(t wire.Type)) ConnectionOption {
	return func(c *Connection) {
		c.sendObserver = fn
	}
}

// NewConnection wraps an authenticated transport and starts its writer
// goroutine. Only the handshake constructs connections; a transport that
// fails authentication never becomes one.
func NewConnection(endpointID string, agent AgentInfo, t Transport, opts ...ConnectionOption) *Connection {
	c := &Connection{
		id:               uuid.NewString(),
		endpointID:       endpointID,
		agent:            agent,
		establishedAt:    time.Now(),
		transport:        t,
		logger:           slog.Default(),
		requestTimeout:   DefaultRequestTimeout,
		execReadyTimeout: DefaultExecReadyTimeout,
		out:              make(chan *wire.Envelope, defaultSendBuffer),
		done:             make(chan struct{}),
		lastHeartbeat:    time.Now(),
		requests:         make(map[string]*pendingRequest),
		streams:          make(map[string]*pendingStream),
		execs:            make(map[string]*ExecSession),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// ID is the unique identifier of this transport session, distinct from the
// endpoint id which survives reconnects.
func (c *Connection) ID() string { return c.id }

// EndpointID identifies the remote endpoint this tunnel serves.
func (c *Connection) EndpointID() string { return c.endpointID }

// Agent reports the handshake identity of the remote agent.
func (c *Connection) Agent() AgentInfo { return c.agent }

// EstablishedAt reports when the handshake completed.
func (c *Connection) EstablishedAt() time.Time { return c.establishedAt }

// Done is closed when the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the terminal reason after Done is closed, nil before.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Touch records liveness. Called by the reader loop for every inbound
// frame, so an agent busy streaming data is never mistaken for silent.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// LastHeartbeat reports the last time the agent showed signs of life.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// PendingCounts reports the sizes of the correlation tables.
func (c *Connection) PendingCounts() (requests, streams, execs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests), len(c.streams), len(c.execs)
}

// Send enqueues one frame for the writer goroutine. It fails with the
// teardown reason once the connection is closed and never blocks the
// caller on a dead connection.
func (c *Connection) Send(env *wire.Envelope) error {
	select {
	case <-c.done:
		return c.closeReason()
	default:
	}
	select {
	case c.out <- env:
		return nil
	case <-c.done:
		return c.closeReason()
	}
}

func (c *Connection) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrConnectionLost
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		default:
		}
		select {
		case <-c.done:
			return
		case env := <-c.out:
			data, err := wire.Encode(env)
			if err != nil {
				c.logger.Error("dropping unencodable frame", "type", env.Type, "error", err)
				continue
			}
			if err := c.transport.WriteMessage(data); err != nil {
				c.logger.Debug("transport write failed", "endpoint", c.endpointID, "error", err)
				// The reader sees the same broken transport; tear down
				// here so queued senders unblock immediately.
				go c.Teardown(fmt.Errorf("%w: %v", ErrConnectionLost, err), CloseGoingAway)
				return
			}
			if c.sendObserver != nil {
				c.sendObserver(env.Type)
			}
		}
	}
}

// Dispatch forwards one unary request and blocks until the response
// arrives, the deadline elapses, the context is cancelled, or the
// connection dies. Request delivery is at-most-once: a timeout says
// nothing about whether the agent executed the call.
func (c *Connection) Dispatch(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.requestTimeout
	}
	id := uuid.NewString()
	pr, err := c.addRequest(id, time.Now().Add(timeout))
	if err != nil {
		return nil, err
	}

	if err := c.Send(wire.NewRequest(id, req.Method, req.Path, req.Headers, req.Body, false)); err != nil {
		c.removeRequest(id)
		return nil, err
	}

	select {
	case out := <-pr.ch:
		return out.resp, out.err
	case <-ctx.Done():
		c.removeRequest(id)
		return nil, ctx.Err()
	}
}

// OpenStream starts a streaming exchange and returns immediately with a
// cancel handle. Chunks, the end signal and errors reach the consumer on
// the reader goroutine.
func (c *Connection) OpenStream(req Request, consumer StreamConsumer) (*StreamHandle, error) {
	id := uuid.NewString()
	if err := c.addStream(id, consumer); err != nil {
		return nil, err
	}
	if err := c.Send(wire.NewRequest(id, req.Method, req.Path, req.Headers, req.Body, true)); err != nil {
		c.takeStream(id)
		return nil, err
	}
	return &StreamHandle{RequestID: id, conn: c}, nil
}

// StartExec opens an interactive terminal and blocks until the agent
// confirms readiness. The returned handle drives input, resize and end;
// output reaches the consumer on the reader goroutine.
func (c *Connection) StartExec(ctx context.Context, spec ExecSpec, consumer ExecConsumer) (*ExecHandle, error) {
	id := uuid.NewString()
	es, err := c.addExec(id, spec, consumer)
	if err != nil {
		return nil, err
	}

	start := wire.NewExecStart(id, spec.ContainerID, spec.Cmd, spec.User, spec.Cols, spec.Rows)
	if err := c.Send(start); err != nil {
		c.takeExec(id)
		return nil, err
	}

	select {
	case err := <-es.readyCh:
		if err != nil {
			c.takeExec(id)
			return nil, err
		}
		return &ExecHandle{ExecID: id, conn: c, session: es}, nil
	case <-ctx.Done():
		if c.takeExec(id) != nil {
			_ = c.Send(wire.NewExecEnd(id, wire.ReasonCancelled))
		}
		return nil, ctx.Err()
	}
}

// Teardown fails every pending request, stream and exec session with
// reason, closes the transport, and marks the connection dead. It is the
// single cleanup path shared by disconnect, replacement, heartbeat timeout
// and shutdown; calling it again is a no-op.
func (c *Connection) Teardown(reason error, closeCode int) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = reason
		requests := c.requests
		streams := c.streams
		execs := c.execs
		c.requests = make(map[string]*pendingRequest)
		c.streams = make(map[string]*pendingStream)
		c.execs = make(map[string]*ExecSession)
		c.mu.Unlock()

		close(c.done)

		for _, pr := range requests {
			pr.resolve(nil, reason)
		}
		for _, st := range streams {
			st.fail(reason)
		}
		for _, es := range execs {
			es.fail(reason)
		}

		_ = c.transport.Close(closeCode, reason.Error())

		c.logger.Info("tunnel closed",
			"endpoint", c.endpointID,
			"agent", c.agent.ID,
			"reason", reason,
			"pending_requests", len(requests),
			"pending_streams", len(streams),
			"exec_sessions", len(execs))
	})
	c.wg.Wait()
}

// HandleResponse resolves the pending request matching a response frame.
// Unmatched responses (late arrivals after a timeout) are dropped.
func (c *Connection) HandleResponse(env *wire.Envelope) {
	pr := c.takeRequest(env.RequestID)
	if pr == nil {
		c.logger.Debug("response for unknown request", "endpoint", c.endpointID, "request_id", env.RequestID)
		return
	}
	body, err := wire.DecodeBody(env.Body, env.IsBinary)
	if err != nil {
		pr.resolve(nil, fmt.Errorf("decode response body: %w", err))
		return
	}
	pr.resolve(&Response{
		StatusCode: env.StatusCode,
		Headers:    env.Headers,
		Body:       body,
	}, nil)
}

// HandleStreamChunk delivers one chunk to its stream consumer. Chunks for
// unknown ids are dropped; a cancelled stream's tail lands here.
func (c *Connection) HandleStreamChunk(env *wire.Envelope) {
	st := c.getStream(env.RequestID)
	if st == nil {
		c.logger.Debug("chunk for unknown stream", "endpoint", c.endpointID, "request_id", env.RequestID)
		return
	}
	data, err := wire.DecodeData(env.Data)
	if err != nil {
		c.logger.Warn("undecodable stream chunk", "endpoint", c.endpointID, "request_id", env.RequestID, "error", err)
		return
	}
	st.data(data, env.Channel)
}

// HandleStreamEnd finishes a stream cleanly.
func (c *Connection) HandleStreamEnd(env *wire.Envelope) {
	st := c.takeStream(env.RequestID)
	if st == nil {
		return
	}
	reason := env.Reason
	if reason == "" {
		reason = wire.ReasonEOF
	}
	st.end(reason)
}

// HandleExecFrame routes exec_ready, exec_output and exec_end frames from
// the agent to their session.
func (c *Connection) HandleExecFrame(env *wire.Envelope) {
	switch env.Type {
	case wire.TypeExecReady:
		if es := c.getExec(env.ExecID); es != nil {
			es.markReady()
		}
	case wire.TypeExecOutput:
		es := c.getExec(env.ExecID)
		if es == nil {
			return
		}
		data, err := wire.DecodeData(env.Data)
		if err != nil {
			c.logger.Warn("undecodable exec output", "endpoint", c.endpointID, "exec_id", env.ExecID, "error", err)
			return
		}
		es.output(data)
	case wire.TypeExecEnd:
		es := c.takeExec(env.ExecID)
		if es == nil {
			return
		}
		reason := env.Reason
		if reason == "" {
			reason = wire.ReasonExited
		}
		es.finish(reason)
	default:
		c.logger.Warn("unexpected exec frame", "endpoint", c.endpointID, "type", env.Type)
	}
}

// HandleErrorFrame fails the pending work an error frame refers to. Errors
// without a correlation id describe the connection and are only logged;
// the transport state decides its fate.
func (c *Connection) HandleErrorFrame(env *wire.Envelope) {
	switch {
	case env.RequestID != "":
		if pr := c.takeRequest(env.RequestID); pr != nil {
			pr.resolve(nil, fmt.Errorf("agent error: %s", env.Message))
			return
		}
		if st := c.takeStream(env.RequestID); st != nil {
			st.fail(fmt.Errorf("agent error: %s", env.Message))
		}
	case env.ExecID != "":
		if es := c.takeExec(env.ExecID); es != nil {
			es.fail(fmt.Errorf("agent error: %s", env.Message))
		}
	default:
		c.logger.Warn("agent reported connection error", "endpoint", c.endpointID, "message", env.Message)
	}
}

// expireDeadlines fails requests past their deadline and exec sessions the
// agent never attached. Called by the monitor's sweep; there are no
// per-request timers.
func (c *Connection) expireDeadlines(now time.Time) {
	c.mu.Lock()
	var overdue []*pendingRequest
	for id, pr := range c.requests {
		if now.After(pr.deadline) {
			delete(c.requests, id)
			overdue = append(overdue, pr)
		}
	}
	var unattached []*ExecSession
	for id, es := range c.execs {
		if es.readyExpired(now) {
			delete(c.execs, id)
			unattached = append(unattached, es)
		}
	}
	c.mu.Unlock()

	for _, pr := range overdue {
		pr.resolve(nil, ErrRequestTimeout)
	}
	for _, es := range unattached {
		es.fail(ErrExecReadyTimeout)
		_ = c.Send(wire.NewExecEnd(es.id, wire.ReasonTimeout))
	}
}

func (c *Connection) addRequest(id string, deadline time.Time) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.closeErr
	}
	if _, exists := c.requests[id]; exists {
		return nil, fmt.Errorf("request id %s already pending", id)
	}
	pr := newPendingRequest(id, deadline)
	c.requests[id] = pr
	return pr, nil
}

func (c *Connection) removeRequest(id string) {
	c.mu.Lock()
	delete(c.requests, id)
	c.mu.Unlock()
}

func (c *Connection) takeRequest(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr := c.requests[id]
	delete(c.requests, id)
	return pr
}

func (c *Connection) addStream(id string, consumer StreamConsumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closeErr
	}
	c.streams[id] = newPendingStream(id, consumer)
	return nil
}

func (c *Connection) getStream(id string) *pendingStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *Connection) takeStream(id string) *pendingStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.streams[id]
	delete(c.streams, id)
	return st
}

func (c *Connection) addExec(id string, spec ExecSpec, consumer ExecConsumer) (*ExecSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.closeErr
	}
	es := newExecSession(id, spec, consumer, time.Now().Add(c.execReadyTimeout))
	c.execs[id] = es
	return es, nil
}

func (c *Connection) getExec(id string) *ExecSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execs[id]
}

func (c *Connection) takeExec(id string) *ExecSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	es := c.execs[id]
	delete(c.execs, id)
	return es
}
