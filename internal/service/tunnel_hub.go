package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dockhand-io/dockhand/internal/domain/auth"
	"github.com/dockhand-io/dockhand/internal/domain/policy"
	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/internal/port/inbound"
	"github.com/dockhand-io/dockhand/pkg/wire"
)

// tracerName is the instrumentation scope for tunnel spans.
const tracerName = "github.com/dockhand-io/dockhand/internal/service"

// DefaultHandshakeTimeout bounds how long a fresh transport may stay silent
// before its first hello.
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrAccessDenied rejects a call disallowed by the access policy.
	ErrAccessDenied = errors.New("access denied by policy")

	// ErrHandshakeTimeout rejects a transport whose hello never arrived.
	ErrHandshakeTimeout = errors.New("handshake timeout waiting for hello")
)

// TunnelHub owns the server side of every agent tunnel. It runs handshakes,
// routes inbound frames to the owning connection's correlation tables, and
// exposes the outbound facade (Dispatch, OpenStream, StartExec) that the
// management API calls to reach a daemon through its agent.
//
// The hub holds no per-connection state of its own; everything lives in the
// registry and the connections themselves, so a hub restart is a process
// restart.
type TunnelHub struct {
	registry *tunnel.Registry
	verifier auth.TokenVerifier
	access   policy.Engine
	logger   *slog.Logger
	tracer   trace.Tracer

	ingest *IngestService
	stats  *StatsService

	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	execReadyTimeout time.Duration
	capabilities     []string

	onConnect    func(conn *tunnel.Connection, replaced bool)
	onDisconnect func(conn *tunnel.Connection, reason error)
	onFrame      func(frameType wire.Type)
	onSendFrame  func(frameType wire.Type)
	onDispatch   func(d time.Duration, err error)
}

// HubOption configures a TunnelHub.
type HubOption func(*TunnelHub)

// WithIngest routes agent-pushed metrics and container events into the
// given ingest pipeline. Without it telemetry frames are dropped.
func WithIngest(svc *IngestService) HubOption {
	return func(h *TunnelHub) {
		h.ingest = svc
	}
}

// WithStats wires runtime counters.
func WithStats(svc *StatsService) HubOption {
	return func(h *TunnelHub) {
		h.stats = svc
	}
}

// WithTracer overrides the tracer used for outbound facade spans.
func WithTracer(tracer trace.Tracer) HubOption {
	return func(h *TunnelHub) {
		if tracer != nil {
			h.tracer = tracer
		}
	}
}

// WithHandshakeTimeout bounds the wait for the hello frame.
func WithHandshakeTimeout(d time.Duration) HubOption {
	return func(h *TunnelHub) {
		if d > 0 {
			h.handshakeTimeout = d
		}
	}
}

// WithDispatchTimeout sets the default deadline applied to unary dispatches
// on every connection the hub creates.
func WithDispatchTimeout(d time.Duration) HubOption {
	return func(h *TunnelHub) {
		if d > 0 {
			h.requestTimeout = d
		}
	}
}

// WithExecReadyWait bounds how long StartExec waits for agents to attach a
// terminal.
func WithExecReadyWait(d time.Duration) HubOption {
	return func(h *TunnelHub) {
		if d > 0 {
			h.execReadyTimeout = d
		}
	}
}

// WithServerCapabilities sets the capability list advertised in welcome
// frames.
func WithServerCapabilities(caps []string) HubOption {
	return func(h *TunnelHub) {
		h.capabilities = caps
	}
}

// WithConnectHook observes every completed handshake. Used for metrics.
func WithConnectHook(fn func(conn *tunnel.Connection, replaced bool)) HubOption {
	return func(h *TunnelHub) {
		h.onConnect = fn
	}
}

// WithDisconnectHook observes every connection end seen by a reader loop.
func WithDisconnectHook(fn func(conn *tunnel.Connection, reason error)) HubOption {
	return func(h *TunnelHub) {
		h.onDisconnect = fn
	}
}

// WithFrameHook observes every well-formed inbound frame. Used for metrics.
func WithFrameHook(fn func(frameType wire.Type)) HubOption {
	return func(h *TunnelHub) {
		h.onFrame = fn
	}
}

// WithSendFrameHook observes every frame written to an agent. Used for
// metrics.
func WithSendFrameHook(fn func(frameType wire.Type)) HubOption {
	return func(h *TunnelHub) {
		h.onSendFrame = fn
	}
}

// WithDispatchObserver observes the round-trip latency and outcome of
// every unary dispatch that passed admission. Used for metrics.
func WithDispatchObserver(fn func(d time.Duration, err error)) HubOption {
	return func(h *TunnelHub) {
		h.onDispatch = fn
	}
}

// NewTunnelHub creates the hub. The registry, verifier and access engine
// are required; telemetry and stats are optional.
func NewTunnelHub(registry *tunnel.Registry, verifier auth.TokenVerifier, access policy.Engine, logger *slog.Logger, opts ...HubOption) *TunnelHub {
	h := &TunnelHub{
		registry:         registry,
		verifier:         verifier,
		access:           access,
		logger:           logger,
		tracer:           otel.Tracer(tracerName),
		handshakeTimeout: DefaultHandshakeTimeout,
		capabilities:     []string{"proxy", "logs", "exec", "metrics", "events"},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ inbound.AgentGateway = (*TunnelHub)(nil)

// ServeAgent runs one agent connection end to end: handshake, registration,
// then frame routing until the transport dies. Handshake failures close the
// transport and are returned; once a connection is registered the method
// only returns nil, after teardown.
//
// The context guards the handshake only. A registered connection outlives
// the upgrade request's context and is torn down by transport failure, the
// liveness monitor, replacement, or Shutdown.
func (h *TunnelHub) ServeAgent(ctx context.Context, t tunnel.Transport) error {
	conn, err := h.handshake(ctx, t)
	if err != nil {
		return err
	}
	h.readLoop(conn, t)
	return nil
}

type readResult struct {
	data []byte
	err  error
}

// handshake authenticates a fresh transport and promotes it to a registered
// connection. The token verifier is consulted at most once per attempt.
func (h *TunnelHub) handshake(ctx context.Context, t tunnel.Transport) (*tunnel.Connection, error) {
	// The buffered channel lets the read goroutine exit even when nobody
	// receives; Close unblocks the pending read on the timeout paths.
	helloCh := make(chan readResult, 1)
	go func() {
		data, err := t.ReadMessage()
		helloCh <- readResult{data: data, err: err}
	}()

	var first readResult
	select {
	case first = <-helloCh:
	case <-time.After(h.handshakeTimeout):
		_ = t.Close(tunnel.ClosePolicyError, "handshake timeout")
		return nil, ErrHandshakeTimeout
	case <-ctx.Done():
		_ = t.Close(tunnel.CloseGoingAway, "server shutting down")
		return nil, ctx.Err()
	}
	if first.err != nil {
		_ = t.Close(tunnel.CloseProtocolError, "read failed")
		return nil, fmt.Errorf("read hello: %w", first.err)
	}

	env, err := wire.Decode(first.data)
	if err != nil {
		_ = t.Close(tunnel.CloseProtocolError, "malformed frame")
		return nil, fmt.Errorf("decode hello: %w", err)
	}
	if env.Type != wire.TypeHello {
		_ = t.Close(tunnel.CloseProtocolError, "expected hello")
		return nil, fmt.Errorf("handshake opened with %q, want %q", env.Type, wire.TypeHello)
	}
	if env.Version != wire.ProtocolVersion {
		h.reject(t, fmt.Sprintf("unsupported protocol version %q", env.Version), tunnel.ClosePolicyError)
		return nil, fmt.Errorf("unsupported protocol version %q", env.Version)
	}

	grant, err := h.verifier.Verify(ctx, env.Token)
	if err != nil {
		h.logger.Warn("agent authentication failed",
			"agent", env.AgentID,
			"remote", t.RemoteAddr(),
			"error", err)
		// The generic message keeps token state (unknown, expired,
		// revoked) from leaking to unauthenticated peers.
		h.reject(t, "authentication failed", tunnel.CloseAuthFailure)
		return nil, fmt.Errorf("authenticate agent: %w", err)
	}

	agent := tunnel.AgentInfo{
		ID:           env.AgentID,
		Name:         env.AgentName,
		Version:      env.Version,
		Capabilities: env.Capabilities,
		RemoteAddr:   t.RemoteAddr(),
	}
	connOpts := []tunnel.ConnectionOption{
		tunnel.WithLogger(h.logger),
		tunnel.WithRequestTimeout(h.requestTimeout),
		tunnel.WithExecReadyTimeout(h.execReadyTimeout),
	}
	if h.onSendFrame != nil {
		connOpts = append(connOpts, tunnel.WithSendObserver(h.onSendFrame))
	}
	conn := tunnel.NewConnection(grant.EndpointID, agent, t, connOpts...)

	replaced := h.registry.Register(conn)
	if h.stats != nil {
		h.stats.RecordConnect()
		if replaced {
			h.stats.RecordReplacement()
		}
	}

	if err := conn.Send(wire.NewWelcome(h.capabilities)); err != nil {
		h.registry.Remove(conn)
		return nil, fmt.Errorf("send welcome: %w", err)
	}

	h.logger.Info("agent connected",
		"endpoint", grant.EndpointID,
		"agent", agent.ID,
		"name", agent.Name,
		"remote", agent.RemoteAddr,
		"token", grant.TokenName,
		"replaced", replaced)
	if h.onConnect != nil {
		h.onConnect(conn, replaced)
	}
	return conn, nil
}

// reject tells the peer why it is being refused, then closes. Send errors
// are ignored; the transport is going away either way.
func (h *TunnelHub) reject(t tunnel.Transport, message string, code int) {
	if data, err := wire.Encode(wire.NewError("", "", message)); err == nil {
		_ = t.WriteMessage(data)
	}
	_ = t.Close(code, message)
}

// readLoop routes inbound frames until the transport fails, then finishes
// the teardown. Every frame counts as liveness, so an agent busy streaming
// never misses heartbeats.
func (h *TunnelHub) readLoop(conn *tunnel.Connection, t tunnel.Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			// Covers remote closes and local ones (monitor timeout,
			// replacement, Shutdown); Teardown is idempotent so the
			// first reason wins.
			conn.Teardown(fmt.Errorf("%w: %v", tunnel.ErrConnectionLost, err), tunnel.CloseGoingAway)
			break
		}
		env, err := wire.Decode(data)
		if err != nil {
			h.logger.Warn("dropping malformed frame", "endpoint", conn.EndpointID(), "error", err)
			continue
		}
		conn.Touch()
		if h.onFrame != nil {
			h.onFrame(env.Type)
		}
		if h.stats != nil {
			h.stats.RecordFrame(string(env.Type))
		}
		h.route(conn, env)
	}

	h.registry.Remove(conn)
	reason := conn.Err()
	h.logger.Info("agent disconnected",
		"endpoint", conn.EndpointID(),
		"agent", conn.Agent().ID,
		"reason", reason)
	if h.onDisconnect != nil {
		h.onDisconnect(conn, reason)
	}
}

// route hands one inbound frame to its handler. Frames that only the server
// may send are protocol violations: logged and ignored, the connection
// stays up.
func (h *TunnelHub) route(conn *tunnel.Connection, env *wire.Envelope) {
	switch env.Type {
	case wire.TypePong:
		// Touch already recorded the liveness; nothing else to do.
	case wire.TypePing:
		_ = conn.Send(wire.NewPong())
	case wire.TypeResponse:
		conn.HandleResponse(env)
	case wire.TypeStream:
		conn.HandleStreamChunk(env)
	case wire.TypeStreamEnd:
		conn.HandleStreamEnd(env)
	case wire.TypeExecReady, wire.TypeExecOutput, wire.TypeExecEnd:
		conn.HandleExecFrame(env)
	case wire.TypeExecResize:
		// Agents never drive resize today; tolerated for forward
		// compatibility.
		h.logger.Debug("ignoring agent resize", "endpoint", conn.EndpointID(), "exec_id", env.ExecID)
	case wire.TypeError:
		conn.HandleErrorFrame(env)
	case wire.TypeMetrics:
		if h.ingest != nil {
			h.ingest.RecordMetrics(conn.EndpointID(), frameTime(env), env.Metrics)
		}
	case wire.TypeContainerEvent:
		if h.ingest != nil {
			h.ingest.RecordEvent(conn.EndpointID(), frameTime(env), env.Event)
		}
	default:
		h.logger.Warn("protocol violation, frame ignored",
			"endpoint", conn.EndpointID(),
			"type", env.Type)
	}
}

// frameTime reads the agent-reported timestamp, falling back to now for
// frames that omit it.
func frameTime(env *wire.Envelope) time.Time {
	if env.Timestamp > 0 {
		return time.UnixMilli(env.Timestamp).UTC()
	}
	return time.Now().UTC()
}

// Dispatch forwards one unary Docker API call to the agent serving
// endpointID and waits for the response. Fails fast with ErrNotConnected
// when no agent is connected and with ErrAccessDenied when policy forbids
// the call; nothing is sent in either case.
func (h *TunnelHub) Dispatch(ctx context.Context, endpointID string, req tunnel.Request) (*tunnel.Response, error) {
	ctx, span := h.tracer.Start(ctx, "tunnel.dispatch", trace.WithAttributes(
		attribute.String("dockhand.endpoint_id", endpointID),
		attribute.String("docker.method", req.Method),
		attribute.String("docker.path", req.Path),
	))
	defer span.End()

	conn, err := h.admit(ctx, endpointID, req.Method, req.Path, false)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if h.stats != nil {
		h.stats.RecordDispatch()
	}
	started := time.Now()
	resp, err := conn.Dispatch(ctx, req)
	if h.onDispatch != nil {
		h.onDispatch(time.Since(started), err)
	}
	if err != nil {
		if h.stats != nil {
			h.stats.RecordError()
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("docker.status_code", resp.StatusCode))
	return resp, nil
}

// OpenStream starts a streaming exchange (logs, events, stats) against the
// agent serving endpointID. The span covers admission and the opening
// frame, not the stream's lifetime.
func (h *TunnelHub) OpenStream(ctx context.Context, endpointID string, req tunnel.Request, consumer tunnel.StreamConsumer) (*tunnel.StreamHandle, error) {
	ctx, span := h.tracer.Start(ctx, "tunnel.open_stream", trace.WithAttributes(
		attribute.String("dockhand.endpoint_id", endpointID),
		attribute.String("docker.method", req.Method),
		attribute.String("docker.path", req.Path),
	))
	defer span.End()

	conn, err := h.admit(ctx, endpointID, req.Method, req.Path, true)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if h.stats != nil {
		h.stats.RecordStream()
	}
	handle, err := conn.OpenStream(req, consumer)
	if err != nil {
		if h.stats != nil {
			h.stats.RecordError()
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return handle, nil
}

// StartExec opens an interactive terminal in a container on the agent
// serving endpointID and blocks until the agent attaches it. Policy sees
// exec as its own method so rules can fence terminals off independently of
// the HTTP surface.
func (h *TunnelHub) StartExec(ctx context.Context, endpointID string, spec tunnel.ExecSpec, consumer tunnel.ExecConsumer) (*tunnel.ExecHandle, error) {
	path := "/containers/" + spec.ContainerID + "/exec"
	ctx, span := h.tracer.Start(ctx, "tunnel.start_exec", trace.WithAttributes(
		attribute.String("dockhand.endpoint_id", endpointID),
		attribute.String("docker.container_id", spec.ContainerID),
	))
	defer span.End()

	conn, err := h.admit(ctx, endpointID, policy.MethodExec, path, false)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if h.stats != nil {
		h.stats.RecordExec()
	}
	handle, err := conn.StartExec(ctx, spec, consumer)
	if err != nil {
		if h.stats != nil {
			h.stats.RecordError()
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return handle, nil
}

// admit resolves the live connection for an endpoint and applies the access
// policy to the call.
func (h *TunnelHub) admit(ctx context.Context, endpointID, method, path string, streaming bool) (*tunnel.Connection, error) {
	conn, ok := h.registry.Get(endpointID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tunnel.ErrNotConnected, endpointID)
	}

	decision, err := h.access.Evaluate(ctx, policy.AccessContext{
		EndpointID:  endpointID,
		Method:      method,
		Path:        path,
		Streaming:   streaming,
		RequestTime: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate access policy: %w", err)
	}
	if !decision.Allowed {
		if h.stats != nil {
			h.stats.RecordDeny()
		}
		h.logger.Warn("access denied",
			"endpoint", endpointID,
			"method", method,
			"path", path,
			"rule", decision.RuleName,
			"reason", decision.Reason)
		return nil, fmt.Errorf("%w: %s", ErrAccessDenied, decision.Reason)
	}
	return conn, nil
}

// AgentStatus describes one connected agent for the management API.
type AgentStatus struct {
	EndpointID      string    `json:"endpoint_id"`
	ConnectionID    string    `json:"connection_id"`
	AgentID         string    `json:"agent_id"`
	AgentName       string    `json:"agent_name"`
	RemoteAddr      string    `json:"remote_addr"`
	Capabilities    []string  `json:"capabilities,omitempty"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	PendingRequests int       `json:"pending_requests"`
	OpenStreams     int       `json:"open_streams"`
	ExecSessions    int       `json:"exec_sessions"`
}

func statusOf(conn *tunnel.Connection) AgentStatus {
	agent := conn.Agent()
	requests, streams, execs := conn.PendingCounts()
	return AgentStatus{
		EndpointID:      conn.EndpointID(),
		ConnectionID:    conn.ID(),
		AgentID:         agent.ID,
		AgentName:       agent.Name,
		RemoteAddr:      agent.RemoteAddr,
		Capabilities:    agent.Capabilities,
		ConnectedAt:     conn.EstablishedAt(),
		LastHeartbeat:   conn.LastHeartbeat(),
		PendingRequests: requests,
		OpenStreams:     streams,
		ExecSessions:    execs,
	}
}

// Agents snapshots every connected agent, sorted by endpoint id.
func (h *TunnelHub) Agents() []AgentStatus {
	conns := h.registry.All()
	out := make([]AgentStatus, 0, len(conns))
	for _, conn := range conns {
		out = append(out, statusOf(conn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

// Agent reports the connected agent for one endpoint.
func (h *TunnelHub) Agent(endpointID string) (AgentStatus, bool) {
	conn, ok := h.registry.Get(endpointID)
	if !ok {
		return AgentStatus{}, false
	}
	return statusOf(conn), true
}

// Connected reports whether an agent currently serves the endpoint.
func (h *TunnelHub) Connected(endpointID string) bool {
	_, ok := h.registry.Get(endpointID)
	return ok
}

// Disconnect tears down the connection for an endpoint and reports whether
// one existed. Pending work fails with the operator's reason.
func (h *TunnelHub) Disconnect(endpointID, reason string) bool {
	conn, ok := h.registry.Get(endpointID)
	if !ok {
		return false
	}
	if reason == "" {
		reason = "disconnected by operator"
	}
	conn.Teardown(errors.New(reason), tunnel.CloseNormal)
	h.registry.Remove(conn)
	return true
}

// Shutdown tears down every registered connection. Called during process
// shutdown after inbound listeners stop accepting agents.
func (h *TunnelHub) Shutdown() {
	for _, conn := range h.registry.All() {
		conn.Teardown(tunnel.ErrShuttingDown, tunnel.CloseGoingAway)
		h.registry.Remove(conn)
	}
}
