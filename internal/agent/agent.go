// Package agent implements the edge companion process. It maintains one
// outbound WebSocket tunnel to the management server and serves all of
// the server's Docker Engine traffic over it: API forwarding, log and
// event streams, interactive terminals, and telemetry pushes.
//
// The agent never listens on any port. When the tunnel drops it redials
// with exponential backoff until the context ends or the server refuses
// the handshake outright.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/dockhand-io/dockhand/internal/port/outbound"
	"github.com/dockhand-io/dockhand/pkg/wire"
)

// agentSocketPath is where the server upgrades agent tunnels. Used when
// the configured server URL carries no explicit path.
const agentSocketPath = "/ws/agent"

const (
	defaultDialTimeout  = 15 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// defaultReadTimeout bounds the silence tolerated before the tunnel
	// is declared dead. The server's liveness pings arrive well inside
	// this window.
	defaultReadTimeout = 90 * time.Second

	defaultReconnectMin = time.Second
	defaultReconnectMax = time.Minute

	defaultMetricsInterval = 30 * time.Second
)

// Capability names advertised in the hello frame.
const (
	capProxy   = "proxy"
	capLogs    = "logs"
	capExec    = "exec"
	capMetrics = "metrics"
	capEvents  = "events"
)

// ErrHandshakeRejected marks a handshake the server explicitly refused:
// bad credentials or an unsupported protocol version. Redialing with the
// same settings cannot succeed, so Run returns instead of retrying.
var ErrHandshakeRejected = errors.New("handshake rejected by server")

// Agent owns the tunnel lifecycle: dial, handshake, session, redial.
type Agent struct {
	serverURL string
	token     string

	id   string
	name string

	engine outbound.EngineClient
	runner outbound.ExecRunner

	logger *slog.Logger
	dialer *websocket.Dialer

	dialTimeout  time.Duration
	writeTimeout time.Duration
	readTimeout  time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration
	tlsConfig    *tls.Config

	collector       MetricsCollector
	metricsInterval time.Duration
	events          bool
	eventsRetry     time.Duration

	capabilities []string
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithAgentID overrides the generated agent identifier presented in the
// handshake.
func WithAgentID(id string) Option {
	return func(a *Agent) {
		if id != "" {
			a.id = id
		}
	}
}

// WithAgentName overrides the advertised agent name. Defaults to the
// hostname.
func WithAgentName(name string) Option {
	return func(a *Agent) {
		if name != "" {
			a.name = name
		}
	}
}

// WithDialTimeout bounds one dial plus WebSocket upgrade attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.dialTimeout = d
		}
	}
}

// WithReadTimeout sets the silence budget after which the tunnel is
// considered dead and redialed.
func WithReadTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.readTimeout = d
		}
	}
}

// WithWriteTimeout bounds one frame write on the tunnel.
func WithWriteTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.writeTimeout = d
		}
	}
}

// WithReconnectBackoff sets the redial delay range. Delays start at min
// and double, with jitter, up to max; a completed handshake resets them.
func WithReconnectBackoff(min, max time.Duration) Option {
	return func(a *Agent) {
		if min > 0 {
			a.reconnectMin = min
		}
		if max > 0 {
			a.reconnectMax = max
		}
	}
}

// WithTLSConfig sets the TLS client configuration for wss dials.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(a *Agent) {
		a.tlsConfig = cfg
	}
}

// WithMetricsInterval sets the telemetry push cadence. Zero disables
// metrics pushes and drops the capability from the handshake.
func WithMetricsInterval(d time.Duration) Option {
	return func(a *Agent) {
		a.metricsInterval = d
	}
}

// WithCollector replaces the default host metrics collector.
func WithCollector(c MetricsCollector) Option {
	return func(a *Agent) {
		if c != nil {
			a.collector = c
		}
	}
}

// WithEvents toggles forwarding of the Engine's /events feed.
func WithEvents(enabled bool) Option {
	return func(a *Agent) {
		a.events = enabled
	}
}

// New validates the settings and prepares an agent. serverURL accepts
// http, https, ws or wss schemes; http(s) is rewritten to the WebSocket
// scheme, and a bare host gets the standard tunnel path appended.
func New(serverURL, token string, engine outbound.EngineClient, runner outbound.ExecRunner, opts ...Option) (*Agent, error) {
	if token == "" {
		return nil, errors.New("agent token required")
	}
	if engine == nil {
		return nil, errors.New("engine client required")
	}
	if runner == nil {
		return nil, errors.New("exec runner required")
	}

	hostname, _ := os.Hostname()
	a := &Agent{
		token:           token,
		id:              uuid.NewString(),
		name:            hostname,
		engine:          engine,
		runner:          runner,
		logger:          slog.Default(),
		dialTimeout:     defaultDialTimeout,
		writeTimeout:    defaultWriteTimeout,
		readTimeout:     defaultReadTimeout,
		reconnectMin:    defaultReconnectMin,
		reconnectMax:    defaultReconnectMax,
		collector:       NewRuntimeCollector(),
		metricsInterval: defaultMetricsInterval,
		events:          true,
		eventsRetry:     time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}

	target, err := tunnelURL(serverURL)
	if err != nil {
		return nil, err
	}
	a.serverURL = target

	a.capabilities = []string{capProxy, capLogs, capExec}
	if a.metricsInterval > 0 {
		a.capabilities = append(a.capabilities, capMetrics)
	}
	if a.events {
		a.capabilities = append(a.capabilities, capEvents)
	}

	a.dialer = &websocket.Dialer{
		HandshakeTimeout: a.dialTimeout,
		Subprotocols:     []string{wire.ProtocolVersion},
		TLSClientConfig:  a.tlsConfig,
	}
	return a, nil
}

// Run dials the server and serves the tunnel until ctx ends, redialing
// on every disconnect. It returns ctx's error on shutdown, or
// ErrHandshakeRejected when the server turned the agent away.
func (a *Agent) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    a.reconnectMin,
		Max:    a.reconnectMax,
		Jitter: true,
	}
	for {
		welcomed, err := a.runOnce(ctx)
		if welcomed {
			b.Reset()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrHandshakeRejected) {
			a.logger.Error("server refused handshake, giving up", "server", a.serverURL, "error", err)
			return err
		}

		delay := b.Duration()
		a.logger.Info("tunnel down, reconnecting", "server", a.serverURL, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce performs one dial, handshake and session. welcomed reports
// whether the server accepted the handshake, which resets the backoff.
func (a *Agent) runOnce(ctx context.Context) (welcomed bool, err error) {
	conn, err := a.dial(ctx)
	if err != nil {
		return false, err
	}

	welcome, err := a.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return false, err
	}
	a.logger.Info("tunnel established",
		"server", a.serverURL,
		"agent_id", a.id,
		"server_capabilities", welcome.Capabilities)

	s := newSession(a, conn)
	return true, s.run(ctx)
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.dialTimeout)
	defer cancel()

	conn, resp, err := a.dialer.DialContext(dialCtx, a.serverURL, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("dial %s: %s: %w", a.serverURL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", a.serverURL, err)
	}
	return conn, nil
}

// handshake sends hello and waits for the server's verdict. An error
// frame here means the server understood the hello and refused it, which
// is terminal; anything else wrong is treated as transient.
func (a *Agent) handshake(conn *websocket.Conn) (*wire.Envelope, error) {
	payload, err := wire.Encode(wire.NewHello(a.id, a.name, a.token, a.capabilities))
	if err != nil {
		return nil, fmt.Errorf("encode hello: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(a.writeTimeout)); err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(a.dialTimeout)); err != nil {
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("await welcome: %w", err)
	}
	env, err := wire.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode welcome: %w", err)
	}

	switch env.Type {
	case wire.TypeWelcome:
		return env, nil
	case wire.TypeError:
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRejected, env.Message)
	default:
		return nil, fmt.Errorf("expected welcome, got %s frame", env.Type)
	}
}

// tunnelURL normalizes the configured server URL into the ws(s) dial
// target.
func tunnelURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("server url missing host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = agentSocketPath
	}
	return u.String(), nil
}
