package http

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/internal/port/inbound"
	"github.com/dockhand-io/dockhand/pkg/wire"
)

const (
	// wsWriteTimeout bounds a single frame write so one stalled agent
	// cannot wedge its writer goroutine forever.
	wsWriteTimeout = 10 * time.Second

	// wsReadLimit caps one inbound frame. Chunked payloads keep
	// legitimate frames far below this.
	wsReadLimit = 1 << 20 // 1MB

	wsBufferSize = 32 * 1024
)

// AgentSocketHandler serves the /ws/agent endpoint: it upgrades incoming
// agent connections and hands each one to the tunnel hub, which runs the
// handshake and owns the connection from there.
type AgentSocketHandler struct {
	gateway  inbound.AgentGateway
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewAgentSocketHandler creates the upgrade handler for agent tunnels.
func NewAgentSocketHandler(gateway inbound.AgentGateway, logger *slog.Logger) *AgentSocketHandler {
	return &AgentSocketHandler{
		gateway: gateway,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
			Subprotocols:    []string{wire.ProtocolVersion},
			// Agents are headless processes, not browsers; Origin carries
			// no trust here. Authentication happens in the handshake.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *AgentSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger
	if l, ok := r.Context().Value(LoggerKey).(*slog.Logger); ok {
		logger = l
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logger.Warn("agent websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	remote := RealIPFromContext(r.Context())
	if remote == "" {
		remote = conn.RemoteAddr().String()
	}

	// ServeAgent blocks for the lifetime of the tunnel; this handler
	// goroutine is the connection's reader.
	if err := h.gateway.ServeAgent(r.Context(), newWSTransport(conn, remote)); err != nil {
		logger.Debug("agent handshake rejected", "remote", remote, "error", err)
	}
}

// wsTransport adapts a gorilla WebSocket connection to the tunnel
// Transport interface.
type wsTransport struct {
	conn      *websocket.Conn
	remote    string
	closeOnce sync.Once
	closeErr  error
}

var _ tunnel.Transport = (*wsTransport)(nil)

func newWSTransport(conn *websocket.Conn, remote string) *wsTransport {
	conn.SetReadLimit(wsReadLimit)
	return &wsTransport{conn: conn, remote: remote}
}

// ReadMessage blocks until the next data message arrives. Control frames
// are answered inside gorilla and never surface here.
func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

// WriteMessage writes one text frame. Only one goroutine calls this at a
// time per the Transport contract, so the deadline-then-write pair needs
// no lock.
func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with the given status code, then drops the
// connection. Safe to call repeatedly and concurrently with reads and
// writes; pending reads unblock with an error.
func (t *wsTransport) Close(code int, reason string) error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		// Best effort; the peer may already be gone.
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// RemoteAddr reports the peer address, preferring the proxy-aware real IP
// resolved at upgrade time.
func (t *wsTransport) RemoteAddr() string { return t.remote }
