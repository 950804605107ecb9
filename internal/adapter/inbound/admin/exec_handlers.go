package admin

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/internal/service"
)

const (
	// execWriteTimeout bounds one frame write to the operator terminal.
	execWriteTimeout = 10 * time.Second

	// execMaxClientMessage caps one inbound control frame. Terminal
	// input comes in keystrokes and pastes, not bulk transfers.
	execMaxClientMessage = 64 * 1024
)

// execClientFrame is one control message from the operator terminal.
// Input data is base64 so binary-safe payloads survive JSON.
type execClientFrame struct {
	Type string `json:"type"` // "input", "resize" or "end"
	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
}

// execServerFrame is one message to the operator terminal.
type execServerFrame struct {
	Type   string `json:"type"` // "ready", "output" or "end"
	ExecID string `json:"exec_id,omitempty"`
	Data   string `json:"data,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// execUpgrader upgrades operator terminals.
var execUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     sameHostOrigin,
}

// sameHostOrigin accepts requests without an Origin header and browser
// requests whose Origin host matches the request host. Cross-site
// WebSocket hijacking against a localhost-only server is blocked
// without getting in the way of CLI clients.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// handleExecBridge bridges a WebSocket terminal to an interactive exec
// session inside a container on the agent's daemon. Query parameters:
// container (required), cmd (repeatable, defaults to /bin/sh), user,
// cols, rows. The client sends execClientFrame messages; output and
// termination come back as execServerFrame messages.
// GET /api/agents/{id}/exec
func (h *AdminAPIHandler) handleExecBridge(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "tunnel hub not configured")
		return
	}
	endpointID := pathParam(r, "id")

	q := r.URL.Query()
	spec := tunnel.ExecSpec{
		ContainerID: q.Get("container"),
		Cmd:         q["cmd"],
		User:        q.Get("user"),
		Cols:        parseDim(q.Get("cols"), 80),
		Rows:        parseDim(q.Get("rows"), 24),
	}
	if spec.ContainerID == "" {
		respondError(w, http.StatusBadRequest, "container query parameter is required")
		return
	}
	if len(spec.Cmd) == 0 {
		spec.Cmd = []string{"/bin/sh"}
	}

	conn, err := execUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		h.logger.Warn("exec bridge upgrade failed", "endpoint_id", endpointID, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(execMaxClientMessage)

	var (
		sendMu   sync.Mutex
		finish   sync.Once
		finished = make(chan struct{})
	)
	send := func(frame execServerFrame) {
		sendMu.Lock()
		defer sendMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(execWriteTimeout))
		_ = conn.WriteJSON(frame)
	}

	consumer := tunnel.ExecConsumer{
		OnOutput: func(data []byte) {
			send(execServerFrame{Type: "output", Data: base64.StdEncoding.EncodeToString(data)})
		},
		OnEnd: func(reason string) {
			send(execServerFrame{Type: "end", Reason: reason})
			finish.Do(func() { close(finished) })
		},
	}

	handle, err := h.hub.StartExec(r.Context(), endpointID, spec, consumer)
	if err != nil {
		h.logger.Warn("exec start failed", "endpoint_id", endpointID, "container_id", spec.ContainerID, "error", err)
		send(execServerFrame{Type: "end", Reason: execStartFailure(endpointID, err)})
		return
	}
	h.logger.Info("exec session bridged",
		"endpoint_id", endpointID,
		"container_id", spec.ContainerID,
		"exec_id", handle.ExecID,
	)
	send(execServerFrame{Type: "ready", ExecID: handle.ExecID})

	// Unblock the read loop once the agent side finishes.
	go func() {
		<-finished
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), deadline)
		_ = conn.Close()
	}()

	for {
		var frame execClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			_ = handle.End("client disconnected")
			return
		}
		switch frame.Type {
		case "input":
			data, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				send(execServerFrame{Type: "end", Reason: "malformed input payload"})
				_ = handle.End("protocol error")
				return
			}
			if err := handle.Input(data); err != nil {
				return
			}
		case "resize":
			_ = handle.Resize(frame.Cols, frame.Rows)
		case "end":
			_ = handle.End("closed by operator")
			return
		default:
			// Unknown frame types are ignored so the client protocol
			// can grow without breaking older servers.
		}
	}
}

// execStartFailure renders a start error for the terminal client.
func execStartFailure(endpointID string, err error) string {
	switch {
	case errors.Is(err, tunnel.ErrNotConnected):
		return "agent not connected: " + endpointID
	case errors.Is(err, service.ErrAccessDenied):
		return err.Error()
	case errors.Is(err, tunnel.ErrConnectionTimeout), errors.Is(err, context.DeadlineExceeded):
		return "exec session did not become ready in time"
	default:
		return "exec start failed: " + err.Error()
	}
}

// parseDim parses a terminal dimension query parameter.
func parseDim(s string, def uint16) uint16 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return def
	}
	return uint16(n)
}
