// Package wire defines the tunnel protocol spoken between the Dockhand
// server and remote agents: the message catalogue, the JSON envelope that
// carries every message, and the codec that puts envelopes on the wire.
//
// One envelope per WebSocket message, no batching. Every message carries a
// Type discriminator; long-lived interactions (requests, streams, exec
// sessions) are correlated by RequestID or ExecID so arbitrarily many of
// them can share a single connection.
package wire

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is negotiated during the handshake and doubles as the
// WebSocket subprotocol offered by agents.
const ProtocolVersion = "dockhand.v1"

// Type discriminates the messages of the tunnel protocol.
type Type string

// The message catalogue. Direction is noted per type; anything received
// outside its documented direction is a protocol violation.
const (
	// TypeHello opens the handshake (agent -> server).
	TypeHello Type = "hello"
	// TypeWelcome acknowledges a successful handshake (server -> agent).
	TypeWelcome Type = "welcome"
	// TypeRequest starts a unary or streaming exchange (server -> agent).
	TypeRequest Type = "request"
	// TypeResponse carries a unary result (agent -> server).
	TypeResponse Type = "response"
	// TypeStream carries one ordered chunk of a streaming exchange
	// (agent -> server).
	TypeStream Type = "stream"
	// TypeStreamEnd terminates a streaming exchange (either direction).
	TypeStreamEnd Type = "stream_end"
	// TypeExecStart opens an interactive terminal session (server -> agent).
	TypeExecStart Type = "exec_start"
	// TypeExecReady signals the terminal is attached (agent -> server).
	TypeExecReady Type = "exec_ready"
	// TypeExecInput carries terminal input (server -> agent).
	TypeExecInput Type = "exec_input"
	// TypeExecOutput carries terminal output (agent -> server).
	TypeExecOutput Type = "exec_output"
	// TypeExecResize adjusts terminal dimensions (either direction).
	TypeExecResize Type = "exec_resize"
	// TypeExecEnd closes a terminal session (either direction).
	TypeExecEnd Type = "exec_end"
	// TypePing is the server-initiated heartbeat probe.
	TypePing Type = "ping"
	// TypePong is the agent's heartbeat reply.
	TypePong Type = "pong"
	// TypeMetrics pushes host telemetry (agent -> server).
	TypeMetrics Type = "metrics"
	// TypeContainerEvent forwards a daemon event (agent -> server).
	TypeContainerEvent Type = "container_event"
	// TypeError signals a failure, optionally correlated to a request or
	// exec session (either direction).
	TypeError Type = "error"
)

// Stream channel tags.
const (
	ChannelStdout = "stdout"
	ChannelStderr = "stderr"
)

// Well-known termination reasons carried by stream_end and exec_end.
const (
	ReasonCancelled = "cancelled"
	ReasonEOF       = "eof"
	ReasonError     = "error"
	ReasonExited    = "exited"
	ReasonShutdown  = "shutdown"
	ReasonTimeout   = "timeout"
)

// Envelope is the single JSON object carried by every WebSocket message.
// Type is always set; the remaining fields are populated per the catalogue
// and omitted otherwise. Binary request/response bodies are base64-encoded
// and flagged with IsBinary; stream and exec payloads in Data are always
// base64.
type Envelope struct {
	Type Type `json:"type"`

	// Handshake fields (hello, welcome).
	Version      string   `json:"version,omitempty"`
	AgentID      string   `json:"agentId,omitempty"`
	AgentName    string   `json:"agentName,omitempty"`
	Token        string   `json:"token,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// Request/response/stream fields, correlated by RequestID.
	RequestID  string            `json:"requestId,omitempty"`
	Method     string            `json:"method,omitempty"`
	Path       string            `json:"path,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	IsBinary   bool              `json:"isBinary,omitempty"`
	Streaming  bool              `json:"streaming,omitempty"`
	StatusCode int               `json:"statusCode,omitempty"`

	// Chunk payload for stream, exec_input and exec_output. Channel tags
	// stream chunks as stdout/stderr when the agent can tell them apart.
	Data    string `json:"data,omitempty"`
	Channel string `json:"channel,omitempty"`

	// Exec session fields, correlated by ExecID.
	ExecID      string   `json:"execId,omitempty"`
	ContainerID string   `json:"containerId,omitempty"`
	Cmd         []string `json:"cmd,omitempty"`
	User        string   `json:"user,omitempty"`
	Cols        uint16   `json:"cols,omitempty"`
	Rows        uint16   `json:"rows,omitempty"`

	// Termination reason for stream_end and exec_end.
	Reason string `json:"reason,omitempty"`

	// Telemetry push payloads, forwarded without interpretation.
	Timestamp int64           `json:"timestamp,omitempty"`
	Metrics   json.RawMessage `json:"metrics,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`

	// Error message for type=error.
	Message string `json:"message,omitempty"`
}

// NewHello builds the handshake opener presented by an agent.
func NewHello(agentID, agentName, token string, capabilities []string) *Envelope {
	return &Envelope{
		Type:         TypeHello,
		Version:      ProtocolVersion,
		AgentID:      agentID,
		AgentName:    agentName,
		Token:        token,
		Capabilities: capabilities,
	}
}

// NewWelcome builds the handshake acknowledgement sent by the server.
func NewWelcome(capabilities []string) *Envelope {
	return &Envelope{
		Type:         TypeWelcome,
		Version:      ProtocolVersion,
		Capabilities: capabilities,
	}
}

// NewRequest builds a request frame. The body is encoded per EncodeBody;
// streaming marks the exchange as chunked rather than unary.
func NewRequest(requestID, method, path string, headers map[string]string, body []byte, streaming bool) *Envelope {
	s, bin := EncodeBody(body)
	return &Envelope{
		Type:      TypeRequest,
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Headers:   headers,
		Body:      s,
		IsBinary:  bin,
		Streaming: streaming,
	}
}

// NewResponse builds the unary response to a request frame.
func NewResponse(requestID string, statusCode int, headers map[string]string, body []byte) *Envelope {
	s, bin := EncodeBody(body)
	return &Envelope{
		Type:       TypeResponse,
		RequestID:  requestID,
		StatusCode: statusCode,
		Headers:    headers,
		Body:       s,
		IsBinary:   bin,
	}
}

// NewStreamChunk builds one ordered chunk of a streaming exchange.
// An empty channel means the agent could not attribute the bytes.
func NewStreamChunk(requestID string, data []byte, channel string) *Envelope {
	return &Envelope{
		Type:      TypeStream,
		RequestID: requestID,
		Data:      EncodeData(data),
		Channel:   channel,
	}
}

// NewStreamEnd terminates a streaming exchange.
func NewStreamEnd(requestID, reason string) *Envelope {
	return &Envelope{Type: TypeStreamEnd, RequestID: requestID, Reason: reason}
}

// NewExecStart opens a terminal session against a container.
func NewExecStart(execID, containerID string, cmd []string, user string, cols, rows uint16) *Envelope {
	return &Envelope{
		Type:        TypeExecStart,
		ExecID:      execID,
		ContainerID: containerID,
		Cmd:         cmd,
		User:        user,
		Cols:        cols,
		Rows:        rows,
	}
}

// NewExecReady acknowledges that a terminal session is attached.
func NewExecReady(execID string) *Envelope {
	return &Envelope{Type: TypeExecReady, ExecID: execID}
}

// NewExecInput carries terminal input to the agent.
func NewExecInput(execID string, data []byte) *Envelope {
	return &Envelope{Type: TypeExecInput, ExecID: execID, Data: EncodeData(data)}
}

// NewExecOutput carries terminal output back to the server.
func NewExecOutput(execID string, data []byte) *Envelope {
	return &Envelope{Type: TypeExecOutput, ExecID: execID, Data: EncodeData(data)}
}

// NewExecResize adjusts the terminal dimensions of a session.
func NewExecResize(execID string, cols, rows uint16) *Envelope {
	return &Envelope{Type: TypeExecResize, ExecID: execID, Cols: cols, Rows: rows}
}

// NewExecEnd closes a terminal session.
func NewExecEnd(execID, reason string) *Envelope {
	return &Envelope{Type: TypeExecEnd, ExecID: execID, Reason: reason}
}

// NewPing builds the server heartbeat probe.
func NewPing() *Envelope { return &Envelope{Type: TypePing} }

// NewPong builds the agent heartbeat reply.
func NewPong() *Envelope { return &Envelope{Type: TypePong} }

// NewMetrics pushes a host telemetry snapshot. The payload is opaque to
// the tunnel and handed to the metrics sink as-is.
func NewMetrics(ts time.Time, payload json.RawMessage) *Envelope {
	return &Envelope{Type: TypeMetrics, Timestamp: ts.UnixMilli(), Metrics: payload}
}

// NewContainerEvent forwards one daemon event. The payload is opaque to
// the tunnel and handed to the event sink as-is.
func NewContainerEvent(payload json.RawMessage) *Envelope {
	return &Envelope{Type: TypeContainerEvent, Event: payload}
}

// NewError signals a failure. Either correlation id may be empty; an error
// with no correlation refers to the connection itself.
func NewError(requestID, execID, message string) *Envelope {
	return &Envelope{Type: TypeError, RequestID: requestID, ExecID: execID, Message: message}
}
