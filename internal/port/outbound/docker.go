// Package outbound defines the outbound port interfaces for reaching the
// local Docker Engine API.
package outbound

import (
	"context"

	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
)

// EngineClient is the outbound port for the local Docker Engine API.
// Adapters implement this to support different daemon transports
// (unix socket, TCP).
type EngineClient interface {
	// Do performs a unary Engine API request and returns the buffered
	// response.
	Do(ctx context.Context, req *tunnel.Request) (*tunnel.Response, error)

	// Stream performs a streaming Engine API request (logs, events,
	// stats). Each body chunk is passed to deliver as it arrives.
	// Returns when the response body ends, deliver returns an error,
	// or ctx is cancelled.
	Stream(ctx context.Context, req *tunnel.Request, deliver func(chunk []byte) error) error
}

// ExecProcess is a handle to a running interactive exec session.
type ExecProcess interface {
	// Write sends bytes to the session's stdin.
	Write(p []byte) error

	// Resize updates the terminal dimensions.
	Resize(cols, rows uint16) error

	// Close terminates the session and releases the underlying
	// connection. Idempotent.
	Close() error
}

// ExecRunner starts interactive exec sessions in local containers.
type ExecRunner interface {
	// Start creates and attaches an exec session. Output chunks are
	// passed to onOutput with their channel; onExit is called exactly
	// once when the session terminates, with a reason from the wire
	// vocabulary (exited, error, cancelled).
	//
	// The returned handle is valid once Start returns without error.
	Start(ctx context.Context, spec tunnel.ExecSpec, onOutput func(data []byte, channel string), onExit func(reason string)) (ExecProcess, error)
}
