// Package inbound defines the inbound port interfaces for the tunnel core.
// Inbound adapters (the agent WebSocket endpoint) call these interfaces.
package inbound

import (
	"context"

	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
)

// AgentGateway is the inbound port for agent tunnel connections.
// The WebSocket adapter hands each accepted transport to this interface.
type AgentGateway interface {
	// ServeAgent runs the handshake and frame routing for one agent
	// connection. Blocks until the connection ends. Handshake failures
	// are returned as errors; a connection that completed the handshake
	// and later ended returns nil.
	ServeAgent(ctx context.Context, transport tunnel.Transport) error
}
