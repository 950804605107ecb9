// Package http provides the inbound HTTP transport for Dockhand.
//
// It owns the listener every agent dials into and the operational
// endpoints next to it:
//
//	GET /ws/agent  - WebSocket upgrade for agent tunnels (subprotocol
//	                 dockhand.v1); the upgraded connection is handed to
//	                 the tunnel hub for handshake and frame routing
//	GET /health    - component health as JSON
//	GET /metrics   - Prometheus metrics
//	/api/...       - management API, mounted when configured
//
// Create and start a transport:
//
//	transport := http.NewHTTPTransport(hub,
//	    http.WithAddr(":9410"),
//	    http.WithTLS("cert.pem", "key.pem"),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// Start blocks until the context is cancelled or the listener fails, and
// shuts the server down gracefully. Registered agent connections are not
// owned by the server; the hub tears them down separately.
package http
