package tunnel

// Transport is the message-oriented connection a tunnel runs over. The
// production implementation wraps a WebSocket; tests use in-memory pipes.
//
// ReadMessage is called from a single reader goroutine and WriteMessage
// from the connection's single writer goroutine, so implementations need
// not serialize reads against reads or writes against writes, only reads
// against writes.
type Transport interface {
	// ReadMessage blocks until the next complete message arrives or the
	// transport fails.
	ReadMessage() ([]byte, error)

	// WriteMessage writes one complete message.
	WriteMessage(data []byte) error

	// Close sends a close notification with the given status code and
	// reason, then releases the transport. Safe to call more than once
	// and concurrently with pending reads, which must unblock with an
	// error.
	Close(code int, reason string) error

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}
