package tunnel

import "errors"

// Terminal failure reasons delivered to pending work. Callers distinguish
// them with errors.Is: a replaced connection may be worth retrying against
// the successor, a timeout is not.
var (
	// ErrNotConnected is returned when no live connection exists for the
	// target endpoint. Nothing was sent.
	ErrNotConnected = errors.New("agent not connected")

	// ErrReplaced fails pending work when a newer connection for the same
	// endpoint takes over.
	ErrReplaced = errors.New("connection replaced by a newer agent connection")

	// ErrConnectionLost fails pending work when the transport drops.
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnectionTimeout fails pending work when the heartbeat window
	// elapses without any sign of life from the agent.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrRequestTimeout fails a single pending request whose deadline
	// elapsed. The request may still execute on the agent; only its
	// delivery to the agent is at-most-once.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrExecReadyTimeout fails an exec session the agent did not attach
	// before the readiness deadline.
	ErrExecReadyTimeout = errors.New("exec session not ready before deadline")

	// ErrExecEnded rejects input and resize calls on a finished exec
	// session.
	ErrExecEnded = errors.New("exec session ended")

	// ErrShuttingDown fails pending work during process shutdown.
	ErrShuttingDown = errors.New("server shutting down")
)

// WebSocket close codes used when tearing a transport down. Values in the
// 4000 range are application-defined per RFC 6455.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	ClosePolicyError   = 1008
	CloseInternalError = 1011
	CloseAuthFailure   = 4001
	CloseTimeout       = 4002
)
