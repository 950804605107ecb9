package dockhand

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrUnauthorized is returned when the operator token is missing or
	// wrong.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the server refuses the operation,
	// including Docker calls denied by an access rule.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is returned when the addressed resource does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrAgentNotConnected is returned when no agent holds a tunnel for
	// the addressed endpoint.
	ErrAgentNotConnected = errors.New("agent not connected")

	// ErrAgentTimeout is returned when the agent did not answer a
	// relayed call in time.
	ErrAgentTimeout = errors.New("agent timeout")

	// ErrServerUnreachable is returned when the Dockhand server cannot
	// be contacted at all.
	ErrServerUnreachable = errors.New("server unreachable")
)

// APIError is an error response from the management API.
type APIError struct {
	// StatusCode is the HTTP status the server answered with.
	StatusCode int

	// Message is the server's error message.
	Message string
}

// Error returns a human-readable description of the API error.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dockhand: %s (HTTP %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("dockhand: HTTP %d", e.StatusCode)
}

// Is maps well-known statuses onto the package's sentinel errors, so
// callers can write errors.Is(err, dockhand.ErrAgentNotConnected)
// without inspecting status codes.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == 401
	case ErrForbidden:
		return e.StatusCode == 403
	case ErrNotFound:
		return e.StatusCode == 404
	case ErrAgentNotConnected:
		return e.StatusCode == 502
	case ErrAgentTimeout:
		return e.StatusCode == 504
	}
	return false
}

// ConnectionError is returned when the server cannot be contacted:
// DNS failure, connection refused, TLS failure or a client timeout.
type ConnectionError struct {
	// Cause is the underlying transport error.
	Cause error
}

// Error returns a human-readable description of the connection failure.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("dockhand: server unreachable: %v", e.Cause)
	}
	return "dockhand: server unreachable"
}

// Unwrap returns the underlying transport error.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches ErrServerUnreachable.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrServerUnreachable
}
