package policy

import (
	"context"
	"time"
)

// MethodExec is the synthetic method used for interactive exec sessions,
// which do not carry an HTTP verb of their own.
const MethodExec = "EXEC"

// AccessContext contains all information needed to evaluate a policy rule.
type AccessContext struct {
	// EndpointID identifies the target agent.
	EndpointID string
	// Method is the HTTP verb of the Engine API call, or MethodExec for
	// interactive exec sessions.
	Method string
	// Path is the Engine API path (e.g. "/containers/json").
	Path string
	// Streaming is true for log/event/attach streams.
	Streaming bool
	// RequestTime is when the call was received.
	RequestTime time.Time
}

// Engine evaluates Docker API calls against loaded access rules.
type Engine interface {
	// Evaluate evaluates a call against loaded rules.
	// Returns Decision with Allowed=true/false and reason. No matching
	// rule means the call is allowed.
	Evaluate(ctx context.Context, access AccessContext) (Decision, error)
}
