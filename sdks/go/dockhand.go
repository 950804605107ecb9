// Package dockhand provides a Go client for the Dockhand management API.
//
// Dockhand manages Docker daemons that sit behind NAT or firewalls. Each
// daemon runs an agent that opens one outbound tunnel to the server; this
// SDK talks to the server's operator API to inventory those agents, relay
// Docker Engine API calls to them, provision credentials and manage
// access rules. It uses only the Go standard library with zero external
// dependencies.
//
// Quick start:
//
//	// Set DOCKHAND_SERVER_ADDR and DOCKHAND_API_TOKEN env vars, then:
//	client := dockhand.NewClient()
//
//	agents, err := client.ListAgents(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, a := range agents {
//	    resp, err := client.Docker(ctx, a.EndpointID, dockhand.DockerRequest{
//	        Method: "GET",
//	        Path:   "/containers/json?all=1",
//	    })
//	    if errors.Is(err, dockhand.ErrAgentNotConnected) {
//	        continue
//	    }
//	    fmt.Printf("%s: %s\n", a.AgentName, resp.Body)
//	}
package dockhand

import (
	"encoding/json"
	"net/http"
	"time"
)

// Agent describes one connected agent as reported by GET /api/agents.
type Agent struct {
	// EndpointID is the endpoint the agent authenticated as.
	EndpointID string `json:"endpoint_id"`

	// ConnectionID identifies the current tunnel; it changes on every
	// reconnect.
	ConnectionID string `json:"connection_id"`

	// AgentID is the agent's self-reported identifier.
	AgentID string `json:"agent_id"`

	// AgentName is the agent's self-reported display name.
	AgentName string `json:"agent_name"`

	// RemoteAddr is the address the tunnel was opened from.
	RemoteAddr string `json:"remote_addr"`

	// Capabilities lists what the agent can do (proxy, logs, exec,
	// metrics, events).
	Capabilities []string `json:"capabilities,omitempty"`

	// ConnectedAt is when the current tunnel was established.
	ConnectedAt time.Time `json:"connected_at"`

	// LastHeartbeat is the time of the last heartbeat frame.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// PendingRequests, OpenStreams and ExecSessions count in-flight work
	// multiplexed on the tunnel.
	PendingRequests int `json:"pending_requests"`
	OpenStreams     int `json:"open_streams"`
	ExecSessions    int `json:"exec_sessions"`
}

// Endpoint is a registered Docker host, connected or not.
type Endpoint struct {
	// ID is the endpoint identifier agents authenticate against.
	ID string `json:"id"`

	// Name is the unique human-readable name.
	Name string `json:"name"`

	// Description is free-form operator text.
	Description string `json:"description,omitempty"`

	// Labels are arbitrary key-value pairs for grouping and filtering.
	Labels map[string]string `json:"labels,omitempty"`

	// CreatedAt and UpdatedAt are maintained by the server.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EndpointInput is the body for creating an endpoint.
type EndpointInput struct {
	// Name is required and must be unique.
	Name string `json:"name"`

	// Description is optional free-form text.
	Description string `json:"description,omitempty"`

	// Labels are optional key-value pairs.
	Labels map[string]string `json:"labels,omitempty"`
}

// Token is an agent credential record. The server only ever returns
// metadata; the cleartext secret appears exactly once, in TokenGrant.
type Token struct {
	// ID identifies the token for listing and revocation.
	ID string `json:"id"`

	// Name is the operator-assigned label.
	Name string `json:"name"`

	// EndpointID is the endpoint this token authenticates.
	EndpointID string `json:"endpoint_id"`

	// CreatedAt is when the token was minted.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is the optional expiry; nil means the token never
	// expires.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Revoked reports whether the token has been revoked.
	Revoked bool `json:"revoked"`

	// ReadOnly marks tokens seeded from configuration, which cannot be
	// revoked over the API.
	ReadOnly bool `json:"read_only,omitempty"`
}

// TokenInput is the body for provisioning a token.
type TokenInput struct {
	// EndpointID is the endpoint the token will authenticate. Required.
	EndpointID string `json:"endpoint_id"`

	// Name labels the token. Required.
	Name string `json:"name"`

	// ExpiresAt optionally bounds the token's lifetime.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// TokenGrant is the provisioning result. Secret is shown exactly once;
// the server keeps only a hash.
type TokenGrant struct {
	Token  Token  `json:"token"`
	Secret string `json:"secret"`
}

// Rule is a stored access rule. Rules are CEL expressions evaluated
// against every Docker API call crossing a tunnel.
type Rule struct {
	// ID identifies the rule.
	ID string `json:"id"`

	// Name is the human-readable name.
	Name string `json:"name"`

	// Priority orders evaluation; lower runs first.
	Priority int `json:"priority"`

	// Condition is the CEL expression; true means the rule applies.
	Condition string `json:"condition"`

	// Action is "allow" or "deny".
	Action string `json:"action"`

	// Enabled reports whether the rule participates in evaluation.
	Enabled bool `json:"enabled"`

	// ReadOnly marks rules seeded from configuration.
	ReadOnly bool `json:"read_only,omitempty"`

	// CreatedAt and UpdatedAt are maintained by the server.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleInput is the body for creating a rule.
type RuleInput struct {
	// Name is required.
	Name string `json:"name"`

	// Priority orders evaluation; lower runs first.
	Priority int `json:"priority"`

	// Condition is the CEL expression. Required; compiled server-side
	// before anything is persisted.
	Condition string `json:"condition"`

	// Action is "allow" or "deny". Required.
	Action string `json:"action"`
}

// AccessCheck describes a Docker API call for a dry-run evaluation
// against the live rule set. Nothing is dispatched.
type AccessCheck struct {
	// EndpointID is the endpoint the call would target.
	EndpointID string `json:"endpoint_id"`

	// Method is the HTTP method, or "EXEC" for exec sessions.
	Method string `json:"method"`

	// Path is the Engine API path including any query string.
	Path string `json:"path"`

	// Streaming marks follow-mode calls (logs -f, events, stats).
	Streaming bool `json:"streaming"`
}

// AccessDecision is the result of a dry-run evaluation.
type AccessDecision struct {
	// Decision is "allow" or "deny".
	Decision string `json:"decision"`

	// RuleID and RuleName identify the matching rule, empty when no
	// rule matched.
	RuleID   string `json:"rule_id,omitempty"`
	RuleName string `json:"rule_name,omitempty"`

	// Reason explains the decision.
	Reason string `json:"reason"`

	// RequestID identifies this evaluation for later lookup.
	RequestID string `json:"request_id"`

	// LatencyMs is the server-side evaluation latency in milliseconds.
	LatencyMs int64 `json:"latency_ms"`
}

// Stats are the server's tunnel counters since start.
type Stats struct {
	Dispatches   int64 `json:"dispatches"`
	Streams      int64 `json:"streams"`
	Execs        int64 `json:"execs"`
	Denied       int64 `json:"denied"`
	Errors       int64 `json:"errors"`
	Connects     int64 `json:"connects"`
	Replacements int64 `json:"replacements"`

	// FrameCounts breaks traffic down by wire frame type.
	FrameCounts map[string]int64 `json:"frame_counts,omitempty"`
}

// TelemetrySample is one stored metrics snapshot or container event.
// Payload is the document exactly as the agent reported it.
type TelemetrySample struct {
	EndpointID string          `json:"endpoint_id"`
	Timestamp  time.Time       `json:"timestamp"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// DockerRequest is one Engine API call to relay through an agent's
// tunnel.
type DockerRequest struct {
	// Method is the HTTP method. Defaults to GET.
	Method string

	// Path is the Engine API path including any query string, e.g.
	// "/containers/json?all=1".
	Path string

	// Body is the raw request body, if any.
	Body []byte

	// ContentType overrides the body's content type. Defaults to
	// application/json when Body is set.
	ContentType string
}

// DockerResponse is the daemon's answer relayed back through the tunnel.
type DockerResponse struct {
	// StatusCode is the daemon's HTTP status.
	StatusCode int

	// Header carries the daemon's response headers.
	Header http.Header

	// Body is the full response body.
	Body []byte
}
