// Package state provides file-based persistence for Dockhand runtime state.
//
// The state.json file stores everything provisioned at runtime: managed
// endpoints, agent tokens, and access rules. This package provides atomic
// writes, file locking, and backup functionality.
package state

import "time"

// AppState is the top-level structure persisted in state.json.
// It holds all runtime configuration that survives restarts.
type AppState struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// Endpoints are the managed Docker hosts agents connect on behalf of.
	Endpoints []EndpointEntry `json:"endpoints"`

	// Tokens are the agent authentication tokens, stored as hashes only.
	Tokens []TokenEntry `json:"tokens"`

	// Rules are the access control rules evaluated in priority order.
	Rules []RuleEntry `json:"rules"`

	// AdminPasswordHash is the Argon2id hash of the management API password.
	// Empty string means no password has been set.
	AdminPasswordHash string `json:"admin_password_hash"`

	// CreatedAt is when this state file was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this state file was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// EndpointEntry represents one managed Docker host.
type EndpointEntry struct {
	// ID is the unique identifier (UUID). Tokens grant access to it and
	// the connection registry keys live tunnels by it.
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Description is free-form operator text.
	Description string `json:"description,omitempty"`

	// Labels are operator-assigned key/value tags.
	Labels map[string]string `json:"labels,omitempty"`

	// CreatedAt is when this endpoint was registered.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this endpoint was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenEntry represents an agent authentication token bound to an endpoint.
// Only the hash is persisted; the cleartext secret is shown exactly once at
// provisioning time.
type TokenEntry struct {
	// ID is the unique identifier.
	ID string `json:"id"`

	// Name is a human-readable display name for this token.
	Name string `json:"name"`

	// EndpointID references the endpoint this token authenticates for.
	EndpointID string `json:"endpoint_id"`

	// TokenHash is the Argon2id (or legacy sha256) hash of the secret.
	TokenHash string `json:"token_hash"`

	// CreatedAt is when this token was created.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when this token expires. Nil means it never expires.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Revoked indicates whether this token has been revoked.
	Revoked bool `json:"revoked"`

	// ReadOnly is true for tokens sourced from YAML config (not editable
	// via the API).
	ReadOnly bool `json:"read_only"`
}

// RuleEntry represents a single access control rule.
type RuleEntry struct {
	// ID is the unique identifier.
	ID string `json:"id"`

	// Name is the human-readable name.
	Name string `json:"name"`

	// Priority determines evaluation order (lower number = higher priority).
	Priority int `json:"priority"`

	// Condition is a CEL expression; the rule applies when it evaluates
	// to true for a call.
	Condition string `json:"condition"`

	// Action is "allow" or "deny".
	Action string `json:"action"`

	// Enabled indicates whether this rule is active.
	Enabled bool `json:"enabled"`

	// ReadOnly is true for rules sourced from YAML config (not editable
	// via the API).
	ReadOnly bool `json:"read_only"`

	// CreatedAt is when this rule was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this rule was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}
