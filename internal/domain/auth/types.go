// Package auth contains the domain types and logic for agent
// authentication. Agents present a bearer token during the tunnel
// handshake; verification maps it to the endpoint the token authorizes.
// Plaintext tokens are never stored, only their hashes.
package auth

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for token verification and lookup.
var (
	// ErrInvalidToken is returned when a presented token matches no
	// stored credential, or the matching credential is revoked or
	// expired.
	ErrInvalidToken = errors.New("invalid agent token")
	// ErrTokenNotFound is returned by stores when a hash has no record.
	ErrTokenNotFound = errors.New("token not found")
	// ErrUnknownHashType is returned when a stored hash has an
	// unrecognized format.
	ErrUnknownHashType = errors.New("unknown hash type")
)

// Token is an agent credential bound to one endpoint.
type Token struct {
	// ID is the unique identifier of this token record.
	ID string
	// Name is a human-readable label ("rack-7 edge box").
	Name string
	// EndpointID is the endpoint this token authorizes an agent to serve.
	EndpointID string
	// Hash is the stored credential: "sha256:<hex>", bare SHA-256 hex,
	// or an Argon2id PHC string.
	Hash string
	// CreatedAt is when the token was created (UTC).
	CreatedAt time.Time
	// ExpiresAt is when the token expires (nil = never).
	ExpiresAt *time.Time
	// Revoked marks the token as withdrawn.
	Revoked bool
}

// IsExpired returns true if the token has expired. A token with nil
// ExpiresAt never expires.
func (t *Token) IsExpired() bool {
	if t.ExpiresAt == nil {
		return false
	}
	return time.Now().UTC().After(*t.ExpiresAt)
}

// Grant is a successful verification result: which endpoint the presented
// token authorizes, and which token record granted it.
type Grant struct {
	EndpointID string
	TokenID    string
	TokenName  string
}

// TokenStore provides credential lookup for handshake verification.
// Implementations: in-memory (config-seeded) and the state file store.
type TokenStore interface {
	// GetByHash retrieves a token by its stored hash.
	// Returns ErrTokenNotFound if no record matches.
	GetByHash(ctx context.Context, hash string) (*Token, error)

	// List returns all stored tokens for iteration-based verification.
	List(ctx context.Context) ([]*Token, error)
}

// TokenVerifier checks a presented agent token during the tunnel
// handshake. The verifier is consulted exactly once per connection
// attempt.
type TokenVerifier interface {
	// Verify returns the grant for a valid token, or ErrInvalidToken.
	Verify(ctx context.Context, presented string) (*Grant, error)
}
