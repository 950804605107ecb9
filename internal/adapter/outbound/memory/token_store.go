// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sync"

	"github.com/dockhand-io/dockhand/internal/domain/auth"
)

// TokenStore implements auth.TokenStore with an in-memory map.
// Thread-safe for concurrent access. Seeded from config at startup and
// kept in sync by the provisioning service.
type TokenStore struct {
	tokens map[string]*auth.Token // hash -> Token
	mu     sync.RWMutex
}

// NewTokenStore creates a new in-memory token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]*auth.Token),
	}
}

// GetByHash retrieves a token by its stored hash.
// Returns auth.ErrTokenNotFound if no record matches.
func (s *TokenStore) GetByHash(ctx context.Context, hash string) (*auth.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[hash]
	if !ok {
		return nil, auth.ErrTokenNotFound
	}

	// Return a copy to prevent mutation
	tokCopy := *tok
	return &tokCopy, nil
}

// List returns all stored tokens for iteration-based verification.
func (s *TokenStore) List(ctx context.Context) ([]*auth.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*auth.Token, 0, len(s.tokens))
	for _, tok := range s.tokens {
		tokCopy := *tok
		result = append(result, &tokCopy)
	}
	return result, nil
}

// Add inserts or replaces a token, keyed by its hash.
func (s *TokenStore) Add(tok *auth.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to prevent external mutation
	tokCopy := *tok
	s.tokens[tok.Hash] = &tokCopy
}

// Remove deletes a token by its stored hash.
func (s *TokenStore) Remove(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, hash)
}

// Revoke marks the token with the given hash as revoked, keeping the
// record so audit trails stay intact.
func (s *TokenStore) Revoke(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[hash]
	if !ok {
		return false
	}
	tok.Revoked = true
	return true
}

// Compile-time interface verification.
var _ auth.TokenStore = (*TokenStore)(nil)
