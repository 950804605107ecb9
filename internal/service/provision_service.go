package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dockhand-io/dockhand/internal/adapter/outbound/state"
	"github.com/dockhand-io/dockhand/internal/domain/auth"
)

// ProvisionService errors.
var (
	ErrEndpointNotFound   = errors.New("endpoint not found")
	ErrAgentTokenNotFound = errors.New("agent token not found")
	ErrDuplicateName      = errors.New("endpoint name already exists")
	ErrReadOnly           = errors.New("cannot modify read-only resource")
)

// ProvisionService provides CRUD operations on endpoints and their agent
// tokens with Argon2id token hashing and persistence to state.json.
// Plaintext tokens are returned exactly once at provisioning time; only
// their hashes are stored.
type ProvisionService struct {
	stateStore *state.FileStateStore
	logger     *slog.Logger
	mu         sync.Mutex // serializes state reads and writes
	// In-memory cache to avoid re-reading state.json on every request.
	// Loaded at init, updated on every write operation.
	cachedEndpoints []state.EndpointEntry
	cachedTokens    []state.TokenEntry
}

// NewProvisionService creates a new ProvisionService.
func NewProvisionService(stateStore *state.FileStateStore, logger *slog.Logger) *ProvisionService {
	return &ProvisionService{
		stateStore: stateStore,
		logger:     logger,
	}
}

// Init loads endpoints and agent tokens from state.json into memory.
// Must be called once after construction, before serving requests.
func (s *ProvisionService) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	s.cacheLocked(appState)
	return nil
}

// cacheLocked replaces the in-memory cache with copies of the given state.
// Caller must hold s.mu.
func (s *ProvisionService) cacheLocked(appState *state.AppState) {
	s.cachedEndpoints = make([]state.EndpointEntry, len(appState.Endpoints))
	copy(s.cachedEndpoints, appState.Endpoints)
	s.cachedTokens = make([]state.TokenEntry, len(appState.Tokens))
	copy(s.cachedTokens, appState.Tokens)
}

// ListEndpoints returns all provisioned endpoints.
func (s *ProvisionService) ListEndpoints(_ context.Context) ([]state.EndpointEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]state.EndpointEntry, len(s.cachedEndpoints))
	copy(result, s.cachedEndpoints)
	return result, nil
}

// GetEndpoint returns a single endpoint by ID.
func (s *ProvisionService) GetEndpoint(_ context.Context, id string) (*state.EndpointEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cachedEndpoints {
		if s.cachedEndpoints[i].ID == id {
			entry := s.cachedEndpoints[i]
			return &entry, nil
		}
	}
	return nil, ErrEndpointNotFound
}

// CreateEndpointInput holds the input for creating an endpoint.
type CreateEndpointInput struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// CreateEndpoint registers a new endpoint and persists it to state.json.
func (s *ProvisionService) CreateEndpoint(_ context.Context, input CreateEndpointInput) (*state.EndpointEntry, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	// Check name uniqueness.
	for _, existing := range appState.Endpoints {
		if existing.Name == input.Name {
			return nil, ErrDuplicateName
		}
	}

	now := time.Now().UTC()
	entry := state.EndpointEntry{
		ID:          uuid.New().String(),
		Name:        input.Name,
		Description: input.Description,
		Labels:      input.Labels,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	appState.Endpoints = append(appState.Endpoints, entry)

	if err := s.stateStore.Save(appState); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	s.cacheLocked(appState)

	s.logger.Info("endpoint created", "id", entry.ID, "name", entry.Name)
	return &entry, nil
}

// UpdateEndpointInput holds the input for updating an endpoint.
type UpdateEndpointInput struct {
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// UpdateEndpoint updates an existing endpoint and persists the change.
func (s *ProvisionService) UpdateEndpoint(_ context.Context, id string, input UpdateEndpointInput) (*state.EndpointEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	idx := -1
	for i := range appState.Endpoints {
		if appState.Endpoints[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrEndpointNotFound
	}

	// Check name uniqueness if name is being changed.
	if input.Name != nil && *input.Name != appState.Endpoints[idx].Name {
		if *input.Name == "" {
			return nil, fmt.Errorf("name is required")
		}
		for _, existing := range appState.Endpoints {
			if existing.Name == *input.Name && existing.ID != id {
				return nil, ErrDuplicateName
			}
		}
		appState.Endpoints[idx].Name = *input.Name
	}

	if input.Description != nil {
		appState.Endpoints[idx].Description = *input.Description
	}
	if input.Labels != nil {
		appState.Endpoints[idx].Labels = input.Labels
	}
	appState.Endpoints[idx].UpdatedAt = time.Now().UTC()

	if err := s.stateStore.Save(appState); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	s.cacheLocked(appState)

	entry := appState.Endpoints[idx]
	s.logger.Info("endpoint updated", "id", id, "name", entry.Name)
	return &entry, nil
}

// DeleteEndpoint removes an endpoint and all its agent tokens.
// Returns the hashes of the removed tokens so the caller can sync the
// in-memory verification store.
func (s *ProvisionService) DeleteEndpoint(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	idx := -1
	for i := range appState.Endpoints {
		if appState.Endpoints[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrEndpointNotFound
	}

	appState.Endpoints = append(appState.Endpoints[:idx], appState.Endpoints[idx+1:]...)

	// Cascade: remove all agent tokens bound to this endpoint.
	// Collect their hashes so the caller can sync the verification store.
	var removedHashes []string
	filtered := make([]state.TokenEntry, 0, len(appState.Tokens))
	for _, tok := range appState.Tokens {
		if tok.EndpointID != id {
			filtered = append(filtered, tok)
		} else {
			removedHashes = append(removedHashes, tok.TokenHash)
		}
	}
	appState.Tokens = filtered

	if err := s.stateStore.Save(appState); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	s.cacheLocked(appState)

	s.logger.Info("endpoint deleted (cascade)", "id", id, "tokens_removed", len(removedHashes))
	return removedHashes, nil
}

// ProvisionTokenInput holds the input for provisioning an agent token.
type ProvisionTokenInput struct {
	EndpointID string     `json:"endpoint_id"`
	Name       string     `json:"name"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ProvisionTokenResult holds the result of token provisioning.
// The Secret is returned exactly once and never stored.
type ProvisionTokenResult struct {
	Token  state.TokenEntry `json:"token"`
	Secret string           `json:"secret"`
}

// ProvisionToken creates a new agent token for the given endpoint.
// The plaintext secret is returned exactly once in ProvisionTokenResult
// and never stored. Only the Argon2id hash is persisted.
func (s *ProvisionService) ProvisionToken(_ context.Context, input ProvisionTokenInput) (*ProvisionTokenResult, error) {
	if input.EndpointID == "" {
		return nil, fmt.Errorf("endpoint_id is required")
	}
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	// Verify the endpoint exists.
	found := false
	for _, ep := range appState.Endpoints {
		if ep.ID == input.EndpointID {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrEndpointNotFound
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		return nil, err
	}

	hash, err := auth.HashTokenArgon2id(secret)
	if err != nil {
		return nil, fmt.Errorf("hash token: %w", err)
	}

	entry := state.TokenEntry{
		ID:         uuid.New().String(),
		Name:       input.Name,
		EndpointID: input.EndpointID,
		TokenHash:  hash,
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  input.ExpiresAt,
	}

	appState.Tokens = append(appState.Tokens, entry)

	if err := s.stateStore.Save(appState); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	s.cacheLocked(appState)

	s.logger.Info("agent token provisioned",
		"token_id", entry.ID, "endpoint_id", input.EndpointID, "name", input.Name)

	return &ProvisionTokenResult{
		Token:  entry,
		Secret: secret,
	}, nil
}

// RevokeToken marks an agent token as revoked. It does not delete it.
// Returns the hash of the revoked token so callers can sync the in-memory
// verification store.
func (s *ProvisionService) RevokeToken(_ context.Context, tokenID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appState, err := s.stateStore.Load()
	if err != nil {
		return "", fmt.Errorf("load state: %w", err)
	}

	idx := -1
	for i := range appState.Tokens {
		if appState.Tokens[i].ID == tokenID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", ErrAgentTokenNotFound
	}

	if appState.Tokens[idx].ReadOnly {
		return "", ErrReadOnly
	}

	hash := appState.Tokens[idx].TokenHash
	appState.Tokens[idx].Revoked = true

	if err := s.stateStore.Save(appState); err != nil {
		return "", fmt.Errorf("save state: %w", err)
	}
	s.cacheLocked(appState)

	s.logger.Info("agent token revoked", "token_id", tokenID)
	return hash, nil
}

// ListTokens returns all agent tokens across all endpoints.
func (s *ProvisionService) ListTokens(_ context.Context) ([]state.TokenEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]state.TokenEntry, len(s.cachedTokens))
	copy(result, s.cachedTokens)
	return result, nil
}

// ListEndpointTokens returns all agent tokens for a given endpoint.
func (s *ProvisionService) ListEndpointTokens(_ context.Context, endpointID string) ([]state.TokenEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []state.TokenEntry
	for _, tok := range s.cachedTokens {
		if tok.EndpointID == endpointID {
			result = append(result, tok)
		}
	}

	if result == nil {
		result = []state.TokenEntry{}
	}
	return result, nil
}

// AgentTokens converts the provisioned token records to their domain form
// for seeding the verification store at boot. Revoked records are included
// so revocation survives a restart.
func (s *ProvisionService) AgentTokens(_ context.Context) ([]*auth.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*auth.Token, 0, len(s.cachedTokens))
	for _, entry := range s.cachedTokens {
		result = append(result, &auth.Token{
			ID:         entry.ID,
			Name:       entry.Name,
			EndpointID: entry.EndpointID,
			Hash:       entry.TokenHash,
			CreatedAt:  entry.CreatedAt,
			ExpiresAt:  entry.ExpiresAt,
			Revoked:    entry.Revoked,
		})
	}
	return result, nil
}
