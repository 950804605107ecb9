package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/dockhand-io/dockhand/internal/adapter/outbound/state"
	"github.com/dockhand-io/dockhand/internal/domain/auth"
	"github.com/dockhand-io/dockhand/internal/service"
)

// tokenResponse is a token record as exposed over the API. The hash
// never leaves the server.
type tokenResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	EndpointID string  `json:"endpoint_id"`
	CreatedAt  string  `json:"created_at"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
	Revoked    bool    `json:"revoked"`
	ReadOnly   bool    `json:"read_only,omitempty"`
}

// provisionTokenRequest is the body for POST /api/tokens.
type provisionTokenRequest struct {
	EndpointID string     `json:"endpoint_id"`
	Name       string     `json:"name"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// provisionTokenResponse carries the one-time secret. The secret is
// returned exactly once and never stored; only its hash persists.
type provisionTokenResponse struct {
	Token  tokenResponse `json:"token"`
	Secret string        `json:"secret"`
}

func toTokenResponse(entry state.TokenEntry) tokenResponse {
	resp := tokenResponse{
		ID:         entry.ID,
		Name:       entry.Name,
		EndpointID: entry.EndpointID,
		CreatedAt:  entry.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		Revoked:    entry.Revoked,
		ReadOnly:   entry.ReadOnly,
	}
	if entry.ExpiresAt != nil {
		expires := entry.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z")
		resp.ExpiresAt = &expires
	}
	return resp
}

// handleListTokens returns provisioned agent tokens, optionally
// filtered by ?endpoint_id=.
// GET /api/tokens
func (h *AdminAPIHandler) handleListTokens(w http.ResponseWriter, r *http.Request) {
	if h.provision == nil {
		respondError(w, http.StatusServiceUnavailable, "provisioning not configured")
		return
	}

	var (
		entries []state.TokenEntry
		err     error
	)
	if endpointID := r.URL.Query().Get("endpoint_id"); endpointID != "" {
		entries, err = h.provision.ListEndpointTokens(r.Context(), endpointID)
	} else {
		entries, err = h.provision.ListTokens(r.Context())
	}
	if err != nil {
		h.logger.Error("failed to list tokens", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}

	resp := make([]tokenResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, toTokenResponse(entry))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleProvisionToken mints a new agent token. The response is the
// only place the cleartext secret ever appears.
// POST /api/tokens
func (h *AdminAPIHandler) handleProvisionToken(w http.ResponseWriter, r *http.Request) {
	if h.provision == nil {
		respondError(w, http.StatusServiceUnavailable, "provisioning not configured")
		return
	}

	var req provisionTokenRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.EndpointID == "" {
		respondError(w, http.StatusBadRequest, "endpoint_id is required")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		respondError(w, http.StatusBadRequest, "expires_at is in the past")
		return
	}

	result, err := h.provision.ProvisionToken(r.Context(), service.ProvisionTokenInput{
		EndpointID: req.EndpointID,
		Name:       req.Name,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEndpointNotFound):
			respondError(w, http.StatusNotFound, "endpoint not found: "+req.EndpointID)
		case errors.Is(err, service.ErrReadOnly):
			respondError(w, http.StatusForbidden, "state store is read-only")
		default:
			h.logger.Error("failed to provision token", "endpoint_id", req.EndpointID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to provision token")
		}
		return
	}

	// Register with the live verifier so the agent can connect without
	// a restart.
	if h.tokenStore != nil {
		h.tokenStore.Add(&auth.Token{
			ID:         result.Token.ID,
			Name:       result.Token.Name,
			EndpointID: result.Token.EndpointID,
			Hash:       result.Token.TokenHash,
			CreatedAt:  result.Token.CreatedAt,
			ExpiresAt:  result.Token.ExpiresAt,
		})
	}

	h.logger.Info("agent token provisioned",
		"token_id", result.Token.ID,
		"endpoint_id", result.Token.EndpointID,
		"name", result.Token.Name,
	)
	respondJSON(w, http.StatusCreated, provisionTokenResponse{
		Token:  toTokenResponse(result.Token),
		Secret: result.Secret,
	})
}

// handleRevokeToken revokes an agent token. New connections with it are
// refused immediately; an established tunnel stays up until it drops.
// DELETE /api/tokens/{id}
func (h *AdminAPIHandler) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if h.provision == nil {
		respondError(w, http.StatusServiceUnavailable, "provisioning not configured")
		return
	}
	tokenID := pathParam(r, "id")

	hash, err := h.provision.RevokeToken(r.Context(), tokenID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAgentTokenNotFound):
			respondError(w, http.StatusNotFound, "token not found: "+tokenID)
		case errors.Is(err, service.ErrReadOnly):
			respondError(w, http.StatusForbidden, "state store is read-only")
		default:
			h.logger.Error("failed to revoke token", "token_id", tokenID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to revoke token")
		}
		return
	}

	if h.tokenStore != nil {
		h.tokenStore.Revoke(hash)
	}

	h.logger.Info("agent token revoked", "token_id", tokenID)
	w.WriteHeader(http.StatusNoContent)
}
