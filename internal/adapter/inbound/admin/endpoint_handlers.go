package admin

import (
	"errors"
	"net/http"

	"github.com/dockhand-io/dockhand/internal/adapter/outbound/state"
	"github.com/dockhand-io/dockhand/internal/service"
)

// endpointResponse decorates a registry entry with live tunnel state.
type endpointResponse struct {
	state.EndpointEntry
	Connected bool `json:"connected"`
}

func (h *AdminAPIHandler) toEndpointResponse(entry state.EndpointEntry) endpointResponse {
	resp := endpointResponse{EndpointEntry: entry}
	if h.hub != nil {
		resp.Connected = h.hub.Connected(entry.ID)
	}
	return resp
}

// handleListEndpoints returns every registered endpoint, connected or
// not.
// GET /api/endpoints
func (h *AdminAPIHandler) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	if h.provision == nil {
		respondError(w, http.StatusServiceUnavailable, "provisioning not configured")
		return
	}
	entries, err := h.provision.ListEndpoints(r.Context())
	if err != nil {
		h.logger.Error("failed to list endpoints", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list endpoints")
		return
	}
	resp := make([]endpointResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, h.toEndpointResponse(entry))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCreateEndpoint registers a new endpoint.
// POST /api/endpoints
func (h *AdminAPIHandler) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	if h.provision == nil {
		respondError(w, http.StatusServiceUnavailable, "provisioning not configured")
		return
	}
	var input service.CreateEndpointInput
	if err := readJSON(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if input.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	entry, err := h.provision.CreateEndpoint(r.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrDuplicateName):
			respondError(w, http.StatusConflict, "endpoint name already in use: "+input.Name)
		case errors.Is(err, service.ErrReadOnly):
			respondError(w, http.StatusForbidden, "state store is read-only")
		default:
			h.logger.Error("failed to create endpoint", "name", input.Name, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to create endpoint")
		}
		return
	}
	h.logger.Info("endpoint created", "endpoint_id", entry.ID, "name", entry.Name)
	respondJSON(w, http.StatusCreated, h.toEndpointResponse(*entry))
}

// handleGetEndpoint returns one endpoint by id.
// GET /api/endpoints/{id}
func (h *AdminAPIHandler) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	if h.provision == nil {
		respondError(w, http.StatusServiceUnavailable, "provisioning not configured")
		return
	}
	endpointID := pathParam(r, "id")
	entry, err := h.provision.GetEndpoint(r.Context(), endpointID)
	if err != nil {
		if errors.Is(err, service.ErrEndpointNotFound) {
			respondError(w, http.StatusNotFound, "endpoint not found: "+endpointID)
			return
		}
		h.logger.Error("failed to load endpoint", "endpoint_id", endpointID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load endpoint")
		return
	}
	respondJSON(w, http.StatusOK, h.toEndpointResponse(*entry))
}

// handleUpdateEndpoint applies a partial update; absent fields keep
// their value.
// PUT /api/endpoints/{id}
func (h *AdminAPIHandler) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	if h.provision == nil {
		respondError(w, http.StatusServiceUnavailable, "provisioning not configured")
		return
	}
	endpointID := pathParam(r, "id")

	var input service.UpdateEndpointInput
	if err := readJSON(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if input.Name != nil && *input.Name == "" {
		respondError(w, http.StatusBadRequest, "name cannot be empty")
		return
	}

	entry, err := h.provision.UpdateEndpoint(r.Context(), endpointID, input)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEndpointNotFound):
			respondError(w, http.StatusNotFound, "endpoint not found: "+endpointID)
		case errors.Is(err, service.ErrDuplicateName):
			respondError(w, http.StatusConflict, "endpoint name already in use")
		case errors.Is(err, service.ErrReadOnly):
			respondError(w, http.StatusForbidden, "state store is read-only")
		default:
			h.logger.Error("failed to update endpoint", "endpoint_id", endpointID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to update endpoint")
		}
		return
	}
	respondJSON(w, http.StatusOK, h.toEndpointResponse(*entry))
}

// handleDeleteEndpoint removes an endpoint, revokes its tokens and
// tears down a live connection if one exists.
// DELETE /api/endpoints/{id}
func (h *AdminAPIHandler) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if h.provision == nil {
		respondError(w, http.StatusServiceUnavailable, "provisioning not configured")
		return
	}
	endpointID := pathParam(r, "id")

	revokedHashes, err := h.provision.DeleteEndpoint(r.Context(), endpointID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEndpointNotFound):
			respondError(w, http.StatusNotFound, "endpoint not found: "+endpointID)
		case errors.Is(err, service.ErrReadOnly):
			respondError(w, http.StatusForbidden, "state store is read-only")
		default:
			h.logger.Error("failed to delete endpoint", "endpoint_id", endpointID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to delete endpoint")
		}
		return
	}

	// Cut live credentials and the live connection with the registry
	// entry, so a deleted endpoint cannot keep its tunnel.
	if h.tokenStore != nil {
		for _, hash := range revokedHashes {
			h.tokenStore.Remove(hash)
		}
	}
	if h.hub != nil {
		h.hub.Disconnect(endpointID, "endpoint deleted")
	}

	h.logger.Info("endpoint deleted", "endpoint_id", endpointID, "tokens_revoked", len(revokedHashes))
	w.WriteHeader(http.StatusNoContent)
}
