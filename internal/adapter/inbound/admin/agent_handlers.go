package admin

import (
	"net/http"
)

// disconnectRequest is the optional body for DELETE /api/agents/{id}.
type disconnectRequest struct {
	Reason string `json:"reason"`
}

// handleListAgents returns every connected agent with its identity,
// capabilities and live tunnel counters.
// GET /api/agents
func (h *AdminAPIHandler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "tunnel hub not configured")
		return
	}
	respondJSON(w, http.StatusOK, h.hub.Agents())
}

// handleGetAgent returns the live connection detail for one endpoint.
// GET /api/agents/{id}
func (h *AdminAPIHandler) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "tunnel hub not configured")
		return
	}
	endpointID := pathParam(r, "id")
	status, ok := h.hub.Agent(endpointID)
	if !ok {
		respondError(w, http.StatusNotFound, "agent not connected: "+endpointID)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleDisconnectAgent tears down an agent connection. The optional
// JSON body {"reason": "..."} is carried in the close frame; the agent
// decides for itself whether to reconnect.
// DELETE /api/agents/{id}
func (h *AdminAPIHandler) handleDisconnectAgent(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "tunnel hub not configured")
		return
	}
	endpointID := pathParam(r, "id")

	var req disconnectRequest
	_ = readJSON(r, &req) // body is optional

	if !h.hub.Disconnect(endpointID, req.Reason) {
		respondError(w, http.StatusNotFound, "agent not connected: "+endpointID)
		return
	}
	h.logger.Info("agent disconnected by operator", "endpoint_id", endpointID, "reason", req.Reason)
	w.WriteHeader(http.StatusNoContent)
}
