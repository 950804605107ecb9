package admin

import (
	"net/http"
	"time"

	"github.com/dockhand-io/dockhand/internal/service"
)

// statsResponse aggregates lifetime tunnel counters with current
// connection state.
type statsResponse struct {
	service.Stats
	ConnectedAgents int   `json:"connected_agents"`
	UptimeSeconds   int64 `json:"uptime_seconds"`
}

// handleGetStats reports dispatch counters and connection counts.
// GET /api/stats
func (h *AdminAPIHandler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		respondError(w, http.StatusServiceUnavailable, "stats not configured")
		return
	}
	resp := statsResponse{
		Stats:         h.stats.GetStats(),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	if h.hub != nil {
		resp.ConnectedAgents = len(h.hub.Agents())
	}
	respondJSON(w, http.StatusOK, resp)
}
