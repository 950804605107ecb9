package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/dockhand-io/dockhand/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker verifies component health.
type HealthChecker struct {
	hub     *service.TunnelHub
	ingest  *service.IngestService
	version string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(hub *service.TunnelHub, ingest *service.IngestService, version string) *HealthChecker {
	return &HealthChecker{
		hub:     hub,
		ingest:  ingest,
		version: version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	// Connected agent count; Agents() walks the registry, so a wedged
	// registry lock would surface here.
	if h.hub != nil {
		checks["agents"] = fmt.Sprintf("%d connected", len(h.hub.Agents()))
	} else {
		checks["agents"] = "not configured"
	}

	// Check telemetry ingest channel depth
	if h.ingest != nil {
		depth := h.ingest.ChannelDepth()
		capacity := h.ingest.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		if percentFull > 90 {
			// >90% full is unhealthy - the sink is not keeping up
			checks["ingest"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["ingest"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}

		// Also check dropped records (warning indicator)
		drops := h.ingest.DroppedRecords()
		if drops > 0 {
			checks["ingest_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["ingest"] = "not configured"
	}

	// Add Go runtime info
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable) // 503
		} else {
			w.WriteHeader(http.StatusOK) // 200
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
