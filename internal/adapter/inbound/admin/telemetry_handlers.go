package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dockhand-io/dockhand/internal/domain/telemetry"
)

const (
	defaultTelemetryLimit = 50
	maxTelemetryLimit     = 1000

	// eventStreamPollInterval paces the SSE tail. Sink reads are cheap,
	// so one poll a second keeps latency low without a push path.
	eventStreamPollInterval = time.Second
)

// parseLimit reads a ?limit= query parameter with bounds.
func parseLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// handleAgentMetrics returns the most recent metrics snapshots an agent
// pushed, newest first.
// GET /api/agents/{id}/metrics?limit=50
func (h *AdminAPIHandler) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metricsStore == nil {
		respondError(w, http.StatusServiceUnavailable, "metrics sink not configured")
		return
	}
	endpointID := pathParam(r, "id")
	limit := parseLimit(r, defaultTelemetryLimit, maxTelemetryLimit)

	records, err := h.metricsStore.RecentMetrics(r.Context(), endpointID, limit)
	if err != nil {
		h.logger.Error("metrics query failed", "endpoint_id", endpointID, "error", err)
		respondError(w, http.StatusInternalServerError, "metrics query failed")
		return
	}
	if records == nil {
		records = []telemetry.MetricsRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// handleAgentEvents returns the most recent container events an agent
// relayed, newest first.
// GET /api/agents/{id}/events?limit=50
func (h *AdminAPIHandler) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	if h.eventStore == nil {
		respondError(w, http.StatusServiceUnavailable, "event sink not configured")
		return
	}
	endpointID := pathParam(r, "id")
	limit := parseLimit(r, defaultTelemetryLimit, maxTelemetryLimit)

	records, err := h.eventStore.RecentEvents(r.Context(), endpointID, limit)
	if err != nil {
		h.logger.Error("event query failed", "endpoint_id", endpointID, "error", err)
		respondError(w, http.StatusInternalServerError, "event query failed")
		return
	}
	if records == nil {
		records = []telemetry.EventRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// handleEventStream tails container events as server-sent events,
// optionally filtered to one endpoint. The sink is polled once a
// second; arrival times are server-assigned and monotonic, so
// ReceivedAt works as a resume cursor and each record is delivered at
// most once per connection.
// GET /api/events/stream?endpoint_id=...
func (h *AdminAPIHandler) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if h.eventStore == nil {
		respondError(w, http.StatusServiceUnavailable, "event sink not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	endpointID := r.URL.Query().Get("endpoint_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The sink's current contents replay first, then the live tail.
	var watermark time.Time

	ticker := time.NewTicker(eventStreamPollInterval)
	defer ticker.Stop()

	for {
		records, err := h.eventStore.RecentEvents(r.Context(), endpointID, maxTelemetryLimit)
		if err == nil {
			// Newest first in the sink; replay in arrival order. Every
			// record in a pass compares against the pass-start watermark
			// so equal arrival times within a batch all deliver.
			next := watermark
			wrote := false
			for i := len(records) - 1; i >= 0; i-- {
				rec := records[i]
				if !rec.ReceivedAt.After(watermark) {
					continue
				}
				payload, err := json.Marshal(rec)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				wrote = true
				if rec.ReceivedAt.After(next) {
					next = rec.ReceivedAt
				}
			}
			watermark = next
			if wrote {
				flusher.Flush()
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
