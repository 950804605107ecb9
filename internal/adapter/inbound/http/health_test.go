package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dockhand-io/dockhand/internal/adapter/outbound/memory"
	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/internal/service"
)

// discardLogger returns a logger that discards all output (for tests)
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// backloggedIngest returns an ingest service whose channel is full. No
// worker runs, so nothing drains it.
func backloggedIngest(records int) *service.IngestService {
	store := memory.NewTelemetryStore()
	ingest := service.NewIngestService(store, store, discardLogger(),
		service.WithChannelSize(10),
		service.WithSendTimeout(0), // Drop immediately when full
	)
	for i := 0; i < records; i++ {
		ingest.RecordMetrics("ep-1", time.Now(), json.RawMessage(`{}`))
	}
	return ingest
}

func TestHealthChecker_Healthy(t *testing.T) {
	hub := service.NewTunnelHub(tunnel.NewRegistry(), nil, nil, discardLogger())

	store := memory.NewTelemetryStore()
	ingest := service.NewIngestService(store, store, discardLogger(),
		service.WithChannelSize(100),
	)

	hc := NewHealthChecker(hub, ingest, "test-version")

	health := hc.Check()

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Version != "test-version" {
		t.Errorf("Version = %q, want test-version", health.Version)
	}
	if health.Checks["agents"] != "0 connected" {
		t.Errorf("agents check = %q, want '0 connected'", health.Checks["agents"])
	}
	if !strings.HasPrefix(health.Checks["ingest"], "ok:") {
		t.Errorf("ingest check = %q, want ok prefix", health.Checks["ingest"])
	}
}

func TestHealthChecker_NilComponents(t *testing.T) {
	hc := NewHealthChecker(nil, nil, "")
	health := hc.Check()

	// Should still be healthy with nil components
	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Checks["agents"] != "not configured" {
		t.Errorf("agents = %q, want 'not configured'", health.Checks["agents"])
	}
	if health.Checks["ingest"] != "not configured" {
		t.Errorf("ingest = %q, want 'not configured'", health.Checks["ingest"])
	}
}

func TestHealthChecker_Handler_HTTP(t *testing.T) {
	hub := service.NewTunnelHub(tunnel.NewRegistry(), nil, nil, discardLogger())
	hc := NewHealthChecker(hub, nil, "1.0.0")

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()

	hc.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}

	contentType := rec.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", contentType)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Status != "healthy" {
		t.Errorf("Response status = %q, want healthy", resp.Status)
	}
	if resp.Version != "1.0.0" {
		t.Errorf("Response version = %q, want 1.0.0", resp.Version)
	}
}

func TestHealthChecker_Unhealthy_IngestBacklog(t *testing.T) {
	// Fill the channel > 90%; no worker is started, so records stay queued.
	ingest := backloggedIngest(10)

	hc := NewHealthChecker(nil, ingest, "")
	health := hc.Check()

	if health.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy (ingest channel >90%% full)", health.Status)
	}
	if !strings.HasPrefix(health.Checks["ingest"], "degraded:") {
		t.Errorf("ingest check = %q, want degraded prefix", health.Checks["ingest"])
	}
}

func TestHealthChecker_ReportsDrops(t *testing.T) {
	// Two more records than the channel holds; the overflow is dropped.
	ingest := backloggedIngest(12)

	hc := NewHealthChecker(nil, ingest, "")
	health := hc.Check()

	if health.Checks["ingest_drops"] != "2 dropped" {
		t.Errorf("ingest_drops = %q, want '2 dropped'", health.Checks["ingest_drops"])
	}
}

func TestHealthChecker_Handler_Unhealthy_503(t *testing.T) {
	ingest := backloggedIngest(10)

	hc := NewHealthChecker(nil, ingest, "")

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()

	hc.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Status code = %d, want %d (503 Service Unavailable)", rec.Code, http.StatusServiceUnavailable)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Status != "unhealthy" {
		t.Errorf("Response status = %q, want unhealthy", resp.Status)
	}
}

func TestHealthChecker_GoroutineCount(t *testing.T) {
	hc := NewHealthChecker(nil, nil, "")
	health := hc.Check()

	// Goroutines should be a positive number string
	if health.Checks["goroutines"] == "" {
		t.Error("goroutines check should be present")
	}
	if health.Checks["goroutines"] == "0" {
		t.Error("goroutines count should be > 0")
	}
}
