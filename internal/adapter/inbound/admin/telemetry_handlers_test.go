package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dockhand-io/dockhand/internal/domain/telemetry"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=5", 5},
		{"limit=0", 50},
		{"limit=-3", 50},
		{"limit=abc", 50},
		{"limit=5000", 1000},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/api/agents/ep-1/metrics?"+tt.query, nil)
		if got := parseLimit(r, 50, 1000); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func testMetricsRecord(endpointID string, at time.Time, payload string) telemetry.MetricsRecord {
	return telemetry.MetricsRecord{
		EndpointID: endpointID,
		Timestamp:  at,
		ReceivedAt: at,
		Payload:    json.RawMessage(payload),
	}
}

func testEventRecord(endpointID string, at time.Time, payload string) telemetry.EventRecord {
	return telemetry.EventRecord{
		EndpointID: endpointID,
		Timestamp:  at,
		ReceivedAt: at,
		Payload:    json.RawMessage(payload),
	}
}

func TestHandleAgentMetrics(t *testing.T) {
	env := setupAPITestEnv(t)
	ctx := context.Background()
	base := time.Now().UTC()
	if err := env.telemetry.AppendMetrics(ctx,
		testMetricsRecord("ep-1", base, `{"seq":1}`),
		testMetricsRecord("ep-1", base.Add(time.Second), `{"seq":2}`),
		testMetricsRecord("ep-2", base.Add(2*time.Second), `{"seq":3}`),
	); err != nil {
		t.Fatalf("append metrics: %v", err)
	}

	rec := env.doRequest(t, "GET", "/api/agents/ep-1/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body=%s)", rec.Code, rec.Body.String())
	}
	var records []telemetry.MetricsRecord
	decodeJSON(t, rec, &records)
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	// Newest first.
	if string(records[0].Payload) != `{"seq":2}` {
		t.Errorf("records[0].payload = %s, want seq 2", records[0].Payload)
	}
	if string(records[1].Payload) != `{"seq":1}` {
		t.Errorf("records[1].payload = %s, want seq 1", records[1].Payload)
	}

	rec = env.doRequest(t, "GET", "/api/agents/ep-1/metrics?limit=1", nil)
	decodeJSON(t, rec, &records)
	if len(records) != 1 || string(records[0].Payload) != `{"seq":2}` {
		t.Errorf("limited records = %v, want just seq 2", records)
	}
}

func TestHandleAgentMetrics_Empty(t *testing.T) {
	env := setupAPITestEnv(t)

	rec := env.doRequest(t, "GET", "/api/agents/ep-1/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) == "null" {
		t.Error("body is null, want an empty array")
	}
	var records []telemetry.MetricsRecord
	decodeJSON(t, rec, &records)
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
}

func TestHandleAgentEvents(t *testing.T) {
	env := setupAPITestEnv(t)
	ctx := context.Background()
	base := time.Now().UTC()
	if err := env.telemetry.AppendEvents(ctx,
		testEventRecord("ep-1", base, `{"status":"start"}`),
		testEventRecord("ep-1", base.Add(time.Second), `{"status":"die"}`),
	); err != nil {
		t.Fatalf("append events: %v", err)
	}

	rec := env.doRequest(t, "GET", "/api/agents/ep-1/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body=%s)", rec.Code, rec.Body.String())
	}
	var records []telemetry.EventRecord
	decodeJSON(t, rec, &records)
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if string(records[0].Payload) != `{"status":"die"}` {
		t.Errorf("records[0].payload = %s, want the die event first", records[0].Payload)
	}
}

// The stream replays sink contents in arrival order, then tails new
// events as they land.
func TestHandleEventStream(t *testing.T) {
	env := setupAPITestEnv(t)
	ctx := context.Background()
	base := time.Now().UTC()
	if err := env.telemetry.AppendEvents(ctx,
		testEventRecord("ep-1", base, `{"status":"start"}`),
		testEventRecord("ep-1", base.Add(time.Millisecond), `{"status":"die"}`),
	); err != nil {
		t.Fatalf("append events: %v", err)
	}

	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, "GET", srv.URL+"/api/events/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	readData := func(n int) []string {
		t.Helper()
		var out []string
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				out = append(out, strings.TrimPrefix(line, "data: "))
				if len(out) == n {
					return out
				}
			}
		}
		t.Fatalf("stream ended after %d data lines, want %d: %v", len(out), n, scanner.Err())
		return nil
	}

	// History replays immediately, oldest first.
	replay := readData(2)
	if !strings.Contains(replay[0], `"start"`) {
		t.Errorf("replay[0] = %s, want the start event", replay[0])
	}
	if !strings.Contains(replay[1], `"die"`) {
		t.Errorf("replay[1] = %s, want the die event", replay[1])
	}

	// A new event lands on the next poll without reopening the stream.
	if err := env.telemetry.AppendEvents(ctx,
		testEventRecord("ep-1", base.Add(time.Second), `{"status":"restart"}`),
	); err != nil {
		t.Fatalf("append tail event: %v", err)
	}
	tail := readData(1)
	if !strings.Contains(tail[0], `"restart"`) {
		t.Errorf("tail = %s, want the restart event", tail[0])
	}
}

func TestHandleEventStream_EndpointFilter(t *testing.T) {
	env := setupAPITestEnv(t)
	ctx := context.Background()
	base := time.Now().UTC()
	if err := env.telemetry.AppendEvents(ctx,
		testEventRecord("ep-1", base, `{"status":"start"}`),
		testEventRecord("ep-2", base.Add(time.Millisecond), `{"status":"die"}`),
		testEventRecord("ep-1", base.Add(2*time.Millisecond), `{"status":"stop"}`),
	); err != nil {
		t.Fatalf("append events: %v", err)
	}

	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, "GET", srv.URL+"/api/events/stream?endpoint_id=ep-1", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var payloads []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			payloads = append(payloads, strings.TrimPrefix(line, "data: "))
			if len(payloads) == 2 {
				break
			}
		}
	}
	if len(payloads) != 2 {
		t.Fatalf("payloads = %d, want 2: %v", len(payloads), scanner.Err())
	}
	for _, p := range payloads {
		if !strings.Contains(p, `"ep-1"`) {
			t.Errorf("payload = %s, want only ep-1 events", p)
		}
		if strings.Contains(p, `"die"`) {
			t.Errorf("payload = %s, the ep-2 event must be filtered out", p)
		}
	}
}
