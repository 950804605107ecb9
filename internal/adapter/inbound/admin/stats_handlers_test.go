package admin

import (
	"net/http"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/dockhand-io/dockhand/internal/config"
)

func TestHandleGetStats(t *testing.T) {
	env := setupAPITestEnv(t)
	env.connectStubAgent(t, "ep-1")
	env.stats.RecordDispatch()
	env.stats.RecordDispatch()
	env.stats.RecordDeny()
	env.stats.RecordFrame("response")

	rec := env.doRequest(t, "GET", "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body=%s)", rec.Code, rec.Body.String())
	}
	var resp struct {
		Dispatches      int64            `json:"dispatches"`
		Denied          int64            `json:"denied"`
		FrameCounts     map[string]int64 `json:"frame_counts"`
		ConnectedAgents int              `json:"connected_agents"`
		UptimeSeconds   int64            `json:"uptime_seconds"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Dispatches != 2 {
		t.Errorf("dispatches = %d, want 2", resp.Dispatches)
	}
	if resp.Denied != 1 {
		t.Errorf("denied = %d, want 1", resp.Denied)
	}
	if resp.FrameCounts["response"] != 1 {
		t.Errorf("frame_counts[response] = %d, want 1", resp.FrameCounts["response"])
	}
	if resp.ConnectedAgents != 1 {
		t.Errorf("connected_agents = %d, want 1", resp.ConnectedAgents)
	}
	if resp.UptimeSeconds < 0 {
		t.Errorf("uptime_seconds = %d, want >= 0", resp.UptimeSeconds)
	}
}

func TestHandleSystemInfo_Defaults(t *testing.T) {
	env := setupAPITestEnv(t)

	rec := env.doRequest(t, "GET", "/api/system", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp SystemInfoResponse
	decodeJSON(t, rec, &resp)
	if resp.Version != "dev" || resp.Commit != "none" || resp.BuildDate != "unknown" {
		t.Errorf("build info = %q/%q/%q, want dev/none/unknown", resp.Version, resp.Commit, resp.BuildDate)
	}
	if resp.GoVersion != runtime.Version() {
		t.Errorf("go_version = %q, want %q", resp.GoVersion, runtime.Version())
	}
	if resp.OS != runtime.GOOS || resp.Arch != runtime.GOARCH {
		t.Errorf("os/arch = %q/%q, want %q/%q", resp.OS, resp.Arch, runtime.GOOS, runtime.GOARCH)
	}
}

func TestHandleSystemInfo_WithBuildInfo(t *testing.T) {
	env := setupAPITestEnv(t, WithBuildInfo(&BuildInfo{
		Version:   "1.2.3",
		Commit:    "abc1234",
		BuildDate: "2026-01-02T15:04:05Z",
	}))

	rec := env.doRequest(t, "GET", "/api/system", nil)
	var resp SystemInfoResponse
	decodeJSON(t, rec, &resp)
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

// Exported config must carry structure but never secret material.
func TestHandleExportConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "0.0.0.0:9410"
	cfg.Agent.ServerURL = "wss://dockhand.example.com/ws/agent"
	cfg.Agent.Token = "dck_plaintext-agent-secret"
	cfg.Admin.TokenHash = "sha256:deadbeefdeadbeef"
	cfg.Tokens = []config.TokenConfig{{
		ID:         "tok-1",
		Name:       "rack-7",
		EndpointID: "ep-1",
		TokenHash:  "sha256:cafecafecafecafe",
	}}
	env := setupAPITestEnv(t, WithExportConfig(cfg))

	rec := env.doRequest(t, "GET", "/api/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body=%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-yaml" {
		t.Errorf("Content-Type = %q, want application/x-yaml", ct)
	}

	body := rec.Body.String()
	for _, secret := range []string{"dck_plaintext-agent-secret", "deadbeef", "cafecafe"} {
		if strings.Contains(body, secret) {
			t.Errorf("export contains secret material %q", secret)
		}
	}

	var exported config.Config
	if err := yaml.Unmarshal(rec.Body.Bytes(), &exported); err != nil {
		t.Fatalf("unmarshal exported yaml: %v", err)
	}
	if exported.Agent.Token != "[redacted]" {
		t.Errorf("agent.token = %q, want [redacted]", exported.Agent.Token)
	}
	if exported.Admin.TokenHash != "[redacted]" {
		t.Errorf("admin.token_hash = %q, want [redacted]", exported.Admin.TokenHash)
	}
	if len(exported.Tokens) != 1 || exported.Tokens[0].TokenHash != "[redacted]" {
		t.Errorf("tokens = %+v, want one entry with a redacted hash", exported.Tokens)
	}
	if exported.Agent.ServerURL != cfg.Agent.ServerURL {
		t.Errorf("agent.server_url = %q, want %q", exported.Agent.ServerURL, cfg.Agent.ServerURL)
	}

	// The caller's config is untouched.
	if cfg.Agent.Token != "dck_plaintext-agent-secret" {
		t.Error("export mutated the live config")
	}
}
