package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dockhand-io/dockhand/internal/adapter/outbound/memory"
	"github.com/dockhand-io/dockhand/internal/adapter/outbound/state"
	"github.com/dockhand-io/dockhand/internal/agent"
	"github.com/dockhand-io/dockhand/internal/domain/auth"
	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/internal/service"
)

// TestProvisionLifecycleOverAPI walks a credential through its whole
// life on the management API: endpoint created, token minted, secret
// used by a live agent, token revoked. The secret must appear exactly
// once, in the provisioning response, and never on disk.
func TestProvisionLifecycleOverAPI(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "dockhand-state.json")
	rig := startServerRig(t, rigOptions{statePath: statePath})

	postJSON := func(path, body string) (*http.Response, []byte) {
		t.Helper()
		resp, err := http.Post(rig.srv.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST %s failed: %v", path, err)
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return resp, data
	}

	resp, body := postJSON("/api/endpoints", `{"name":"edge-lab","description":"rack 4 lab host"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create endpoint status = %d, want 201; body: %s", resp.StatusCode, body)
	}
	var endpoint struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body, &endpoint); err != nil {
		t.Fatalf("decode endpoint: %v", err)
	}
	if endpoint.ID == "" || endpoint.Name != "edge-lab" {
		t.Fatalf("endpoint = %+v, want an id and the requested name", endpoint)
	}

	resp, body = postJSON("/api/tokens", `{"endpoint_id":"`+endpoint.ID+`","name":"edge-lab agent"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("provision token status = %d, want 201; body: %s", resp.StatusCode, body)
	}
	var minted struct {
		Token struct {
			ID         string `json:"id"`
			EndpointID string `json:"endpoint_id"`
			Revoked    bool   `json:"revoked"`
		} `json:"token"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(body, &minted); err != nil {
		t.Fatalf("decode provision response: %v", err)
	}
	if !strings.HasPrefix(minted.Secret, "dck_") {
		t.Errorf("secret = %q, want the dck_ prefix", minted.Secret)
	}
	if minted.Token.EndpointID != endpoint.ID {
		t.Errorf("token endpoint = %q, want %q", minted.Token.EndpointID, endpoint.ID)
	}

	// The store keeps the hash, never the cleartext.
	persisted, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("reading state file: %v", err)
	}
	if !bytes.Contains(persisted, []byte(minted.Token.ID)) {
		t.Error("state file does not record the provisioned token")
	}
	if bytes.Contains(persisted, []byte(minted.Secret)) {
		t.Error("state file contains the cleartext secret")
	}

	// The fresh secret opens a tunnel without a server restart.
	engine := &fakeEngine{do: func(req *tunnel.Request) (*tunnel.Response, error) {
		return &tunnel.Response{StatusCode: http.StatusOK, Body: []byte("OK")}, nil
	}}
	h := startAgent(t, rig, minted.Secret, engine, newFakeRunner(),
		agent.WithAgentID("agent-lab"),
		agent.WithAgentName("edge-lab"),
	)
	defer h.stop(t)
	waitConnected(t, rig, endpoint.ID)

	ping := func() int {
		t.Helper()
		resp, err := http.Get(rig.srv.URL + "/api/agents/" + endpoint.ID + "/docker/_ping")
		if err != nil {
			t.Fatalf("proxy ping failed: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode
	}
	if status := ping(); status != http.StatusOK {
		t.Fatalf("ping through fresh credential = %d, want 200", status)
	}

	// Revocation refuses new connections but leaves the live tunnel up.
	req, _ := http.NewRequest(http.MethodDelete, rig.srv.URL+"/api/tokens/"+minted.Token.ID, nil)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE token failed: %v", err)
	}
	io.Copy(io.Discard, resp2.Body)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status = %d, want 204", resp2.StatusCode)
	}
	if !rig.hub.Connected(endpoint.ID) {
		t.Error("revocation dropped an established tunnel")
	}
	if status := ping(); status != http.StatusOK {
		t.Errorf("ping after revocation = %d, want 200 on the live tunnel", status)
	}

	// The listing reflects the revocation.
	resp3, err := http.Get(rig.srv.URL + "/api/tokens")
	if err != nil {
		t.Fatalf("GET /api/tokens failed: %v", err)
	}
	var listed []struct {
		ID      string `json:"id"`
		Revoked bool   `json:"revoked"`
	}
	if err := json.NewDecoder(resp3.Body).Decode(&listed); err != nil {
		t.Fatalf("decode token list: %v", err)
	}
	resp3.Body.Close()
	found := false
	for _, tok := range listed {
		if tok.ID == minted.Token.ID {
			found = true
			if !tok.Revoked {
				t.Error("token listed as active after revocation")
			}
		}
	}
	if !found {
		t.Error("revoked token missing from the listing")
	}

	// Once the tunnel drops, the revoked credential cannot come back.
	rig.hub.Disconnect(endpoint.ID, "rotating credentials")
	if err := h.wait(t); !errors.Is(err, agent.ErrHandshakeRejected) {
		t.Fatalf("redial with revoked token returned %v, want ErrHandshakeRejected", err)
	}
	if rig.hub.Connected(endpoint.ID) {
		t.Error("revoked credential reconnected")
	}
}

// TestProvisionSurvivesRestart verifies that credentials provisioned
// before a server restart still verify after one, because the hash is
// reloaded from the state file and reseeded into the verifier.
func TestProvisionSurvivesRestart(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "dockhand-state.json")
	logger := testLogger()
	ctx := context.Background()

	// First server lifetime: provision an endpoint and a token.
	svc1 := service.NewProvisionService(state.NewFileStateStore(statePath, logger), logger)
	if err := svc1.Init(); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	endpoint, err := svc1.CreateEndpoint(ctx, service.CreateEndpointInput{Name: "factory-floor"})
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	minted, err := svc1.ProvisionToken(ctx, service.ProvisionTokenInput{EndpointID: endpoint.ID, Name: "floor agent"})
	if err != nil {
		t.Fatalf("ProvisionToken: %v", err)
	}

	// Second lifetime: a fresh store and service on the same file.
	reseed := func() *auth.TokenService {
		t.Helper()
		svc := service.NewProvisionService(state.NewFileStateStore(statePath, logger), logger)
		if err := svc.Init(); err != nil {
			t.Fatalf("Init after restart: %v", err)
		}
		toks, err := svc.AgentTokens(ctx)
		if err != nil {
			t.Fatalf("AgentTokens: %v", err)
		}
		store := memory.NewTokenStore()
		for _, tok := range toks {
			store.Add(tok)
		}
		return auth.NewTokenService(store)
	}

	grant, err := reseed().Verify(ctx, minted.Secret)
	if err != nil {
		t.Fatalf("Verify after restart: %v", err)
	}
	if grant.EndpointID != endpoint.ID || grant.TokenID != minted.Token.ID {
		t.Errorf("grant = %+v, want endpoint %s token %s", grant, endpoint.ID, minted.Token.ID)
	}

	// Revoke in the second lifetime; a third lifetime must refuse it.
	svc2 := service.NewProvisionService(state.NewFileStateStore(statePath, logger), logger)
	if err := svc2.Init(); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	hash, err := svc2.RevokeToken(ctx, minted.Token.ID)
	if err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if hash != minted.Token.TokenHash {
		t.Errorf("revoked hash = %q, want the minted token's hash", hash)
	}

	if _, err := reseed().Verify(ctx, minted.Secret); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("Verify after revoke and restart returned %v, want ErrInvalidToken", err)
	}
}
