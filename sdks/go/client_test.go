package dockhand

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestListAgents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agents" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer op-token" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]Agent{{
			EndpointID:   "ep-1",
			ConnectionID: "conn-abc",
			AgentID:      "agent-1",
			AgentName:    "rack-4",
			Capabilities: []string{"proxy", "logs", "exec"},
			ConnectedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		}})
	}))
	defer server.Close()

	client := NewClient(
		WithServerAddr(server.URL),
		WithToken("op-token"),
	)

	agents, err := client.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}
	if agents[0].EndpointID != "ep-1" {
		t.Errorf("expected endpoint ep-1, got %s", agents[0].EndpointID)
	}
	if agents[0].AgentName != "rack-4" {
		t.Errorf("expected agent name rack-4, got %s", agents[0].AgentName)
	}
	if len(agents[0].Capabilities) != 3 {
		t.Errorf("expected 3 capabilities, got %v", agents[0].Capabilities)
	}
}

func TestDockerRelay(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotContentType string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Api-Version", "1.45")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"Id":"abc123"}`))
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	resp, err := client.Docker(context.Background(), "ep-1", DockerRequest{
		Method: http.MethodPost,
		Path:   "/containers/create?name=web",
		Body:   []byte(`{"Image":"nginx:alpine"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("expected POST, got %s", gotMethod)
	}
	if gotPath != "/api/agents/ep-1/docker/containers/create" {
		t.Errorf("unexpected relay path: %s", gotPath)
	}
	if gotQuery != "name=web" {
		t.Errorf("expected query name=web, got %s", gotQuery)
	}
	if gotContentType != "application/json" {
		t.Errorf("expected application/json content type, got %s", gotContentType)
	}
	if string(gotBody) != `{"Image":"nginx:alpine"}` {
		t.Errorf("unexpected forwarded body: %s", gotBody)
	}

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Api-Version") != "1.45" {
		t.Errorf("expected daemon headers to pass through, got %v", resp.Header)
	}
	if string(resp.Body) != `{"Id":"abc123"}` {
		t.Errorf("unexpected response body: %s", resp.Body)
	}
}

func TestDockerRelayDaemonErrorPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"No such container: nope"}`))
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	resp, err := client.Docker(context.Background(), "ep-1", DockerRequest{Path: "/containers/nope/json"})
	if err != nil {
		t.Fatalf("daemon 404 must not be an SDK error, got %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected the daemon's 404, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "No such container") {
		t.Errorf("expected the daemon's body, got %s", resp.Body)
	}
}

func TestDockerRelayGatewayErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"agent offline", http.StatusBadGateway, `{"error":"agent not connected: ep-1"}`, ErrAgentNotConnected},
		{"policy denied", http.StatusForbidden, `{"error":"access denied by policy: blocked"}`, ErrForbidden},
		{"agent timeout", http.StatusGatewayTimeout, `{"error":"agent did not answer in time"}`, ErrAgentTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(WithServerAddr(server.URL))
			_, err := client.Docker(context.Background(), "ep-1", DockerRequest{Path: "/containers/json"})
			if err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("errors.Is(err, %v) = false; err = %v", tt.want, err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %T", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, apiErr.StatusCode)
			}
		})
	}
}

func TestStreamDocker(t *testing.T) {
	chunks := []string{"line one\n", "line two\n", "line three\n"}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("stream"); got != "1" {
			t.Errorf("expected stream=1 on the relay URL, got query %q", r.URL.RawQuery)
		}
		if got := r.URL.Query().Get("follow"); got != "1" {
			t.Errorf("expected the caller's query preserved, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			w.Write([]byte(c))
			flusher.Flush()
		}
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	var received []byte
	err := client.StreamDocker(context.Background(), "ep-1", "/containers/web-1/logs?follow=1", func(chunk []byte) error {
		received = append(received, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := string(received), strings.Join(chunks, ""); got != want {
		t.Errorf("expected %q streamed, got %q", want, got)
	}
}

func TestProvisionToken(t *testing.T) {
	var gotInput TokenInput

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/tokens" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotInput); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(TokenGrant{
			Token: Token{
				ID:         "tok-9",
				Name:       "rack-4 agent",
				EndpointID: "ep-1",
				CreatedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			},
			Secret: "dck_abc123def456",
		})
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	grant, err := client.ProvisionToken(context.Background(), TokenInput{
		EndpointID: "ep-1",
		Name:       "rack-4 agent",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotInput.EndpointID != "ep-1" || gotInput.Name != "rack-4 agent" {
		t.Errorf("unexpected request body: %+v", gotInput)
	}
	if grant.Secret != "dck_abc123def456" {
		t.Errorf("expected the one-time secret, got %q", grant.Secret)
	}
	if grant.Token.ID != "tok-9" {
		t.Errorf("expected token id tok-9, got %s", grant.Token.ID)
	}
}

func TestCheckAccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/rules/test" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var check AccessCheck
		if err := json.NewDecoder(r.Body).Decode(&check); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(AccessDecision{
			Decision:  "deny",
			RuleID:    "r-1",
			RuleName:  "no deletes",
			Reason:    "matched rule no deletes",
			RequestID: "eval-123",
		})
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	decision, err := client.CheckAccess(context.Background(), AccessCheck{
		EndpointID: "ep-1",
		Method:     "DELETE",
		Path:       "/containers/abc",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Decision != "deny" {
		t.Errorf("expected deny, got %s", decision.Decision)
	}
	if decision.RuleID != "r-1" {
		t.Errorf("expected rule r-1, got %s", decision.RuleID)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"authorization required"}`, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, `{"error":"state store is read-only"}`, ErrForbidden},
		{"not found", http.StatusNotFound, `{"error":"rule not found: r-9"}`, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(WithServerAddr(server.URL))
			_, err := client.ListRules(context.Background())
			if err == nil {
				t.Fatal("expected an error, got nil")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("errors.Is(err, %v) = false; err = %v", tt.want, err)
			}
		})
	}
}

func TestServerUnreachable(t *testing.T) {
	// Grab an address that is guaranteed to refuse connections.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	client := NewClient(
		WithServerAddr(addr),
		WithTimeout(time.Second),
	)

	_, err := client.ListAgents(context.Background())
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if !errors.Is(err, ErrServerUnreachable) {
		t.Errorf("errors.Is(err, ErrServerUnreachable) = false; err = %v", err)
	}
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %T", err)
	}
	if connErr.Cause == nil {
		t.Error("expected the transport cause to be preserved")
	}
}

func TestEnvConfiguration(t *testing.T) {
	t.Setenv("DOCKHAND_SERVER_ADDR", "https://dockhand.example.com")
	t.Setenv("DOCKHAND_API_TOKEN", "env-token")
	t.Setenv("DOCKHAND_TIMEOUT", "5")

	client := NewClient()
	if client.serverAddr != "https://dockhand.example.com" {
		t.Errorf("expected server addr from env, got %s", client.serverAddr)
	}
	if client.token != "env-token" {
		t.Errorf("expected token from env, got %s", client.token)
	}
	if client.timeout != 5*time.Second {
		t.Errorf("expected 5s timeout from env, got %v", client.timeout)
	}

	// Options win over the environment.
	client = NewClient(WithToken("explicit"))
	if client.token != "explicit" {
		t.Errorf("expected option to override env, got %s", client.token)
	}
}

func TestDisconnectAgent(t *testing.T) {
	var gotBody map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/agents/ep-1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(WithServerAddr(server.URL))

	if err := client.DisconnectAgent(context.Background(), "ep-1", "maintenance"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotBody["reason"] != "maintenance" {
		t.Errorf("expected the reason forwarded, got %v", gotBody)
	}
}
