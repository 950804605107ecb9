package admin

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/dockhand-io/dockhand/internal/domain/auth"
	"github.com/dockhand-io/dockhand/internal/service"
)

func TestHandleCreateEndpoint(t *testing.T) {
	env := setupAPITestEnv(t)

	rec := env.doRequest(t, "POST", "/api/endpoints", service.CreateEndpointInput{
		Name:        "edge-box",
		Description: "rack 4",
		Labels:      map[string]string{"region": "eu"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /api/endpoints status = %d, want %d (body=%s)", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var resp endpointResponse
	decodeJSON(t, rec, &resp)
	if resp.ID == "" {
		t.Error("response missing id")
	}
	if resp.Name != "edge-box" {
		t.Errorf("name = %q, want %q", resp.Name, "edge-box")
	}
	if resp.Labels["region"] != "eu" {
		t.Errorf("labels = %v, want region=eu", resp.Labels)
	}
	if resp.Connected {
		t.Error("new endpoint reported as connected")
	}
}

func TestHandleCreateEndpoint_MissingName(t *testing.T) {
	env := setupAPITestEnv(t)

	rec := env.doRequest(t, "POST", "/api/endpoints", service.CreateEndpointInput{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleCreateEndpoint_DuplicateName(t *testing.T) {
	env := setupAPITestEnv(t)
	env.createTestEndpoint(t, "edge-box")

	rec := env.doRequest(t, "POST", "/api/endpoints", service.CreateEndpointInput{Name: "edge-box"})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate name status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestHandleListEndpoints(t *testing.T) {
	env := setupAPITestEnv(t)
	env.createTestEndpoint(t, "edge-1")
	env.createTestEndpoint(t, "edge-2")

	rec := env.doRequest(t, "GET", "/api/endpoints", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/endpoints status = %d, want %d", rec.Code, http.StatusOK)
	}

	var entries []endpointResponse
	decodeJSON(t, rec, &entries)
	if len(entries) != 2 {
		t.Fatalf("endpoints = %d, want 2", len(entries))
	}
}

func TestHandleGetEndpoint(t *testing.T) {
	env := setupAPITestEnv(t)
	id := env.createTestEndpoint(t, "edge-box")

	rec := env.doRequest(t, "GET", "/api/endpoints/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/endpoints/%s status = %d, want %d", id, rec.Code, http.StatusOK)
	}
	var resp endpointResponse
	decodeJSON(t, rec, &resp)
	if resp.ID != id {
		t.Errorf("id = %q, want %q", resp.ID, id)
	}
}

func TestHandleGetEndpoint_NotFound(t *testing.T) {
	env := setupAPITestEnv(t)

	rec := env.doRequest(t, "GET", "/api/endpoints/nonexistent", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleUpdateEndpoint(t *testing.T) {
	env := setupAPITestEnv(t)
	id := env.createTestEndpoint(t, "edge-box")

	newName := "edge-box-renamed"
	rec := env.doRequest(t, "PUT", "/api/endpoints/"+id, service.UpdateEndpointInput{Name: &newName})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, want %d (body=%s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp endpointResponse
	decodeJSON(t, rec, &resp)
	if resp.Name != newName {
		t.Errorf("name = %q, want %q", resp.Name, newName)
	}
}

func TestHandleUpdateEndpoint_EmptyName(t *testing.T) {
	env := setupAPITestEnv(t)
	id := env.createTestEndpoint(t, "edge-box")

	empty := ""
	rec := env.doRequest(t, "PUT", "/api/endpoints/"+id, service.UpdateEndpointInput{Name: &empty})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleUpdateEndpoint_NotFound(t *testing.T) {
	env := setupAPITestEnv(t)

	name := "whatever"
	rec := env.doRequest(t, "PUT", "/api/endpoints/nonexistent", service.UpdateEndpointInput{Name: &name})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleDeleteEndpoint(t *testing.T) {
	env := setupAPITestEnv(t)
	id := env.createTestEndpoint(t, "edge-box")

	rec := env.doRequest(t, "DELETE", "/api/endpoints/"+id, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	if rec := env.doRequest(t, "GET", "/api/endpoints/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("GET after delete status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

// Deleting an endpoint must pull its tokens out of the live verifier.
func TestHandleDeleteEndpoint_RevokesLiveTokens(t *testing.T) {
	env := setupAPITestEnv(t)
	id := env.createTestEndpoint(t, "edge-box")

	rec := env.doRequest(t, "POST", "/api/tokens", provisionTokenRequest{EndpointID: id, Name: "bootstrap"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("provision status = %d (body=%s)", rec.Code, rec.Body.String())
	}
	var provisioned provisionTokenResponse
	decodeJSON(t, rec, &provisioned)

	// The live verifier accepts the fresh secret.
	verifier := auth.NewTokenService(env.tokenStore)
	if _, err := verifier.Verify(context.Background(), provisioned.Secret); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	if rec := env.doRequest(t, "DELETE", "/api/endpoints/"+id, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", rec.Code)
	}

	_, err := verifier.Verify(context.Background(), provisioned.Secret)
	if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrTokenNotFound) {
		t.Errorf("deleted endpoint token verified, err = %v", err)
	}
}
