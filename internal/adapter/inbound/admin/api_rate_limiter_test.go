package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAPIRateLimiter_Allow(t *testing.T) {
	rl := newAPIRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		allowed, _ := rl.allow("10.0.0.1")
		if !allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}

	allowed, retryAfter := rl.allow("10.0.0.1")
	if allowed {
		t.Fatal("request 4 allowed, want denied")
	}
	if retryAfter < 1 || retryAfter > 61 {
		t.Errorf("retryAfter = %d, want within (0, 61]", retryAfter)
	}
}

func TestAPIRateLimiter_PerIP(t *testing.T) {
	rl := newAPIRateLimiter(1, time.Minute)

	if allowed, _ := rl.allow("10.0.0.1"); !allowed {
		t.Fatal("first IP denied")
	}
	if allowed, _ := rl.allow("10.0.0.2"); !allowed {
		t.Error("second IP denied, budgets must be independent")
	}
	if allowed, _ := rl.allow("10.0.0.1"); allowed {
		t.Error("first IP allowed past its budget")
	}
}

func TestAPIRateLimiter_WindowReset(t *testing.T) {
	rl := newAPIRateLimiter(1, 10*time.Millisecond)

	if allowed, _ := rl.allow("10.0.0.1"); !allowed {
		t.Fatal("first request denied")
	}
	if allowed, _ := rl.allow("10.0.0.1"); allowed {
		t.Fatal("second request allowed within window")
	}

	time.Sleep(20 * time.Millisecond)
	if allowed, _ := rl.allow("10.0.0.1"); !allowed {
		t.Error("request denied after window reset")
	}
}

func TestAPIRateLimiter_SweepsExpiredEntries(t *testing.T) {
	rl := newAPIRateLimiter(5, 10*time.Millisecond)

	rl.allow("10.0.0.1")
	rl.allow("10.0.0.2")
	time.Sleep(20 * time.Millisecond)
	rl.allow("10.0.0.3")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.entries) != 1 {
		t.Errorf("entries = %d, want 1 after sweep", len(rl.entries))
	}
}

func TestAPIRateLimitMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := apiRateLimitMiddleware(2, time.Minute, next)

	send := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/stats", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Remote client is limited after its budget.
	for i := 0; i < 2; i++ {
		if rec := send("203.0.113.9:5000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}
	rec := send("203.0.113.9:5000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", rec.Header().Get("Content-Type"))
	}
}

func TestAPIRateLimitMiddleware_LocalhostExempt(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := apiRateLimitMiddleware(1, time.Minute, next)

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/api/stats", nil)
		req.RemoteAddr = "127.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("loopback request %d status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}
}

func TestRoutes_RateLimitApplied(t *testing.T) {
	env := setupAPITestEnv(t, WithRateLimit(2))
	mux := env.handler.Routes()

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/stats", nil)
		req.RemoteAddr = "203.0.113.9:5000"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	// Remote requests in localhost-only auth mode are 403, but the
	// limiter sits outside auth and still counts them.
	send()
	send()
	if rec := send(); rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}
