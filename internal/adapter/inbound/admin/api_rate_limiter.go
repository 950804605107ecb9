package admin

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// apiRateLimitEntry tracks request counts for one client IP.
type apiRateLimitEntry struct {
	count   int
	resetAt time.Time
}

// apiRateLimiter is a fixed-window per-IP limiter for the admin API.
// Expired entries are swept opportunistically on each call, so an idle
// limiter holds no timers or goroutines.
type apiRateLimiter struct {
	mu          sync.Mutex
	entries     map[string]*apiRateLimitEntry
	maxRequests int
	window      time.Duration
}

func newAPIRateLimiter(maxRequests int, window time.Duration) *apiRateLimiter {
	return &apiRateLimiter{
		entries:     make(map[string]*apiRateLimitEntry),
		maxRequests: maxRequests,
		window:      window,
	}
}

// allow reports whether the client may proceed and, when denied, how
// many seconds remain until the window resets.
func (rl *apiRateLimiter) allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	// Sweep expired entries so the map cannot grow unbounded.
	for key, entry := range rl.entries {
		if now.After(entry.resetAt) {
			delete(rl.entries, key)
		}
	}

	entry, exists := rl.entries[ip]
	if !exists || now.After(entry.resetAt) {
		rl.entries[ip] = &apiRateLimitEntry{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}

	if entry.count >= rl.maxRequests {
		retryAfter := int(entry.resetAt.Sub(now).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}

	entry.count++
	return true, 0
}

// apiRateLimitMiddleware enforces a per-IP request budget. Loopback
// clients are exempt: the limiter protects the API from remote abuse,
// not from an operator on the box.
func apiRateLimitMiddleware(maxRequests int, window time.Duration, next http.Handler) http.Handler {
	limiter := newAPIRateLimiter(maxRequests, window)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLocalhost(r) {
			next.ServeHTTP(w, r)
			return
		}
		allowed, retryAfter := limiter.allow(clientIP(r))
		if !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
