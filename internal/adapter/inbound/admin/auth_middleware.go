package admin

import (
	"net"
	"net/http"
	"strings"

	"github.com/dockhand-io/dockhand/internal/domain/auth"
)

// operatorAuthMiddleware guards the API. When an operator token hash is
// configured, every request must carry a matching bearer token. Without
// one the API falls back to loopback-only access, so a fresh install is
// usable on the box but never exposed to the network.
func (h *AdminAPIHandler) operatorAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.operatorHash == "" {
			if !isLocalhost(r) {
				h.logger.Warn("admin API request denied", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				respondError(w, http.StatusForbidden, "admin API is restricted to localhost until an operator token is configured")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		presented := bearerToken(r)
		if presented == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="dockhand"`)
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		ok, err := auth.VerifyToken(presented, h.operatorHash)
		if err != nil || !ok {
			h.logger.Warn("operator token rejected", "remote_addr", r.RemoteAddr)
			respondError(w, http.StatusUnauthorized, "invalid operator token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the credential from an Authorization header.
// Returns "" when the header is absent or not a bearer scheme.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// clientIP extracts the remote IP from the connection address.
// X-Forwarded-For is intentionally NOT consulted here: the header is
// attacker-controlled unless a trusted proxy strips it, and access
// decisions must not assume one.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isLocalhost reports whether the request came from a loopback address.
func isLocalhost(r *http.Request) bool {
	host := clientIP(r)
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}
