// Package admin implements the operator REST API: agent inventory, the
// Docker passthrough, exec bridging, endpoint and token provisioning,
// dispatch rules, telemetry queries and server introspection. The
// handler is mounted under /api by the HTTP transport.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dockhand-io/dockhand/internal/adapter/outbound/memory"
	"github.com/dockhand-io/dockhand/internal/config"
	"github.com/dockhand-io/dockhand/internal/domain/telemetry"
	"github.com/dockhand-io/dockhand/internal/service"
)

// AdminAPIHandler serves the operator API. Every dependency is
// optional; a handler whose service is absent answers 503 so a
// partially wired server still responds predictably.
type AdminAPIHandler struct {
	hub          *service.TunnelHub
	provision    *service.ProvisionService
	ruleAdmin    *service.RuleAdminService
	ruleEval     *service.RuleEvalService
	stats        *service.StatsService
	metricsStore telemetry.MetricsStore
	eventStore   telemetry.EventStore
	tokenStore   *memory.TokenStore
	exportConfig *config.Config
	buildInfo    *BuildInfo
	operatorHash string
	rateLimit    int
	logger       *slog.Logger
	startTime    time.Time
}

// AdminAPIOption configures the AdminAPIHandler.
type AdminAPIOption func(*AdminAPIHandler)

// WithTunnelHub sets the hub used for agent queries, dispatch,
// streaming and exec.
func WithTunnelHub(hub *service.TunnelHub) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.hub = hub
	}
}

// WithProvisionService sets the endpoint and token provisioning service.
func WithProvisionService(svc *service.ProvisionService) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.provision = svc
	}
}

// WithRuleAdminService sets the dispatch rule CRUD service.
func WithRuleAdminService(svc *service.RuleAdminService) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.ruleAdmin = svc
	}
}

// WithRuleEvalService sets the dry-run rule evaluation service.
func WithRuleEvalService(svc *service.RuleEvalService) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.ruleEval = svc
	}
}

// WithStatsService sets the tunnel counter service.
func WithStatsService(svc *service.StatsService) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.stats = svc
	}
}

// WithMetricsStore sets the sink queried by the agent metrics endpoint.
func WithMetricsStore(store telemetry.MetricsStore) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.metricsStore = store
	}
}

// WithEventStore sets the sink queried by the container event endpoints.
func WithEventStore(store telemetry.EventStore) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.eventStore = store
	}
}

// WithTokenStore sets the live verifier store kept in sync when tokens
// are provisioned or revoked, so agents can connect without a restart.
func WithTokenStore(store *memory.TokenStore) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.tokenStore = store
	}
}

// WithExportConfig sets the configuration served, redacted, by
// GET /api/config.
func WithExportConfig(cfg *config.Config) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.exportConfig = cfg
	}
}

// WithBuildInfo sets version information for the system endpoint.
// Injected as an option to avoid an import cycle with the cmd package.
func WithBuildInfo(info *BuildInfo) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.buildInfo = info
	}
}

// WithOperatorTokenHash sets the stored hash of the operator bearer
// token. With an empty hash the API only accepts loopback requests.
func WithOperatorTokenHash(hash string) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.operatorHash = hash
	}
}

// WithRateLimit sets the per-IP request budget per minute. Zero
// disables rate limiting.
func WithRateLimit(perMinute int) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.rateLimit = perMinute
	}
}

// WithAPILogger sets the logger.
func WithAPILogger(logger *slog.Logger) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.logger = logger
	}
}

// WithStartTime sets the process start time reported as uptime.
func WithStartTime(t time.Time) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		h.startTime = t
	}
}

// NewAdminAPIHandler creates an AdminAPIHandler with the given options.
func NewAdminAPIHandler(opts ...AdminAPIOption) *AdminAPIHandler {
	h := &AdminAPIHandler{
		logger:    slog.Default(),
		startTime: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the API route table. Everything sits behind operator
// auth; the rate limiter wraps the whole tree when a limit is set.
func (h *AdminAPIHandler) Routes() http.Handler {
	protected := http.NewServeMux()

	// Connected agents and the tunnel surface.
	protected.HandleFunc("GET /api/agents", h.handleListAgents)
	protected.HandleFunc("GET /api/agents/{id}", h.handleGetAgent)
	protected.HandleFunc("DELETE /api/agents/{id}", h.handleDisconnectAgent)
	protected.HandleFunc("/api/agents/{id}/docker/{path...}", h.handleDockerProxy)
	protected.HandleFunc("GET /api/agents/{id}/exec", h.handleExecBridge)
	protected.HandleFunc("GET /api/agents/{id}/metrics", h.handleAgentMetrics)
	protected.HandleFunc("GET /api/agents/{id}/events", h.handleAgentEvents)

	// Endpoint registry.
	protected.HandleFunc("GET /api/endpoints", h.handleListEndpoints)
	protected.HandleFunc("POST /api/endpoints", h.handleCreateEndpoint)
	protected.HandleFunc("GET /api/endpoints/{id}", h.handleGetEndpoint)
	protected.HandleFunc("PUT /api/endpoints/{id}", h.handleUpdateEndpoint)
	protected.HandleFunc("DELETE /api/endpoints/{id}", h.handleDeleteEndpoint)

	// Agent token provisioning.
	protected.HandleFunc("GET /api/tokens", h.handleListTokens)
	protected.HandleFunc("POST /api/tokens", h.handleProvisionToken)
	protected.HandleFunc("DELETE /api/tokens/{id}", h.handleRevokeToken)

	// Dispatch rules.
	protected.HandleFunc("GET /api/rules", h.handleListRules)
	protected.HandleFunc("POST /api/rules", h.handleCreateRule)
	protected.HandleFunc("GET /api/rules/evaluations", h.handleRecentEvaluations)
	protected.HandleFunc("POST /api/rules/test", h.handleTestRule)
	protected.HandleFunc("GET /api/rules/test/{id}", h.handleGetEvaluation)
	protected.HandleFunc("GET /api/rules/{id}", h.handleGetRule)
	protected.HandleFunc("PUT /api/rules/{id}", h.handleUpdateRule)
	protected.HandleFunc("DELETE /api/rules/{id}", h.handleDeleteRule)

	// Telemetry tail and introspection.
	protected.HandleFunc("GET /api/events/stream", h.handleEventStream)
	protected.HandleFunc("GET /api/stats", h.handleGetStats)
	protected.HandleFunc("GET /api/system", h.handleSystemInfo)
	protected.HandleFunc("GET /api/config", h.handleExportConfig)

	mux := http.NewServeMux()
	mux.Handle("/api/", h.operatorAuthMiddleware(protected))

	if h.rateLimit > 0 {
		return apiRateLimitMiddleware(h.rateLimit, time.Minute, mux)
	}
	return mux
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// readJSON decodes the request body into v.
func readJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// pathParam extracts a path parameter from the request.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
