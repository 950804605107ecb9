package cmd

import (
	"context"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dockhand-io/dockhand/internal/adapter/inbound/admin"
	"github.com/dockhand-io/dockhand/internal/adapter/inbound/http"
	"github.com/dockhand-io/dockhand/internal/adapter/outbound/memory"
	"github.com/dockhand-io/dockhand/internal/adapter/outbound/sqlite"
	"github.com/dockhand-io/dockhand/internal/adapter/outbound/state"
	"github.com/dockhand-io/dockhand/internal/config"
	"github.com/dockhand-io/dockhand/internal/domain/auth"
	"github.com/dockhand-io/dockhand/internal/domain/policy"
	"github.com/dockhand-io/dockhand/internal/domain/telemetry"
	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/internal/observability"
	"github.com/dockhand-io/dockhand/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Dockhand server",
	Long: `Start the Dockhand server.

The server accepts agent tunnels on /ws/agent, serves the management API
under /api, and exposes /health and /metrics for operations.

Agent tokens and access rules can be seeded from the config file or
provisioned at runtime through the API; runtime changes persist in the
state file and survive restarts.

Examples:
  # Start with config file settings
  dockhand start

  # Start with a specific config file
  dockhand --config /etc/dockhand/dockhand.yaml start

  # Listen on all interfaces without editing the config
  DOCKHAND_SERVER_LISTEN_ADDR=0.0.0.0:9410 dockhand start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	statePath := resolveStatePath(cfg)

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	logger := newLogger(cfg)
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "format", cfg.Server.LogFormat)

	// Log config file used if any
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "dockhand stop" can find us.
	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, statePath, logger); err != nil {
		return err
	}

	logger.Info("dockhand stopped")
	return nil
}

// run is the main orchestration function that wires all components
// together and blocks until shutdown.
func run(ctx context.Context, cfg *config.Config, statePath string, logger *slog.Logger) error {
	// Record start time for uptime calculation (used by the system info endpoint).
	startTime := time.Now().UTC()

	// ===== State file =====
	stateStore := state.NewFileStateStore(statePath, logger)
	appState, err := stateStore.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	// Save immediately to create the file if it didn't exist.
	if err := stateStore.Save(appState); err != nil {
		return fmt.Errorf("failed to save initial state: %w", err)
	}
	logger.Info("state loaded",
		"path", statePath,
		"endpoints", len(appState.Endpoints),
		"tokens", len(appState.Tokens),
		"rules", len(appState.Rules),
	)

	// ===== Agent credentials =====
	// Config-seeded tokens and state-provisioned tokens share one
	// verification store; the handshake never touches disk.
	tokenStore := memory.NewTokenStore()
	seedTokensFromConfig(cfg, tokenStore)
	if len(cfg.Tokens) > 0 {
		logger.Debug("seeded agent tokens from config", "count", len(cfg.Tokens))
	}

	provisionService := service.NewProvisionService(stateStore, logger)
	if err := provisionService.Init(); err != nil {
		return fmt.Errorf("failed to init provisioning: %w", err)
	}
	provisioned, err := provisionService.AgentTokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to load provisioned tokens: %w", err)
	}
	for _, tok := range provisioned {
		tokenStore.Add(tok)
	}
	verifier := auth.NewTokenService(tokenStore)

	// ===== Access policy =====
	seededRules := seedRulesFromConfig(cfg)
	policyService, err := service.NewPolicyService(seededRules, logger)
	if err != nil {
		return fmt.Errorf("failed to compile config rules: %w", err)
	}
	ruleAdminService := service.NewRuleAdminService(stateStore, policyService, seededRules, logger)
	if err := ruleAdminService.Init(); err != nil {
		return fmt.Errorf("failed to load stored rules: %w", err)
	}
	ruleEvalService := service.NewRuleEvalService(policyService, logger)

	// ===== Telemetry sinks =====
	var metricsStore telemetry.MetricsStore
	var eventStore telemetry.EventStore
	if cfg.Sinks.Backend == "sqlite" {
		dbStore, err := sqlite.New(cfg.Sinks.SQLitePath,
			sqlite.WithLogger(logger),
			sqlite.WithRetention(config.ParseDuration(cfg.Sinks.Retention, 168*time.Hour)),
		)
		if err != nil {
			return fmt.Errorf("failed to open telemetry database: %w", err)
		}
		defer dbStore.Close()
		metricsStore, eventStore = dbStore, dbStore
		logger.Info("telemetry sink ready", "backend", "sqlite", "path", cfg.Sinks.SQLitePath)
	} else {
		memStore := memory.NewTelemetryStore(cfg.Sinks.History)
		defer memStore.Close()
		metricsStore, eventStore = memStore, memStore
		logger.Info("telemetry sink ready", "backend", "memory", "history", cfg.Sinks.History)
	}

	ingestService := service.NewIngestService(metricsStore, eventStore, logger,
		service.WithChannelSize(cfg.Sinks.ChannelSize),
		service.WithBatchSize(cfg.Sinks.BatchSize),
		service.WithFlushInterval(config.ParseDuration(cfg.Sinks.FlushInterval, time.Second)),
		service.WithSendTimeout(config.ParseDuration(cfg.Sinks.SendTimeout, 100*time.Millisecond)),
		service.WithWarningThreshold(cfg.Sinks.WarningThreshold),
	)
	ingestService.Start(ctx)
	defer ingestService.Stop()

	statsService := service.NewStatsService()

	// ===== Prometheus registry =====
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := http.NewMetrics(promReg)

	// ===== Tunnel core =====
	registry := tunnel.NewRegistry(tunnel.WithRegistryLogger(logger))
	hub := service.NewTunnelHub(registry, verifier, policyService, logger,
		service.WithIngest(ingestService),
		service.WithStats(statsService),
		service.WithHandshakeTimeout(config.ParseDuration(cfg.Tunnel.HandshakeTimeout, 10*time.Second)),
		service.WithDispatchTimeout(config.ParseDuration(cfg.Tunnel.DispatchTimeout, 30*time.Second)),
		service.WithExecReadyWait(config.ParseDuration(cfg.Tunnel.ExecReadyTimeout, 10*time.Second)),
		service.WithConnectHook(metrics.HookConnect),
		service.WithDisconnectHook(metrics.HookDisconnect),
		service.WithFrameHook(metrics.HookInboundFrame),
		service.WithSendFrameHook(metrics.HookOutboundFrame),
		service.WithDispatchObserver(metrics.ObserveDispatch),
	)
	defer hub.Shutdown()
	http.RegisterAgentGauges(promReg, hub)

	// The monitor owns heartbeats and deadline sweeps. Timeout teardowns
	// surface through the hub's disconnect hook, so no extra hook here.
	monitor := tunnel.NewMonitor(registry,
		tunnel.WithMonitorLogger(logger),
		tunnel.WithHeartbeatInterval(config.ParseDuration(cfg.Tunnel.HeartbeatInterval, tunnel.DefaultHeartbeatInterval)),
		tunnel.WithHeartbeatTimeout(config.ParseDuration(cfg.Tunnel.HeartbeatTimeout, tunnel.DefaultHeartbeatTimeout)),
		tunnel.WithSweepInterval(config.ParseDuration(cfg.Tunnel.SweepInterval, tunnel.DefaultSweepInterval)),
	)
	monitor.Start()
	defer monitor.Stop()

	// ===== OpenTelemetry =====
	if cfg.Telemetry.Enabled {
		shutdownOtel, err := observability.Setup(ctx,
			observability.WithVersion(Version),
			observability.WithLogger(logger),
			observability.WithAgentCount(func() int { return len(hub.Agents()) }),
		)
		if err != nil {
			logger.Error("telemetry export setup failed, continuing without it", "error", err)
		} else {
			defer func() {
				shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownOtel(shCtx); err != nil {
					logger.Warn("telemetry export shutdown", "error", err)
				}
			}()
		}
	}

	// ===== Management API =====
	var adminHandler stdhttp.Handler
	if cfg.Admin.Enabled {
		apiHandler := admin.NewAdminAPIHandler(
			admin.WithTunnelHub(hub),
			admin.WithProvisionService(provisionService),
			admin.WithRuleAdminService(ruleAdminService),
			admin.WithRuleEvalService(ruleEvalService),
			admin.WithStatsService(statsService),
			admin.WithMetricsStore(metricsStore),
			admin.WithEventStore(eventStore),
			admin.WithTokenStore(tokenStore),
			admin.WithExportConfig(cfg),
			admin.WithBuildInfo(&admin.BuildInfo{Version: Version, Commit: Commit, BuildDate: BuildDate}),
			admin.WithOperatorTokenHash(cfg.Admin.TokenHash),
			admin.WithRateLimit(cfg.Admin.RateLimit),
			admin.WithAPILogger(logger),
			admin.WithStartTime(startTime),
		)
		adminHandler = apiHandler.Routes()
		if cfg.Admin.TokenHash == "" {
			logger.Warn("admin API has no operator token, accepting localhost requests only",
				"hint", "set admin.token_hash (dockhand hash-token) to allow remote operators")
		}
	} else {
		logger.Info("admin API disabled")
	}

	// ===== HTTP transport =====
	tlsEnabled := cfg.Server.TLSCert != "" && cfg.Server.TLSKey != ""
	transportOpts := []http.Option{
		http.WithAddr(cfg.Server.ListenAddr),
		http.WithLogger(logger),
		http.WithMetrics(promReg, metrics),
		http.WithHealthChecker(http.NewHealthChecker(hub, ingestService, Version)),
	}
	if tlsEnabled {
		transportOpts = append(transportOpts, http.WithTLS(cfg.Server.TLSCert, cfg.Server.TLSKey))
	}
	if adminHandler != nil {
		transportOpts = append(transportOpts, http.WithAdminHandler(adminHandler))
	}
	transport := http.NewHTTPTransport(hub, transportOpts...)

	printBanner(Version, cfg.Server.ListenAddr, tlsEnabled, cfg.Admin.Enabled,
		len(appState.Endpoints), activeRuleCount(seededRules, appState))

	return transport.Start(ctx)
}

// newLogger builds the process logger from the server config. Logs go to
// stderr so stdout stays clean for command output.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Server.LogLevel)}
	var handler slog.Handler
	if cfg.Server.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// seedTokensFromConfig loads config-file token records into the
// verification store. Only hashes appear in config; the store never sees
// a plaintext secret.
func seedTokensFromConfig(cfg *config.Config, store *memory.TokenStore) {
	now := time.Now().UTC()
	for _, tc := range cfg.Tokens {
		store.Add(&auth.Token{
			ID:         tc.ID,
			Name:       tc.Name,
			EndpointID: tc.EndpointID,
			Hash:       tc.TokenHash,
			CreatedAt:  now,
		})
	}
}

// seedRulesFromConfig converts config-file rules to their domain form.
// Config rules get stable positional IDs so decision logs stay readable.
func seedRulesFromConfig(cfg *config.Config) []policy.Rule {
	rules := make([]policy.Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		rules = append(rules, policy.Rule{
			ID:        fmt.Sprintf("config-%d", i+1),
			Name:      rc.Name,
			Priority:  rc.Priority,
			Condition: rc.Condition,
			Action:    policy.Action(rc.Action),
		})
	}
	return rules
}

// activeRuleCount counts the rules the policy engine evaluates: all
// config-seeded rules plus enabled stored ones.
func activeRuleCount(seeded []policy.Rule, appState *state.AppState) int {
	count := len(seeded)
	for _, entry := range appState.Rules {
		if entry.Enabled {
			count++
		}
	}
	return count
}

// printBanner prints a formatted startup banner to stderr with version,
// addresses, TLS mode, and resource counts.
func printBanner(version, listenAddr string, tlsEnabled, adminEnabled bool, endpointCount, ruleCount int) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	host := listenAddr
	if strings.HasPrefix(listenAddr, ":") {
		host = "localhost" + listenAddr
	}
	wsScheme, httpScheme := "ws", "http"
	tlsStr := yellow + "off" + reset
	if tlsEnabled {
		wsScheme, httpScheme = "wss", "https"
		tlsStr = green + "on" + reset
	}
	apiStr := fmt.Sprintf("%s://%s/api", httpScheme, host)
	if !adminEnabled {
		apiStr = dim + "disabled" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s Dockhand %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-11s %s://%s/ws/agent\n", "Tunnel:", wsScheme, host)
	fmt.Fprintf(os.Stderr, "  %-11s %s\n", "API:", apiStr)
	fmt.Fprintf(os.Stderr, "  %-11s %s://%s/metrics\n", "Metrics:", httpScheme, host)
	fmt.Fprintf(os.Stderr, "  %-11s %s\n", "TLS:", tlsStr)
	fmt.Fprintf(os.Stderr, "  %-11s %d provisioned\n", "Endpoints:", endpointCount)
	fmt.Fprintf(os.Stderr, "  %-11s %d active\n", "Rules:", ruleCount)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}

// pidFilePath returns the standard location for the Dockhand PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".dockhand", "server.pid")
	}
	return filepath.Join(os.TempDir(), "dockhand-server.pid")
}

// writePIDFile writes the current process PID to the given path, creating
// parent directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
