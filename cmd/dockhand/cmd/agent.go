package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/dockhand-io/dockhand/internal/adapter/outbound/docker"
	"github.com/dockhand-io/dockhand/internal/agent"
	"github.com/dockhand-io/dockhand/internal/config"
)

var (
	agentServerURL  string
	agentDockerHost string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the edge agent next to a Docker daemon",
	Long: `Run the Dockhand edge agent.

The agent opens a single outbound WebSocket to the Dockhand server and
serves the local Docker daemon through it: API calls, log and event
streams, interactive exec sessions, and periodic host metrics. No inbound
port is opened on the Docker host.

The connection retries forever with jittered exponential backoff. Only a
server that explicitly rejects the handshake (bad token, protocol
mismatch) stops the agent.

The agent token comes from agent.token in the config file or the
DOCKHAND_AGENT_TOKEN environment variable. Prefer the environment
variable: it keeps the credential out of config files.

Examples:
  # Token from the environment, server from config
  DOCKHAND_AGENT_TOKEN=dck_... dockhand agent

  # Everything from flags and environment, no config file
  DOCKHAND_AGENT_TOKEN=dck_... dockhand agent \
    --server wss://dockhand.example.com \
    --docker-host unix:///var/run/docker.sock`,
	RunE: runEdgeAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentServerURL, "server", "", "Dockhand server URL (overrides agent.server_url)")
	agentCmd.Flags().StringVar(&agentDockerHost, "docker-host", "", "Docker daemon address (overrides agent.docker_host)")
	rootCmd.AddCommand(agentCmd)
}

func runEdgeAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flag overrides.
	if agentServerURL != "" {
		cfg.Agent.ServerURL = agentServerURL
	}
	if agentDockerHost != "" {
		cfg.Agent.DockerHost = agentDockerHost
	}

	if cfg.Agent.ServerURL == "" {
		return fmt.Errorf("no server URL: set agent.server_url, DOCKHAND_AGENT_SERVER_URL, or --server")
	}
	if cfg.Agent.Token == "" {
		return fmt.Errorf("no agent token: set agent.token or DOCKHAND_AGENT_TOKEN")
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	logger := newLogger(cfg)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	engine, err := docker.NewClient(cfg.Agent.DockerHost, docker.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create Docker client: %w", err)
	}
	runner := docker.NewRunner(engine, logger)

	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithMetricsInterval(config.ParseDuration(cfg.Agent.MetricsInterval, 30*time.Second)),
		agent.WithReconnectBackoff(
			config.ParseDuration(cfg.Agent.ReconnectMin, time.Second),
			config.ParseDuration(cfg.Agent.ReconnectMax, time.Minute),
		),
		agent.WithEvents(cfg.Agent.Events),
	}
	if cfg.Agent.InsecureSkipVerify {
		logger.Warn("TLS certificate verification disabled")
		opts = append(opts, agent.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}

	ag, err := agent.New(cfg.Agent.ServerURL, cfg.Agent.Token, engine, runner, opts...)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	logger.Info("agent starting",
		"server", cfg.Agent.ServerURL,
		"docker_host", cfg.Agent.DockerHost,
	)

	if err := ag.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("agent stopped")
	return nil
}
