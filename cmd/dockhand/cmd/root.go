// Package cmd provides the CLI commands for Dockhand.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dockhand-io/dockhand/internal/config"
)

var cfgFile string
var stateFilePath string

var rootCmd = &cobra.Command{
	Use:   "dockhand",
	Short: "Dockhand - manage Docker daemons behind NAT",
	Long: `Dockhand manages Docker daemons that sit behind NAT or firewalls.

A lightweight agent runs next to each daemon and opens a single outbound
WebSocket to the Dockhand server. Every Docker API call, log stream, exec
session and telemetry push travels multiplexed over that one connection,
so the daemons never expose a listening port.

Quick start:
  1. Create a config file: dockhand.yaml
  2. Run the server: dockhand start
  3. Provision an endpoint and token via the API, then on each Docker
     host: DOCKHAND_AGENT_TOKEN=dck_... dockhand agent

Configuration:
  Config is loaded from dockhand.yaml in the current directory,
  $HOME/.dockhand/, or /etc/dockhand/.

  Environment variables can override config values with the DOCKHAND_ prefix.
  Example: DOCKHAND_SERVER_LISTEN_ADDR=0.0.0.0:9410

Commands:
  start       Start the Dockhand server
  agent       Run the edge agent next to a Docker daemon
  stop        Stop the running server
  reset       Reset to clean state (remove the state file)
  hash-token  Hash an agent or operator token for use in config
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./dockhand.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFilePath, "state", "", "path to the state file (default: ./dockhand-state.json)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
