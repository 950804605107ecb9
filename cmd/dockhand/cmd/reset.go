package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dockhand-io/dockhand/internal/config"
)

var (
	resetIncludeDB bool
	resetForce     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset Dockhand to a clean state",
	Long: `Reset Dockhand by removing persistent state files.

By default, only the state file (and its backup) is removed. This clears
all endpoints, agent tokens, and access rules provisioned through the API.
Config-seeded tokens and rules are unaffected; they are re-applied on the
next start.

Optional flags:
  --include-db   Also remove the SQLite telemetry database
  --force        Skip confirmation prompt

Examples:
  # Reset state only (interactive confirmation)
  dockhand reset

  # Reset everything without prompting
  dockhand reset --include-db --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetIncludeDB, "include-db", false, "Also remove the SQLite telemetry database")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	// Config is best-effort here: reset must work even when the config
	// file is broken, falling back to default paths.
	cfg, err := config.LoadConfig()
	if err != nil {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}

	statePath := resolveStatePath(cfg)

	// Build list of targets to remove.
	type target struct {
		path string
		desc string
	}
	var targets []target

	// Always include the state file and its backup.
	targets = append(targets, target{statePath, "state file"})
	targets = append(targets, target{statePath + ".bak", "state backup"})

	// Optional: the durable telemetry sink.
	if resetIncludeDB && cfg.Sinks.SQLitePath != "" {
		targets = append(targets, target{cfg.Sinks.SQLitePath, "telemetry database"})
	}

	// Check what actually exists.
	var existing []target
	for _, t := range targets {
		if _, statErr := os.Stat(t.path); statErr == nil {
			existing = append(existing, t)
		}
	}

	if len(existing) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to reset — no state files found.")
		return nil
	}

	// Show what will be removed.
	fmt.Fprintln(os.Stderr, "The following will be removed:")
	for _, t := range existing {
		fmt.Fprintf(os.Stderr, "  - %s (%s)\n", t.path, t.desc)
	}

	// Confirm unless --force.
	if !resetForce {
		fmt.Fprint(os.Stderr, "\nProceed? [y/N] ")
		var answer string
		fmt.Scanln(&answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	// Remove targets.
	var errCount int
	for _, t := range existing {
		if err := os.RemoveAll(t.path); err != nil {
			fmt.Fprintf(os.Stderr, "  ERROR removing %s: %v\n", t.path, err)
			errCount++
		} else {
			fmt.Fprintf(os.Stderr, "  Removed %s\n", t.path)
		}
	}

	if errCount > 0 {
		return fmt.Errorf("%d file(s) could not be removed", errCount)
	}

	fmt.Fprintln(os.Stderr, "\nReset complete. Dockhand will start fresh on next launch.")
	return nil
}

// resolveStatePath picks the state file location: the --state flag wins,
// then the configured state_file, then the built-in default.
func resolveStatePath(cfg *config.Config) string {
	if stateFilePath != "" {
		return stateFilePath
	}
	if cfg.StateFile != "" {
		return cfg.StateFile
	}
	return "dockhand-state.json"
}
