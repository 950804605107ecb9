package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for dockhand.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself,
// which Viper's built-in SetConfigName would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("dockhand")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: DOCKHAND_SERVER_LISTEN_ADDR
	viper.SetEnvPrefix("DOCKHAND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Bind nested keys for env var support
	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a dockhand config file
// with an explicit YAML extension (.yaml or .yml). This prevents Viper
// from matching the binary "dockhand" (no extension) in the current
// directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".dockhand"),
	}
	if runtime.GOOS == "windows" {
		// %ProgramData%\dockhand (typically C:\ProgramData\dockhand)
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "dockhand"))
		}
	} else {
		paths = append(paths, "/etc/dockhand")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for dockhand.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "dockhand"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds all config keys for environment variable support.
// This enables overriding nested config values via environment variables.
// Example: DOCKHAND_SERVER_LISTEN_ADDR overrides server.listen_addr
func bindNestedEnvKeys() {
	// Server config
	_ = viper.BindEnv("server.listen_addr")
	_ = viper.BindEnv("server.tls_cert")
	_ = viper.BindEnv("server.tls_key")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.log_format")

	// Tunnel timings
	_ = viper.BindEnv("tunnel.handshake_timeout")
	_ = viper.BindEnv("tunnel.heartbeat_interval")
	_ = viper.BindEnv("tunnel.heartbeat_timeout")
	_ = viper.BindEnv("tunnel.sweep_interval")
	_ = viper.BindEnv("tunnel.dispatch_timeout")
	_ = viper.BindEnv("tunnel.exec_ready_timeout")

	// Admin API
	_ = viper.BindEnv("admin.enabled")
	_ = viper.BindEnv("admin.token_hash")
	_ = viper.BindEnv("admin.rate_limit")

	// Agent config. DOCKHAND_AGENT_TOKEN keeps the credential out of
	// the config file.
	_ = viper.BindEnv("agent.server_url")
	_ = viper.BindEnv("agent.token")
	_ = viper.BindEnv("agent.docker_host")
	_ = viper.BindEnv("agent.metrics_interval")
	_ = viper.BindEnv("agent.reconnect_min")
	_ = viper.BindEnv("agent.reconnect_max")
	_ = viper.BindEnv("agent.insecure_skip_verify")
	_ = viper.BindEnv("agent.events")

	// Sinks
	_ = viper.BindEnv("sinks.backend")
	_ = viper.BindEnv("sinks.sqlite_path")
	_ = viper.BindEnv("sinks.retention")
	_ = viper.BindEnv("sinks.history")
	_ = viper.BindEnv("sinks.channel_size")
	_ = viper.BindEnv("sinks.batch_size")
	_ = viper.BindEnv("sinks.flush_interval")
	_ = viper.BindEnv("sinks.send_timeout")
	_ = viper.BindEnv("sinks.warning_threshold")

	// Telemetry
	_ = viper.BindEnv("telemetry.enabled")

	// State file
	_ = viper.BindEnv("state_file")

	// Note: tokens and rules are arrays, complex to override via env.
	// Users should use the config file or the admin API for these.
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
		// This allows running with pure environment variable configuration
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply default values for optional fields
	cfg.SetDefaults()

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
