// Package config provides configuration types for the Dockhand server
// and edge agent.
//
// One file configures both roles: "dockhand start" reads the server,
// tunnel, admin, tokens, rules, sinks and telemetry sections, while
// "dockhand agent" reads the agent section. Values load from
// dockhand.yaml and DOCKHAND_* environment variables; see loader.go.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level Dockhand configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Tunnel tunes the tunnel protocol timings.
	Tunnel TunnelConfig `yaml:"tunnel" mapstructure:"tunnel"`

	// Admin configures the management API.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// Agent configures the edge agent ("dockhand agent").
	Agent AgentConfig `yaml:"agent" mapstructure:"agent"`

	// Tokens seeds agent credentials from the config file.
	// Optional: tokens can be provisioned through the admin API instead.
	Tokens []TokenConfig `yaml:"tokens,omitempty" mapstructure:"tokens" validate:"omitempty,dive"`

	// Rules defines the dispatch policy evaluated before requests are
	// forwarded to agents. Optional: when empty, every dispatch is
	// allowed. Rules can also be managed through the admin API.
	Rules []RuleConfig `yaml:"rules,omitempty" mapstructure:"rules" validate:"omitempty,dive"`

	// Sinks configures where pushed agent metrics and container events
	// are stored.
	Sinks SinksConfig `yaml:"sinks" mapstructure:"sinks"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// StateFile is where runtime-provisioned tokens, endpoints and
	// rules are persisted. Defaults to "dockhand-state.json".
	StateFile string `yaml:"state_file" mapstructure:"state_file"`
}

// ServerConfig configures the HTTP listener shared by the agent tunnel
// endpoint, the admin API and /metrics.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:9410", "0.0.0.0:9410").
	// Defaults to "127.0.0.1:9410" (localhost only) if empty.
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty,hostname_port"`

	// TLSCert is the path to a PEM certificate file. When set together
	// with TLSKey, the server serves TLS and agents must dial wss://.
	TLSCert string `yaml:"tls_cert,omitempty" mapstructure:"tls_cert"`

	// TLSKey is the path to the PEM private key for TLSCert.
	TLSKey string `yaml:"tls_key,omitempty" mapstructure:"tls_key"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat selects the slog handler.
	// Valid values: "text", "json". Defaults to "text" if empty.
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`
}

// TunnelConfig tunes the tunnel timings. All values are Go duration
// strings (e.g., "30s", "2m"). heartbeat_timeout must exceed
// heartbeat_interval or validation fails.
type TunnelConfig struct {
	// HandshakeTimeout bounds the wait for the hello frame on a new
	// agent connection. Defaults to "10s".
	HandshakeTimeout string `yaml:"handshake_timeout" mapstructure:"handshake_timeout" validate:"omitempty,duration"`

	// HeartbeatInterval is how often connected agents are pinged.
	// Defaults to "30s".
	HeartbeatInterval string `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval" validate:"omitempty,duration"`

	// HeartbeatTimeout is the silence window after which a connection
	// is torn down. Defaults to "90s" (three missed heartbeats).
	HeartbeatTimeout string `yaml:"heartbeat_timeout" mapstructure:"heartbeat_timeout" validate:"omitempty,duration"`

	// SweepInterval is the period of the deadline sweep that expires
	// pending requests. Defaults to "1s".
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty,duration"`

	// DispatchTimeout is the default deadline applied to unary
	// dispatches that carry no explicit timeout. Defaults to "30s".
	DispatchTimeout string `yaml:"dispatch_timeout" mapstructure:"dispatch_timeout" validate:"omitempty,duration"`

	// ExecReadyTimeout bounds the wait for an agent's exec_ready reply
	// after an exec session is requested. Defaults to "10s".
	ExecReadyTimeout string `yaml:"exec_ready_timeout" mapstructure:"exec_ready_timeout" validate:"omitempty,duration"`
}

// AdminConfig configures the management API mounted under /api.
type AdminConfig struct {
	// Enabled controls whether the admin API is served.
	// Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// TokenHash is the hash of the operator bearer token, either
	// "sha256:<hex>" or an Argon2id PHC string. Generate with
	// "dockhand hash-token". When empty, the API only accepts
	// requests from localhost.
	TokenHash string `yaml:"token_hash,omitempty" mapstructure:"token_hash" validate:"omitempty,credential_hash"`

	// RateLimit is the maximum API requests per minute per client IP
	// (localhost is exempt). Set to 0 to disable rate limiting.
	// Defaults to 120.
	RateLimit int `yaml:"rate_limit" mapstructure:"rate_limit" validate:"omitempty,min=0"`
}

// AgentConfig configures the edge agent. The token is the plaintext
// credential presented during the tunnel handshake; prefer supplying
// it via the DOCKHAND_AGENT_TOKEN environment variable over writing it
// to the config file.
type AgentConfig struct {
	// ServerURL is the tunnel endpoint of the Dockhand server, e.g.
	// "wss://dockhand.example.com/ws/agent". http and https schemes
	// are accepted and rewritten to ws/wss at dial time.
	ServerURL string `yaml:"server_url" mapstructure:"server_url" validate:"omitempty,url"`

	// Token is the plaintext agent token for this endpoint.
	Token string `yaml:"token,omitempty" mapstructure:"token"`

	// DockerHost is the local daemon address, "unix:///path/to/socket"
	// or "tcp://host:port". Defaults to "unix:///var/run/docker.sock".
	DockerHost string `yaml:"docker_host" mapstructure:"docker_host"`

	// MetricsInterval is how often host metrics are pushed to the
	// server. "0" disables the push. Defaults to "30s".
	MetricsInterval string `yaml:"metrics_interval" mapstructure:"metrics_interval" validate:"omitempty,duration"`

	// ReconnectMin is the initial delay of the jittered exponential
	// backoff between dial attempts. Defaults to "1s".
	ReconnectMin string `yaml:"reconnect_min" mapstructure:"reconnect_min" validate:"omitempty,duration"`

	// ReconnectMax caps the backoff delay. Defaults to "1m".
	ReconnectMax string `yaml:"reconnect_max" mapstructure:"reconnect_max" validate:"omitempty,duration"`

	// InsecureSkipVerify disables TLS certificate verification on wss
	// dials. For lab setups only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty" mapstructure:"insecure_skip_verify"`

	// Events controls forwarding of Docker daemon events to the
	// server. Defaults to true.
	Events bool `yaml:"events" mapstructure:"events"`
}

// TokenConfig seeds an agent credential from the config file. Only the
// hash is stored; generate one with "dockhand hash-token".
type TokenConfig struct {
	// ID is the unique identifier for this token record.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// Name is a human-readable label (e.g., "rack-7 edge box").
	Name string `yaml:"name" mapstructure:"name"`

	// EndpointID is the endpoint this token authorizes an agent to
	// serve.
	EndpointID string `yaml:"endpoint_id" mapstructure:"endpoint_id" validate:"required"`

	// TokenHash is "sha256:<64 hex>" or an Argon2id PHC string.
	TokenHash string `yaml:"token_hash" mapstructure:"token_hash" validate:"required,credential_hash"`
}

// RuleConfig defines a dispatch policy rule evaluated before a request
// is forwarded to an agent. Config-seeded rules are always enabled;
// rules managed through the admin API can additionally be disabled.
type RuleConfig struct {
	// Name is a human-readable identifier for this rule.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Priority orders evaluation (lower evaluates first). Rules with
	// equal priority evaluate in config order.
	Priority int `yaml:"priority" mapstructure:"priority" validate:"omitempty,min=0"`

	// Condition is a CEL expression over the variables method, path,
	// endpoint and streaming. True means the rule matches.
	Condition string `yaml:"condition" mapstructure:"condition" validate:"required"`

	// Action is the result when this rule matches.
	// Valid values: "allow" or "deny".
	Action string `yaml:"action" mapstructure:"action" validate:"required,oneof=allow deny"`
}

// SinksConfig configures storage for pushed agent metrics and
// container events, plus the ingest pipeline in front of it.
type SinksConfig struct {
	// Backend selects the sink implementation.
	// Valid values: "memory" (bounded ring) or "sqlite" (durable).
	// Defaults to "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory sqlite"`

	// SQLitePath is the database file for the sqlite backend.
	// Defaults to "dockhand.db" when the sqlite backend is selected.
	SQLitePath string `yaml:"sqlite_path,omitempty" mapstructure:"sqlite_path"`

	// Retention is how long the sqlite backend keeps rows before
	// pruning. Defaults to "168h" (one week).
	Retention string `yaml:"retention" mapstructure:"retention" validate:"omitempty,duration"`

	// History is the per-endpoint ring capacity of the memory backend.
	// Defaults to 1000.
	History int `yaml:"history" mapstructure:"history" validate:"omitempty,min=1"`

	// ChannelSize is the ingest channel buffer. Larger values absorb
	// push bursts at the cost of memory. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the number of records written per flush.
	// Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is how often pending records are flushed (e.g.,
	// "1s", "500ms"). Defaults to "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long ingest blocks when the channel is full
	// before dropping the record. "0" drops immediately.
	// Defaults to "100ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// WarningThreshold is the channel fill percentage (0-100) above
	// which backlog warnings are logged. Set to 0 to disable warnings.
	// Defaults to 80.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Enabled turns on the stdout trace and metric exporters and the
	// spans around dispatch, stream and exec operations.
	// Defaults to false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults — bind to localhost only.
	// Users who need network access must explicitly set listen_addr: ":9410" or "0.0.0.0:9410".
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "127.0.0.1:9410"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}

	// Tunnel timing defaults
	if c.Tunnel.HandshakeTimeout == "" {
		c.Tunnel.HandshakeTimeout = "10s"
	}
	if c.Tunnel.HeartbeatInterval == "" {
		c.Tunnel.HeartbeatInterval = "30s"
	}
	if c.Tunnel.HeartbeatTimeout == "" {
		c.Tunnel.HeartbeatTimeout = "90s"
	}
	if c.Tunnel.SweepInterval == "" {
		c.Tunnel.SweepInterval = "1s"
	}
	if c.Tunnel.DispatchTimeout == "" {
		c.Tunnel.DispatchTimeout = "30s"
	}
	if c.Tunnel.ExecReadyTimeout == "" {
		c.Tunnel.ExecReadyTimeout = "10s"
	}

	// Admin defaults — enabled by default, localhost-only until a
	// bearer token hash is configured.
	// viper.IsSet distinguishes "not set" (zero value) from "explicitly false".
	if !viper.IsSet("admin.enabled") {
		c.Admin.Enabled = true
	}
	if !viper.IsSet("admin.rate_limit") && c.Admin.RateLimit == 0 {
		c.Admin.RateLimit = 120
	}

	// Agent defaults
	if c.Agent.DockerHost == "" {
		c.Agent.DockerHost = "unix:///var/run/docker.sock"
	}
	if c.Agent.MetricsInterval == "" {
		c.Agent.MetricsInterval = "30s"
	}
	if c.Agent.ReconnectMin == "" {
		c.Agent.ReconnectMin = "1s"
	}
	if c.Agent.ReconnectMax == "" {
		c.Agent.ReconnectMax = "1m"
	}
	if !viper.IsSet("agent.events") {
		c.Agent.Events = true
	}

	// Sink defaults
	if c.Sinks.Backend == "" {
		c.Sinks.Backend = "memory"
	}
	if c.Sinks.Backend == "sqlite" && c.Sinks.SQLitePath == "" {
		c.Sinks.SQLitePath = "dockhand.db"
	}
	if c.Sinks.Retention == "" {
		c.Sinks.Retention = "168h"
	}
	if c.Sinks.History == 0 {
		c.Sinks.History = 1000
	}
	if c.Sinks.ChannelSize == 0 {
		c.Sinks.ChannelSize = 1000
	}
	if c.Sinks.BatchSize == 0 {
		c.Sinks.BatchSize = 100
	}
	if c.Sinks.FlushInterval == "" {
		c.Sinks.FlushInterval = "1s"
	}
	if c.Sinks.SendTimeout == "" {
		c.Sinks.SendTimeout = "100ms"
	}
	if c.Sinks.WarningThreshold == 0 {
		c.Sinks.WarningThreshold = 80
	}

	if c.StateFile == "" {
		c.StateFile = "dockhand-state.json"
	}
}

// redactedPlaceholder replaces secret material in config exports.
const redactedPlaceholder = "[redacted]"

// Redacted returns a copy of the configuration safe for API export:
// the agent's plaintext token and all stored hashes are masked. The
// receiver is not modified.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Agent.Token != "" {
		out.Agent.Token = redactedPlaceholder
	}
	if out.Admin.TokenHash != "" {
		out.Admin.TokenHash = redactedPlaceholder
	}
	out.Tokens = append([]TokenConfig(nil), c.Tokens...)
	for i := range out.Tokens {
		out.Tokens[i].TokenHash = redactedPlaceholder
	}
	out.Rules = append([]RuleConfig(nil), c.Rules...)
	return &out
}

// ParseDuration converts a duration config field, using def when the
// field is empty. Malformed input also maps to def; validation rejects
// it earlier for loaded configs.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
