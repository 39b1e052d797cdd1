// Package config defines the HAIP server's YAML configuration schema:
// listen addresses per transport, credit/heartbeat/replay tuning, the tool
// manifest, and logging. Grounded on the teacher pack's
// internal/config.Config shape (nested YAML-tagged structs grouped by
// concern: server/providers/memory/mcp there, server/transports/flow/
// logging here).
package config

import "time"

// Config is the root HAIP server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Flow    FlowConfig    `yaml:"flow"`
	Replay  ReplayConfig  `yaml:"replay"`
	Runs    RunsConfig    `yaml:"runs"`
	Logging LoggingConfig `yaml:"logging"`
	Tools   []ToolConfig  `yaml:"tools"`
	Redis   RedisConfig   `yaml:"redis"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds per-transport listen addresses. An empty address
// disables that transport. Durations are parsed from Go duration strings
// (e.g. "30s") via GetHeartbeatInterval/GetHeartbeatTimeout rather than
// native YAML duration decoding, matching the teacher's string-field
// plus Get*Duration helper convention.
type ServerConfig struct {
	WSListenAddr         string `yaml:"ws_listen_addr"`
	SSEListenAddr        string `yaml:"sse_listen_addr"`
	HTTPStreamListenAddr string `yaml:"http_stream_listen_addr"`
	HeartbeatInterval    string `yaml:"heartbeat_interval"`
	HeartbeatTimeout     string `yaml:"heartbeat_timeout"`
}

// GetHeartbeatInterval parses HeartbeatInterval, falling back to def if
// unset or malformed.
func (s ServerConfig) GetHeartbeatInterval(def time.Duration) time.Duration {
	return parseDurationOr(s.HeartbeatInterval, def)
}

// GetHeartbeatTimeout parses HeartbeatTimeout, falling back to def if unset
// or malformed.
func (s ServerConfig) GetHeartbeatTimeout(def time.Duration) time.Duration {
	return parseDurationOr(s.HeartbeatTimeout, def)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// FlowConfig sets the default per-channel credit grant applied at
// handshake when the peer doesn't request its own via capabilities.
type FlowConfig struct {
	InitialCreditMessages int   `yaml:"initial_credit_messages"`
	InitialCreditBytes    int64 `yaml:"initial_credit_bytes"`
	// DrainBytesPerSecond caps outbound drain throughput once credit allows
	// it, independent of the credit balance. Zero disables the limit.
	DrainBytesPerSecond float64 `yaml:"drain_bytes_per_second"`
	DrainBurstBytes     int     `yaml:"drain_burst_bytes"`
}

// ReplayConfig sets the default replay window bounds for new transactions.
type ReplayConfig struct {
	WindowTime string `yaml:"window_time"`
	WindowSize int    `yaml:"window_size"`
	// Backend selects the replay storage backend: "memory" or "redis".
	Backend string `yaml:"backend"`
}

// GetWindowTime parses WindowTime, falling back to def if unset or malformed.
func (r ReplayConfig) GetWindowTime(def time.Duration) time.Duration {
	return parseDurationOr(r.WindowTime, def)
}

// RedisConfig configures the replay backend when Replay.Backend is "redis".
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RunsConfig bounds concurrent runs per session.
type RunsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// LoggingConfig configures internal/logger.
type LoggingConfig struct {
	Format       string            `yaml:"format"` // "json" or "text"
	Level        string            `yaml:"level"`
	ModuleLevels map[string]string `yaml:"module_levels"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ToolConfig declares a registered tool's identity and input schema,
// loaded from YAML or JSON rather than compiled in, mirroring how the
// teacher's tool manifests are declared as data rather than code.
type ToolConfig struct {
	Name        string `yaml:"name"`
	Namespace   string `yaml:"namespace"`
	Description string `yaml:"description"`
	// InputSchemaFile is a path to a JSON Schema document, resolved
	// relative to the config file's directory.
	InputSchemaFile string `yaml:"input_schema_file"`
}
