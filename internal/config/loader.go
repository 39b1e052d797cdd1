package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	ctxerrors "github.com/haiprotocol/haip/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// Config. It is a convenience wrapper around LoadFromReader.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ctxerrors.New("config", "Load", err).WithDetails(map[string]any{"path": path})
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, ctxerrors.New("config", "Load", err).WithDetails(map[string]any{"path": path})
	}
	dir := filepath.Dir(path)
	for i := range cfg.Tools {
		if p := cfg.Tools[i].InputSchemaFile; p != "" && !filepath.IsAbs(p) {
			cfg.Tools[i].InputSchemaFile = filepath.Join(dir, p)
		}
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are built from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, ctxerrors.New("config", "LoadFromReader", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Flow.InitialCreditMessages == 0 {
		cfg.Flow.InitialCreditMessages = 1000
	}
	if cfg.Flow.InitialCreditBytes == 0 {
		cfg.Flow.InitialCreditBytes = 1 << 20
	}
	if cfg.Replay.WindowSize == 0 {
		cfg.Replay.WindowSize = 1000
	}
	if cfg.Replay.Backend == "" {
		cfg.Replay.Backend = "memory"
	}
	if cfg.Runs.MaxConcurrent == 0 {
		cfg.Runs.MaxConcurrent = 10
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
}

// Validate checks that cfg contains a coherent configuration, returning a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.WSListenAddr == "" && cfg.Server.SSEListenAddr == "" && cfg.Server.HTTPStreamListenAddr == "" {
		errs = append(errs, ctxerrors.New("config", "Validate", errors.New("server: at least one of ws_listen_addr, sse_listen_addr, http_stream_listen_addr must be set")))
	}
	if cfg.Replay.Backend != "memory" && cfg.Replay.Backend != "redis" {
		errs = append(errs, ctxerrors.New("config", "Validate", fmt.Errorf("replay.backend %q must be \"memory\" or \"redis\"", cfg.Replay.Backend)))
	}
	if cfg.Replay.Backend == "redis" && cfg.Redis.Addr == "" {
		errs = append(errs, ctxerrors.New("config", "Validate", errors.New("replay.backend is \"redis\" but redis.addr is empty")))
	}
	if cfg.Runs.MaxConcurrent < 0 {
		errs = append(errs, ctxerrors.New("config", "Validate", errors.New("runs.max_concurrent must be >= 0")))
	}

	seen := make(map[string]bool, len(cfg.Tools))
	for i, tool := range cfg.Tools {
		prefix := fmt.Sprintf("tools[%d]", i)
		if tool.Name == "" {
			errs = append(errs, ctxerrors.New("config", "Validate", fmt.Errorf("%s: name is required", prefix)))
			continue
		}
		key := tool.Namespace + "__" + tool.Name
		if seen[key] {
			errs = append(errs, ctxerrors.New("config", "Validate", fmt.Errorf("%s: duplicate tool %q in namespace %q", prefix, tool.Name, tool.Namespace)))
		}
		seen[key] = true
	}

	return errors.Join(errs...)
}
