package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	ctxerrors "github.com/haiprotocol/haip/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
server:
  ws_listen_addr: ":8080"
  heartbeat_interval: "30s"
  heartbeat_timeout: "5s"
`

func TestLoadFromReaderAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.Flow.InitialCreditMessages)
	assert.Equal(t, int64(1<<20), cfg.Flow.InitialCreditBytes)
	assert.Equal(t, 1000, cfg.Replay.WindowSize)
	assert.Equal(t, "memory", cfg.Replay.Backend)
	assert.Equal(t, 10, cfg.Runs.MaxConcurrent)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, ":9090", cfg.Metrics.ListenAddr)

	assert.Equal(t, 30*time.Second, cfg.Server.GetHeartbeatInterval(time.Minute))
	assert.Equal(t, 5*time.Second, cfg.Server.GetHeartbeatTimeout(time.Second))
}

func TestLoadFromReaderMalformedDurationFallsBackToDefault(t *testing.T) {
	const yaml = `
server:
  ws_listen_addr: ":8080"
  heartbeat_interval: "not-a-duration"
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Server.GetHeartbeatInterval(45*time.Second))
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	const yaml = `
server:
  ws_listen_addr: ":8080"
bogus_top_level_field: true
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	assert.Error(t, err)
}

func TestLoadFromReaderNoTransportConfiguredFails(t *testing.T) {
	const yaml = `
flow:
  initial_credit_messages: 10
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one of")
}

func TestLoadFromReaderRedisBackendRequiresAddr(t *testing.T) {
	const yaml = `
server:
  ws_listen_addr: ":8080"
replay:
  backend: redis
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.addr is empty")
}

func TestLoadFromReaderDuplicateToolNamesRejected(t *testing.T) {
	const yaml = `
server:
  ws_listen_addr: ":8080"
tools:
  - name: "search"
    namespace: "web"
  - name: "search"
    namespace: "web"
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate tool")
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/to/haip-config.yaml")
	assert.Error(t, err)

	var ctxErr *ctxerrors.ContextualError
	require.True(t, errors.As(err, &ctxErr))
	assert.Equal(t, "config", ctxErr.Component)
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{SSEListenAddr: ":8443"},
		Replay: ReplayConfig{Backend: "memory"},
		Runs:   RunsConfig{MaxConcurrent: 5},
		Tools: []ToolConfig{
			{Name: "lookup", Namespace: "db"},
			{Name: "lookup", Namespace: "web"},
		},
	}
	assert.NoError(t, Validate(cfg))
}
