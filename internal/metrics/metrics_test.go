package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExporterRegistersAllCollectors(t *testing.T) {
	e := NewExporter(":0")
	families, err := e.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["haip_sessions_active"])
	assert.True(t, names["haip_envelopes_total"])
	assert.True(t, names["haip_credit_denials_total"])
	assert.True(t, names["haip_replay_evictions_total"])
	assert.True(t, names["haip_heartbeat_timeouts_total"])
}

func TestEnvelopesTotalIncrementsByLabel(t *testing.T) {
	EnvelopesTotal.Reset()
	EnvelopesTotal.WithLabelValues("inbound", "PING").Inc()
	EnvelopesTotal.WithLabelValues("inbound", "PING").Inc()
	EnvelopesTotal.WithLabelValues("outbound", "PONG").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(EnvelopesTotal.WithLabelValues("inbound", "PING")))
	assert.Equal(t, float64(1), testutil.ToFloat64(EnvelopesTotal.WithLabelValues("outbound", "PONG")))
}

func TestHeartbeatTimeoutsTotalIncrements(t *testing.T) {
	before := testutil.ToFloat64(HeartbeatTimeoutsTotal)
	HeartbeatTimeoutsTotal.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(HeartbeatTimeoutsTotal))
}
