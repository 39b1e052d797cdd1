package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/haiprotocol/haip/internal/eventbus"
	"github.com/haiprotocol/haip/internal/metrics"
)

func TestCollectorTracksActiveAndTotalConnections(t *testing.T) {
	bus := eventbus.New()
	exporter := metrics.NewExporter(":0")
	c := NewCollector(bus, exporter)

	bus.Publish(&eventbus.Event{Type: eventbus.SessionOpened, SessionID: "s1", Transport: "ws"})
	bus.Publish(&eventbus.Event{Type: eventbus.SessionOpened, SessionID: "s2", Transport: "sse"})

	snap := c.Snapshot()
	assert.Equal(t, 2, snap.ActiveConnections)
	assert.Equal(t, int64(2), snap.TotalConnections)
	assert.Equal(t, 1, snap.ConnectionsByTransport["ws"])
	assert.Equal(t, 1, snap.ConnectionsByTransport["sse"])

	bus.Publish(&eventbus.Event{Type: eventbus.SessionClosed, SessionID: "s1", Transport: "ws"})

	snap = c.Snapshot()
	assert.Equal(t, 1, snap.ActiveConnections)
	assert.Equal(t, int64(2), snap.TotalConnections, "total is cumulative, not decremented on close")
	assert.Equal(t, 0, snap.ConnectionsByTransport["ws"])
}

func TestCollectorClosingUnknownTransportDoesNotUnderflow(t *testing.T) {
	bus := eventbus.New()
	c := NewCollector(bus, metrics.NewExporter(":0"))

	bus.Publish(&eventbus.Event{Type: eventbus.SessionClosed, SessionID: "ghost", Transport: "ws"})

	assert.Equal(t, 0, c.Snapshot().ConnectionsByTransport["ws"])
}

func TestCollectorServeHTTPWritesJSONSnapshot(t *testing.T) {
	bus := eventbus.New()
	c := NewCollector(bus, metrics.NewExporter(":0"))
	bus.Publish(&eventbus.Event{Type: eventbus.SessionOpened, SessionID: "s1", Transport: "ws"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	c.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "ok", snap.Status)
	assert.Equal(t, 1, snap.ActiveConnections)
}

func TestCollectorServeHTTPRejectsOverRateLimit(t *testing.T) {
	bus := eventbus.New()
	c := NewCollector(bus, metrics.NewExporter(":0"))
	c.limiter = rate.NewLimiter(rate.Limit(1), 1)

	rec1 := httptest.NewRecorder()
	c.ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	c.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}

func TestCollectorReadsCounterTotalsFromRegistry(t *testing.T) {
	bus := eventbus.New()
	exporter := metrics.NewExporter(":0")
	c := NewCollector(bus, exporter)

	metrics.CreditDenialsTotal.WithLabelValues("user").Add(3)
	metrics.ReplayEvictionsTotal.WithLabelValues("time").Add(2)
	metrics.HeartbeatTimeoutsTotal.Add(1)

	snap := c.Snapshot()
	assert.GreaterOrEqual(t, snap.CreditDenials, 3.0)
	assert.GreaterOrEqual(t, snap.ReplayEvictions, 2.0)
	assert.GreaterOrEqual(t, snap.HeartbeatTimeouts, 1.0)
}
