// Package admin exposes the HAIP server's /stats snapshot: a liveness and
// connection-count surface for operators, distinct from the Prometheus
// /metrics endpoint. Grounded on the teacher's runtime/events SessionMetadata
// counts-by-type approach, fed by internal/eventbus rather than polling
// session state directly so the dispatcher needs no admin-specific hooks.
package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"golang.org/x/time/rate"

	"github.com/haiprotocol/haip/internal/eventbus"
	"github.com/haiprotocol/haip/internal/metrics"
)

// Snapshot is the /stats response body.
type Snapshot struct {
	Status                 string         `json:"status"`
	UptimeSeconds          float64        `json:"uptime_seconds"`
	ActiveConnections      int            `json:"active_connections"`
	TotalConnections       int64          `json:"total_connections"`
	ConnectionsByTransport map[string]int `json:"connections_by_transport"`
	CreditDenials          float64        `json:"credit_denials"`
	ReplayEvictions        float64        `json:"replay_evictions"`
	HeartbeatTimeouts      float64        `json:"heartbeat_timeouts"`
}

// Collector accumulates connection counts from session lifecycle events and
// reads cumulative counters straight from the Prometheus registry, so
// there's exactly one source of truth for each.
type Collector struct {
	exporter *metrics.Exporter
	start    time.Time
	limiter  *rate.Limiter

	mu               sync.Mutex
	active           map[string]int
	totalConnections int64
}

// defaultStatsRateLimit bounds how often /stats can be scraped outside of
// Prometheus (which has its own interval); it guards against a control-plane
// client hammering the admin endpoint in a polling loop.
const (
	defaultStatsRatePerSecond = 5
	defaultStatsBurst         = 10
)

// NewCollector subscribes to bus for session open/close events and reads
// counter totals from exporter's registry on each Snapshot call.
func NewCollector(bus *eventbus.Bus, exporter *metrics.Exporter) *Collector {
	c := &Collector{
		exporter: exporter,
		start:    time.Now(),
		active:   make(map[string]int),
		limiter:  rate.NewLimiter(rate.Limit(defaultStatsRatePerSecond), defaultStatsBurst),
	}
	bus.Subscribe(eventbus.SessionOpened, c.onOpened)
	bus.Subscribe(eventbus.SessionClosed, c.onClosed)
	return c
}

func (c *Collector) onOpened(e *eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[e.Transport]++
	c.totalConnections++
}

func (c *Collector) onClosed(e *eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[e.Transport] > 0 {
		c.active[e.Transport]--
	}
}

// Snapshot returns the current stats.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	byTransport := make(map[string]int, len(c.active))
	activeTotal := 0
	for k, v := range c.active {
		byTransport[k] = v
		activeTotal += v
	}
	total := c.totalConnections
	c.mu.Unlock()

	return Snapshot{
		Status:                 "ok",
		UptimeSeconds:          time.Since(c.start).Seconds(),
		ActiveConnections:      activeTotal,
		TotalConnections:       total,
		ConnectionsByTransport: byTransport,
		CreditDenials:          c.counterSum("haip_credit_denials_total"),
		ReplayEvictions:        c.counterSum("haip_replay_evictions_total"),
		HeartbeatTimeouts:      c.counterSum("haip_heartbeat_timeouts_total"),
	}
}

// counterSum gathers a counter (or counter vec) family by name and sums its
// series, returning 0 if the family hasn't recorded anything yet.
func (c *Collector) counterSum(family string) float64 {
	families, err := c.exporter.Registry().Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != family {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += metricValue(m)
		}
		return sum
	}
	return 0
}

func metricValue(m *dto.Metric) float64 {
	if c := m.GetCounter(); c != nil {
		return c.GetValue()
	}
	return 0
}

// ServeHTTP writes the current snapshot as JSON, rejecting requests over the
// control-plane rate limit with 429.
func (c *Collector) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if !c.limiter.Allow() {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.Snapshot())
}
