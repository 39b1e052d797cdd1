// Package metrics exposes HAIP server metrics to Prometheus: active
// sessions broken out by transport, envelope throughput by direction and
// type, credit denials by channel, replay-window evictions by cause, and
// heartbeat-timeout disconnects.
// Grounded on the teacher's runtime/metrics/prometheus package shape
// (namespaced collector vars + a dedicated Exporter serving /metrics),
// adapted to session/protocol-level counters instead of pipeline/provider
// counters.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "haip"

var (
	// SessionsActive is the number of sessions currently in Open state,
	// broken out by transport (ws, sse, httpstream).
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently open",
		},
		[]string{"transport"},
	)

	// EnvelopesTotal counts envelopes processed, by direction and event type.
	EnvelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Total envelopes sent or received",
		},
		[]string{"direction", "type"}, // direction: inbound, outbound
	)

	// CreditDenialsTotal counts inbound envelopes rejected for insufficient
	// credit, by channel.
	CreditDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_denials_total",
			Help:      "Total inbound envelopes rejected for insufficient channel credit",
		},
		[]string{"channel"},
	)

	// ReplayEvictionsTotal counts replay-buffer entries evicted by time or
	// count bound, by transaction-scoped cause.
	ReplayEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_evictions_total",
			Help:      "Total replay buffer entries evicted",
		},
		[]string{"cause"}, // cause: time, count
	)

	// HeartbeatTimeoutsTotal counts sessions closed because a PONG didn't
	// arrive within the heartbeat timeout.
	HeartbeatTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Total sessions closed after a missed PONG",
		},
	)

	// RunsActive is the number of in-flight runs summed across all sessions.
	RunsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of runs currently in flight across all sessions",
		},
	)

	// HeartbeatLatencySeconds is a histogram of PING→PONG round-trip time.
	HeartbeatLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_latency_seconds",
			Help:      "Observed PING to PONG round-trip latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
)

var allMetrics = []prometheus.Collector{
	SessionsActive, EnvelopesTotal, CreditDenialsTotal, ReplayEvictionsTotal,
	HeartbeatTimeoutsTotal, RunsActive, HeartbeatLatencySeconds,
}

// Exporter serves the HAIP metrics registry over HTTP.
type Exporter struct {
	addr     string
	registry *prometheus.Registry
	server   *http.Server
	extra    map[string]http.Handler
}

// NewExporter builds an Exporter bound to addr, registering every HAIP
// collector plus Go runtime/process collectors.
func NewExporter(addr string) *Exporter {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Exporter{addr: addr, registry: reg}
}

// Registry returns the underlying Prometheus registry, mainly for tests
// that want to assert on registered metric families without binding a port.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// RegisterHandler mounts h at pattern on the exporter's listener alongside
// /metrics — used for internal/admin's /stats snapshot, so operators don't
// need a second port. Call before Start.
func (e *Exporter) RegisterHandler(pattern string, h http.Handler) {
	if e.extra == nil {
		e.extra = make(map[string]http.Handler)
	}
	e.extra[pattern] = h
}

// Start begins serving /metrics (and any RegisterHandler routes) in the
// background. Call Shutdown to stop it.
func (e *Exporter) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	for pattern, h := range e.extra {
		mux.Handle(pattern, h)
	}
	e.server = &http.Server{Addr: e.addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- e.server.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

// Shutdown stops the metrics HTTP server.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e.server == nil {
		return nil
	}
	return e.server.Shutdown(ctx)
}
