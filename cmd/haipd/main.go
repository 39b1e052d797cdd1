// Command haipd runs a HAIP server, exposing the WebSocket, SSE, and
// HTTP-stream transport adapters over a shared session configuration.
// Grounded on the teacher's examples/a2a-demo/server/main.go bootstrap
// shape (build dependencies, wire a server, signal-driven graceful
// shutdown), broadened to rustyguts-bken/server/main.go's flag-based,
// multi-listener bootstrap style since a HAIP deployment runs three
// independent listeners plus a metrics endpoint rather than one.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haiprotocol/haip/internal/admin"
	"github.com/haiprotocol/haip/internal/config"
	"github.com/haiprotocol/haip/internal/eventbus"
	"github.com/haiprotocol/haip/internal/logger"
	"github.com/haiprotocol/haip/internal/metrics"
	"github.com/haiprotocol/haip/internal/session"
	"github.com/haiprotocol/haip/internal/tools"
	"github.com/haiprotocol/haip/internal/transport/httpstream"
	"github.com/haiprotocol/haip/internal/transport/sse"
	"github.com/haiprotocol/haip/internal/transport/ws"
)

func main() {
	configPath := flag.String("config", "haipd.yaml", "path to the server's YAML config file")
	withDemoTools := flag.Bool("with-demo-tools", false, "register the built-in echo tool (a deployment choice, not part of the core protocol)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *configPath)
		os.Exit(1)
	}

	logger.Configure(logger.Format(cfg.Logging.Format), logger.ParseLevel(cfg.Logging.Level), cfg.Logging.ModuleLevels)
	log := logger.For("haipd")

	registry := tools.NewRegistry()
	if err := loadToolManifest(registry, cfg.Tools); err != nil {
		log.Error("failed to load tool manifest", "error", err)
		os.Exit(1)
	}
	if *withDemoTools {
		if err := registry.Register(newEchoTool()); err != nil {
			log.Error("failed to register demo tool", "error", err)
			os.Exit(1)
		}
	}

	bus := eventbus.New()
	exporter := metrics.NewExporter(cfg.Metrics.ListenAddr)
	exporter.RegisterHandler("/stats", admin.NewCollector(bus, exporter))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if err := exporter.Start(); err != nil {
		log.Error("failed to start metrics exporter", "error", err, "addr", cfg.Metrics.ListenAddr)
		os.Exit(1)
	}
	log.Info("metrics listening", "addr", cfg.Metrics.ListenAddr)

	if cfg.Server.WSListenAddr != "" {
		srv := newListener(cfg.Server.WSListenAddr, ws.NewHandler(sessionFactory(cfg, registry, bus, "ws")))
		g.Go(func() error { return runListener(gctx, log, "ws", srv) })
	}
	if cfg.Server.SSEListenAddr != "" {
		sseHandler := sse.NewHandler(sessionFactory(cfg, registry, bus, "sse"))
		mux := http.NewServeMux()
		mux.HandleFunc("GET /stream", sseHandler.ServeStream)
		mux.HandleFunc("POST /sessions/{id}/envelopes", func(w http.ResponseWriter, r *http.Request) {
			sseHandler.ServePost(r.PathValue("id"))(w, r)
		})
		srv := newListener(cfg.Server.SSEListenAddr, mux)
		g.Go(func() error { return runListener(gctx, log, "sse", srv) })
	}
	if cfg.Server.HTTPStreamListenAddr != "" {
		srv := newListener(cfg.Server.HTTPStreamListenAddr, httpstream.NewHandler(sessionFactory(cfg, registry, bus, "httpstream")))
		g.Go(func() error { return runListener(gctx, log, "httpstream", srv) })
	}

	log.Info("haipd started")
	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exporter.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics exporter shutdown error", "error", err)
	}
	log.Info("haipd stopped")
}

// sessionFactory builds a per-transport session factory sharing every
// tuning knob except the metrics/eventbus transport label.
func sessionFactory(cfg *config.Config, registry *tools.Registry, bus *eventbus.Bus, transport string) func(sink session.Sink) *session.Session {
	sessionCfg := session.Config{
		Tools:                 registry,
		InitialCreditMessages: cfg.Flow.InitialCreditMessages,
		InitialCreditBytes:    cfg.Flow.InitialCreditBytes,
		MaxConcurrentRuns:     cfg.Runs.MaxConcurrent,
		HeartbeatInterval:     cfg.Server.GetHeartbeatInterval(30 * time.Second),
		HeartbeatTimeout:      cfg.Server.GetHeartbeatTimeout(5 * time.Second),
		ReplayWindowTime:      cfg.Replay.GetWindowTime(5 * time.Minute),
		ReplayWindowSize:      cfg.Replay.WindowSize,
		Bus:                   bus,
		Transport:             transport,
		DrainBytesPerSecond:   cfg.Flow.DrainBytesPerSecond,
		DrainBurstBytes:       cfg.Flow.DrainBurstBytes,
	}
	return func(sink session.Sink) *session.Session {
		return session.New(sessionCfg, sink)
	}
}

func newListener(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func runListener(ctx context.Context, log *slog.Logger, name string, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("transport listening", "transport", name, "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info("transport shutting down", "transport", name)
		return srv.Shutdown(shutdownCtx)
	}
}
