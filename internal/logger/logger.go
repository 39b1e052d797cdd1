// Package logger provides structured, module-scoped logging for HAIP built
// on log/slog, with hierarchical per-module level overrides (e.g.
// "session.dispatch" can be more verbose than "session").
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Format selects the slog handler used for output.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

var (
	handler slog.Handler
	module  = NewModuleConfig(slog.LevelInfo)
)

func init() {
	level := slog.LevelInfo
	if v := os.Getenv("HAIP_LOG_LEVEL"); v != "" {
		level = ParseLevel(v)
	}
	module.SetDefaultLevel(level)
	handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
}

// ParseLevel converts a textual level ("debug", "info", "warn", "error")
// into a slog.Level, defaulting to Info for unrecognised input.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Configure replaces the global handler, selecting JSON or text output and
// a default level, and seeds per-module overrides. The underlying handler
// is always opened at LevelDebug; actual filtering is done per-module by
// moduleHandler using ModuleConfig, so overrides can raise verbosity for one
// module without a process-wide level change.
func Configure(format Format, defaultLevel slog.Level, moduleLevels map[string]string) {
	module.SetDefaultLevel(defaultLevel)
	for name, lvl := range moduleLevels {
		module.SetModuleLevel(name, ParseLevel(lvl))
	}
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	if format == FormatText {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
}

// SetModuleLevel overrides the level for one module at runtime.
func SetModuleLevel(name string, level slog.Level) {
	module.SetModuleLevel(name, level)
}

// moduleHandler wraps a slog.Handler, consulting ModuleConfig.LevelFor for
// the "module" attribute attached by For, instead of a single static level.
type moduleHandler struct {
	slog.Handler
	moduleName string
}

func (h *moduleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= module.LevelFor(h.moduleName)
}

// WithAttrs and WithGroup keep the module filter on derived handlers (as
// made by Logger.With), instead of returning the bare inner handler.
func (h *moduleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &moduleHandler{Handler: h.Handler.WithAttrs(attrs), moduleName: h.moduleName}
}

func (h *moduleHandler) WithGroup(name string) slog.Handler {
	return &moduleHandler{Handler: h.Handler.WithGroup(name), moduleName: h.moduleName}
}

// For returns a *slog.Logger scoped to the given module name, honoring any
// hierarchical level override set via Configure/SetModuleLevel.
func For(moduleName string) *slog.Logger {
	// Attach the module attribute to the inner handler, then wrap it so
	// Enabled filters by moduleName.
	inner := handler.WithAttrs([]slog.Attr{slog.String("module", moduleName)})
	return slog.New(&moduleHandler{Handler: inner, moduleName: moduleName})
}
