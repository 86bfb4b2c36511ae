// Package obslog builds the process-wide slog.Logger used by every
// orchestrator component. It carries one piece of non-obvious behavior: at
// non-debug levels, log lines emitted by third-party libraries (LLM SDKs,
// koanf providers, etcd clients) are suppressed so operators aren't drowned
// in dependency chatter — only this module's own call sites are shown.
package obslog

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

const modulePrefix = "github.com/makerforge/orchestrator"

// ParseLevel converts a case-insensitive level name to a slog.Level,
// defaulting to info on anything unrecognized.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// quietThirdParty wraps a handler and drops records whose call site is
// outside modulePrefix, unless the configured level is debug or below.
type quietThirdParty struct {
	next     slog.Handler
	minLevel slog.Level
}

func (h *quietThirdParty) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *quietThirdParty) Handle(ctx context.Context, rec slog.Record) error {
	if h.minLevel <= slog.LevelDebug || fromThisModule(rec.PC) {
		return h.next.Handle(ctx, rec)
	}
	return nil
}

func (h *quietThirdParty) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &quietThirdParty{next: h.next.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *quietThirdParty) WithGroup(name string) slog.Handler {
	return &quietThirdParty{next: h.next.WithGroup(name), minLevel: h.minLevel}
}

func fromThisModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	return strings.Contains(fn.Name(), modulePrefix)
}

// New builds a logger writing JSON records to w at the given level, with
// third-party noise quieted below debug. JSON rather than a colored text
// handler because this orchestrator runs headless behind a process
// supervisor, not an interactive terminal.
func New(level slog.Level, w *os.File) *slog.Logger {
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(&quietThirdParty{next: base, minLevel: level})
}

// WithTask returns a logger pre-bound with task/correlation attributes
// grouped under "task".
func WithTask(l *slog.Logger, taskID, correlationID string) *slog.Logger {
	return l.With(slog.Group("task", slog.String("id", taskID), slog.String("correlation_id", correlationID)))
}
