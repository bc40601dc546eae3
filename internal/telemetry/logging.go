package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/basket/autopilot/internal/redact"
)

// NewLogger builds the process logger. JSON lines always go to
// <baseRoot>/logs/system.jsonl; unless quiet, a console handler mirrors them
// to stdout (tinted when stdout is a terminal). Secret-bearing attributes are
// scrubbed before they are written anywhere.
func NewLogger(baseRoot, level string, quiet bool, scanner *redact.Scanner) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(baseRoot, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	lvl := parseLevel(level)
	replace := func(_ []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey {
			a.Key = "timestamp"
		}
		if redact.SensitiveKey(a.Key) {
			return slog.String(a.Key, redact.Placeholder)
		}
		if a.Value.Kind() == slog.KindString {
			v := a.Value.String()
			if looksLikeAuthValue(v) {
				return slog.String(a.Key, redact.Placeholder)
			}
			if scanner != nil {
				if cleaned := scanner.Redact(v); cleaned != v {
					return slog.String(a.Key, cleaned)
				}
			}
		}
		return a
	}

	var handler slog.Handler = slog.NewJSONHandler(file, &slog.HandlerOptions{Level: lvl, ReplaceAttr: replace})
	if !quiet {
		var console slog.Handler
		if isatty.IsTerminal(os.Stdout.Fd()) {
			console = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl, TimeFormat: time.Kitchen, ReplaceAttr: replace})
		} else {
			console = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl, ReplaceAttr: replace})
		}
		handler = multiHandler{handler, console}
	}
	logger := slog.New(handler).With("component", "core", "trace_id", "-")
	return logger, file, nil
}

// looksLikeAuthValue flags whole attribute values that embed credentials.
func looksLikeAuthValue(v string) bool {
	lower := strings.ToLower(v)
	return strings.Contains(lower, "bearer ") ||
		strings.Contains(lower, "authorization:") ||
		strings.Contains(lower, "api_key")
}

// multiHandler fans records out to every wrapped handler.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range m {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
