package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// consoleHandler renders records as single status lines:
//
//	2026-08-23T14:02:11Z [ ok ] proxy api ready attempts=3
//
// Markers derive from the level (debug/ok/warn/fail); a "status" attr of
// "skip" overrides the marker and is not rendered as a key=value pair.
type consoleHandler struct {
	w     io.Writer
	mu    *sync.Mutex
	level slog.Level
	color bool
	attrs []slog.Attr
	group string
}

func newConsoleHandler(w io.Writer, level slog.Level, color bool) *consoleHandler {
	return &consoleHandler{w: w, mu: &sync.Mutex{}, level: level, color: color}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	marker := markerFor(r.Level)

	var b strings.Builder
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == statusKey && h.group == "" {
			marker = fmt.Sprintf("%-4s", a.Value.String())
			return true
		}
		writeAttr(&b, h.group, a)
		return true
	})
	for _, a := range h.attrs {
		writeAttr(&b, h.group, a)
	}

	if h.color {
		marker = colorFor(r.Level) + marker + "\x1b[0m"
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.w, "%s [%s] %s%s\n",
		ts.UTC().Format(time.RFC3339), marker, r.Message, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	nh := *h
	if nh.group != "" {
		nh.group = nh.group + "." + name
	} else {
		nh.group = name
	}
	return &nh
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	v := a.Value.String()
	if strings.ContainsAny(v, " \t\"") {
		v = fmt.Sprintf("%q", v)
	}
	fmt.Fprintf(b, " %s=%s", key, v)
}

func markerFor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "fail"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return " ok "
	default:
		return "dbg "
	}
}

func colorFor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\x1b[31m" // red
	case level >= slog.LevelWarn:
		return "\x1b[33m" // yellow
	case level >= slog.LevelInfo:
		return "\x1b[32m" // green
	default:
		return "\x1b[2m" // dim
	}
}
