// Package log provides the orchestrator's operator-facing status log and a
// structured debug side-channel. Status lines go to stdout with a timestamp
// and a pass/warn/fail marker so container logs read as a startup transcript.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

var logger *slog.Logger
var fileWriter *FileWriter

// statusKey is the attr consulted by the console handler to override the
// level-derived marker (used for "skip" lines, which are informational).
const statusKey = "status"

// Options configures the logger.
type Options struct {
	// Verbose enables debug output on the console
	Verbose bool
	// NoColor disables ANSI color even on a TTY
	NoColor bool
	// DebugFile, if non-empty, receives all levels as JSON lines
	DebugFile string
	// Stdout is the console writer (defaults to os.Stdout)
	Stdout io.Writer
}

// Init initializes the global logger with the given options.
func Init(opts Options) error {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	color := false
	if !opts.NoColor {
		if f, ok := stdout.(*os.File); ok {
			color = isatty.IsTerminal(f.Fd())
		}
	}

	handlers := []slog.Handler{newConsoleHandler(stdout, level, color)}

	if opts.DebugFile != "" {
		fw, err := NewFileWriter(opts.DebugFile)
		if err != nil {
			return err
		}
		fileWriter = fw
		handlers = append(handlers, slog.NewJSONHandler(fw, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	logger = slog.New(&multiHandler{handlers: handlers})
	slog.SetDefault(logger)
	return nil
}

// Close closes the debug file writer if one was created.
func Close() {
	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
}

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: newHandlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: newHandlers}
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

// Info logs a stage success ("ok" marker).
func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

// Warn logs a degraded-but-continuing condition.
func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

// Error logs a fatal stage failure.
func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}

// Skip logs that an optional stage was skipped. Rendered with a "skip"
// marker rather than "ok" so transcripts distinguish degraded environments.
func Skip(msg string, args ...any) {
	args = append(args, slog.String(statusKey, "skip"))
	logger.Info(msg, args...)
}

// With returns a logger with additional context.
func With(args ...any) *slog.Logger {
	return logger.With(args...)
}

// SetOutput routes all output to w as plain console lines (for testing).
func SetOutput(w io.Writer) {
	logger = slog.New(newConsoleHandler(w, slog.LevelDebug, false))
	slog.SetDefault(logger)
}

func init() {
	// Default until Init is called
	logger = slog.New(newConsoleHandler(os.Stdout, slog.LevelInfo, false))
}
