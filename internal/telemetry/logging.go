// Package telemetry builds the process logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"

	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/shared"
)

// Options configures NewLogger.
type Options struct {
	HomeDir string
	Level   string
	// Quiet drops the console handler, e.g. while a TUI owns the terminal.
	Quiet bool
	// Console defaults to os.Stdout.
	Console io.Writer
}

// Logging is the process logger together with its runtime-adjustable level.
type Logging struct {
	Logger *slog.Logger
	Level  *slog.LevelVar
	file   *os.File
}

// Close closes the log file.
func (l *Logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// NewLogger writes JSON lines to <home>/logs/system.jsonl and, unless quiet,
// text to the console. Both share one level.
func NewLogger(opts Options) (*Logging, error) {
	logDir := filepath.Join(opts.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	level := new(slog.LevelVar)
	level.Set(ParseLevel(opts.Level))
	handlerOpts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceAttr}

	handlers := []slog.Handler{slog.NewJSONHandler(file, handlerOpts)}
	if !opts.Quiet {
		console := opts.Console
		if console == nil {
			console = os.Stdout
		}
		handlers = append(handlers, slog.NewTextHandler(console, handlerOpts))
	}

	logger := slog.New(slogmulti.Fanout(handlers...)).With("component", "runtime", "trace_id", "-")
	return &Logging{Logger: logger, Level: level, file: file}, nil
}

// FollowLevel applies log level changes published on the bus until ctx ends.
func (l *Logging) FollowLevel(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.TopicConfigLogLevel)
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				name, _ := ev.Payload.(string)
				lvl := ParseLevel(name)
				if lvl != l.Level.Level() {
					l.Level.Set(lvl)
					l.Logger.Info("log level changed", "level", lvl.String())
				}
			}
		}
	}()
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shared.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a config string to a level; unknown values mean info.
func ParseLevel(level string) slog.Level {
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
