package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/broute-bridge/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "broute"

// Logger is a slog.Logger carrying service and version attributes. Its
// level is shared with every logger derived through With or Component, so
// SetLevel affects the whole tree.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New builds the process logger from the logging section of config.yaml.
// Output "stderr" selects stderr; anything else is stdout.
func New(cfg config.LoggingConfig, version string) *Logger {
	var w io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		w = os.Stderr
	}
	return newWithWriter(cfg, version, w)
}

func newWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	base := slog.New(h).With("service", ServiceName, "version", version)
	return &Logger{Logger: base, level: level}
}

// parseLevel accepts slog's level names (case-insensitive) plus "warning".
// Anything unrecognised is info.
func parseLevel(s string) slog.Level {
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// With returns a child logger with extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// Component tags entries with component=name, e.g. "modem" or "api".
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// SetLevel changes the minimum level for this logger and all its children.
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

// Default is the logger used until config.yaml has been read: JSON at
// info on stdout.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
