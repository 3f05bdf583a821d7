// Package logging builds the root slog logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

// Formats.
const (
	FormatPretty = "pretty"
	FormatJSON   = "json"
	FormatText   = "text"
)

// Config configures the logger.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Option configures New.
type Option func(*options)

type options struct {
	writer io.Writer
}

// WithWriter sets the output. Defaults to os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// ParseLevel maps debug|info|warn|error to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds a logger. The pretty format colours output with tint.
func New(cfg Config, opts ...Option) (*slog.Logger, error) {
	o := options{writer: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(cfg.Format) {
	case FormatPretty:
		return slog.New(tint.NewHandler(o.writer, &tint.Options{
			Level:      level,
			TimeFormat: "[15:04:05.000]",
		})), nil
	case FormatText:
		return slog.New(slog.NewTextHandler(o.writer, &slog.HandlerOptions{Level: level})), nil
	case "", FormatJSON:
		return slog.New(slog.NewJSONHandler(o.writer, &slog.HandlerOptions{Level: level})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
