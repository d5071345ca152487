// Package logging builds the process logger: slog JSON to stdout, and to a
// rotating file when one is configured.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/atmx/vault-lending/internal/config"
)

// New returns a JSON logger for cfg and a closer for the rotating file, if
// any. When the log directory cannot be created the logger falls back to
// stdout only.
func New(cfg config.LogConfig, stdout io.Writer) (*slog.Logger, io.Closer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	if cfg.File == "" {
		return slog.New(slog.NewJSONHandler(stdout, opts)), nopCloser{}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		l := slog.New(slog.NewJSONHandler(stdout, opts))
		l.Warn("log file disabled", "file", cfg.File, "error", err)
		return l, nopCloser{}
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return slog.New(slog.NewJSONHandler(io.MultiWriter(stdout, file), opts)), file
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
