// Package logging builds the diagnostics loggers used by the engine.
//
// An embedded engine must stay invisible to the host application, so the
// default logger discards everything. The demo binary opts into a rotated
// file log plus stderr.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"wewb/internal/config"
)

// NewNop returns a logger that discards all diagnostics. This is the default
// sink for embedded use: total silence toward the host page.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// NewStderr returns a text logger at the given level writing to stderr.
func NewStderr(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewFile returns a logger writing to a size-rotated file under the
// configured logs directory.
func NewFile(cfg *config.Config, level slog.Level) *slog.Logger {
	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogsDirectory, "wewb.log"),
		MaxSize:    cfg.LogsMaxSizeInMb,
		MaxBackups: cfg.LogsMaxBackups,
		MaxAge:     cfg.LogsMaxAgeInDays,
		Compress:   true,
	}
	return slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level}))
}
