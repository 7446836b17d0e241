// Package logging holds the process-wide structured logger. Before Init is
// called the logger discards everything, so library code can log freely
// without configuring anything.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the shared logger. Replace it via Init, not directly.
var Log = slog.New(slog.NewTextHandler(io.Discard, nil))

var level = new(slog.LevelVar)

// Options configure Init.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// File enables rotated file logging at the given path.
	File string
	// MaxSizeMB caps a log file before rotation. Zero means 20.
	MaxSizeMB int
	// MaxBackups limits rotated files kept. Zero means 3.
	MaxBackups int
	// Console also writes to stderr.
	Console bool
}

// Init builds the shared logger. Call it once, early, from the command
// layer.
func Init(opts Options) error {
	lv, err := parseLevel(opts.Level)
	if err != nil {
		return err
	}
	level.Set(lv)

	var writers []io.Writer
	if opts.File != "" {
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 20
		}
		if opts.MaxBackups <= 0 {
			opts.MaxBackups = 3
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		})
	}
	if opts.Console {
		writers = append(writers, os.Stderr)
	}
	if len(writers) == 0 {
		Log = slog.New(slog.NewTextHandler(io.Discard, nil))
		return nil
	}

	Log = slog.New(slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level}))
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Debug logs at debug level on the shared logger.
func Debug(msg string, args ...any) { Log.Debug(msg, args...) }

// Info logs at info level on the shared logger.
func Info(msg string, args ...any) { Log.Info(msg, args...) }

// Warn logs at warn level on the shared logger.
func Warn(msg string, args ...any) { Log.Warn(msg, args...) }

// Error logs at error level on the shared logger.
func Error(msg string, args ...any) { Log.Error(msg, args...) }
