// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
)

// levelNone is above every level a record can carry.
const levelNone = slog.Level(math.MaxInt)

// Options selects the level, encoding and destination of the default logger.
//
// Valid levels are "none", "error", "warn", "info" and "debug". Format is
// "text" or "json". An empty File logs to stdout.
type Options struct {
	Level  string
	Format string
	File   string
}

// ParseLevel maps a level name to a slog level. "none" reports ok=false.
func ParseLevel(name string) (level slog.Level, ok bool, err error) {
	switch name {
	case "none":
		return 0, false, nil
	case "error":
		return slog.LevelError, true, nil
	case "warn":
		return slog.LevelWarn, true, nil
	case "", "info":
		return slog.LevelInfo, true, nil
	case "debug":
		return slog.LevelDebug, true, nil
	default:
		return 0, false, fmt.Errorf("logging: unexpected log level %q", name)
	}
}

// NewHandler builds a handler writing to w.
func NewHandler(w io.Writer, opts Options) (slog.Handler, error) {
	level, enabled, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: levelNone}), nil
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	switch opts.Format {
	case "", "text":
		return slog.NewTextHandler(w, handlerOpts), nil
	case "json":
		return slog.NewJSONHandler(w, handlerOpts), nil
	default:
		return nil, fmt.Errorf("logging: unexpected log format %q", opts.Format)
	}
}

// Configure installs the default logger.
//
// It returns the log file so the caller can close it on exit, or nil when
// logging to stdout:
//
//	logFile, err := logging.Configure(opts)
//	if logFile != nil {
//		defer logFile.Close()
//	}
func Configure(opts Options) (*os.File, error) {
	var (
		w       io.Writer = os.Stdout
		logFile *os.File
	)

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open %s: %w", opts.File, err)
		}
		w, logFile = f, f
	}

	handler, err := NewHandler(w, opts)
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}

	slog.SetDefault(slog.New(handler))
	return logFile, nil
}
