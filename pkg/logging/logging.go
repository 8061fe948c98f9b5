// Package logging builds the colourised slog loggers used by the command
// line tools.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Options configure New.
type Options struct {
	Level     slog.Level
	NoColor   bool
	AddSource bool
	// TimeFormat defaults to time.RFC3339.
	TimeFormat string
}

// New returns a tint logger writing to w.
func New(w io.Writer, opts Options) *slog.Logger { // A
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	handler := tint.NewHandler(w, &tint.Options{
		Level:      opts.Level,
		TimeFormat: opts.TimeFormat,
		AddSource:  opts.AddSource,
		NoColor:    opts.NoColor,
	})
	return slog.New(handler)
}

// ParseLevel accepts debug, info, warn or error in any case.
func ParseLevel(s string) (slog.Level, error) { // A
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
