// Package logging builds the structured logger shared by every command.
package logging

import (
	"fmt"
	"io"
	"strings"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"cdr.dev/slog/v3/sloggers/slogjson"
)

// ParseLevel maps a config level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// New returns a logger writing to w in the given format ("human" or "json").
func New(w io.Writer, format, level string) (slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return slog.Logger{}, err
	}

	var sink slog.Sink
	switch format {
	case "", "human":
		sink = sloghuman.Sink(w)
	case "json":
		sink = slogjson.Sink(w)
	default:
		return slog.Logger{}, fmt.Errorf("unknown log format %q", format)
	}

	return slog.Make(sink).Leveled(lvl).Named("presence"), nil
}
