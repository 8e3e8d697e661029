// Package logging builds the process logger: a console writer, optionally
// fanned out to a JSON file sink.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"lampbridge/internal/config"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New builds the root logger from config. The returned closer owns the file
// sink, if any; callers close it on shutdown.
func New(cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"

	level := parseLevel(cfg.Level)
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}}

	var closer io.Closer
	if strings.TrimSpace(cfg.File) != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		closer = f
		writers = append(writers, f)
	}

	log := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()
	return log, closer, nil
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Bootstrap is a console-only logger for use before config is loaded.
func Bootstrap() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()
}
