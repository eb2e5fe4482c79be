// Package logging builds the process's one structured logger, grounded on
// the teacher's ws/internal/shared/monitoring/logger.go. Unlike the
// teacher, this package never installs a global zerolog.Logger (Design
// Note §9): New returns a value the caller threads explicitly into every
// component constructor.
package logging

import (
	"io"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// Config selects the logger's level and optional file sink.
type Config struct {
	Level       string // debug, info, warn, error
	FilePath    string // optional; when set, logs are written to both stdout and this file
	ServiceName string
}

// New builds a zerolog.Logger writing structured JSON with a timestamp,
// caller location, and service name field. When cfg.FilePath is set, log
// lines are duplicated to that file (opened append-only) in addition to
// stdout, matching spec §6's LOG_FILE_PATH sink.
func New(cfg Config) (zerolog.Logger, error) {
	level := parseLevel(cfg.Level)

	var output io.Writer = os.Stdout
	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, err
		}
		output = io.MultiWriter(os.Stdout, f)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "marketfeed"
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", serviceName).
		Logger()

	return logger, nil
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogPanic records a recovered goroutine panic, with its stack trace, at
// error level. It only logs; recovering is left to the caller.
func LogPanic(logger zerolog.Logger, goroutine string, r any) {
	logger.Error().
		Str("goroutine", goroutine).
		Interface("panic_value", r).
		Str("stack_trace", string(debug.Stack())).
		Msg("recovered goroutine panic")
}
