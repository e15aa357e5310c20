// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()

	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Per-group scheduling (group number, task count, pacing delay)
//   - Retry scheduling (attempt, delay)
//   - Chunk encode sizes (raw vs compressed)
//
// Info: Normal operation events
//   - Sync run start/finish with record counts and duration
//   - Generation writes and retirements
//   - Server startup/shutdown, cron schedule registration
//
// Warn: Warning conditions that don't prevent operation
//   - Failed pages (records lost for this snapshot)
//   - Retry attempts and exhaustion on reference fetches
//   - Compressed chunk larger than raw payload
//   - Corrupt chunk skipped during load
//   - Run-log or last-run persistence failures (best-effort paths)
//
// Error: Error conditions requiring attention
//   - Sync run failure (first page, reference fetch, storage)
//   - Database or redis unavailability
//   - Configuration errors at startup
//
// Context Fields:
//   - category: dataset category (contacts, deals)
//   - generation: snapshot generation id
//   - page: page number of a paginated fetch
//   - attempt: retry attempt number
//   - chunk_seq: chunk sequence within a generation
//   - records: record count
//   - duration: operation duration
//   - endpoint: upstream API endpoint path
//   - status_code: HTTP status code
