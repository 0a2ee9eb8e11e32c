// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

func init() {
	// Errors wrapped with github.com/pkg/errors log their stack via .Stack().
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
}

// New creates a new structured logger configured from LOG_LEVEL and LOG_FORMAT.
func New(serviceName, version string) zerolog.Logger {
	config := DefaultLogConfig()
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = format
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = level
	}
	return NewWithConfig(serviceName, version, config)
}

// NewWithConfig creates a logger with the given configuration.
func NewWithConfig(serviceName, version string, config LogConfig) zerolog.Logger {
	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	}
	zerolog.DurationFieldUnit = time.Millisecond

	logger := zerolog.New(newWriter(config)).
		Level(parseLogLevel(config.Level)).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version)

	if config.Caller {
		logger = logger.Caller()
	}
	return logger.Logger()
}

// newWriter resolves the output destination and format.
func newWriter(config LogConfig) io.Writer {
	var output io.Writer

	switch config.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = file
		}
	}

	if config.Format == "console" || config.Format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    config.NoColor,
		}
	}
	return output
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Format     string // "json" or "console"
	Output     string // "stdout", "stderr", or file path
	TimeFormat string
	NoColor    bool
	Caller     bool
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339Nano,
	}
}

// parseLogLevel converts a string log level to zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// Error logs an error with its stack when one was recorded.
func Error(logger zerolog.Logger, err error, msg string) {
	logger.Error().Stack().Err(err).Msg(msg)
}

// WithClientContext adds Modbus client context to the logger.
func WithClientContext(logger zerolog.Logger, clientID, address string) zerolog.Logger {
	return logger.With().
		Str("client_id", clientID).
		Str("address", address).
		Logger()
}
