package logging

import (
	"io"
	"os"
	"strings"
)

// LogFormat represents the log output format.
type LogFormat string

const (
	// FormatText is the traditional text format.
	FormatText LogFormat = "text"
	// FormatJSON is structured JSON format.
	FormatJSON LogFormat = "json"
)

// Config represents logging configuration.
type Config struct {
	Level   string
	Format  LogFormat
	Service string
	Version string
	Prefix  string
	// Output defaults to stderr. Stdout is reserved for the MCP transport.
	Output io.Writer
}

// NewLoggerFromConfig creates a logger based on configuration.
func NewLoggerFromConfig(cfg *Config) ContextLogger {
	format := LogFormat(strings.ToLower(string(cfg.Format)))
	if format == "" {
		format = FormatJSON
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if format == FormatText {
		return NewLoggerAdapter(NewLoggerWithWriter(out, cfg.Prefix, cfg.Level))
	}
	return NewStructuredLoggerWithWriter(out, cfg.Service, cfg.Version, cfg.Level)
}

// NewNopLogger returns a logger that discards everything, for tests.
func NewNopLogger() ContextLogger {
	return NewLoggerAdapter(NewLoggerWithWriter(io.Discard, "", "error"))
}
