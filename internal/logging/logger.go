package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration
type Config struct {
	Level      zerolog.Level
	Format     string // "json" or "console"
	TimeFormat string
	Output     io.Writer // default os.Stderr
}

// DefaultConfig returns console logging at info level
func DefaultConfig() Config {
	return Config{
		Level:      zerolog.InfoLevel,
		Format:     "console",
		TimeFormat: time.RFC3339,
	}
}

// ParseLevel maps a level name to a zerolog level. The numeric verbosity
// levels 1, 2 and 3 map to info, debug and trace.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "warn", "warning":
		return zerolog.WarnLevel, nil
	case "", "1", "info":
		return zerolog.InfoLevel, nil
	case "2", "debug":
		return zerolog.DebugLevel, nil
	case "3", "trace":
		return zerolog.TraceLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off":
		return zerolog.Disabled, nil
	}
	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
}

// New creates a new zerolog logger with the given configuration
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: cfg.TimeFormat,
		}
	}

	return zerolog.New(out).
		Level(cfg.Level).
		With().
		Timestamp().
		Logger()
}

// NewFromEnv creates a logger based on environment variables
// VIDPLANE_LOG_LEVEL: trace, debug, info, warn, error or 0-3 (default: info)
// VIDPLANE_LOG_FORMAT: json, console (default: console)
func NewFromEnv() zerolog.Logger {
	cfg := DefaultConfig()
	if lvl, err := ParseLevel(os.Getenv("VIDPLANE_LOG_LEVEL")); err == nil {
		cfg.Level = lvl
	}
	switch format := os.Getenv("VIDPLANE_LOG_FORMAT"); format {
	case "json", "console":
		cfg.Format = format
	}
	return New(cfg)
}

// Report is a log destination that also writes every line to a file, the
// way the test driver keeps a report next to its console output.
type Report struct {
	file *os.File
}

// OpenReport truncates path and returns a writer that tees console output
// to it. The file gets plain JSON lines.
func OpenReport(path string) (*Report, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open report: %w", err)
	}
	return &Report{file: f}, nil
}

// Path returns the report file name.
func (r *Report) Path() string { return r.file.Name() }

// Writer returns the file for plain text sections of the report.
func (r *Report) Writer() io.Writer { return r.file }

// Logger returns a logger writing to both the console configured by cfg
// and the report file.
func (r *Report) Logger(cfg Config) zerolog.Logger {
	console := cfg.Output
	if console == nil {
		console = os.Stderr
	}
	if cfg.Format == "console" {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: cfg.TimeFormat}
	}
	return zerolog.New(zerolog.MultiLevelWriter(console, r.file)).
		Level(cfg.Level).
		With().
		Timestamp().
		Logger()
}

// Close flushes and closes the report file.
func (r *Report) Close() error {
	if err := r.file.Sync(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
