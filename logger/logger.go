// Package logger provides the structured logging interface used across the
// chat room, backed by zerolog. Output can go to the console, to daily
// rotated files, or nowhere.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Logger writes leveled, structured log entries.
type Logger interface {
	// Debug logs msg at debug level with optional fields.
	Debug(msg string, fields ...Field)

	// Info logs msg at info level with optional fields.
	Info(msg string, fields ...Field)

	// Warn logs msg at warn level with optional fields.
	Warn(msg string, fields ...Field)

	// Error logs msg at error level with optional fields.
	Error(msg string, fields ...Field)

	// With returns a derived Logger that adds fields to every entry. The
	// receiver is unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger with the specified fields
	With(fields ...Field) Logger

	// Close releases resources held by the logger (e.g. file handles). It is
	// safe to call multiple times.
	//
	// Returns:
	//   - An error if closing resources fails
	Close() error
}

type zerologLogger struct {
	logger     zerolog.Logger
	fileWriter *DailyFileWriter
}

// NewZerologLogger wraps l, adding a service name and timestamp to every entry
// and filtering by level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Name of the service, added as a field to every log entry
//   - level: Minimum level to log (e.g. zerolog.InfoLevel)
//
// Returns:
//   - A Logger that writes through the given zerolog instance
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// NewConsoleLogger builds a Logger with human-readable output on w (stderr
// when w is nil).
func NewConsoleLogger(w io.Writer, serviceName string, level zerolog.Level) Logger {
	if w == nil {
		w = os.Stderr
	}

	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	return NewZerologLogger(zerolog.New(console), serviceName, level)
}

// NewZerologFileLogger builds a Logger that writes human-readable output to
// stderr and JSON entries to daily rotated files in logDir, named
// {serviceName}_{date}.log. logDir is created if needed.
//
// Parameters:
//   - serviceName: Name of the service, used in log entries and file names
//   - logDir: Directory for log files
//   - level: Minimum level to log
//
// Returns:
//   - The Logger, or an error if the directory or first file cannot be created
func NewZerologFileLogger(serviceName string, logDir string, level zerolog.Level) (Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	fileWriter, err := NewDailyFileWriter(serviceName, logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create file writer: %w", err)
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	multi := zerolog.MultiLevelWriter(console, fileWriter)
	return &zerologLogger{
		logger:     zerolog.New(multi).With().Str("service", serviceName).Timestamp().Logger().Level(level),
		fileWriter: fileWriter,
	}, nil
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// ParseLevel maps a level name such as "debug" or "warn" to a zerolog level.
// An empty name selects info.
func ParseLevel(name string) (zerolog.Level, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return zerolog.InfoLevel, nil
	}

	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", name, err)
	}

	return level, nil
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With shares the file writer with the parent; only the root logger closes it.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{logger: z.logger.With().Fields(toMap(fields)).Logger()}
}

func (z *zerologLogger) Close() error {
	if z.fileWriter != nil {
		return z.fileWriter.Close()
	}

	return nil
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}
