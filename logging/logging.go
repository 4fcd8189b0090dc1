// Package logging provides the leveled, structured logging sink used by every
// boltnet component, backed by zerolog. Logging can be disabled entirely with
// Nop.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Field is a key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err returns a Field holding err under the "error" key.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Level is a logging severity.
type Level int8

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	Disabled
)

// Logger writes leveled entries with structured fields.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a Logger that adds fields to every entry.
	With(fields ...Field) Logger

	// Enabled reports whether entries at level would be written. Callers
	// use it to skip building expensive fields.
	Enabled(level Level) bool
}

type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerolog wraps l, adding the service name and a timestamp to every entry
// and filtering below level.
func NewZerolog(l zerolog.Logger, service string, level Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", service).Timestamp().Logger().Level(toZerolog(level)),
	}
}

// New writes JSON entries to w. A nil w writes to stdout.
func New(w io.Writer, service string, level Level) Logger {
	if w == nil {
		w = os.Stdout
	}
	return NewZerolog(zerolog.New(w), service, level)
}

// NewConsole writes human-readable entries to stderr.
func NewConsole(service string, level Level) Logger {
	return NewZerolog(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}), service, level)
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

func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{logger: z.logger.With().Fields(toMap(fields)).Logger()}
}

func (z *zerologLogger) Enabled(level Level) bool {
	return level != Disabled && toZerolog(level) >= z.logger.GetLevel()
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

func toZerolog(level Level) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}

// ParseLevel parses "debug", "info", "warn", "error" or "disabled".
func ParseLevel(s string) (Level, error) {
	l, err := zerolog.ParseLevel(s)
	if err != nil {
		return InfoLevel, err
	}
	switch l {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return DebugLevel, nil
	case zerolog.InfoLevel, zerolog.NoLevel:
		return InfoLevel, nil
	case zerolog.WarnLevel:
		return WarnLevel, nil
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return ErrorLevel, nil
	default:
		return Disabled, nil
	}
}

type nopLogger struct{}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field) {}
func (nopLogger) Warn(string, ...Field) {}
func (nopLogger) Error(string, ...Field) {}
func (n nopLogger) With(...Field) Logger { return n }
func (nopLogger) Enabled(Level) bool     { return false }
