// Package logging provides the structured logging interface used across
// every subsystem. Callers depend on the Logger interface;
// the backing implementation is zerolog instead of log/slog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Fields carries structured key/value pairs attached to a logger instance.
type Fields map[string]any

// Logger is the capability interface every subsystem depends on.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	With(fields Fields) Logger
}

// ZeroLogger wraps a zerolog.Logger.
type ZeroLogger struct {
	z zerolog.Logger
}

// New creates a Logger at the given level ("debug", "info", "warn", "error").
func New(level string) Logger {
	return NewWithWriter(level, os.Stdout)
}

// NewWithWriter is New but with an explicit writer, for tests.
func NewWithWriter(level string, w io.Writer) Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	z := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &ZeroLogger{z: z}
}

func (l *ZeroLogger) Debugf(format string, v ...interface{}) { l.z.Debug().Msgf(format, v...) }
func (l *ZeroLogger) Infof(format string, v ...interface{})  { l.z.Info().Msgf(format, v...) }
func (l *ZeroLogger) Warnf(format string, v ...interface{})  { l.z.Warn().Msgf(format, v...) }
func (l *ZeroLogger) Errorf(format string, v ...interface{}) { l.z.Error().Msgf(format, v...) }

func (l *ZeroLogger) With(fields Fields) Logger {
	ctx := l.z.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &ZeroLogger{z: ctx.Logger()}
}

// Noop is a Logger that discards everything, for tests.
type Noop struct{}

func (Noop) Debugf(string, ...interface{}) {}
func (Noop) Infof(string, ...interface{})  {}
func (Noop) Warnf(string, ...interface{})  {}
func (Noop) Errorf(string, ...interface{}) {}
func (n Noop) With(Fields) Logger          { return n }
