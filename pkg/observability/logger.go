package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// LogLevel is the minimum severity a logger will emit.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < DebugLevel || l > ErrorLevel {
		return "INFO"
	}
	return levelNames[l]
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger emits structured JSON records through slog. The With* methods
// return child loggers and never mutate the receiver, so a single
// logger can be shared across goroutines.
type Logger struct {
	s *slog.Logger
}

// NewLogger returns a logger that writes JSON records at or above
// level to output. A nil output falls back to stdout.
func NewLogger(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: level.slogLevel(),
	})
	return &Logger{s: slog.New(handler)}
}

func (l *Logger) child(args ...interface{}) *Logger {
	return &Logger{s: l.s.With(args...)}
}

// WithField returns a child logger that stamps key=value on every record.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.child(key, value)
}

// WithFields returns a child logger carrying all the given fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return l.child(args...)
}

// WithError attaches the error's message under the "error" key. A nil
// error returns the receiver unchanged.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.child("error", err.Error())
}

// WithComponent tags records with the subsystem they come from.
func (l *Logger) WithComponent(name string) *Logger {
	return l.child("component", name)
}

// Debug logs a message at debug level.
func (l *Logger) Debug(message string) { l.s.Debug(message) }

// Info logs a message at info level.
func (l *Logger) Info(message string) { l.s.Info(message) }

// Warn logs a message at warn level.
func (l *Logger) Warn(message string) { l.s.Warn(message) }

// Error logs a message at error level.
func (l *Logger) Error(message string) { l.s.Error(message) }

// Debugf logs a printf-formatted message at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.s.Debug(fmt.Sprintf(format, args...))
}

// Infof logs a printf-formatted message at info level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.s.Info(fmt.Sprintf(format, args...))
}

// Warnf logs a printf-formatted message at warn level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.s.Warn(fmt.Sprintf(format, args...))
}

// Errorf logs a printf-formatted message at error level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.s.Error(fmt.Sprintf(format, args...))
}
