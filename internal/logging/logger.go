package logging

import (
	"fmt"
	"reflect"

	"agentcore/internal/observability"
)

// Logger is the printf-style contract every component logs through.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger { return nopLogger{} }

// IsNil reports whether logger is nil or a typed nil pointer.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Func:
		return val.IsNil()
	}
	return false
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// NewComponentLogger scopes the process-wide logger to a component.
func NewComponentLogger(component string) Logger {
	return FromObservabilityWithComponent(observability.Default(), component)
}

// FromObservabilityWithComponent adapts a structured logger to printf-style
// call sites. Fields added later through ForSession, ForTool and ForContext
// become slog attributes rather than message text.
func FromObservabilityWithComponent(logger *observability.Logger, component string) Logger {
	if logger == nil {
		return Nop()
	}
	l := &structuredLogger{logger: logger}
	if component != "" {
		return l.with(FieldComponent, component)
	}
	return l
}

// structuredLogger formats the message and keeps agent fields as attributes.
type structuredLogger struct {
	logger *observability.Logger
}

func (l *structuredLogger) with(key, value string) Logger {
	return &structuredLogger{logger: l.logger.With(key, value)}
}

func (l *structuredLogger) Debug(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *structuredLogger) Info(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *structuredLogger) Warn(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *structuredLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
