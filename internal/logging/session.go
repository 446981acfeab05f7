package logging

import (
	"context"

	"agentcore/internal/observability"
)

// Field names attached to agent log lines.
const (
	FieldComponent = "component"
	FieldSession   = "session_id"
	FieldTool      = "tool"
	FieldCall      = "call_id"
	FieldTrace     = "trace_id"
)

// fielder is implemented by loggers that can carry key/value attributes.
type fielder interface {
	with(key, value string) Logger
}

// ForSession tags every line with the session id.
func ForSession(logger Logger, sessionID string) Logger {
	return withField(logger, FieldSession, sessionID)
}

// ForTool tags every line with the tool name and call id.
func ForTool(logger Logger, tool, callID string) Logger {
	return withField(withField(logger, FieldTool, tool), FieldCall, callID)
}

// ForContext tags logger with the session and trace ids carried by ctx.
func ForContext(ctx context.Context, logger Logger) Logger {
	logger = withField(logger, FieldSession, observability.SessionIDFromContext(ctx))
	return withField(logger, FieldTrace, observability.TraceIDFromContext(ctx))
}

func withField(logger Logger, key, value string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	if value == "" {
		return logger
	}
	if f, ok := logger.(fielder); ok {
		return f.with(key, value)
	}
	return &prefixLogger{logger: logger, prefix: key + "=" + value + " "}
}

// prefixLogger carries fields for loggers without attribute support.
type prefixLogger struct {
	logger Logger
	prefix string
}

func (l *prefixLogger) with(key, value string) Logger {
	return &prefixLogger{logger: l.logger, prefix: l.prefix + key + "=" + value + " "}
}

func (l *prefixLogger) Debug(format string, args ...any) { l.logger.Debug(l.prefix+format, args...) }
func (l *prefixLogger) Info(format string, args ...any)  { l.logger.Info(l.prefix+format, args...) }
func (l *prefixLogger) Warn(format string, args ...any)  { l.logger.Warn(l.prefix+format, args...) }
func (l *prefixLogger) Error(format string, args ...any) { l.logger.Error(l.prefix+format, args...) }
