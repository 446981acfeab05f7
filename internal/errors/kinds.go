package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tags a failure so every layer (sandbox, dispatcher, loop) agrees on
// how it is reported and whether it may be retried.
type Kind string

const (
	KindNone             Kind = ""
	KindConfig           Kind = "config_error"
	KindDenied           Kind = "denied"
	KindTimeout          Kind = "timeout"
	KindResourceExceeded Kind = "resource_exceeded"
	KindRuntime          Kind = "runtime_error"
	KindUnknownTool      Kind = "unknown_tool"
	KindModelUnavailable Kind = "model_unavailable"
)

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindConfig, KindDenied, KindTimeout, KindResourceExceeded,
		KindRuntime, KindUnknownTool, KindModelUnavailable:
		return true
	}
	return false
}

// PolicyViolation reports kinds that are deterministic outcomes of policy and
// must never be retried.
func (k Kind) PolicyViolation() bool {
	return k == KindDenied || k == KindResourceExceeded
}

// ToolError is a tagged failure produced by a sandbox job or a tool handler.
type ToolError struct {
	Kind      Kind
	Message   string
	Err       error
	Transient bool
}

func (e *ToolError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind via a sentinel ToolError.
func (e *ToolError) Is(target error) bool {
	t, ok := target.(*ToolError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// Sentinels usable with errors.Is.
var (
	ErrDenied           = &ToolError{Kind: KindDenied}
	ErrTimeout          = &ToolError{Kind: KindTimeout}
	ErrResourceExceeded = &ToolError{Kind: KindResourceExceeded}
	ErrRuntime          = &ToolError{Kind: KindRuntime}
	ErrUnknownTool      = &ToolError{Kind: KindUnknownTool}
	ErrModelUnavailable = &ToolError{Kind: KindModelUnavailable}
)

// Denied builds a policy denial.
func Denied(format string, args ...any) *ToolError {
	return &ToolError{Kind: KindDenied, Message: fmt.Sprintf(format, args...)}
}

// Timeout builds a deadline failure.
func Timeout(format string, args ...any) *ToolError {
	return &ToolError{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

// ResourceExceeded builds a resource cap failure.
func ResourceExceeded(format string, args ...any) *ToolError {
	return &ToolError{Kind: KindResourceExceeded, Message: fmt.Sprintf(format, args...)}
}

// Runtime wraps a runtime failure. transient marks it eligible for retry.
func Runtime(err error, transient bool) *ToolError {
	return &ToolError{Kind: KindRuntime, Err: err, Transient: transient}
}

// Runtimef builds a non-transient runtime failure from a message.
func Runtimef(format string, args ...any) *ToolError {
	return &ToolError{Kind: KindRuntime, Message: fmt.Sprintf(format, args...)}
}

// UnknownTool reports a call to an unregistered tool.
func UnknownTool(name string) *ToolError {
	return &ToolError{Kind: KindUnknownTool, Message: fmt.Sprintf("no handler registered for tool %q", name)}
}

// ModelUnavailable wraps a model provider failure.
func ModelUnavailable(err error) *ToolError {
	return &ToolError{Kind: KindModelUnavailable, Err: err, Transient: true}
}

// KindOf extracts the failure kind carried by err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return KindConfig
	}
	return KindRuntime
}

// ConfigError is a startup-fatal configuration failure.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config error")
	if e.Field != "" {
		b.WriteString(" (")
		b.WriteString(e.Field)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError builds a ConfigError for a named field.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
