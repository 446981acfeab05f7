package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	agenterrors "agentcore/internal/errors"
)

// StatusOK is the status of a successful tool result.
const StatusOK = "ok"

// ToolExecutor executes a single tool call
type ToolExecutor interface {
	// Execute runs the tool with given arguments. Tool failures are reported
	// through ToolResult.Error; a non-nil error means the tool itself broke.
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)

	// Definition returns the tool's schema for the model
	Definition() ToolDefinition

	// Metadata returns tool metadata
	Metadata() ToolMetadata
}

// ToolCall represents a request to execute a tool
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	SessionID string         `json:"session_id,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
}

// Artifact is a file produced by a tool.
type Artifact struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Data      []byte `json:"data,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// ToolResult is the execution result
type ToolResult struct {
	CallID    string         `json:"call_id"`
	Content   string         `json:"content"`
	Stderr    string         `json:"stderr,omitempty"`
	ExitCode  int            `json:"exit_code,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Error     error          `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
}

// Failure wraps err in a result for call.
func Failure(call ToolCall, err error) *ToolResult {
	return &ToolResult{CallID: call.ID, Error: err}
}

// Status is "ok" or the failure kind.
func (r *ToolResult) Status() string {
	if r == nil || r.Error == nil {
		return StatusOK
	}
	return string(agenterrors.KindOf(r.Error))
}

// OK reports whether the call succeeded.
func (r *ToolResult) OK() bool { return r != nil && r.Error == nil }

// Observation renders the result the way the model sees it on its next turn.
func (r *ToolResult) Observation() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	if r.Error != nil {
		b.WriteString(agenterrors.FormatForLLM(r.Error))
		if r.Content == "" && r.Stderr == "" {
			return b.String()
		}
		b.WriteString("\n")
	}
	b.WriteString(r.Content)
	if r.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(r.Stderr)
	}
	for _, a := range r.Artifacts {
		b.WriteString("\nartifact: ")
		b.WriteString(a.Path)
	}
	return b.String()
}

// MarshalJSON encodes Error as its message plus the status tag.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	type Alias struct {
		CallID    string         `json:"call_id"`
		Status    string         `json:"status"`
		Content   string         `json:"content"`
		Stderr    string         `json:"stderr,omitempty"`
		ExitCode  int            `json:"exit_code,omitempty"`
		Artifacts []Artifact     `json:"artifacts,omitempty"`
		Error     string         `json:"error,omitempty"`
		Metadata  map[string]any `json:"metadata,omitempty"`
		Duration  int64          `json:"duration_ms,omitempty"`
		Attempts  int            `json:"attempts,omitempty"`
	}

	alias := Alias{
		CallID:    r.CallID,
		Status:    r.Status(),
		Content:   r.Content,
		Stderr:    r.Stderr,
		ExitCode:  r.ExitCode,
		Artifacts: r.Artifacts,
		Metadata:  r.Metadata,
		Duration:  r.Duration.Milliseconds(),
		Attempts:  r.Attempts,
	}
	if r.Error != nil {
		alias.Error = r.Error.Error()
	}
	return json.Marshal(alias)
}

// UnmarshalJSON restores a tagged error from the status field.
func (r *ToolResult) UnmarshalJSON(data []byte) error {
	type Alias struct {
		CallID    string         `json:"call_id"`
		Status    string         `json:"status"`
		Content   string         `json:"content"`
		Stderr    string         `json:"stderr,omitempty"`
		ExitCode  int            `json:"exit_code,omitempty"`
		Artifacts []Artifact     `json:"artifacts,omitempty"`
		Error     string         `json:"error,omitempty"`
		Metadata  map[string]any `json:"metadata,omitempty"`
		Duration  int64          `json:"duration_ms,omitempty"`
		Attempts  int            `json:"attempts,omitempty"`
	}

	var aux Alias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = ToolResult{
		CallID:    aux.CallID,
		Content:   aux.Content,
		Stderr:    aux.Stderr,
		ExitCode:  aux.ExitCode,
		Artifacts: aux.Artifacts,
		Metadata:  aux.Metadata,
		Duration:  time.Duration(aux.Duration) * time.Millisecond,
		Attempts:  aux.Attempts,
	}

	kind := agenterrors.Kind(aux.Status)
	switch {
	case aux.Status == "" || aux.Status == StatusOK:
		if aux.Error != "" {
			r.Error = errors.New(aux.Error)
		}
	case kind.Valid():
		msg := strings.TrimPrefix(aux.Error, aux.Status+": ")
		r.Error = &agenterrors.ToolError{Kind: kind, Message: msg}
	default:
		r.Error = errors.New(aux.Error)
	}
	return nil
}

// ToolDefinition describes a tool for the model
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// ToolMetadata contains tool information the dispatcher acts on.
type ToolMetadata struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Category  string   `json:"category"`
	Tags      []string `json:"tags"`
	Dangerous bool     `json:"dangerous"`
	// TransientProne tools are retried on transient runtime errors and sit
	// behind a circuit breaker.
	TransientProne bool `json:"transient_prone,omitempty"`
	// HostNetwork tools reach the network from the host, so their url and
	// port arguments are checked against policy before they run.
	HostNetwork bool `json:"host_network,omitempty"`
	// Idempotent read-only results may be served from the result cache.
	Idempotent bool `json:"idempotent,omitempty"`
	// Interactive tools wait on a person. They are bounded by the session
	// deadline rather than the per-call timeout.
	Interactive bool `json:"interactive,omitempty"`
}

// ParameterSchema defines tool parameters (JSON Schema format)
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single parameter
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum,omitempty"`
}
