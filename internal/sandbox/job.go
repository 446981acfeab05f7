package sandbox

import (
	"fmt"
	"time"

	agenterrors "agentcore/internal/errors"
)

// Language selects the interpreter a job runs under.
type Language string

const (
	LanguagePython Language = "python"
	LanguageBash   Language = "bash"
	LanguageNode   Language = "node"
)

// ParseLanguage maps user-facing names onto a Language.
func ParseLanguage(name string) (Language, error) {
	switch name {
	case "python", "python3", "py":
		return LanguagePython, nil
	case "bash", "sh", "shell":
		return LanguageBash, nil
	case "node", "javascript", "js":
		return LanguageNode, nil
	default:
		return "", fmt.Errorf("unsupported language %q", name)
	}
}

func (l Language) fileName() string {
	switch l {
	case LanguagePython:
		return "main.py"
	case LanguageNode:
		return "main.js"
	default:
		return "main.sh"
	}
}

// Job is one unit of untrusted work.
type Job struct {
	ID        string
	Language  Language
	Source    string            // code body, or the command line for bash
	Workspace string            // optional host directory exposed read-only
	Artifacts []string          // paths relative to the job directory to collect
	Env       map[string]string // extra environment for the process
	Deadline  time.Time         // zero means now plus the tool timeout
}

// Limits is the resource snapshot a job's environment is created with.
type Limits struct {
	MemoryBytes    int64
	MemorySpec     string
	CPU            float64
	Network        bool
	BlockedDomains []string
	AllowSudo      bool
	Deadline       time.Time
}

// Artifact is a file collected from the job directory after a run.
type Artifact struct {
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Data      []byte `json:"-"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Result is the outcome of a job. Err is nil on success and otherwise carries
// one of denied, timeout, resource_exceeded or runtime_error.
type Result struct {
	JobID     string
	Stdout    string
	Stderr    string
	ExitCode  int
	Artifacts []Artifact
	Duration  time.Duration
	Err       *agenterrors.ToolError
}

// OK reports whether the job succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Status is "ok" or the failure kind.
func (r Result) Status() string {
	if r.Err == nil {
		return "ok"
	}
	return string(r.Err.Kind)
}
