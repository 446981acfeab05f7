package builtin

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/sandbox"
	"agentcore/internal/tools"
)

type codeExecute struct {
	runner     SandboxRunner
	workspaces *Workspaces
}

// NewCodeExecute runs model-written programs in the sandbox.
func NewCodeExecute(runner SandboxRunner, workspaces *Workspaces) tools.ToolExecutor {
	return &codeExecute{runner: runner, workspaces: workspaces}
}

func (t *codeExecute) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:      "code_execute",
		Version:   "1.0.0",
		Category:  "execution",
		Tags:      []string{"code", "execute", "sandbox"},
		Dangerous: true,
	}
}

func (t *codeExecute) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name: "code_execute",
		Description: `Execute a program in an isolated sandbox with memory, CPU and time limits.

Each call starts from a fresh environment; nothing persists between calls
except files you list in "artifacts", which are returned with the result.
The session workspace is mounted read-only at /workspace.

Only allowlisted modules may be imported. Blocked commands and oversized
programs are refused before anything runs.`,
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"language": {
					Type:        "string",
					Description: "Programming language of the program",
					Enum:        []any{"python", "python3", "py", "bash", "sh", "shell", "node", "javascript", "js"},
				},
				"code": {
					Type:        "string",
					Description: "Source code to execute",
				},
				"artifacts": {
					Type:        "array",
					Description: "Relative paths of output files to collect after the run",
				},
			},
			Required: []string{"language", "code"},
		},
	}
}

func (t *codeExecute) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	lang, err := sandbox.ParseLanguage(tools.StringArg(call.Arguments, "language"))
	if err != nil {
		return tools.Failure(call, agenterrors.Denied("%v", err)), nil
	}
	job := sandbox.Job{
		ID:        call.ID,
		Language:  lang,
		Source:    tools.StringArg(call.Arguments, "code"),
		Artifacts: tools.StringSliceArg(call.Arguments, "artifacts"),
	}
	return runJob(ctx, t.runner, t.workspaces, call, job), nil
}

type shellExec struct {
	runner     SandboxRunner
	workspaces *Workspaces
}

// NewShellExec runs a shell command line in the sandbox.
func NewShellExec(runner SandboxRunner, workspaces *Workspaces) tools.ToolExecutor {
	return &shellExec{runner: runner, workspaces: workspaces}
}

func (t *shellExec) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:      "shell_exec",
		Version:   "1.0.0",
		Category:  "execution",
		Tags:      []string{"shell", "command", "sandbox"},
		Dangerous: true,
	}
}

func (t *shellExec) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name: "shell_exec",
		Description: `Run a bash command line in an isolated sandbox.

The command runs in a fresh environment with the same limits as
code_execute. Output is returned as stdout, stderr and exit code.`,
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"command": {
					Type:        "string",
					Description: "Command line to execute",
				},
				"artifacts": {
					Type:        "array",
					Description: "Relative paths of output files to collect after the run",
				},
			},
			Required: []string{"command"},
		},
	}
}

func (t *shellExec) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	job := sandbox.Job{
		ID:        call.ID,
		Language:  sandbox.LanguageBash,
		Source:    tools.StringArg(call.Arguments, "command"),
		Artifacts: tools.StringSliceArg(call.Arguments, "artifacts"),
	}
	return runJob(ctx, t.runner, t.workspaces, call, job), nil
}

func runJob(ctx context.Context, runner SandboxRunner, workspaces *Workspaces, call tools.ToolCall, job sandbox.Job) *tools.ToolResult {
	if workspaces != nil {
		if dir, err := workspaces.Dir(call.SessionID, false); err == nil {
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				job.Workspace = dir
			}
		}
	}
	if deadline, ok := ctx.Deadline(); ok {
		job.Deadline = deadline
	}
	return fromSandboxResult(call, runner.Run(ctx, job))
}

// fromSandboxResult converts a job outcome into a tool result. The sandbox
// error is already tagged, so it passes through unchanged.
func fromSandboxResult(call tools.ToolCall, res sandbox.Result) *tools.ToolResult {
	out := &tools.ToolResult{
		CallID:   call.ID,
		Content:  res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Metadata: map[string]any{
			"job_id":      res.JobID,
			"exit_code":   res.ExitCode,
			"duration_ms": res.Duration.Milliseconds(),
		},
	}
	if res.Err != nil {
		out.Error = res.Err
	}
	for _, a := range res.Artifacts {
		out.Artifacts = append(out.Artifacts, tools.Artifact{
			Path:      a.Path,
			Size:      a.Size,
			Data:      a.Data,
			Truncated: a.Truncated,
		})
	}
	if res.OK() && strings.TrimSpace(res.Stdout) == "" && res.Stderr == "" {
		out.Content = fmt.Sprintf("(no output, exit code %d in %s)", res.ExitCode, res.Duration.Round(time.Millisecond))
	}
	return out
}
