package builtin

import (
	"context"
	"path/filepath"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/plan"
	"agentcore/internal/tools"
)

type planUpdate struct{ workspaces *Workspaces }

// NewPlanUpdate revises the session's todo.md checklist: it replaces the
// steps, marks steps done, or both. Done marks survive a rewrite for every
// step id that is kept.
func NewPlanUpdate(w *Workspaces) tools.ToolExecutor { return &planUpdate{workspaces: w} }

func (t *planUpdate) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:     "plan_update",
		Version:  "1.0.0",
		Category: "reasoning",
		Tags:     []string{"plan", "todo"},
	}
}

func (t *planUpdate) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        "plan_update",
		Description: "Revise the plan in todo.md: replace its steps and/or mark step ids done.",
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"steps":     {Type: "array", Description: "New ordered step descriptions; omit to keep the current steps"},
				"completed": {Type: "array", Description: "Step ids to mark done"},
			},
		},
	}
}

func (t *planUpdate) Execute(_ context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	steps := tools.StringSliceArg(call.Arguments, "steps")
	completed := tools.StringSliceArg(call.Arguments, "completed")
	if len(steps) == 0 && len(completed) == 0 {
		return tools.Failure(call, agenterrors.Runtimef("give steps, completed or both")), nil
	}
	dir, err := t.workspaces.Dir(call.SessionID, true)
	if err != nil {
		return tools.Failure(call, agenterrors.Runtime(err, false)), nil
	}
	path := filepath.Join(dir, plan.TodoFile)

	var current plan.Plan
	if len(steps) > 0 {
		if current, _, err = plan.Sync(path, plan.FromSteps("", steps)); err != nil {
			return tools.Failure(call, agenterrors.Runtime(err, false)), nil
		}
	}
	if len(completed) > 0 {
		if current, _, err = plan.Complete(path, completed); err != nil {
			return tools.Failure(call, agenterrors.Runtime(err, false)), nil
		}
	}
	return &tools.ToolResult{
		CallID:   call.ID,
		Content:  current.Markdown(),
		Metadata: map[string]any{"file": plan.TodoFile, "remaining": current.Remaining(), "steps": len(current.Steps)},
	}, nil
}
