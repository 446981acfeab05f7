package builtin

import (
	"context"
	"fmt"
	"strings"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/logging"
	"agentcore/internal/tools"
)

// IdleToolName is the completion action. The loop controller ends the
// session when the model selects it.
const IdleToolName = "idle"

type messageNotifyUser struct {
	notifier Notifier
	logger   logging.Logger
}

// NewMessageNotifyUser sends progress messages to the user. Without a
// notifier messages are only logged.
func NewMessageNotifyUser(notifier Notifier) tools.ToolExecutor {
	return &messageNotifyUser{notifier: notifier, logger: logging.NewComponentLogger("Notify")}
}

func (t *messageNotifyUser) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:     "message_notify_user",
		Version:  "1.0.0",
		Category: "message",
		Tags:     []string{"message", "notify"},
	}
}

func (t *messageNotifyUser) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        "message_notify_user",
		Description: "Send a message to the user without waiting for a reply.",
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"message":     {Type: "string", Description: "Message text"},
				"attachments": {Type: "array", Description: "Optional workspace paths or URLs to attach"},
			},
			Required: []string{"message"},
		},
	}
}

func (t *messageNotifyUser) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	message := strings.TrimSpace(tools.StringArg(call.Arguments, "message"))
	attachments := tools.StringSliceArg(call.Arguments, "attachments")
	if t.notifier == nil {
		logging.ForSession(t.logger, call.SessionID).Info("notify: %s", message)
	} else if err := t.notifier.Notify(ctx, call.SessionID, message, attachments); err != nil {
		return tools.Failure(call, agenterrors.Runtime(fmt.Errorf("notify user: %w", err), agenterrors.IsTransient(err))), nil
	}
	return &tools.ToolResult{
		CallID:   call.ID,
		Content:  "Message sent",
		Metadata: map[string]any{"message": message, "attachments": attachments},
	}, nil
}

type messageAskUser struct {
	asker Asker
}

// NewMessageAskUser asks the user a question and returns the reply as the
// observation. The call waits until the user answers or the session ends.
func NewMessageAskUser(asker Asker) tools.ToolExecutor {
	return &messageAskUser{asker: asker}
}

func (t *messageAskUser) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:        "message_ask_user",
		Version:     "1.0.0",
		Category:    "message",
		Tags:        []string{"message", "ask"},
		Interactive: true,
	}
}

func (t *messageAskUser) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        "message_ask_user",
		Description: "Ask the user a question and wait for the reply.",
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"message":               {Type: "string", Description: "Question for the user"},
				"attachments":           {Type: "array", Description: "Optional workspace paths or URLs to attach"},
				"suggest_user_takeover": {Type: "string", Description: "Suggest the user take over an interface", Enum: []any{"none", "browser"}},
			},
			Required: []string{"message"},
		},
	}
}

func (t *messageAskUser) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	q := Question{
		Message:     strings.TrimSpace(tools.StringArg(call.Arguments, "message")),
		Attachments: tools.StringSliceArg(call.Arguments, "attachments"),
		Takeover:    strings.TrimSpace(tools.StringArg(call.Arguments, "suggest_user_takeover")),
	}
	if q.Message == "" {
		return tools.Failure(call, agenterrors.Runtimef("message is required")), nil
	}
	switch q.Takeover {
	case "":
		q.Takeover = "none"
	case "none", "browser":
	default:
		return tools.Failure(call, agenterrors.Runtimef("suggest_user_takeover must be none or browser, got %q", q.Takeover)), nil
	}

	answer, err := t.asker.Ask(ctx, call.SessionID, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return tools.Failure(call, agenterrors.Runtime(fmt.Errorf("ask user: %w", err), false)), nil
	}
	return &tools.ToolResult{
		CallID:   call.ID,
		Content:  "User replied: " + answer,
		Metadata: map[string]any{"question": q.Message, "answer": answer},
	}, nil
}

type idle struct{}

// NewIdle builds the completion tool.
func NewIdle() tools.ToolExecutor { return idle{} }

func (idle) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:     IdleToolName,
		Version:  "1.0.0",
		Category: "reasoning",
		Tags:     []string{"complete", "handoff"},
	}
}

func (idle) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        IdleToolName,
		Description: "Call when the task is complete. Put the final answer for the user in result.",
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"result": {Type: "string", Description: "Final answer or summary of what was done"},
			},
		},
	}
}

func (idle) Execute(_ context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	result := strings.TrimSpace(tools.StringArg(call.Arguments, "result"))
	if result == "" {
		result = "Task complete"
	}
	return &tools.ToolResult{
		CallID:   call.ID,
		Content:  result,
		Metadata: map[string]any{"final": true},
	}, nil
}
