package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"agentcore/internal/llm"
	"agentcore/internal/memory"
	"agentcore/internal/tokenutil"
	"agentcore/internal/tools"
)

const (
	observationTokenLimit = 1500
	recallTokenLimit      = 300
	malformedCorrection   = `Your last reply could not be parsed as an action. Reply with exactly one JSON object: {"name": "<tool>", "parameters": {...}}.`
)

const systemPromptHeader = `You are an autonomous agent. Work toward the user's goal one step at a time.
Each reply must be exactly one JSON object naming the next tool to call:

{"name": "<tool name>", "parameters": {<arguments>}, "thought": "<optional short reasoning>"}

Call "idle" with {"result": "<final answer>"} when the goal is achieved.
Code and shell commands run in an isolated sandbox; files you write live in
your session workspace. Failed steps come back as observations; adjust and
continue.

Available tools:`

// contextInput is everything the model sees for one step.
type contextInput struct {
	goal       string
	tools      []tools.ToolDefinition
	view       memory.View
	recalls    []memory.Match
	todo       string
	correction bool
}

func buildRequest(in contextInput, temperature float64, maxTokens int) llm.Request {
	counter := tokenutil.Default()
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt(in.tools)},
		{Role: llm.RoleUser, Content: in.goal},
	}
	if in.todo != "" {
		messages = append(messages, llm.Message{
			Role:    llm.RoleUser,
			Content: "Current plan (todo.md). Mark steps done or revise it with plan_update:\n" + in.todo,
		})
	}

	if in.view.Summary != "" {
		messages = append(messages, llm.Message{
			Role:    llm.RoleUser,
			Content: "Summary of earlier steps:\n" + in.view.Summary,
		})
	}
	if len(in.recalls) > 0 {
		var b strings.Builder
		b.WriteString("Possibly relevant memories from earlier in this session:\n")
		for _, m := range in.recalls {
			fmt.Fprintf(&b, "- %s\n", tokenutil.Truncate(counter, m.Text, recallTokenLimit))
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: strings.TrimSpace(b.String())})
	}

	for _, turn := range in.view.Turns {
		action, _ := json.Marshal(Action{Name: turn.Tool, Parameters: turn.Arguments})
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: string(action)},
			llm.Message{Role: llm.RoleUser, Content: observation(counter, turn)},
		)
	}

	if in.correction {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: malformedCorrection})
	}
	return llm.Request{Messages: messages, Temperature: temperature, MaxTokens: maxTokens}
}

func observation(counter tokenutil.Counter, turn memory.Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Observation (%s):\n", turn.Status)
	body := turn.Output
	if turn.Error != "" {
		if body != "" {
			body = turn.Error + "\n" + body
		} else {
			body = turn.Error
		}
	}
	if strings.TrimSpace(body) == "" {
		body = "(empty)"
	}
	b.WriteString(tokenutil.Truncate(counter, body, observationTokenLimit))
	for _, a := range turn.Artifacts {
		b.WriteString("\nartifact: ")
		b.WriteString(a)
	}
	return b.String()
}

func systemPrompt(defs []tools.ToolDefinition) string {
	var b strings.Builder
	b.WriteString(systemPromptHeader)
	for _, def := range defs {
		summary, _, _ := strings.Cut(strings.TrimSpace(def.Description), "\n")
		fmt.Fprintf(&b, "\n- %s: %s", def.Name, summary)
		if params := describeParameters(def.Parameters); params != "" {
			b.WriteString("\n  parameters: ")
			b.WriteString(params)
		}
	}
	return b.String()
}

func describeParameters(schema tools.ParameterSchema) string {
	if len(schema.Properties) == 0 {
		return ""
	}
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		prop := schema.Properties[name]
		part := fmt.Sprintf("%s (%s", name, prop.Type)
		if required[name] {
			part += ", required"
		}
		part += ")"
		if len(prop.Enum) > 0 {
			part += fmt.Sprintf(" one of %v", prop.Enum)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "; ")
}
