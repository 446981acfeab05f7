package llm

import (
	"context"
	"fmt"
	"strings"
)

const (
	planMaxTokens    = 1500
	planSystemPrompt = `You are the planning step of an autonomous agent. Break the task into
concrete, executable steps. Reply with one JSON object:

{"goal": "<overall goal>", "steps": [{"id": "1", "description": "<what to do>"}]}`
)

// Planner asks the model for a step plan before the agent starts acting.
type Planner struct {
	provider Provider
}

func NewPlanner(provider Provider) *Planner {
	return &Planner{provider: provider}
}

// Plan returns the model's raw plan text for goal.
func (p *Planner) Plan(ctx context.Context, goal string) (string, error) {
	resp, err := p.provider.Complete(ctx, Request{
		Messages: []Message{
			{Role: RoleSystem, Content: planSystemPrompt},
			{Role: RoleUser, Content: "Task: " + goal},
		},
		Temperature: 0.2,
		MaxTokens:   planMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("plan: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("plan: model returned an empty plan")
	}
	return text, nil
}
