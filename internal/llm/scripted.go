package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Step is one scripted reply: either content or an error.
type Step struct {
	Content string
	Err     error
}

// ScriptedProvider replays a fixed sequence of replies. Once the script is
// exhausted the last step repeats. It records every request it receives.
type ScriptedProvider struct {
	mu       sync.Mutex
	steps    []Step
	next     int
	requests []Request
}

var _ Provider = (*ScriptedProvider)(nil)

// NewScriptedProvider replays steps in order.
func NewScriptedProvider(steps ...Step) *ScriptedProvider {
	return &ScriptedProvider{steps: steps}
}

// Reply is a shorthand for a successful step.
func Reply(content string) Step { return Step{Content: content} }

// Action is a shorthand for a step that requests a tool call.
func Action(name string, params map[string]any) Step {
	if params == nil {
		params = map[string]any{}
	}
	data, _ := json.Marshal(map[string]any{"name": name, "parameters": params})
	return Step{Content: string(data)}
}

func (s *ScriptedProvider) Model() string { return "scripted" }

func (s *ScriptedProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		return nil, fmt.Errorf("scripted provider has no steps")
	}
	idx := s.next
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	} else {
		s.next++
	}
	step := s.steps[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	return &Response{Content: step.Content, Model: "scripted", StopReason: "stop"}, nil
}

// Requests returns a copy of every request received so far.
func (s *ScriptedProvider) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// MockProvider is the offline "mock" provider. It answers every goal by
// completing immediately, echoing the goal back as the result.
type MockProvider struct{}

var _ Provider = MockProvider{}

func (MockProvider) Model() string { return "mock" }

func (MockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	goal := ""
	for _, m := range req.Messages {
		if m.Role == RoleUser {
			goal = strings.TrimSpace(m.Content)
			break
		}
	}
	if i := strings.IndexByte(goal, '\n'); i >= 0 {
		goal = goal[:i]
	}
	data, _ := json.Marshal(map[string]any{
		"name":       "idle",
		"parameters": map[string]any{"result": "mock provider received: " + goal},
	})
	return &Response{Content: string(data), Model: "mock", StopReason: "stop"}, nil
}
