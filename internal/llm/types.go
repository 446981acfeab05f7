// Package llm is the model provider port used by the loop controller, with a
// gollm-backed adapter for real providers and scripted providers for tests
// and offline runs.
package llm

import "context"

// Provider represents any model provider.
type Provider interface {
	// Complete sends the conversation and returns the model's reply.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Model returns the model identifier.
	Model() string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request contains all parameters for a completion.
type Request struct {
	Messages    []Message      `json:"messages"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Response is the model's reply.
type Response struct {
	Content    string     `json:"content"`
	Model      string     `json:"model"`
	StopReason string     `json:"stop_reason"`
	Usage      TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// System returns the concatenated system messages.
func (r Request) System() string {
	var out string
	for _, m := range r.Messages {
		if m.Role != RoleSystem || m.Content == "" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += m.Content
	}
	return out
}
