package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"agentcore/internal/memory"
	"agentcore/internal/tokenutil"
)

const (
	summaryOutputLimit  = 600
	summaryMaxTokens    = 512
	summarySystemPrompt = `You condense an agent's working log. Keep facts the agent will need later:
files written, URLs visited, results computed, errors hit and what was tried.
Reply with plain bullet points only, no preamble.`
)

// Summarizer condenses transcript turns with the model. It implements
// memory.Summarizer.
type Summarizer struct {
	provider Provider
	counter  tokenutil.Counter
}

var _ memory.Summarizer = (*Summarizer)(nil)

func NewSummarizer(provider Provider) *Summarizer {
	return &Summarizer{provider: provider, counter: tokenutil.Default()}
}

func (s *Summarizer) Summarize(ctx context.Context, previous string, turns []memory.Turn) (string, error) {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Summary so far:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("New steps:\n")
	for _, turn := range turns {
		args, _ := json.Marshal(turn.Arguments)
		fmt.Fprintf(&b, "[%d] %s %s -> %s\n", turn.Iteration, turn.Tool, args, turn.Status)
		detail := turn.Output
		if turn.Error != "" {
			detail = turn.Error
		}
		if detail = strings.TrimSpace(detail); detail != "" {
			b.WriteString(tokenutil.Truncate(s.counter, detail, summaryOutputLimit))
			b.WriteString("\n")
		}
	}

	resp, err := s.provider.Complete(ctx, Request{
		Messages: []Message{
			{Role: RoleSystem, Content: summarySystemPrompt},
			{Role: RoleUser, Content: b.String()},
		},
		Temperature: 0.2,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("summarize: model returned an empty summary")
	}
	return summary, nil
}
