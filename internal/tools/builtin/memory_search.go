package builtin

import (
	"context"
	"fmt"
	"strings"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/tools"
)

type memorySearch struct {
	memory MemorySearcher
	limit  int
}

// NewMemorySearch recalls earlier turns of the calling session by meaning.
func NewMemorySearch(memory MemorySearcher, limit int) tools.ToolExecutor {
	if limit <= 0 {
		limit = 3
	}
	return &memorySearch{memory: memory, limit: limit}
}

func (t *memorySearch) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:     "memory_search",
		Version:  "1.0.0",
		Category: "memory",
		Tags:     []string{"memory", "recall", "vector"},
	}
}

func (t *memorySearch) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        "memory_search",
		Description: fmt.Sprintf("Search this session's long-term memory for earlier observations similar to a query. Returns at most %d records.", t.limit),
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"query": {Type: "string", Description: "What to look for"},
				"k":     {Type: "integer", Description: "Number of records to return"},
			},
			Required: []string{"query"},
		},
	}
}

func (t *memorySearch) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	query := tools.StringArg(call.Arguments, "query")
	k := t.limit
	if n, ok := tools.IntArg(call.Arguments, "k"); ok && n > 0 {
		k = n
	}
	matches, err := t.memory.Search(ctx, call.SessionID, query, k)
	if err != nil {
		return tools.Failure(call, agenterrors.Runtime(fmt.Errorf("memory search: %w", err), agenterrors.IsTransient(err))), nil
	}
	if len(matches) == 0 {
		return &tools.ToolResult{CallID: call.ID, Content: "No matching memories.", Metadata: map[string]any{"results": 0}}, nil
	}

	var b strings.Builder
	ids := make([]string, 0, len(matches))
	for i, m := range matches {
		fmt.Fprintf(&b, "%d. [%.3f] %s\n", i+1, m.Similarity, m.Text)
		ids = append(ids, m.ID)
	}
	return &tools.ToolResult{
		CallID:   call.ID,
		Content:  strings.TrimSpace(b.String()),
		Metadata: map[string]any{"results": len(matches), "ids": ids},
	}, nil
}
