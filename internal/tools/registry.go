package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	agenterrors "agentcore/internal/errors"
)

// Registry holds the tool handlers a dispatcher can route to.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ToolExecutor
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]ToolExecutor)}
}

func (r *Registry) Register(tool ToolExecutor) error {
	if tool == nil {
		return fmt.Errorf("nil tool")
	}
	name := strings.TrimSpace(tool.Metadata().Name)
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	if def := tool.Definition().Name; def != name {
		return fmt.Errorf("tool %s: definition name %q does not match", name, def)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already exists: %s", name)
	}
	r.tools[name] = tool
	return nil
}

// MustRegister registers every tool and panics on the first conflict.
func (r *Registry) MustRegister(tools ...ToolExecutor) {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) (ToolExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tool, ok := r.tools[name]; ok {
		return tool, nil
	}
	return nil, agenterrors.UnknownTool(name)
}

// List returns definitions sorted by name.
func (r *Registry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Metadata returns metadata for every tool, sorted by name.
func (r *Registry) Metadata() []ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	metas := make([]ToolMetadata, 0, len(r.tools))
	for _, tool := range r.tools {
		metas = append(metas, tool.Metadata())
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas
}

func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return fmt.Errorf("tool not found: %s", name)
	}
	delete(r.tools, name)
	return nil
}
