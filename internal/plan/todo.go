package plan

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Read loads the checklist at path. A missing file is an empty plan.
func Read(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Plan{}, nil
	}
	if err != nil {
		return Plan{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return ParseTodo(string(data)), nil
}

// Sync writes p to the checklist at path, keeping the done marks of steps
// whose id was already completed there. The file is rewritten only when its
// content changes; changed reports whether it was.
func Sync(path string, p Plan) (Plan, bool, error) {
	current, err := Read(path)
	if err != nil {
		return Plan{}, false, err
	}
	done := make(map[string]bool, len(current.Steps))
	for _, s := range current.Steps {
		if s.Done {
			done[s.ID] = true
		}
	}
	merged := Plan{Goal: p.Goal, Steps: make([]Step, len(p.Steps))}
	if merged.Goal == "" {
		merged.Goal = current.Goal
	}
	for i, s := range p.Steps {
		s.Done = s.Done || done[s.ID]
		merged.Steps[i] = s
	}
	changed, err := write(path, merged)
	return merged, changed, err
}

// Complete marks the given step ids done. Unknown ids are an error.
func Complete(path string, ids []string) (Plan, bool, error) {
	current, err := Read(path)
	if err != nil {
		return Plan{}, false, err
	}
	index := make(map[string]int, len(current.Steps))
	for i, s := range current.Steps {
		index[s.ID] = i
	}
	for _, id := range ids {
		i, ok := index[strings.TrimSuffix(strings.TrimSpace(id), ".")]
		if !ok {
			return current, false, fmt.Errorf("plan has no step %q", id)
		}
		current.Steps[i].Done = true
	}
	changed, err := write(path, current)
	return current, changed, err
}

func write(path string, p Plan) (bool, error) {
	content := p.Markdown()
	if old, err := os.ReadFile(path); err == nil && bytes.Equal(old, []byte(content)) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create workspace: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
