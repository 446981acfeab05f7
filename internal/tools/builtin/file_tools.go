package builtin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/tools"
)

const (
	maxReadBytes  = 256 * 1024
	maxWriteBytes = 4 * 1024 * 1024
	maxFindHits   = 200
)

func fileParam(desc string) tools.Property {
	return tools.Property{Type: "string", Description: desc}
}

// sessionPath resolves the call's file argument inside its workspace.
func sessionPath(w *Workspaces, call tools.ToolCall, create bool) (string, string, error) {
	base, err := w.Dir(call.SessionID, create)
	if err != nil {
		return "", "", agenterrors.Runtime(err, false)
	}
	path, err := resolveWorkspacePath(base, tools.StringArg(call.Arguments, "file"))
	if err != nil {
		return "", "", err
	}
	return base, path, nil
}

func fileError(op, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return agenterrors.Runtimef("%s %s: file does not exist", op, path)
	}
	return agenterrors.Runtime(fmt.Errorf("%s %s: %w", op, path, err), false)
}

type fileRead struct{ workspaces *Workspaces }

func NewFileRead(w *Workspaces) tools.ToolExecutor { return &fileRead{workspaces: w} }

func (t *fileRead) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:     "file_read",
		Version:  "1.0.0",
		Category: "file_operations",
		Tags:     []string{"file", "read"},
	}
}

func (t *fileRead) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        "file_read",
		Description: "Read a text file from the session workspace.",
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"file": fileParam("Path relative to the session workspace"),
			},
			Required: []string{"file"},
		},
	}
}

func (t *fileRead) Execute(_ context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	base, path, err := sessionPath(t.workspaces, call, false)
	if err != nil {
		return tools.Failure(call, err), nil
	}
	rel := displayPath(base, path)
	f, err := os.Open(path)
	if err != nil {
		return tools.Failure(call, fileError("read", rel, err)), nil
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes+1))
	if err != nil {
		return tools.Failure(call, fileError("read", rel, err)), nil
	}
	truncated := len(data) > maxReadBytes
	if truncated {
		data = data[:maxReadBytes]
	}
	content := string(data)
	if truncated {
		content += "\n[file truncated]"
	}
	return &tools.ToolResult{
		CallID:   call.ID,
		Content:  content,
		Metadata: map[string]any{"path": rel, "bytes": len(data), "truncated": truncated},
	}, nil
}

type fileWrite struct{ workspaces *Workspaces }

func NewFileWrite(w *Workspaces) tools.ToolExecutor { return &fileWrite{workspaces: w} }

func (t *fileWrite) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:      "file_write",
		Version:   "1.0.0",
		Category:  "file_operations",
		Tags:      []string{"file", "write"},
		Dangerous: true,
	}
}

func (t *fileWrite) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        "file_write",
		Description: "Write or append text to a file in the session workspace. Parent directories are created.",
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"file":    fileParam("Path relative to the session workspace"),
				"content": {Type: "string", Description: "Text to write"},
				"append":  {Type: "boolean", Description: "Append instead of overwriting"},
			},
			Required: []string{"file", "content"},
		},
	}
}

func (t *fileWrite) Execute(_ context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	content, _ := call.Arguments["content"].(string)
	if len(content) > maxWriteBytes {
		return tools.Failure(call, agenterrors.ResourceExceeded("content is %d bytes, limit is %d", len(content), maxWriteBytes)), nil
	}
	appendMode, _ := call.Arguments["append"].(bool)

	base, path, err := sessionPath(t.workspaces, call, true)
	if err != nil {
		return tools.Failure(call, err), nil
	}
	rel := displayPath(base, path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tools.Failure(call, fileError("write", rel, err)), nil
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	action := "Wrote"
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		action = "Appended"
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return tools.Failure(call, fileError("write", rel, err)), nil
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return tools.Failure(call, fileError("write", rel, err)), nil
	}
	if err := f.Close(); err != nil {
		return tools.Failure(call, fileError("write", rel, err)), nil
	}
	return &tools.ToolResult{
		CallID:   call.ID,
		Content:  fmt.Sprintf("%s %d bytes to %s", action, len(content), rel),
		Metadata: map[string]any{"path": rel, "bytes": len(content), "append": appendMode},
	}, nil
}

type fileReplace struct{ workspaces *Workspaces }

func NewFileReplace(w *Workspaces) tools.ToolExecutor { return &fileReplace{workspaces: w} }

func (t *fileReplace) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:      "file_str_replace",
		Version:   "1.0.0",
		Category:  "file_operations",
		Tags:      []string{"file", "edit"},
		Dangerous: true,
	}
}

func (t *fileReplace) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        "file_str_replace",
		Description: "Replace every occurrence of a string in a workspace file.",
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"file":    fileParam("Path relative to the session workspace"),
				"old_str": {Type: "string", Description: "Text to replace"},
				"new_str": {Type: "string", Description: "Replacement text"},
			},
			Required: []string{"file", "old_str"},
		},
	}
}

func (t *fileReplace) Execute(_ context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	oldStr := tools.StringArg(call.Arguments, "old_str")
	newStr := tools.StringArg(call.Arguments, "new_str")

	base, path, err := sessionPath(t.workspaces, call, false)
	if err != nil {
		return tools.Failure(call, err), nil
	}
	rel := displayPath(base, path)
	info, err := os.Stat(path)
	if err != nil {
		return tools.Failure(call, fileError("edit", rel, err)), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return tools.Failure(call, fileError("edit", rel, err)), nil
	}
	count := strings.Count(string(data), oldStr)
	if count == 0 {
		return tools.Failure(call, agenterrors.Runtimef("%q not found in %s", oldStr, rel)), nil
	}
	replaced := strings.ReplaceAll(string(data), oldStr, newStr)
	if err := os.WriteFile(path, []byte(replaced), info.Mode().Perm()); err != nil {
		return tools.Failure(call, fileError("edit", rel, err)), nil
	}
	return &tools.ToolResult{
		CallID:   call.ID,
		Content:  fmt.Sprintf("Replaced %d occurrence(s) in %s", count, rel),
		Metadata: map[string]any{"path": rel, "replacements": count},
	}, nil
}

type fileFind struct{ workspaces *Workspaces }

func NewFileFind(w *Workspaces) tools.ToolExecutor { return &fileFind{workspaces: w} }

func (t *fileFind) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:     "file_find_in_content",
		Version:  "1.0.0",
		Category: "file_operations",
		Tags:     []string{"file", "search", "regex"},
	}
}

func (t *fileFind) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        "file_find_in_content",
		Description: "Search a workspace file line by line with a regular expression.",
		Parameters: tools.ParameterSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"file":  fileParam("Path relative to the session workspace"),
				"regex": {Type: "string", Description: "Go regular expression"},
			},
			Required: []string{"file", "regex"},
		},
	}
}

func (t *fileFind) Execute(_ context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	pattern, err := regexp.Compile(tools.StringArg(call.Arguments, "regex"))
	if err != nil {
		return tools.Failure(call, agenterrors.Runtimef("invalid regex: %v", err)), nil
	}
	base, path, err := sessionPath(t.workspaces, call, false)
	if err != nil {
		return tools.Failure(call, err), nil
	}
	rel := displayPath(base, path)
	f, err := os.Open(path)
	if err != nil {
		return tools.Failure(call, fileError("search", rel, err)), nil
	}
	defer f.Close()

	var matches []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if pattern.MatchString(scanner.Text()) {
			matches = append(matches, fmt.Sprintf("%d: %s", line, strings.TrimSpace(scanner.Text())))
			if len(matches) >= maxFindHits {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return tools.Failure(call, fileError("search", rel, err)), nil
	}
	content := "No matches"
	if len(matches) > 0 {
		content = strings.Join(matches, "\n")
	}
	return &tools.ToolResult{
		CallID:   call.ID,
		Content:  content,
		Metadata: map[string]any{"path": rel, "matches": len(matches)},
	}, nil
}
