package builtin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/tools"
)

func fileCall(session string, args map[string]any) tools.ToolCall {
	return tools.ToolCall{ID: "call", SessionID: session, Arguments: args}
}

func TestFileWriteReadReplaceFind(t *testing.T) {
	w := NewWorkspaces(t.TempDir())
	ctx := context.Background()

	res, _ := NewFileWrite(w).Execute(ctx, fileCall("s1", map[string]any{
		"file":    "notes/todo.txt",
		"content": "alpha\nbeta\n",
	}))
	if !res.OK() {
		t.Fatalf("write: %v", res.Error)
	}
	res, _ = NewFileWrite(w).Execute(ctx, fileCall("s1", map[string]any{
		"file":    "notes/todo.txt",
		"content": "gamma beta\n",
		"append":  true,
	}))
	if !res.OK() || !strings.HasPrefix(res.Content, "Appended") {
		t.Fatalf("append: %+v", res)
	}

	res, _ = NewFileRead(w).Execute(ctx, fileCall("s1", map[string]any{"file": "notes/todo.txt"}))
	if res.Content != "alpha\nbeta\ngamma beta\n" {
		t.Fatalf("read content = %q", res.Content)
	}

	res, _ = NewFileReplace(w).Execute(ctx, fileCall("s1", map[string]any{
		"file":    "notes/todo.txt",
		"old_str": "beta",
		"new_str": "BETA",
	}))
	if !res.OK() || res.Metadata["replacements"] != 2 {
		t.Fatalf("replace: %+v", res)
	}

	res, _ = NewFileFind(w).Execute(ctx, fileCall("s1", map[string]any{"file": "notes/todo.txt", "regex": "^gamma"}))
	if res.Content != "3: gamma BETA" {
		t.Fatalf("find content = %q", res.Content)
	}
	res, _ = NewFileFind(w).Execute(ctx, fileCall("s1", map[string]any{"file": "notes/todo.txt", "regex": "zeta"}))
	if res.Content != "No matches" {
		t.Fatalf("find content = %q", res.Content)
	}
}

func TestFileToolsAreSessionScoped(t *testing.T) {
	w := NewWorkspaces(t.TempDir())
	ctx := context.Background()

	res, _ := NewFileWrite(w).Execute(ctx, fileCall("alice", map[string]any{"file": "secret.txt", "content": "x"}))
	if !res.OK() {
		t.Fatalf("write: %v", res.Error)
	}
	res, _ = NewFileRead(w).Execute(ctx, fileCall("bob", map[string]any{"file": "secret.txt"}))
	if res.OK() || !strings.Contains(res.Error.Error(), "does not exist") {
		t.Fatalf("bob should not see alice's file: %+v", res)
	}
	res, _ = NewFileRead(w).Execute(ctx, fileCall("bob", map[string]any{"file": "../alice/secret.txt"}))
	if res.Status() != string(agenterrors.KindDenied) {
		t.Fatalf("traversal status = %s, want denied", res.Status())
	}
}

func TestFilePathEscapes(t *testing.T) {
	root := t.TempDir()
	w := NewWorkspaces(root)
	base, err := w.Dir("s1", true)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "passwd"), []byte("root"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(base, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	for _, file := range []string{"/etc/passwd", "../../passwd", "link/passwd"} {
		res, _ := NewFileRead(w).Execute(context.Background(), fileCall("s1", map[string]any{"file": file}))
		if res.Status() != string(agenterrors.KindDenied) {
			t.Fatalf("%s: status = %s, want denied", file, res.Status())
		}
	}
}

func TestFileReplaceMissingString(t *testing.T) {
	w := NewWorkspaces(t.TempDir())
	ctx := context.Background()
	NewFileWrite(w).Execute(ctx, fileCall("s1", map[string]any{"file": "a.txt", "content": "hello"}))

	res, _ := NewFileReplace(w).Execute(ctx, fileCall("s1", map[string]any{"file": "a.txt", "old_str": "bye"}))
	if res.Status() != string(agenterrors.KindRuntime) {
		t.Fatalf("status = %s, want runtime_error", res.Status())
	}
}

func TestFileWriteTooLarge(t *testing.T) {
	w := NewWorkspaces(t.TempDir())
	big := strings.Repeat("x", maxWriteBytes+1)
	res, _ := NewFileWrite(w).Execute(context.Background(), fileCall("s1", map[string]any{"file": "big", "content": big}))
	if res.Status() != string(agenterrors.KindResourceExceeded) {
		t.Fatalf("status = %s, want resource_exceeded", res.Status())
	}
}

func TestWorkspaceDirSanitizesSessionID(t *testing.T) {
	root := t.TempDir()
	w := NewWorkspaces(root)
	dir, err := w.Dir("../../etc", false)
	if err != nil {
		t.Fatalf("dir: %v", err)
	}
	if filepath.Dir(dir) != root {
		t.Fatalf("workspace %s escaped root %s", dir, root)
	}
}
