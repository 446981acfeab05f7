package builtin

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"agentcore/internal/memory"
	"agentcore/internal/policy"
	"agentcore/internal/sandbox"
	"agentcore/internal/tools"
)

// SandboxRunner executes untrusted jobs. *sandbox.Executor implements it.
type SandboxRunner interface {
	Run(ctx context.Context, job sandbox.Job) sandbox.Result
}

// MemorySearcher recalls records from a session's vector index.
// *memory.Store implements it.
type MemorySearcher interface {
	Search(ctx context.Context, collection, query string, k int) ([]memory.Match, error)
}

// Notifier delivers a message to the user watching a session.
type Notifier interface {
	Notify(ctx context.Context, sessionID, message string, attachments []string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, sessionID, message string, attachments []string) error

func (f NotifierFunc) Notify(ctx context.Context, sessionID, message string, attachments []string) error {
	return f(ctx, sessionID, message, attachments)
}

// Question is what message_ask_user puts to the user.
type Question struct {
	Message     string
	Attachments []string
	// Takeover suggests the user take over an interface ("none" or
	// "browser").
	Takeover string
}

// Asker puts a question to the user watching a session and waits for the
// answer.
type Asker interface {
	Ask(ctx context.Context, sessionID string, q Question) (string, error)
}

// AskerFunc adapts a function to Asker.
type AskerFunc func(ctx context.Context, sessionID string, q Question) (string, error)

func (f AskerFunc) Ask(ctx context.Context, sessionID string, q Question) (string, error) {
	return f(ctx, sessionID, q)
}

// Config carries the collaborators built-in tools need. Tools whose
// collaborator is missing are not registered.
type Config struct {
	Policy     *policy.Policy
	Sandbox    SandboxRunner
	Memory     MemorySearcher
	Notifier   Notifier
	Asker      Asker
	Exposer    Exposer
	HTTPClient *http.Client
}

// Register adds every built-in tool the config can support.
func Register(registry *tools.Registry, cfg Config) error {
	if cfg.Policy == nil {
		return fmt.Errorf("builtin tools require a policy")
	}
	workspaces := NewWorkspaces(cfg.Policy.WorkspaceRoot())

	list := []tools.ToolExecutor{
		NewWebFetch(cfg.Policy, cfg.HTTPClient),
		NewWebSearch(cfg.Policy, cfg.HTTPClient),
		NewFileRead(workspaces),
		NewFileWrite(workspaces),
		NewFileReplace(workspaces),
		NewFileFind(workspaces),
		NewMessageNotifyUser(cfg.Notifier),
		NewPlanUpdate(workspaces),
		NewIdle(),
	}
	if cfg.Asker != nil {
		list = append(list, NewMessageAskUser(cfg.Asker))
	}
	if cfg.Sandbox != nil {
		list = append(list,
			NewCodeExecute(cfg.Sandbox, workspaces),
			NewShellExec(cfg.Sandbox, workspaces),
		)
	}
	if cfg.Memory != nil {
		list = append(list, NewMemorySearch(cfg.Memory, cfg.Policy.ResultsLimit()))
	}
	if cfg.Policy.DeployEnabled() {
		exposer := cfg.Exposer
		if exposer == nil {
			exposer = LocalExposer{Host: cfg.Policy.ExposeHost()}
		}
		list = append(list, NewDeployExposePort(exposer))
	}

	for _, tool := range list {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

var unsafeSessionChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Workspaces maps sessions to their private directories under a root.
type Workspaces struct {
	root string
}

func NewWorkspaces(root string) *Workspaces {
	if root == "" {
		root = "workspace"
	}
	return &Workspaces{root: root}
}

// Dir returns the session's workspace, creating it when create is set.
func (w *Workspaces) Dir(sessionID string, create bool) (string, error) {
	name := unsafeSessionChars.ReplaceAllString(sessionID, "_")
	if name == "" || name == "." || name == ".." {
		name = "default"
	}
	dir, err := filepath.Abs(filepath.Join(w.root, name))
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	if create {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create workspace: %w", err)
		}
	}
	return dir, nil
}
