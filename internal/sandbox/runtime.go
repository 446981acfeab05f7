package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"agentcore/internal/policy"
)

// EnvSpec describes the isolated environment for one job.
type EnvSpec struct {
	JobID     string
	Image     string
	Limits    Limits
	Workspace string
}

// Handle identifies a created environment. Dir is the host-side job
// directory; it is writable by the job and holds its artifacts.
type Handle struct {
	ID  string
	Dir string

	state any
}

// Payload is the program executed inside an environment.
type Payload struct {
	Language Language
	Source   string
	Env      map[string]string
}

// Output is what a runtime observed while executing a payload.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// OOMKilled is set when the runtime attributes the exit to its
	// memory or CPU cap.
	OOMKilled bool
}

// Runtime creates, runs and tears down isolated environments. Execute must
// return promptly once ctx is done, even if the program is still running;
// the caller then calls Stop and Destroy.
type Runtime interface {
	Name() string
	Create(ctx context.Context, spec EnvSpec) (*Handle, error)
	Execute(ctx context.Context, h *Handle, payload Payload) (*Output, error)
	// Stop asks the program to exit, waiting at most grace.
	Stop(ctx context.Context, h *Handle, grace time.Duration) error
	// Destroy forcibly removes the environment and everything in it.
	Destroy(ctx context.Context, h *Handle) error
}

// NewRuntime returns the runtime the policy selects.
func NewRuntime(p *policy.Policy) (Runtime, error) {
	switch p.SandboxRuntime() {
	case policy.RuntimeDocker:
		return NewDockerRuntime(), nil
	case policy.RuntimeLocal:
		return NewLocalRuntime(), nil
	default:
		return nil, fmt.Errorf("unknown sandbox runtime %q", p.SandboxRuntime())
	}
}

// makeJobDir creates a private job directory. When shared is set the job
// writes into a world-writable work subdirectory for container users that do
// not share the host uid; the private parent keeps other host users out.
func makeJobDir(jobID string, shared bool) (string, error) {
	root, err := os.MkdirTemp("", "agentcore-job-"+shortID(jobID)+"-")
	if err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	if err := os.Chmod(root, 0o700); err != nil {
		os.RemoveAll(root)
		return "", fmt.Errorf("chmod job dir: %w", err)
	}
	if !shared {
		return root, nil
	}
	work := filepath.Join(root, "work")
	if err := os.Mkdir(work, 0o700); err != nil {
		os.RemoveAll(root)
		return "", fmt.Errorf("create work dir: %w", err)
	}
	if err := os.Chmod(work, 0o777); err != nil {
		os.RemoveAll(root)
		return "", fmt.Errorf("chmod work dir: %w", err)
	}
	return work, nil
}

func writeSource(dir string, lang Language, source string) (string, error) {
	name := lang.fileName()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(source), 0o644); err != nil {
		return "", fmt.Errorf("write source: %w", err)
	}
	return name, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
