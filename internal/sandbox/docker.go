package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	agenterrors "agentcore/internal/errors"
)

const (
	containerJobDir       = "/sandbox"
	containerWorkspaceDir = "/workspace"
)

// DockerRuntime runs each job in a fresh container through the docker CLI.
// Container networking is all or nothing: a blocked domain covers every
// subdomain, which neither /etc/hosts nor docker's network modes can express,
// so jobs that need networking alongside a domain blocklist are refused.
type DockerRuntime struct {
	dockerBin string
	user      string
	pidsLimit int
}

// NewDockerRuntime creates a CLI-based docker runtime.
func NewDockerRuntime() *DockerRuntime {
	bin := "docker"
	if p, err := exec.LookPath("docker"); err == nil {
		bin = p
	}
	return &DockerRuntime{dockerBin: bin, user: "65534:65534", pidsLimit: 256}
}

type dockerState struct {
	container string

	mu   sync.Mutex
	exec *groupProcess
}

func (d *DockerRuntime) Name() string { return "docker" }

func (d *DockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.dockerBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (d *DockerRuntime) Create(ctx context.Context, spec EnvSpec) (*Handle, error) {
	if spec.Image == "" {
		return nil, agenterrors.Denied("docker runtime requires an image")
	}
	if spec.Limits.Network && len(spec.Limits.BlockedDomains) > 0 {
		return nil, agenterrors.Denied("docker runtime cannot enforce blocked domains and their subdomains with networking enabled")
	}
	dir, err := makeJobDir(spec.JobID, true)
	if err != nil {
		return nil, err
	}
	name := "agentcore-" + shortID(spec.JobID)
	if _, err := d.run(ctx, d.createArgs(spec, name, dir)...); err != nil {
		// A half-created container must not leak.
		_, _ = d.run(context.Background(), "rm", "-f", name)
		os.RemoveAll(filepath.Dir(dir))
		return nil, agenterrors.Runtime(err, true)
	}
	return &Handle{ID: name, Dir: dir, state: &dockerState{container: name}}, nil
}

func (d *DockerRuntime) createArgs(spec EnvSpec, name, dir string) []string {
	limits := spec.Limits
	args := []string{"run", "-d", "--init", "--name", name,
		"--label", "agentcore.job=" + spec.JobID,
		"--memory", limits.MemorySpec,
		"--memory-swap", limits.MemorySpec,
		"--cpus", strconv.FormatFloat(limits.CPU, 'f', -1, 64),
		"--pids-limit", strconv.Itoa(d.pidsLimit),
		"--read-only",
		"--tmpfs", "/tmp:rw,size=64m",
		"-e", "HOME=/tmp",
		"-e", "MPLCONFIGDIR=/tmp",
		"-v", dir + ":" + containerJobDir,
		"-w", containerJobDir,
	}
	if spec.Workspace != "" {
		args = append(args, "-v", spec.Workspace+":"+containerWorkspaceDir+":ro")
	}
	if !limits.Network {
		args = append(args, "--network", "none")
	}
	if limits.AllowSudo {
		args = append(args, "--privileged")
	} else {
		args = append(args,
			"--cap-drop", "ALL",
			"--security-opt", "no-new-privileges",
			"--user", d.user,
		)
	}
	return append(args, spec.Image, "sleep", "infinity")
}

func (d *DockerRuntime) Execute(ctx context.Context, h *Handle, payload Payload) (*Output, error) {
	state := h.state.(*dockerState)
	file, err := writeSource(h.Dir, payload.Language, payload.Source)
	if err != nil {
		return nil, agenterrors.Runtime(err, false)
	}

	args := []string{"exec", "-w", containerJobDir}
	for k, v := range payload.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, state.container)
	args = append(args, interpreter(payload.Language, path.Join(containerJobDir, file))...)

	proc, err := startGroup(exec.Command(d.dockerBin, args...))
	if err != nil {
		return nil, agenterrors.Runtime(fmt.Errorf("docker exec: %w", err), true)
	}
	state.mu.Lock()
	state.exec = proc
	state.mu.Unlock()

	select {
	case <-proc.done:
	case <-ctx.Done():
		return &Output{Stdout: proc.stdout.String(), Stderr: proc.stderr.String(), ExitCode: -1}, ctx.Err()
	}

	out := &Output{
		Stdout:   proc.stdout.String(),
		Stderr:   proc.stderr.String(),
		ExitCode: proc.exitCode(),
	}
	if out.ExitCode != 0 {
		out.OOMKilled = d.oomKilled(ctx, state.container)
	}
	return out, nil
}

// oomKilled asks the daemon whether the kernel OOM killer fired in the
// container. Exit code 137 alone is any SIGKILL.
func (d *DockerRuntime) oomKilled(ctx context.Context, container string) bool {
	state, err := d.run(ctx, "inspect", "-f", "{{.State.OOMKilled}}", container)
	return err == nil && state == "true"
}

func (d *DockerRuntime) Stop(ctx context.Context, h *Handle, grace time.Duration) error {
	state := h.state.(*dockerState)
	secs := int(grace.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	_, err := d.run(ctx, "stop", "-t", strconv.Itoa(secs), state.container)
	return err
}

func (d *DockerRuntime) Destroy(ctx context.Context, h *Handle) error {
	state := h.state.(*dockerState)
	state.mu.Lock()
	proc := state.exec
	state.mu.Unlock()
	if proc != nil {
		proc.kill()
	}
	_, err := d.run(ctx, "rm", "-f", state.container)
	if rmErr := os.RemoveAll(filepath.Dir(h.Dir)); err == nil && rmErr != nil {
		err = rmErr
	}
	return err
}

func interpreter(lang Language, file string) []string {
	switch lang {
	case LanguagePython:
		return []string{"python3", "-u", file}
	case LanguageNode:
		return []string{"node", file}
	default:
		return []string{"bash", file}
	}
}
