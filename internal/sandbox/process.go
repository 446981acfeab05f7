package sandbox

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	maxStreamBytes   = 1 << 20
	maxArtifactBytes = 4 << 20
	reapTimeout      = 5 * time.Second
)

// cappedBuffer keeps the first limit bytes written and drops the rest. It is
// safe for concurrent writes and reads.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

// groupProcess is a started command leading its own process group, so the
// whole tree can be signalled at once.
type groupProcess struct {
	cmd    *exec.Cmd
	stdout *cappedBuffer
	stderr *cappedBuffer
	done   chan struct{}
	err    error
}

func startGroup(cmd *exec.Cmd) (*groupProcess, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	p := &groupProcess{
		cmd:    cmd,
		stdout: newCappedBuffer(maxStreamBytes),
		stderr: newCappedBuffer(maxStreamBytes),
		done:   make(chan struct{}),
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *groupProcess) pgid() int { return p.cmd.Process.Pid }

func (p *groupProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// exitCode is valid once done is closed.
func (p *groupProcess) exitCode() int {
	if p.err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

// terminate asks the group to exit and waits up to grace for the leader.
func (p *groupProcess) terminate(grace time.Duration) {
	if p.exited() {
		return
	}
	_ = syscall.Kill(-p.pgid(), syscall.SIGTERM)
	// A throttled group may be stopped and would never see the SIGTERM.
	_ = syscall.Kill(-p.pgid(), syscall.SIGCONT)
	select {
	case <-p.done:
	case <-time.After(grace):
	}
}

// kill sends SIGKILL to the group even when the leader is gone, since
// orphaned children keep the group id.
func (p *groupProcess) kill() {
	_ = syscall.Kill(-p.pgid(), syscall.SIGKILL)
	select {
	case <-p.done:
	case <-time.After(reapTimeout):
	}
}

// groupAlive reports whether any process remains in the group.
func groupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	return syscall.Kill(-pgid, 0) == nil
}

// cleanRelative normalizes an artifact path and rejects anything that would
// leave the job directory.
func cleanRelative(path string) (string, bool) {
	if path == "" || filepath.IsAbs(path) {
		return "", false
	}
	clean := filepath.Clean(path)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", false
	}
	return clean, true
}

// collectArtifacts reads declared files from dir. Missing files are skipped.
func collectArtifacts(dir string, paths []string) []Artifact {
	var out []Artifact
	for _, path := range paths {
		clean, ok := cleanRelative(path)
		if !ok {
			continue
		}
		full := filepath.Join(dir, clean)
		info, err := os.Lstat(full)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		f, err := os.Open(full)
		if err != nil {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(f, maxArtifactBytes))
		f.Close()
		if err != nil {
			continue
		}
		out = append(out, Artifact{
			Path:      clean,
			Size:      info.Size(),
			Data:      data,
			Truncated: info.Size() > maxArtifactBytes,
		})
	}
	return out
}

var sensitiveEnvSuffixes = []string{"_API_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_CREDENTIAL"}

var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
}

// hostEnvironment is the host environment minus credentials.
func hostEnvironment() []string {
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnv(name) {
			env = append(env, kv)
		}
	}
	return env
}

func isSensitiveEnv(name string) bool {
	upper := strings.ToUpper(name)
	if strings.HasPrefix(upper, "AGENTCORE_") {
		return true
	}
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}
