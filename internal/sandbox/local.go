package sandbox

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	agenterrors "agentcore/internal/errors"
)

const throttlePeriod = 100 * time.Millisecond

var memoryExhausted = regexp.MustCompile(`(?i)MemoryError|cannot allocate memory|heap out of memory|xmalloc: cannot allocate|xrealloc: cannot allocate`)

// LocalRuntime runs each job as a host process group in its own private
// scratch directory, capped with shell resource limits. The CPU share is
// enforced by pinning the group to whole cores with taskset and duty-cycling
// it with SIGSTOP/SIGCONT. It can drop networking only through unshare and
// cannot filter domains, so it refuses jobs whose policy needs a guarantee it
// lacks.
type LocalRuntime struct {
	shell   string
	unshare string
	taskset string
	cpus    int
}

// NewLocalRuntime creates a process-group runtime.
func NewLocalRuntime() *LocalRuntime {
	r := &LocalRuntime{shell: "/bin/bash"}
	if p, err := exec.LookPath("bash"); err == nil {
		r.shell = p
	}
	if p, err := exec.LookPath("unshare"); err == nil {
		r.unshare = p
	}
	if p, err := exec.LookPath("taskset"); err == nil {
		r.taskset = p
	}
	r.cpus = runtime.NumCPU()
	return r
}

type localState struct {
	limits    Limits
	workspace string

	mu   sync.Mutex
	proc *groupProcess
}

func (r *LocalRuntime) Name() string { return "local" }

func (r *LocalRuntime) Create(_ context.Context, spec EnvSpec) (*Handle, error) {
	if !spec.Limits.Network && r.unshare == "" {
		return nil, agenterrors.Denied("local runtime cannot disable networking: unshare not available")
	}
	if spec.Limits.Network && len(spec.Limits.BlockedDomains) > 0 {
		return nil, agenterrors.Denied("local runtime cannot enforce blocked domains")
	}
	if cores, _ := r.cpuPlan(spec.Limits.CPU); cores > 0 && r.taskset == "" {
		return nil, agenterrors.Denied("local runtime cannot enforce a cpu share of %g: taskset not available", spec.Limits.CPU)
	}
	dir, err := makeJobDir(spec.JobID, false)
	if err != nil {
		return nil, agenterrors.Runtime(err, false)
	}
	return &Handle{
		ID:    "local-" + shortID(spec.JobID),
		Dir:   dir,
		state: &localState{limits: spec.Limits, workspace: spec.Workspace},
	}, nil
}

func (r *LocalRuntime) command(state *localState, lang Language, file string) []string {
	limits := state.limits
	var script strings.Builder
	if limits.MemoryBytes > 0 && lang != LanguageNode {
		fmt.Fprintf(&script, "ulimit -v %d || exit 126; ", limits.MemoryBytes/1024)
	}
	if !limits.Deadline.IsZero() {
		secs := int(time.Until(limits.Deadline).Seconds()) + 1
		fmt.Fprintf(&script, "ulimit -t %d || exit 126; ", max(secs, 1))
	}
	script.WriteString("exec ")
	if lang == LanguageNode && limits.MemoryBytes > 0 {
		fmt.Fprintf(&script, "node --max-old-space-size=%d %s", max(limits.MemoryBytes>>20, 16), file)
	} else {
		script.WriteString(strings.Join(interpreter(lang, file), " "))
	}

	argv := []string{r.shell, "-c", script.String()}
	if cores, _ := r.cpuPlan(limits.CPU); cores > 0 {
		argv = append([]string{r.taskset, "-c", fmt.Sprintf("0-%d", cores-1)}, argv...)
	}
	if !limits.Network {
		argv = append([]string{r.unshare, "--net", "--map-root-user"}, argv...)
	}
	return argv
}

func (r *LocalRuntime) Execute(ctx context.Context, h *Handle, payload Payload) (*Output, error) {
	state := h.state.(*localState)
	file, err := writeSource(h.Dir, payload.Language, payload.Source)
	if err != nil {
		return nil, agenterrors.Runtime(err, false)
	}

	argv := r.command(state, payload.Language, file)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = h.Dir
	cmd.Env = append(hostEnvironment(), "HOME="+h.Dir, "MPLCONFIGDIR="+h.Dir)
	if state.workspace != "" {
		cmd.Env = append(cmd.Env, "WORKSPACE="+state.workspace)
	}
	for k, v := range payload.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	proc, err := startGroup(cmd)
	if err != nil {
		return nil, agenterrors.Runtime(fmt.Errorf("start %s: %w", payload.Language, err), false)
	}
	state.mu.Lock()
	state.proc = proc
	state.mu.Unlock()

	if _, duty := r.cpuPlan(state.limits.CPU); duty < 1 {
		stop := make(chan struct{})
		throttled := make(chan struct{})
		go func() {
			defer close(throttled)
			throttleGroup(proc, duty, stop)
		}()
		defer func() {
			close(stop)
			<-throttled
		}()
	}

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
	switch {
	case out.ExitCode == 128+int(syscall.SIGXCPU), out.ExitCode == 128+int(syscall.SIGKILL):
		out.OOMKilled = true
	case out.ExitCode != 0 && memoryExhausted.MatchString(out.Stderr):
		out.OOMKilled = true
	}
	return out, nil
}

func (r *LocalRuntime) Stop(_ context.Context, h *Handle, grace time.Duration) error {
	if proc := h.state.(*localState).current(); proc != nil {
		proc.terminate(grace)
	}
	return nil
}

func (r *LocalRuntime) Destroy(_ context.Context, h *Handle) error {
	if proc := h.state.(*localState).current(); proc != nil {
		proc.kill()
	}
	return os.RemoveAll(h.Dir)
}

// cpuPlan splits a CPU share into the cores the group is pinned to and the
// fraction of each period it may run. Zero cores means no cap is needed.
func (r *LocalRuntime) cpuPlan(share float64) (cores int, duty float64) {
	if share <= 0 || share >= float64(r.cpus) {
		return 0, 1
	}
	cores = int(math.Ceil(share))
	return cores, share / float64(cores)
}

// throttleGroup lets the group run for duty of every period and keeps it
// stopped for the rest. The group is always left running on return.
func throttleGroup(p *groupProcess, duty float64, stop <-chan struct{}) {
	on := time.Duration(float64(throttlePeriod) * duty)
	off := throttlePeriod - on
	defer syscall.Kill(-p.pgid(), syscall.SIGCONT)
	for {
		select {
		case <-p.done:
			return
		case <-stop:
			return
		case <-time.After(on):
		}
		if err := syscall.Kill(-p.pgid(), syscall.SIGSTOP); err != nil {
			return
		}
		select {
		case <-p.done:
			return
		case <-stop:
			return
		case <-time.After(off):
		}
		if err := syscall.Kill(-p.pgid(), syscall.SIGCONT); err != nil {
			return
		}
	}
}

func (s *localState) current() *groupProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}
