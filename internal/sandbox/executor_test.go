package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/policy"
)

type fakeRuntime struct {
	mu         sync.Mutex
	specs      []EnvSpec
	stops      int
	destroys   int
	running    int
	maxRunning int
	createErr  error
	execute    func(ctx context.Context, payload Payload) (*Output, error)
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) Create(_ context.Context, spec EnvSpec) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.specs = append(f.specs, spec)
	return &Handle{ID: spec.JobID, Dir: ""}, nil
}

func (f *fakeRuntime) Execute(ctx context.Context, _ *Handle, payload Payload) (*Output, error) {
	f.mu.Lock()
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()
	if f.execute == nil {
		return &Output{Stdout: "ok"}, nil
	}
	return f.execute(ctx, payload)
}

func (f *fakeRuntime) Stop(context.Context, *Handle, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeRuntime) Destroy(context.Context, *Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	return nil
}

func TestExecutorDeniesBeforeCreatingEnvironment(t *testing.T) {
	rt := &fakeRuntime{}
	exec := NewExecutor(testPolicy(t, nil), rt)

	for _, job := range []Job{
		{Language: LanguageBash, Source: "shutdown -h now"},
		{Language: LanguagePython, Source: "import subprocess\nsubprocess.run(['ls'])"},
	} {
		res := exec.Run(context.Background(), job)
		if res.Err == nil || res.Err.Kind != agenterrors.KindDenied {
			t.Fatalf("expected denied, got %+v", res)
		}
	}
	if exec.Executions() != 0 || len(rt.specs) != 0 {
		t.Fatalf("no environment may be created for denied jobs, got %d", exec.Executions())
	}
}

func TestExecutorSuccessSnapshotsLimits(t *testing.T) {
	rt := &fakeRuntime{execute: func(_ context.Context, p Payload) (*Output, error) {
		return &Output{Stdout: "42\n", Stderr: "warn"}, nil
	}}
	p := testPolicy(t, func(v *policy.Values) {
		v.NetworkEnabled = false
		v.SandboxMemory = "256m"
		v.SandboxCPU = "0.25"
	})
	exec := NewExecutor(p, rt)

	res := exec.Run(context.Background(), Job{Language: LanguagePython, Source: "print(42)", Workspace: "/ws"})
	if !res.OK() || res.Stdout != "42\n" || res.Stderr != "warn" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.JobID == "" || res.Status() != "ok" {
		t.Fatalf("expected job id and ok status, got %q %q", res.JobID, res.Status())
	}
	spec := rt.specs[0]
	if spec.Limits.Network || spec.Limits.MemoryBytes != 256<<20 || spec.Limits.CPU != 0.25 {
		t.Fatalf("limits not snapshotted from policy: %+v", spec.Limits)
	}
	if spec.Workspace != "/ws" || spec.Limits.Deadline.IsZero() {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if rt.destroys != 1 || exec.Executions() != 1 || exec.Active() != 0 {
		t.Fatalf("expected one created and destroyed environment, got destroys=%d executions=%d", rt.destroys, exec.Executions())
	}
}

func TestExecutorClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		output    *Output
		err       error
		kind      agenterrors.Kind
		transient bool
	}{
		{"oom", &Output{ExitCode: 137, OOMKilled: true}, nil, agenterrors.KindResourceExceeded, false},
		{"non-zero exit", &Output{ExitCode: 1, Stderr: "Traceback"}, nil, agenterrors.KindRuntime, false},
		{"infrastructure", nil, errors.New("exec failed"), agenterrors.KindRuntime, false},
		{"transient infrastructure", nil, agenterrors.Runtime(errors.New("daemon busy"), true), agenterrors.KindRuntime, true},
	}
	for _, tc := range cases {
		rt := &fakeRuntime{execute: func(context.Context, Payload) (*Output, error) { return tc.output, tc.err }}
		res := NewExecutor(testPolicy(t, nil), rt).Run(context.Background(), Job{Language: LanguageBash, Source: "true"})
		if res.Err == nil || res.Err.Kind != tc.kind {
			t.Fatalf("%s: expected %s, got %+v", tc.name, tc.kind, res.Err)
		}
		if agenterrors.IsTransient(res.Err) != tc.transient {
			t.Fatalf("%s: transient = %v, want %v", tc.name, agenterrors.IsTransient(res.Err), tc.transient)
		}
		if rt.destroys != 1 {
			t.Fatalf("%s: environment not destroyed", tc.name)
		}
	}
}

func TestExecutorDeadlineTearsDown(t *testing.T) {
	rt := &fakeRuntime{execute: func(ctx context.Context, _ Payload) (*Output, error) {
		<-ctx.Done()
		return &Output{Stdout: "partial"}, ctx.Err()
	}}
	p := testPolicy(t, func(v *policy.Values) { v.KillGrace = "10ms" })
	exec := NewExecutor(p, rt)

	start := time.Now()
	res := exec.Run(context.Background(), Job{
		Language: LanguageBash,
		Source:   "sleep 100",
		Deadline: time.Now().Add(50 * time.Millisecond),
	})
	if res.Err == nil || res.Err.Kind != agenterrors.KindTimeout {
		t.Fatalf("expected timeout, got %+v", res.Err)
	}
	if res.Stdout != "partial" {
		t.Fatalf("expected partial output to be kept, got %q", res.Stdout)
	}
	if rt.stops != 1 || rt.destroys != 1 {
		t.Fatalf("expected graceful stop then destroy, got stops=%d destroys=%d", rt.stops, rt.destroys)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
}

func TestExecutorBoundsConcurrency(t *testing.T) {
	rt := &fakeRuntime{execute: func(context.Context, Payload) (*Output, error) {
		time.Sleep(30 * time.Millisecond)
		return &Output{}, nil
	}}
	exec := NewExecutor(testPolicy(t, func(v *policy.Values) { v.MaxConcurrentJobs = 2 }), rt)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := exec.Run(context.Background(), Job{Language: LanguageBash, Source: "true"}); !res.OK() {
				t.Errorf("unexpected failure: %+v", res.Err)
			}
		}()
	}
	wg.Wait()

	if rt.maxRunning > 2 {
		t.Fatalf("expected at most 2 concurrent jobs, saw %d", rt.maxRunning)
	}
	if exec.Executions() != 6 || len(rt.specs) != 6 {
		t.Fatalf("each job needs its own environment, got %d", exec.Executions())
	}
}

func TestExecutorRuntimeRefusal(t *testing.T) {
	rt := &fakeRuntime{createErr: agenterrors.Denied("cannot enforce blocked domains")}
	res := NewExecutor(testPolicy(t, nil), rt).Run(context.Background(), Job{Language: LanguageBash, Source: "curl example.com"})
	if res.Err == nil || res.Err.Kind != agenterrors.KindDenied {
		t.Fatalf("expected runtime refusal to surface as denied, got %+v", res.Err)
	}
}
