package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/policy"
)

func TestDockerCreateArgsLockDown(t *testing.T) {
	d := &DockerRuntime{dockerBin: "docker", user: "65534:65534", pidsLimit: 64}
	args := strings.Join(d.createArgs(EnvSpec{
		JobID:     "job-1",
		Image:     "perl-python-sandbox:latest",
		Workspace: "/srv/ws",
		Limits:    Limits{MemorySpec: "512m", CPU: 0.5},
	}, "agentcore-job-1", "/tmp/job"), " ")

	for _, want := range []string{
		"--memory 512m", "--memory-swap 512m", "--cpus 0.5", "--pids-limit 64",
		"--network none", "--cap-drop ALL", "--security-opt no-new-privileges",
		"--user 65534:65534", "-v /tmp/job:/sandbox", "-v /srv/ws:/workspace:ro",
	} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected %q in %s", want, args)
		}
	}
	if strings.Contains(args, "--privileged") || strings.Contains(args, "--add-host") {
		t.Fatalf("unexpected flags in %s", args)
	}
	if !strings.HasSuffix(args, "perl-python-sandbox:latest sleep infinity") {
		t.Fatalf("image and command must come last: %s", args)
	}
}

func TestDockerCreateArgsNetworkEnabled(t *testing.T) {
	d := NewDockerRuntime()
	args := strings.Join(d.createArgs(EnvSpec{
		JobID:  "job-2",
		Image:  "img",
		Limits: Limits{MemorySpec: "1g", CPU: 1, Network: true, AllowSudo: true},
	}, "agentcore-job-2", "/tmp/job"), " ")

	if !strings.Contains(args, "--privileged") {
		t.Fatalf("expected --privileged in %s", args)
	}
	if strings.Contains(args, "--network none") || strings.Contains(args, "--cap-drop") {
		t.Fatalf("unexpected lockdown flags with network and sudo enabled: %s", args)
	}
}

func TestDockerRefusesBlockedDomainsWithNetwork(t *testing.T) {
	d := &DockerRuntime{dockerBin: "/nonexistent/docker"}
	_, err := d.Create(context.Background(), EnvSpec{
		JobID: "job-3",
		Image: "img",
		Limits: Limits{
			MemorySpec:     "1g",
			CPU:            1,
			Network:        true,
			BlockedDomains: []string{"evil.com"},
		},
	})
	var toolErr *agenterrors.ToolError
	if !errors.As(err, &toolErr) || toolErr.Kind != agenterrors.KindDenied {
		t.Fatalf("expected denied, got %v", err)
	}
}

func TestExecutorDeniesSubdomainBlocklistOnDocker(t *testing.T) {
	p := testPolicy(t, func(v *policy.Values) {
		v.SandboxRuntime = policy.RuntimeDocker
		v.BlockedDomains = []string{"evil.com"}
	})
	if _, blocked := p.DomainBlocked("api.evil.com"); !blocked {
		t.Fatalf("expected api.evil.com to be covered by the blocklist")
	}
	res := NewExecutor(p, &DockerRuntime{dockerBin: "/nonexistent/docker"}).Run(context.Background(), Job{Language: LanguageBash, Source: "curl https://api.evil.com"})
	if res.Err == nil || res.Err.Kind != agenterrors.KindDenied {
		t.Fatalf("expected denied, got %+v", res.Err)
	}
}

// fakeDocker writes a docker stand-in whose exec exits with code and whose
// inspect reports oom.
func fakeDocker(t *testing.T, code int, oom string) *DockerRuntime {
	t.Helper()
	script := fmt.Sprintf("#!/bin/sh\ncase \"$1\" in\n  exec) exit %d ;;\n  inspect) echo %s ;;\nesac\n", code, oom)
	bin := filepath.Join(t.TempDir(), "docker")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake docker: %v", err)
	}
	return &DockerRuntime{dockerBin: bin}
}

func TestDockerExecuteOOMFromInspect(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs a posix shell and process groups")
	}
	cases := []struct {
		name string
		code int
		oom  string
		want bool
	}{
		{"sigkill without oom", 137, "false", false},
		{"oom killed", 137, "true", true},
		{"plain failure", 1, "false", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := fakeDocker(t, tc.code, tc.oom)
			h := &Handle{ID: "c", Dir: t.TempDir(), state: &dockerState{container: "c"}}
			out, err := d.Execute(context.Background(), h, Payload{Language: LanguageBash, Source: "true"})
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if out.ExitCode != tc.code || out.OOMKilled != tc.want {
				t.Fatalf("got exit %d oom %v, want %d %v", out.ExitCode, out.OOMKilled, tc.code, tc.want)
			}
		})
	}
}
