package di

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/internal/agent"
	"agentcore/internal/observability"
	"agentcore/internal/policy"
	"agentcore/internal/webui"
)

func TestResolveStorageDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		name       string
		configured string
		defaultVal string
		want       string
	}{
		{name: "configured absolute path wins", configured: "/custom/path", defaultVal: "~/.agentcore", want: "/custom/path"},
		{name: "default when empty", configured: "", defaultVal: "~/.agentcore", want: filepath.Join(home, ".agentcore")},
		{name: "bare tilde", configured: "~", want: home},
		{name: "tilde without slash", configured: "~.agentcore", want: filepath.Join(home, ".agentcore")},
		{name: "environment variable", configured: "$HOME/.agentcore", want: home + "/.agentcore"},
		{name: "relative path untouched", configured: "workspace", want: "workspace"},
		{name: "both empty", configured: "", defaultVal: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveStorageDir(tt.configured, tt.defaultVal))
		})
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	v := policy.DefaultValues()
	v.WorkspaceRoot = filepath.Join(dir, "workspace")
	v.ArchivePath = filepath.Join(dir, "archive", "agentcore.db")
	v.SandboxRuntime = policy.RuntimeLocal
	p, err := policy.New(v)
	require.NoError(t, err)

	obs := observability.DefaultConfig()
	obs.Logging.Level = "debug"
	return Config{Policy: p, Observability: obs, LogOutput: &bytes.Buffer{}}
}

func cleanup(t *testing.T, c *Container) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Cleanup(ctx))
}

func TestBuildContainerRequiresPolicy(t *testing.T) {
	_, err := BuildContainer(Config{})
	require.Error(t, err)
}

func TestBuildContainerRunsSessionEndToEnd(t *testing.T) {
	c, err := BuildContainer(testConfig(t))
	require.NoError(t, err)
	defer cleanup(t, c)

	require.NotNil(t, c.Executor)
	require.NotNil(t, c.Archive)
	assert.Equal(t, "local", c.Executor.RuntimeName())

	snap, err := c.Manager.Run(context.Background(), "say hi")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, snap.Status)

	rec, err := c.Archive.Get(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "say hi", rec.Goal)

	components := c.Health.CheckAll(context.Background())
	require.Len(t, components, 4)
	assert.Equal(t, webui.HealthStatusReady, webui.Overall(components))
}

func TestBuildContainerRegistersTools(t *testing.T) {
	c, err := BuildContainer(testConfig(t))
	require.NoError(t, err)
	defer cleanup(t, c)

	names := map[string]bool{}
	for _, def := range c.Registry.List() {
		names[def.Name] = true
	}
	for _, name := range []string{"shell_exec", "code_execute", "file_read", "file_write", "memory_search", "message_notify_user", "idle"} {
		assert.True(t, names[name], "missing %s", name)
	}
}

func TestBuildContainerWithoutSandboxOrArchive(t *testing.T) {
	cfg := testConfig(t)
	v := cfg.Policy.Values()
	v.ArchivePath = ""
	p, err := policy.New(v)
	require.NoError(t, err)
	cfg.Policy = p
	cfg.DisableSandbox = true

	c, err := BuildContainer(cfg)
	require.NoError(t, err)
	defer cleanup(t, c)

	assert.Nil(t, c.Executor)
	assert.Nil(t, c.Archive)
	for _, def := range c.Registry.List() {
		assert.NotEqual(t, "shell_exec", def.Name)
	}

	components := c.Health.CheckAll(context.Background())
	statuses := map[string]webui.HealthStatus{}
	for _, comp := range components {
		statuses[comp.Name] = comp.Status
	}
	assert.Equal(t, webui.HealthStatusDisabled, statuses["sandbox"])
	assert.Equal(t, webui.HealthStatusDisabled, statuses["archive"])
}

func TestBuildContainerExpandsHomeInPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := testConfig(t)
	v := cfg.Policy.Values()
	v.ArchivePath = "~/state/agentcore.db"
	p, err := policy.New(v)
	require.NoError(t, err)
	cfg.Policy = p

	c, err := BuildContainer(cfg)
	require.NoError(t, err)
	defer cleanup(t, c)

	assert.Equal(t, filepath.Join(home, "state", "agentcore.db"), c.Policy.ArchivePath())
	_, err = os.Stat(filepath.Join(home, "state"))
	assert.NoError(t, err)
}
