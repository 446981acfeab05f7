package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/internal/agent"
)

func writePolicy(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := "workspace_root: " + filepath.Join(dir, "workspace") + "\n" +
		"archive_path: " + filepath.Join(dir, "agentcore.db") + "\n" +
		"sandbox_runtime: local\n" +
		"llm_provider: mock\n" + extra
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cli := &CLI{
		out:    &out,
		errOut: &errOut,
		v:      viper.New(),
		env:    func(string) (string, bool) { return "", false },
	}
	cmd := cli.rootCommand()
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "Version: dev\n", out)
}

func TestRunPrintsTurnsAndResult(t *testing.T) {
	path := writePolicy(t, "")
	out, err := execute(t, "--policy-file", path, "run", "say", "hi")
	require.NoError(t, err, out)

	assert.Contains(t, out, "Goal: say hi")
	assert.Contains(t, out, "idle")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "mock provider received: say hi")
}

func TestRunJSONOutput(t *testing.T) {
	path := writePolicy(t, "")
	out, err := execute(t, "--policy-file", path, "run", "--json", "--no-sandbox", "say hi")
	require.NoError(t, err, out)

	var snap agent.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap), out)
	assert.Equal(t, agent.StatusCompleted, snap.Status)
	assert.Len(t, snap.Turns, 1)
}

func TestRunRejectsInvalidOverride(t *testing.T) {
	path := writePolicy(t, "")
	_, err := execute(t, "--policy-file", path, "run", "--runtime", "vm", "say hi")
	require.Error(t, err)
}

func TestSessionsListAndShow(t *testing.T) {
	path := writePolicy(t, "")
	out, err := execute(t, "--policy-file", path, "run", "--json", "archive me")
	require.NoError(t, err)
	var snap agent.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))

	out, err = execute(t, "--policy-file", path, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, snap.ID)
	assert.Contains(t, out, "archive me")

	out, err = execute(t, "--policy-file", path, "sessions", "show", snap.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Goal: archive me")
	assert.Contains(t, out, "idle")

	_, err = execute(t, "--policy-file", path, "sessions", "show", "missing")
	assert.ErrorIs(t, err, agent.ErrSessionNotFound)
}

func TestPolicyShowMasksSecrets(t *testing.T) {
	path := writePolicy(t, "api_key: sk-averylongsecretvalue-9876\nmax_iterations: 12\n")
	out, err := execute(t, "--policy-file", path, "policy", "show")
	require.NoError(t, err)

	assert.Contains(t, out, "# policy file: "+path)
	assert.Contains(t, out, "# max_iterations: file")
	assert.Contains(t, out, "max_iterations: 12")
	assert.NotContains(t, out, "sk-averylongsecretvalue-9876")

	out, err = execute(t, "--policy-file", path, "policy", "show", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"max_iterations": 12`)
	assert.NotContains(t, out, "sk-averylongsecretvalue-9876")
}

func TestPolicyValidate(t *testing.T) {
	good := writePolicy(t, "")
	out, err := execute(t, "policy", "validate", good)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "valid: "+good), out)

	bad := writePolicy(t, "max_iterations: -3\n")
	out, err = execute(t, "policy", "validate", bad)
	require.Error(t, err)
	assert.Contains(t, out, "invalid:")
}
