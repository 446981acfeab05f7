package policy

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	agenterrors "agentcore/internal/errors"
)

type envMap map[string]string

func (e envMap) Lookup(key string) (string, bool) {
	val, ok := e[key]
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func noFile(string) ([]byte, error) { return nil, os.ErrNotExist }

func TestLoadDefaults(t *testing.T) {
	p, meta, err := Load(WithEnv(envMap{}.Lookup), WithFileReader(noFile))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if p.MaxIterations() != 40 {
		t.Fatalf("expected default max iterations 40, got %d", p.MaxIterations())
	}
	if p.MaxDuration() != 1800*time.Second || p.ToolTimeout() != 90*time.Second {
		t.Fatalf("unexpected durations: %s %s", p.MaxDuration(), p.ToolTimeout())
	}
	if p.MemoryLimit() != 512<<20 || p.CPUShare() != 0.5 {
		t.Fatalf("unexpected resource caps: %d %g", p.MemoryLimit(), p.CPUShare())
	}
	if got := meta.Source("max_iterations"); got != SourceDefault {
		t.Fatalf("expected default source, got %s", got)
	}
	if p.AllowSudo() {
		t.Fatalf("sudo must be disabled by default")
	}
	if !p.PortAllowed(8080) || p.PortAllowed(22) {
		t.Fatalf("unexpected port allowlist: %v", p.AllowedPorts())
	}
}

func TestLoadYAMLFileThenEnvThenOverrides(t *testing.T) {
	fileData := []byte(`
max_iterations: 12
tool_timeout_seconds: 5
blocked_commands: ["shutdown", "mkfs"]
blocked_domains: ["example.com"]
network_enabled: false
observability:
  logging:
    level: debug
`)
	iterations := 3
	p, meta, err := Load(
		WithConfigPath("policy.yaml"),
		WithFileReader(func(path string) ([]byte, error) {
			if path != "policy.yaml" {
				t.Fatalf("unexpected path %q", path)
			}
			return fileData, nil
		}),
		WithEnv(envMap{
			"AGENTCORE_TOOL_TIMEOUT_SECONDS": "7",
			"OPENAI_API_KEY":                 "sk-alias",
		}.Lookup),
		WithOverrides(Layer{MaxIterations: &iterations}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if p.MaxIterations() != 3 || meta.Source("max_iterations") != SourceOverride {
		t.Fatalf("override should win: %d %s", p.MaxIterations(), meta.Source("max_iterations"))
	}
	if p.ToolTimeout() != 7*time.Second || meta.Source("tool_timeout_seconds") != SourceEnv {
		t.Fatalf("env should beat file: %s %s", p.ToolTimeout(), meta.Source("tool_timeout_seconds"))
	}
	if p.NetworkEnabled() || meta.Source("network_enabled") != SourceFile {
		t.Fatalf("file should disable network")
	}
	if p.APIKey() != "sk-alias" {
		t.Fatalf("expected aliased api key, got %q", p.APIKey())
	}
	if _, ok := p.BlockedPattern("sudo mkfs.ext4 /dev/sda"); !ok {
		t.Fatalf("expected mkfs to be blocked")
	}
	if meta.Path() != "policy.yaml" {
		t.Fatalf("expected metadata to record the file path, got %q", meta.Path())
	}
}

func TestLoadTOMLFile(t *testing.T) {
	fileData := []byte(`
max_iterations = 9
matcher_strategy = "regex"
blocked_commands = ['^\s*shutdown\b']
`)
	p, _, err := Load(
		WithConfigPath("policy.toml"),
		WithFileReader(func(string) ([]byte, error) { return fileData, nil }),
		WithEnv(envMap{}.Lookup),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if p.MaxIterations() != 9 || p.MatcherStrategy() != StrategyRegex {
		t.Fatalf("unexpected policy: %d %s", p.MaxIterations(), p.MatcherStrategy())
	}
	if _, ok := p.BlockedPattern("  shutdown -h now"); !ok {
		t.Fatalf("regex should block shutdown")
	}
	if _, ok := p.BlockedPattern("echo shutdownable"); ok {
		t.Fatalf("anchored regex should not match mid-line")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"non-positive iterations": "max_iterations: 0\n",
		"negative timeout":        "tool_timeout_seconds: -1\n",
		"empty pattern":           "blocked_commands: [\"\"]\n",
		"bad regex":               "matcher_strategy: regex\nblocked_commands: [\"(unclosed\"]\n",
		"bad glob":                "matcher_strategy: glob\nblocked_commands: [\"[abc\"]\n",
		"bad memory":              "sandbox_memory: lots\n",
		"bad cpu":                 "sandbox_cpu: \"-1\"\n",
		"blocked list as string":  "blocked_commands: shutdown\n",
		"sudo not a bool":         "allow_sudo: maybe\n",
		"unknown strategy":        "matcher_strategy: fuzzy\n",
		"port out of range":       "allowed_ports: [70000]\n",
	}
	for name, body := range cases {
		_, _, err := Load(
			WithConfigPath("policy.yaml"),
			WithFileReader(func(string) ([]byte, error) { return []byte(body), nil }),
			WithEnv(envMap{}.Lookup),
		)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !agenterrors.IsConfigError(err) {
			t.Fatalf("%s: expected ConfigError, got %T %v", name, err, err)
		}
	}
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	_, _, err := Load(
		WithFileReader(noFile),
		WithEnv(envMap{"AGENTCORE_ALLOW_SUDO": "sometimes"}.Lookup),
	)
	if !agenterrors.IsConfigError(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if !strings.Contains(err.Error(), "AGENTCORE_ALLOW_SUDO") {
		t.Fatalf("error should name the variable: %v", err)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, _, err := Load(WithConfigPath("missing.yaml"), WithFileReader(noFile), WithEnv(envMap{}.Lookup))
	if !agenterrors.IsConfigError(err) {
		t.Fatalf("expected ConfigError for missing explicit file, got %v", err)
	}
}

func TestModuleAllowedUsesRootModule(t *testing.T) {
	p := Default()
	if !p.ModuleAllowed("os.path") {
		t.Fatalf("os.path should be allowed through os")
	}
	if p.ModuleAllowed("subprocess") {
		t.Fatalf("subprocess must not be allowed")
	}
	if p.ModuleAllowed("osx") {
		t.Fatalf("prefix without a dot must not match")
	}
}

func TestMatcherStrategies(t *testing.T) {
	sub, err := NewMatcher(StrategySubstring, []string{"Shutdown"})
	if err != nil {
		t.Fatalf("substring matcher: %v", err)
	}
	if _, ok := sub.Match("sudo SHUTDOWN now"); !ok {
		t.Fatalf("substring match should be case-insensitive")
	}

	glob, err := NewMatcher(StrategyGlob, []string{"rm -rf *", "reboot*"})
	if err != nil {
		t.Fatalf("glob matcher: %v", err)
	}
	if p, ok := glob.Match("rm -rf /tmp/x"); !ok || p != "rm -rf *" {
		t.Fatalf("expected whole-text glob match, got %q %v", p, ok)
	}
	if _, ok := glob.Match("echo hi && REBOOT"); !ok {
		t.Fatalf("expected token glob match")
	}
	if _, ok := glob.Match("ls -la"); ok {
		t.Fatalf("unexpected glob match")
	}
}

func TestGlobPatternsValidatedLikeTheyMatch(t *testing.T) {
	for _, bad := range []string{"[abc", "rm [", "[]", "[!]", "reboot[\\]"} {
		if _, err := NewMatcher(StrategyGlob, []string{bad}); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}

	glob, err := NewMatcher(StrategyGlob, []string{"rm -[rf]*", `\[danger]`, `trailing\`})
	if err != nil {
		t.Fatalf("glob matcher: %v", err)
	}
	for _, text := range []string{"rm -rf /", "rm -f x", "[danger]", `trailing\`} {
		if _, ok := glob.Match(text); !ok {
			t.Fatalf("expected %q to be blocked", text)
		}
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	cases := map[string]string{
		"policy.yaml": "blocked_command: [\"curl\"]\n",
		"policy.toml": "blocked_command = [\"curl\"]\n",
	}
	for path, body := range cases {
		_, _, err := Load(
			WithConfigPath(path),
			WithFileReader(func(string) ([]byte, error) { return []byte(body), nil }),
			WithEnv(envMap{}.Lookup),
		)
		var cfgErr *agenterrors.ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("%s: expected a config error for a misspelled key, got %v", path, err)
		}
	}
}

func TestLoadAcceptsObservabilitySection(t *testing.T) {
	cases := map[string]string{
		"policy.yaml": "max_iterations: 5\nobservability:\n  tracing:\n    enabled: true\n",
		"policy.toml": "max_iterations = 5\n[observability.tracing]\nenabled = true\n",
		"empty.yaml":  "",
	}
	for path, body := range cases {
		_, _, err := Load(
			WithConfigPath(path),
			WithFileReader(func(string) ([]byte, error) { return []byte(body), nil }),
			WithEnv(envMap{}.Lookup),
		)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", path, err)
		}
	}
}

func TestDomainBlockedIncludesSubdomains(t *testing.T) {
	values := DefaultValues()
	values.BlockedDomains = []string{"Example.com", "*.tracker.io"}
	p, err := New(values)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, host := range []string{"example.com", "api.example.com", "EXAMPLE.COM:443", "cdn.tracker.io"} {
		if _, ok := p.DomainBlocked(host); !ok {
			t.Fatalf("expected %s to be blocked", host)
		}
	}
	for _, host := range []string{"notexample.com", "example.org", ""} {
		if _, ok := p.DomainBlocked(host); ok {
			t.Fatalf("did not expect %q to be blocked", host)
		}
	}
}

func TestPolicyValuesAreCopies(t *testing.T) {
	p := Default()
	v := p.Values()
	v.BlockedCommands[0] = "mutated"
	if p.Values().BlockedCommands[0] == "mutated" {
		t.Fatalf("Values must return a copy")
	}
}

func TestParseMemory(t *testing.T) {
	cases := map[string]int64{"512m": 512 << 20, "1g": 1 << 30, "64MB": 64 << 20, "2048": 2048}
	for in, want := range cases {
		got, err := ParseMemory(in)
		if err != nil || got != want {
			t.Fatalf("ParseMemory(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "m", "0m", "12x", "9223372036854775807g", "16777216t"} {
		if _, err := ParseMemory(bad); err == nil {
			t.Fatalf("ParseMemory(%q) should fail", bad)
		}
	}
}

func TestParseCPU(t *testing.T) {
	if v, err := ParseCPU(" 1.5 "); err != nil || v != 1.5 {
		t.Fatalf("ParseCPU(1.5) = %g, %v", v, err)
	}
	for _, bad := range []string{"", "0", "-1", "NaN", "Inf", "+inf", "abc"} {
		if _, err := ParseCPU(bad); err == nil {
			t.Fatalf("ParseCPU(%q) should fail", bad)
		}
	}
}
