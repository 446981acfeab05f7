package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	agenterrors "agentcore/internal/errors"
)

// Policy is the validated, read-only configuration shared by every session.
// Build one with Load or New; it is never mutated afterwards.
type Policy struct {
	values Values

	allowedModules map[string]struct{}
	allowedPorts   map[int]struct{}
	blocked        Matcher
	domains        DomainSet

	memoryBytes    int64
	cpuShare       float64
	killGrace      time.Duration
	retryBaseDelay time.Duration
}

// New validates values and compiles allowlists and matchers once.
func New(values Values) (*Policy, error) {
	v := values.clone()
	if v.MatcherStrategy == "" {
		v.MatcherStrategy = StrategySubstring
	}

	positives := []struct {
		field string
		value int
	}{
		{"max_iterations", v.MaxIterations},
		{"max_time_seconds", v.MaxTimeSeconds},
		{"tool_timeout_seconds", v.ToolTimeoutSeconds},
		{"auto_summarize_threshold", v.AutoSummarizeThreshold},
		{"summarize_keep_recent", v.SummarizeKeepRecent},
		{"context_token_budget", v.ContextTokenBudget},
		{"max_code_size", v.MaxCodeSize},
		{"max_concurrent_jobs", v.MaxConcurrentJobs},
		{"memory_capacity", v.MemoryCapacity},
		{"results_limit", v.ResultsLimit},
		{"max_tokens", v.MaxTokens},
		{"embedding_dimensions", v.EmbeddingDimensions},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return nil, agenterrors.NewConfigError(p.field, "must be positive, got %d", p.value)
		}
	}
	if v.RetryAttempts < 0 {
		return nil, agenterrors.NewConfigError("retry_attempts", "must not be negative, got %d", v.RetryAttempts)
	}
	if v.Temperature < 0 || v.Temperature > 2 {
		return nil, agenterrors.NewConfigError("temperature", "must be within [0, 2], got %g", v.Temperature)
	}

	p := &Policy{
		values:         v,
		allowedModules: make(map[string]struct{}, len(v.AllowedModules)),
		allowedPorts:   make(map[int]struct{}, len(v.AllowedPorts)),
	}

	for _, m := range v.AllowedModules {
		name := strings.TrimSpace(m)
		if name == "" {
			return nil, agenterrors.NewConfigError("allowed_modules", "module names must not be empty")
		}
		p.allowedModules[name] = struct{}{}
	}
	for _, port := range v.AllowedPorts {
		if port < 1 || port > 65535 {
			return nil, agenterrors.NewConfigError("allowed_ports", "port %d out of range", port)
		}
		p.allowedPorts[port] = struct{}{}
	}

	matcher, err := NewMatcher(v.MatcherStrategy, v.BlockedCommands)
	if err != nil {
		return nil, &agenterrors.ConfigError{Field: "blocked_commands", Err: err}
	}
	p.blocked = matcher

	domains, err := newDomainSet(v.BlockedDomains)
	if err != nil {
		return nil, &agenterrors.ConfigError{Field: "blocked_domains", Err: err}
	}
	p.domains = domains

	if p.memoryBytes, err = ParseMemory(v.SandboxMemory); err != nil {
		return nil, &agenterrors.ConfigError{Field: "sandbox_memory", Err: err}
	}
	if p.cpuShare, err = ParseCPU(v.SandboxCPU); err != nil {
		return nil, &agenterrors.ConfigError{Field: "sandbox_cpu", Err: err}
	}
	if p.killGrace, err = parsePositiveDuration(v.KillGrace); err != nil {
		return nil, &agenterrors.ConfigError{Field: "kill_grace", Err: err}
	}
	if p.retryBaseDelay, err = parsePositiveDuration(v.RetryBaseDelay); err != nil {
		return nil, &agenterrors.ConfigError{Field: "retry_base_delay", Err: err}
	}

	switch v.SandboxRuntime {
	case RuntimeDocker, RuntimeLocal:
	default:
		return nil, agenterrors.NewConfigError("sandbox_runtime", "unknown runtime %q", v.SandboxRuntime)
	}
	if v.SandboxRuntime == RuntimeDocker && strings.TrimSpace(v.SandboxImage) == "" {
		return nil, agenterrors.NewConfigError("sandbox_image", "required for the docker runtime")
	}
	switch v.EmbeddingProvider {
	case EmbeddingHash, EmbeddingOpenAI, EmbeddingOllama:
	default:
		return nil, agenterrors.NewConfigError("embedding_provider", "unknown provider %q", v.EmbeddingProvider)
	}
	if strings.TrimSpace(v.WorkspaceRoot) == "" {
		return nil, agenterrors.NewConfigError("workspace_root", "must not be empty")
	}

	return p, nil
}

// Default returns the validated built-in policy.
func Default() *Policy {
	p, err := New(DefaultValues())
	if err != nil {
		panic(fmt.Sprintf("default policy is invalid: %v", err))
	}
	return p
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

// Values returns a copy of the raw values.
func (p *Policy) Values() Values { return p.values.clone() }

func (p *Policy) MaxIterations() int { return p.values.MaxIterations }

func (p *Policy) MaxDuration() time.Duration {
	return time.Duration(p.values.MaxTimeSeconds) * time.Second
}

func (p *Policy) ToolTimeout() time.Duration {
	return time.Duration(p.values.ToolTimeoutSeconds) * time.Second
}

// SummarizeEvery is the number of iterations between summarization passes.
func (p *Policy) SummarizeEvery() int { return p.values.AutoSummarizeThreshold }

func (p *Policy) SummarizeKeepRecent() int { return p.values.SummarizeKeepRecent }

func (p *Policy) ContextTokenBudget() int { return p.values.ContextTokenBudget }

func (p *Policy) RetryAttempts() int { return p.values.RetryAttempts }

func (p *Policy) RetryBaseDelay() time.Duration { return p.retryBaseDelay }

// Planning reports whether sessions draft a todo.md plan before acting.
func (p *Policy) Planning() bool { return p.values.Planning }

func (p *Policy) MaxCodeSize() int { return p.values.MaxCodeSize }

// ModuleAllowed reports whether a module may be imported. A dotted import is
// allowed when its root module is.
func (p *Policy) ModuleAllowed(module string) bool {
	name := strings.TrimSpace(module)
	if _, ok := p.allowedModules[name]; ok {
		return true
	}
	if root, _, found := strings.Cut(name, "."); found {
		_, ok := p.allowedModules[root]
		return ok
	}
	return false
}

// AllowedModules returns the allowlist in sorted order.
func (p *Policy) AllowedModules() []string {
	out := make([]string, 0, len(p.allowedModules))
	for m := range p.allowedModules {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// BlockedPattern returns the blocked pattern text matches, if any.
func (p *Policy) BlockedPattern(text string) (string, bool) {
	return p.blocked.Match(text)
}

func (p *Policy) MatcherStrategy() string { return p.blocked.Strategy() }

// DomainBlocked returns the blocked domain host falls under, if any.
func (p *Policy) DomainBlocked(host string) (string, bool) {
	return p.domains.Blocked(host)
}

func (p *Policy) BlockedDomains() []string { return p.domains.Domains() }

func (p *Policy) SandboxRuntime() string { return p.values.SandboxRuntime }

func (p *Policy) SandboxImage() string { return p.values.SandboxImage }

// MemoryLimit is the sandbox memory cap in bytes.
func (p *Policy) MemoryLimit() int64 { return p.memoryBytes }

// MemoryLimitSpec is the cap as written, e.g. "512m".
func (p *Policy) MemoryLimitSpec() string { return p.values.SandboxMemory }

// CPUShare is the fractional CPU cap.
func (p *Policy) CPUShare() float64 { return p.cpuShare }

func (p *Policy) NetworkEnabled() bool { return p.values.NetworkEnabled }

func (p *Policy) AllowSudo() bool { return p.values.AllowSudo }

func (p *Policy) MaxConcurrentJobs() int { return p.values.MaxConcurrentJobs }

func (p *Policy) KillGrace() time.Duration { return p.killGrace }

func (p *Policy) MemoryCapacity() int { return p.values.MemoryCapacity }

func (p *Policy) ResultsLimit() int { return p.values.ResultsLimit }

func (p *Policy) MemoryPath() string { return p.values.MemoryPath }

func (p *Policy) ArchivePath() string { return p.values.ArchivePath }

func (p *Policy) WorkspaceRoot() string { return p.values.WorkspaceRoot }

// PortAllowed reports whether port is on the allowlist.
func (p *Policy) PortAllowed(port int) bool {
	_, ok := p.allowedPorts[port]
	return ok
}

func (p *Policy) AllowedPorts() []int { return append([]int(nil), p.values.AllowedPorts...) }

func (p *Policy) DeployEnabled() bool { return p.values.DeployEnabled }

func (p *Policy) ExposeHost() string { return p.values.ExposeHost }

// Model settings.
func (p *Policy) LLMProvider() string { return p.values.LLMProvider }
func (p *Policy) LLMModel() string { return p.values.LLMModel }
func (p *Policy) APIKey() string { return p.values.APIKey }
func (p *Policy) BaseURL() string { return p.values.BaseURL }
func (p *Policy) Temperature() float64 { return p.values.Temperature }
func (p *Policy) MaxTokens() int { return p.values.MaxTokens }
func (p *Policy) EmbeddingProvider() string { return p.values.EmbeddingProvider }
func (p *Policy) EmbeddingModel() string { return p.values.EmbeddingModel }
func (p *Policy) EmbeddingURL() string { return p.values.EmbeddingURL }
func (p *Policy) EmbeddingAPIKey() string { return p.values.EmbeddingAPIKey }
func (p *Policy) EmbeddingDimensions() int { return p.values.EmbeddingDimensions }
func (p *Policy) SearchURL() string { return p.values.SearchURL }
func (p *Policy) SearchAPIKey() string { return p.values.SearchAPIKey }
