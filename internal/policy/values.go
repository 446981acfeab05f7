package policy

// Values is the flat set of named options a Policy is built from. It is the
// shape of the policy file, the environment and caller overrides.
type Values struct {
	MaxIterations          int    `yaml:"max_iterations" toml:"max_iterations" json:"max_iterations"`
	MaxTimeSeconds         int    `yaml:"max_time_seconds" toml:"max_time_seconds" json:"max_time_seconds"`
	ToolTimeoutSeconds     int    `yaml:"tool_timeout_seconds" toml:"tool_timeout_seconds" json:"tool_timeout_seconds"`
	AutoSummarizeThreshold int    `yaml:"auto_summarize_threshold" toml:"auto_summarize_threshold" json:"auto_summarize_threshold"`
	SummarizeKeepRecent    int    `yaml:"summarize_keep_recent" toml:"summarize_keep_recent" json:"summarize_keep_recent"`
	ContextTokenBudget     int    `yaml:"context_token_budget" toml:"context_token_budget" json:"context_token_budget"`
	RetryAttempts          int    `yaml:"retry_attempts" toml:"retry_attempts" json:"retry_attempts"`
	RetryBaseDelay         string `yaml:"retry_base_delay" toml:"retry_base_delay" json:"retry_base_delay"`
	Planning               bool   `yaml:"planning" toml:"planning" json:"planning"`

	AllowedModules  []string `yaml:"allowed_modules" toml:"allowed_modules" json:"allowed_modules"`
	MaxCodeSize     int      `yaml:"max_code_size" toml:"max_code_size" json:"max_code_size"`
	BlockedCommands []string `yaml:"blocked_commands" toml:"blocked_commands" json:"blocked_commands"`
	BlockedDomains  []string `yaml:"blocked_domains" toml:"blocked_domains" json:"blocked_domains"`
	MatcherStrategy string   `yaml:"matcher_strategy" toml:"matcher_strategy" json:"matcher_strategy"`

	SandboxRuntime    string `yaml:"sandbox_runtime" toml:"sandbox_runtime" json:"sandbox_runtime"`
	SandboxImage      string `yaml:"sandbox_image" toml:"sandbox_image" json:"sandbox_image"`
	SandboxMemory     string `yaml:"sandbox_memory" toml:"sandbox_memory" json:"sandbox_memory"`
	SandboxCPU        string `yaml:"sandbox_cpu" toml:"sandbox_cpu" json:"sandbox_cpu"`
	NetworkEnabled    bool   `yaml:"network_enabled" toml:"network_enabled" json:"network_enabled"`
	AllowSudo         bool   `yaml:"allow_sudo" toml:"allow_sudo" json:"allow_sudo"`
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs" toml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	KillGrace         string `yaml:"kill_grace" toml:"kill_grace" json:"kill_grace"`

	MemoryCapacity int    `yaml:"memory_capacity" toml:"memory_capacity" json:"memory_capacity"`
	ResultsLimit   int    `yaml:"results_limit" toml:"results_limit" json:"results_limit"`
	MemoryPath     string `yaml:"memory_path" toml:"memory_path" json:"memory_path"`
	ArchivePath    string `yaml:"archive_path" toml:"archive_path" json:"archive_path"`
	WorkspaceRoot  string `yaml:"workspace_root" toml:"workspace_root" json:"workspace_root"`

	AllowedPorts  []int  `yaml:"allowed_ports" toml:"allowed_ports" json:"allowed_ports"`
	DeployEnabled bool   `yaml:"deploy_enabled" toml:"deploy_enabled" json:"deploy_enabled"`
	ExposeHost    string `yaml:"expose_host" toml:"expose_host" json:"expose_host"`

	LLMProvider string  `yaml:"llm_provider" toml:"llm_provider" json:"llm_provider"`
	LLMModel    string  `yaml:"llm_model" toml:"llm_model" json:"llm_model"`
	APIKey      string  `yaml:"api_key" toml:"api_key" json:"-"`
	BaseURL     string  `yaml:"base_url" toml:"base_url" json:"base_url"`
	Temperature float64 `yaml:"temperature" toml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" toml:"max_tokens" json:"max_tokens"`

	EmbeddingProvider   string `yaml:"embedding_provider" toml:"embedding_provider" json:"embedding_provider"`
	EmbeddingModel      string `yaml:"embedding_model" toml:"embedding_model" json:"embedding_model"`
	EmbeddingURL        string `yaml:"embedding_url" toml:"embedding_url" json:"embedding_url"`
	EmbeddingAPIKey     string `yaml:"embedding_api_key" toml:"embedding_api_key" json:"-"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions" toml:"embedding_dimensions" json:"embedding_dimensions"`

	SearchURL    string `yaml:"search_url" toml:"search_url" json:"search_url"`
	SearchAPIKey string `yaml:"search_api_key" toml:"search_api_key" json:"-"`
}

// DefaultValues returns the built-in defaults.
func DefaultValues() Values {
	return Values{
		MaxIterations:          40,
		MaxTimeSeconds:         1800,
		ToolTimeoutSeconds:     90,
		AutoSummarizeThreshold: 30,
		SummarizeKeepRecent:    10,
		ContextTokenBudget:     24000,
		RetryAttempts:          2,
		RetryBaseDelay:         "500ms",

		AllowedModules: []string{
			"os", "pandas", "numpy", "matplotlib", "requests", "bs4",
			"re", "json", "csv", "math", "datetime", "time",
		},
		MaxCodeSize:     50000,
		BlockedCommands: []string{"rm -rf /", "shutdown", "reboot", "passwd"},
		BlockedDomains:  []string{},
		MatcherStrategy: StrategySubstring,

		SandboxRuntime:    RuntimeDocker,
		SandboxImage:      "perl-python-sandbox:latest",
		SandboxMemory:     "512m",
		SandboxCPU:        "0.5",
		NetworkEnabled:    true,
		AllowSudo:         false,
		MaxConcurrentJobs: 4,
		KillGrace:         "2s",

		MemoryCapacity: 1000,
		ResultsLimit:   3,
		ArchivePath:    "agentcore.db",
		WorkspaceRoot:  "workspace",

		AllowedPorts: []int{3000, 5000, 8000, 8080},
		ExposeHost:   "localhost",

		LLMProvider: "mock",
		LLMModel:    "gpt-4o-mini",
		Temperature: 0.7,
		MaxTokens:   4096,

		EmbeddingProvider:   EmbeddingHash,
		EmbeddingDimensions: 256,
	}
}

// Matcher strategies.
const (
	StrategySubstring = "substring"
	StrategyGlob      = "glob"
	StrategyRegex     = "regex"
)

// Sandbox runtimes.
const (
	RuntimeDocker = "docker"
	RuntimeLocal  = "local"
)

// Embedding providers.
const (
	EmbeddingHash   = "hash"
	EmbeddingOpenAI = "openai"
	EmbeddingOllama = "ollama"
)

func (v Values) clone() Values {
	out := v
	out.AllowedModules = append([]string(nil), v.AllowedModules...)
	out.BlockedCommands = append([]string(nil), v.BlockedCommands...)
	out.BlockedDomains = append([]string(nil), v.BlockedDomains...)
	out.AllowedPorts = append([]int(nil), v.AllowedPorts...)
	return out
}
