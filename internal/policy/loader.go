package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	agenterrors "agentcore/internal/errors"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ValueSource describes where a policy value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// Metadata contains provenance details for a loaded policy.
type Metadata struct {
	sources  map[string]ValueSource
	path     string
	loadedAt time.Time
}

// Source returns the origin for the given field.
func (m Metadata) Source(field string) ValueSource {
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// Path returns the policy file that was read, if any.
func (m Metadata) Path() string { return m.path }

// LoadedAt returns the timestamp when the policy was constructed.
func (m Metadata) LoadedAt() time.Time { return m.loadedAt }

// Layer is a partial set of values; nil fields are left untouched. Policy
// files, the environment and caller overrides are all parsed into a Layer.
type Layer struct {
	MaxIterations          *int      `yaml:"max_iterations" toml:"max_iterations"`
	MaxTimeSeconds         *int      `yaml:"max_time_seconds" toml:"max_time_seconds"`
	ToolTimeoutSeconds     *int      `yaml:"tool_timeout_seconds" toml:"tool_timeout_seconds"`
	AutoSummarizeThreshold *int      `yaml:"auto_summarize_threshold" toml:"auto_summarize_threshold"`
	SummarizeKeepRecent    *int      `yaml:"summarize_keep_recent" toml:"summarize_keep_recent"`
	ContextTokenBudget     *int      `yaml:"context_token_budget" toml:"context_token_budget"`
	RetryAttempts          *int      `yaml:"retry_attempts" toml:"retry_attempts"`
	RetryBaseDelay         *string   `yaml:"retry_base_delay" toml:"retry_base_delay"`
	Planning               *bool     `yaml:"planning" toml:"planning"`
	AllowedModules         *[]string `yaml:"allowed_modules" toml:"allowed_modules"`
	MaxCodeSize            *int      `yaml:"max_code_size" toml:"max_code_size"`
	BlockedCommands        *[]string `yaml:"blocked_commands" toml:"blocked_commands"`
	BlockedDomains         *[]string `yaml:"blocked_domains" toml:"blocked_domains"`
	MatcherStrategy        *string   `yaml:"matcher_strategy" toml:"matcher_strategy"`
	SandboxRuntime         *string   `yaml:"sandbox_runtime" toml:"sandbox_runtime"`
	SandboxImage           *string   `yaml:"sandbox_image" toml:"sandbox_image"`
	SandboxMemory          *string   `yaml:"sandbox_memory" toml:"sandbox_memory"`
	SandboxCPU             *string   `yaml:"sandbox_cpu" toml:"sandbox_cpu"`
	NetworkEnabled         *bool     `yaml:"network_enabled" toml:"network_enabled"`
	AllowSudo              *bool     `yaml:"allow_sudo" toml:"allow_sudo"`
	MaxConcurrentJobs      *int      `yaml:"max_concurrent_jobs" toml:"max_concurrent_jobs"`
	KillGrace              *string   `yaml:"kill_grace" toml:"kill_grace"`
	MemoryCapacity         *int      `yaml:"memory_capacity" toml:"memory_capacity"`
	ResultsLimit           *int      `yaml:"results_limit" toml:"results_limit"`
	MemoryPath             *string   `yaml:"memory_path" toml:"memory_path"`
	ArchivePath            *string   `yaml:"archive_path" toml:"archive_path"`
	WorkspaceRoot          *string   `yaml:"workspace_root" toml:"workspace_root"`
	AllowedPorts           *[]int    `yaml:"allowed_ports" toml:"allowed_ports"`
	DeployEnabled          *bool     `yaml:"deploy_enabled" toml:"deploy_enabled"`
	ExposeHost             *string   `yaml:"expose_host" toml:"expose_host"`
	LLMProvider            *string   `yaml:"llm_provider" toml:"llm_provider"`
	LLMModel               *string   `yaml:"llm_model" toml:"llm_model"`
	APIKey                 *string   `yaml:"api_key" toml:"api_key"`
	BaseURL                *string   `yaml:"base_url" toml:"base_url"`
	Temperature            *float64  `yaml:"temperature" toml:"temperature"`
	MaxTokens              *int      `yaml:"max_tokens" toml:"max_tokens"`
	EmbeddingProvider      *string   `yaml:"embedding_provider" toml:"embedding_provider"`
	EmbeddingModel         *string   `yaml:"embedding_model" toml:"embedding_model"`
	EmbeddingURL           *string   `yaml:"embedding_url" toml:"embedding_url"`
	EmbeddingAPIKey        *string   `yaml:"embedding_api_key" toml:"embedding_api_key"`
	EmbeddingDimensions    *int      `yaml:"embedding_dimensions" toml:"embedding_dimensions"`
	SearchURL              *string   `yaml:"search_url" toml:"search_url"`
	SearchAPIKey           *string   `yaml:"search_api_key" toml:"search_api_key"`
}

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// AliasEnvLookup wraps an EnvLookup with additional alias keys.
func AliasEnvLookup(base EnvLookup, aliases map[string][]string) EnvLookup {
	if base == nil {
		base = DefaultEnvLookup
	}
	return func(key string) (string, bool) {
		if value, ok := base(key); ok && value != "" {
			return value, true
		}
		for _, alias := range aliases[key] {
			if value, ok := base(alias); ok && value != "" {
				return value, true
			}
		}
		return "", false
	}
}

// envAliases maps AGENTCORE_* keys onto conventional provider variables.
var envAliases = map[string][]string{
	"AGENTCORE_API_KEY":           {"OPENAI_API_KEY", "LLM_API_KEY"},
	"AGENTCORE_LLM_PROVIDER":      {"LLM_PROVIDER"},
	"AGENTCORE_LLM_MODEL":         {"LLM_MODEL"},
	"AGENTCORE_BASE_URL":          {"LLM_BASE_URL"},
	"AGENTCORE_EMBEDDING_API_KEY": {"OPENAI_API_KEY"},
	"AGENTCORE_SEARCH_API_KEY":    {"TAVILY_API_KEY"},
}

// EnvPrefix prefixes every policy environment variable.
const EnvPrefix = "AGENTCORE_"

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	configPath string
	overrides  Layer
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithConfigPath reads the policy from a specific file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = reader }
}

// WithOverrides applies caller values that take highest precedence.
func WithOverrides(overrides Layer) Option {
	return func(o *loadOptions) { o.overrides = overrides }
}

// Load builds the Policy by merging defaults, file, environment and
// overrides, then validating the result. Every failure is a ConfigError.
func Load(opts ...Option) (*Policy, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.configPath == "" {
		if value, ok := options.envLookup(EnvPrefix + "POLICY_FILE"); ok {
			options.configPath = value
		}
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	values := DefaultValues()

	fileLayer, err := readLayerFile(options)
	if err != nil {
		return nil, Metadata{}, err
	}
	if fileLayer != nil {
		meta.path = options.configPath
		fileLayer.applyTo(&values, meta.sources, SourceFile)
	}

	envLayer, err := layerFromEnv(AliasEnvLookup(options.envLookup, envAliases))
	if err != nil {
		return nil, Metadata{}, err
	}
	envLayer.applyTo(&values, meta.sources, SourceEnv)

	options.overrides.applyTo(&values, meta.sources, SourceOverride)

	p, err := New(values)
	if err != nil {
		return nil, Metadata{}, err
	}
	return p, meta, nil
}

func readLayerFile(opts loadOptions) (*Layer, error) {
	if opts.configPath == "" {
		return nil, nil
	}
	data, err := opts.readFile(opts.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &agenterrors.ConfigError{Field: "policy_file", Message: "policy file not found", Err: err}
		}
		return nil, &agenterrors.ConfigError{Field: "policy_file", Message: "read policy file", Err: err}
	}
	layer, err := ParseLayer(data, filepath.Ext(opts.configPath))
	if err != nil {
		return nil, err
	}
	return &layer, nil
}

// policyFile is the on-disk shape: the policy layer plus the observability
// section, which observability.LoadConfig reads from the same file.
type policyFile struct {
	Layer         `yaml:",inline"`
	Observability map[string]any `yaml:"observability" toml:"observability"`
}

// ParseLayer decodes policy file contents; ext selects TOML (".toml") or YAML.
// A value of the wrong type, such as a string where a list is expected, or a
// key the policy does not know is a ConfigError and never falls back to the
// default.
func ParseLayer(data []byte, ext string) (Layer, error) {
	var file policyFile
	var err error
	if strings.EqualFold(ext, ".toml") {
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&file)
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(&file); errors.Is(err, io.EOF) {
			err = nil
		}
	}
	if err != nil {
		return Layer{}, &agenterrors.ConfigError{Field: "policy_file", Message: "parse policy file", Err: err}
	}
	return file.Layer, nil
}

func set[T any](dst *T, src *T, field string, sources map[string]ValueSource, source ValueSource) {
	if src == nil {
		return
	}
	*dst = *src
	sources[field] = source
}

func setSlice[T any](dst *[]T, src *[]T, field string, sources map[string]ValueSource, source ValueSource) {
	if src == nil {
		return
	}
	*dst = append([]T{}, (*src)...)
	sources[field] = source
}

func (l Layer) applyTo(v *Values, s map[string]ValueSource, src ValueSource) {
	set(&v.MaxIterations, l.MaxIterations, "max_iterations", s, src)
	set(&v.MaxTimeSeconds, l.MaxTimeSeconds, "max_time_seconds", s, src)
	set(&v.ToolTimeoutSeconds, l.ToolTimeoutSeconds, "tool_timeout_seconds", s, src)
	set(&v.AutoSummarizeThreshold, l.AutoSummarizeThreshold, "auto_summarize_threshold", s, src)
	set(&v.SummarizeKeepRecent, l.SummarizeKeepRecent, "summarize_keep_recent", s, src)
	set(&v.ContextTokenBudget, l.ContextTokenBudget, "context_token_budget", s, src)
	set(&v.RetryAttempts, l.RetryAttempts, "retry_attempts", s, src)
	set(&v.RetryBaseDelay, l.RetryBaseDelay, "retry_base_delay", s, src)
	set(&v.Planning, l.Planning, "planning", s, src)
	setSlice(&v.AllowedModules, l.AllowedModules, "allowed_modules", s, src)
	set(&v.MaxCodeSize, l.MaxCodeSize, "max_code_size", s, src)
	setSlice(&v.BlockedCommands, l.BlockedCommands, "blocked_commands", s, src)
	setSlice(&v.BlockedDomains, l.BlockedDomains, "blocked_domains", s, src)
	set(&v.MatcherStrategy, l.MatcherStrategy, "matcher_strategy", s, src)
	set(&v.SandboxRuntime, l.SandboxRuntime, "sandbox_runtime", s, src)
	set(&v.SandboxImage, l.SandboxImage, "sandbox_image", s, src)
	set(&v.SandboxMemory, l.SandboxMemory, "sandbox_memory", s, src)
	set(&v.SandboxCPU, l.SandboxCPU, "sandbox_cpu", s, src)
	set(&v.NetworkEnabled, l.NetworkEnabled, "network_enabled", s, src)
	set(&v.AllowSudo, l.AllowSudo, "allow_sudo", s, src)
	set(&v.MaxConcurrentJobs, l.MaxConcurrentJobs, "max_concurrent_jobs", s, src)
	set(&v.KillGrace, l.KillGrace, "kill_grace", s, src)
	set(&v.MemoryCapacity, l.MemoryCapacity, "memory_capacity", s, src)
	set(&v.ResultsLimit, l.ResultsLimit, "results_limit", s, src)
	set(&v.MemoryPath, l.MemoryPath, "memory_path", s, src)
	set(&v.ArchivePath, l.ArchivePath, "archive_path", s, src)
	set(&v.WorkspaceRoot, l.WorkspaceRoot, "workspace_root", s, src)
	setSlice(&v.AllowedPorts, l.AllowedPorts, "allowed_ports", s, src)
	set(&v.DeployEnabled, l.DeployEnabled, "deploy_enabled", s, src)
	set(&v.ExposeHost, l.ExposeHost, "expose_host", s, src)
	set(&v.LLMProvider, l.LLMProvider, "llm_provider", s, src)
	set(&v.LLMModel, l.LLMModel, "llm_model", s, src)
	set(&v.APIKey, l.APIKey, "api_key", s, src)
	set(&v.BaseURL, l.BaseURL, "base_url", s, src)
	set(&v.Temperature, l.Temperature, "temperature", s, src)
	set(&v.MaxTokens, l.MaxTokens, "max_tokens", s, src)
	set(&v.EmbeddingProvider, l.EmbeddingProvider, "embedding_provider", s, src)
	set(&v.EmbeddingModel, l.EmbeddingModel, "embedding_model", s, src)
	set(&v.EmbeddingURL, l.EmbeddingURL, "embedding_url", s, src)
	set(&v.EmbeddingAPIKey, l.EmbeddingAPIKey, "embedding_api_key", s, src)
	set(&v.EmbeddingDimensions, l.EmbeddingDimensions, "embedding_dimensions", s, src)
	set(&v.SearchURL, l.SearchURL, "search_url", s, src)
	set(&v.SearchAPIKey, l.SearchAPIKey, "search_api_key", s, src)
}

// layerFromEnv reads AGENTCORE_<FIELD> variables. Lists are comma-separated.
func layerFromEnv(lookup EnvLookup) (Layer, error) {
	var l Layer
	r := envReader{lookup: lookup}
	r.integer("max_iterations", &l.MaxIterations)
	r.integer("max_time_seconds", &l.MaxTimeSeconds)
	r.integer("tool_timeout_seconds", &l.ToolTimeoutSeconds)
	r.integer("auto_summarize_threshold", &l.AutoSummarizeThreshold)
	r.integer("summarize_keep_recent", &l.SummarizeKeepRecent)
	r.integer("context_token_budget", &l.ContextTokenBudget)
	r.integer("retry_attempts", &l.RetryAttempts)
	r.str("retry_base_delay", &l.RetryBaseDelay)
	r.boolean("planning", &l.Planning)
	r.list("allowed_modules", &l.AllowedModules)
	r.integer("max_code_size", &l.MaxCodeSize)
	r.list("blocked_commands", &l.BlockedCommands)
	r.list("blocked_domains", &l.BlockedDomains)
	r.str("matcher_strategy", &l.MatcherStrategy)
	r.str("sandbox_runtime", &l.SandboxRuntime)
	r.str("sandbox_image", &l.SandboxImage)
	r.str("sandbox_memory", &l.SandboxMemory)
	r.str("sandbox_cpu", &l.SandboxCPU)
	r.boolean("network_enabled", &l.NetworkEnabled)
	r.boolean("allow_sudo", &l.AllowSudo)
	r.integer("max_concurrent_jobs", &l.MaxConcurrentJobs)
	r.str("kill_grace", &l.KillGrace)
	r.integer("memory_capacity", &l.MemoryCapacity)
	r.integer("results_limit", &l.ResultsLimit)
	r.str("memory_path", &l.MemoryPath)
	r.str("archive_path", &l.ArchivePath)
	r.str("workspace_root", &l.WorkspaceRoot)
	r.ports("allowed_ports", &l.AllowedPorts)
	r.boolean("deploy_enabled", &l.DeployEnabled)
	r.str("expose_host", &l.ExposeHost)
	r.str("llm_provider", &l.LLMProvider)
	r.str("llm_model", &l.LLMModel)
	r.str("api_key", &l.APIKey)
	r.str("base_url", &l.BaseURL)
	r.number("temperature", &l.Temperature)
	r.integer("max_tokens", &l.MaxTokens)
	r.str("embedding_provider", &l.EmbeddingProvider)
	r.str("embedding_model", &l.EmbeddingModel)
	r.str("embedding_url", &l.EmbeddingURL)
	r.str("embedding_api_key", &l.EmbeddingAPIKey)
	r.integer("embedding_dimensions", &l.EmbeddingDimensions)
	r.str("search_url", &l.SearchURL)
	r.str("search_api_key", &l.SearchAPIKey)
	return l, r.err
}

// EnvKey returns the environment variable for a policy field.
func EnvKey(field string) string {
	return EnvPrefix + strings.ToUpper(field)
}

type envReader struct {
	lookup EnvLookup
	err    error
}

func (r *envReader) raw(field string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	value, ok := r.lookup(EnvKey(field))
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func (r *envReader) fail(field, value string, err error) {
	r.err = &agenterrors.ConfigError{
		Field:   field,
		Message: fmt.Sprintf("invalid value %q in %s", value, EnvKey(field)),
		Err:     err,
	}
}

func (r *envReader) str(field string, dst **string) {
	if value, ok := r.raw(field); ok {
		*dst = &value
	}
}

func (r *envReader) integer(field string, dst **int) {
	value, ok := r.raw(field)
	if !ok {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.fail(field, value, err)
		return
	}
	*dst = &n
}

func (r *envReader) number(field string, dst **float64) {
	value, ok := r.raw(field)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.fail(field, value, err)
		return
	}
	*dst = &f
}

func (r *envReader) boolean(field string, dst **bool) {
	value, ok := r.raw(field)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.fail(field, value, err)
		return
	}
	*dst = &b
}

func (r *envReader) list(field string, dst **[]string) {
	value, ok := r.raw(field)
	if !ok {
		return
	}
	items := splitList(value)
	*dst = &items
}

func (r *envReader) ports(field string, dst **[]int) {
	value, ok := r.raw(field)
	if !ok {
		return
	}
	var ports []int
	for _, item := range splitList(value) {
		n, err := strconv.Atoi(item)
		if err != nil {
			r.fail(field, value, err)
			return
		}
		ports = append(ports, n)
	}
	*dst = &ports
}

func splitList(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
