package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/tokenutil"

	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/providers"
)

// GollmConfig selects and tunes a gollm provider.
type GollmConfig struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

// GollmProvider adapts a gollm.LLM to Provider. gollm's own retry loop is
// disabled; the agent loop decides when a model call is retried.
type GollmProvider struct {
	provider string
	model    string
	endpoint string
	llm      gollm.LLM
}

var _ Provider = (*GollmProvider)(nil)

// NewGollmProvider builds a provider for cfg.Provider ("openai",
// "anthropic", "ollama", ...). An empty API key lets gollm read the
// provider's usual environment variable.
func NewGollmProvider(cfg GollmConfig) (*GollmProvider, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("gollm: provider is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel(cfg.Provider)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	name, endpoint := cfg.Provider, ""
	if cfg.BaseURL != "" {
		var err error
		if name, endpoint, err = providerForBaseURL(cfg.Provider, cfg.BaseURL); err != nil {
			return nil, err
		}
	}

	opts := []gollm.ConfigOption{
		gollm.SetProvider(name),
		gollm.SetModel(model),
		gollm.SetMaxTokens(maxTokens),
		gollm.SetTemperature(cfg.Temperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.Provider == "ollama" && endpoint != "" {
		opts = append(opts, gollm.SetOllamaEndpoint(endpoint))
	}
	apiKey := cfg.APIKey
	if apiKey == "" && name != cfg.Provider {
		// gollm looks keys up by provider name, which the custom name hides.
		apiKey = os.Getenv(strings.ToUpper(cfg.Provider) + "_API_KEY")
		if apiKey == "" && cfg.Provider == "lmstudio" {
			apiKey = "lmstudio-local"
		}
	}
	if apiKey != "" {
		opts = append(opts, gollm.SetAPIKey(apiKey))
	}

	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm client for %s: %w", cfg.Provider, err)
	}
	return &GollmProvider{provider: cfg.Provider, model: model, endpoint: endpoint, llm: llm}, nil
}

var (
	customProvidersMu sync.Mutex
	customProviders   = map[string]bool{}
)

// providerForBaseURL points a provider at a custom base URL. gollm reads an
// endpoint from config only for Ollama; every other provider is served by a
// generic gollm provider registered under a name keyed by the endpoint, built
// from the stock provider's wire format and headers.
func providerForBaseURL(provider, baseURL string) (name, endpoint string, err error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if provider == "ollama" {
		return provider, base, nil
	}

	registry := providers.GetDefaultRegistry()
	stock, ok := registry.GetProviderConfig(provider)
	if !ok {
		if stock, ok = registry.GetProviderConfig("openai"); !ok {
			return "", "", fmt.Errorf("gollm: no wire format known for provider %q", provider)
		}
	}

	suffix := "/chat/completions"
	if stock.Type == providers.TypeAnthropic || stock.Type == providers.TypeClaude {
		suffix = "/messages"
	}
	endpoint = base
	if !strings.HasSuffix(endpoint, suffix) {
		endpoint += suffix
	}

	name = provider + "@" + endpoint
	customProvidersMu.Lock()
	defer customProvidersMu.Unlock()
	if !customProviders[name] {
		cfg := stock
		cfg.Name = name
		cfg.Endpoint = endpoint
		providers.RegisterGenericProvider(name, cfg)
		customProviders[name] = true
	}
	return name, endpoint, nil
}

// Endpoint is the custom endpoint requests go to, or empty for the
// provider's default.
func (p *GollmProvider) Endpoint() string { return p.endpoint }

func defaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-haiku-latest"
	case "ollama":
		return "llama3.1"
	default:
		return "gpt-4o-mini"
	}
}

func (p *GollmProvider) Model() string { return p.model }

// Complete flattens the conversation into one gollm prompt: system messages
// become the system prompt and the rest is replayed as labelled text.
func (p *GollmProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := buildPrompt(req)
	if req.Temperature > 0 {
		p.llm.SetOption("temperature", req.Temperature)
	}
	if req.MaxTokens > 0 {
		p.llm.SetOption("max_tokens", req.MaxTokens)
	}

	text, err := p.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, classifyProviderError(p.provider, err)
	}

	promptTokens := tokenutil.CountTokens(promptText(req)) + tokenutil.CountTokens(req.System())
	completionTokens := tokenutil.CountTokens(text)
	return &Response{
		Content:    text,
		Model:      p.model,
		StopReason: "stop",
		Usage: TokenUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

func buildPrompt(req Request) *gollm.Prompt {
	var opts []gollm.PromptOption
	if system := req.System(); system != "" {
		opts = append(opts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, gollm.WithMaxLength(req.MaxTokens))
	}
	return gollm.NewPrompt(promptText(req), opts...)
}

func promptText(req Request) string {
	var parts []string
	for _, m := range req.Messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		switch m.Role {
		case RoleSystem:
		case RoleAssistant:
			parts = append(parts, "[Assistant]: "+text)
		default:
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "Continue."
	}
	return strings.Join(parts, "\n\n")
}

// classifyProviderError maps a provider failure onto the transient/permanent
// taxonomy from its message, since gollm reports HTTP failures as text.
func classifyProviderError(provider string, err error) error {
	msg := strings.ToLower(err.Error())
	wrapped := fmt.Errorf("%s: %w", provider, err)
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid api key"):
		return &agenterrors.PermanentError{Err: wrapped, StatusCode: 401, Message: "model provider rejected the API key"}
	case strings.Contains(msg, "403"), strings.Contains(msg, "forbidden"):
		return &agenterrors.PermanentError{Err: wrapped, StatusCode: 403}
	case strings.Contains(msg, "context length"), strings.Contains(msg, "too many tokens"):
		return &agenterrors.PermanentError{Err: wrapped, StatusCode: 413, Message: "prompt exceeds the model context length"}
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"):
		return &agenterrors.TransientError{Err: wrapped, StatusCode: 429}
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"),
		strings.Contains(msg, "internal server"), strings.Contains(msg, "overloaded"):
		return &agenterrors.TransientError{Err: wrapped, StatusCode: 503}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"):
		return &agenterrors.TransientError{Err: wrapped}
	}
	if agenterrors.IsTransient(err) {
		return &agenterrors.TransientError{Err: wrapped}
	}
	return wrapped
}
