package llm

import (
	"strings"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/logging"
	"agentcore/internal/observability"
	"agentcore/internal/policy"
)

// FactoryOptions carries the ambient collaborators for NewFromPolicy.
type FactoryOptions struct {
	Logger  logging.Logger
	Metrics *observability.MetricsCollector
	Tracer  *observability.TracerProvider
}

// NewFromPolicy builds the provider named by the policy. "mock" needs no
// credentials; every other name is handed to gollm. The result is
// instrumented but never retried, and it holds no breaker state, so one
// session's failures cannot affect another's.
func NewFromPolicy(p *policy.Policy, opts FactoryOptions) (Provider, error) {
	logger := logging.OrNop(opts.Logger)

	var base Provider
	switch name := strings.ToLower(strings.TrimSpace(p.LLMProvider())); name {
	case "", "mock":
		base = MockProvider{}
	default:
		provider, err := NewGollmProvider(GollmConfig{
			Provider:    name,
			Model:       p.LLMModel(),
			APIKey:      p.APIKey(),
			BaseURL:     p.BaseURL(),
			Temperature: p.Temperature(),
			MaxTokens:   p.MaxTokens(),
		})
		if err != nil {
			return nil, agenterrors.NewConfigError("llm_provider", "%v", err)
		}
		base = provider
	}

	return Instrument(base,
		WithProviderLogger(logger),
		WithProviderMetrics(opts.Metrics),
		WithProviderTracer(opts.Tracer),
	), nil
}
