package llm

import (
	"context"
	"time"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/logging"
	"agentcore/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// instrumentedProvider records metrics and spans around a provider and maps
// every failure to ModelUnavailable. It never retries: the agent loop owns
// the single bounded retry for each session.
type instrumentedProvider struct {
	underlying Provider
	logger     logging.Logger
	metrics    *observability.MetricsCollector
	tracer     *observability.TracerProvider
}

// InstrumentOption configures Instrument.
type InstrumentOption func(*instrumentedProvider)

func WithProviderLogger(logger logging.Logger) InstrumentOption {
	return func(p *instrumentedProvider) { p.logger = logging.OrNop(logger) }
}

func WithProviderMetrics(metrics *observability.MetricsCollector) InstrumentOption {
	return func(p *instrumentedProvider) { p.metrics = metrics }
}

func WithProviderTracer(tracer *observability.TracerProvider) InstrumentOption {
	return func(p *instrumentedProvider) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// Instrument wraps provider with request metrics, an llm.complete span and
// ModelUnavailable error mapping.
func Instrument(provider Provider, opts ...InstrumentOption) Provider {
	p := &instrumentedProvider{
		underlying: provider,
		logger:     logging.NewComponentLogger("llm"),
		tracer:     observability.NoopTracerProvider(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *instrumentedProvider) Model() string { return p.underlying.Model() }

func (p *instrumentedProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	ctx, span := p.tracer.StartSpan(ctx, observability.SpanLLMComplete,
		attribute.String(observability.AttrModel, p.Model()))

	resp, err := p.underlying.Complete(ctx, req)

	duration := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
		if agenterrors.KindOf(err) != agenterrors.KindModelUnavailable {
			err = agenterrors.ModelUnavailable(err)
		}
		logging.ForContext(ctx, p.logger).Warn("model request failed after %v: %v", duration.Round(time.Millisecond), err)
	} else if duration > 5*time.Second {
		logging.ForContext(ctx, p.logger).Debug("model request succeeded after %v", duration.Round(time.Millisecond))
	}
	p.metrics.RecordLLMRequest(ctx, p.Model(), status, duration)
	observability.EndSpan(span, err)
	return resp, err
}
