package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// MetricsCollector records agent, tool and sandbox metrics. A collector built
// with metrics disabled accepts every call and records nothing.
type MetricsCollector struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	toolInvocations metric.Int64Counter
	toolDuration    metric.Float64Histogram
	sandboxJobs     metric.Int64Counter
	sandboxDuration metric.Float64Histogram
	sessionsActive  metric.Int64UpDownCounter
	sessionsEnded   metric.Int64Counter
	iterations      metric.Int64Counter
	memoryRecords   metric.Int64UpDownCounter
	llmRequests     metric.Int64Counter
	llmLatency      metric.Float64Histogram

	memory *MemoryMetrics
}

// NewMetricsCollector creates a collector backed by its own Prometheus
// registry so several collectors can coexist in one process.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	registry := prometheus.NewRegistry()
	if !config.Enabled {
		return &MetricsCollector{registry: registry}, nil
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("agentcore")

	m := &MetricsCollector{registry: registry, provider: provider}
	var errs []error
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		errs = append(errs, err)
		return h
	}
	gauge := func(name, desc, unit string) metric.Int64UpDownCounter {
		g, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, err)
		return g
	}

	m.toolInvocations = counter("agentcore.tool.invocations", "Tool invocations by tool and status", "{invocation}")
	m.toolDuration = histogram("agentcore.tool.duration", "Tool invocation duration in seconds")
	m.sandboxJobs = counter("agentcore.sandbox.jobs", "Sandbox jobs by outcome", "{job}")
	m.sandboxDuration = histogram("agentcore.sandbox.duration", "Sandbox job duration in seconds")
	m.sessionsActive = gauge("agentcore.sessions.active", "Number of running sessions", "{session}")
	m.sessionsEnded = counter("agentcore.sessions.terminated", "Sessions by terminal status", "{session}")
	m.iterations = counter("agentcore.loop.iterations", "Loop iterations executed", "{iteration}")
	m.memoryRecords = gauge("agentcore.memory.records", "Records held in the vector index", "{record}")
	m.llmRequests = counter("agentcore.llm.requests", "Model requests by model and status", "{request}")
	m.llmLatency = histogram("agentcore.llm.latency", "Model request latency in seconds")
	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to create instrument: %w", err)
		}
	}

	m.memory = NewMemoryMetricsWithRegisterer(registry)
	return m, nil
}

// Handler serves the collector's registry in the Prometheus text format.
func (m *MetricsCollector) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *MetricsCollector) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Memory returns the memory subsystem recorder (nil-safe when disabled).
func (m *MetricsCollector) Memory() *MemoryMetrics {
	if m == nil {
		return nil
	}
	return m.memory
}

// Shutdown flushes the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordToolInvocation records one dispatcher invocation.
func (m *MetricsCollector) RecordToolInvocation(ctx context.Context, tool, status string, duration time.Duration) {
	if m == nil || m.toolInvocations == nil {
		return
	}
	m.toolInvocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordSandboxJob records one sandbox job outcome.
func (m *MetricsCollector) RecordSandboxJob(ctx context.Context, language, outcome string, duration time.Duration) {
	if m == nil || m.sandboxJobs == nil {
		return
	}
	m.sandboxJobs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("outcome", outcome),
	))
	m.sandboxDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("language", language)))
}

// SessionStarted increments the active sessions gauge.
func (m *MetricsCollector) SessionStarted(ctx context.Context) {
	if m == nil || m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1)
}

// SessionEnded decrements the active sessions gauge and counts the status.
func (m *MetricsCollector) SessionEnded(ctx context.Context, status string) {
	if m == nil || m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1)
	m.sessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordIteration counts one loop iteration.
func (m *MetricsCollector) RecordIteration(ctx context.Context) {
	if m == nil || m.iterations == nil {
		return
	}
	m.iterations.Add(ctx, 1)
}

// AddMemoryRecords adjusts the memory record gauge by delta.
func (m *MetricsCollector) AddMemoryRecords(ctx context.Context, delta int) {
	if m == nil || m.memoryRecords == nil || delta == 0 {
		return
	}
	m.memoryRecords.Add(ctx, int64(delta))
}

// RecordLLMRequest records a model call.
func (m *MetricsCollector) RecordLLMRequest(ctx context.Context, model, status string, latency time.Duration) {
	if m == nil || m.llmRequests == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model), attribute.String("status", status))
	m.llmRequests.Add(ctx, 1, attrs)
	m.llmLatency.Record(ctx, latency.Seconds(), attrs)
}
