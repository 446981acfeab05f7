package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentcore/internal/agent"
	"agentcore/internal/httpclient"
	"agentcore/internal/llm"
	"agentcore/internal/logging"
	"agentcore/internal/memory"
	"agentcore/internal/observability"
	"agentcore/internal/policy"
	"agentcore/internal/sandbox"
	"agentcore/internal/tools"
	"agentcore/internal/tools/builtin"
	"agentcore/internal/webui"
)

// webTimeout bounds one web_fetch or web_search request.
const webTimeout = 30 * time.Second

type containerBuilder struct {
	config Config
	policy *policy.Policy

	obs     *observability.Logger
	logger  logging.Logger
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider
}

func newContainerBuilder(config Config) (*containerBuilder, error) {
	if config.Policy == nil {
		return nil, errors.New("container requires a policy")
	}
	p, err := resolvePaths(config.Policy)
	if err != nil {
		return nil, err
	}
	return &containerBuilder{config: config, policy: p}, nil
}

// resolvePaths expands ~ and environment variables in the policy's storage
// paths.
func resolvePaths(p *policy.Policy) (*policy.Policy, error) {
	values := p.Values()
	values.MemoryPath = resolveStorageDir(values.MemoryPath, "")
	values.ArchivePath = resolveStorageDir(values.ArchivePath, "")
	values.WorkspaceRoot = resolveStorageDir(values.WorkspaceRoot, "")
	if values.MemoryPath == p.MemoryPath() && values.ArchivePath == p.ArchivePath() && values.WorkspaceRoot == p.WorkspaceRoot() {
		return p, nil
	}
	return policy.New(values)
}

func (b *containerBuilder) Build() (c *Container, err error) {
	c = &Container{Policy: b.policy}
	defer func() {
		if err != nil {
			_ = c.Cleanup(context.Background())
			c = nil
		}
	}()

	if err = b.buildObservability(c); err != nil {
		return c, err
	}
	b.logger.Debug("Building container: runtime=%s provider=%s archive=%q", b.policy.SandboxRuntime(), b.policy.LLMProvider(), b.policy.ArchivePath())

	if c.Executor, err = b.buildSandbox(); err != nil {
		return c, err
	}
	if c.Memory, err = memory.NewStoreFromPolicy(b.policy, b.metrics, logging.FromObservabilityWithComponent(b.obs, "Memory")); err != nil {
		return c, fmt.Errorf("memory store: %w", err)
	}
	if path := b.policy.ArchivePath(); path != "" {
		if c.Archive, err = memory.OpenArchive(path); err != nil {
			return c, fmt.Errorf("session archive: %w", err)
		}
	}
	if c.Provider, err = llm.NewFromPolicy(b.policy, llm.FactoryOptions{
		Logger:  logging.FromObservabilityWithComponent(b.obs, "LLM"),
		Metrics: b.metrics,
		Tracer:  b.tracer,
	}); err != nil {
		return c, err
	}

	// The message tools reach the manager, which is built last.
	var manager *agent.Manager
	notifier := builtin.NotifierFunc(func(ctx context.Context, sessionID, message string, attachments []string) error {
		if manager == nil {
			return agent.ErrSessionNotFound
		}
		return manager.Notify(ctx, sessionID, message, attachments)
	})
	asker := builtin.AskerFunc(func(ctx context.Context, sessionID string, q builtin.Question) (string, error) {
		if manager == nil {
			return "", agent.ErrSessionNotFound
		}
		return manager.Ask(ctx, sessionID, q)
	})
	if c.Registry, err = b.buildToolRegistry(c, notifier, asker); err != nil {
		return c, err
	}
	c.Dispatcher = tools.NewDispatcher(b.policy, c.Registry,
		tools.WithLogger(logging.FromObservabilityWithComponent(b.obs, "Dispatcher")),
		tools.WithMetrics(b.metrics),
		tools.WithTracer(b.tracer),
	)

	controllerOpts := []agent.ControllerOption{
		agent.WithControllerLogger(logging.FromObservabilityWithComponent(b.obs, "Controller")),
		agent.WithControllerMetrics(b.metrics),
		agent.WithControllerTracer(b.tracer),
		agent.WithMemory(c.Memory),
		agent.WithSummarizer(llm.NewSummarizer(c.Provider)),
	}
	if b.policy.Planning() {
		controllerOpts = append(controllerOpts, agent.WithPlanner(llm.NewPlanner(c.Provider)))
	}
	c.Controller = agent.NewController(b.policy, c.Provider, c.Dispatcher, controllerOpts...)

	managerOpts := []agent.ManagerOption{agent.WithManagerLogger(logging.FromObservabilityWithComponent(b.obs, "Sessions"))}
	if c.Archive != nil {
		managerOpts = append(managerOpts, agent.WithArchive(c.Archive))
	}
	if b.config.Listener != nil {
		managerOpts = append(managerOpts, agent.WithListener(b.config.Listener))
	}
	manager = agent.NewManager(c.Controller, managerOpts...)
	c.Manager = manager

	c.Health = b.buildHealth(c)
	b.logger.Info("Container built: %d tools registered", len(c.Registry.List()))
	return c, nil
}

func (b *containerBuilder) buildObservability(c *Container) error {
	cfg := b.config.Observability
	b.obs = observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		Output: b.config.LogOutput,
	})
	observability.SetDefault(b.obs)
	c.Logger = b.obs
	b.logger = logging.FromObservabilityWithComponent(b.obs, "DI")

	metrics, err := observability.NewMetricsCollector(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	b.metrics = metrics
	c.Metrics = metrics

	tracer, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		b.logger.Warn("Tracing unavailable, continuing without spans: %v", err)
		tracer = observability.NoopTracerProvider()
	}
	b.tracer = tracer
	c.Tracer = tracer
	return nil
}

func (b *containerBuilder) buildSandbox() (*sandbox.Executor, error) {
	if b.config.DisableSandbox {
		b.logger.Info("Sandbox disabled; code and shell tools are unavailable")
		return nil, nil
	}
	runtime, err := sandbox.NewRuntime(b.policy)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	return sandbox.NewExecutor(b.policy, runtime,
		sandbox.WithLogger(logging.FromObservabilityWithComponent(b.obs, "Sandbox")),
		sandbox.WithMetrics(b.metrics),
		sandbox.WithTracer(b.tracer),
	), nil
}

func (b *containerBuilder) buildToolRegistry(c *Container, notifier builtin.Notifier, asker builtin.Asker) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	client := httpclient.NewWithCircuitBreaker(webTimeout, logging.FromObservabilityWithComponent(b.obs, "HTTP"), "web")
	cfg := builtin.Config{
		Policy:     b.policy,
		Memory:     c.Memory,
		Notifier:   notifier,
		Asker:      asker,
		HTTPClient: client,
	}
	if c.Executor != nil {
		cfg.Sandbox = c.Executor
	}
	if err := builtin.Register(registry, cfg); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}
	return registry, nil
}

func (b *containerBuilder) buildHealth(c *Container) *webui.HealthChecker {
	health := webui.NewHealthChecker()
	health.RegisterProbe(webui.SandboxProbe{Executor: c.Executor})
	health.RegisterProbe(webui.BreakerProbe{Dispatcher: c.Dispatcher})

	archive := c.Archive
	health.RegisterProbe(webui.ProbeFunc(func(ctx context.Context) webui.ComponentHealth {
		if archive == nil {
			return webui.ComponentHealth{Name: "archive", Status: webui.HealthStatusDisabled, Message: "archive_path is empty"}
		}
		if err := archive.Ping(ctx); err != nil {
			return webui.ComponentHealth{Name: "archive", Status: webui.HealthStatusNotReady, Message: err.Error()}
		}
		return webui.ComponentHealth{Name: "archive", Status: webui.HealthStatusReady}
	}))

	provider := b.policy.LLMProvider()
	health.RegisterProbe(webui.ProbeFunc(func(context.Context) webui.ComponentHealth {
		return webui.ComponentHealth{
			Name:    "llm",
			Status:  webui.HealthStatusReady,
			Details: map[string]any{"provider": provider, "model": b.policy.LLMModel()},
		}
	}))
	return health
}
