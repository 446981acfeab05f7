package di

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"agentcore/internal/agent"
	"agentcore/internal/llm"
	"agentcore/internal/logging"
	"agentcore/internal/memory"
	"agentcore/internal/observability"
	"agentcore/internal/policy"
	"agentcore/internal/sandbox"
	"agentcore/internal/tools"
	"agentcore/internal/webui"
)

// Container holds all application dependencies
type Container struct {
	Policy     *policy.Policy
	Logger     *observability.Logger
	Metrics    *observability.MetricsCollector
	Tracer     *observability.TracerProvider
	Executor   *sandbox.Executor // nil when the sandbox is disabled
	Memory     *memory.Store
	Archive    *memory.Archive // nil when archive_path is empty
	Provider   llm.Provider
	Registry   *tools.Registry
	Dispatcher *tools.Dispatcher
	Controller *agent.Controller
	Manager    *agent.Manager
	Health     *webui.HealthChecker
}

// Config holds the dependency injection configuration
type Config struct {
	Policy        *policy.Policy
	Observability observability.Config

	// LogOutput overrides stderr as the log destination.
	LogOutput io.Writer
	// DisableSandbox skips the sandbox runtime; code_execute and shell_exec
	// are then not registered.
	DisableSandbox bool
	// Listener receives every session event in addition to subscribers.
	Listener agent.EventListener
}

// Cleanup gracefully shuts down all resources
func (c *Container) Cleanup(ctx context.Context) error {
	var errs []error
	if c.Manager != nil {
		if err := c.Manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown sessions: %w", err))
		}
	}
	if c.Archive != nil {
		if err := c.Archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}
	if c.Tracer != nil {
		if err := c.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	if c.Metrics != nil {
		if err := c.Metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics: %w", err))
		}
	}
	if c.Logger != nil {
		if err := c.Logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close logger: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ComponentLogger returns a printf-style logger scoped to component.
func (c *Container) ComponentLogger(component string) logging.Logger {
	return logging.FromObservabilityWithComponent(c.Logger, component)
}

// BuildContainer builds the dependency injection container with the given configuration
func BuildContainer(config Config) (*Container, error) {
	builder, err := newContainerBuilder(config)
	if err != nil {
		return nil, err
	}
	return builder.Build()
}

// resolveStorageDir expands a leading ~ and environment variables.
func resolveStorageDir(configured, defaultPath string) string {
	path := configured
	if path == "" {
		path = defaultPath
	}
	if path == "" {
		return path
	}

	if path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			switch {
			case len(path) == 1:
				path = home
			case path[1] == '/':
				path = filepath.Join(home, path[2:])
			default:
				path = filepath.Join(home, path[1:])
			}
		}
	}
	return os.ExpandEnv(path)
}
