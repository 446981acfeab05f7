package webui

import (
	"context"
	"fmt"
	"sync"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/sandbox"
	"agentcore/internal/tools"
)

// HealthStatus of one component.
type HealthStatus string

const (
	HealthStatusReady    HealthStatus = "ready"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusNotReady HealthStatus = "not_ready"
	HealthStatusDisabled HealthStatus = "disabled"
)

// ComponentHealth is one probe's verdict.
type ComponentHealth struct {
	Name    string         `json:"name"`
	Status  HealthStatus   `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthProbe reports on one component.
type HealthProbe interface {
	Check(ctx context.Context) ComponentHealth
}

// HealthChecker aggregates health probes for all components
type HealthChecker struct {
	probes []HealthProbe
	mu     sync.RWMutex
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// RegisterProbe adds a health probe
func (h *HealthChecker) RegisterProbe(probe HealthProbe) {
	if probe == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe)
}

// CheckAll returns health status for all components
func (h *HealthChecker) CheckAll(ctx context.Context) []ComponentHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make([]ComponentHealth, 0, len(h.probes))
	for _, probe := range h.probes {
		results = append(results, probe.Check(ctx))
	}
	return results
}

// Overall folds component verdicts: any not-ready component makes the
// service not ready, any degraded one makes it degraded.
func Overall(components []ComponentHealth) HealthStatus {
	status := HealthStatusReady
	for _, c := range components {
		switch c.Status {
		case HealthStatusNotReady:
			return HealthStatusNotReady
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

// SandboxProbe reports the sandbox runtime and job counters.
type SandboxProbe struct {
	Executor *sandbox.Executor
}

func (p SandboxProbe) Check(context.Context) ComponentHealth {
	if p.Executor == nil {
		return ComponentHealth{Name: "sandbox", Status: HealthStatusDisabled, Message: "no sandbox configured"}
	}
	return ComponentHealth{
		Name:   "sandbox",
		Status: HealthStatusReady,
		Details: map[string]any{
			"runtime":    p.Executor.RuntimeName(),
			"active":     p.Executor.Active(),
			"executions": p.Executor.Executions(),
		},
	}
}

// BreakerProbe reports degraded when any tool circuit breaker is open.
type BreakerProbe struct {
	Dispatcher *tools.Dispatcher
}

func (p BreakerProbe) Check(context.Context) ComponentHealth {
	snaps := p.Dispatcher.Breakers()
	var open []string
	for _, s := range snaps {
		if s.State != agenterrors.StateClosed.String() {
			open = append(open, s.Name)
		}
	}
	health := ComponentHealth{
		Name:    "tools",
		Status:  HealthStatusReady,
		Details: map[string]any{"registered": len(p.Dispatcher.Definitions()), "breakers": snaps},
	}
	if len(open) > 0 {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("circuit open for %v", open)
	}
	return health
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc func(ctx context.Context) ComponentHealth

func (f ProbeFunc) Check(ctx context.Context) ComponentHealth { return f(ctx) }
