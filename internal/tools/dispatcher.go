package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/logging"
	"agentcore/internal/observability"
	"agentcore/internal/policy"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	historyLimit  = 100
	maxRetryDelay = 10 * time.Second
)

// Invocation is one entry of the dispatcher's call history.
type Invocation struct {
	CallID    string        `json:"call_id"`
	Tool      string        `json:"tool"`
	SessionID string        `json:"session_id,omitempty"`
	Status    string        `json:"status"`
	Attempts  int           `json:"attempts"`
	Cached    bool          `json:"cached,omitempty"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// Dispatcher routes tool calls to handlers and applies the policy's
// timeout, retry and host network rules to every call.
type Dispatcher struct {
	policy   *policy.Policy
	registry *Registry
	cache    *resultCache
	breakers *agenterrors.CircuitBreakerSet

	logger  logging.Logger
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider

	mu      sync.Mutex
	history []Invocation
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithLogger(logger logging.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logging.OrNop(logger) }
}

func WithMetrics(metrics *observability.MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = metrics }
}

func WithTracer(tracer *observability.TracerProvider) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = tracer }
}

func WithCache(config CacheConfig) DispatcherOption {
	return func(d *Dispatcher) { d.cache = newResultCache(config) }
}

func WithCircuitBreaker(config agenterrors.CircuitBreakerConfig) DispatcherOption {
	return func(d *Dispatcher) { d.breakers = agenterrors.NewCircuitBreakerSet(config) }
}

// NewDispatcher binds a registry to a policy.
func NewDispatcher(p *policy.Policy, registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		policy:   p,
		registry: registry,
		cache:    newResultCache(DefaultCacheConfig()),
		logger:   logging.NewComponentLogger("Dispatcher"),
		tracer:   observability.NoopTracerProvider(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.breakers == nil {
		config := agenterrors.DefaultCircuitBreakerConfig()
		config.Logger = d.logger
		d.breakers = agenterrors.NewCircuitBreakerSet(config)
	}
	return d
}

// Registry exposes the routing table.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Definitions lists the tools the model may call.
func (d *Dispatcher) Definitions() []ToolDefinition { return d.registry.List() }

// Invoke runs call and always returns a result; every failure is reported
// as a tagged error inside it.
func (d *Dispatcher) Invoke(ctx context.Context, call ToolCall) *ToolResult {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	start := time.Now()
	ctx, span := d.tracer.StartSpan(ctx, observability.SpanToolInvoke,
		attribute.String(observability.AttrToolName, call.Name))

	result, cached := d.invoke(ctx, call)
	result.CallID = call.ID
	result.Duration = time.Since(start)
	if result.Attempts == 0 && !cached {
		result.Attempts = 1
	}

	status := result.Status()
	span.SetAttributes(attribute.String(observability.AttrStatus, status))
	observability.EndSpan(span, result.Error)
	d.metrics.RecordToolInvocation(ctx, call.Name, status, result.Duration)
	d.record(Invocation{
		CallID:    call.ID,
		Tool:      call.Name,
		SessionID: call.SessionID,
		Status:    status,
		Attempts:  result.Attempts,
		Cached:    cached,
		Duration:  result.Duration,
		At:        start,
	})

	logger := logging.ForTool(logging.ForSession(d.logger, call.SessionID), call.Name, call.ID)
	if result.OK() {
		logger.Debug("ok in %s (attempts=%d cached=%t)", result.Duration.Round(time.Millisecond), result.Attempts, cached)
	} else {
		logger.Info("%s: %v", status, result.Error)
	}
	return result
}

func (d *Dispatcher) invoke(ctx context.Context, call ToolCall) (*ToolResult, bool) {
	tool, err := d.registry.Get(call.Name)
	if err != nil {
		return Failure(call, err), false
	}
	meta := tool.Metadata()

	if err := ValidateArguments(tool.Definition().Parameters, call.Arguments); err != nil {
		return Failure(call, agenterrors.Runtimef("%s: %v", call.Name, err)), false
	}
	if meta.HostNetwork {
		if denied := checkHostNetwork(d.policy, call); denied != nil {
			return Failure(call, denied), false
		}
	}

	if meta.Idempotent {
		if hit, ok := d.cache.get(call); ok {
			return hit, true
		}
	}

	var breaker *agenterrors.CircuitBreaker
	if meta.TransientProne {
		breaker = d.breakers.Get(call.Name)
		if err := breaker.Allow(); err != nil {
			return Failure(call, err), false
		}
	}

	result := d.runWithRetry(ctx, tool, meta, call)

	if breaker != nil {
		switch {
		case result.OK():
			breaker.Mark(nil)
		case retryable(result.Error):
			breaker.Mark(result.Error)
		}
	}
	if meta.Idempotent {
		d.cache.put(call, result)
	}
	return result, false
}

// runWithRetry retries only transient runtime errors, and only for tools
// marked transient-prone. Each attempt gets the full per-call timeout.
func (d *Dispatcher) runWithRetry(ctx context.Context, tool ToolExecutor, meta ToolMetadata, call ToolCall) *ToolResult {
	config := agenterrors.RetryConfig{
		BaseDelay:    d.policy.RetryBaseDelay(),
		MaxDelay:     maxRetryDelay,
		JitterFactor: 0.1,
		Retryable:    retryable,
	}
	if meta.TransientProne {
		config.MaxAttempts = d.policy.RetryAttempts()
	}

	var last *ToolResult
	attempts := 0
	_, _ = agenterrors.RetryWithResultAndLog(ctx, config, func(ctx context.Context) (struct{}, error) {
		attempts++
		last = d.runOnce(ctx, tool, call)
		return struct{}{}, last.Error
	}, d.logger)

	if last == nil {
		// The context ended before the first attempt.
		last = Failure(call, contextFailure(ctx, call.Name, d.policy.ToolTimeout()))
	}
	last.Attempts = attempts
	return last
}

type outcome struct {
	result *ToolResult
	err    error
}

// runOnce executes one attempt under the per-call timeout, or only the
// session deadline for interactive tools. When the
// deadline passes the handler goroutine is abandoned; its eventual result
// is discarded.
func (d *Dispatcher) runOnce(ctx context.Context, tool ToolExecutor, call ToolCall) *ToolResult {
	timeout := d.policy.ToolTimeout()
	if ctx.Err() != nil {
		return Failure(call, contextFailure(ctx, call.Name, timeout))
	}
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if tool.Metadata().Interactive {
		callCtx, cancel = context.WithCancel(ctx)
	} else {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", call.Name, r)}
			}
		}()
		res, err := tool.Execute(callCtx, call)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && callCtx.Err() != nil && errors.Is(out.err, callCtx.Err()) {
			// The handler gave up because its deadline passed.
			return Failure(call, contextFailure(ctx, call.Name, timeout))
		}
		return normalize(call, out)
	case <-callCtx.Done():
		return Failure(call, contextFailure(ctx, call.Name, timeout))
	}
}

func normalize(call ToolCall, out outcome) *ToolResult {
	if out.err != nil {
		var toolErr *agenterrors.ToolError
		if errors.As(out.err, &toolErr) {
			return Failure(call, toolErr)
		}
		return Failure(call, agenterrors.Runtime(out.err, agenterrors.IsTransient(out.err)))
	}
	if out.result == nil {
		return Failure(call, agenterrors.Runtimef("tool %s returned no result", call.Name))
	}
	return out.result
}

// contextFailure reports why a call's context ended: the session was
// cancelled, or the per-call (or session) deadline passed.
func contextFailure(parent context.Context, name string, timeout time.Duration) *agenterrors.ToolError {
	if errors.Is(parent.Err(), context.Canceled) {
		return agenterrors.Timeout("tool %s cancelled", name)
	}
	if parent.Err() != nil {
		return agenterrors.Timeout("tool %s stopped at the session deadline", name)
	}
	return agenterrors.Timeout("tool %s exceeded its timeout of %s", name, timeout)
}

func retryable(err error) bool {
	return agenterrors.KindOf(err) == agenterrors.KindRuntime && agenterrors.IsTransient(err)
}

func (d *Dispatcher) record(inv Invocation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, inv)
	if over := len(d.history) - historyLimit; over > 0 {
		d.history = append(d.history[:0:0], d.history[over:]...)
	}
}

// History returns recent invocations, oldest first.
func (d *Dispatcher) History() []Invocation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Invocation(nil), d.history...)
}

// Breakers reports the state of every circuit breaker.
func (d *Dispatcher) Breakers() []agenterrors.CircuitBreakerSnapshot {
	return d.breakers.Snapshots()
}
