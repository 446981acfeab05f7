package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/logging"
	"agentcore/internal/observability"
	"agentcore/internal/policy"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// Executor runs jobs under the policy's limits, one fresh environment per
// job, at most max_concurrent_jobs at a time.
type Executor struct {
	policy  *policy.Policy
	runtime Runtime
	sem     *semaphore.Weighted
	created atomic.Int64
	active  atomic.Int64

	logger  logging.Logger
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(logger logging.Logger) Option {
	return func(e *Executor) { e.logger = logging.OrNop(logger) }
}

func WithMetrics(metrics *observability.MetricsCollector) Option {
	return func(e *Executor) { e.metrics = metrics }
}

func WithTracer(tracer *observability.TracerProvider) Option {
	return func(e *Executor) { e.tracer = tracer }
}

// NewExecutor binds a runtime to a policy.
func NewExecutor(p *policy.Policy, runtime Runtime, opts ...Option) *Executor {
	e := &Executor{
		policy:  p,
		runtime: runtime,
		sem:     semaphore.NewWeighted(int64(p.MaxConcurrentJobs())),
		logger:  logging.NewComponentLogger("Sandbox"),
		tracer:  observability.NoopTracerProvider(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Executions returns how many environments have been created.
func (e *Executor) Executions() int64 { return e.created.Load() }

// Active returns how many jobs currently hold an environment.
func (e *Executor) Active() int64 { return e.active.Load() }

// RuntimeName names the underlying runtime.
func (e *Executor) RuntimeName() string { return e.runtime.Name() }

// Run validates and executes job. It always returns a Result; failures are
// reported through Result.Err.
func (e *Executor) Run(ctx context.Context, job Job) Result {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	start := time.Now()
	ctx, span := e.tracer.StartSpan(ctx, observability.SpanSandboxJob,
		attribute.String(observability.AttrLanguage, string(job.Language)))

	result := e.run(ctx, job)
	result.JobID = job.ID
	result.Duration = time.Since(start)

	var spanErr error
	if result.Err != nil {
		spanErr = result.Err
	}
	span.SetAttributes(attribute.String(observability.AttrStatus, result.Status()))
	observability.EndSpan(span, spanErr)
	e.metrics.RecordSandboxJob(ctx, string(job.Language), result.Status(), result.Duration)
	return result
}

func (e *Executor) run(ctx context.Context, job Job) Result {
	if denied := Validate(e.policy, job); denied != nil {
		logging.ForContext(ctx, e.logger).Warn("job %s denied: %s", job.ID, denied.Message)
		return Result{Err: denied}
	}

	deadline := job.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(e.policy.ToolTimeout())
	}
	budget := time.Until(deadline).Round(time.Millisecond)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{Err: agenterrors.Timeout("job %s did not start before its deadline", job.ID)}
	}
	defer e.sem.Release(1)

	limits := e.limits(deadline)
	e.created.Add(1)
	handle, err := e.runtime.Create(ctx, EnvSpec{
		JobID:     job.ID,
		Image:     e.policy.SandboxImage(),
		Limits:    limits,
		Workspace: job.Workspace,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{Err: agenterrors.Timeout("job %s deadline expired while creating its environment", job.ID)}
		}
		return Result{Err: asToolError(err)}
	}
	e.active.Add(1)
	defer e.active.Add(-1)

	out, err := e.runtime.Execute(ctx, handle, Payload{
		Language: job.Language,
		Source:   job.Source,
		Env:      job.Env,
	})
	if err != nil && ctx.Err() != nil {
		e.teardown(handle, true)
		res := Result{ExitCode: -1, Err: agenterrors.Timeout("job exceeded its deadline of %s", budget)}
		if out != nil {
			res.Stdout, res.Stderr = out.Stdout, out.Stderr
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			res.Err = agenterrors.Timeout("job cancelled")
		}
		return res
	}
	if err != nil {
		e.teardown(handle, false)
		return Result{Err: asToolError(err)}
	}

	res := Result{
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		ExitCode:  out.ExitCode,
		Artifacts: collectArtifacts(handle.Dir, job.Artifacts),
	}
	e.teardown(handle, false)

	switch {
	case out.OOMKilled:
		res.Err = agenterrors.ResourceExceeded("job exceeded its resource limits (memory %s, cpu %g)", limits.MemorySpec, limits.CPU)
	case out.ExitCode != 0:
		res.Err = agenterrors.Runtimef("process exited with code %d", out.ExitCode)
	}
	return res
}

func (e *Executor) limits(deadline time.Time) Limits {
	return Limits{
		MemoryBytes:    e.policy.MemoryLimit(),
		MemorySpec:     e.policy.MemoryLimitSpec(),
		CPU:            e.policy.CPUShare(),
		Network:        e.policy.NetworkEnabled(),
		BlockedDomains: e.policy.BlockedDomains(),
		AllowSudo:      e.policy.AllowSudo(),
		Deadline:       deadline,
	}
}

// teardown always destroys the environment. When graceful is set the
// program is first asked to stop and given the kill grace.
func (e *Executor) teardown(h *Handle, graceful bool) {
	grace := e.policy.KillGrace()
	ctx, cancel := context.WithTimeout(context.Background(), grace+reapTimeout+10*time.Second)
	defer cancel()
	if graceful {
		if err := e.runtime.Stop(ctx, h, grace); err != nil {
			e.logger.Debug("stop %s: %v", h.ID, err)
		}
	}
	if err := e.runtime.Destroy(ctx, h); err != nil {
		e.logger.Warn("destroy %s: %v", h.ID, err)
	}
}

func asToolError(err error) *agenterrors.ToolError {
	var toolErr *agenterrors.ToolError
	if errors.As(err, &toolErr) {
		return toolErr
	}
	return agenterrors.Runtime(fmt.Errorf("sandbox: %w", err), agenterrors.IsTransient(err))
}
