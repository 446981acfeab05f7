package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/llm"
	"agentcore/internal/logging"
	"agentcore/internal/memory"
	"agentcore/internal/observability"
	"agentcore/internal/plan"
	"agentcore/internal/policy"
	"agentcore/internal/tools"
	"agentcore/internal/tools/builtin"

	"go.opentelemetry.io/otel/attribute"
)

// decideAttempts bounds model calls per iteration: the first try plus one
// retry for a malformed reply or an unavailable model.
const decideAttempts = 2

// Controller drives sessions through the plan-act-observe loop. It is safe
// to run many sessions concurrently; all per-session state lives in Session.
type Controller struct {
	policy     *policy.Policy
	provider   llm.Provider
	dispatcher *tools.Dispatcher
	memory     *memory.Store
	summarizer memory.Summarizer
	planner    Planner
	workspaces *builtin.Workspaces
	logger     logging.Logger
	metrics    *observability.MetricsCollector
	tracer     *observability.TracerProvider
	now        func() time.Time
}

type ControllerOption func(*Controller)

func WithControllerLogger(logger logging.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logging.OrNop(logger) }
}

func WithControllerMetrics(metrics *observability.MetricsCollector) ControllerOption {
	return func(c *Controller) { c.metrics = metrics }
}

func WithControllerTracer(tracer *observability.TracerProvider) ControllerOption {
	return func(c *Controller) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithMemory enables long-term recall: every turn is ingested into a
// per-session index and similar records are offered back to the model.
func WithMemory(store *memory.Store) ControllerOption {
	return func(c *Controller) { c.memory = store }
}

// WithSummarizer sets how folded turns are condensed. The default is the
// extractive summarizer.
func WithSummarizer(s memory.Summarizer) ControllerOption {
	return func(c *Controller) { c.summarizer = s }
}

// Planner drafts a step plan for a goal before the first action.
type Planner interface {
	Plan(ctx context.Context, goal string) (string, error)
}

// WithPlanner adds a planning step at session start. The plan is written to
// todo.md in the session workspace.
func WithPlanner(p Planner) ControllerOption {
	return func(c *Controller) { c.planner = p }
}

// WithClock overrides time.Now for elapsed-time accounting.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func NewController(p *policy.Policy, provider llm.Provider, dispatcher *tools.Dispatcher, opts ...ControllerOption) *Controller {
	c := &Controller{
		policy:     p,
		provider:   provider,
		dispatcher: dispatcher,
		logger:     logging.NewComponentLogger("Controller"),
		workspaces: builtin.NewWorkspaces(p.WorkspaceRoot()),
		tracer:     observability.NoopTracerProvider(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewSession creates a running session whose window follows the policy's
// summarization settings.
func (c *Controller) NewSession(id, goal string) *Session {
	window := memory.NewWindow(memory.WindowConfig{
		KeepRecent: c.policy.SummarizeKeepRecent(),
		Budget:     c.policy.ContextTokenBudget(),
		Summarizer: c.summarizer,
		Metrics:    c.metrics.Memory(),
	})
	s := NewSession(id, goal, window)
	s.StartedAt = c.now()
	return s
}

// Run drives session until it reaches a terminal status and returns its
// final snapshot. Cancelling ctx ends the session as failed; the policy's
// max duration ends it as timed out.
func (c *Controller) Run(ctx context.Context, session *Session, listener EventListener) Snapshot {
	r := &runtime{
		ctrl:     c,
		session:  session,
		listener: listener,
		logger:   logging.ForSession(c.logger, session.ID),
	}
	r.run(ctx)
	return session.Snapshot()
}

// runtime is the state of one Run call.
type runtime struct {
	ctrl     *Controller
	session  *Session
	listener EventListener
	logger   logging.Logger
	index    *memory.Index
	todo     string // last todo.md content seen
}

func (r *runtime) run(parent context.Context) {
	c := r.ctrl
	deadline := r.session.StartedAt.Add(c.policy.MaxDuration())
	ctx, cancel := context.WithDeadline(observability.ContextWithSessionID(parent, r.session.ID), deadline)
	defer cancel()

	ctx, span := c.tracer.StartSpan(ctx, observability.SpanSessionRun)
	c.metrics.SessionStarted(ctx)
	r.logger.Info("Session started: %q", r.session.Goal)

	if c.memory != nil {
		idx, err := c.memory.Index(ctx, r.session.ID)
		if err != nil {
			r.logger.Warn("Long-term memory unavailable, continuing without recall: %v", err)
		} else {
			r.index = idx
			defer r.releaseIndex()
		}
	}

	if c.planner != nil {
		r.plan(ctx)
	}

	for !r.session.Status().Terminal() {
		if status, reason, stop := r.checkLimits(ctx); stop {
			r.finish(ctx, status, reason, "")
			break
		}
		r.runIteration(ctx)
	}

	snap := r.session.Snapshot()
	span.SetAttributes(
		attribute.String(observability.AttrStatus, string(snap.Status)),
		attribute.Int(observability.AttrIteration, snap.Iterations),
	)
	var spanErr error
	if snap.Status == StatusFailed {
		spanErr = errors.New(snap.Reason)
	}
	observability.EndSpan(span, spanErr)
}

// checkLimits evaluates the termination guards that run before every
// iteration.
func (r *runtime) checkLimits(ctx context.Context) (Status, string, bool) {
	c := r.ctrl
	if limit := c.policy.MaxIterations(); r.session.Iterations() >= limit {
		return StatusMaxIterations, fmt.Sprintf("reached max iterations (%d)", limit), true
	}
	if elapsed := c.now().Sub(r.session.StartedAt); elapsed >= c.policy.MaxDuration() {
		return StatusTimedOut, fmt.Sprintf("exceeded max duration of %s", c.policy.MaxDuration()), true
	}
	if ctx.Err() != nil {
		return r.contextStatus(ctx)
	}
	return "", "", false
}

func (r *runtime) contextStatus(ctx context.Context) (Status, string, bool) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StatusTimedOut, fmt.Sprintf("exceeded max duration of %s", r.ctrl.policy.MaxDuration()), true
	}
	return StatusFailed, "cancelled", true
}

func (r *runtime) runIteration(ctx context.Context) {
	c := r.ctrl
	iteration := r.session.Iterations() + 1
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanIteration,
		attribute.Int(observability.AttrIteration, iteration))
	defer span.End()

	in := r.buildContext(ctx)
	action, err := r.decide(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			status, reason, _ := r.contextStatus(ctx)
			r.finish(ctx, status, reason, "")
			return
		}
		span.RecordError(err)
		r.finish(ctx, StatusFailed, err.Error(), "")
		return
	}
	r.logger.Debug("Iteration %d: %s %v", iteration, action.Name, action.Parameters)

	call := tools.ToolCall{
		Name:      action.Name,
		Arguments: action.Parameters,
		SessionID: r.session.ID,
		Iteration: iteration,
	}
	result := c.dispatcher.Invoke(ctx, call)
	turn := r.session.Transcript().Append(turnFromResult(call, result))
	r.remember(ctx, turn)
	r.emit(&TurnEvent{BaseEvent: r.base(), Turn: turn})

	r.session.incrementIteration()
	c.metrics.RecordIteration(ctx)

	if action.Name == builtin.IdleToolName {
		final := strings.TrimSpace(tools.StringArg(action.Parameters, "result"))
		if result.OK() {
			final = result.Content
		}
		r.finish(ctx, StatusCompleted, "goal reached", final)
		return
	}
	r.maybeSummarize(ctx, iteration)
}

// buildContext assembles the summary, raw tail and recalled memories for the
// next model call.
func (r *runtime) buildContext(ctx context.Context) contextInput {
	view := r.session.Window().View(r.session.Transcript())
	in := contextInput{
		goal:  r.session.Goal,
		tools: r.ctrl.dispatcher.Definitions(),
		view:  view,
		todo:  r.syncTodo(),
	}
	if r.index == nil || len(view.Turns) == 0 {
		return in
	}

	visible := make(map[string]bool, len(view.Turns))
	for _, t := range view.Turns {
		visible[t.ID] = true
	}
	query := r.session.Goal + "\n" + view.Turns[len(view.Turns)-1].Text()
	matches, err := r.index.Retrieve(ctx, query, r.ctrl.policy.ResultsLimit())
	if err != nil {
		r.logger.Warn("Memory recall failed: %v", err)
		return in
	}
	for _, m := range matches {
		if !visible[m.Provenance] {
			in.recalls = append(in.recalls, m)
		}
	}
	return in
}

// decide asks the model for the next action. A malformed reply is retried
// once with a correction; an unavailable model is retried once as is after
// retry_base_delay. This is the only retry applied to model calls.
func (r *runtime) decide(ctx context.Context, in contextInput) (Action, error) {
	c := r.ctrl
	var lastErr error
	for attempt := 0; attempt < decideAttempts; attempt++ {
		req := buildRequest(in, c.policy.Temperature(), c.policy.MaxTokens())
		resp, err := c.provider.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return Action{}, ctx.Err()
			}
			if agenterrors.KindOf(err) != agenterrors.KindModelUnavailable {
				err = agenterrors.ModelUnavailable(err)
			}
			r.logger.Warn("Model call failed (attempt %d/%d): %v", attempt+1, decideAttempts, err)
			lastErr = err
			if attempt+1 < decideAttempts {
				if err := sleepCtx(ctx, c.policy.RetryBaseDelay()); err != nil {
					return Action{}, err
				}
			}
			continue
		}
		action, err := ParseAction(resp.Content)
		if err != nil {
			r.logger.Warn("Malformed model reply (attempt %d/%d): %v", attempt+1, decideAttempts, err)
			lastErr = err
			in.correction = true
			continue
		}
		return action, nil
	}
	return Action{}, lastErr
}

// plan drafts the session's steps and writes todo.md. A failed or stepless
// plan falls back to a generic checklist.
func (r *runtime) plan(ctx context.Context) {
	goal := r.session.Goal
	text, err := r.ctrl.planner.Plan(ctx, goal)
	if err != nil {
		r.logger.Warn("Planning failed, using the fallback plan: %v", err)
	}
	p := plan.Parse(text)
	if len(p.Steps) == 0 {
		p = plan.Fallback(goal)
	}
	if p.Goal == "" {
		p.Goal = goal
	}
	path, err := r.todoPath(true)
	if err == nil {
		var synced plan.Plan
		if synced, _, err = plan.Sync(path, p); err == nil {
			p = synced
		}
	}
	if err != nil {
		r.logger.Warn("Failed to write %s: %v", plan.TodoFile, err)
	}
	r.logger.Info("Plan ready: %d steps", len(p.Steps))
	r.emit(&PlanEvent{BaseEvent: r.base(), Plan: p})
	r.todo = p.Markdown()
}

// syncTodo reads todo.md before each step. The model may rewrite it with
// plan_update or the file tools; a changed checklist is re-announced.
func (r *runtime) syncTodo() string {
	path, err := r.todoPath(false)
	if err != nil {
		return r.todo
	}
	p, err := plan.Read(path)
	if err != nil {
		r.logger.Warn("Failed to read %s: %v", plan.TodoFile, err)
		return r.todo
	}
	if len(p.Steps) == 0 {
		return ""
	}
	if todo := p.Markdown(); todo != r.todo {
		r.todo = todo
		r.emit(&PlanEvent{BaseEvent: r.base(), Plan: p})
	}
	return r.todo
}

func (r *runtime) todoPath(create bool) (string, error) {
	dir, err := r.ctrl.workspaces.Dir(r.session.ID, create)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, plan.TodoFile), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *runtime) releaseIndex() {
	if err := r.ctrl.memory.Release(r.session.ID); err != nil {
		r.logger.Warn("Failed to release memory index: %v", err)
	}
}

func (r *runtime) remember(ctx context.Context, turn memory.Turn) {
	if r.index == nil {
		return
	}
	if _, err := r.index.Ingest(ctx, turn.Text(), turn.ID); err != nil {
		r.logger.Warn("Failed to ingest turn %s: %v", turn.ID, err)
	}
}

// maybeSummarize folds older turns every SummarizeEvery iterations or as
// soon as the window is over budget. Failure degrades: the loop continues
// with the unsummarized window.
func (r *runtime) maybeSummarize(ctx context.Context, iteration int) {
	window := r.session.Window()
	transcript := r.session.Transcript()
	every := r.ctrl.policy.SummarizeEvery()
	due := every > 0 && iteration%every == 0
	if !due && !window.OverBudget(transcript) {
		return
	}

	before := window.Folded()
	summary, err := window.Summarize(ctx, transcript)
	if err != nil {
		r.logger.Warn("Summarization failed, keeping raw context: %v", err)
		r.emit(&SummaryEvent{BaseEvent: r.base(), Folded: before, Degraded: true, Summary: summary})
		return
	}
	if after := window.Folded(); after > before {
		r.logger.Debug("Folded turns %d-%d into summary", before, after-1)
		r.emit(&SummaryEvent{BaseEvent: r.base(), Folded: after, Summary: summary})
	}
}

func (r *runtime) finish(ctx context.Context, status Status, reason, result string) {
	at := r.ctrl.now()
	if !r.session.terminate(status, reason, result, at) {
		return
	}
	iterations := r.session.Iterations()
	r.ctrl.metrics.SessionEnded(ctx, string(status))
	if status == StatusCompleted {
		r.logger.Info("Session completed after %d iterations", iterations)
	} else {
		r.logger.Warn("Session ended %s after %d iterations: %s", status, iterations, reason)
	}
	r.emit(&StatusEvent{
		BaseEvent:  newBaseEvent(r.session.ID, at),
		Status:     status,
		Reason:     reason,
		Result:     result,
		Iterations: iterations,
		Duration:   at.Sub(r.session.StartedAt),
	})
}

func (r *runtime) base() BaseEvent { return newBaseEvent(r.session.ID, r.ctrl.now()) }

func (r *runtime) emit(e Event) {
	if r.listener != nil {
		r.listener.OnEvent(e)
	}
}

// turnFromResult records a dispatcher result. Output keeps stdout and
// stderr; Error carries the failure as the model should read it.
func turnFromResult(call tools.ToolCall, result *tools.ToolResult) memory.Turn {
	turn := memory.Turn{
		Iteration: call.Iteration,
		Tool:      call.Name,
		Arguments: call.Arguments,
		Status:    result.Status(),
		Output:    result.Content,
	}
	if result.Stderr != "" {
		if turn.Output != "" {
			turn.Output += "\n"
		}
		turn.Output += "stderr:\n" + result.Stderr
	}
	if result.Error != nil {
		turn.Error = agenterrors.FormatForLLM(result.Error)
	}
	for _, a := range result.Artifacts {
		turn.Artifacts = append(turn.Artifacts, a.Path)
	}
	return turn
}
