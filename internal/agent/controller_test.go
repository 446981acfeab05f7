package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agentcore/internal/llm"
	"agentcore/internal/logging"
	"agentcore/internal/memory"
	"agentcore/internal/plan"
	"agentcore/internal/policy"
	"agentcore/internal/sandbox"
	"agentcore/internal/tools"
	"agentcore/internal/tools/builtin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTool struct {
	name string
	fn   func(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error)
}

func (s stubTool) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{Name: s.name, Version: "1.0.0", Category: "test"}
}

func (s stubTool) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        s.name,
		Description: "test tool",
		Parameters:  tools.ParameterSchema{Type: "object", Properties: map[string]tools.Property{}},
	}
}

func (s stubTool) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	if s.fn == nil {
		return &tools.ToolResult{CallID: call.ID, Content: "echo"}, nil
	}
	return s.fn(ctx, call)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.EventType() == kind {
			out = append(out, e)
		}
	}
	return out
}

func testPolicy(t *testing.T, mutate func(*policy.Values)) *policy.Policy {
	t.Helper()
	v := policy.DefaultValues()
	v.WorkspaceRoot = t.TempDir()
	v.SandboxRuntime = policy.RuntimeLocal
	v.MaxIterations = 10
	v.MaxTimeSeconds = 30
	v.ToolTimeoutSeconds = 5
	v.RetryAttempts = 0
	v.RetryBaseDelay = "1ms"
	if mutate != nil {
		mutate(&v)
	}
	p, err := policy.New(v)
	require.NoError(t, err)
	return p
}

func newTestController(t *testing.T, p *policy.Policy, provider llm.Provider, extra []tools.ToolExecutor, opts ...ControllerOption) *Controller {
	t.Helper()
	reg := tools.NewRegistry()
	executor := sandbox.NewExecutor(p, sandbox.NewLocalRuntime(), sandbox.WithLogger(logging.Nop()))
	require.NoError(t, builtin.Register(reg, builtin.Config{Policy: p, Sandbox: executor}))
	for _, tool := range extra {
		require.NoError(t, reg.Register(tool))
	}
	dispatcher := tools.NewDispatcher(p, reg, tools.WithLogger(logging.Nop()))
	opts = append([]ControllerOption{WithControllerLogger(logging.Nop())}, opts...)
	return NewController(p, provider, dispatcher, opts...)
}

func runSession(t *testing.T, c *Controller, goal string, listener EventListener) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return c.Run(ctx, c.NewSession("s-"+strings.ReplaceAll(t.Name(), "/", "-"), goal), listener)
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	p := testPolicy(t, func(v *policy.Values) { v.MaxIterations = 3 })
	provider := llm.NewScriptedProvider(llm.Action("echo", nil))
	c := newTestController(t, p, provider, []tools.ToolExecutor{stubTool{name: "echo"}})

	events := &recorder{}
	snap := runSession(t, c, "never finishes", events)

	require.Equal(t, StatusMaxIterations, snap.Status)
	require.Len(t, snap.Turns, 3)
	assert.Equal(t, 3, snap.Iterations)
	assert.Len(t, provider.Requests(), 3)
	for i, turn := range snap.Turns {
		assert.Equal(t, i+1, turn.Iteration)
		assert.Equal(t, memory.StatusOK, turn.Status)
	}
	assert.Len(t, events.ofType("turn"), 3)
	require.Len(t, events.ofType("status"), 1)
	assert.Equal(t, StatusMaxIterations, events.ofType("status")[0].(*StatusEvent).Status)
}

func TestDeniedCommandIsRecordedAndSessionContinues(t *testing.T) {
	p := testPolicy(t, nil)
	provider := llm.NewScriptedProvider(
		llm.Action("shell_exec", map[string]any{"command": "shutdown -h now"}),
		llm.Action("idle", map[string]any{"result": "could not shut down"}),
	)
	c := newTestController(t, p, provider, nil)

	snap := runSession(t, c, "turn the machine off", nil)

	require.Equal(t, StatusCompleted, snap.Status)
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, "shell_exec", snap.Turns[0].Tool)
	assert.Equal(t, "denied", snap.Turns[0].Status)
	assert.NotEmpty(t, snap.Turns[0].Error)
	assert.Equal(t, "idle", snap.Turns[1].Tool)
	assert.Equal(t, "could not shut down", snap.Result)

	reqs := provider.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.True(t, strings.HasPrefix(last.Content, "Observation (denied)"), last.Content)
}

func TestUnknownToolIsObservedNotFatal(t *testing.T) {
	p := testPolicy(t, nil)
	provider := llm.NewScriptedProvider(
		llm.Action("teleport", map[string]any{"to": "mars"}),
		llm.Action("idle", nil),
	)
	c := newTestController(t, p, provider, nil)

	snap := runSession(t, c, "go to mars", nil)
	require.Equal(t, StatusCompleted, snap.Status)
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, "unknown_tool", snap.Turns[0].Status)
	assert.Equal(t, "Task complete", snap.Result)
}

func TestMalformedReplyRetriedOnceThenFails(t *testing.T) {
	p := testPolicy(t, nil)
	provider := llm.NewScriptedProvider(llm.Reply("I would like to think about it."))
	c := newTestController(t, p, provider, nil)

	snap := runSession(t, c, "anything", nil)

	require.Equal(t, StatusFailed, snap.Status)
	assert.Empty(t, snap.Turns)
	assert.Contains(t, snap.Reason, ErrMalformedAction.Error())

	reqs := provider.Requests()
	require.Len(t, reqs, 2)
	retry := reqs[1].Messages
	assert.Equal(t, malformedCorrection, retry[len(retry)-1].Content)
}

func TestMalformedReplyRecovers(t *testing.T) {
	p := testPolicy(t, nil)
	provider := llm.NewScriptedProvider(
		llm.Reply("thinking..."),
		llm.Reply("```json\n{\"name\": \"idle\", \"parameters\": {\"result\": \"42\"}}\n```"),
	)
	c := newTestController(t, p, provider, nil)

	snap := runSession(t, c, "answer", nil)
	require.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "42", snap.Result)
	assert.Equal(t, 1, snap.Iterations)
}

func TestModelUnavailableRetriedOnceThenFails(t *testing.T) {
	p := testPolicy(t, nil)
	provider := llm.NewScriptedProvider(llm.Step{Err: errors.New("connection refused")})
	c := newTestController(t, p, provider, nil)

	snap := runSession(t, c, "anything", nil)
	require.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Reason, "model_unavailable")
	assert.Len(t, provider.Requests(), 2)
}

func TestModelRecoversAfterOneFailure(t *testing.T) {
	p := testPolicy(t, nil)
	provider := llm.NewScriptedProvider(
		llm.Step{Err: errors.New("connection reset")},
		llm.Action("idle", map[string]any{"result": "ok"}),
	)
	c := newTestController(t, p, provider, nil)

	snap := runSession(t, c, "anything", nil)
	require.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "ok", snap.Result)
}

func TestModelFailuresStayWithinTheirSession(t *testing.T) {
	p := testPolicy(t, func(v *policy.Values) { v.RetryAttempts = 2 })
	down := llm.Step{Err: errors.New("503 service unavailable")}
	scripted := llm.NewScriptedProvider(down, down, down, down, down, down,
		llm.Action("idle", map[string]any{"result": "back"}))
	c := newTestController(t, p, llm.Instrument(scripted, llm.WithProviderLogger(logging.Nop())), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		snap := c.Run(ctx, c.NewSession(fmt.Sprintf("down-%d", i), "anything"), nil)
		require.Equal(t, StatusFailed, snap.Status)
		assert.Contains(t, snap.Reason, "model_unavailable")
		assert.Len(t, scripted.Requests(), 2*(i+1), "one retry per session, none below it")
	}

	snap := c.Run(ctx, c.NewSession("recovered", "anything"), nil)
	require.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "back", snap.Result)
	assert.Len(t, scripted.Requests(), 7)
}

func TestRunTimesOut(t *testing.T) {
	p := testPolicy(t, func(v *policy.Values) { v.MaxTimeSeconds = 1 })
	slow := stubTool{name: "wait", fn: func(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	provider := llm.NewScriptedProvider(llm.Action("wait", nil))
	c := newTestController(t, p, provider, []tools.ToolExecutor{slow})

	start := time.Now()
	snap := runSession(t, c, "wait forever", nil)

	require.Equal(t, StatusTimedOut, snap.Status)
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, "timeout", snap.Turns[0].Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunTimesOutOnElapsedClock(t *testing.T) {
	p := testPolicy(t, func(v *policy.Values) { v.MaxTimeSeconds = 60 })
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := stubTool{name: "advance", fn: func(_ context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
		mu.Lock()
		now = now.Add(45 * time.Second)
		mu.Unlock()
		return &tools.ToolResult{CallID: call.ID, Content: "tick"}, nil
	}}
	provider := llm.NewScriptedProvider(llm.Action("advance", nil))
	c := newTestController(t, p, provider, []tools.ToolExecutor{advance}, WithClock(clock))

	snap := runSession(t, c, "count", nil)
	require.Equal(t, StatusTimedOut, snap.Status)
	assert.Len(t, snap.Turns, 2)
}

func TestRunCancelledFails(t *testing.T) {
	p := testPolicy(t, nil)
	c := newTestController(t, p, llm.NewScriptedProvider(llm.Action("idle", nil)), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap := c.Run(ctx, c.NewSession("cancelled", "goal"), nil)
	require.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, "cancelled", snap.Reason)
	assert.Empty(t, snap.Turns)
}

func TestSummarizationFoldsOlderTurns(t *testing.T) {
	p := testPolicy(t, func(v *policy.Values) {
		v.MaxIterations = 4
		v.AutoSummarizeThreshold = 2
		v.SummarizeKeepRecent = 1
	})
	provider := llm.NewScriptedProvider(llm.Action("echo", nil))
	c := newTestController(t, p, provider, []tools.ToolExecutor{stubTool{name: "echo"}})

	events := &recorder{}
	snap := runSession(t, c, "loop", events)

	require.Equal(t, StatusMaxIterations, snap.Status)
	require.Len(t, snap.Turns, 4, "the transcript keeps every turn")
	assert.NotEmpty(t, snap.Summary)
	require.NotEmpty(t, events.ofType("summary"))
	assert.False(t, events.ofType("summary")[0].(*SummaryEvent).Degraded)

	reqs := provider.Requests()
	var sawSummary bool
	for _, m := range reqs[len(reqs)-1].Messages {
		if strings.HasPrefix(m.Content, "Summary of earlier steps:") {
			sawSummary = true
		}
	}
	assert.True(t, sawSummary)
}

func TestSummarizationFailureDegrades(t *testing.T) {
	p := testPolicy(t, func(v *policy.Values) {
		v.MaxIterations = 3
		v.AutoSummarizeThreshold = 2
		v.SummarizeKeepRecent = 1
	})
	failing := memory.SummarizerFunc(func(context.Context, string, []memory.Turn) (string, error) {
		return "", errors.New("summarizer offline")
	})
	provider := llm.NewScriptedProvider(llm.Action("echo", nil))
	c := newTestController(t, p, provider, []tools.ToolExecutor{stubTool{name: "echo"}}, WithSummarizer(failing))

	events := &recorder{}
	snap := runSession(t, c, "loop", events)

	require.Equal(t, StatusMaxIterations, snap.Status)
	assert.Len(t, snap.Turns, 3)
	assert.Empty(t, snap.Summary)
	summaries := events.ofType("summary")
	require.Len(t, summaries, 1)
	assert.True(t, summaries[0].(*SummaryEvent).Degraded)
}

func TestTurnsAreIngestedIntoMemory(t *testing.T) {
	p := testPolicy(t, func(v *policy.Values) { v.MaxIterations = 3 })
	store, err := memory.NewStore(memory.StoreConfig{
		Capacity:     50,
		ResultsLimit: 3,
		Embedder:     memory.NewHashEmbedder(64),
		Logger:       logging.Nop(),
	})
	require.NoError(t, err)

	provider := llm.NewScriptedProvider(llm.Action("echo", nil))
	c := newTestController(t, p, provider, []tools.ToolExecutor{stubTool{name: "echo"}}, WithMemory(store))

	var sizes []int
	provenance := map[string]bool{}
	listener := ListenerFunc(func(e Event) {
		turn, ok := e.(*TurnEvent)
		if !ok {
			return
		}
		idx, err := store.Index(context.Background(), e.GetSessionID())
		require.NoError(t, err)
		sizes = append(sizes, idx.Len())
		matches, err := idx.Retrieve(context.Background(), "echo", 3)
		require.NoError(t, err)
		for _, m := range matches {
			provenance[m.Provenance] = true
		}
		assert.True(t, provenance[turn.Turn.ID], "turn %s not ingested", turn.Turn.ID)
	})

	snap := runSession(t, c, "remember things", listener)
	require.Len(t, snap.Turns, 3)
	assert.Equal(t, []int{1, 2, 3}, sizes)
	assert.Zero(t, store.Open(), "index is released once the session settles")
}

func TestSettledSessionsReleaseMemory(t *testing.T) {
	p := testPolicy(t, func(v *policy.Values) { v.MaxIterations = 2 })
	store, err := memory.NewStore(memory.StoreConfig{
		Capacity:     2,
		ResultsLimit: 2,
		Embedder:     memory.NewHashEmbedder(32),
		Logger:       logging.Nop(),
	})
	require.NoError(t, err)
	c := newTestController(t, p, llm.NewScriptedProvider(llm.Action("echo", nil)),
		[]tools.ToolExecutor{stubTool{name: "echo"}}, WithMemory(store))

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		snap := c.Run(ctx, c.NewSession(fmt.Sprintf("mem-%d", i), "loop"), nil)
		require.Equal(t, StatusMaxIterations, snap.Status)
	}
	assert.Zero(t, store.Open())
}

func TestTurnFromResultKeepsStderrAndArtifacts(t *testing.T) {
	call := tools.ToolCall{Name: "code_execute", Iteration: 2, Arguments: map[string]any{"language": "python"}}
	turn := turnFromResult(call, &tools.ToolResult{
		Content:   "out",
		Stderr:    "warn",
		Artifacts: []tools.Artifact{{Path: "plot.png"}},
	})
	assert.Equal(t, "out\nstderr:\nwarn", turn.Output)
	assert.Equal(t, []string{"plot.png"}, turn.Artifacts)
	assert.Equal(t, memory.StatusOK, turn.Status)
	assert.Equal(t, 2, turn.Iteration)
}

type planFunc func(ctx context.Context, goal string) (string, error)

func (f planFunc) Plan(ctx context.Context, goal string) (string, error) { return f(ctx, goal) }

func TestPlannerWritesTodoAndShowsItToTheModel(t *testing.T) {
	p := testPolicy(t, nil)
	provider := llm.NewScriptedProvider(llm.Action("idle", map[string]any{"result": "done"}))
	planner := planFunc(func(_ context.Context, goal string) (string, error) {
		return `{"goal": "` + goal + `", "steps": [{"id": "1", "description": "collect data"}, {"id": "2", "description": "write report"}]}`, nil
	})
	c := newTestController(t, p, provider, nil, WithPlanner(planner))

	events := &recorder{}
	snap := runSession(t, c, "quarterly report", events)
	require.Equal(t, StatusCompleted, snap.Status)

	plans := events.ofType("plan")
	require.NotEmpty(t, plans)
	got := plans[0].(*PlanEvent).Plan
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "collect data", got.Steps[0].Description)

	dir, err := builtin.NewWorkspaces(p.WorkspaceRoot()).Dir(snap.ID, false)
	require.NoError(t, err)
	todo, err := os.ReadFile(filepath.Join(dir, plan.TodoFile))
	require.NoError(t, err)
	assert.Contains(t, string(todo), "- [ ] 2. write report")

	reqs := provider.Requests()
	require.NotEmpty(t, reqs)
	var prompt strings.Builder
	for _, m := range reqs[0].Messages {
		prompt.WriteString(m.Content)
	}
	assert.Contains(t, prompt.String(), "Current plan (todo.md)")
	assert.Contains(t, prompt.String(), "collect data")
}

func TestPlannerFailureFallsBackToGenericPlan(t *testing.T) {
	p := testPolicy(t, nil)
	provider := llm.NewScriptedProvider(llm.Action("idle", map[string]any{"result": "done"}))
	planner := planFunc(func(context.Context, string) (string, error) {
		return "", errors.New("model down")
	})
	c := newTestController(t, p, provider, nil, WithPlanner(planner))

	events := &recorder{}
	snap := runSession(t, c, "anything", events)
	require.Equal(t, StatusCompleted, snap.Status)

	plans := events.ofType("plan")
	require.NotEmpty(t, plans)
	assert.Equal(t, plan.Fallback("anything").Steps, plans[0].(*PlanEvent).Plan.Steps)
}
