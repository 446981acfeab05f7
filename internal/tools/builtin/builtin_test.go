package builtin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/memory"
	"agentcore/internal/policy"
	"agentcore/internal/sandbox"
	"agentcore/internal/tools"
)

type fakeRunner struct {
	jobs   []sandbox.Job
	result sandbox.Result
}

func (f *fakeRunner) Run(_ context.Context, job sandbox.Job) sandbox.Result {
	f.jobs = append(f.jobs, job)
	res := f.result
	res.JobID = job.ID
	return res
}

type fakeSearcher struct {
	collection string
	k          int
	matches    []memory.Match
	err        error
}

func (f *fakeSearcher) Search(_ context.Context, collection, _ string, k int) ([]memory.Match, error) {
	f.collection = collection
	f.k = k
	return f.matches, f.err
}

func TestCodeExecuteBuildsSandboxJob(t *testing.T) {
	w := NewWorkspaces(t.TempDir())
	if _, err := w.Dir("s1", true); err != nil {
		t.Fatalf("workspace: %v", err)
	}
	runner := &fakeRunner{result: sandbox.Result{
		Stdout:    "4\n",
		Duration:  20 * time.Millisecond,
		Artifacts: []sandbox.Artifact{{Path: "out.csv", Size: 3, Data: []byte("a,b")}},
	}}
	tool := NewCodeExecute(runner, w)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, _ := tool.Execute(ctx, tools.ToolCall{ID: "job-1", SessionID: "s1", Arguments: map[string]any{
		"language":  "py",
		"code":      "print(2+2)",
		"artifacts": []any{"out.csv"},
	}})
	if !res.OK() || res.Content != "4\n" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(runner.jobs) != 1 {
		t.Fatalf("jobs = %d", len(runner.jobs))
	}
	job := runner.jobs[0]
	if job.Language != sandbox.LanguagePython || job.Source != "print(2+2)" || job.ID != "job-1" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Workspace == "" || job.Deadline.IsZero() {
		t.Fatalf("job should carry workspace and deadline: %+v", job)
	}
	if len(res.Artifacts) != 1 || string(res.Artifacts[0].Data) != "a,b" {
		t.Fatalf("unexpected artifacts: %+v", res.Artifacts)
	}
}

func TestCodeExecuteRejectsUnknownLanguage(t *testing.T) {
	runner := &fakeRunner{}
	res, _ := NewCodeExecute(runner, nil).Execute(context.Background(), tools.ToolCall{Arguments: map[string]any{
		"language": "cobol",
		"code":     "DISPLAY 'HI'",
	}})
	if res.Status() != string(agenterrors.KindDenied) || len(runner.jobs) != 0 {
		t.Fatalf("status = %s jobs = %d", res.Status(), len(runner.jobs))
	}
}

func TestShellExecPassesSandboxErrors(t *testing.T) {
	runner := &fakeRunner{result: sandbox.Result{
		ExitCode: 137,
		Stderr:   "Killed",
		Err:      agenterrors.ResourceExceeded("memory limit exceeded"),
	}}
	res, _ := NewShellExec(runner, nil).Execute(context.Background(), tools.ToolCall{Arguments: map[string]any{"command": "yes > /dev/null"}})
	if res.Status() != string(agenterrors.KindResourceExceeded) || res.ExitCode != 137 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if runner.jobs[0].Language != sandbox.LanguageBash {
		t.Fatalf("shell_exec should run bash, got %s", runner.jobs[0].Language)
	}
	if !strings.Contains(res.Observation(), "Killed") {
		t.Fatalf("observation should include stderr: %s", res.Observation())
	}
}

func TestEmptyOutputIsDescribed(t *testing.T) {
	runner := &fakeRunner{result: sandbox.Result{Duration: time.Second}}
	res, _ := NewShellExec(runner, nil).Execute(context.Background(), tools.ToolCall{Arguments: map[string]any{"command": "true"}})
	if !strings.HasPrefix(res.Content, "(no output, exit code 0") {
		t.Fatalf("content = %q", res.Content)
	}
}

type fakeExposer struct{ port int }

func (f *fakeExposer) Expose(_ context.Context, port int, protocol string) (string, error) {
	f.port = port
	return protocol + "://tunnel.example", nil
}

func TestDeployExposePort(t *testing.T) {
	exposer := &fakeExposer{}
	tool := &deployExposePort{exposer: exposer, probe: func(_ context.Context, port int) bool { return port == 3000 }}

	res, _ := tool.Execute(context.Background(), tools.ToolCall{Arguments: map[string]any{"port": float64(3000)}})
	if !res.OK() || exposer.port != 3000 || !strings.Contains(res.Content, "http://tunnel.example") {
		t.Fatalf("unexpected result: %+v", res)
	}
	res, _ = tool.Execute(context.Background(), tools.ToolCall{Arguments: map[string]any{"port": float64(5000)}})
	if res.Status() != string(agenterrors.KindRuntime) {
		t.Fatalf("idle port status = %s, want runtime_error", res.Status())
	}
	res, _ = tool.Execute(context.Background(), tools.ToolCall{Arguments: map[string]any{"port": float64(70000)}})
	if res.Status() != string(agenterrors.KindDenied) {
		t.Fatalf("invalid port status = %s, want denied", res.Status())
	}
}

func TestLocalExposer(t *testing.T) {
	url, _ := LocalExposer{}.Expose(context.Background(), 8080, "")
	if url != "http://localhost:8080" {
		t.Fatalf("url = %s", url)
	}
}

func TestMemorySearchFormatsMatches(t *testing.T) {
	searcher := &fakeSearcher{matches: []memory.Match{
		{Record: memory.Record{ID: "r1", Text: "wrote report.md"}, Similarity: 0.91},
		{Record: memory.Record{ID: "r2", Text: "fetched go.dev"}, Similarity: 0.42},
	}}
	tool := NewMemorySearch(searcher, 3)

	res, _ := tool.Execute(context.Background(), tools.ToolCall{SessionID: "s9", Arguments: map[string]any{"query": "report"}})
	if !res.OK() || searcher.collection != "s9" || searcher.k != 3 {
		t.Fatalf("unexpected search: %+v collection=%s k=%d", res, searcher.collection, searcher.k)
	}
	if !strings.HasPrefix(res.Content, "1. [0.910] wrote report.md") {
		t.Fatalf("content = %q", res.Content)
	}

	searcher.err = errors.New("index closed")
	res, _ = tool.Execute(context.Background(), tools.ToolCall{Arguments: map[string]any{"query": "x", "k": float64(1)}})
	if res.Status() != string(agenterrors.KindRuntime) || searcher.k != 1 {
		t.Fatalf("status = %s k = %d", res.Status(), searcher.k)
	}
}

func TestMessageNotifyUserAndIdle(t *testing.T) {
	var got string
	notifier := NotifierFunc(func(_ context.Context, sessionID, message string, _ []string) error {
		got = sessionID + ":" + message
		return nil
	})
	res, _ := NewMessageNotifyUser(notifier).Execute(context.Background(), tools.ToolCall{SessionID: "s1", Arguments: map[string]any{"message": "halfway"}})
	if !res.OK() || got != "s1:halfway" {
		t.Fatalf("notify: %+v got=%q", res, got)
	}

	res, _ = NewIdle().Execute(context.Background(), tools.ToolCall{})
	if res.Content != "Task complete" || res.Metadata["final"] != true {
		t.Fatalf("idle: %+v", res)
	}
}

func TestMessageAskUserReturnsAnswer(t *testing.T) {
	var asked Question
	asker := AskerFunc(func(_ context.Context, sessionID string, q Question) (string, error) {
		asked = q
		if sessionID != "s1" {
			return "", errors.New("wrong session")
		}
		return "use the staging bucket", nil
	})
	tool := NewMessageAskUser(asker)
	if !tool.Metadata().Interactive {
		t.Fatalf("message_ask_user must be interactive")
	}

	res, _ := tool.Execute(context.Background(), tools.ToolCall{SessionID: "s1", Arguments: map[string]any{"message": "Which bucket?"}})
	if !res.OK() || res.Content != "User replied: use the staging bucket" {
		t.Fatalf("ask: %+v", res)
	}
	if asked.Message != "Which bucket?" || asked.Takeover != "none" {
		t.Fatalf("question: %+v", asked)
	}

	res, _ = tool.Execute(context.Background(), tools.ToolCall{SessionID: "s1", Arguments: map[string]any{"message": "x", "suggest_user_takeover": "terminal"}})
	if res.OK() {
		t.Fatalf("unknown takeover should fail")
	}
	res, _ = tool.Execute(context.Background(), tools.ToolCall{SessionID: "s2", Arguments: map[string]any{"message": "x"}})
	if res.Status() != string(agenterrors.KindRuntime) {
		t.Fatalf("asker error should be a runtime failure: %+v", res)
	}
}

func TestMessageAskUserStopsWithContext(t *testing.T) {
	asker := AskerFunc(func(ctx context.Context, _ string, _ Question) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMessageAskUser(asker).Execute(ctx, tools.ToolCall{Arguments: map[string]any{"message": "still there?"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestPlanUpdateRewritesTodo(t *testing.T) {
	w := NewWorkspaces(t.TempDir())
	tool := NewPlanUpdate(w)
	call := func(args map[string]any) *tools.ToolResult {
		res, _ := tool.Execute(context.Background(), tools.ToolCall{SessionID: "s1", Arguments: args})
		return res
	}

	res := call(map[string]any{"steps": []any{"fetch data", "summarize"}})
	if !res.OK() || !strings.Contains(res.Content, "- [ ] 1. fetch data") {
		t.Fatalf("steps: %+v", res)
	}
	res = call(map[string]any{"completed": []any{"1"}})
	if !res.OK() || !strings.Contains(res.Content, "- [x] 1. fetch data") || res.Metadata["remaining"] != 1 {
		t.Fatalf("completed: %+v", res)
	}
	res = call(map[string]any{"steps": []any{"fetch data", "summarize", "publish"}})
	if !strings.Contains(res.Content, "- [x] 1. fetch data") || !strings.Contains(res.Content, "- [ ] 3. publish") {
		t.Fatalf("rewrite dropped completion: %s", res.Content)
	}
	if res = call(map[string]any{"completed": []any{"7"}}); res.OK() {
		t.Fatalf("unknown step should fail")
	}
	if res = call(map[string]any{}); res.OK() {
		t.Fatalf("empty update should fail")
	}

	dir, _ := w.Dir("s1", false)
	data, err := os.ReadFile(filepath.Join(dir, "todo.md"))
	if err != nil || !strings.Contains(string(data), "3. publish") {
		t.Fatalf("todo.md: %q %v", data, err)
	}
}

func TestRegisterHonorsCollaboratorsAndPolicy(t *testing.T) {
	p := testPolicy(t, func(v *policy.Values) { v.DeployEnabled = false })
	reg := tools.NewRegistry()
	if err := Register(reg, Config{Policy: p}); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, name := range []string{"code_execute", "shell_exec", "memory_search", "deploy_expose_port", "message_ask_user"} {
		if _, err := reg.Get(name); err == nil {
			t.Fatalf("%s should not be registered without its collaborator", name)
		}
	}

	p = testPolicy(t, func(v *policy.Values) { v.DeployEnabled = true })
	reg = tools.NewRegistry()
	asker := AskerFunc(func(context.Context, string, Question) (string, error) { return "", nil })
	if err := Register(reg, Config{Policy: p, Sandbox: &fakeRunner{}, Memory: &fakeSearcher{}, Asker: asker}); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, name := range []string{"web_fetch", "web_search", "file_read", "code_execute", "shell_exec", "memory_search", "deploy_expose_port", "message_ask_user", "plan_update", IdleToolName} {
		if _, err := reg.Get(name); err != nil {
			t.Fatalf("%s missing: %v", name, err)
		}
	}
}
