package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/logging"
	"agentcore/internal/memory"
	"agentcore/internal/policy"

	"github.com/stretchr/testify/require"
)

func TestScriptedProviderReplaysAndRepeatsLastStep(t *testing.T) {
	p := NewScriptedProvider(Reply("one"), Action("idle", nil))
	ctx := context.Background()

	resp, err := p.Complete(ctx, Request{})
	require.NoError(t, err)
	require.Equal(t, "one", resp.Content)

	for i := 0; i < 2; i++ {
		resp, err = p.Complete(ctx, Request{})
		require.NoError(t, err)
		require.JSONEq(t, `{"name":"idle","parameters":{}}`, resp.Content)
	}
	require.Len(t, p.Requests(), 3)
}

func TestMockProviderCompletesWithGoal(t *testing.T) {
	resp, err := MockProvider{}.Complete(context.Background(), Request{Messages: []Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "count the files\nmore context"},
	}})
	require.NoError(t, err)

	var action struct {
		Name       string         `json:"name"`
		Parameters map[string]any `json:"parameters"`
	}
	require.NoError(t, json.Unmarshal([]byte(resp.Content), &action))
	require.Equal(t, "idle", action.Name)
	require.Equal(t, "mock provider received: count the files", action.Parameters["result"])
}

func TestInstrumentDoesNotRetry(t *testing.T) {
	flaky := NewScriptedProvider(
		Step{Err: &agenterrors.TransientError{Err: errors.New("503"), StatusCode: 503}},
		Reply("done"),
	)
	p := Instrument(flaky, WithProviderLogger(logging.Nop()))

	_, err := p.Complete(context.Background(), Request{})
	require.Error(t, err)
	require.Equal(t, agenterrors.KindModelUnavailable, agenterrors.KindOf(err))
	require.True(t, errors.Is(err, agenterrors.ErrModelUnavailable))
	require.Len(t, flaky.Requests(), 1)

	resp, err := p.Complete(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, "done", resp.Content)
}

func TestInstrumentKeepsModelUnavailable(t *testing.T) {
	down := NewScriptedProvider(Step{Err: agenterrors.ModelUnavailable(errors.New("gone"))})
	_, err := Instrument(down, WithProviderLogger(logging.Nop())).Complete(context.Background(), Request{})
	require.Equal(t, agenterrors.KindModelUnavailable, agenterrors.KindOf(err))
	require.Equal(t, 1, strings.Count(err.Error(), "model_unavailable"), err.Error())
}

func TestClassifyProviderError(t *testing.T) {
	cases := []struct {
		msg       string
		transient bool
	}{
		{"POST /v1/chat: status 429 rate limit exceeded", true},
		{"upstream returned 503 Service Unavailable", true},
		{"request timeout after 30s", true},
		{"401 Unauthorized: invalid api key", false},
		{"maximum context length is 8192 tokens", false},
	}
	for _, tc := range cases {
		err := classifyProviderError("openai", errors.New(tc.msg))
		require.Equal(t, tc.transient, agenterrors.IsTransient(err), tc.msg)
	}
}

func TestPromptTextFlattensConversation(t *testing.T) {
	req := Request{Messages: []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "goal"},
		{Role: RoleAssistant, Content: `{"name":"idle"}`},
		{Role: RoleUser, Content: "observation"},
	}}
	text := promptText(req)
	require.NotContains(t, text, "be brief")
	require.Equal(t, "goal\n\n[Assistant]: {\"name\":\"idle\"}\n\nobservation", text)
	require.Equal(t, "be brief", req.System())
	require.Equal(t, "Continue.", promptText(Request{}))
}

func TestSummarizerUsesModel(t *testing.T) {
	provider := NewScriptedProvider(Reply("  - wrote report.md\n  "))
	s := NewSummarizer(provider)

	summary, err := s.Summarize(context.Background(), "- earlier work", []memory.Turn{
		{Iteration: 3, Tool: "file_write", Arguments: map[string]any{"file": "report.md"}, Status: "ok", Output: "Wrote 10 bytes"},
		{Iteration: 4, Tool: "web_fetch", Status: "timeout", Error: "timeout: exceeded"},
	})
	require.NoError(t, err)
	require.Equal(t, "- wrote report.md", summary)

	reqs := provider.Requests()
	require.Len(t, reqs, 1)
	prompt := reqs[0].Messages[1].Content
	require.True(t, strings.HasPrefix(prompt, "Summary so far:\n- earlier work"))
	require.Contains(t, prompt, `[3] file_write {"file":"report.md"} -> ok`)
	require.Contains(t, prompt, "timeout: exceeded")
}

func TestSummarizerPropagatesFailure(t *testing.T) {
	s := NewSummarizer(NewScriptedProvider(Reply("   ")))
	_, err := s.Summarize(context.Background(), "", nil)
	require.Error(t, err)
}

func TestPlannerSendsGoal(t *testing.T) {
	provider := NewScriptedProvider(Reply(`{"goal":"g","steps":[{"id":"1","description":"look"}]}`), Reply(" "))
	p := NewPlanner(provider)

	text, err := p.Plan(context.Background(), "count the files")
	require.NoError(t, err)
	require.Contains(t, text, `"look"`)
	req := provider.Requests()[0]
	require.Equal(t, "Task: count the files", req.Messages[1].Content)
	require.Equal(t, planMaxTokens, req.MaxTokens)

	_, err = p.Plan(context.Background(), "again")
	require.Error(t, err)
}

func TestNewFromPolicyMock(t *testing.T) {
	p := policy.Default()
	provider, err := NewFromPolicy(p, FactoryOptions{Logger: logging.Nop()})
	require.NoError(t, err)
	require.Equal(t, "mock", provider.Model())
}

type chatServer struct {
	*httptest.Server
	hits  atomic.Int32
	path  atomic.Value
	auth  atomic.Value
	reply string
	code  int
}

func newChatServer(t *testing.T, code int, reply string) *chatServer {
	t.Helper()
	s := &chatServer{code: code, reply: reply}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.path.Store(r.URL.Path)
		s.auth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.code)
		_, _ = w.Write([]byte(s.reply))
	}))
	t.Cleanup(s.Close)
	return s
}

func TestGollmProviderHonoursBaseURL(t *testing.T) {
	srv := newChatServer(t, http.StatusOK, `{"choices":[{"message":{"content":"hello from proxy"},"finish_reason":"stop"}]}`)

	p, err := NewGollmProvider(GollmConfig{Provider: "openai", Model: "gpt-4o-mini", APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/v1/chat/completions", p.Endpoint())

	resp, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	require.Equal(t, "hello from proxy", resp.Content)
	require.Equal(t, "/v1/chat/completions", srv.path.Load())
	require.Equal(t, "Bearer sk-test", srv.auth.Load())
}

func TestProviderForBaseURL(t *testing.T) {
	name, endpoint, err := providerForBaseURL("ollama", "http://gpu-box:11434/")
	require.NoError(t, err)
	require.Equal(t, "ollama", name)
	require.Equal(t, "http://gpu-box:11434", endpoint)

	name, endpoint, err = providerForBaseURL("anthropic", "https://proxy.internal/v1")
	require.NoError(t, err)
	require.Equal(t, "https://proxy.internal/v1/messages", endpoint)
	require.Equal(t, "anthropic@https://proxy.internal/v1/messages", name)

	_, endpoint, err = providerForBaseURL("openai", "https://proxy.internal/v1/chat/completions")
	require.NoError(t, err)
	require.Equal(t, "https://proxy.internal/v1/chat/completions", endpoint)

	again, _, err := providerForBaseURL("anthropic", "https://proxy.internal/v1")
	require.NoError(t, err)
	require.Equal(t, name, again)
}

func TestNewFromPolicyMakesOneRequestPerCall(t *testing.T) {
	srv := newChatServer(t, http.StatusServiceUnavailable, `{"error":{"message":"overloaded"}}`)
	v := policy.DefaultValues()
	v.LLMProvider = "openai"
	v.APIKey = "sk-test"
	v.BaseURL = srv.URL + "/v1"
	v.RetryAttempts = 2
	p, err := policy.New(v)
	require.NoError(t, err)

	provider, err := NewFromPolicy(p, FactoryOptions{Logger: logging.Nop()})
	require.NoError(t, err)

	_, err = provider.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Equal(t, agenterrors.KindModelUnavailable, agenterrors.KindOf(err))
	require.EqualValues(t, 1, srv.hits.Load())
}
