package webui

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/internal/agent"
	"agentcore/internal/llm"
	"agentcore/internal/logging"
	"agentcore/internal/policy"
	"agentcore/internal/tools"
	"agentcore/internal/tools/builtin"
)

type gateTool struct{ release chan struct{} }

func (g gateTool) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{Name: "gate", Version: "1.0.0", Category: "test"}
}

func (g gateTool) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{Name: "gate", Description: "waits for release", Parameters: tools.ParameterSchema{Type: "object"}}
}

func (g gateTool) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	select {
	case <-g.release:
		return &tools.ToolResult{CallID: call.ID, Content: "opened"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fixture struct {
	server  *Server
	manager *agent.Manager
	release chan struct{}
}

func newFixture(t *testing.T, provider llm.Provider) *fixture {
	t.Helper()
	v := policy.DefaultValues()
	v.WorkspaceRoot = t.TempDir()
	v.SandboxRuntime = policy.RuntimeLocal
	v.APIKey = "sk-secret"
	p, err := policy.New(v)
	require.NoError(t, err)

	release := make(chan struct{})
	var manager *agent.Manager
	asker := builtin.AskerFunc(func(ctx context.Context, sessionID string, q builtin.Question) (string, error) {
		return manager.Ask(ctx, sessionID, q)
	})
	reg := tools.NewRegistry()
	require.NoError(t, builtin.Register(reg, builtin.Config{Policy: p, Asker: asker}))
	require.NoError(t, reg.Register(gateTool{release: release}))
	dispatcher := tools.NewDispatcher(p, reg, tools.WithLogger(logging.Nop()))

	controller := agent.NewController(p, provider, dispatcher, agent.WithControllerLogger(logging.Nop()))
	manager = agent.NewManager(controller, agent.WithManagerLogger(logging.Nop()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	health := NewHealthChecker()
	health.RegisterProbe(BreakerProbe{Dispatcher: dispatcher})
	health.RegisterProbe(SandboxProbe{})

	server := NewServer(Dependencies{
		Manager:    manager,
		Dispatcher: dispatcher,
		Policy:     p,
		Health:     health,
		Logger:     logging.Nop(),
		Version:    "test",
	}, DefaultServerConfig())
	return &fixture{server: server, manager: manager, release: release}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	}
	return rec, payload
}

func TestHealth(t *testing.T) {
	f := newFixture(t, llm.MockProvider{})
	rec, payload := f.do(t, http.MethodGet, "/api/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, payload["success"])
	data := payload["data"].(map[string]any)
	assert.Equal(t, "ready", data["status"])
	assert.Equal(t, "test", data["version"])
	assert.Len(t, data["components"], 2)
}

func TestCreateSessionAndWait(t *testing.T) {
	f := newFixture(t, llm.MockProvider{})
	rec, payload := f.do(t, http.MethodPost, "/api/sessions", `{"goal": "say hi", "wait": true}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := payload["data"].(map[string]any)
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, "mock provider received: say hi", data["result"])

	id := data["id"].(string)
	rec, payload = f.do(t, http.MethodGet, "/api/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, payload["data"].(map[string]any)["turns"], 1)

	rec, payload = f.do(t, http.MethodGet, "/api/sessions?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, payload["data"].(map[string]any)["total"])
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t, llm.MockProvider{})

	rec, payload := f.do(t, http.MethodPost, "/api/sessions", `{"goal": ""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, payload["success"])

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader("goal=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/sessions?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownSession(t *testing.T) {
	f := newFixture(t, llm.MockProvider{})
	rec, _ := f.do(t, http.MethodGet, "/api/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, "/api/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/sessions/nope/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToolsAndPolicy(t *testing.T) {
	f := newFixture(t, llm.MockProvider{})

	rec, payload := f.do(t, http.MethodGet, "/api/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	names := map[string]bool{}
	for _, def := range payload["data"].(map[string]any)["tools"].([]any) {
		names[def.(map[string]any)["name"].(string)] = true
	}
	assert.True(t, names["idle"])
	assert.True(t, names["gate"])
	assert.False(t, names["shell_exec"], "sandbox tools need a sandbox")

	rec, _ = f.do(t, http.MethodGet, "/api/policy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-secret")
	assert.Contains(t, rec.Body.String(), `"max_iterations":40`)
}

func TestAsyncSessionStreamsOverWebSocket(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.Action("gate", nil),
		llm.Action("idle", map[string]any{"result": "through"}),
	)
	f := newFixture(t, provider)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	rec, payload := f.do(t, http.MethodPost, "/api/sessions", `{"goal": "pass the gate"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	data := payload["data"].(map[string]any)
	id := data["id"].(string)
	assert.Equal(t, "/api/sessions/"+id+"/stream", data["stream_url"])

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + data["stream_url"].(string)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var first StreamMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, StreamSnapshot, first.Type)
	assert.Equal(t, id, first.SessionID)

	close(f.release)

	var types []string
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		types = append(types, msg["type"].(string))
		if msg["type"] == StreamStatus {
			frame := msg["data"].(map[string]any)
			assert.Equal(t, "completed", frame["status"])
			assert.Equal(t, "through", frame["result"])
		}
	}
	assert.Equal(t, []string{StreamTurn, StreamTurn, StreamStatus}, types)
}

func TestCancelSession(t *testing.T) {
	provider := llm.NewScriptedProvider(llm.Action("gate", nil))
	f := newFixture(t, provider)

	rec, payload := f.do(t, http.MethodPost, "/api/sessions", `{"goal": "wait at the gate"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := payload["data"].(map[string]any)["id"].(string)

	rec, _ = f.do(t, http.MethodDelete, "/api/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		_, payload := f.do(t, http.MethodGet, "/api/sessions/"+id, "")
		return payload["data"].(map[string]any)["status"] == "failed"
	}, 5*time.Second, 20*time.Millisecond)

	rec, _ = f.do(t, http.MethodDelete, "/api/sessions/"+id, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAnswerPendingQuestion(t *testing.T) {
	provider := llm.NewScriptedProvider(
		llm.Action("message_ask_user", map[string]any{"message": "Which region?"}),
		llm.Action("idle", map[string]any{"result": "deployed"}),
	)
	f := newFixture(t, provider)

	rec, payload := f.do(t, http.MethodPost, "/api/sessions", `{"goal": "deploy somewhere"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := payload["data"].(map[string]any)["id"].(string)

	require.Eventually(t, func() bool { return f.manager.Waiting(id) }, 5*time.Second, 10*time.Millisecond)

	rec, _ = f.do(t, http.MethodPost, "/api/sessions/"+id+"/answer", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/api/sessions/nope/answer", `{"answer": "eu-west"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/sessions/"+id+"/answer", `{"answer": "eu-west"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var snap map[string]any
	require.Eventually(t, func() bool {
		_, snap = f.do(t, http.MethodGet, "/api/sessions/"+id, "")
		return snap["data"].(map[string]any)["status"] == "completed"
	}, 5*time.Second, 20*time.Millisecond)
	turns := snap["data"].(map[string]any)["turns"].([]any)
	require.Len(t, turns, 2)
	assert.Equal(t, "User replied: eu-west", turns[0].(map[string]any)["output"])

	rec, _ = f.do(t, http.MethodPost, "/api/sessions/"+id+"/answer", `{"answer": "again"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEventFramesForQuestionsAndPlans(t *testing.T) {
	q := eventFrame(&agent.QuestionEvent{Message: "Which region?", Takeover: "browser"})
	assert.Equal(t, StreamQuestion, q.Type)
	frame := q.Data.(QuestionFrame)
	assert.Equal(t, "Which region?", frame.Message)
	assert.Equal(t, "browser", frame.Takeover)
	assert.True(t, strings.HasSuffix(frame.AnswerURL, "/answer"))

	p := eventFrame(&agent.PlanEvent{})
	assert.Equal(t, StreamPlan, p.Type)
}
