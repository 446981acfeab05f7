package webui

import (
	"time"

	"agentcore/internal/agent"
	"agentcore/internal/memory"
	"agentcore/internal/plan"
)

// ServerConfig - HTTP server settings
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	EnableCORS   bool          `json:"enable_cors"`
	Debug        bool          `json:"debug"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	// AllowedOrigins restricts CORS and WebSocket origins; empty allows all.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// DefaultServerConfig - default server settings
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:       "localhost",
		Port:       8090,
		EnableCORS: true,
		// Session streams stay open far longer than a request; the write
		// deadline is managed per frame instead.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
	}
}

// StreamMessage - one frame on a session's WebSocket stream
type StreamMessage struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream frame types.
const (
	StreamSnapshot = "snapshot"
	StreamTurn     = "turn"
	StreamSummary  = "summary"
	StreamNotice   = "message"
	StreamQuestion = "question"
	StreamPlan     = "plan"
	StreamStatus   = "status"
	StreamError    = "error"
)

// TurnFrame - payload of a turn frame
type TurnFrame struct {
	Turn memory.Turn `json:"turn"`
}

// SummaryFrame - payload of a summary frame
type SummaryFrame struct {
	Folded   int    `json:"folded"`
	Degraded bool   `json:"degraded,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

// MessageFrame - payload of a user notification frame
type MessageFrame struct {
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
}

// QuestionFrame - payload of a question the session is waiting on
type QuestionFrame struct {
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"`
	Takeover    string   `json:"suggest_user_takeover,omitempty"`
	AnswerURL   string   `json:"answer_url"`
}

// PlanFrame - payload of a plan or todo.md change
type PlanFrame struct {
	Plan plan.Plan `json:"plan"`
}

// StatusFrame - payload of the final frame
type StatusFrame struct {
	Status     agent.Status `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	Result     string       `json:"result,omitempty"`
	Iterations int          `json:"iterations"`
	DurationMS int64        `json:"duration_ms"`
}

// HealthResponse - health check payload
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Components []ComponentHealth `json:"components,omitempty"`
}
