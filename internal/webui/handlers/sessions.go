package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"agentcore/internal/agent"
)

// CreateSessionRequest - start a new session
type CreateSessionRequest struct {
	Goal string `json:"goal" binding:"required"`
	// Wait blocks the request until the session terminates.
	Wait bool `json:"wait,omitempty"`
}

// AnswerRequest - reply to a session's pending question
type AnswerRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// SessionCreatedResponse - returned for asynchronous starts
type SessionCreatedResponse struct {
	ID        string       `json:"id"`
	Status    agent.Status `json:"status"`
	StreamURL string       `json:"stream_url"`
}

// SessionHandler - session lifecycle endpoints
type SessionHandler struct {
	manager *agent.Manager
}

func NewSessionHandler(manager *agent.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// CreateSession starts a session. With wait=true it responds with the final
// snapshot, otherwise with 202 and the stream URL.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		fail(c, http.StatusBadRequest, "goal is required")
		return
	}

	if req.Wait {
		snap, err := h.manager.Run(c.Request.Context(), req.Goal)
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		respond(c, http.StatusOK, snap)
		return
	}

	session, err := h.manager.Start(c.Request.Context(), req.Goal)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	respond(c, http.StatusAccepted, SessionCreatedResponse{
		ID:        session.ID,
		Status:    session.Status(),
		StreamURL: fmt.Sprintf("/api/sessions/%s/stream", session.ID),
	})
}

// ListSessions returns session summaries, newest first.
func (h *SessionHandler) ListSessions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	snaps, err := h.manager.List(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	respond(c, http.StatusOK, gin.H{"sessions": snaps, "total": len(snaps)})
}

// GetSession returns one session with its full transcript.
func (h *SessionHandler) GetSession(c *gin.Context) {
	snap, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, agent.ErrSessionNotFound) {
		notFound(c, "session")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	respond(c, http.StatusOK, snap)
}

// AnswerQuestion delivers the user's reply to a session blocked in
// message_ask_user.
func (h *SessionHandler) AnswerQuestion(c *gin.Context) {
	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	err := h.manager.Answer(c.Param("id"), req.Answer)
	switch {
	case errors.Is(err, agent.ErrSessionNotFound):
		notFound(c, "session")
	case errors.Is(err, agent.ErrNoPendingQuestion):
		fail(c, http.StatusConflict, err.Error())
	case err != nil:
		fail(c, http.StatusInternalServerError, err.Error())
	default:
		c.JSON(http.StatusOK, APIResponse{Success: true, Message: "answer delivered"})
	}
}

// CancelSession stops a running session.
func (h *SessionHandler) CancelSession(c *gin.Context) {
	id := c.Param("id")
	if !h.manager.Cancel(id) {
		if _, err := h.manager.Get(c.Request.Context(), id); errors.Is(err, agent.ErrSessionNotFound) {
			notFound(c, "session")
			return
		}
		fail(c, http.StatusConflict, "session is not running")
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: "cancellation requested"})
}
