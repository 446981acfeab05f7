package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"agentcore/internal/policy"
	"agentcore/internal/tools"
)

// ToolsHandler - tool catalogue and dispatcher state
type ToolsHandler struct {
	dispatcher *tools.Dispatcher
}

func NewToolsHandler(dispatcher *tools.Dispatcher) *ToolsHandler {
	return &ToolsHandler{dispatcher: dispatcher}
}

// ListTools returns every registered tool with its metadata.
func (h *ToolsHandler) ListTools(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"tools":    h.dispatcher.Definitions(),
		"metadata": h.dispatcher.Registry().Metadata(),
	})
}

// ListInvocations returns the dispatcher's recent call history, optionally
// filtered by session.
func (h *ToolsHandler) ListInvocations(c *gin.Context) {
	history := h.dispatcher.History()
	if sessionID := c.Query("session_id"); sessionID != "" {
		filtered := history[:0]
		for _, inv := range history {
			if inv.SessionID == sessionID {
				filtered = append(filtered, inv)
			}
		}
		history = filtered
	}
	respond(c, http.StatusOK, gin.H{
		"invocations": history,
		"breakers":    h.dispatcher.Breakers(),
	})
}

// PolicyHandler - read-only view of the active policy
type PolicyHandler struct {
	policy *policy.Policy
}

func NewPolicyHandler(p *policy.Policy) *PolicyHandler {
	return &PolicyHandler{policy: p}
}

// GetPolicy returns the policy values. Secrets are excluded by their json
// tags.
func (h *PolicyHandler) GetPolicy(c *gin.Context) {
	respond(c, http.StatusOK, h.policy.Values())
}
