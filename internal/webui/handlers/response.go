package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIResponse - standard response envelope
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, APIResponse{Success: false, Error: message})
}

func notFound(c *gin.Context, what string) {
	fail(c, http.StatusNotFound, what+" not found")
}
