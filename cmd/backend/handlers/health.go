package handlers

import (
	"net/http"

	"github.com/hairizuanbinnoorazman/ui-verdict/executor"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string                 `json:"status"`
	AgentRunner *executor.RunnerStatus `json:"agent_runner,omitempty"`
}

// HealthHandler reports liveness and whether the agent runner can start.
type HealthHandler struct {
	agent *executor.AgentConfig
}

// NewHealthHandler creates a health handler. A nil agent config skips the
// runner check.
func NewHealthHandler(agent *executor.AgentConfig) *HealthHandler {
	return &HealthHandler{agent: agent}
}

// Health handles health check requests.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy"}
	if h.agent != nil {
		st := executor.CheckRunner(*h.agent)
		resp.AgentRunner = &st
	}
	respondJSON(w, http.StatusOK, resp)
}
