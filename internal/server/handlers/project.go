package handlers

import (
	"encoding/json"
	"net/http"

	"buildhook/internal/config"
	"buildhook/internal/logger"
	"buildhook/pkg/api"
)

// SetProjectToken handles PUT /project-token. The token is persisted to
// token_path so it survives restarts.
func (h *Handlers) SetProjectToken(w http.ResponseWriter, r *http.Request) {
	var req api.ProjectTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectToken == "" {
		h.respondBuild(w, http.StatusBadRequest, api.StatusMissingProjectToken, "Missing project token")
		return
	}

	if err := config.WriteToken(h.tokenPath, req.ProjectToken); err != nil {
		logger.FromContext(r.Context(), h.logger).Error("failed to persist project token", "error", err)
		h.respondBuild(w, http.StatusInternalServerError, api.StatusSomethingWentWrong, "Failed to save project token")
		return
	}
	h.state.SetProjectToken(req.ProjectToken)

	h.respondBuild(w, http.StatusOK, api.StatusProjectTokenChanged, "Changed the project token")
}
