package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"buildhook/internal/logger"
	"buildhook/internal/scheduler"
	"buildhook/internal/state"
	"buildhook/internal/store"
	"buildhook/pkg/api"
)

// SubmitBuild handles POST /build.
func (h *Handlers) SubmitBuild(w http.ResponseWriter, r *http.Request) {
	var payload map[string]string
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondBuild(w, http.StatusBadRequest, api.StatusSomethingWentWrong, "Invalid request body: expected a JSON object of strings")
		return
	}

	accepted, err := h.scheduler.Submit(payload)
	if err != nil {
		var rej *scheduler.Rejection
		if !errors.As(err, &rej) {
			logger.FromContext(r.Context(), h.logger).Error("submit failed", "error", err)
			h.respondBuild(w, http.StatusInternalServerError, api.StatusSomethingWentWrong, "Something went wrong")
			return
		}
		resp := api.BuildResponse{Message: rej.Message, Status: rej.Status}
		if rej.BuildID != "" {
			resp.BuildID = &rej.BuildID
			resp.Token = &rej.Token
		}
		h.respondJson(w, rej.Code, resp)
		return
	}

	h.respondJson(w, http.StatusOK, api.BuildResponse{
		Message: accepted.Message,
		Status:  accepted.Status,
		BuildID: &accepted.ID,
		Token:   &accepted.Token,
	})
}

// AbortBuild handles POST /abort. The body names the build by the
// configured unique build key.
func (h *Handlers) AbortBuild(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.respondBuild(w, http.StatusBadRequest, api.StatusSomethingWentWrong, "Invalid request body")
		return
	}

	uniqueID := body[h.uniqueKey]
	if uniqueID == "" {
		h.respondBuild(w, http.StatusBadRequest, api.StatusMissingUniqueID,
			fmt.Sprintf("Missing unique build key: %s", h.uniqueKey))
		return
	}

	switch h.scheduler.Abort(uniqueID) {
	case state.AbortActive:
		h.respondBuild(w, http.StatusOK, api.StatusAborted, "Aborted")
	case state.AbortQueued:
		h.respondBuild(w, http.StatusOK, api.StatusAborted, "Aborted Pending Build")
	default:
		h.respondBuild(w, http.StatusNotFound, api.StatusNotFound, "Aborted No Build Found")
	}
}

// AbortAll handles POST /abort-all.
func (h *Handlers) AbortAll(w http.ResponseWriter, r *http.Request) {
	n := h.scheduler.AbortAll()
	h.respondBuild(w, http.StatusOK, api.StatusAborted, fmt.Sprintf("Aborted All Builds (%d pending dropped)", n))
}

// PendingUpdate handles GET /pending-update. Reading the failed history
// clears it.
func (h *Handlers) PendingUpdate(w http.ResponseWriter, r *http.Request) {
	history := h.state.DrainFailed()
	if history == nil {
		history = []api.BuildRecord{}
	}
	h.respondJson(w, http.StatusOK, api.PendingUpdateResponse{
		ErrorHistory: history,
		Status:       api.StatusSuccess,
		QueueCount:   h.state.QueueLen(),
	})
}

// Status handles GET /status.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp := api.StatusResponse{
		Queued:  h.state.QueuedKeys(),
		Running: h.state.Running(),
	}
	if b, ok := h.state.Active(); ok {
		resp.Active = &api.ActiveBuild{
			ID:          b.ID,
			UniqueID:    b.UniqueID,
			Status:      b.Status,
			CurrentStep: b.CurrentStep,
			TotalSteps:  b.TotalSteps,
			StartedAt:   b.StartedAt,
		}
	}
	h.respondJson(w, http.StatusOK, resp)
}

// ListBuilds handles GET /builds?limit=N&unique_id=K.
func (h *Handlers) ListBuilds(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.httpError(w, "Build archive is not configured", http.StatusNotImplemented)
		return
	}

	opts := store.ListOptions{UniqueID: r.URL.Query().Get("unique_id")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		opts.Limit = limit
	}

	builds, err := h.archive.ListBuilds(r.Context(), opts)
	if err != nil {
		logger.FromContext(r.Context(), h.logger).Error("failed to list builds", "error", err)
		h.httpError(w, "Failed to list builds", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, api.ListBuildsResponse{Builds: builds})
}
