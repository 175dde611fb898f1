// Package handlers contains HTTP handlers for the build server API.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"buildhook/internal/config"
	"buildhook/internal/scheduler"
	"buildhook/internal/state"
	"buildhook/internal/store"
	"buildhook/pkg/api"

	"github.com/gorilla/websocket"
)

// Scheduler is the part of the scheduler the handlers drive.
type Scheduler interface {
	Submit(payload map[string]string) (scheduler.Accepted, error)
	Abort(uniqueID string) state.AbortOutcome
	AbortAll() int
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	scheduler Scheduler
	state     *state.State
	archive   store.BuildArchive // optional
	uniqueKey string
	tokenPath string
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	closeOnce sync.Once
	closing   chan struct{}
}

// New creates a new Handlers instance. archive may be nil.
func New(sched Scheduler, st *state.State, archive store.BuildArchive, cfg *config.Config, logger *slog.Logger) *Handlers {
	return &Handlers{
		scheduler: sched,
		state:     st,
		archive:   archive,
		uniqueKey: cfg.Project.Build.UniqueBuildKey,
		tokenPath: cfg.TokenPath,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Stream endpoints are authorized by their own tokens.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		closing: make(chan struct{}),
	}
}

// Close ends every open stream. Hijacked websocket connections are not
// closed by http.Server.Shutdown.
func (h *Handlers) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

func (h *Handlers) respondBuild(w http.ResponseWriter, code int, status api.Status, message string) {
	h.respondJson(w, code, api.BuildResponse{Message: message, Status: status})
}
