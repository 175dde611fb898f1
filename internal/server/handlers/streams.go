package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"buildhook/internal/auth"
	"buildhook/internal/logger"
	"buildhook/internal/state"
	"buildhook/pkg/api"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// BuildStream handles GET /ws/build?{unique_build_key}=K&token=T. The
// client first receives the build's log history as one JSON array, then
// every published batch until the build is cleared.
func (h *Handlers) BuildStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		h.httpError(w, "Socket Token is Required", http.StatusUnauthorized)
		return
	}
	uniqueID := q.Get(h.uniqueKey)
	if uniqueID == "" {
		h.httpError(w, fmt.Sprintf("No build id found with key %s", h.uniqueKey), http.StatusBadRequest)
		return
	}

	history, sub, err := h.state.SubscribeBuild(uniqueID, token)
	switch {
	case errors.Is(err, state.ErrNoActiveBuild):
		h.httpError(w, "No build is running", http.StatusNotFound)
		return
	case errors.Is(err, state.ErrBuildMismatch):
		h.httpError(w, "Invalid build id", http.StatusNotFound)
		return
	case err != nil:
		h.httpError(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	defer sub.Close()

	if history == nil {
		history = []api.LogLine{}
	}
	h.stream(w, r, sub, history)
}

// ProjectStream handles GET /ws/project?token=T. The client first receives
// every project event recorded so far, then live events.
func (h *Handlers) ProjectStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.respondBuild(w, http.StatusUnauthorized, api.StatusMissingProjectToken, "Missing token")
		return
	}
	if !auth.Equal(h.state.ProjectToken(), token) {
		h.respondBuild(w, http.StatusUnauthorized, api.StatusUnauthorized, "Invalid token")
		return
	}

	events, sub := h.state.SubscribeEvents()
	defer sub.Close()

	if events == nil {
		events = []api.ProjectEvent{}
	}
	h.stream(w, r, sub, events)
}

// stream upgrades the connection, sends snapshot and forwards sub until it
// is shut down, the client goes away or the handlers are closed.
func (h *Handlers) stream(w http.ResponseWriter, r *http.Request, sub *state.Subscription, snapshot any) {
	log := logger.FromContext(r.Context(), h.logger)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go readPump(conn, gone)

	data, err := json.Marshal(snapshot)
	if err != nil {
		log.Error("failed to encode stream snapshot", "error", err)
		return
	}
	if err := write(conn, websocket.TextMessage, data); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok || msg.Shutdown {
				closeConn(conn, log)
				return
			}
			if err := write(conn, websocket.TextMessage, msg.Data); err != nil {
				return
			}
		case <-ping.C:
			if err := write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-h.closing:
			closeConn(conn, log)
			return
		}
	}
}

// readPump drains client frames so control messages are processed, and
// closes gone when the client disconnects.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func write(conn *websocket.Conn, kind int, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(kind, data)
}

func closeConn(conn *websocket.Conn, log *slog.Logger) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		log.Debug("failed to send close frame", "error", err)
	}
}
