package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/livingtwin/voice-gateway/pkg/core"
	"github.com/livingtwin/voice-gateway/pkg/gateway/live/session"
	"github.com/livingtwin/voice-gateway/pkg/gateway/live/sessions"
	"github.com/livingtwin/voice-gateway/pkg/gateway/mw"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser capture clients connect cross-origin; the credential carried in
	// the init frame is the actual gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Realtime upgrades the client connection and runs the session loop to
// completion. The handler returns only when the session is done.
func (h *Handlers) Realtime(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if h.deps.Draining() {
		mw.WriteJSONError(w, reqID, core.NewOverloadedError("gateway is draining"))
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.deps.Logger.Warn("websocket upgrade failed", "request_id", reqID, "error", err)
		return
	}

	// The session outlives the request context once the connection is
	// hijacked; the tracker's cancel is the only external kill switch.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connID := uuid.NewString()
	unregister := h.deps.Tracker.Register(connID, sessions.Handle{
		Cancel: cancel,
		Notify: func(reason string) error {
			deadline := time.Now().Add(time.Second)
			data := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
			return ws.WriteControl(websocket.CloseMessage, data, deadline)
		},
	})
	defer unregister()

	sess := session.New(h.deps.Logger, ws, h.deps.Connector, h.deps.Store, h.deps.SessionCfg)
	if err := sess.Run(ctx); err != nil {
		h.deps.Logger.Warn("session ended with error",
			"request_id", reqID, "session_id", sess.ID(), "error", err)
	}
}
