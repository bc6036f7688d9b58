package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/livingtwin/voice-gateway/pkg/core"
	"github.com/livingtwin/voice-gateway/pkg/gateway/conversation"
	"github.com/livingtwin/voice-gateway/pkg/gateway/mw"
)

type startSessionRequest struct {
	AgendaItems []string `json:"agenda_items"`
}

type startSessionResponse struct {
	SessionID string `json:"session_id"`
}

// StartSession registers a conversation without a live websocket, for
// callers that drive audio elsewhere but still want agenda and sentiment
// tracking.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mw.WriteJSONError(w, reqID, core.NewInvalidRequestError("invalid json body"))
		return
	}

	id, err := h.deps.Store.StartSession(req.AgendaItems)
	if err != nil {
		h.writeErr(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, startSessionResponse{SessionID: id})
}

type updateSessionRequest struct {
	SessionID string              `json:"session_id"`
	Event     *conversation.Event `json:"event"`
	// SentimentText, when set, is scored and appended as a sentiment sample,
	// instead of (or along with) the event.
	SentimentText string `json:"sentiment_text,omitempty"`
}

// UpdateSession appends an event and/or a scored utterance and returns the
// resulting snapshot.
func (h *Handlers) UpdateSession(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mw.WriteJSONError(w, reqID, core.NewInvalidRequestError("invalid json body"))
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		mw.WriteJSONError(w, reqID, core.NewInvalidRequestErrorWithParam("session_id is required", "session_id"))
		return
	}
	if req.Event == nil && strings.TrimSpace(req.SentimentText) == "" {
		mw.WriteJSONError(w, reqID, core.NewInvalidRequestError("nothing to apply: provide event or sentiment_text"))
		return
	}

	var snap conversation.Snapshot
	var err error
	if req.Event != nil {
		snap, err = h.deps.Store.AppendEvent(req.SessionID, *req.Event)
		if err != nil {
			h.writeErr(w, reqID, err)
			return
		}
	}
	if strings.TrimSpace(req.SentimentText) != "" {
		snap, err = h.deps.Store.AppendSentimentText(req.SessionID, req.SentimentText)
		if err != nil {
			h.writeErr(w, reqID, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

// SessionSummary serves the analytics view for one session.
func (h *Handlers) SessionSummary(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	sessionID := chi.URLParam(r, "sessionID")
	sum, err := h.deps.Store.Summary(sessionID)
	if err != nil {
		h.writeErr(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handlers) writeErr(w http.ResponseWriter, reqID string, err error) {
	var coreErr *core.Error
	if !errors.As(err, &coreErr) {
		coreErr = core.NewInternalError(err.Error())
	}
	mw.WriteJSONError(w, reqID, coreErr)
}
