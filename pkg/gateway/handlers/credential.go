package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/livingtwin/voice-gateway/pkg/core"
	"github.com/livingtwin/voice-gateway/pkg/gateway/mw"
)

type mintCredentialRequest struct {
	Scope string `json:"scope"`
}

type mintCredentialResponse struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
	Scope     string `json:"scope"`
}

// MintCredential hands a browser client one ephemeral upstream credential.
// The server secret never leaves the process; the minted value is returned
// to the caller and forgotten.
func (h *Handlers) MintCredential(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	var req mintCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mw.WriteJSONError(w, reqID, core.NewInvalidRequestError("invalid json body"))
		return
	}

	cred, err := h.deps.Broker.Mint(r.Context(), req.Scope)
	if err != nil {
		var coreErr *core.Error
		if !errors.As(err, &coreErr) {
			coreErr = core.NewInternalError(err.Error())
		}
		mw.WriteJSONError(w, reqID, coreErr)
		return
	}

	writeJSON(w, http.StatusOK, mintCredentialResponse{
		Value:     cred.Value,
		ExpiresAt: cred.ExpiresAt,
		Scope:     req.Scope,
	})
}
