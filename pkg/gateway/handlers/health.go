package handlers

import (
	"encoding/json"
	"net/http"
)

// Health answers liveness probes.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"sessions": h.deps.Tracker.Count(),
	})
}

// Ready answers readiness probes; a draining gateway stops accepting work
// before the process exits.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Draining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
