package api

import (
	"net/http"
	"time"
)

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "chat-backend",
		"status":  "ok",
	})
}

// handleHealth reports liveness plus the provider surface so operators can
// see at a glance which backends a deployment is actually running with.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := h.clock.Now().Sub(h.started)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"uptime_seconds":   round3(uptime),
		"providers":        h.registry.Names(),
		"default_provider": h.registry.Default(),
		"active_sessions":  h.sessions.Len(),
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func round3(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000
}
