package handlers

import (
	"net/http"

	"podagent/pkg/api"
)

// WelcomeMessage is returned by GET /.
const WelcomeMessage = "Welcome to the InsTaG RunPod Agent. Use the /api/a2a endpoint for A2A communication."

// Root is a liveness message for humans.
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"message": WelcomeMessage})
}

// Healthz is a liveness probe.
// It returns 200 OK if the server is running.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readyz is a readiness probe.
// It checks the task archive when one is configured.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.archive != nil {
		if err := h.archive.Ping(r.Context()); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			h.respondJson(w, http.StatusServiceUnavailable, api.ErrorResponse{Error: "Database unavailable", Code: "503"})
			return
		}
	}
	h.respondJson(w, http.StatusOK, map[string]string{"status": "ready"})
}
