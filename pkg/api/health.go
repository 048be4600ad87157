package api

import (
	"net/http"
)

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReadyz reports readiness to serve. The store is the one hard
// dependency every request path touches.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok"}
	status := http.StatusOK
	state := "ready"

	if _, err := s.deps.Store.ListProjects(); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}

	writeJSON(w, status, healthResponse{Status: state, Checks: checks})
}
