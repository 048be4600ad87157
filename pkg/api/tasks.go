package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleCancelTask requests cooperative cancellation. The task settles
// through its own event stream.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if err := s.deps.Tasks.Cancel(taskID); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.deps.Tasks.Get(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toTaskResponse(task))
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

// handleTaskEvents re-attaches to a task's event stream: buffered
// events replay first, live ones follow. Finished tasks replay and
// close immediately.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if _, err := s.deps.Tasks.Get(taskID); err != nil {
		writeError(w, err)
		return
	}
	s.streamEvents(w, r, s.deps.Broker.Subscribe(taskID))
}
