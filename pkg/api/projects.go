package api

import (
	"context"
	"net/http"

	"github.com/tesslate/studio/pkg/tasks"
	"github.com/tesslate/studio/pkg/types"
)

// submitTask runs fn as a tracked task and answers 202 with the queued
// snapshot. Progress is followed over /api/tasks/{id}/events.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request, kind types.TaskKind, projectID string, fn tasks.Runner) {
	task, err := s.deps.Tasks.Run(kind, projectID, "", userFrom(r.Context()), fn)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toTaskResponse(task))
}

type createProjectRequest struct {
	Name     string `json:"name"`
	Template string `json:"template"`
}

type createProjectResponse struct {
	Project *projectResponse `json:"project"`
	Task    *taskResponse    `json:"task"`
}

// handleCreateProject creates the project row and kicks off an ensure
// task that materializes its environment.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user := userFrom(r.Context())
	project, err := s.deps.Envs.Create(r.Context(), user, req.Name, req.Template)
	if err != nil {
		writeError(w, err)
		return
	}

	projectID := project.ID
	task, err := s.deps.Tasks.Run(types.TaskKindEnsure, projectID, "", user, func(ctx context.Context, task *types.Task) (*tasks.Result, error) {
		_, err := s.deps.Envs.Ensure(ctx, projectID)
		return nil, err
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createProjectResponse{
		Project: toProjectResponse(project),
		Task:    toTaskResponse(task),
	})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Store.ListProjects()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*projectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProjectResponse(project))
}

// handleDeleteProject tears the environment down, deletes archives,
// and drops every row. Terminal sessions die first.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}

	s.deps.Terminals.CloseProject(project.ID)
	if err := s.deps.Envs.Delete(r.Context(), project.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleStartDev ensures the environment and starts the container
// graph as one task.
func (s *Server) handleStartDev(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}

	projectID := project.ID
	s.submitTask(w, r, types.TaskKindGraphStart, projectID, func(ctx context.Context, task *types.Task) (*tasks.Result, error) {
		p, err := s.deps.Envs.Ensure(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return nil, s.deps.Graph.StartGraph(ctx, p)
	})
}

func (s *Server) handleStopDev(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Graph.StopGraph(r.Context(), project); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleHibernate(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}

	projectID := project.ID
	s.deps.Terminals.CloseProject(projectID)
	s.submitTask(w, r, types.TaskKindHibernate, projectID, func(ctx context.Context, task *types.Task) (*tasks.Result, error) {
		return nil, s.deps.Envs.Hibernate(ctx, projectID)
	})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}

	projectID := project.ID
	s.submitTask(w, r, types.TaskKindRestore, projectID, func(ctx context.Context, task *types.Task) (*tasks.Result, error) {
		return nil, s.deps.Envs.Restore(ctx, projectID)
	})
}
