package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/types"
)

// maxBodyBytes bounds JSON request bodies. File saves carry content
// inline, so the cap is generous.
const maxBodyBytes = 16 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("api").Debug().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps an error to a status code by sentinel and class:
// not-found 404, conflict 409, rate-limited and budget 429, user 400,
// transient 503, everything else 500. Internal detail is logged, not
// leaked.
func writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	body := errorResponse{Error: err.Error(), Code: string(types.Classify(err))}
	if status == http.StatusInternalServerError {
		log.WithComponent("api").Error().Err(err).Msg("Request failed")
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrAlreadyExists), errors.Is(err, types.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, types.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	switch types.Classify(err) {
	case types.ErrClassUser:
		return http.StatusBadRequest
	case types.ErrClassBudget:
		return http.StatusTooManyRequests
	case types.ErrClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body and rejects unknown fields.
func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.UserErrorf("invalid request body: %v", err)
	}
	return nil
}

type projectResponse struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Slug           string    `json:"slug"`
	Name           string    `json:"name"`
	Template       string    `json:"template"`
	State          string    `json:"state"`
	StateStage     string    `json:"state_stage,omitempty"`
	DeploymentMode string    `json:"deployment_mode"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func toProjectResponse(p *types.Project) *projectResponse {
	return &projectResponse{
		ID:             p.ID,
		OwnerID:        p.OwnerID,
		Slug:           p.Slug,
		Name:           p.Name,
		Template:       p.Template,
		State:          string(p.State),
		StateStage:     p.StateStage,
		DeploymentMode: string(p.DeploymentMode),
		Error:          p.Error,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
		LastActivityAt: p.LastActivityAt,
	}
}

type taskResponse struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	ProjectID  string     `json:"project_id"`
	ChatID     string     `json:"chat_id,omitempty"`
	UserID     string     `json:"user_id"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func toTaskResponse(t *types.Task) *taskResponse {
	return &taskResponse{
		ID:         t.ID,
		Kind:       string(t.Kind),
		ProjectID:  t.ProjectID,
		ChatID:     t.ChatID,
		UserID:     t.UserID,
		Status:     string(t.Status),
		Reason:     string(t.Reason),
		Error:      t.Error,
		CreatedAt:  t.CreatedAt,
		StartedAt:  timePtr(t.StartedAt),
		FinishedAt: timePtr(t.FinishedAt),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// splitWorkspacePath splits a workspace-relative path into its
// container dir and the remainder. "app/src/main.ts" resolves inside
// the app container; a bare "app" targets the container root.
func splitWorkspacePath(p string) (dir, rel string, err error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", "", types.UserErrorf("path must start with a container dir")
	}
	dir, rel, found := strings.Cut(p, "/")
	if !found || rel == "" {
		return dir, ".", nil
	}
	return dir, rel, nil
}
