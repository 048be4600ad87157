package api

import (
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/tesslate/studio/pkg/types"
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type setEnvVarsRequest struct {
	Vars map[string]string `json:"vars"`
}

// handleSetEnvVars seals each value with the master key and stores it.
// Values are only ever decrypted into container start env.
func (s *Server) handleSetEnvVars(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Secrets == nil {
		writeError(w, types.UserErrorf("no master key configured, env vars are unavailable"))
		return
	}
	var req setEnvVarsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Vars) == 0 {
		writeError(w, types.UserErrorf("vars must not be empty"))
		return
	}
	for name := range req.Vars {
		if !envNamePattern.MatchString(name) {
			writeError(w, types.UserErrorf("invalid env var name %q", name))
			return
		}
	}

	for name, value := range req.Vars {
		sealed, err := s.deps.Secrets.Seal(name, []byte(value))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.deps.Store.PutSecret(project.ID, sealed); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": len(req.Vars)})
}

type envVarResponse struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// handleListEnvVars returns names and timestamps, never values.
func (s *Server) handleListEnvVars(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	secrets, err := s.deps.Store.ListSecrets(project.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]envVarResponse, 0, len(secrets))
	for _, secret := range secrets {
		out = append(out, envVarResponse{Name: secret.Name, CreatedAt: secret.CreatedAt, UpdatedAt: secret.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}
