package api

import (
	"encoding/base64"
	"net/http"
	"path"
	"time"
	"unicode/utf8"

	"github.com/tesslate/studio/pkg/types"
)

type fileEntry struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

type readPathResponse struct {
	Type     string      `json:"type"` // file or dir
	Path     string      `json:"path"`
	Content  string      `json:"content,omitempty"`
	Encoding string      `json:"encoding,omitempty"` // base64 for non-UTF-8 content
	Entries  []fileEntry `json:"entries,omitempty"`
}

// handleReadPath answers ?path= with file content or a directory
// listing. Paths are workspace-relative; the first segment names the
// container dir. An empty path lists the declared container dirs.
func (s *Server) handleReadPath(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}

	raw := r.URL.Query().Get("path")
	if raw == "" || raw == "/" {
		s.listWorkspaceRoot(w, project)
		return
	}
	dir, rel, err := splitWorkspacePath(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	info, err := s.deps.Files.Stat(r.Context(), project, dir, rel)
	if err != nil {
		writeError(w, err)
		return
	}

	if info.IsDir {
		entries, err := s.deps.Files.ListDir(r.Context(), project, dir, rel)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]fileEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, fileEntry{
				Path:    path.Join(dir, e.Path),
				Name:    e.Name,
				Size:    e.Size,
				IsDir:   e.IsDir,
				ModTime: e.ModTime,
			})
		}
		writeJSON(w, http.StatusOK, readPathResponse{Type: "dir", Path: path.Join(dir, rel), Entries: out})
		return
	}

	content, err := s.deps.Files.ReadFile(r.Context(), project, dir, rel)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := readPathResponse{Type: "file", Path: path.Join(dir, rel)}
	if utf8.Valid(content) {
		resp.Content = string(content)
	} else {
		resp.Content = base64.StdEncoding.EncodeToString(content)
		resp.Encoding = "base64"
	}
	writeJSON(w, http.StatusOK, resp)
}

// listWorkspaceRoot synthesizes the top-level view from the declared
// container nodes.
func (s *Server) listWorkspaceRoot(w http.ResponseWriter, project *types.Project) {
	nodes, err := s.deps.Store.ListContainerNodes(project.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	entries := make([]fileEntry, 0, len(nodes))
	for _, node := range nodes {
		entries = append(entries, fileEntry{Path: node.Dir, Name: node.Dir, IsDir: true})
	}
	writeJSON(w, http.StatusOK, readPathResponse{Type: "dir", Path: "", Entries: entries})
}

type savePathRequest struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

func (s *Server) handleSaveFile(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req savePathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	dir, rel, err := splitWorkspacePath(req.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	content := []byte(req.Content)
	if req.Encoding == "base64" {
		content, err = base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			writeError(w, types.UserErrorf("invalid base64 content: %v", err))
			return
		}
	}

	if err := s.deps.Files.WriteFile(r.Context(), project, dir, rel, content); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Envs.Activity().Touch(project.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": req.Path, "size": len(content)})
}

type deletePathRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleDeletePath(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req deletePathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	dir, rel, err := splitWorkspacePath(req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Files.DeletePath(r.Context(), project, dir, rel); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Envs.Activity().Touch(project.ID)
	writeJSON(w, http.StatusNoContent, nil)
}

type renamePathRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handleRenamePath(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req renamePathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	fromDir, fromRel, err := splitWorkspacePath(req.From)
	if err != nil {
		writeError(w, err)
		return
	}
	toDir, toRel, err := splitWorkspacePath(req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	if fromDir != toDir {
		writeError(w, types.UserErrorf("rename cannot cross container dirs (%s -> %s)", fromDir, toDir))
		return
	}

	if err := s.deps.Files.Rename(r.Context(), project, fromDir, fromRel, toRel); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Envs.Activity().Touch(project.ID)
	writeJSON(w, http.StatusOK, map[string]string{"from": req.From, "to": req.To})
}

// handleGlob matches ?pattern= under one container dir. The pattern's
// first segment names the dir, doublestar syntax after that.
func (s *Server) handleGlob(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	dir, pattern, err := splitWorkspacePath(r.URL.Query().Get("pattern"))
	if err != nil {
		writeError(w, err)
		return
	}
	if pattern == "." {
		writeError(w, types.UserErrorf("pattern must name files under a container dir"))
		return
	}

	matches, err := s.deps.Files.Glob(r.Context(), project, dir, pattern)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, path.Join(dir, m))
	}
	writeJSON(w, http.StatusOK, map[string][]string{"matches": out})
}

type grepMatchResponse struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// handleGrep searches ?pattern= under ?path= (a container dir or a
// subtree of one).
func (s *Server) handleGrep(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeError(w, types.UserErrorf("pattern must not be empty"))
		return
	}
	dir, rel, err := splitWorkspacePath(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}

	matches, err := s.deps.Files.Grep(r.Context(), project, dir, pattern, rel)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]grepMatchResponse, 0, len(matches))
	for _, m := range matches {
		out = append(out, grepMatchResponse{Path: path.Join(dir, m.Path), Line: m.Line, Text: m.Text})
	}
	writeJSON(w, http.StatusOK, map[string][]grepMatchResponse{"matches": out})
}
