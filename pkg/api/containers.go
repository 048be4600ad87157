package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tesslate/studio/pkg/types"
)

type containerStatusResponse struct {
	Dir        string   `json:"dir"`
	Image      string   `json:"image"`
	Port       int      `json:"port,omitempty"`
	HostPort   int      `json:"host_port,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Desired    string   `json:"desired"`
	State      string   `json:"state"`
	Ready      bool     `json:"ready"`
	FilesReady bool     `json:"files_ready"`
	ExitCode   int      `json:"exit_code,omitempty"`
	Message    string   `json:"message,omitempty"`
	Hostname   string   `json:"hostname,omitempty"`
}

// handleContainersStatus merges declared nodes with the substrate's
// live view, one entry per node.
func (s *Server) handleContainersStatus(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}

	nodes, err := s.deps.Store.ListContainerNodes(project.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	live, err := s.deps.Graph.Status(r.Context(), project)
	if err != nil {
		writeError(w, err)
		return
	}
	byDir := make(map[string]*types.ContainerStatus, len(live))
	for _, st := range live {
		byDir[st.Dir] = st
	}

	out := make([]*containerStatusResponse, 0, len(nodes))
	for _, node := range nodes {
		entry := &containerStatusResponse{
			Dir:        node.Dir,
			Image:      node.Image,
			Port:       node.Port,
			HostPort:   node.HostPort,
			DependsOn:  node.DependsOn,
			Desired:    string(node.Desired),
			State:      string(types.ContainerStateStopped),
			FilesReady: node.FilesReady,
		}
		if st, ok := byDir[node.Dir]; ok {
			entry.State = string(st.State)
			entry.Ready = st.Ready
			entry.ExitCode = st.ExitCode
			entry.Message = st.Message
		}
		if node.Port > 0 {
			entry.Hostname = types.Hostname(node.Dir, project.Slug, s.cfg.AppDomain)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

type addContainerRequest struct {
	Dir        string   `json:"dir"`
	Image      string   `json:"image"`
	Command    []string `json:"command,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
	Port       int      `json:"port,omitempty"`
	Env        []string `json:"env,omitempty"`
	SecretRefs []string `json:"secret_refs,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
	CPULimit   float64  `json:"cpu_limit,omitempty"`
	MemoryMB   int64    `json:"memory_mb,omitempty"`
}

// handleAddContainer declares a new graph node. On the local engine an
// exposed port gets a host port allocated up front so the preview
// ingress has a stable target.
func (s *Server) handleAddContainer(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req addContainerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	node := &types.ContainerNode{
		Dir:        req.Dir,
		Image:      req.Image,
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
		Port:       req.Port,
		Env:        req.Env,
		SecretRefs: req.SecretRefs,
		DependsOn:  req.DependsOn,
	}
	if req.CPULimit > 0 || req.MemoryMB > 0 {
		node.Resources = &types.ResourceLimits{
			CPULimit:    req.CPULimit,
			MemoryLimit: req.MemoryMB << 20,
		}
	}
	if project.DeploymentMode == types.ModeLocalEngine && req.Port > 0 {
		hostPort, err := s.deps.Envs.AllocateHostPort()
		if err != nil {
			writeError(w, err)
			return
		}
		node.HostPort = hostPort
	}

	if err := s.deps.Graph.AddNode(project, node); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &containerStatusResponse{
		Dir:        node.Dir,
		Image:      node.Image,
		Port:       node.Port,
		HostPort:   node.HostPort,
		DependsOn:  node.DependsOn,
		Desired:    string(node.Desired),
		State:      string(types.ContainerStateStopped),
		FilesReady: node.FilesReady,
	})
}

func (s *Server) handleRemoveContainer(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Graph.RemoveNode(r.Context(), project, chi.URLParam(r, "dir")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type containerOpResponse struct {
	Dir            string `json:"dir"`
	Desired        string `json:"desired"`
	AlreadyStarted bool   `json:"already_started,omitempty"`
}

func (s *Server) handleStartContainer(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	dir := chi.URLParam(r, "dir")
	node, err := s.deps.Store.GetContainerNode(project.ID, dir)
	if err != nil {
		writeError(w, err)
		return
	}
	already, err := s.deps.Graph.StartNode(r.Context(), project, node)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Envs.Activity().Touch(project.ID)
	writeJSON(w, http.StatusOK, containerOpResponse{
		Dir:            dir,
		Desired:        string(types.DesiredRunning),
		AlreadyStarted: already,
	})
}

func (s *Server) handleStopContainer(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	dir := chi.URLParam(r, "dir")
	if err := s.deps.Graph.StopNode(r.Context(), project, dir); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, containerOpResponse{Dir: dir, Desired: string(types.DesiredStopped)})
}

// handleContainerLogs streams recent container log lines as SSE log
// events, ending with a complete event. ?tail= bounds the line count.
func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	project, err := s.project(r)
	if err != nil {
		writeError(w, err)
		return
	}
	dir := chi.URLParam(r, "dir")
	tail := 200
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, types.UserErrorf("invalid tail %q", v))
			return
		}
		tail = n
	}

	logs, err := s.deps.Files.ContainerLogs(r.Context(), project, dir, tail)
	if err != nil {
		writeError(w, err)
		return
	}
	defer logs.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, types.Internalf("response writer does not support streaming"))
		return
	}
	setSSEHeaders(w)

	scanner := bufio.NewScanner(logs)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if r.Context().Err() != nil {
			return
		}
		payload, _ := json.Marshal(map[string]string{"line": scanner.Text()})
		fmt.Fprintf(w, "event: log\ndata: %s\n\n", payload)
		flusher.Flush()
	}
	fmt.Fprint(w, "event: complete\ndata: {}\n\n")
	flusher.Flush()
}
