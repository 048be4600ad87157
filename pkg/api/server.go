package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/tesslate/studio/pkg/agent"
	"github.com/tesslate/studio/pkg/config"
	"github.com/tesslate/studio/pkg/env"
	"github.com/tesslate/studio/pkg/events"
	"github.com/tesslate/studio/pkg/fileops"
	"github.com/tesslate/studio/pkg/graph"
	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/metrics"
	"github.com/tesslate/studio/pkg/security"
	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/tasks"
	"github.com/tesslate/studio/pkg/terminal"
	"github.com/tesslate/studio/pkg/types"
)

const shutdownTimeout = 15 * time.Second

// Deps carries everything the handlers call.
type Deps struct {
	Store     storage.Store
	Envs      *env.Manager
	Graph     *graph.Manager
	Files     *fileops.Service
	Terminals *terminal.Manager
	Secrets   *security.SecretsManager // nil when no master key is configured
	Tasks     *tasks.Manager
	Broker    *events.Broker
	Engine    *agent.Engine // nil when no model gateway is configured
}

// Server is the HTTP control plane.
type Server struct {
	cfg    *config.Config
	deps   Deps
	tokens map[string]string // token -> user id
	router chi.Router
	srv    *http.Server
}

// NewServer builds the router and its middleware chain. Health and
// metrics endpoints stay outside auth.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		tokens: make(map[string]string, len(cfg.AuthTokens)),
	}
	for _, t := range cfg.AuthTokens {
		if t.Token != "" {
			s.tokens[t.Token] = t.Name
		}
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(recoverJSON)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/projects", func(r chi.Router) {
			r.Post("/", s.handleCreateProject)
			r.Get("/", s.handleListProjects)

			r.Route("/{slug}", func(r chi.Router) {
				r.Get("/", s.handleGetProject)
				r.Delete("/", s.handleDeleteProject)
				r.Post("/start-dev-container", s.handleStartDev)
				r.Post("/stop-dev-container", s.handleStopDev)
				r.Post("/hibernate", s.handleHibernate)
				r.Post("/restore", s.handleRestore)

				r.Get("/containers/status", s.handleContainersStatus)
				r.Post("/containers", s.handleAddContainer)
				r.Delete("/containers/{dir}", s.handleRemoveContainer)
				r.Post("/containers/{dir}/start", s.handleStartContainer)
				r.Post("/containers/{dir}/stop", s.handleStopContainer)
				r.Get("/containers/{dir}/logs", s.handleContainerLogs)

				r.Get("/files", s.handleReadPath)
				r.Post("/files/save", s.handleSaveFile)
				r.Post("/files/delete", s.handleDeletePath)
				r.Post("/files/rename", s.handleRenamePath)
				r.Get("/files/glob", s.handleGlob)
				r.Get("/files/grep", s.handleGrep)

				r.Post("/env", s.handleSetEnvVars)
				r.Get("/env", s.handleListEnvVars)

				r.Get("/terminal", s.handleTerminal)
			})
		})

		r.Route("/chat/agent", func(r chi.Router) {
			r.Post("/stream", s.handleAgentStream)
			r.Post("/approval", s.handleApproval)
		})

		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Post("/cancel", s.handleCancelTask)
			r.Get("/status", s.handleTaskStatus)
			r.Get("/events", s.handleTaskEvents)
		})
	})

	s.router = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled or the listener fails. SSE and
// terminal streams stay open indefinitely, so no write timeout is set.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("api").Info().Str("listen", s.cfg.Listen).Msg("API server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.WithComponent("api").Info().Msg("API server shutting down")
	return s.srv.Shutdown(shutdownCtx)
}

// project resolves the {slug} route parameter.
func (s *Server) project(r *http.Request) (*types.Project, error) {
	return s.resolveProject(chi.URLParam(r, "slug"))
}

// resolveProject accepts a slug or a project id.
func (s *Server) resolveProject(ref string) (*types.Project, error) {
	project, err := s.deps.Store.GetProjectBySlug(ref)
	if err == nil {
		return project, nil
	}
	return s.deps.Store.GetProject(ref)
}
