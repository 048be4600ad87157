package ingress

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tesslate/studio/pkg/env"
	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/types"
)

// Proxy terminates preview traffic for the app domain.
type Proxy struct {
	router  *router
	tracker *env.Tracker
	listen  string

	mu     sync.Mutex
	server *http.Server
}

// NewProxy builds the proxy. tracker may be nil; previews then do not
// count as project activity.
func NewProxy(store storage.Store, appDomain, listen string, tracker *env.Tracker) *Proxy {
	return &Proxy{
		router:  &router{store: store, domain: strings.ToLower(appDomain)},
		tracker: tracker,
		listen:  listen,
	}
}

// Start binds the listener and serves in the background. Bind errors
// surface here; serve errors after that are logged.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.server != nil {
		p.mu.Unlock()
		return fmt.Errorf("ingress: proxy already started")
	}
	// No write timeout: previews carry WebSocket upgrades and
	// long-polling dev servers that a timeout would sever.
	server := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	p.server = server
	p.mu.Unlock()

	listener, err := net.Listen("tcp", p.listen)
	if err != nil {
		p.mu.Lock()
		p.server = nil
		p.mu.Unlock()
		return fmt.Errorf("ingress: %w", err)
	}

	log.WithComponent("ingress").Info().
		Str("listen", p.listen).
		Str("domain", p.router.domain).
		Msg("Preview proxy listening")

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithComponent("ingress").Error().Err(err).Msg("Preview proxy serve failed")
		}
	}()
	return nil
}

// Shutdown drains in-flight requests. Idempotent.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	server := p.server
	p.server = nil
	p.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// ServeHTTP routes one preview request. The reverse proxy handles
// Upgrade negotiation itself, so WebSockets pass through untouched.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t, err := p.router.resolve(r.Host)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			http.Error(w, "no app is served on this hostname", http.StatusNotFound)
			return
		}
		log.WithComponent("ingress").Error().Err(err).Str("host", r.Host).Msg("Preview routing failed")
		http.Error(w, "routing failed", http.StatusInternalServerError)
		return
	}

	if p.tracker != nil {
		p.tracker.Touch(t.project.ID)
	}

	if t.addr == "" {
		p.unavailable(w, t)
		return
	}

	backend := &url.URL{Scheme: "http", Host: t.addr}
	proxy := httputil.NewSingleHostReverseProxy(backend)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		// Dev servers route on the preview hostname, not the backend's
		req.Host = r.Host
		req.Header.Set("X-Forwarded-Host", r.Host)
		req.Header.Set("X-Forwarded-Proto", "http")
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		log.WithProject(t.project.Slug).Debug().
			Err(err).
			Str("dir", t.dir).
			Msg("Preview backend unreachable")
		p.unavailable(w, t)
	}
	proxy.ServeHTTP(w, r)
}

// unavailablePage is shown while a target is down. It refreshes itself
// so a starting container appears without a manual reload.
const unavailablePage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>%[1]s is not responding</title>
<style>
  body { font-family: system-ui, sans-serif; background: #0f1117; color: #e6e6e6;
         display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; }
  main { max-width: 32rem; text-align: center; }
  h1 { font-size: 1.25rem; font-weight: 600; }
  p { color: #9aa0ab; }
  code { background: #1b1e27; padding: 0.1rem 0.4rem; border-radius: 4px; }
</style>
</head>
<body>
<main>
  <h1>502 &mdash; <code>%[1]s</code> is not responding</h1>
  <p>%[3]s</p>
  <p>Project: %[2]s &middot; retrying automatically</p>
</main>
</body>
</html>
`

func (p *Proxy) unavailable(w http.ResponseWriter, t *target) {
	hint := "The container is not reachable yet. It may still be starting."
	switch t.project.State {
	case types.EnvStateHibernated:
		hint = "This project is hibernated. Open it in the studio to wake it."
	case types.EnvStateRestoring, types.EnvStateHibernating:
		hint = "The project is between hibernation states. Hold on."
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Retry-After", "5")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprintf(w, unavailablePage,
		html.EscapeString(t.dir),
		html.EscapeString(t.project.Name),
		hint)
}
