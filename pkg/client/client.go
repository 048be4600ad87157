package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// requestTimeout bounds every non-streaming call. Event streams run on
// the caller's context alone.
const requestTimeout = 30 * time.Second

// Client speaks the studio HTTP API. It is safe for concurrent use.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client for the server at baseURL. A bare host:port is
// taken as http. An empty token sends no Authorization header, which
// servers without auth_tokens accept.
func New(baseURL, token string) *Client {
	base := strings.TrimRight(baseURL, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{},
	}
}

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d %s", e.Status, http.StatusText(e.Status))
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Health reports process liveness.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready reports readiness. A not-ready server answers 503 with the
// same body shape, so the check map comes back either way.
func (c *Client) Ready(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, "/readyz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Health
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// CreateProject creates a project and returns it together with the
// ensure task that builds its environment.
func (c *Client) CreateProject(ctx context.Context, name, template string) (*CreateProjectResult, error) {
	in := map[string]string{"name": name, "template": template}
	var out CreateProjectResult
	if err := c.do(ctx, http.MethodPost, "/api/projects", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProjects returns every project.
func (c *Client) ListProjects(ctx context.Context) ([]*Project, error) {
	var out []*Project
	if err := c.do(ctx, http.MethodGet, "/api/projects", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetProject resolves one project by slug or id.
func (c *Client) GetProject(ctx context.Context, slug string) (*Project, error) {
	var out Project
	if err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(slug), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteProject tears down the project's environment and removes it.
func (c *Client) DeleteProject(ctx context.Context, slug string) error {
	return c.do(ctx, http.MethodDelete, "/api/projects/"+url.PathEscape(slug), nil, nil)
}

// StartDev ensures the environment and starts the container graph.
func (c *Client) StartDev(ctx context.Context, slug string) (*Task, error) {
	return c.lifecycle(ctx, slug, "start-dev-container")
}

// StopDev stops the project's containers without tearing them down.
func (c *Client) StopDev(ctx context.Context, slug string) (*Task, error) {
	return c.lifecycle(ctx, slug, "stop-dev-container")
}

// Hibernate archives the workspace and releases the environment.
func (c *Client) Hibernate(ctx context.Context, slug string) (*Task, error) {
	return c.lifecycle(ctx, slug, "hibernate")
}

// Restore rebuilds a hibernated environment from its archive.
func (c *Client) Restore(ctx context.Context, slug string) (*Task, error) {
	return c.lifecycle(ctx, slug, "restore")
}

func (c *Client) lifecycle(ctx context.Context, slug, op string) (*Task, error) {
	var out Task
	path := "/api/projects/" + url.PathEscape(slug) + "/" + op
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ContainerStatus returns one entry per declared container, merged
// with the substrate's live state.
func (c *Client) ContainerStatus(ctx context.Context, slug string) ([]*ContainerStatus, error) {
	var out []*ContainerStatus
	path := "/api/projects/" + url.PathEscape(slug) + "/containers/status"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TaskStatus returns a task's current snapshot.
func (c *Client) TaskStatus(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelTask requests cooperative cancellation. The task settles
// through its event stream.
func (c *Client) CancelTask(ctx context.Context, id string) (*Task, error) {
	var out Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FollowTask attaches to a task's event stream and calls fn for each
// event, replayed ones first. It returns when the stream closes, fn
// returns an error, or ctx ends. A finished task replays its buffered
// events and closes immediately.
func (c *Client) FollowTask(ctx context.Context, id string, fn func(*TaskEvent) error) error {
	resp, err := c.stream(ctx, "/api/tasks/"+url.PathEscape(id)+"/events")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return readEvents(resp.Body, func(event string, data []byte) error {
		var e TaskEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		return fn(&e)
	})
}

// Logs streams recent log lines from one container, most recent tail
// lines first to last. A tail of zero uses the server default.
func (c *Client) Logs(ctx context.Context, slug, dir string, tail int, fn func(line string) error) error {
	path := "/api/projects/" + url.PathEscape(slug) + "/containers/" + url.PathEscape(dir) + "/logs"
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	resp, err := c.stream(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return readEvents(resp.Body, func(event string, data []byte) error {
		if event != "log" {
			return nil
		}
		var payload struct {
			Line string `json:"line"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil
		}
		return fn(payload.Line)
	})
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do runs one JSON request under the request timeout. A nil out
// discards the response body.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// stream opens an SSE response. The caller owns the body.
func (c *Client) stream(ctx context.Context, path string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Message = body.Error
		apiErr.Code = body.Code
	}
	return apiErr
}

// readEvents scans an SSE body and calls fn once per frame. Comment
// heartbeats carry no data and are dropped.
func readEvents(body io.Reader, fn func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			data = append(data[:0], line[len("data: "):]...)
		case line == "":
			if event != "" || len(data) > 0 {
				if err := fn(event, data); err != nil {
					return err
				}
			}
			event, data = "", nil
		}
	}
	return scanner.Err()
}
