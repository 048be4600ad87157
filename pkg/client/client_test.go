package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProjectLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/projects", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret-1", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req struct {
			Name     string `json:"name"`
			Template string `json:"template"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "My App", req.Name)
		require.Equal(t, "vite-react", req.Template)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"project":{"id":"p1","slug":"my-app","name":"My App","state":"created"},"task":{"id":"t1","kind":"ensure","status":"queued"}}`)
	})
	mux.HandleFunc("GET /api/projects/my-app", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"p1","slug":"my-app","name":"My App","state":"active"}`)
	})
	mux.HandleFunc("POST /api/projects/my-app/start-dev-container", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"id":"t2","kind":"graph_start","project_id":"p1","status":"queued"}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	// Trailing slash must not produce double-slash paths
	c := New(ts.URL+"/", "secret-1")
	ctx := context.Background()

	result, err := c.CreateProject(ctx, "My App", "vite-react")
	require.NoError(t, err)
	require.Equal(t, "my-app", result.Project.Slug)
	require.Equal(t, "queued", result.Task.Status)
	require.False(t, result.Task.Finished())

	project, err := c.GetProject(ctx, "my-app")
	require.NoError(t, err)
	require.Equal(t, "active", project.State)

	task, err := c.StartDev(ctx, "my-app")
	require.NoError(t, err)
	require.Equal(t, "t2", task.ID)
	require.Equal(t, "graph_start", task.Kind)
}

func TestErrorDecoding(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/ghost", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"not found: project ghost","code":"not_found"}`)
	})
	mux.HandleFunc("GET /api/projects/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL, "")
	ctx := context.Background()

	_, err := c.GetProject(ctx, "ghost")
	require.Error(t, err)
	require.True(t, IsNotFound(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Equal(t, "not_found", apiErr.Code)
	require.Contains(t, apiErr.Message, "project ghost")

	_, err = c.GetProject(ctx, "broken")
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.Status)
	require.False(t, IsNotFound(err))
	// Non-JSON body still yields a usable error string
	require.Contains(t, apiErr.Error(), "500")
}

func TestFollowTask(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks/t1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: status\ndata: {\"type\":\"status\",\"task_id\":\"t1\",\"seq\":1,\"message\":\"queued\"}\n\n")
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, "event: status\ndata: {\"type\":\"status\",\"task_id\":\"t1\",\"seq\":2,\"message\":\"running\"}\n\n")
		fmt.Fprint(w, "event: complete\ndata: {\"type\":\"complete\",\"task_id\":\"t1\",\"seq\":3,\"data\":{\"reason\":\"complete\"}}\n\n")
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL, "")

	var events []*TaskEvent
	err := c.FollowTask(context.Background(), "t1", func(e *TaskEvent) error {
		events = append(events, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "status", events[0].Type)
	require.Equal(t, "queued", events[0].Message)
	require.Equal(t, uint64(2), events[1].Seq)
	require.Equal(t, "complete", events[2].Type)
	require.Equal(t, "complete", events[2].Data["completion_reason"])
}

func TestFollowTaskStopsOnCallbackError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks/t1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 1; i <= 10; i++ {
			fmt.Fprintf(w, "event: status\ndata: {\"type\":\"status\",\"seq\":%d}\n\n", i)
		}
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL, "")

	stop := fmt.Errorf("seen enough")
	count := 0
	err := c.FollowTask(context.Background(), "t1", func(e *TaskEvent) error {
		count++
		if count == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 2, count)
}

func TestFollowTaskUnknownID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks/ghost/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"not found: task ghost","code":"not_found"}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL, "")
	err := c.FollowTask(context.Background(), "ghost", func(e *TaskEvent) error { return nil })
	require.True(t, IsNotFound(err))
}

func TestLogs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/projects/my-app/containers/app/logs", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "50", r.URL.Query().Get("tail"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: log\ndata: {\"line\":\"ready in 120ms\"}\n\n")
		fmt.Fprint(w, "event: log\ndata: {\"line\":\"listening on :5173\"}\n\n")
		fmt.Fprint(w, "event: complete\ndata: {}\n\n")
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL, "")

	var lines []string
	err := c.Logs(context.Background(), "my-app", "app", 50, func(line string) error {
		lines = append(lines, line)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"ready in 120ms", "listening on :5173"}, lines)
}

func TestReadyDecodesNotReady(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"unavailable","checks":{"store":"database is closed"}}`)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL, "")
	health, err := c.Ready(context.Background())
	require.NoError(t, err)
	require.Equal(t, "unavailable", health.Status)
	require.Contains(t, health.Checks["store"], "closed")
}

func TestRequestTimeoutApplies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := New(ts.URL, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Health(ctx)
	require.Error(t, err)
}
