package api

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesslate/studio/pkg/tasks"
	"github.com/tesslate/studio/pkg/types"
)

type sseFrame struct {
	Event string
	Data  string
}

// readSSE drains a finished event stream into frames. The server closes
// the body once the task's stream is closed and drained.
func readSSE(t *testing.T, body io.Reader) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var current sseFrame
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && current.Event != "":
			frames = append(frames, current)
			current = sseFrame{}
		}
	}
	require.NoError(t, scanner.Err())
	return frames
}

func TestTaskStatusAndCancel(t *testing.T) {
	h := newHarness(t)
	project := h.createProject(t, "My App")

	started := make(chan struct{})
	task, err := h.tasks.Run(types.TaskKindAgentTurn, project.ID, "", "dev",
		func(ctx context.Context, _ *types.Task) (*tasks.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	resp := h.request(t, http.MethodGet, "/api/tasks/"+task.ID+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status taskResponse
	decodeBody(t, resp, &status)
	assert.Equal(t, string(types.TaskStatusRunning), status.Status)

	resp = h.request(t, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		row, err := h.store.GetTask(task.ID)
		return err == nil && row.Status == types.TaskStatusCancelled
	}, 5*time.Second, 20*time.Millisecond)

	// Cancelling a settled task is a conflict.
	resp = h.request(t, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTaskEndpointsUnknownID(t *testing.T) {
	h := newHarness(t)

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/tasks/ghost/status"},
		{http.MethodPost, "/api/tasks/ghost/cancel"},
		{http.MethodGet, "/api/tasks/ghost/events"},
	} {
		resp := h.request(t, tc.method, tc.path, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, tc.path)
	}
}

func TestTaskEventsReplayAfterFinish(t *testing.T) {
	h := newHarness(t)
	project := h.createProject(t, "My App")

	task, err := h.tasks.Run(types.TaskKindHibernate, project.ID, "", "dev",
		func(ctx context.Context, _ *types.Task) (*tasks.Result, error) {
			return &tasks.Result{Data: map[string]string{"archive_bytes": "1024"}}, nil
		})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		row, err := h.store.GetTask(task.ID)
		return err == nil && row.Status == types.TaskStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	// A finished task's stream replays the ring, then the body ends.
	resp := h.request(t, http.MethodGet, "/api/tasks/"+task.ID+"/events", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readSSE(t, resp.Body)
	require.Len(t, frames, 3)
	assert.Equal(t, "status", frames[0].Event)
	assert.Contains(t, frames[0].Data, "queued")
	assert.Equal(t, "status", frames[1].Event)
	assert.Contains(t, frames[1].Data, "running")
	assert.Equal(t, "complete", frames[2].Event)
	assert.Contains(t, frames[2].Data, "archive_bytes")
}

func TestTaskFailureEvent(t *testing.T) {
	h := newHarness(t)
	project := h.createProject(t, "My App")

	task, err := h.tasks.Run(types.TaskKindRestore, project.ID, "", "dev",
		func(ctx context.Context, _ *types.Task) (*tasks.Result, error) {
			return nil, types.Transientf("archive store unreachable")
		})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		row, err := h.store.GetTask(task.ID)
		return err == nil && row.Status == types.TaskStatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	resp := h.request(t, http.MethodGet, "/api/tasks/"+task.ID+"/events", nil)
	defer resp.Body.Close()
	frames := readSSE(t, resp.Body)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, "error", last.Event)
	assert.Contains(t, last.Data, "archive store unreachable")
}
