package api

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesslate/studio/pkg/agent"
	"github.com/tesslate/studio/pkg/config"
	"github.com/tesslate/studio/pkg/llm"
	"github.com/tesslate/studio/pkg/tools"
	"github.com/tesslate/studio/pkg/types"
)

// scriptedGateway replays canned completions in order.
type scriptedGateway struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (g *scriptedGateway) StreamChat(ctx context.Context, _ []llm.Message, onDelta func(string)) (*llm.Result, error) {
	g.mu.Lock()
	if g.calls >= len(g.replies) {
		g.mu.Unlock()
		return nil, types.Transientf("no scripted reply left")
	}
	reply := g.replies[g.calls]
	g.calls++
	g.mu.Unlock()

	onDelta(reply)
	return &llm.Result{
		Content:      reply,
		FinishReason: "stop",
		Usage:        llm.Usage{PromptTokens: 20, CompletionTokens: 10},
		UsageKnown:   true,
	}, nil
}

func (g *scriptedGateway) Model() string { return "test-model" }

func withEngine(gateway agent.Gateway) func(*config.Config, *Deps) {
	return func(cfg *config.Config, deps *Deps) {
		registry := tools.NewRegistry(deps.Files, deps.Graph, deps.Store, deps.Terminals, tools.Options{})
		deps.Engine = agent.NewEngine(deps.Store, registry, gateway, deps.Broker, agent.Options{
			TurnTimeout: 30 * time.Second,
		})
	}
}

func TestAgentStreamEndToEnd(t *testing.T) {
	gateway := &scriptedGateway{replies: []string{"I added the header component."}}
	h := newHarness(t, withEngine(gateway))
	h.createProject(t, "My App")

	resp := h.request(t, http.MethodPost, "/api/chat/agent/stream", agentStreamRequest{
		ProjectID: "my-app",
		Content:   "Add a header",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	taskID := resp.Header.Get("X-Task-Id")
	chatID := resp.Header.Get("X-Chat-Id")
	require.NotEmpty(t, taskID)
	require.NotEmpty(t, chatID)

	// The body ends when the turn's stream closes.
	frames := readSSE(t, resp.Body)
	var kinds []string
	for _, f := range frames {
		kinds = append(kinds, f.Event)
	}
	assert.Equal(t, []string{"status", "status", "raw_token", "iteration", "complete"}, kinds)
	assert.Contains(t, frames[2].Data, "header component")
	assert.Contains(t, frames[4].Data, `"iterations":"1"`)

	task, err := h.store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, task.Status)
	assert.Equal(t, types.ReasonComplete, task.Reason)

	chat, err := h.store.GetChat(chatID)
	require.NoError(t, err)
	assert.Equal(t, "Add a header", chat.Title)

	msgs, err := h.store.ListMessages(chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, "Add a header", msgs[0].Content)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "header component")
}

func TestAgentStreamContinuesChat(t *testing.T) {
	gateway := &scriptedGateway{replies: []string{"Done.", "Also done."}}
	h := newHarness(t, withEngine(gateway))
	h.createProject(t, "My App")

	resp := h.request(t, http.MethodPost, "/api/chat/agent/stream", agentStreamRequest{
		ProjectID: "my-app",
		Content:   "First ask",
	})
	chatID := resp.Header.Get("X-Chat-Id")
	readSSE(t, resp.Body)
	resp.Body.Close()

	resp = h.request(t, http.MethodPost, "/api/chat/agent/stream", agentStreamRequest{
		ProjectID: "my-app",
		ChatID:    chatID,
		Content:   "Second ask",
	})
	assert.Equal(t, chatID, resp.Header.Get("X-Chat-Id"))
	readSSE(t, resp.Body)
	resp.Body.Close()

	msgs, err := h.store.ListMessages(chatID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestAgentStreamValidation(t *testing.T) {
	h := newHarness(t, withEngine(&scriptedGateway{}))
	project := h.createProject(t, "My App")

	resp := h.request(t, http.MethodPost, "/api/chat/agent/stream", agentStreamRequest{
		ProjectID: "my-app",
		Content:   "   ",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/api/chat/agent/stream", agentStreamRequest{
		ProjectID: "my-app",
		Content:   "hi",
		EditMode:  "yolo",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/api/chat/agent/stream", agentStreamRequest{
		ProjectID: "ghost",
		Content:   "hi",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A chat belonging to another project is rejected.
	other := &types.Project{
		ID:      uuid.New().String(),
		OwnerID: "dev",
		Slug:    "other",
		Name:    "Other",
		State:   types.EnvStateCreated,
	}
	require.NoError(t, h.store.CreateProject(other))
	foreign := &types.Chat{ID: uuid.New().String(), ProjectID: other.ID, Title: "x"}
	require.NoError(t, h.store.CreateChat(foreign))

	resp = h.request(t, http.MethodPost, "/api/chat/agent/stream", agentStreamRequest{
		ProjectID: project.ID,
		ChatID:    foreign.ID,
		Content:   "hi",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentStreamWithoutGateway(t *testing.T) {
	h := newHarness(t)
	h.createProject(t, "My App")

	resp := h.request(t, http.MethodPost, "/api/chat/agent/stream", agentStreamRequest{
		ProjectID: "my-app",
		Content:   "hi",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestApprovalEndpoint(t *testing.T) {
	h := newHarness(t, withEngine(&scriptedGateway{}))

	resp := h.request(t, http.MethodPost, "/api/chat/agent/approval", approvalRequest{
		ApprovalID: "whatever",
		Decision:   "maybe",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/api/chat/agent/approval", approvalRequest{
		ApprovalID: "unknown",
		Decision:   string(types.ApprovalAllowOnce),
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
