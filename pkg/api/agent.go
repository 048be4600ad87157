package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tesslate/studio/pkg/agent"
	"github.com/tesslate/studio/pkg/tasks"
	"github.com/tesslate/studio/pkg/types"
)

type agentStreamRequest struct {
	ProjectID string `json:"project_id"`
	ChatID    string `json:"chat_id,omitempty"`
	Dir       string `json:"dir,omitempty"`
	EditMode  string `json:"edit_mode,omitempty"`
	Content   string `json:"content"`
}

// handleAgentStream submits one agent turn as a task and answers with
// that task's SSE event stream. The task id rides on the X-Task-Id
// header and on every event; dropping the stream does not cancel the
// turn, re-attach via /api/tasks/{id}/events.
func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, types.Transientf("no model gateway configured"))
		return
	}
	var req agentStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, types.UserErrorf("content must not be empty"))
		return
	}
	editMode, err := parseEditMode(req.EditMode)
	if err != nil {
		writeError(w, err)
		return
	}

	project, err := s.resolveProject(req.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}

	user := userFrom(r.Context())
	if err := s.deps.Engine.CheckBudget(user); err != nil {
		writeError(w, err)
		return
	}
	chat, err := s.chatFor(project, req.ChatID, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}

	projectID := project.ID
	runner := func(ctx context.Context, task *types.Task) (*tasks.Result, error) {
		// The environment may be hibernated; the turn waits for the
		// restore rather than failing.
		p, err := s.deps.Envs.Ensure(ctx, projectID)
		if err != nil {
			return nil, err
		}
		turn := s.deps.Engine.Turn(&agent.TurnRequest{
			Project:  p,
			Chat:     chat,
			UserID:   user,
			Dir:      req.Dir,
			EditMode: editMode,
			Content:  req.Content,
		})
		return turn(ctx, task)
	}

	task, err := s.deps.Tasks.Run(types.TaskKindAgentTurn, projectID, chat.ID, user, runner)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Envs.Activity().Touch(projectID)

	w.Header().Set("X-Task-Id", task.ID)
	w.Header().Set("X-Chat-Id", chat.ID)
	s.streamEvents(w, r, s.deps.Broker.Subscribe(task.ID))
}

func parseEditMode(raw string) (types.EditMode, error) {
	switch types.EditMode(raw) {
	case "":
		return types.EditModeAllow, nil
	case types.EditModeAllow, types.EditModeAsk, types.EditModePlan:
		return types.EditMode(raw), nil
	default:
		return "", types.UserErrorf("invalid edit_mode %q", raw)
	}
}

// chatFor loads the requested chat or starts a new one titled from the
// first words of the message.
func (s *Server) chatFor(project *types.Project, chatID, content string) (*types.Chat, error) {
	if chatID != "" {
		chat, err := s.deps.Store.GetChat(chatID)
		if err != nil {
			return nil, err
		}
		if chat.ProjectID != project.ID {
			return nil, types.UserErrorf("chat %s does not belong to project %s", chatID, project.Slug)
		}
		return chat, nil
	}

	now := time.Now()
	chat := &types.Chat{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		Title:     chatTitle(content),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Store.CreateChat(chat); err != nil {
		return nil, err
	}
	return chat, nil
}

func chatTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if runes := []rune(title); len(runes) > 80 {
		title = string(runes[:80])
	}
	if title == "" {
		title = "New chat"
	}
	return title
}

type approvalRequest struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
}

// handleApproval answers a pending approval_request event.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, types.Transientf("no model gateway configured"))
		return
	}
	var req approvalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Engine.ResolveApproval(req.ApprovalID, types.ApprovalDecision(req.Decision)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
