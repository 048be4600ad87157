// Package agent drives model turns. A turn streams one or more
// completions from the gateway, parses tool calls out of the text
// grammar, gates and executes them, feeds results back into the
// conversation, and repeats until the turn settles on a completion
// reason. Turns run as tasks, so cancellation, lifecycle rows, and
// terminal events come from the task layer.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tesslate/studio/pkg/agent/parser"
	"github.com/tesslate/studio/pkg/events"
	"github.com/tesslate/studio/pkg/llm"
	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/metrics"
	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/tasks"
	"github.com/tesslate/studio/pkg/tools"
	"github.com/tesslate/studio/pkg/types"
)

// Gateway is the slice of the model client the engine needs. *llm.Client
// satisfies it; tests script one.
type Gateway interface {
	StreamChat(ctx context.Context, messages []llm.Message, onDelta func(string)) (*llm.Result, error)
	Model() string
}

// Options bound a turn.
type Options struct {
	MaxIterations   int           // Model round-trips per turn
	MaxCost         float64       // Dollars per turn
	MaxCostPerDay   float64       // Dollars per user per UTC day, across turns
	ApprovalTimeout time.Duration // Park time before a request counts as stop
	ContextTokens   int           // Window budget, system prompt included
	TurnTimeout     time.Duration // Wall clock cap on the whole turn
}

const (
	defaultMaxIterations   = 100
	defaultMaxCost         = 5.0
	defaultMaxCostPerDay   = 20.0
	defaultApprovalTimeout = 5 * time.Minute
	defaultContextTokens   = 128000
	defaultTurnTimeout     = 10 * time.Minute

	// eventClip bounds stream payloads; the full text always lives in
	// the message store.
	eventClip = 2000
)

// Engine turns user messages into completed agent turns.
type Engine struct {
	store     storage.Store
	registry  *tools.Registry
	gateway   Gateway
	broker    *events.Broker
	opts      Options
	approvals *approvals
	spend     *spendLedger
}

// NewEngine wires the engine. Zero option fields take defaults.
func NewEngine(store storage.Store, registry *tools.Registry, gateway Gateway, broker *events.Broker, opts Options) *Engine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	if opts.MaxCost <= 0 {
		opts.MaxCost = defaultMaxCost
	}
	if opts.MaxCostPerDay <= 0 {
		opts.MaxCostPerDay = defaultMaxCostPerDay
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = defaultApprovalTimeout
	}
	if opts.ContextTokens <= 0 {
		opts.ContextTokens = defaultContextTokens
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = defaultTurnTimeout
	}
	return &Engine{
		store:     store,
		registry:  registry,
		gateway:   gateway,
		broker:    broker,
		opts:      opts,
		approvals: newApprovals(),
		spend:     newSpendLedger(),
	}
}

// CheckBudget reports whether the user may start another turn today.
func (e *Engine) CheckBudget(userID string) error {
	if e.spend.remaining(userID, e.opts.MaxCostPerDay) <= 0 {
		return types.Budgetf("daily cost budget of %.2f exhausted", e.opts.MaxCostPerDay)
	}
	return nil
}

// ResolveApproval answers a parked tool call. Unknown or already
// answered ids return ErrNotFound.
func (e *Engine) ResolveApproval(id string, decision types.ApprovalDecision) error {
	switch decision {
	case types.ApprovalAllowOnce, types.ApprovalAllowAll, types.ApprovalStop:
	default:
		return types.UserErrorf("invalid approval decision %q", decision)
	}
	return e.approvals.resolve(id, decision)
}

// TurnRequest is one user message to act on.
type TurnRequest struct {
	Project  *types.Project
	Chat     *types.Chat
	UserID   string
	Dir      string // Active container dir; tool paths resolve under it
	EditMode types.EditMode
	Content  string
}

// Turn builds the task runner for one turn. The caller submits it to
// the task manager; everything after that flows through the event
// stream and the message store.
func (e *Engine) Turn(req *TurnRequest) tasks.Runner {
	return func(ctx context.Context, task *types.Task) (*tasks.Result, error) {
		return e.run(ctx, task, req)
	}
}

func (e *Engine) run(ctx context.Context, task *types.Task, req *TurnRequest) (*tasks.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.TurnTimeout)
	defer cancel()

	remaining := e.spend.remaining(req.UserID, e.opts.MaxCostPerDay)
	if remaining <= 0 {
		return nil, types.Budgetf("daily cost budget of %.2f exhausted", e.opts.MaxCostPerDay)
	}

	// The user message lands before anything can fail, so a crashed
	// turn still leaves the conversation consistent.
	if err := e.store.AppendMessage(&types.Message{
		ID:        uuid.New().String(),
		ChatID:    req.Chat.ID,
		Role:      types.RoleUser,
		Content:   req.Content,
		CreatedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("persisting user message: %w", err)
	}

	t := &turn{
		e:        e,
		task:     task,
		req:      req,
		msgs:     e.buildContext(req),
		budget:   min(e.opts.MaxCost, remaining),
		editMode: req.EditMode,
		approved: make(map[string]bool),
	}

	reason, err := t.loop(ctx)
	e.spend.add(req.UserID, t.cost)

	metrics.TurnIterations.Observe(float64(t.iterations))
	metrics.TurnCost.Observe(t.cost)

	log.WithTaskID(task.ID).Info().
		Str("reason", string(reason)).
		Int("iterations", t.iterations).
		Int("tool_calls", t.toolCalls).
		Float64("cost", t.cost).
		Msg("Turn finished")

	return &tasks.Result{
		Reason: reason,
		Data: map[string]string{
			"iterations":        strconv.Itoa(t.iterations),
			"tool_calls_made":   strconv.Itoa(t.toolCalls),
			"prompt_tokens":     strconv.Itoa(t.promptTokens),
			"completion_tokens": strconv.Itoa(t.completionTokens),
			"cost":              fmt.Sprintf("%.4f", t.cost),
			"final_response":    clip(t.finalText),
		},
	}, err
}

// turn is the mutable state of one running turn.
type turn struct {
	e         *Engine
	task      *types.Task
	req       *TurnRequest
	msgs      []llm.Message
	budget    float64         // Per-turn cost cap, tightened by the day's remaining allowance
	editMode  types.EditMode  // Promoted to allow for the rest of the turn by allow_all
	approved  map[string]bool // Tools cleared for the rest of the turn via allow_all
	finalText string          // Last non-empty user-visible text, rides the terminal event

	iterations       int
	toolCalls        int
	promptTokens     int
	completionTokens int
	cost             float64
}

// loop is the turn state machine. A returned error means the task
// failed or was cancelled instead of settling on a reason.
func (t *turn) loop(ctx context.Context) (types.CompletionReason, error) {
	for t.iterations < t.e.opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			return types.ReasonCancelled, err
		}
		t.iterations++

		result, err := t.e.gateway.StreamChat(ctx, t.msgs, func(delta string) {
			t.publish(types.EventRawToken, delta, nil)
		})
		if err != nil {
			if ctx.Err() != nil {
				return types.ReasonCancelled, ctx.Err()
			}
			return "", fmt.Errorf("gateway stream: %w", err)
		}

		t.account(result)
		parsed := parser.Parse(result.Content)
		t.persistAssistant(result.Content, parsed.Thought)
		if parsed.Text != "" {
			t.finalText = parsed.Text
		}
		t.publish(types.EventIteration, parsed.Text, map[string]string{
			"iteration":  strconv.Itoa(t.iterations),
			"tool_calls": strconv.Itoa(len(parsed.Calls)),
		})

		reason, done, err := t.runCalls(ctx, parsed.Calls)
		if done || err != nil {
			return reason, err
		}

		if t.cost >= t.budget {
			return types.ReasonMaxCost, nil
		}
		if parsed.Complete || len(parsed.Calls) == 0 {
			return types.ReasonComplete, nil
		}
	}
	return types.ReasonMaxIterations, nil
}

// runCalls executes one step's tool calls in order. done means the
// turn must settle immediately with reason.
func (t *turn) runCalls(ctx context.Context, calls []parser.ToolCall) (reason types.CompletionReason, done bool, err error) {
	for i := range calls {
		call := &calls[i]
		if err := ctx.Err(); err != nil {
			return types.ReasonCancelled, true, err
		}

		// An undecodable call surfaces to the model as a result, never
		// silently dropped, so it can correct itself next iteration.
		if call.Err != nil {
			t.deliver(call, &tools.Result{
				Tool:   callName(call),
				Status: types.ToolStatusUserError,
				Output: fmt.Sprintf("parse_error: %v. Fix the call format and retry.", call.Err),
				Class:  types.ErrClassUser,
			})
			continue
		}

		inv := &tools.Invocation{
			Project: t.req.Project,
			Dir:     t.req.Dir,
			ChatID:  t.req.Chat.ID,
			UserID:  t.req.UserID,
			Name:    call.Name,
			Args:    call.Args,
		}

		args, _ := json.Marshal(call.Args)
		t.publish(types.EventToolCall, call.Name, map[string]string{
			"tool": call.Name,
			"args": clip(string(args)),
		})

		decision := t.e.registry.Plan(inv, t.editMode)
		if decision.Gate == tools.GateApprove && t.approved[call.Name] {
			decision = tools.Decision{Gate: tools.GateExecute}
		}

		var result *tools.Result
		switch decision.Gate {
		case tools.GateBlock:
			result = t.e.registry.Refuse(inv, "blocked", decision.Cause)
		case tools.GateApprove:
			verdict, waitErr := t.awaitApproval(ctx, inv, decision.Reason)
			if waitErr != nil {
				return types.ReasonCancelled, true, waitErr
			}
			if verdict == types.ApprovalStop {
				t.deliver(call, t.e.registry.Refuse(inv, "denied",
					fmt.Errorf("%w: the user declined %s", types.ErrApprovalDenied, call.Name)))
				return types.ReasonApprovalDenied, true, nil
			}
			if verdict == types.ApprovalAllowAll {
				// The user asked not to be prompted again: the tool is
				// cleared and the remaining turn runs in allow mode.
				t.approved[call.Name] = true
				t.editMode = types.EditModeAllow
			}
			t.toolCalls++
			result = t.e.registry.Execute(ctx, inv)
		default:
			t.toolCalls++
			result = t.e.registry.Execute(ctx, inv)
		}

		t.deliver(call, result)

		// An internal-class failure means the platform broke, not the
		// model; iterating would only burn budget against a wall.
		if result.Class == types.ErrClassInternal {
			return types.ReasonFatalToolError, true, nil
		}
	}
	return "", false, nil
}

// awaitApproval parks the turn until the user answers, the timeout
// lapses, or the turn is cancelled. A lapsed timeout counts as stop.
func (t *turn) awaitApproval(ctx context.Context, inv *tools.Invocation, reason string) (types.ApprovalDecision, error) {
	p := t.e.approvals.add(t.task.ID, inv.Name)
	defer t.e.approvals.remove(p.ID)

	args, _ := json.Marshal(inv.Args)
	data := map[string]string{
		"approval_id":     p.ID,
		"tool_name":       inv.Name,
		"tool_parameters": clip(string(args)),
		"reason":          reason,
	}
	if def, ok := t.e.registry.Definition(inv.Name); ok {
		data["tool_description"] = def.Description
	}
	t.publish(types.EventApprovalRequest, reason, data)

	timer := time.NewTimer(t.e.opts.ApprovalTimeout)
	defer timer.Stop()

	select {
	case decision := <-p.ch:
		return decision, nil
	case <-timer.C:
		log.WithTaskID(t.task.ID).Warn().Str("tool", inv.Name).Msg("Approval request timed out")
		return types.ApprovalStop, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// deliver persists a tool result, streams it, and appends it to the
// working context so the next completion sees it.
func (t *turn) deliver(call *parser.ToolCall, result *tools.Result) {
	msg := &types.Message{
		ID:        uuid.New().String(),
		ChatID:    t.req.Chat.ID,
		Role:      types.RoleTool,
		Content:   result.Output,
		ToolName:  result.Tool,
		ToolCall:  fmt.Sprintf("%d.%d", t.iterations, call.Index),
		CreatedAt: time.Now(),
	}
	if err := t.e.store.AppendMessage(msg); err != nil {
		log.WithTaskID(t.task.ID).Warn().Err(err).Msg("Persisting tool result failed")
	}
	t.publish(types.EventToolResult, clip(result.Output), map[string]string{
		"tool":   result.Tool,
		"status": string(result.Status),
	})
	t.msgs = append(t.msgs, llm.Message{Role: "user", Content: toolResultText(result.Tool, result.Output)})
}

// persistAssistant stores the raw model output. Raw markup is kept so
// rebuilt context replays exactly what the model said; Thought carries
// the stripped reasoning for display.
func (t *turn) persistAssistant(raw, thought string) {
	msg := &types.Message{
		ID:        uuid.New().String(),
		ChatID:    t.req.Chat.ID,
		Role:      types.RoleAssistant,
		Content:   raw,
		Thought:   thought,
		CreatedAt: time.Now(),
	}
	if err := t.e.store.AppendMessage(msg); err != nil {
		log.WithTaskID(t.task.ID).Warn().Err(err).Msg("Persisting assistant message failed")
	}
	t.msgs = append(t.msgs, llm.Message{Role: "assistant", Content: raw})
}

// account books one completion's tokens and cost, estimating locally
// when the gateway sent no usage chunk.
func (t *turn) account(result *llm.Result) {
	prompt, completion := result.Usage.PromptTokens, result.Usage.CompletionTokens
	if !result.UsageKnown {
		prompt = countMessages(t.msgs)
		completion = countTokens(result.Content)
	}
	t.promptTokens += prompt
	t.completionTokens += completion
	t.cost += costOf(t.e.gateway.Model(), prompt, completion)
}

func (t *turn) publish(kind types.EventType, message string, data map[string]string) {
	t.e.broker.Publish(&types.Event{
		Type:    kind,
		TaskID:  t.task.ID,
		Message: message,
		Data:    data,
	})
}

func callName(call *parser.ToolCall) string {
	if call.Name != "" {
		return call.Name
	}
	return "unknown"
}

func clip(s string) string {
	if len(s) <= eventClip {
		return s
	}
	return s[:eventClip] + "..."
}
