package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesslate/studio/pkg/env"
	"github.com/tesslate/studio/pkg/events"
	"github.com/tesslate/studio/pkg/fileops"
	"github.com/tesslate/studio/pkg/graph"
	"github.com/tesslate/studio/pkg/llm"
	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/substrate/substratetest"
	"github.com/tesslate/studio/pkg/tasks"
	"github.com/tesslate/studio/pkg/terminal"
	"github.com/tesslate/studio/pkg/tools"
	"github.com/tesslate/studio/pkg/types"
)

// scriptedGateway replays canned completions in order and records the
// conversation the engine sent for each one.
type scriptedGateway struct {
	mu      sync.Mutex
	replies []string
	calls   [][]llm.Message

	model            string
	usagePrompt      int // When set, completions report known usage
	usageCompletion  int
	blockUntilCancel bool // Calls past the script hang until the context dies

	enterOnce sync.Once
	entered   chan struct{} // Closed on the first StreamChat
}

func newScriptedGateway(replies ...string) *scriptedGateway {
	return &scriptedGateway{replies: replies, entered: make(chan struct{})}
}

func (g *scriptedGateway) Model() string {
	if g.model == "" {
		return "gpt-4o-mini"
	}
	return g.model
}

func (g *scriptedGateway) StreamChat(ctx context.Context, messages []llm.Message, onDelta func(string)) (*llm.Result, error) {
	g.enterOnce.Do(func() { close(g.entered) })

	g.mu.Lock()
	g.calls = append(g.calls, append([]llm.Message(nil), messages...))
	var reply string
	have := len(g.replies) > 0
	if have {
		reply = g.replies[0]
		g.replies = g.replies[1:]
	}
	g.mu.Unlock()

	if !have {
		if g.blockUntilCancel {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("gateway script exhausted after %d calls", len(g.calls))
	}

	// Two deltas per reply so accumulation is exercised.
	if onDelta != nil && reply != "" {
		half := len(reply) / 2
		if half > 0 {
			onDelta(reply[:half])
		}
		onDelta(reply[half:])
	}

	result := &llm.Result{Content: reply, FinishReason: "stop"}
	if g.usagePrompt > 0 || g.usageCompletion > 0 {
		result.Usage = llm.Usage{
			PromptTokens:     g.usagePrompt,
			CompletionTokens: g.usageCompletion,
			TotalTokens:      g.usagePrompt + g.usageCompletion,
		}
		result.UsageKnown = true
	}
	return result, nil
}

func (g *scriptedGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *scriptedGateway) call(i int) []llm.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[i]
}

type engineHarness struct {
	engine  *Engine
	gateway *scriptedGateway
	broker  *events.Broker
	store   storage.Store
	driver  *substratetest.FakeDriver
	project *types.Project
	chat    *types.Chat
}

func newEngineHarness(t *testing.T, gateway *scriptedGateway, opts Options) *engineHarness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	project := &types.Project{
		ID:      "p1",
		OwnerID: "o1",
		Slug:    "demo",
		Name:    "Demo",
		State:   types.EnvStateActive,
	}
	require.NoError(t, store.CreateProject(project))

	chat := &types.Chat{ID: "chat1", ProjectID: project.ID, Title: "Build"}
	require.NoError(t, store.CreateChat(chat))

	driver := substratetest.NewFakeDriver()
	require.NoError(t, driver.EnsureProjectSpace(context.Background(), project))

	files := fileops.NewService(driver, env.NewTracker(store))
	graphMgr := graph.NewManager(store, driver, nil)
	terminals := terminal.NewManager(driver, nil)
	t.Cleanup(terminals.CloseAll)

	registry := tools.NewRegistry(files, graphMgr, store, terminals, tools.Options{})
	broker := events.NewBroker()

	return &engineHarness{
		engine:  NewEngine(store, registry, gateway, broker, opts),
		gateway: gateway,
		broker:  broker,
		store:   store,
		driver:  driver,
		project: project,
		chat:    chat,
	}
}

func (h *engineHarness) request(mode types.EditMode, content string) *TurnRequest {
	return &TurnRequest{
		Project:  h.project,
		Chat:     h.chat,
		UserID:   "u1",
		Dir:      "app",
		EditMode: mode,
		Content:  content,
	}
}

func (h *engineHarness) task() *types.Task {
	return &types.Task{
		ID:        "t1",
		Kind:      types.TaskKindAgentTurn,
		ProjectID: h.project.ID,
		ChatID:    h.chat.ID,
		UserID:    "u1",
	}
}

func (h *engineHarness) runTurn(ctx context.Context, req *TurnRequest) (*tasks.Result, error) {
	return h.engine.Turn(req)(ctx, h.task())
}

// drainEvents closes the stream and returns everything buffered.
func (h *engineHarness) drainEvents() []*types.Event {
	h.broker.CloseTask("t1")
	sub := h.broker.Subscribe("t1")
	var out []*types.Event
	for event := range sub.C {
		out = append(out, event)
	}
	return out
}

func (h *engineHarness) messages(t *testing.T) []*types.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(h.chat.ID)
	require.NoError(t, err)
	return msgs
}

func TestTurnCompletesWithoutTools(t *testing.T) {
	gateway := newScriptedGateway(
		"<think>Simple question.</think>Hello! Your project has one container.<task_complete/>")
	h := newEngineHarness(t, gateway, Options{})

	result, err := h.runTurn(context.Background(), h.request(types.EditModeAllow, "hi"))
	require.NoError(t, err)

	assert.Equal(t, types.ReasonComplete, result.Reason)
	assert.Equal(t, "1", result.Data["iterations"])
	assert.Equal(t, "0", result.Data["tool_calls_made"])
	assert.Equal(t, "Hello! Your project has one container.", result.Data["final_response"])

	msgs := h.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, types.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "<think>")
	assert.Equal(t, "Simple question.", msgs[1].Thought)
}

func TestTurnCompletesWhenModelStopsCallingTools(t *testing.T) {
	gateway := newScriptedGateway("Here is my plan for the feature.")
	h := newEngineHarness(t, gateway, Options{})

	result, err := h.runTurn(context.Background(), h.request(types.EditModeAllow, "plan it"))
	require.NoError(t, err)

	assert.Equal(t, types.ReasonComplete, result.Reason)
	assert.Equal(t, 1, gateway.callCount())
}

func TestTurnExecutesToolsAcrossIterations(t *testing.T) {
	gateway := newScriptedGateway(
		`<think>Create the file first.</think><tool_call>{"name":"write_file","args":{"path":"notes.txt","content":"alpha"}}</tool_call>`,
		`<tool_call>{"name":"read_file","args":{"path":"notes.txt"}}</tool_call>`,
		"The file is in place.<task_complete/>")
	h := newEngineHarness(t, gateway, Options{})

	result, err := h.runTurn(context.Background(), h.request(types.EditModeAllow, "make notes.txt"))
	require.NoError(t, err)

	assert.Equal(t, types.ReasonComplete, result.Reason)
	assert.Equal(t, "3", result.Data["iterations"])
	assert.Equal(t, "2", result.Data["tool_calls_made"])
	assert.Equal(t, "The file is in place.", result.Data["final_response"])

	// user, assistant, tool, assistant, tool, assistant
	msgs := h.messages(t)
	require.Len(t, msgs, 6)
	assert.Equal(t, types.RoleTool, msgs[2].Role)
	assert.Equal(t, "write_file", msgs[2].ToolName)
	assert.Equal(t, "1.0", msgs[2].ToolCall)
	assert.Contains(t, msgs[2].Content, "wrote 5 bytes")
	assert.Equal(t, "read_file", msgs[4].ToolName)
	assert.Equal(t, "2.0", msgs[4].ToolCall)
	assert.Contains(t, msgs[4].Content, "alpha")

	// The second completion sees the first tool result as a user message.
	second := gateway.call(1)
	last := second[len(second)-1]
	assert.Equal(t, "user", last.Role)
	assert.True(t, strings.HasPrefix(last.Content, "[tool_result write_file]"), last.Content)
}

func TestTurnFeedsParseErrorBack(t *testing.T) {
	gateway := newScriptedGateway(
		"<tool_call>not json at all ???</tool_call>",
		"Sorry, retrying properly.<task_complete/>")
	h := newEngineHarness(t, gateway, Options{})

	result, err := h.runTurn(context.Background(), h.request(types.EditModeAllow, "go"))
	require.NoError(t, err)

	assert.Equal(t, types.ReasonComplete, result.Reason)
	assert.Equal(t, "0", result.Data["tool_calls_made"])

	msgs := h.messages(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, types.RoleTool, msgs[2].Role)
	assert.Contains(t, msgs[2].Content, "parse_error")

	// The correction prompt reaches the model.
	second := gateway.call(1)
	assert.Contains(t, second[len(second)-1].Content, "parse_error")
}

func TestTurnStopsAtMaxIterations(t *testing.T) {
	gateway := newScriptedGateway(
		`<tool_call>{"name":"list_dir","args":{"path":"."}}</tool_call>`,
		`<tool_call>{"name":"list_dir","args":{"path":"."}}</tool_call>`)
	h := newEngineHarness(t, gateway, Options{MaxIterations: 2})

	result, err := h.runTurn(context.Background(), h.request(types.EditModeAllow, "loop"))
	require.NoError(t, err)

	assert.Equal(t, types.ReasonMaxIterations, result.Reason)
	assert.Equal(t, "2", result.Data["iterations"])
	assert.Equal(t, 2, gateway.callCount())
}

func TestTurnStopsAtMaxCost(t *testing.T) {
	gateway := newScriptedGateway(
		`<tool_call>{"name":"list_dir","args":{"path":"."}}</tool_call>`)
	gateway.model = "gpt-4"
	gateway.usagePrompt = 1000
	gateway.usageCompletion = 500
	h := newEngineHarness(t, gateway, Options{MaxCost: 0.05})

	result, err := h.runTurn(context.Background(), h.request(types.EditModeAllow, "expensive"))
	require.NoError(t, err)

	// 1000 prompt at $0.03/1K plus 500 completion at $0.06/1K = $0.06.
	assert.Equal(t, types.ReasonMaxCost, result.Reason)
	assert.Equal(t, "0.0600", result.Data["cost"])
	assert.Equal(t, "1000", result.Data["prompt_tokens"])
	assert.Equal(t, "500", result.Data["completion_tokens"])
}

func TestDailyBudgetRefusesNextTurn(t *testing.T) {
	gateway := newScriptedGateway(
		"Done.<task_complete/>",
		"never reached")
	gateway.model = "gpt-4"
	gateway.usagePrompt = 1000
	gateway.usageCompletion = 500
	h := newEngineHarness(t, gateway, Options{MaxCostPerDay: 0.05})

	// The day's allowance tightens the per-turn cap below the $5 default.
	result, err := h.runTurn(context.Background(), h.request(types.EditModeAllow, "first"))
	require.NoError(t, err)
	assert.Equal(t, types.ReasonMaxCost, result.Reason)
	assert.Equal(t, "0.0600", result.Data["cost"])

	err = h.engine.CheckBudget("u1")
	require.Error(t, err)
	assert.Equal(t, types.ErrClassBudget, types.Classify(err))
	assert.NoError(t, h.engine.CheckBudget("someone-else"))

	_, err = h.runTurn(context.Background(), h.request(types.EditModeAllow, "second"))
	require.Error(t, err)
	assert.Equal(t, types.ErrClassBudget, types.Classify(err))
	assert.Equal(t, 1, gateway.callCount(), "refused turn must not reach the gateway")
}

func TestSpendLedgerRollsAtDayBoundary(t *testing.T) {
	l := newSpendLedger()
	l.add("u1", 3)
	assert.Equal(t, 17.0, l.remaining("u1", 20))

	l.mu.Lock()
	l.roll(time.Now().AddDate(0, 0, 1))
	l.mu.Unlock()
	assert.Equal(t, 20.0, l.remaining("u1", 20))
}

func TestTurnEstimatesUsageWhenGatewayOmitsIt(t *testing.T) {
	gateway := newScriptedGateway("All done here.<task_complete/>")
	h := newEngineHarness(t, gateway, Options{})

	result, err := h.runTurn(context.Background(), h.request(types.EditModeAllow, "quick check"))
	require.NoError(t, err)

	assert.NotEqual(t, "0", result.Data["prompt_tokens"])
	assert.NotEqual(t, "0", result.Data["completion_tokens"])
}

func waitForApproval(t *testing.T, sub *events.Subscription) *types.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				t.Fatal("event stream closed before approval_request")
			}
			if event.Type == types.EventApprovalRequest {
				return event
			}
		case <-deadline:
			t.Fatal("no approval_request within 5s")
		}
	}
}

func TestApprovalAllowOnce(t *testing.T) {
	gateway := newScriptedGateway(
		`<tool_call>{"name":"write_file","args":{"path":"a.txt","content":"x"}}</tool_call>`,
		"Written.<task_complete/>")
	h := newEngineHarness(t, gateway, Options{})

	sub := h.broker.Subscribe("t1")
	defer h.broker.Unsubscribe(sub)

	var result *tasks.Result
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = h.runTurn(context.Background(), h.request(types.EditModeAsk, "write a.txt"))
	}()

	approval := waitForApproval(t, sub)
	assert.Equal(t, "write_file", approval.Data["tool_name"])
	assert.Contains(t, approval.Data["tool_parameters"], "a.txt")
	assert.NotEmpty(t, approval.Data["tool_description"])
	require.NoError(t, h.engine.ResolveApproval(approval.Data["approval_id"], types.ApprovalAllowOnce))
	<-done

	require.NoError(t, runErr)
	assert.Equal(t, types.ReasonComplete, result.Reason)
	assert.Equal(t, "1", result.Data["tool_calls_made"])

	msgs := h.messages(t)
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[2].Content, "wrote 1 bytes")
}

func TestApprovalAllowAllSkipsRepeatPrompts(t *testing.T) {
	gateway := newScriptedGateway(
		`<tool_call>{"name":"write_file","args":{"path":"a.txt","content":"x"}}</tool_call>`,
		`<tool_call>{"name":"write_file","args":{"path":"b.txt","content":"y"}}</tool_call>`,
		`<tool_call>{"name":"patch_file","args":{"path":"a.txt","patch":"--- a.txt\n+++ a.txt\n@@ -1 +1 @@\n-x\n+z\n"}}</tool_call>`,
		"All done.<task_complete/>")
	h := newEngineHarness(t, gateway, Options{})

	sub := h.broker.Subscribe("t1")
	defer h.broker.Unsubscribe(sub)

	var result *tasks.Result
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = h.runTurn(context.Background(), h.request(types.EditModeAsk, "write both then patch"))
	}()

	approval := waitForApproval(t, sub)
	require.NoError(t, h.engine.ResolveApproval(approval.Data["approval_id"], types.ApprovalAllowAll))
	<-done

	require.NoError(t, runErr)
	assert.Equal(t, types.ReasonComplete, result.Reason)
	assert.Equal(t, "3", result.Data["tool_calls_made"])

	// allow_all clears the tool and promotes the rest of the turn to
	// allow mode, so the later patch_file runs unprompted too.
	requests := 0
	for _, event := range h.drainEvents() {
		if event.Type == types.EventApprovalRequest {
			requests++
		}
	}
	assert.Equal(t, 1, requests, "later writes must not prompt again")
}

func TestApprovalStopEndsTurn(t *testing.T) {
	gateway := newScriptedGateway(
		`<tool_call>{"name":"write_file","args":{"path":"a.txt","content":"x"}}</tool_call>`,
		"never sent")
	h := newEngineHarness(t, gateway, Options{})

	sub := h.broker.Subscribe("t1")
	defer h.broker.Unsubscribe(sub)

	var result *tasks.Result
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = h.runTurn(context.Background(), h.request(types.EditModeAsk, "write a.txt"))
	}()

	approval := waitForApproval(t, sub)
	require.NoError(t, h.engine.ResolveApproval(approval.Data["approval_id"], types.ApprovalStop))
	<-done

	require.NoError(t, runErr)
	assert.Equal(t, types.ReasonApprovalDenied, result.Reason)
	assert.Equal(t, "0", result.Data["tool_calls_made"])
	assert.Equal(t, 1, gateway.callCount(), "turn must not iterate after a stop")

	msgs := h.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, types.RoleTool, msgs[2].Role)
	assert.Contains(t, msgs[2].Content, "approval denied")

	_, ok := h.driver.FileContent(h.project.ID, "app", "a.txt")
	assert.False(t, ok, "denied write must not create the file")
}

func TestApprovalStopLeavesTargetUntouched(t *testing.T) {
	gateway := newScriptedGateway(
		`<tool_call>{"name":"delete_file","args":{"path":"src/App.tsx"}}</tool_call>`,
		"never sent")
	h := newEngineHarness(t, gateway, Options{})
	h.driver.SeedFile(h.project.ID, "app", "src/App.tsx", []byte("export const Hello = () => <p>Hi</p>"))

	sub := h.broker.Subscribe("t1")
	defer h.broker.Unsubscribe(sub)

	var result *tasks.Result
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = h.runTurn(context.Background(), h.request(types.EditModeAsk, "remove App.tsx"))
	}()

	approval := waitForApproval(t, sub)
	assert.Equal(t, "delete_file", approval.Data["tool_name"])
	require.NoError(t, h.engine.ResolveApproval(approval.Data["approval_id"], types.ApprovalStop))
	<-done

	require.NoError(t, runErr)
	assert.Equal(t, types.ReasonApprovalDenied, result.Reason)

	content, ok := h.driver.FileContent(h.project.ID, "app", "src/App.tsx")
	require.True(t, ok, "denied delete must leave the file in place")
	assert.Contains(t, string(content), "Hello")
}

func TestApprovalTimeoutCountsAsStop(t *testing.T) {
	gateway := newScriptedGateway(
		`<tool_call>{"name":"write_file","args":{"path":"a.txt","content":"x"}}</tool_call>`)
	h := newEngineHarness(t, gateway, Options{ApprovalTimeout: 50 * time.Millisecond})

	result, err := h.runTurn(context.Background(), h.request(types.EditModeAsk, "write a.txt"))
	require.NoError(t, err)

	assert.Equal(t, types.ReasonApprovalDenied, result.Reason)
}

func TestResolveApprovalValidation(t *testing.T) {
	h := newEngineHarness(t, newScriptedGateway(), Options{})

	err := h.engine.ResolveApproval("whatever", "maybe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid approval decision")

	err = h.engine.ResolveApproval("missing", types.ApprovalAllowOnce)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestTurnCancellation(t *testing.T) {
	gateway := newScriptedGateway()
	gateway.blockUntilCancel = true
	h := newEngineHarness(t, gateway, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	var result *tasks.Result
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = h.runTurn(ctx, h.request(types.EditModeAllow, "long job"))
	}()

	<-gateway.entered
	cancel()
	<-done

	require.Error(t, runErr)
	assert.ErrorIs(t, runErr, context.Canceled)
	assert.Equal(t, types.ReasonCancelled, result.Reason)
}

func TestCancelMidTurnKeepsCompletedSteps(t *testing.T) {
	gateway := newScriptedGateway(
		`<tool_call>{"name":"list_dir","args":{"path":"."}}</tool_call>`)
	gateway.blockUntilCancel = true
	h := newEngineHarness(t, gateway, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	var result *tasks.Result
	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = h.runTurn(ctx, h.request(types.EditModeAllow, "explore"))
	}()

	// Cancel while the second completion is in flight.
	require.Eventually(t, func() bool { return gateway.callCount() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	require.Error(t, runErr)
	assert.Equal(t, types.ReasonCancelled, result.Reason)

	// The finished first step survives the cancellation.
	msgs := h.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.Equal(t, types.RoleTool, msgs[2].Role)
	assert.Equal(t, "list_dir", msgs[2].ToolName)
}

func TestPlanModeBlocksWrites(t *testing.T) {
	gateway := newScriptedGateway(
		`<tool_call>{"name":"write_file","args":{"path":"a.txt","content":"x"}}</tool_call>`,
		"Understood, planning only.<task_complete/>")
	h := newEngineHarness(t, gateway, Options{})

	result, err := h.runTurn(context.Background(), h.request(types.EditModePlan, "change a.txt"))
	require.NoError(t, err)

	assert.Equal(t, types.ReasonComplete, result.Reason)
	assert.Equal(t, "0", result.Data["tool_calls_made"])

	msgs := h.messages(t)
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[2].Content, "plan mode")

	for _, event := range h.drainEvents() {
		assert.NotEqual(t, types.EventApprovalRequest, event.Type)
	}
}

func TestFatalToolErrorEndsTurn(t *testing.T) {
	gateway := newScriptedGateway(
		`<tool_call>{"name":"bash","args":{"command":"ls"}}</tool_call>`)
	h := newEngineHarness(t, gateway, Options{})
	h.driver.ExecFn = func(ctx context.Context, project *types.Project, req *types.ExecRequest) (*types.ExecResult, error) {
		return nil, errors.New("containerd socket gone")
	}

	result, err := h.runTurn(context.Background(), h.request(types.EditModeAllow, "list files"))
	require.NoError(t, err)

	assert.Equal(t, types.ReasonFatalToolError, result.Reason)
	assert.Equal(t, 1, gateway.callCount())
}

func TestBlockedCommandNeverReachesSubstrate(t *testing.T) {
	gateway := newScriptedGateway(
		`<tool_call>{"name":"bash","args":{"command":"rm -rf /"}}</tool_call>`,
		"I will not run that.<task_complete/>")
	h := newEngineHarness(t, gateway, Options{})
	var execs int
	h.driver.ExecFn = func(ctx context.Context, project *types.Project, req *types.ExecRequest) (*types.ExecResult, error) {
		execs++
		return &types.ExecResult{ExitCode: 0}, nil
	}

	result, err := h.runTurn(context.Background(), h.request(types.EditModeAllow, "clean everything up"))
	require.NoError(t, err)

	assert.Equal(t, types.ReasonComplete, result.Reason)
	assert.Equal(t, "0", result.Data["tool_calls_made"])
	assert.Zero(t, execs, "a refused command must not spawn a subprocess")

	// The refusal reaches the model as an ordinary tool result.
	msgs := h.messages(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, types.RoleTool, msgs[2].Role)
	assert.Contains(t, msgs[2].Content, "blocked command")

	entries, err := h.store.ListAudit(h.project.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bash", entries[0].Tool)
	assert.Equal(t, "blocked", entries[0].Decision)
}

func TestTurnEventSequence(t *testing.T) {
	gateway := newScriptedGateway(
		`<tool_call>{"name":"write_file","args":{"path":"a.txt","content":"x"}}</tool_call>`,
		"Done.<task_complete/>")
	h := newEngineHarness(t, gateway, Options{})

	_, err := h.runTurn(context.Background(), h.request(types.EditModeAllow, "write a.txt"))
	require.NoError(t, err)

	all := h.drainEvents()
	require.NotEmpty(t, all)

	// Deltas stream before their iteration settles.
	assert.Equal(t, types.EventRawToken, all[0].Type)

	var kinds []types.EventType
	for _, event := range all {
		if event.Type == types.EventRawToken {
			continue
		}
		kinds = append(kinds, event.Type)
	}
	assert.Equal(t, []types.EventType{
		types.EventIteration,
		types.EventToolCall,
		types.EventToolResult,
		types.EventIteration,
	}, kinds)
}
