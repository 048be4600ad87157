// Package tasks runs asynchronous work (agent turns, hibernates,
// restores, graph starts) as tracked tasks with persisted lifecycle
// rows and a per-task event stream.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tesslate/studio/pkg/events"
	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/metrics"
	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/types"
)

// Result is what a runner reports when it returns. Data rides on the
// terminal event (turn totals, archive sizes, ...). Reason defaults to
// complete; it is recorded on agent-turn tasks.
type Result struct {
	Reason types.CompletionReason
	Data   map[string]string
}

// Runner is the body of a task. It runs on a context detached from the
// request that started it; cancellation comes from Cancel or shutdown.
// A runner may return a Result alongside an error.
type Runner func(ctx context.Context, task *types.Task) (*Result, error)

// Manager owns task rows, the goroutines running them, and their
// cancellation handles.
type Manager struct {
	store  storage.Store
	broker *events.Broker

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a task manager. Tasks run until they finish, are
// cancelled, or Shutdown is called.
func NewManager(store storage.Store, broker *events.Broker) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		broker:     broker,
		baseCtx:    ctx,
		cancelBase: cancel,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Run creates a task row and starts its runner in a goroutine. The
// returned task is the queued snapshot; progress flows through the
// event broker and the store.
func (m *Manager) Run(kind types.TaskKind, projectID, chatID, userID string, fn Runner) (*types.Task, error) {
	task := &types.Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		ProjectID: projectID,
		ChatID:    chatID,
		UserID:    userID,
		Status:    types.TaskStatusQueued,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateTask(task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	m.publishStatus(task)

	ctx, cancel := context.WithCancel(m.baseCtx)
	m.mu.Lock()
	m.cancels[task.ID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, cancel, task, fn)

	snapshot := *task
	return &snapshot, nil
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, task *types.Task, fn Runner) {
	defer m.wg.Done()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.cancels, task.ID)
		m.mu.Unlock()
	}()

	logger := log.WithTaskID(task.ID)

	task.Status = types.TaskStatusRunning
	task.StartedAt = time.Now()
	if err := m.store.UpdateTask(task); err != nil {
		logger.Error().Err(err).Msg("Failed to mark task running")
		return
	}
	m.publishStatus(task)
	logger.Info().
		Str("kind", string(task.Kind)).
		Str("project_id", task.ProjectID).
		Msg("Task started")

	result, err := fn(ctx, task)
	m.finish(task, result, err)
}

// finish settles the row and emits the terminal event. Runner errors of
// class cancelled end the task cancelled; other errors end it failed.
func (m *Manager) finish(task *types.Task, result *Result, err error) {
	logger := log.WithTaskID(task.ID)

	reason := types.ReasonComplete
	if result != nil && result.Reason != "" {
		reason = result.Reason
	}

	task.FinishedAt = time.Now()
	switch {
	case err == nil:
		task.Status = types.TaskStatusCompleted
	case types.Classify(err) == types.ErrClassCancelled:
		task.Status = types.TaskStatusCancelled
		reason = types.ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		// A lapsed deadline cancels like any other cancellation, but the
		// row must say why.
		task.Status = types.TaskStatusFailed
		task.Error = err.Error()
		reason = types.ReasonTimeout
	default:
		task.Status = types.TaskStatusFailed
		task.Error = err.Error()
	}
	task.Reason = reason

	if uerr := m.store.UpdateTask(task); uerr != nil {
		logger.Error().Err(uerr).Msg("Failed to finalize task")
	}
	metrics.TasksTotal.WithLabelValues(string(task.Kind), string(task.Status)).Inc()

	data := map[string]string{"completion_reason": string(reason), "status": string(task.Status)}
	if result != nil {
		for k, v := range result.Data {
			data[k] = v
		}
	}

	event := &types.Event{TaskID: task.ID, Data: data}
	if task.Status == types.TaskStatusFailed {
		event.Type = types.EventError
		event.Message = task.Error
		logger.Warn().Str("error", task.Error).Msg("Task failed")
	} else {
		event.Type = types.EventComplete
		event.Message = string(reason)
		logger.Info().
			Str("status", string(task.Status)).
			Str("reason", string(reason)).
			Dur("duration", task.FinishedAt.Sub(task.StartedAt)).
			Msg("Task finished")
	}
	m.broker.Publish(event)
	m.broker.CloseTask(task.ID)
}

func (m *Manager) publishStatus(task *types.Task) {
	m.broker.Publish(&types.Event{
		Type:    types.EventStatus,
		TaskID:  task.ID,
		Message: string(task.Status),
		Data: map[string]string{
			"kind":       string(task.Kind),
			"project_id": task.ProjectID,
			"status":     string(task.Status),
		},
	})
}

// Cancel requests cooperative cancellation of a running task. Unknown
// ids return ErrNotFound; already-finished tasks ErrInvalidTransition.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	cancel, ok := m.cancels[taskID]
	m.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	task, err := m.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: task %s already %s", types.ErrInvalidTransition, taskID, task.Status)
	}
	// Row exists but no goroutine: an orphan from a previous process.
	return m.settleOrphan(task)
}

// Get returns the stored snapshot of a task.
func (m *Manager) Get(taskID string) (*types.Task, error) {
	return m.store.GetTask(taskID)
}

// RecoverOrphans settles tasks left non-terminal by a previous process.
// They cannot be resumed; they are marked failed so clients stop
// waiting on them.
func (m *Manager) RecoverOrphans() error {
	active, err := m.store.ListActiveTasks()
	if err != nil {
		return fmt.Errorf("failed to list active tasks: %w", err)
	}
	for _, task := range active {
		if err := m.settleOrphan(task); err != nil {
			logger := log.WithTaskID(task.ID)
			logger.Error().Err(err).Msg("Failed to settle orphaned task")
		}
	}
	if len(active) > 0 {
		logger := log.WithComponent("tasks")
		logger.Info().Int("count", len(active)).Msg("Settled orphaned tasks")
	}
	return nil
}

func (m *Manager) settleOrphan(task *types.Task) error {
	task.Status = types.TaskStatusFailed
	task.Error = "interrupted by server restart"
	task.FinishedAt = time.Now()
	if err := m.store.UpdateTask(task); err != nil {
		return err
	}
	metrics.TasksTotal.WithLabelValues(string(task.Kind), string(task.Status)).Inc()
	m.broker.Publish(&types.Event{
		Type:    types.EventError,
		TaskID:  task.ID,
		Message: task.Error,
		Data:    map[string]string{"status": string(task.Status)},
	})
	m.broker.CloseTask(task.ID)
	return nil
}

// Shutdown cancels every running task and waits for runners to return,
// bounded by the context.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancelBase()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks still running at shutdown deadline: %w", ctx.Err())
	}
}
