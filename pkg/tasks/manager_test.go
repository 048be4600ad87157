package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesslate/studio/pkg/events"
	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, storage.Store, *events.Broker) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	broker := events.NewBroker()
	return NewManager(store, broker), store, broker
}

func waitTerminal(t *testing.T, store storage.Store, taskID string) *types.Task {
	t.Helper()
	var task *types.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = store.GetTask(taskID)
		return err == nil && task.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func collect(sub *events.Subscription) []*types.Event {
	var got []*types.Event
	for event := range sub.C {
		got = append(got, event)
	}
	return got
}

func TestRunCompletes(t *testing.T) {
	m, store, broker := newTestManager(t)

	task, err := m.Run(types.TaskKindHibernate, "p1", "", "u1", func(ctx context.Context, task *types.Task) (*Result, error) {
		return &Result{Data: map[string]string{"bytes": "1024"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, task.Status)

	done := waitTerminal(t, store, task.ID)
	assert.Equal(t, types.TaskStatusCompleted, done.Status)
	assert.Equal(t, types.ReasonComplete, done.Reason)
	assert.False(t, done.FinishedAt.IsZero())

	got := collect(broker.Subscribe(task.ID))
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, types.EventComplete, last.Type)
	assert.Equal(t, "1024", last.Data["bytes"])
	assert.Equal(t, "complete", last.Data["completion_reason"])
}

func TestRunFails(t *testing.T) {
	m, store, broker := newTestManager(t)

	task, err := m.Run(types.TaskKindRestore, "p1", "", "u1", func(ctx context.Context, task *types.Task) (*Result, error) {
		return nil, errors.New("archive corrupt")
	})
	require.NoError(t, err)

	done := waitTerminal(t, store, task.ID)
	assert.Equal(t, types.TaskStatusFailed, done.Status)
	assert.Equal(t, "archive corrupt", done.Error)

	got := collect(broker.Subscribe(task.ID))
	last := got[len(got)-1]
	assert.Equal(t, types.EventError, last.Type)
	assert.Equal(t, "archive corrupt", last.Message)
}

func TestRunReasonFromResult(t *testing.T) {
	m, store, _ := newTestManager(t)

	task, err := m.Run(types.TaskKindAgentTurn, "p1", "c1", "u1", func(ctx context.Context, task *types.Task) (*Result, error) {
		return &Result{Reason: types.ReasonMaxIterations}, nil
	})
	require.NoError(t, err)

	done := waitTerminal(t, store, task.ID)
	assert.Equal(t, types.TaskStatusCompleted, done.Status)
	assert.Equal(t, types.ReasonMaxIterations, done.Reason)
}

func TestRunDeadlineFinalizesAsTimeout(t *testing.T) {
	m, store, _ := newTestManager(t)

	task, err := m.Run(types.TaskKindAgentTurn, "p1", "c1", "u1", func(ctx context.Context, task *types.Task) (*Result, error) {
		ctx, cancel := context.WithTimeout(ctx, time.Millisecond)
		defer cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	done := waitTerminal(t, store, task.ID)
	assert.Equal(t, types.TaskStatusFailed, done.Status)
	assert.Equal(t, types.ReasonTimeout, done.Reason)
	assert.Contains(t, done.Error, "deadline")
}

func TestCancelRunningTask(t *testing.T) {
	m, store, _ := newTestManager(t)

	started := make(chan struct{})
	task, err := m.Run(types.TaskKindAgentTurn, "p1", "c1", "u1", func(ctx context.Context, task *types.Task) (*Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, m.Cancel(task.ID))

	done := waitTerminal(t, store, task.ID)
	assert.Equal(t, types.TaskStatusCancelled, done.Status)
	assert.Equal(t, types.ReasonCancelled, done.Reason)
}

func TestCancelUnknownTask(t *testing.T) {
	m, _, _ := newTestManager(t)

	err := m.Cancel("no-such-task")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCancelFinishedTask(t *testing.T) {
	m, store, _ := newTestManager(t)

	task, err := m.Run(types.TaskKindEnsure, "p1", "", "u1", func(ctx context.Context, task *types.Task) (*Result, error) {
		return nil, nil
	})
	require.NoError(t, err)
	waitTerminal(t, store, task.ID)

	err = m.Cancel(task.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestRecoverOrphans(t *testing.T) {
	m, store, _ := newTestManager(t)

	orphan := &types.Task{
		ID:        "orphan-1",
		Kind:      types.TaskKindAgentTurn,
		ProjectID: "p1",
		Status:    types.TaskStatusRunning,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateTask(orphan))

	require.NoError(t, m.RecoverOrphans())

	got, err := store.GetTask("orphan-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Error, "restart")
}

func TestShutdownCancelsRunners(t *testing.T) {
	m, store, _ := newTestManager(t)

	started := make(chan struct{})
	task, err := m.Run(types.TaskKindGraphStart, "p1", "", "u1", func(ctx context.Context, task *types.Task) (*Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	done, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.True(t, done.Status.Terminal())
}
