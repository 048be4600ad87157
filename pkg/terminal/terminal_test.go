package terminal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/substrate/substratetest"
	"github.com/tesslate/studio/pkg/types"
)

func newTestSession(t *testing.T) (*Manager, *Session, *types.Project) {
	t.Helper()
	driver := substratetest.NewFakeDriver()
	project := &types.Project{ID: "p1", Slug: "demo"}

	var touched []string
	mgr := NewManager(driver, func(id string) { touched = append(touched, id) })
	session, err := mgr.Open(context.Background(), project, &substrate.TerminalOptions{Dir: "app"})
	require.NoError(t, err)
	t.Cleanup(mgr.CloseAll)
	return mgr, session, project
}

func waitOutput(t *testing.T, fn func() bool) {
	t.Helper()
	require.Eventually(t, fn, 2*time.Second, 10*time.Millisecond)
}

func TestEchoThroughSession(t *testing.T) {
	mgr, session, _ := newTestSession(t)

	require.NoError(t, mgr.Write(session.ID, []byte("ls -la\n")))

	// The fake driver loops input back as output.
	waitOutput(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return session.total > 0
	})
	out := session.ConsumeOutput()
	assert.Equal(t, "ls -la\n", string(out))

	// A second consume returns nothing new.
	assert.Empty(t, session.ConsumeOutput())
}

func TestAttachReplaysRing(t *testing.T) {
	mgr, session, _ := newTestSession(t)

	require.NoError(t, mgr.Write(session.ID, []byte("early output")))
	waitOutput(t, func() bool {
		session.mu.Lock()
		defer session.mu.Unlock()
		return session.total > 0
	})

	replay, live, detach := session.Attach()
	defer detach()
	assert.Equal(t, "early output", string(replay))

	require.NoError(t, mgr.Write(session.ID, []byte(" and more")))
	select {
	case chunk := <-live:
		assert.Equal(t, " and more", string(chunk))
	case <-time.After(2 * time.Second):
		t.Fatal("live chunk not delivered")
	}
}

func TestGetUnknownSession(t *testing.T) {
	mgr, _, _ := newTestSession(t)

	_, err := mgr.Get("nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrClassUser, types.Classify(err))
}

func TestCloseProjectEndsSessions(t *testing.T) {
	mgr, session, project := newTestSession(t)

	_, live, detach := session.Attach()
	defer detach()

	mgr.CloseProject(project.ID)

	_, err := mgr.Get(session.ID)
	assert.Error(t, err)

	select {
	case _, open := <-live:
		assert.False(t, open, "watcher channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("watcher channel not closed")
	}
}

func TestResize(t *testing.T) {
	mgr, session, _ := newTestSession(t)
	require.NoError(t, mgr.Resize(session.ID, 120, 40))
}
