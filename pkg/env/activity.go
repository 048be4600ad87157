package env

import (
	"sync"
	"time"

	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/types"
)

// flushInterval is how stale a project's persisted last-activity row may
// get before the next touch writes through.
const flushInterval = 30 * time.Second

// Tracker records per-project activity with write-behind persistence.
// Touches land in memory on every call and hit the store at most once
// per flush interval, so hot paths (file ops, exec, terminal bytes) do
// not pay a write each.
type Tracker struct {
	store storage.Store

	mu      sync.Mutex
	last    map[string]time.Time
	flushed map[string]time.Time
}

// NewTracker creates an activity tracker over the store.
func NewTracker(store storage.Store) *Tracker {
	return &Tracker{
		store:   store,
		last:    make(map[string]time.Time),
		flushed: make(map[string]time.Time),
	}
}

// Touch marks the project active now.
func (t *Tracker) Touch(projectID string) {
	now := time.Now()

	t.mu.Lock()
	t.last[projectID] = now
	due := now.Sub(t.flushed[projectID]) >= flushInterval
	if due {
		t.flushed[projectID] = now
	}
	t.mu.Unlock()

	if due {
		if err := t.store.TouchProject(projectID, now); err != nil {
			log.WithComponent("activity").Warn().Err(err).
				Str("project_id", projectID).
				Msg("Failed to persist activity")
		}
	}
}

// Last returns the freshest known activity time for a project,
// preferring the in-memory touch over the persisted row.
func (t *Tracker) Last(project *types.Project) time.Time {
	t.mu.Lock()
	mem := t.last[project.ID]
	t.mu.Unlock()

	if mem.After(project.LastActivityAt) {
		return mem
	}
	return project.LastActivityAt
}

// Flush persists every pending touch. Called on shutdown.
func (t *Tracker) Flush() {
	t.mu.Lock()
	pending := make(map[string]time.Time)
	for id, at := range t.last {
		if at.After(t.flushed[id]) {
			pending[id] = at
			t.flushed[id] = at
		}
	}
	t.mu.Unlock()

	for id, at := range pending {
		if err := t.store.TouchProject(id, at); err != nil {
			log.WithComponent("activity").Warn().Err(err).
				Str("project_id", id).
				Msg("Failed to flush activity")
		}
	}
}

// Forget drops in-memory state for a deleted project.
func (t *Tracker) Forget(projectID string) {
	t.mu.Lock()
	delete(t.last, projectID)
	delete(t.flushed, projectID)
	t.mu.Unlock()
}
