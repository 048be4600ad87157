package agent

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tesslate/studio/pkg/types"
)

// pendingApproval is one parked tool call. The running turn blocks on
// ch; ResolveApproval feeds it from the API side. The channel is
// buffered so a resolve racing the turn's timeout never blocks the
// HTTP handler.
type pendingApproval struct {
	ID     string
	TaskID string
	Tool   string
	ch     chan types.ApprovalDecision
}

// approvals tracks parked tool calls across all running turns.
type approvals struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
}

func newApprovals() *approvals {
	return &approvals{pending: make(map[string]*pendingApproval)}
}

func (a *approvals) add(taskID, tool string) *pendingApproval {
	p := &pendingApproval{
		ID:     uuid.New().String(),
		TaskID: taskID,
		Tool:   tool,
		ch:     make(chan types.ApprovalDecision, 1),
	}
	a.mu.Lock()
	a.pending[p.ID] = p
	a.mu.Unlock()
	return p
}

// remove drops a pending entry without answering it. Called by the
// turn after the wait settles, however it settled.
func (a *approvals) remove(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

// resolve answers a pending approval. Delete-under-lock guarantees a
// request is answered at most once; late or duplicate resolutions get
// ErrNotFound.
func (a *approvals) resolve(id string, decision types.ApprovalDecision) error {
	a.mu.Lock()
	p, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: approval %s", types.ErrNotFound, id)
	}
	p.ch <- decision
	return nil
}
