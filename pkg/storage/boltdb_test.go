package storage

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tesslate/studio/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProjectCRUD(t *testing.T) {
	s := newTestStore(t)

	project := &types.Project{
		ID:    "p1",
		Slug:  "my-app",
		Name:  "My App",
		State: types.EnvStateCreated,
	}
	if err := s.CreateProject(project); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	got, err := s.GetProject("p1")
	if err != nil {
		t.Fatalf("GetProject() error = %v", err)
	}
	if got.Slug != "my-app" {
		t.Errorf("Slug = %q, want my-app", got.Slug)
	}

	bySlug, err := s.GetProjectBySlug("my-app")
	if err != nil {
		t.Fatalf("GetProjectBySlug() error = %v", err)
	}
	if bySlug.ID != "p1" {
		t.Errorf("ID = %q, want p1", bySlug.ID)
	}

	got.State = types.EnvStateActive
	if err := s.UpdateProject(got); err != nil {
		t.Fatalf("UpdateProject() error = %v", err)
	}
	got, _ = s.GetProject("p1")
	if got.State != types.EnvStateActive {
		t.Errorf("State = %q, want active", got.State)
	}

	if err := s.DeleteProject("p1"); err != nil {
		t.Fatalf("DeleteProject() error = %v", err)
	}
	if _, err := s.GetProject("p1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetProject() after delete error = %v, want ErrNotFound", err)
	}
}

func TestCreateProjectDuplicateSlug(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateProject(&types.Project{ID: "p1", Slug: "dupe"}); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	err := s.CreateProject(&types.Project{ID: "p2", Slug: "dupe"})
	if !errors.Is(err, types.ErrAlreadyExists) {
		t.Errorf("CreateProject() duplicate slug error = %v, want ErrAlreadyExists", err)
	}
}

func TestContainerNodes(t *testing.T) {
	s := newTestStore(t)

	for _, dir := range []string{"api", "frontend", "worker"} {
		node := &types.ContainerNode{ID: dir, ProjectID: "p1", Dir: dir, Image: "node:22"}
		if err := s.CreateContainerNode(node); err != nil {
			t.Fatalf("CreateContainerNode(%s) error = %v", dir, err)
		}
	}
	// Other project must not leak into the listing
	if err := s.CreateContainerNode(&types.ContainerNode{ID: "x", ProjectID: "p2", Dir: "api"}); err != nil {
		t.Fatalf("CreateContainerNode() error = %v", err)
	}

	nodes, err := s.ListContainerNodes("p1")
	if err != nil {
		t.Fatalf("ListContainerNodes() error = %v", err)
	}
	if len(nodes) != 3 {
		t.Errorf("ListContainerNodes() = %d nodes, want 3", len(nodes))
	}

	err = s.CreateContainerNode(&types.ContainerNode{ProjectID: "p1", Dir: "api"})
	if !errors.Is(err, types.ErrAlreadyExists) {
		t.Errorf("CreateContainerNode() duplicate dir error = %v, want ErrAlreadyExists", err)
	}

	if err := s.DeleteContainerNode("p1", "worker"); err != nil {
		t.Fatalf("DeleteContainerNode() error = %v", err)
	}
	if _, err := s.GetContainerNode("p1", "worker"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetContainerNode() after delete error = %v, want ErrNotFound", err)
	}
}

func TestMessagesKeepAppendOrder(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 25; i++ {
		msg := &types.Message{
			ID:      fmt.Sprintf("m%d", i),
			ChatID:  "c1",
			Role:    types.RoleUser,
			Content: fmt.Sprintf("message %d", i),
		}
		if err := s.AppendMessage(msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	msgs, err := s.ListMessages("c1")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 25 {
		t.Fatalf("ListMessages() = %d messages, want 25", len(msgs))
	}
	for i, msg := range msgs {
		want := fmt.Sprintf("message %d", i)
		if msg.Content != want {
			t.Errorf("msgs[%d].Content = %q, want %q", i, msg.Content, want)
		}
	}
}

func TestTaskTerminalStatusIsFinal(t *testing.T) {
	s := newTestStore(t)

	task := &types.Task{ID: "t1", Kind: types.TaskKindAgentTurn, Status: types.TaskStatusQueued}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	task.Status = types.TaskStatusRunning
	if err := s.UpdateTask(task); err != nil {
		t.Fatalf("UpdateTask() queued->running error = %v", err)
	}
	task.Status = types.TaskStatusCompleted
	if err := s.UpdateTask(task); err != nil {
		t.Fatalf("UpdateTask() running->completed error = %v", err)
	}

	task.Status = types.TaskStatusRunning
	err := s.UpdateTask(task)
	if !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("UpdateTask() completed->running error = %v, want ErrInvalidTransition", err)
	}
}

func TestSecretsScopedToProject(t *testing.T) {
	s := newTestStore(t)

	if err := s.PutSecret("p1", &types.Secret{Name: "API_KEY", Data: []byte("sealed")}); err != nil {
		t.Fatalf("PutSecret() error = %v", err)
	}
	if err := s.PutSecret("p2", &types.Secret{Name: "API_KEY", Data: []byte("other")}); err != nil {
		t.Fatalf("PutSecret() error = %v", err)
	}

	secret, err := s.GetSecret("p1", "API_KEY")
	if err != nil {
		t.Fatalf("GetSecret() error = %v", err)
	}
	if string(secret.Data) != "sealed" {
		t.Errorf("Data = %q, want sealed", secret.Data)
	}

	list, err := s.ListSecrets("p1")
	if err != nil {
		t.Fatalf("ListSecrets() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListSecrets() = %d entries, want 1", len(list))
	}
}

func TestAuditNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		entry := &types.AuditEntry{ID: fmt.Sprintf("a%d", i), ProjectID: "p1", Tool: "bash"}
		if err := s.AppendAudit(entry); err != nil {
			t.Fatalf("AppendAudit() error = %v", err)
		}
	}

	entries, err := s.ListAudit("p1", 3)
	if err != nil {
		t.Fatalf("ListAudit() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ListAudit() = %d entries, want 3", len(entries))
	}
	if entries[0].ID != "a4" {
		t.Errorf("entries[0].ID = %q, want a4 (newest first)", entries[0].ID)
	}
}

func TestWithProjectLockSerializes(t *testing.T) {
	s := newTestStore(t)

	var inside int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithProjectLock("p1", func() error {
				inside++
				time.Sleep(time.Millisecond)
				inside--
				if inside != 0 {
					t.Error("two holders inside the same project lock")
				}
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	if err := s.Migrate(); err != nil {
		t.Fatalf("Migrate() second run error = %v", err)
	}
	version, err := s.CurrentSchemaVersion()
	if err != nil {
		t.Fatalf("CurrentSchemaVersion() error = %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("CurrentSchemaVersion() = %d, want %d", version, SchemaVersion)
	}
}
