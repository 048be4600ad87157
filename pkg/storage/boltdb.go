package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tesslate/studio/pkg/types"
)

var (
	// Bucket names
	bucketProjects   = []byte("projects")
	bucketContainers = []byte("containers")
	bucketChats      = []byte("chats")
	bucketMessages   = []byte("messages")
	bucketTasks      = []byte("tasks")
	bucketSecrets    = []byte("secrets")
	bucketAudit      = []byte("audit")
	bucketMeta       = []byte("meta")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// dbFile is the database filename under the data directory
const dbFile = "studio.db"

// NewBoltStore opens (or creates) the database under dataDir and applies
// any pending schema migrations
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, dbFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &BoltStore{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}

	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// WithProjectLock serializes fn against every other caller holding the same
// project's lock. The lock is in-process; the control plane is single-node.
func (s *BoltStore) WithProjectLock(projectID string, fn func() error) error {
	s.mu.Lock()
	l, ok := s.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[projectID] = l
	}
	s.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}

// Project operations

func (s *BoltStore) CreateProject(project *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		if b.Get([]byte(project.ID)) != nil {
			return fmt.Errorf("%w: project %s", types.ErrAlreadyExists, project.ID)
		}
		// Slug is the user-facing key; keep it unique too
		var clash bool
		_ = b.ForEach(func(k, v []byte) error {
			var p types.Project
			if err := json.Unmarshal(v, &p); err == nil && p.Slug == project.Slug {
				clash = true
			}
			return nil
		})
		if clash {
			return fmt.Errorf("%w: project slug %s", types.ErrAlreadyExists, project.Slug)
		}
		data, err := json.Marshal(project)
		if err != nil {
			return err
		}
		return b.Put([]byte(project.ID), data)
	})
}

func (s *BoltStore) GetProject(id string) (*types.Project, error) {
	var project types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: project %s", types.ErrNotFound, id)
		}
		return json.Unmarshal(data, &project)
	})
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *BoltStore) GetProjectBySlug(slug string) (*types.Project, error) {
	var found *types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		return b.ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			if project.Slug == slug {
				found = &project
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: project slug %s", types.ErrNotFound, slug)
	}
	return found, nil
}

func (s *BoltStore) ListProjects() ([]*types.Project, error) {
	var projects []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		return b.ForEach(func(k, v []byte) error {
			var project types.Project
			if err := json.Unmarshal(v, &project); err != nil {
				return err
			}
			projects = append(projects, &project)
			return nil
		})
	})
	return projects, err
}

func (s *BoltStore) UpdateProject(project *types.Project) error {
	project.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		if b.Get([]byte(project.ID)) == nil {
			return fmt.Errorf("%w: project %s", types.ErrNotFound, project.ID)
		}
		data, err := json.Marshal(project)
		if err != nil {
			return err
		}
		return b.Put([]byte(project.ID), data)
	})
}

// DeleteProject removes the project row and everything keyed under it:
// graph nodes, chats, messages, and secrets, in one transaction
func (s *BoltStore) DeleteProject(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: project %s", types.ErrNotFound, id)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}

		prefix := []byte(id + "/")
		for _, name := range [][]byte{bucketContainers, bucketSecrets} {
			if err := deletePrefix(tx.Bucket(name), prefix); err != nil {
				return err
			}
		}

		// Chats are keyed by their own id; collect then delete with messages
		chats := tx.Bucket(bucketChats)
		var chatIDs []string
		_ = chats.ForEach(func(k, v []byte) error {
			var chat types.Chat
			if err := json.Unmarshal(v, &chat); err == nil && chat.ProjectID == id {
				chatIDs = append(chatIDs, chat.ID)
			}
			return nil
		})
		msgs := tx.Bucket(bucketMessages)
		for _, chatID := range chatIDs {
			if err := chats.Delete([]byte(chatID)); err != nil {
				return err
			}
			if err := deletePrefix(msgs, []byte(chatID+"/")); err != nil {
				return err
			}
		}
		return nil
	})
}

func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// TouchProject advances LastActivityAt without rewriting the caller's copy
func (s *BoltStore) TouchProject(id string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: project %s", types.ErrNotFound, id)
		}
		var project types.Project
		if err := json.Unmarshal(data, &project); err != nil {
			return err
		}
		if at.Before(project.LastActivityAt) {
			return nil
		}
		project.LastActivityAt = at
		out, err := json.Marshal(&project)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// Container graph node operations
//
// Nodes are keyed "<projectID>/<dir>" so a project's graph is one prefix
// scan and dir uniqueness within a project falls out of the key

func nodeKey(projectID, dir string) []byte {
	return []byte(projectID + "/" + dir)
}

func (s *BoltStore) CreateContainerNode(node *types.ContainerNode) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		key := nodeKey(node.ProjectID, node.Dir)
		if b.Get(key) != nil {
			return fmt.Errorf("%w: container %s", types.ErrAlreadyExists, node.Dir)
		}
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetContainerNode(projectID, dir string) (*types.ContainerNode, error) {
	var node types.ContainerNode
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data := b.Get(nodeKey(projectID, dir))
		if data == nil {
			return fmt.Errorf("%w: container %s", types.ErrNotFound, dir)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListContainerNodes(projectID string) ([]*types.ContainerNode, error) {
	var nodes []*types.ContainerNode
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		c := b.Cursor()
		prefix := []byte(projectID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var node types.ContainerNode
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
		}
		return nil
	})
	return nodes, err
}

func (s *BoltStore) UpdateContainerNode(node *types.ContainerNode) error {
	node.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put(nodeKey(node.ProjectID, node.Dir), data)
	})
}

func (s *BoltStore) DeleteContainerNode(projectID, dir string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContainers)
		return b.Delete(nodeKey(projectID, dir))
	})
}

// Chat and message operations

func (s *BoltStore) CreateChat(chat *types.Chat) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChats)
		data, err := json.Marshal(chat)
		if err != nil {
			return err
		}
		return b.Put([]byte(chat.ID), data)
	})
}

func (s *BoltStore) GetChat(id string) (*types.Chat, error) {
	var chat types.Chat
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChats)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: chat %s", types.ErrNotFound, id)
		}
		return json.Unmarshal(data, &chat)
	})
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (s *BoltStore) ListChatsByProject(projectID string) ([]*types.Chat, error) {
	var chats []*types.Chat
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChats)
		return b.ForEach(func(k, v []byte) error {
			var chat types.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return err
			}
			if chat.ProjectID == projectID {
				chats = append(chats, &chat)
			}
			return nil
		})
	})
	return chats, err
}

func (s *BoltStore) UpdateChat(chat *types.Chat) error {
	chat.UpdatedAt = time.Now()
	return s.CreateChat(chat)
}

// AppendMessage assigns the message a monotone sequence within its chat.
// Keys are "<chatID>/<seq>" with a fixed-width seq so cursor order is
// append order.
func (s *BoltStore) AppendMessage(msg *types.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now()
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%020d", msg.ChatID, seq)
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) ListMessages(chatID string) ([]*types.Message, error) {
	var msgs []*types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		c := b.Cursor()
		prefix := []byte(chatID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var msg types.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			msgs = append(msgs, &msg)
		}
		return nil
	})
	return msgs, err
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: task %s", types.ErrNotFound, id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasksByProject(projectID string) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.ProjectID == projectID {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) ListActiveTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if !task.Status.Terminal() {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

// UpdateTask refuses transitions out of a terminal status
func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		if data := b.Get([]byte(task.ID)); data != nil {
			var prev types.Task
			if err := json.Unmarshal(data, &prev); err == nil {
				if prev.Status.Terminal() && prev.Status != task.Status {
					return fmt.Errorf("%w: task %s is %s", types.ErrInvalidTransition, task.ID, prev.Status)
				}
			}
		}
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

// Secret operations (encrypted project env vars)

func secretKey(projectID, name string) []byte {
	return []byte(projectID + "/" + name)
}

func (s *BoltStore) PutSecret(projectID string, secret *types.Secret) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		data, err := json.Marshal(secret)
		if err != nil {
			return err
		}
		return b.Put(secretKey(projectID, secret.Name), data)
	})
}

func (s *BoltStore) GetSecret(projectID, name string) (*types.Secret, error) {
	var secret types.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		data := b.Get(secretKey(projectID, name))
		if data == nil {
			return fmt.Errorf("%w: secret %s", types.ErrNotFound, name)
		}
		return json.Unmarshal(data, &secret)
	})
	if err != nil {
		return nil, err
	}
	return &secret, nil
}

func (s *BoltStore) ListSecrets(projectID string) ([]*types.Secret, error) {
	var secrets []*types.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		c := b.Cursor()
		prefix := []byte(projectID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var secret types.Secret
			if err := json.Unmarshal(v, &secret); err != nil {
				return err
			}
			secrets = append(secrets, &secret)
		}
		return nil
	})
	return secrets, err
}

func (s *BoltStore) DeleteSecret(projectID, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		return b.Delete(secretKey(projectID, name))
	})
}

// Audit operations

func (s *BoltStore) AppendAudit(entry *types.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if entry.Time.IsZero() {
			entry.Time = time.Now()
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(fmt.Sprintf("%020d", seq)), data)
	})
}

// ListAudit returns the newest entries for a project, most recent first
func (s *BoltStore) ListAudit(projectID string, limit int) ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var entry types.AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if projectID != "" && entry.ProjectID != projectID {
				continue
			}
			entries = append(entries, &entry)
			if limit > 0 && len(entries) >= limit {
				return nil
			}
		}
		return nil
	})
	return entries, err
}
