package storage

import (
	"time"

	"github.com/tesslate/studio/pkg/types"
)

// Store defines the interface for control-plane state storage
// This is implemented by BoltDB-backed storage
type Store interface {
	// Projects
	CreateProject(project *types.Project) error
	GetProject(id string) (*types.Project, error)
	GetProjectBySlug(slug string) (*types.Project, error)
	ListProjects() ([]*types.Project, error)
	UpdateProject(project *types.Project) error
	DeleteProject(id string) error
	TouchProject(id string, at time.Time) error

	// Container graph nodes
	CreateContainerNode(node *types.ContainerNode) error
	GetContainerNode(projectID, dir string) (*types.ContainerNode, error)
	ListContainerNodes(projectID string) ([]*types.ContainerNode, error)
	UpdateContainerNode(node *types.ContainerNode) error
	DeleteContainerNode(projectID, dir string) error

	// Chats and messages
	CreateChat(chat *types.Chat) error
	GetChat(id string) (*types.Chat, error)
	ListChatsByProject(projectID string) ([]*types.Chat, error)
	UpdateChat(chat *types.Chat) error
	AppendMessage(msg *types.Message) error
	ListMessages(chatID string) ([]*types.Message, error)

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasksByProject(projectID string) ([]*types.Task, error)
	ListActiveTasks() ([]*types.Task, error)
	UpdateTask(task *types.Task) error

	// Encrypted project env vars
	PutSecret(projectID string, secret *types.Secret) error
	GetSecret(projectID, name string) (*types.Secret, error)
	ListSecrets(projectID string) ([]*types.Secret, error)
	DeleteSecret(projectID, name string) error

	// Audit trail
	AppendAudit(entry *types.AuditEntry) error
	ListAudit(projectID string, limit int) ([]*types.AuditEntry, error)

	// WithProjectLock runs fn while holding the project's row lock.
	// Environment transitions for one project are serialized through it.
	WithProjectLock(projectID string, fn func() error) error

	// Utility
	Close() error
}
