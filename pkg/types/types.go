package types

import (
	"time"
)

// Project represents one user project and its sandboxed dev environment
type Project struct {
	ID             string
	OwnerID        string
	Slug           string // DNS-safe, unique; used in hostnames and namespaces
	Name           string
	Template       string // Starter template materialized on first ensure
	State          EnvState
	StateStage     string // Last completed stage of an in-flight transition
	DeploymentMode DeploymentMode
	ArchiveKey     string // Object-store key of the latest hibernation archive
	Error          string // Populated while State == EnvStateError
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
}

// EnvState is the lifecycle state of a project environment
type EnvState string

const (
	EnvStateCreated     EnvState = "created"
	EnvStateActive      EnvState = "active"
	EnvStateHibernating EnvState = "hibernating"
	EnvStateHibernated  EnvState = "hibernated"
	EnvStateRestoring   EnvState = "restoring"
	EnvStateError       EnvState = "error" // Retryable, never terminal
)

// DeploymentMode selects the substrate a project runs on
type DeploymentMode string

const (
	ModeLocalEngine DeploymentMode = "local-engine"
	ModeCluster     DeploymentMode = "cluster"
)

// ContainerNode is one node of a project's container dependency graph
type ContainerNode struct {
	ID         string
	ProjectID  string
	Dir        string // Subdirectory under the workspace root; unique per project
	Image      string
	Command    []string
	WorkingDir string
	Port       int // Exposed dev port; 0 means none
	HostPort   int // Local engine only: allocated host port backing Port
	Env        []string
	SecretRefs []string // Names of encrypted project env vars injected at start
	DependsOn  []string // Dirs of nodes that must be ready first
	Resources  *ResourceLimits
	FilesReady bool         // Template has been materialized into this dir
	Desired    DesiredState // What the control plane wants; reconciled against the substrate
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DesiredState is the control plane's intent for a container node
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// ResourceLimits caps a dev container
type ResourceLimits struct {
	CPULimit    float64 // Cores (e.g. 0.5 = half a core)
	MemoryLimit int64   // Bytes
}

// ContainerState reports the substrate's view of one container
type ContainerState string

const (
	ContainerStateStopped  ContainerState = "stopped"
	ContainerStateStarting ContainerState = "starting"
	ContainerStateRunning  ContainerState = "running"
	ContainerStateExited   ContainerState = "exited"
	ContainerStateError    ContainerState = "error"
)

// ContainerStatus is a point-in-time substrate observation
type ContainerStatus struct {
	Dir        string
	State      ContainerState
	Ready      bool // TCP probe on the exposed port succeeded
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Message    string
}

// ExecRequest runs a shell command inside a project workspace
type ExecRequest struct {
	Dir        string // Target container dir; empty targets the file-manager
	Command    string
	WorkingDir string // Relative to the workspace root
	Env        []string
	Timeout    time.Duration // Zero means the caller's context bounds it
}

// ExecResult captures a finished command
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// FileInfo describes one workspace entry
type FileInfo struct {
	Path    string // Workspace-relative, forward slashes
	Name    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// GrepMatch is one matching line from a workspace grep
type GrepMatch struct {
	Path string
	Line int
	Text string
}

// Task is one unit of asynchronous work (an agent turn, a hibernate, ...)
type Task struct {
	ID         string
	Kind       TaskKind
	ProjectID  string
	ChatID     string
	UserID     string
	Status     TaskStatus
	Reason     CompletionReason // Set when Kind == TaskKindAgentTurn finishes
	Error      string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// TaskKind identifies what a task does
type TaskKind string

const (
	TaskKindAgentTurn  TaskKind = "agent_turn"
	TaskKindHibernate  TaskKind = "hibernate"
	TaskKindRestore    TaskKind = "restore"
	TaskKindGraphStart TaskKind = "graph_start"
	TaskKindEnsure     TaskKind = "ensure"
)

// TaskStatus moves monotonically: queued -> running -> terminal
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether s admits no further transitions
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CompletionReason is the single reason an agent turn finished
type CompletionReason string

const (
	ReasonComplete       CompletionReason = "complete"
	ReasonMaxIterations  CompletionReason = "max_iterations"
	ReasonMaxCost        CompletionReason = "max_cost"
	ReasonCancelled      CompletionReason = "cancelled"
	ReasonTimeout        CompletionReason = "timeout"
	ReasonApprovalDenied CompletionReason = "approval_denied"
	ReasonFatalToolError CompletionReason = "fatal_tool_error"
)

// Chat groups the messages of one conversation with the agent
type Chat struct {
	ID        string
	ProjectID string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageRole is the author of a conversation message
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is one persisted conversation entry
type Message struct {
	ID        string
	ChatID    string
	Role      MessageRole
	Content   string
	Thought   string // Assistant reasoning text stripped of tool-call markup
	ToolName  string // For RoleTool: which tool produced Content
	ToolCall  string // For RoleTool: the call id this result answers
	CreatedAt time.Time
}

// EventType names a task event on the wire
type EventType string

const (
	EventRawToken        EventType = "raw_token"
	EventIteration       EventType = "iteration"
	EventToolCall        EventType = "tool_call"
	EventToolResult      EventType = "tool_result"
	EventApprovalRequest EventType = "approval_request"
	EventStatus          EventType = "status"
	EventLag             EventType = "lag"
	EventComplete        EventType = "complete"
	EventError           EventType = "error"
)

// Event is one entry on a task's event stream
type Event struct {
	Type      EventType
	TaskID    string
	Seq       uint64
	Timestamp time.Time
	Message   string
	Data      map[string]string
}

// ApprovalDecision answers an approval_request
type ApprovalDecision string

const (
	ApprovalAllowOnce ApprovalDecision = "allow_once"
	ApprovalAllowAll  ApprovalDecision = "allow_all"
	ApprovalStop      ApprovalDecision = "stop"
)

// ApprovalPolicy is a tool's default gating
type ApprovalPolicy string

const (
	PolicyNever    ApprovalPolicy = "never"
	PolicyHighRisk ApprovalPolicy = "high_risk"
	PolicyAlways   ApprovalPolicy = "always"
)

// EditMode scopes what write tools may do within a turn
type EditMode string

const (
	EditModeAllow EditMode = "allow"
	EditModeAsk   EditMode = "ask"
	EditModePlan  EditMode = "plan"
)

// Secret is one encrypted project env var
type Secret struct {
	Name      string
	Data      []byte // AES-256-GCM sealed
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditEntry records one tool execution or refusal
type AuditEntry struct {
	ID         string
	Time       time.Time
	UserID     string
	ProjectID  string
	Tool       string
	ArgsDigest string // SHA-256 of the canonical argument JSON
	Policy     ApprovalPolicy
	Decision   string // executed, blocked, denied, rate_limited
	Duration   time.Duration
	ExitCode   int
	Error      string
}

// Hostname derives the preview host for a container dir under a project.
// Rule: <dir>.<slug>.<appDomain>
func Hostname(dir, slug, appDomain string) string {
	return dir + "." + slug + "." + appDomain
}
