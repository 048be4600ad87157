package client

import "time"

// Project is a project row as the server reports it.
type Project struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Slug           string    `json:"slug"`
	Name           string    `json:"name"`
	Template       string    `json:"template"`
	State          string    `json:"state"`
	StateStage     string    `json:"state_stage,omitempty"`
	DeploymentMode string    `json:"deployment_mode"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Task is a task snapshot. Lifecycle endpoints answer with the queued
// snapshot; TaskStatus returns the current one.
type Task struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	ProjectID  string     `json:"project_id"`
	ChatID     string     `json:"chat_id,omitempty"`
	UserID     string     `json:"user_id"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Finished reports whether the task reached a terminal status.
func (t *Task) Finished() bool {
	switch t.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// CreateProjectResult pairs the new project row with the ensure task
// that materializes its environment.
type CreateProjectResult struct {
	Project *Project `json:"project"`
	Task    *Task    `json:"task"`
}

// ContainerStatus merges a declared graph node with the substrate's
// live view of it.
type ContainerStatus struct {
	Dir       string   `json:"dir"`
	Image     string   `json:"image"`
	Port      int      `json:"port,omitempty"`
	HostPort  int      `json:"host_port,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	Desired   string   `json:"desired"`
	State     string   `json:"state"`
	Ready     bool     `json:"ready"`
	ExitCode  int      `json:"exit_code,omitempty"`
	Message   string   `json:"message,omitempty"`
	Hostname  string   `json:"hostname,omitempty"`
}

// TaskEvent is one frame from a task's event stream.
type TaskEvent struct {
	Type      string            `json:"type"`
	TaskID    string            `json:"task_id"`
	Seq       uint64            `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// Health is the body of /healthz and /readyz.
type Health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
