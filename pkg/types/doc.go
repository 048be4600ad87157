/*
Package types defines the core data structures used throughout Studio.

This package contains all fundamental types that represent Studio's domain
model: projects and their environment lifecycle, container graph nodes,
agent tasks and events, chat conversations, secrets, and the shared error
taxonomy. These types are used by every other package for state management,
API responses, and orchestration logic.

# Architecture

The types package is the foundation of Studio's data model. It defines:

  - Project environments and their lifecycle states
  - Container graph nodes and substrate status observations
  - Uniform file and exec primitives (requests and results)
  - Asynchronous tasks, their statuses, and completion reasons
  - Task event stream entries and wire event names
  - Chat conversations and persisted messages
  - Approval policies, decisions, and edit modes
  - Encrypted project secrets and the audit trail
  - The error classes every component classifies against

All types are designed to be:
  - Serializable (stored as JSON in BoltDB)
  - Immutable where possible (use new instances for updates)
  - Self-documenting (typed string enums, validation at the edges)

# Core Types

Environment lifecycle:
  - Project: one user project with State, ArchiveKey, LastActivityAt
  - EnvState: created, active, hibernating, hibernated, restoring, error
  - DeploymentMode: local-engine or cluster

Container graph:
  - ContainerNode: image, command, port, DependsOn edges
  - ContainerStatus: substrate truth for one container
  - ResourceLimits: CPU and memory caps

Agent execution:
  - Task: one asynchronous unit of work with a monotone TaskStatus
  - CompletionReason: the single reason an agent turn finished
  - Event: one entry on a task's bounded event stream
  - ApprovalDecision: allow_once, allow_all, stop

# State Machine

Project environments follow a state machine:

	created → active ⇄ hibernating → hibernated → restoring → active
	                ↘ error (retryable, reachable from any transition)

Task statuses move monotonically:

	queued → running → completed | failed | cancelled

Illegal task transitions are internal bugs: they are logged and refused,
never silently applied. TaskStatus.Terminal reports whether a status
admits further transitions.

# Error Taxonomy

Every error in Studio resolves to exactly one ErrClass:

	user       bad input, containment violation, plan-mode write
	transient  retryable substrate or network failure
	permanent  blocked command, missing image
	budget     iteration or cost ceiling reached
	approval   user declined a gated action
	cancelled  caller cancelled the operation
	internal   invariant breach; a bug

Classification rules:
  - Wrap at the source with UserErrorf, Transientf, Permanentf, Internalf.
  - Classify walks the wrap chain (errors.As on ClassifiedError), then
    maps context and sentinel errors, and defaults to internal.
  - Substrate retry loops only retry IsTransient errors.
  - Tool execution errors map to a ToolStatus result variant via
    ToolStatusFor; they are reported to the model, not thrown.

# Usage

Creating a project:

	project := &types.Project{
		ID:             uuid.New().String(),
		OwnerID:        owner,
		Slug:           "my-app",
		Template:       "vite-react",
		State:          types.EnvStateCreated,
		DeploymentMode: types.ModeLocalEngine,
		CreatedAt:      time.Now(),
	}

Adding a graph node:

	node := &types.ContainerNode{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		Dir:       "frontend",
		Image:     "node:22-alpine",
		Command:   []string{"npm", "run", "dev"},
		Port:      5173,
		DependsOn: []string{"api"},
	}

Classifying an error at a substrate boundary:

	if err := pullImage(ctx, ref); err != nil {
		return types.Transientf("failed to pull image %s: %w", ref, err)
	}

# Hostnames

Every dev container is reachable at a host derived from one rule:

	<container_dir>.<project_slug>.<app_domain>

Hostname implements the rule; the local ingress proxy, the embedded DNS
zone, and the cluster Ingress resources all derive from it. Nothing else
may invent preview hostnames.

# Integration Points

This package integrates with:

  - pkg/storage: persists all types as JSON in BoltDB buckets
  - pkg/env: drives the EnvState machine
  - pkg/graph: orders ContainerNode starts and stops
  - pkg/substrate: consumes ExecRequest, produces ContainerStatus
  - pkg/tasks: owns Task rows and Event streams
  - pkg/agent: produces CompletionReason and tool result variants
  - pkg/api: converts to and from wire JSON

# Thread Safety

All types in this package are plain data:
  - Read-safe: may be read concurrently from multiple goroutines
  - Write-unsafe: mutations must be synchronized by callers

The storage layer serializes all persisted mutations; per-project row
locks in pkg/storage serialize environment transitions.
*/
package types
