/*
Package storage provides persistent state management for the Studio control
plane using BoltDB.

This package implements the storage layer for everything the control plane
must remember across restarts: projects and their environment state,
container graph nodes, chats and conversation messages, tasks, encrypted
project env vars, and the tool audit trail. All state is stored as JSON in
BoltDB buckets, giving a single-file, transactional, human-debuggable
database with no external dependencies.

# Architecture

BoltDB organizes data into buckets:

	projects    project id      → Project (environment state machine rows)
	containers  projectID/dir   → ContainerNode (graph nodes)
	chats       chat id         → Chat
	messages    chatID/seq      → Message (fixed-width seq, append order)
	tasks       task id         → Task
	secrets     projectID/name  → Secret (AES-256-GCM sealed values)
	audit       seq             → AuditEntry (append-only)
	meta        schema_version  → schema version (8-byte big endian)

Composite keys put one project's nodes and secrets behind a single prefix,
so per-project listings are cursor scans and dir/name uniqueness falls out
of the key itself.

# Row Locks

Environment transitions must be serialized per project: two concurrent
ensure calls for the same project must not both create the workspace.
WithProjectLock hands out one mutex per project id; the environment
manager holds it across its whole check-and-act sequence. The lock is
in-process because the control plane is single-node; the database itself
still serializes writers globally.

# Schema Migrations

The schema carries a version in the meta bucket. Migrations are
forward-only and run inside one write transaction, either at open (via
NewBoltStore) or explicitly through the migrate CLI command. A database
written by a newer build is refused rather than silently rewritten.

# Usage

Opening a store:

	store, err := storage.NewBoltStore("/var/lib/studio")
	if err != nil {
		return err
	}
	defer store.Close()

Serialized environment transition:

	err := store.WithProjectLock(project.ID, func() error {
		current, err := store.GetProject(project.ID)
		if err != nil {
			return err
		}
		if current.State == types.EnvStateActive {
			return nil
		}
		// ... perform transition, then persist
		return store.UpdateProject(current)
	})

Appending conversation history:

	msg := &types.Message{ChatID: chat.ID, Role: types.RoleUser, Content: text}
	if err := store.AppendMessage(msg); err != nil {
		return err
	}

# Error Semantics

Lookups of missing rows wrap types.ErrNotFound; creates of existing rows
wrap types.ErrAlreadyExists; task updates out of a terminal status wrap
types.ErrInvalidTransition. Callers branch with errors.Is.

# Consistency Guarantees

BoltDB provides:
  - ACID transactions with serializable isolation
  - One writer at a time, many concurrent readers
  - Crash safety via copy-on-write B+tree

Store invariants on top:
  - Task statuses only move forward; terminal statuses are final
  - Message listing order is append order (fixed-width sequence keys)
  - DeleteProject removes the row and all dependent rows in one transaction
  - TouchProject never moves LastActivityAt backwards

# Integration Points

  - pkg/env: project rows and row locks for lifecycle transitions
  - pkg/graph: container node reads and status row updates
  - pkg/tasks: task rows backing the event bus
  - pkg/agent: conversation persistence per chat
  - pkg/tools: audit trail appends
  - pkg/security: sealed secret storage
  - cmd/studio: migrate subcommand

# Performance Considerations

BoltDB is optimized for read-heavy workloads. Writes serialize on one
writer; every mutation here is a short transaction. Full-bucket scans
(GetProjectBySlug, ListTasksByProject) are acceptable at control-plane
scale, which is hundreds of rows rather than millions.
*/
package storage
