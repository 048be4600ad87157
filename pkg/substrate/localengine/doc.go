// Package localengine implements the substrate driver for a local
// containerd engine. It is the zero-infrastructure path: one machine, one
// containerd socket, project workspaces as plain directories bind-mounted
// into containers.
//
// # Architecture
//
//	┌────────────────────────────────────────────────────┐
//	│                    localengine.Driver              │
//	│                                                    │
//	│  lifecycle ──▶ containerd API (namespace "studio") │
//	│  file ops  ──▶ host filesystem (bind mount root)   │
//	│  exec      ──▶ task.Exec in dev / file-manager     │
//	│  logs      ──▶ cio log files under <data>/logs     │
//	└────────────────────────────────────────────────────┘
//
// Layout on disk:
//
//	<data_dir>/projects/<slug>/          workspace, mounted at /app
//	<data_dir>/projects/<slug>/<dir>/    one subdirectory per container
//	<data_dir>/logs/<slug>/<dir>.log     combined stdout/stderr
//
// # Containers
//
// Containers are named <slug>-<dir> and labeled with studio.project,
// studio.container-dir and studio.role so every engine object can be
// traced back to its project after a control plane restart. Start replaces
// any stopped leftover with a fresh container so the running spec always
// matches the requested one; stop sends SIGTERM, waits ten seconds, then
// SIGKILLs and removes container and snapshot.
//
// The file-manager is an ordinary container under the same labels running
// an idle shell loop. It keeps the workspace reachable for exec and
// terminal traffic when no dev container is up.
//
// # File Operations
//
// Because the workspace is a host directory, file operations skip the
// engine entirely and work on the bind mount. Paths are contained
// lexically first, then the deepest existing ancestor is resolved with
// EvalSymlinks and checked against the project root, so a symlink planted
// inside the workspace cannot read or write outside it.
//
// Glob supports ** patterns. Grep skips binaries, .git, node_modules and
// files over 1 MiB, and stops after 1000 matches.
//
// # Exec
//
// Exec creates a process inside the running dev container for the target
// dir, or inside the file-manager when the dev container is down. The
// command runs under /bin/sh -c with cwd /app/<dir>; timeouts kill the
// process group and surface as a timed-out result, not an error.
// Terminals are exec processes with a TTY, exposed as a read/write stream
// with resize.
//
// # Workspace Transfer
//
// ExportWorkspace walks the bind mount into a tar stream, skipping
// excluded trees. ImportWorkspace unpacks a tar stream, containing every
// entry name and symlink target before touching disk. Both ends are
// streamed, nothing is staged in memory.
package localengine
