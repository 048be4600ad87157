// Package substrate defines the driver contract that isolates the rest of
// the studio from where project environments actually run, plus the shared
// helpers both drivers build on: retry with backoff, workspace path
// containment, and chunked shell writes.
//
// # Architecture
//
// One interface, two implementations:
//
//	                    ┌──────────────────────┐
//	  env manager ────▶ │   substrate.Driver   │ ◀──── fileops / tools
//	  graph runner ───▶ │                      │ ◀──── terminal / archive
//	                    └──────────┬───────────┘
//	                   ┌───────────┴────────────┐
//	        ┌──────────▼─────────┐   ┌──────────▼─────────┐
//	        │ localengine.Driver │   │  cluster.Driver    │
//	        │ (containerd)       │   │  (Kubernetes)      │
//	        └────────────────────┘   └────────────────────┘
//
// The local engine runs containers through a containerd socket with the
// workspace bind-mounted from the host. The cluster driver creates a
// namespace, a shared workspace claim and deployments, reaching files
// through exec in the file-manager pod. Callers never branch on the mode:
// the same file, exec and lifecycle calls behave identically on both.
//
// # Project Spaces
//
// Every project owns an isolated space holding its workspace, visible at
// /app inside every container. Each dev container claims a directory of
// the workspace (its "dir") and sees it at /app/<dir>. A file-manager
// sidecar runs for the whole life of the space so file and exec traffic
// has a target even when no user container is up.
//
// # Path Containment
//
// All file operations take workspace-relative paths and resolve them under
// /app/<dir> with ResolvePath, which rejects absolute paths, traversal and
// empty input before any I/O happens:
//
//	abs, err := substrate.ResolvePath("web", "src/index.ts")
//	// abs == "/app/web/src/index.ts"
//
//	_, err = substrate.ResolvePath("web", "../api/.env")
//	// errors.Is(err, types.ErrPathEscape)
//
// Containment is lexical and happens on the control plane; the local
// engine additionally refuses to follow symlinks out of the root when it
// touches the bind mount.
//
// # Retries
//
// Substrate mutations go through Retry, which replays transient failures
// with exponential backoff (500ms base, doubling to an 8s cap, 6 attempts)
// and full jitter. Classification comes from the shared error taxonomy:
// permanent, user and cancellation errors surface immediately.
//
//	err := substrate.Retry(ctx, "start-container", func() error {
//	    return driver.StartContainer(ctx, project, spec)
//	})
//
// # Chunked Writes
//
// Writing through the exec path cannot pass file content in argv. The
// WriteScripts helper encodes content base64 inside a here-doc and splits
// it into 1 MiB chunks, one shell script per exec, each fed to `sh` over
// stdin. The first chunk truncates the target, later chunks append, so a
// partially failed write is re-runnable from the start.
//
// # Workspace Transfer
//
// ExportWorkspace and ImportWorkspace move whole workspaces as tar streams
// for hibernation and restore. Exclude patterns (node_modules, .git and
// friends) are applied at export time on the substrate side, so dependency
// trees never cross the wire.
//
// # Thread Safety
//
// Drivers are safe for concurrent use by multiple goroutines. Operations
// on the same project may run concurrently; serialization of conflicting
// lifecycle transitions is the environment manager's job, not the
// driver's.
package substrate
