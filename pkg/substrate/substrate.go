package substrate

import (
	"context"
	"io"

	"github.com/tesslate/studio/pkg/types"
)

const (
	// WorkspaceMount is where every project workspace appears inside
	// containers, on both substrates.
	WorkspaceMount = "/app"

	// FileManagerDir is the reserved container dir of the file-manager
	// sidecar. It never collides with user containers because dirs are
	// validated against it at creation time.
	FileManagerDir = "file-manager"
)

// Container roles recorded in substrate labels.
const (
	RoleDev         = "dev"
	RoleFileManager = "file-manager"
)

// ContainerSpec describes one dev container to run inside a project space.
// The driver derives the container hostname from the dir, the project slug
// and its configured app domain.
//
// Port is the port the dev server listens on. On the local engine,
// containers share the host network namespace and HostPort carries the
// allocated host port the server must bind instead; drivers export the
// effective port to the container as the PORT environment variable.
type ContainerSpec struct {
	Dir        string
	Image      string
	Command    []string
	WorkingDir string
	Env        []string
	Port       int
	HostPort   int
	Resources  *types.ResourceLimits
}

// TerminalOptions selects where and how an interactive shell is opened.
type TerminalOptions struct {
	Dir   string // Target container dir; empty targets the file-manager
	Shell string // Defaults to /bin/sh
	Cols  uint16
	Rows  uint16
}

// TerminalConn is a live bidirectional stream attached to a shell. Reads
// return terminal output, writes feed terminal input.
type TerminalConn interface {
	io.ReadWriteCloser

	// Resize changes the pseudo-terminal window size.
	Resize(cols, rows uint16) error
}

// Driver provisions and operates project environments on one substrate.
// Implementations exist for a local containerd engine and for Kubernetes;
// everything above this interface is substrate-agnostic.
//
// All mutating operations are idempotent: ensuring an existing space,
// starting a running container or stopping a stopped one succeed without
// side effects. Paths handed to file operations are workspace-relative and
// are contained under /app/<dir> before any I/O happens.
type Driver interface {
	// Mode reports which substrate this driver talks to.
	Mode() types.DeploymentMode

	// EnsureProjectSpace creates the isolated per-project space if it is
	// absent: a labeled project directory on local engine, a namespace
	// plus workspace claim on cluster.
	EnsureProjectSpace(ctx context.Context, project *types.Project) error

	// EnsureFileManager guarantees the always-on file-manager sidecar that
	// serves file and exec traffic while no user container runs.
	EnsureFileManager(ctx context.Context, project *types.Project) error

	// MaterializeTemplate copies a starter template into the workspace
	// root. It is a no-op when the workspace already has content.
	MaterializeTemplate(ctx context.Context, project *types.Project, templateDir string) error

	// DestroyProjectSpace removes everything the substrate holds for the
	// project: containers, the file-manager and the space itself. Project
	// metadata in the store is untouched.
	DestroyProjectSpace(ctx context.Context, project *types.Project) error

	// StartContainer runs one dev container in the space.
	StartContainer(ctx context.Context, project *types.Project, spec *ContainerSpec) error

	// StopContainer stops the dev container for dir, tolerating one that
	// is already stopped or gone.
	StopContainer(ctx context.Context, project *types.Project, dir string) error

	// ContainerStatus reports the substrate's view of one container.
	ContainerStatus(ctx context.Context, project *types.Project, dir string) (*types.ContainerStatus, error)

	// ProbePort checks once whether the container's dev server accepts
	// TCP connections. A refused or unreachable port is a transient
	// error so callers can poll with Retry semantics.
	ProbePort(ctx context.Context, project *types.Project, spec *ContainerSpec) error

	// ListContainers reports every container the substrate holds for the
	// project, including the file-manager.
	ListContainers(ctx context.Context, project *types.Project) ([]*types.ContainerStatus, error)

	// ContainerLogs streams the last tail lines of a container's output
	// and then follows it until ctx is done.
	ContainerLogs(ctx context.Context, project *types.Project, dir string, tail int) (io.ReadCloser, error)

	// ReadFile returns the content of a workspace file.
	ReadFile(ctx context.Context, project *types.Project, dir, path string) ([]byte, error)

	// WriteFile creates or replaces a workspace file, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, project *types.Project, dir, path string, content []byte) error

	// DeletePath removes a file or directory tree.
	DeletePath(ctx context.Context, project *types.Project, dir, path string) error

	// Rename moves a file or directory within the same container dir.
	Rename(ctx context.Context, project *types.Project, dir, oldPath, newPath string) error

	// ListDir lists the immediate entries of a workspace directory.
	ListDir(ctx context.Context, project *types.Project, dir, path string) ([]types.FileInfo, error)

	// Stat describes a single workspace entry.
	Stat(ctx context.Context, project *types.Project, dir, path string) (*types.FileInfo, error)

	// Glob returns workspace-relative paths matching pattern. Patterns
	// support ** for recursive matches.
	Glob(ctx context.Context, project *types.Project, dir, pattern string) ([]string, error)

	// Grep scans files under path for a regular expression and returns
	// matching lines. Binary files are skipped.
	Grep(ctx context.Context, project *types.Project, dir, pattern, path string) ([]types.GrepMatch, error)

	// Exec runs a shell command in the dev container for req.Dir, falling
	// back to the file-manager when no dev container runs. The command is
	// bounded by req.Timeout or ctx, whichever ends first.
	Exec(ctx context.Context, project *types.Project, req *types.ExecRequest) (*types.ExecResult, error)

	// OpenTerminal attaches an interactive shell.
	OpenTerminal(ctx context.Context, project *types.Project, opts *TerminalOptions) (TerminalConn, error)

	// ExportWorkspace streams the whole workspace as a tar archive,
	// omitting entries that match any exclude pattern.
	ExportWorkspace(ctx context.Context, project *types.Project, exclude []string) (io.ReadCloser, error)

	// ImportWorkspace unpacks a tar archive into the workspace root.
	ImportWorkspace(ctx context.Context, project *types.Project, r io.Reader) error

	// Close releases substrate client connections.
	Close() error
}
