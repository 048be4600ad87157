package tools

import "github.com/tesslate/studio/pkg/types"

// containerDirParam is shared by every tool that can target a sibling
// container instead of the turn's active one. Pointing a write tool at
// another container escalates it to approval.
var containerDirParam = Param{
	Name:        "container_dir",
	Type:        "string",
	Description: "Container to target instead of the current one",
}

// registerAll binds the fixed tool set. Order here is prompt order.
func (r *Registry) registerAll() {
	r.register(&Definition{
		Name:        "read_file",
		Description: "Read a workspace file",
		Params: []Param{
			{Name: "path", Type: "string", Description: "File path relative to the container dir", Required: true},
			containerDirParam,
		},
		Policy: types.PolicyNever,
	}, execReadFile)

	r.register(&Definition{
		Name:        "write_file",
		Description: "Write a workspace file, creating parent directories",
		Params: []Param{
			{Name: "path", Type: "string", Description: "File path relative to the container dir", Required: true},
			{Name: "content", Type: "string", Description: "Full file content", Required: true},
			containerDirParam,
		},
		Policy: types.PolicyHighRisk,
		Write:  true,
	}, execWriteFile)

	r.register(&Definition{
		Name:        "patch_file",
		Description: "Apply a unified diff to a file; all hunks apply or none do",
		Params: []Param{
			{Name: "path", Type: "string", Description: "File path relative to the container dir", Required: true},
			{Name: "patch", Type: "string", Description: "Unified diff with @@ hunk headers", Required: true},
			containerDirParam,
		},
		Policy: types.PolicyHighRisk,
		Write:  true,
	}, execPatchFile)

	r.register(&Definition{
		Name:        "multi_edit",
		Description: "Apply ordered search-and-replace edits to a file; all edits apply or none do",
		Params: []Param{
			{Name: "path", Type: "string", Description: "File path relative to the container dir", Required: true},
			{Name: "edits", Type: "array", Description: "List of {search, replace} objects applied in order", Required: true},
			containerDirParam,
		},
		Policy: types.PolicyHighRisk,
		Write:  true,
	}, execMultiEdit)

	r.register(&Definition{
		Name:        "delete_file",
		Description: "Delete a workspace file or directory",
		Params: []Param{
			{Name: "path", Type: "string", Description: "Path relative to the container dir", Required: true},
			containerDirParam,
		},
		Policy: types.PolicyAlways,
		Write:  true,
	}, execDeleteFile)

	r.register(&Definition{
		Name:        "list_dir",
		Description: "List a workspace directory",
		Params: []Param{
			{Name: "path", Type: "string", Description: "Directory path, defaults to the container root"},
			containerDirParam,
		},
		Policy: types.PolicyNever,
	}, execListDir)

	r.register(&Definition{
		Name:        "glob",
		Description: "Find files matching a glob pattern, ** included",
		Params: []Param{
			{Name: "pattern", Type: "string", Description: "Glob pattern such as src/**/*.tsx", Required: true},
			containerDirParam,
		},
		Policy: types.PolicyNever,
	}, execGlob)

	r.register(&Definition{
		Name:        "grep",
		Description: "Search file contents with a regular expression",
		Params: []Param{
			{Name: "pattern", Type: "string", Description: "RE2 regular expression", Required: true},
			{Name: "path", Type: "string", Description: "Directory to search, defaults to the container root"},
			containerDirParam,
		},
		Policy: types.PolicyNever,
	}, execGrep)

	r.register(&Definition{
		Name:        "bash",
		Description: "Run one shell command in the container and return its output",
		Params: []Param{
			{Name: "command", Type: "string", Description: "Command line to run", Required: true},
			{Name: "timeout_seconds", Type: "integer", Description: "Kill the command after this long, max 300"},
			containerDirParam,
		},
		Policy:      types.PolicyHighRisk,
		RateLimited: true,
	}, execBash)

	r.register(&Definition{
		Name:        "shell_session",
		Description: "Send input to a persistent terminal and read what it printed since the last call",
		Params: []Param{
			{Name: "session_id", Type: "string", Description: "Session to reuse; empty opens a new one"},
			{Name: "input", Type: "string", Description: "Text to send, newline appended"},
			{Name: "wait_ms", Type: "integer", Description: "How long to wait for output, max 5000"},
			containerDirParam,
		},
		Policy:      types.PolicyHighRisk,
		RateLimited: true,
	}, execShellSession)

	r.register(&Definition{
		Name:        "fetch",
		Description: "Make an outbound HTTP request and return the response",
		Params: []Param{
			{Name: "url", Type: "string", Description: "Absolute http or https URL", Required: true},
			{Name: "method", Type: "string", Description: "GET, HEAD, POST, PUT or DELETE; defaults to GET"},
			{Name: "body", Type: "string", Description: "Request body"},
			{Name: "headers", Type: "object", Description: "Extra request headers"},
		},
		Policy:      types.PolicyHighRisk,
		RateLimited: true,
	}, execFetch)

	r.register(&Definition{
		Name:        "todos",
		Description: "Keep a running task list for this conversation",
		Params: []Param{
			{Name: "op", Type: "string", Description: "add, done, clear or list", Required: true},
			{Name: "item", Type: "string", Description: "Item text for add, item number for done"},
		},
		Policy: types.PolicyNever,
	}, execTodos)

	r.register(&Definition{
		Name:        "metadata",
		Description: "Describe the project: containers, images, ports, preview hosts",
		Params:      []Param{},
		Policy:      types.PolicyNever,
	}, execMetadata)

	r.register(&Definition{
		Name:        "start_container",
		Description: "Start a project container and its dev server",
		Params: []Param{
			containerDirParam,
		},
		Policy: types.PolicyHighRisk,
	}, execStartContainer)

	r.register(&Definition{
		Name:        "stop_container",
		Description: "Stop a project container",
		Params: []Param{
			containerDirParam,
		},
		Policy: types.PolicyHighRisk,
	}, execStopContainer)

	r.register(&Definition{
		Name:        "check_status",
		Description: "Report the live state of every project container",
		Params:      []Param{},
		Policy:      types.PolicyNever,
	}, execCheckStatus)

	r.register(&Definition{
		Name:        "read_logs",
		Description: "Read the tail of a container's logs",
		Params: []Param{
			{Name: "lines", Type: "integer", Description: "How many lines, max 1000"},
			containerDirParam,
		},
		Policy: types.PolicyNever,
	}, execReadLogs)
}
