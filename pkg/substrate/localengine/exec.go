package localengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

// execCleanupTimeout bounds how long process teardown may take once the
// caller's context is gone.
const execCleanupTimeout = 10 * time.Second

// Exec runs a shell command in the dev container for req.Dir, falling back
// to the file-manager sidecar when no dev container runs.
func (d *Driver) Exec(ctx context.Context, project *types.Project, req *types.ExecRequest) (*types.ExecResult, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	cancel := func() {}
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	task, base, err := d.execTarget(ctx, project, req.Dir)
	if err != nil {
		return nil, err
	}

	proc := *base
	proc.Terminal = false
	proc.Args = []string{"/bin/sh", "-c", req.Command}
	proc.Cwd = execCwd(req)
	if len(req.Env) > 0 {
		proc.Env = append(append([]string{}, proc.Env...), req.Env...)
	}

	start := time.Now()
	var stdout, stderr bytes.Buffer
	code, timedOut, err := d.runProcess(ctx, task, &proc, nil, &stdout, &stderr)
	if err != nil {
		return nil, err
	}

	return &types.ExecResult{
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}, nil
}

// execTarget picks the exec destination: the dev container when it runs,
// the file-manager otherwise. Returns the live task and the container's
// base process spec.
func (d *Driver) execTarget(ctx context.Context, project *types.Project, dir string) (containerd.Task, *specs.Process, error) {
	candidates := []string{}
	if dir != "" && dir != substrate.FileManagerDir {
		candidates = append(candidates, containerID(project.Slug, dir))
	}
	candidates = append(candidates, containerID(project.Slug, substrate.FileManagerDir))

	for _, id := range candidates {
		container, err := d.client.LoadContainer(ctx, id)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, nil, classify(err)
		}
		task, err := container.Task(ctx, nil)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, nil, classify(err)
		}
		status, err := task.Status(ctx)
		if err != nil || status.Status != containerd.Running {
			continue
		}
		spec, err := container.Spec(ctx)
		if err != nil {
			return nil, nil, classify(err)
		}
		return task, spec.Process, nil
	}
	return nil, nil, types.UserErrorf("environment for project %s is not running", project.Slug)
}

// runProcess executes one process inside a task and waits for it. On
// context expiry the process is killed and the deadline surfaces as a
// timed-out result rather than an error.
func (d *Driver) runProcess(ctx context.Context, task containerd.Task, proc *specs.Process, stdin io.Reader, stdout, stderr io.Writer) (int, bool, error) {
	execID := "exec-" + uuid.NewString()[:8]

	process, err := task.Exec(ctx, execID, proc, cio.NewCreator(cio.WithStreams(stdin, stdout, stderr)))
	if err != nil {
		return 0, false, fmt.Errorf("failed to create exec process: %w", classify(err))
	}

	cleanupCtx := namespaces.WithNamespace(context.Background(), d.namespace)
	defer func() {
		ctx, cancel := context.WithTimeout(cleanupCtx, execCleanupTimeout)
		defer cancel()
		_, _ = process.Delete(ctx)
	}()

	statusC, err := process.Wait(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("failed to wait on exec process: %w", classify(err))
	}
	if err := process.Start(ctx); err != nil {
		return 0, false, fmt.Errorf("failed to start exec process: %w", classify(err))
	}

	var status containerd.ExitStatus
	timedOut := false
	select {
	case status = <-statusC:
	case <-ctx.Done():
		timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		killCtx, cancel := context.WithTimeout(cleanupCtx, execCleanupTimeout)
		_ = process.Kill(killCtx, syscall.SIGKILL)
		select {
		case status = <-statusC:
		case <-killCtx.Done():
			cancel()
			return 0, timedOut, fmt.Errorf("exec process did not exit after kill")
		}
		cancel()
		if !timedOut {
			return 0, false, ctx.Err()
		}
	}

	if process.IO() != nil {
		process.IO().Wait()
	}

	code, _, err := status.Result()
	if err != nil {
		return 0, timedOut, fmt.Errorf("failed to read exec status: %w", err)
	}
	return int(code), timedOut, nil
}

func execCwd(req *types.ExecRequest) string {
	root := substrate.ContainerRoot(req.Dir)
	if req.WorkingDir == "" {
		return root
	}
	if abs, err := substrate.ResolvePath(req.Dir, req.WorkingDir); err == nil {
		return abs
	}
	return root
}

// OpenTerminal attaches an interactive shell to the dev container for
// opts.Dir, or to the file-manager when none runs.
func (d *Driver) OpenTerminal(ctx context.Context, project *types.Project, opts *substrate.TerminalOptions) (substrate.TerminalConn, error) {
	nsCtx := namespaces.WithNamespace(context.Background(), d.namespace)
	callCtx := namespaces.WithNamespace(ctx, d.namespace)

	task, base, err := d.execTarget(callCtx, project, opts.Dir)
	if err != nil {
		return nil, err
	}

	shell := opts.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	proc := *base
	proc.Terminal = true
	proc.Args = []string{shell}
	proc.Cwd = substrate.ContainerRoot(opts.Dir)
	proc.Env = append(append([]string{}, proc.Env...), "TERM=xterm-256color")

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	execID := "term-" + uuid.NewString()[:8]
	process, err := task.Exec(nsCtx, execID, &proc,
		cio.NewCreator(cio.WithStreams(stdinR, stdoutW, nil), cio.WithTerminal))
	if err != nil {
		stdinW.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to create terminal process: %w", classify(err))
	}

	statusC, err := process.Wait(nsCtx)
	if err != nil {
		_, _ = process.Delete(nsCtx)
		stdinW.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to wait on terminal process: %w", classify(err))
	}
	if err := process.Start(nsCtx); err != nil {
		_, _ = process.Delete(nsCtx)
		stdinW.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to start terminal: %w", classify(err))
	}

	if opts.Cols > 0 && opts.Rows > 0 {
		_ = process.Resize(nsCtx, uint32(opts.Cols), uint32(opts.Rows))
	}

	conn := &terminalConn{
		nsCtx:   nsCtx,
		process: process,
		stdinW:  stdinW,
		stdoutR: stdoutR,
	}

	// Unblock readers once the shell exits on its own.
	go func() {
		<-statusC
		if process.IO() != nil {
			process.IO().Wait()
		}
		stdoutW.Close()
		conn.reap()
	}()

	return conn, nil
}

type terminalConn struct {
	nsCtx   context.Context
	process containerd.Process
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader

	reapOnce sync.Once
}

func (t *terminalConn) Read(p []byte) (int, error)  { return t.stdoutR.Read(p) }
func (t *terminalConn) Write(p []byte) (int, error) { return t.stdinW.Write(p) }

func (t *terminalConn) Resize(cols, rows uint16) error {
	return t.process.Resize(t.nsCtx, uint32(cols), uint32(rows))
}

// Close kills the shell if it still runs and releases both pipes.
func (t *terminalConn) Close() error {
	_ = t.process.Kill(t.nsCtx, syscall.SIGKILL)
	t.stdinW.Close()
	t.stdoutR.Close()
	t.reap()
	return nil
}

func (t *terminalConn) reap() {
	t.reapOnce.Do(func() {
		ctx, cancel := context.WithTimeout(t.nsCtx, execCleanupTimeout)
		defer cancel()
		_, _ = t.process.Delete(ctx, containerd.WithProcessKill)
	})
}
