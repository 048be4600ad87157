package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
	k8sexec "k8s.io/client-go/util/exec"

	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

// Exec runs a shell command in the dev pod for req.Dir, falling back to
// the file-manager pod when the dev pod is absent.
func (d *Driver) Exec(ctx context.Context, project *types.Project, req *types.ExecRequest) (*types.ExecResult, error) {
	cancel := func() {}
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	script := buildScript(execCwd(req), req.Env, req.Command)

	start := time.Now()
	var stdout, stderr bytes.Buffer
	code, err := d.stream(ctx, project, req.Dir, []string{"/bin/sh", "-c", script}, streamIO{
		stdout: &stdout,
		stderr: &stderr,
	})
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	if err != nil && !timedOut {
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

// execCapture runs one shell command against a specific container dir and
// captures its output. Internal file and probe traffic goes through here.
func (d *Driver) execCapture(ctx context.Context, project *types.Project, dir, command string, stdin io.Reader) (*types.ExecResult, error) {
	var stdout, stderr bytes.Buffer
	code, err := d.stream(ctx, project, dir, []string{"/bin/sh", "-c", command}, streamIO{
		stdin:  stdin,
		stdout: &stdout,
		stderr: &stderr,
	})
	if err != nil {
		return nil, err
	}
	return &types.ExecResult{
		ExitCode: code,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// execScript feeds a shell script to `sh` over stdin, for payloads that
// must not ride in argv.
func (d *Driver) execScript(ctx context.Context, project *types.Project, dir, script string) error {
	var stderr bytes.Buffer
	code, err := d.stream(ctx, project, dir, []string{"/bin/sh"}, streamIO{
		stdin:  strings.NewReader(script),
		stdout: io.Discard,
		stderr: &stderr,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("script exited with status %d: %s", code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

type streamIO struct {
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
	tty       bool
	sizeQueue remotecommand.TerminalSizeQueue
}

// stream runs argv in the chosen pod over SPDY and returns the exit code.
func (d *Driver) stream(ctx context.Context, project *types.Project, dir string, argv []string, sio streamIO) (int, error) {
	pod, container, err := d.execTarget(ctx, project, dir)
	if err != nil {
		return 0, err
	}

	opts := &corev1.PodExecOptions{
		Container: container,
		Command:   argv,
		Stdin:     sio.stdin != nil,
		Stdout:    sio.stdout != nil,
		Stderr:    sio.stderr != nil && !sio.tty,
		TTY:       sio.tty,
	}
	req := d.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespaceFor(project)).
		SubResource("exec").
		VersionedParams(opts, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(d.restConfig, "POST", req.URL())
	if err != nil {
		return 0, fmt.Errorf("failed to create exec stream: %w", err)
	}

	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:             sio.stdin,
		Stdout:            sio.stdout,
		Stderr:            sio.stderr,
		Tty:               sio.tty,
		TerminalSizeQueue: sio.sizeQueue,
	})
	if err != nil {
		var codeErr k8sexec.CodeExitError
		if errors.As(err, &codeErr) {
			return codeErr.Code, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("exec failed: %w", classify(err))
	}
	return 0, nil
}

// execTarget resolves the pod and container to exec into: the dev pod for
// dir when it runs, the file-manager otherwise.
func (d *Driver) execTarget(ctx context.Context, project *types.Project, dir string) (string, string, error) {
	if dir != "" && dir != substrate.FileManagerDir {
		pod, err := d.findRunningPod(ctx, project, dir)
		if err != nil {
			return "", "", err
		}
		if pod != nil {
			return pod.Name, devContainerName, nil
		}
	}

	pod, err := d.findRunningPod(ctx, project, substrate.FileManagerDir)
	if err != nil {
		return "", "", err
	}
	if pod == nil {
		return "", "", types.UserErrorf("environment for project %s is not running", project.Slug)
	}
	return pod.Name, substrate.FileManagerDir, nil
}

// buildScript prefixes env exports and a cd onto the user command.
func buildScript(cwd string, env []string, command string) string {
	var b strings.Builder
	for _, kv := range env {
		fmt.Fprintf(&b, "export %s; ", substrate.ShellQuote(kv))
	}
	if cwd != "" {
		fmt.Fprintf(&b, "cd %s && ", substrate.ShellQuote(cwd))
	}
	b.WriteString("(")
	b.WriteString(command)
	b.WriteString(")")
	return b.String()
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

// OpenTerminal attaches an interactive TTY shell over SPDY.
func (d *Driver) OpenTerminal(ctx context.Context, project *types.Project, opts *substrate.TerminalOptions) (substrate.TerminalConn, error) {
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	script := fmt.Sprintf("export TERM=xterm-256color; cd %s 2>/dev/null; exec %s",
		substrate.ShellQuote(substrate.ContainerRoot(opts.Dir)), shell)

	streamCtx, cancel := context.WithCancel(context.Background())
	sizeQ := newSizeQueue()
	if opts.Cols > 0 && opts.Rows > 0 {
		sizeQ.push(opts.Cols, opts.Rows)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	conn := &terminalConn{
		cancel:  cancel,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		sizeQ:   sizeQ,
	}

	go func() {
		_, err := d.stream(streamCtx, project, opts.Dir, []string{"/bin/sh", "-c", script}, streamIO{
			stdin:     stdinR,
			stdout:    stdoutW,
			tty:       true,
			sizeQueue: sizeQ,
		})
		stdoutW.CloseWithError(err)
		stdinR.Close()
		sizeQ.close()
	}()

	return conn, nil
}

type terminalConn struct {
	cancel  context.CancelFunc
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	sizeQ   *sizeQueue
}

func (t *terminalConn) Read(p []byte) (int, error)  { return t.stdoutR.Read(p) }
func (t *terminalConn) Write(p []byte) (int, error) { return t.stdinW.Write(p) }

func (t *terminalConn) Resize(cols, rows uint16) error {
	t.sizeQ.push(cols, rows)
	return nil
}

func (t *terminalConn) Close() error {
	t.cancel()
	t.stdinW.Close()
	t.stdoutR.Close()
	t.sizeQ.close()
	return nil
}

// sizeQueue feeds terminal resizes to the SPDY stream.
type sizeQueue struct {
	ch       chan remotecommand.TerminalSize
	done     chan struct{}
	stopOnce sync.Once
}

func newSizeQueue() *sizeQueue {
	return &sizeQueue{
		ch:   make(chan remotecommand.TerminalSize, 4),
		done: make(chan struct{}),
	}
}

func (q *sizeQueue) push(cols, rows uint16) {
	select {
	case q.ch <- remotecommand.TerminalSize{Width: cols, Height: rows}:
	default:
	}
}

func (q *sizeQueue) close() {
	q.stopOnce.Do(func() { close(q.done) })
}

// Next blocks until a resize arrives or the queue closes.
func (q *sizeQueue) Next() *remotecommand.TerminalSize {
	select {
	case size := <-q.ch:
		return &size
	case <-q.done:
		return nil
	}
}
