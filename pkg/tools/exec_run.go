package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

const (
	maxBashTimeout   = 300 * time.Second
	maxFetchBody     = 1 << 20 // 1 MiB of response body is plenty for the model
	maxCommandOutput = 64 * 1024

	sessionSettle    = 500 * time.Millisecond
	maxSessionSettle = 5 * time.Second
)

func execBash(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	command := strArg(inv.Args, "command")
	if command == "" {
		return "", types.UserErrorf("bash: command is required")
	}
	timeout := time.Duration(intArg(inv.Args, "timeout_seconds", 60)) * time.Second
	if timeout <= 0 || timeout > maxBashTimeout {
		timeout = maxBashTimeout
	}

	result, err := r.files.Exec(ctx, inv.Project, &types.ExecRequest{
		Dir:     inv.Dir,
		Command: command,
		Timeout: timeout,
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if result.Stdout != "" {
		b.WriteString(clipOutput(result.Stdout))
	}
	if result.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(clipOutput(result.Stderr))
	}
	if result.TimedOut {
		fmt.Fprintf(&b, "\n(command timed out after %s)", timeout)
	}
	if result.ExitCode != 0 {
		fmt.Fprintf(&b, "\n(exit code %d)", result.ExitCode)
	}
	if b.Len() == 0 {
		return "(no output)", nil
	}
	return b.String(), nil
}

func execShellSession(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	sessionID := strArg(inv.Args, "session_id")
	input := strArg(inv.Args, "input")

	created := false
	if sessionID == "" {
		opened, err := r.terminals.Open(ctx, inv.Project, &substrate.TerminalOptions{Dir: inv.Dir})
		if err != nil {
			return "", err
		}
		sessionID = opened.ID
		created = true
	}

	session, err := r.terminals.Get(sessionID)
	if err != nil {
		return "", err
	}

	if input != "" {
		if !strings.HasSuffix(input, "\n") {
			input += "\n"
		}
		if err := r.terminals.Write(sessionID, []byte(input)); err != nil {
			return "", err
		}
	}

	settle := time.Duration(intArg(inv.Args, "wait_ms", int(sessionSettle/time.Millisecond))) * time.Millisecond
	if settle <= 0 || settle > maxSessionSettle {
		settle = maxSessionSettle
	}
	select {
	case <-time.After(settle):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	output := string(session.ConsumeOutput())
	var b strings.Builder
	fmt.Fprintf(&b, "session_id: %s", sessionID)
	if created {
		b.WriteString(" (new)")
	}
	b.WriteString("\n")
	if output == "" {
		b.WriteString("(no new output)")
	} else {
		b.WriteString(clipOutput(output))
	}
	return b.String(), nil
}

func execFetch(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	rawURL := strArg(inv.Args, "url")
	method := strings.ToUpper(strArg(inv.Args, "method"))
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return "", types.UserErrorf("fetch: method %s is not supported", method)
	}

	var body io.Reader
	if payload := strArg(inv.Args, "body"); payload != "" {
		body = strings.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return "", types.UserErrorf("fetch: %v", err)
	}
	if headers, ok := inv.Args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", types.Transientf("fetch failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return "", types.Transientf("fetch: reading body failed: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		fmt.Fprintf(&b, "content-type: %s\n", ct)
	}
	b.WriteString("\n")
	b.Write(data)
	if int64(len(data)) == maxFetchBody {
		b.WriteString("\n(body truncated)")
	}
	return b.String(), nil
}

type todoItem struct {
	Text string
	Done bool
}

func execTodos(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	op := strArg(inv.Args, "op")
	item := strArg(inv.Args, "item")

	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.todos[inv.ChatID]

	switch op {
	case "add":
		if item == "" {
			return "", types.UserErrorf("todos: item is required for add")
		}
		list = append(list, todoItem{Text: item})
		r.todos[inv.ChatID] = list
	case "done":
		found := false
		for i := range list {
			if list[i].Text == item {
				list[i].Done = true
				found = true
				break
			}
		}
		if !found {
			return "", types.UserErrorf("todos: no item %q", item)
		}
	case "clear":
		delete(r.todos, inv.ChatID)
		return "todo list cleared", nil
	case "list", "":
	default:
		return "", types.UserErrorf("todos: unknown op %q (use add, done, list, clear)", op)
	}

	if len(list) == 0 {
		return "(no todos)", nil
	}
	var b strings.Builder
	for i, t := range list {
		mark := " "
		if t.Done {
			mark = "x"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, mark, t.Text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func execMetadata(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	project := inv.Project
	nodes, err := r.store.ListContainerNodes(project.ID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "project: %s (slug %s)\n", project.Name, project.Slug)
	fmt.Fprintf(&b, "template: %s\n", project.Template)
	fmt.Fprintf(&b, "state: %s\n", project.State)
	fmt.Fprintf(&b, "deployment mode: %s\n", project.DeploymentMode)
	fmt.Fprintf(&b, "containers (%d):\n", len(nodes))
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Dir < nodes[j].Dir })
	for _, n := range nodes {
		fmt.Fprintf(&b, "  %s: image %s", n.Dir, n.Image)
		if n.Port > 0 {
			fmt.Fprintf(&b, ", port %d, preview http://%s", n.Port, types.Hostname(n.Dir, project.Slug, r.appDomain))
		}
		if len(n.DependsOn) > 0 {
			fmt.Fprintf(&b, ", depends on %s", strings.Join(n.DependsOn, ", "))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func execStartContainer(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	dir := targetDir(inv)
	node, err := r.store.GetContainerNode(inv.Project.ID, dir)
	if err != nil {
		return "", types.UserErrorf("no container %q in this project", dir)
	}
	already, err := r.graph.StartNode(ctx, inv.Project, node)
	if err != nil {
		return "", err
	}
	if already {
		return fmt.Sprintf("container %s was already running", dir), nil
	}
	return fmt.Sprintf("container %s started", dir), nil
}

func execStopContainer(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	dir := targetDir(inv)
	if err := r.graph.StopNode(ctx, inv.Project, dir); err != nil {
		return "", err
	}
	return fmt.Sprintf("container %s stopped", dir), nil
}

func execCheckStatus(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	statuses, err := r.graph.Status(ctx, inv.Project)
	if err != nil {
		return "", err
	}
	if len(statuses) == 0 {
		return "no containers defined", nil
	}
	var b strings.Builder
	for _, s := range statuses {
		fmt.Fprintf(&b, "%s: %s", s.Dir, s.State)
		if s.Ready {
			b.WriteString(" (ready)")
		}
		if s.Message != "" {
			fmt.Fprintf(&b, " - %s", s.Message)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func execReadLogs(ctx context.Context, r *Registry, inv *Invocation) (string, error) {
	dir := targetDir(inv)
	tail := intArg(inv.Args, "lines", 100)
	if tail <= 0 || tail > 1000 {
		tail = 1000
	}
	stream, err := r.files.ContainerLogs(ctx, inv.Project, dir, tail)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	data, err := io.ReadAll(io.LimitReader(stream, maxCommandOutput))
	if err != nil {
		return "", types.Transientf("reading logs failed: %v", err)
	}
	if len(data) == 0 {
		return "(no log output)", nil
	}
	return string(data), nil
}

// clipOutput keeps tool output inside the model's working budget,
// preserving the tail where errors usually live.
func clipOutput(s string) string {
	if len(s) <= maxCommandOutput {
		return s
	}
	return "(output clipped)\n..." + s[len(s)-maxCommandOutput:]
}
