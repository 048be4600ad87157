package cluster

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

// File operations run as shell commands inside the file-manager pod, the
// only process guaranteed to have the workspace claim mounted. Payloads
// never ride in argv: writes go through here-doc scripts fed to sh over
// stdin, reads come back over the exec stdout stream.

// grepMatchLimit caps how many matching lines one Grep call returns.
const grepMatchLimit = 1000

// missingExit marks "path does not exist" in scripts so it is
// distinguishable from ordinary command failure.
const missingExit = 44

// ReadFile returns the content of a workspace file.
func (d *Driver) ReadFile(ctx context.Context, project *types.Project, dir, rel string) ([]byte, error) {
	abs, err := substrate.ResolvePath(dir, rel)
	if err != nil {
		return nil, err
	}

	cmd := fmt.Sprintf("test -f %[1]s || exit %[2]d; cat %[1]s", substrate.ShellQuote(abs), missingExit)
	result, err := d.execCapture(ctx, project, substrate.FileManagerDir, cmd, nil)
	if err != nil {
		return nil, err
	}
	switch result.ExitCode {
	case 0:
		return []byte(result.Stdout), nil
	case missingExit:
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, rel)
	default:
		return nil, fmt.Errorf("failed to read %s: %s", rel, strings.TrimSpace(result.Stderr))
	}
}

// WriteFile creates or replaces a workspace file, creating parents as
// needed. Content is chunked into base64 here-doc scripts.
func (d *Driver) WriteFile(ctx context.Context, project *types.Project, dir, rel string, content []byte) error {
	abs, err := substrate.ResolvePath(dir, rel)
	if err != nil {
		return err
	}

	for _, script := range substrate.WriteScripts(abs, content) {
		if err := d.execScript(ctx, project, substrate.FileManagerDir, script); err != nil {
			return fmt.Errorf("failed to write %s: %w", rel, err)
		}
	}
	return nil
}

// DeletePath removes a file or directory tree. The container root itself
// is off limits.
func (d *Driver) DeletePath(ctx context.Context, project *types.Project, dir, rel string) error {
	abs, err := substrate.ResolvePath(dir, rel)
	if err != nil {
		return err
	}
	if abs == substrate.ContainerRoot(dir) || abs == substrate.WorkspaceMount {
		return types.UserErrorf("refusing to delete the workspace root")
	}

	cmd := "rm -rf " + substrate.ShellQuote(abs)
	result, err := d.execCapture(ctx, project, substrate.FileManagerDir, cmd, nil)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("failed to delete %s: %s", rel, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// Rename moves a file or directory within the same container dir.
func (d *Driver) Rename(ctx context.Context, project *types.Project, dir, oldRel, newRel string) error {
	oldAbs, err := substrate.ResolvePath(dir, oldRel)
	if err != nil {
		return err
	}
	newAbs, err := substrate.ResolvePath(dir, newRel)
	if err != nil {
		return err
	}

	cmd := fmt.Sprintf("test -e %[1]s || exit %[3]d; mkdir -p %[4]s && mv %[1]s %[2]s",
		substrate.ShellQuote(oldAbs), substrate.ShellQuote(newAbs), missingExit,
		substrate.ShellQuote(path.Dir(newAbs)))
	result, err := d.execCapture(ctx, project, substrate.FileManagerDir, cmd, nil)
	if err != nil {
		return err
	}
	switch result.ExitCode {
	case 0:
		return nil
	case missingExit:
		return fmt.Errorf("%w: %s", types.ErrNotFound, oldRel)
	default:
		return fmt.Errorf("failed to rename %s: %s", oldRel, strings.TrimSpace(result.Stderr))
	}
}

// ListDir lists the immediate entries of a workspace directory. Entries
// come back one per line as "<hex mode> <size> <mtime> <name>".
func (d *Driver) ListDir(ctx context.Context, project *types.Project, dir, rel string) ([]types.FileInfo, error) {
	abs, err := substrate.ResolvePath(dir, rel)
	if err != nil {
		return nil, err
	}

	cmd := fmt.Sprintf(
		"test -d %[1]s || exit %[2]d; cd %[1]s && find . -mindepth 1 -maxdepth 1 -exec stat -c '%%f %%s %%Y %%n' {} +",
		substrate.ShellQuote(abs), missingExit)
	result, err := d.execCapture(ctx, project, substrate.FileManagerDir, cmd, nil)
	if err != nil {
		return nil, err
	}
	switch result.ExitCode {
	case 0:
	case missingExit:
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, rel)
	default:
		// find exits non-zero on an empty directory with some builds;
		// treat no output as an empty listing.
		if strings.TrimSpace(result.Stdout) == "" && strings.TrimSpace(result.Stderr) == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %s", rel, strings.TrimSpace(result.Stderr))
	}

	base := path.Clean(rel)
	var infos []types.FileInfo
	for _, line := range strings.Split(result.Stdout, "\n") {
		entry, ok := parseStatLine(line)
		if !ok {
			continue
		}
		name := path.Base(entry.name)
		infos = append(infos, types.FileInfo{
			Path:    joinRel(base, name),
			Name:    name,
			Size:    entry.size,
			IsDir:   entry.isDir,
			ModTime: entry.modTime,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Stat describes a single workspace entry.
func (d *Driver) Stat(ctx context.Context, project *types.Project, dir, rel string) (*types.FileInfo, error) {
	abs, err := substrate.ResolvePath(dir, rel)
	if err != nil {
		return nil, err
	}

	cmd := fmt.Sprintf("test -e %[1]s || exit %[2]d; stat -c '%%f %%s %%Y %%n' %[1]s",
		substrate.ShellQuote(abs), missingExit)
	result, err := d.execCapture(ctx, project, substrate.FileManagerDir, cmd, nil)
	if err != nil {
		return nil, err
	}
	switch result.ExitCode {
	case 0:
	case missingExit:
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, rel)
	default:
		return nil, fmt.Errorf("failed to stat %s: %s", rel, strings.TrimSpace(result.Stderr))
	}

	entry, ok := parseStatLine(strings.TrimRight(result.Stdout, "\n"))
	if !ok {
		return nil, fmt.Errorf("failed to stat %s: unparseable output", rel)
	}
	cleaned := path.Clean(rel)
	return &types.FileInfo{
		Path:    cleaned,
		Name:    path.Base(cleaned),
		Size:    entry.size,
		IsDir:   entry.isDir,
		ModTime: entry.modTime,
	}, nil
}

// Glob returns workspace-relative paths matching pattern, ** included.
// The file-manager enumerates the tree; matching happens here so glob
// semantics stay identical across substrates.
func (d *Driver) Glob(ctx context.Context, project *types.Project, dir, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, types.UserErrorf("invalid glob pattern %q", pattern)
	}
	paths, err := d.walkTree(ctx, project, dir)
	if err != nil {
		return nil, err
	}

	var matches []string
	for _, rel := range paths {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			matches = append(matches, rel)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// Grep scans files under rel for an extended regular expression. Binary
// files are skipped in the pod; matching lines come back as
// "path:line:text".
func (d *Driver) Grep(ctx context.Context, project *types.Project, dir, pattern, rel string) ([]types.GrepMatch, error) {
	if rel == "" {
		rel = "."
	}
	abs, err := substrate.ResolvePath(dir, rel)
	if err != nil {
		return nil, err
	}

	cmd := fmt.Sprintf("test -e %[1]s || exit %[2]d; cd %[3]s && grep -rnIE -e %[4]s %[5]s 2>/dev/null | head -n %[6]d; exit 0",
		substrate.ShellQuote(abs), missingExit,
		substrate.ShellQuote(substrate.ContainerRoot(dir)),
		substrate.ShellQuote(pattern),
		substrate.ShellQuote(path.Clean(rel)),
		grepMatchLimit)
	result, err := d.execCapture(ctx, project, substrate.FileManagerDir, cmd, nil)
	if err != nil {
		return nil, err
	}
	if result.ExitCode == missingExit {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, rel)
	}

	var matches []types.GrepMatch
	for _, line := range strings.Split(result.Stdout, "\n") {
		if line == "" {
			continue
		}
		m, ok := parseGrepLine(line)
		if !ok {
			continue
		}
		matches = append(matches, m)
		if len(matches) >= grepMatchLimit {
			break
		}
	}
	return matches, nil
}

// MaterializeTemplate streams the template tree from the control-plane
// host into an empty workspace. A workspace that already has content is
// left alone.
func (d *Driver) MaterializeTemplate(ctx context.Context, project *types.Project, templateDir string) error {
	if err := d.EnsureFileManager(ctx, project); err != nil {
		return err
	}

	probe, err := d.execCapture(ctx, project, substrate.FileManagerDir,
		"ls -A "+substrate.ShellQuote(substrate.WorkspaceMount), nil)
	if err != nil {
		return err
	}
	if strings.TrimSpace(probe.Stdout) != "" {
		return nil
	}

	tr := substrate.TarTree(ctx, templateDir, nil)
	defer tr.Close()
	if err := d.untarIntoWorkspace(ctx, project, tr); err != nil {
		return fmt.Errorf("failed to materialize template: %w", err)
	}
	log.WithProject(project.Slug).Info().Str("template", path.Base(templateDir)).Msg("Template materialized")
	return nil
}

// ExportWorkspace streams the whole workspace as a tar archive produced
// inside the file-manager pod.
func (d *Driver) ExportWorkspace(ctx context.Context, project *types.Project, exclude []string) (io.ReadCloser, error) {
	pod, err := d.findRunningPod(ctx, project, substrate.FileManagerDir)
	if err != nil {
		return nil, err
	}
	if pod == nil {
		return nil, fmt.Errorf("%w: file-manager is not running", types.ErrNotFound)
	}

	args := []string{"tar", "-cf", "-"}
	for _, pat := range exclude {
		if pat != "" {
			args = append(args, "--exclude", pat)
		}
	}
	args = append(args, "-C", substrate.WorkspaceMount, ".")

	pr, pw := io.Pipe()
	go func() {
		code, err := d.stream(ctx, project, substrate.FileManagerDir, args, streamIO{
			stdout: pw,
			stderr: io.Discard,
		})
		if err == nil && code != 0 {
			err = fmt.Errorf("tar exited with status %d", code)
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// ImportWorkspace unpacks a tar archive into the workspace root.
func (d *Driver) ImportWorkspace(ctx context.Context, project *types.Project, r io.Reader) error {
	if err := d.EnsureFileManager(ctx, project); err != nil {
		return err
	}
	return d.untarIntoWorkspace(ctx, project, r)
}

func (d *Driver) untarIntoWorkspace(ctx context.Context, project *types.Project, r io.Reader) error {
	code, err := d.stream(ctx, project, substrate.FileManagerDir,
		[]string{"tar", "-xf", "-", "-C", substrate.WorkspaceMount}, streamIO{
			stdin:  r,
			stdout: io.Discard,
			stderr: io.Discard,
		})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("tar exited with status %d", code)
	}
	return nil
}

// walkTree lists every path under a container root, workspace-relative.
func (d *Driver) walkTree(ctx context.Context, project *types.Project, dir string) ([]string, error) {
	root := substrate.ContainerRoot(dir)
	cmd := fmt.Sprintf("test -d %[1]s || exit %[2]d; cd %[1]s && find . -mindepth 1",
		substrate.ShellQuote(root), missingExit)
	result, err := d.execCapture(ctx, project, substrate.FileManagerDir, cmd, nil)
	if err != nil {
		return nil, err
	}
	if result.ExitCode == missingExit {
		return nil, fmt.Errorf("%w: container dir %s", types.ErrNotFound, dir)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("failed to walk workspace: %s", strings.TrimSpace(result.Stderr))
	}

	var paths []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		line = strings.TrimPrefix(strings.TrimSpace(line), "./")
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// statEntry is one parsed `stat -c '%f %s %Y %n'` line.
type statEntry struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

// S_IFMT and S_IFDIR from the raw hex mode stat reports.
const (
	statModeMask = 0xf000
	statModeDir  = 0x4000
)

func parseStatLine(line string) (statEntry, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 4)
	if len(parts) != 4 {
		return statEntry{}, false
	}
	mode, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return statEntry{}, false
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return statEntry{}, false
	}
	mtime, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return statEntry{}, false
	}
	return statEntry{
		name:    parts[3],
		size:    size,
		isDir:   uint32(mode)&statModeMask == statModeDir,
		modTime: time.Unix(mtime, 0),
	}, true
}

func parseGrepLine(line string) (types.GrepMatch, bool) {
	first := strings.Index(line, ":")
	if first <= 0 {
		return types.GrepMatch{}, false
	}
	second := strings.Index(line[first+1:], ":")
	if second <= 0 {
		return types.GrepMatch{}, false
	}
	num, err := strconv.Atoi(line[first+1 : first+1+second])
	if err != nil {
		return types.GrepMatch{}, false
	}
	return types.GrepMatch{
		Path: strings.TrimPrefix(line[:first], "./"),
		Line: num,
		Text: line[first+1+second+1:],
	}, true
}

func joinRel(base, name string) string {
	if base == "." || base == "" {
		return name
	}
	return base + "/" + name
}
