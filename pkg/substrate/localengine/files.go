package localengine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

// grepMatchLimit caps how many matching lines one Grep call returns.
const grepMatchLimit = 1000

// grepFileSizeLimit skips files larger than this during Grep.
const grepFileSizeLimit = 1 << 20

// hostPath maps a workspace-relative path onto the host bind mount after
// lexical containment, then verifies no symlink leads back out of the
// project root.
func (d *Driver) hostPath(project *types.Project, dir, rel string) (string, error) {
	abs, err := substrate.ResolvePath(dir, rel)
	if err != nil {
		return "", err
	}
	inside := strings.TrimPrefix(abs, substrate.WorkspaceMount)
	inside = strings.TrimPrefix(inside, "/")

	root := d.projectRoot(project)
	host := filepath.Join(root, filepath.FromSlash(inside))
	if err := containOnHost(root, host); err != nil {
		return "", err
	}
	return host, nil
}

// containOnHost resolves symlinks on the deepest existing ancestor of
// target and rejects anything that escapes root.
func containOnHost(root, target string) error {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: project space missing", types.ErrNotFound)
		}
		return err
	}

	cur := target
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
				return fmt.Errorf("%w: %s escapes the workspace via symlink", types.ErrPathEscape, target)
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return fmt.Errorf("%w: %s has no resolvable ancestor", types.ErrPathEscape, target)
		}
		cur = parent
	}
}

// containerHostRoot is the host directory backing /app/<dir>.
func (d *Driver) containerHostRoot(project *types.Project, dir string) string {
	if dir == "" {
		return d.projectRoot(project)
	}
	return filepath.Join(d.projectRoot(project), dir)
}

// ReadFile returns the content of a workspace file straight off the bind
// mount.
func (d *Driver) ReadFile(ctx context.Context, project *types.Project, dir, rel string) ([]byte, error) {
	host, err := d.hostPath(project, dir, rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, rel)
		}
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return data, nil
}

// WriteFile creates or replaces a workspace file, creating parents as
// needed.
func (d *Driver) WriteFile(ctx context.Context, project *types.Project, dir, rel string, content []byte) error {
	host, err := d.hostPath(project, dir, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(host, content, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return nil
}

// DeletePath removes a file or directory tree. The container root itself
// is off limits.
func (d *Driver) DeletePath(ctx context.Context, project *types.Project, dir, rel string) error {
	host, err := d.hostPath(project, dir, rel)
	if err != nil {
		return err
	}
	if host == d.containerHostRoot(project, dir) || host == d.projectRoot(project) {
		return types.UserErrorf("refusing to delete the workspace root")
	}
	if err := os.RemoveAll(host); err != nil {
		return fmt.Errorf("failed to delete %s: %w", rel, err)
	}
	return nil
}

// Rename moves a file or directory within the same container dir.
func (d *Driver) Rename(ctx context.Context, project *types.Project, dir, oldRel, newRel string) error {
	oldHost, err := d.hostPath(project, dir, oldRel)
	if err != nil {
		return err
	}
	newHost, err := d.hostPath(project, dir, newRel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newHost), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.Rename(oldHost, newHost); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", types.ErrNotFound, oldRel)
		}
		return fmt.Errorf("failed to rename %s: %w", oldRel, err)
	}
	return nil
}

// ListDir lists the immediate entries of a workspace directory.
func (d *Driver) ListDir(ctx context.Context, project *types.Project, dir, rel string) ([]types.FileInfo, error) {
	host, err := d.hostPath(project, dir, rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(host)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, rel)
		}
		return nil, fmt.Errorf("failed to list %s: %w", rel, err)
	}

	base := path.Clean(rel)
	infos := make([]types.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, types.FileInfo{
			Path:    joinRel(base, entry.Name()),
			Name:    entry.Name(),
			Size:    info.Size(),
			IsDir:   entry.IsDir(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Stat describes a single workspace entry.
func (d *Driver) Stat(ctx context.Context, project *types.Project, dir, rel string) (*types.FileInfo, error) {
	host, err := d.hostPath(project, dir, rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(host)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, rel)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", rel, err)
	}
	return &types.FileInfo{
		Path:    path.Clean(rel),
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}, nil
}

// Glob returns workspace-relative paths matching pattern, ** included.
func (d *Driver) Glob(ctx context.Context, project *types.Project, dir, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, types.UserErrorf("invalid glob pattern %q", pattern)
	}
	root := d.containerHostRoot(project, dir)
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: container dir %s", types.ErrNotFound, dir)
		}
		return nil, err
	}

	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob failed: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Grep scans files under rel for a regular expression, skipping binaries
// and anything over the size limit.
func (d *Driver) Grep(ctx context.Context, project *types.Project, dir, pattern, rel string) ([]types.GrepMatch, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, types.UserErrorf("invalid pattern: %v", err)
	}
	if rel == "" {
		rel = "."
	}
	host, err := d.hostPath(project, dir, rel)
	if err != nil {
		return nil, err
	}

	var matches []types.GrepMatch
	walkErr := filepath.WalkDir(host, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			if entry.Name() == ".git" || entry.Name() == "node_modules" {
				return fs.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil || info.Size() > grepFileSizeLimit {
			return nil
		}

		relPath, err := filepath.Rel(d.containerHostRoot(project, dir), p)
		if err != nil {
			return nil
		}
		fileMatches, err := grepFile(p, filepath.ToSlash(relPath), re, grepMatchLimit-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, fileMatches...)
		if len(matches) >= grepMatchLimit {
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil && walkErr != fs.SkipAll {
		return nil, walkErr
	}
	return matches, nil
}

func grepFile(host, rel string, re *regexp.Regexp, limit int) ([]types.GrepMatch, error) {
	f, err := os.Open(host)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, _ := f.Read(head)
	if bytes.ContainsRune(head[:n], 0) {
		return nil, nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}

	var matches []types.GrepMatch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if re.MatchString(text) {
			matches = append(matches, types.GrepMatch{Path: rel, Line: line, Text: text})
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches, scanner.Err()
}

func joinRel(base, name string) string {
	if base == "." || base == "" {
		return name
	}
	return base + "/" + name
}
