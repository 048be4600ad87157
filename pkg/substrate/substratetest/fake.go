// Package substratetest provides an in-memory substrate driver for
// tests that exercise code above the driver boundary.
package substratetest

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

// FakeDriver implements substrate.Driver against maps. All state is
// keyed by project ID. Zero value is not usable; call NewFakeDriver.
type FakeDriver struct {
	mu sync.Mutex

	ModeVal types.DeploymentMode

	// files maps projectID -> workspace-relative path ("dir/rel") -> content.
	files map[string]map[string][]byte

	// running maps projectID -> container dir -> started spec.
	running map[string]map[string]*substrate.ContainerSpec

	spaces    map[string]bool
	templates map[string]string // projectID -> templateDir materialized

	// StartOrder and StopOrder record "projectID/dir" sequences.
	StartOrder []string
	StopOrder  []string

	// ProbeFailures holds per-dir counts of probes to fail before
	// reporting ready.
	ProbeFailures map[string]int

	// StartErr, if set, fails StartContainer for the named dir.
	StartErr map[string]error

	// ExecFn, if set, handles Exec calls.
	ExecFn func(ctx context.Context, project *types.Project, req *types.ExecRequest) (*types.ExecResult, error)

	// Logs is returned by ContainerLogs.
	Logs string
}

// NewFakeDriver returns an empty fake on the local-engine mode.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		ModeVal:       types.ModeLocalEngine,
		files:         make(map[string]map[string][]byte),
		running:       make(map[string]map[string]*substrate.ContainerSpec),
		spaces:        make(map[string]bool),
		templates:     make(map[string]string),
		ProbeFailures: make(map[string]int),
		StartErr:      make(map[string]error),
	}
}

func (f *FakeDriver) Mode() types.DeploymentMode { return f.ModeVal }

func (f *FakeDriver) Close() error { return nil }

func (f *FakeDriver) projectFiles(projectID string) map[string][]byte {
	if f.files[projectID] == nil {
		f.files[projectID] = make(map[string][]byte)
	}
	return f.files[projectID]
}

func (f *FakeDriver) projectRunning(projectID string) map[string]*substrate.ContainerSpec {
	if f.running[projectID] == nil {
		f.running[projectID] = make(map[string]*substrate.ContainerSpec)
	}
	return f.running[projectID]
}

// SeedFile plants a workspace file, creating the project space.
func (f *FakeDriver) SeedFile(projectID, dir, rel string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spaces[projectID] = true
	f.projectFiles(projectID)[dir+"/"+rel] = content
}

// FileContent returns a planted or written file's content.
func (f *FakeDriver) FileContent(projectID, dir, rel string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.projectFiles(projectID)[dir+"/"+rel]
	return data, ok
}

// HasSpace reports whether EnsureProjectSpace ran for the project.
func (f *FakeDriver) HasSpace(projectID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spaces[projectID]
}

// RunningDirs lists dirs with a started container, sorted.
func (f *FakeDriver) RunningDirs(projectID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var dirs []string
	for dir := range f.projectRunning(projectID) {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

func (f *FakeDriver) EnsureProjectSpace(ctx context.Context, project *types.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spaces[project.ID] = true
	return nil
}

func (f *FakeDriver) EnsureFileManager(ctx context.Context, project *types.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.spaces[project.ID] {
		f.spaces[project.ID] = true
	}
	f.projectRunning(project.ID)[substrate.FileManagerDir] = &substrate.ContainerSpec{
		Dir: substrate.FileManagerDir,
	}
	return nil
}

func (f *FakeDriver) MaterializeTemplate(ctx context.Context, project *types.Project, templateDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.projectFiles(project.ID)) > 0 {
		return nil
	}
	f.templates[project.ID] = templateDir
	return nil
}

// MaterializedTemplate returns the template dir recorded for a project.
func (f *FakeDriver) MaterializedTemplate(projectID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.templates[projectID]
}

func (f *FakeDriver) DestroyProjectSpace(ctx context.Context, project *types.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.spaces, project.ID)
	delete(f.files, project.ID)
	delete(f.running, project.ID)
	return nil
}

func (f *FakeDriver) StartContainer(ctx context.Context, project *types.Project, spec *substrate.ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.StartErr[spec.Dir]; err != nil {
		return err
	}
	f.projectRunning(project.ID)[spec.Dir] = spec
	f.StartOrder = append(f.StartOrder, project.ID+"/"+spec.Dir)
	return nil
}

func (f *FakeDriver) StopContainer(ctx context.Context, project *types.Project, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.projectRunning(project.ID), dir)
	f.StopOrder = append(f.StopOrder, project.ID+"/"+dir)
	return nil
}

func (f *FakeDriver) ContainerStatus(ctx context.Context, project *types.Project, dir string) (*types.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.projectRunning(project.ID)[dir]; ok {
		return &types.ContainerStatus{Dir: dir, State: types.ContainerStateRunning, Ready: true}, nil
	}
	return &types.ContainerStatus{Dir: dir, State: types.ContainerStateStopped}, nil
}

func (f *FakeDriver) ProbePort(ctx context.Context, project *types.Project, spec *substrate.ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ProbeFailures[spec.Dir] > 0 {
		f.ProbeFailures[spec.Dir]--
		return types.Transientf("port %d not ready", spec.Port)
	}
	return nil
}

func (f *FakeDriver) ListContainers(ctx context.Context, project *types.Project) ([]*types.ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.ContainerStatus
	for dir := range f.projectRunning(project.ID) {
		out = append(out, &types.ContainerStatus{Dir: dir, State: types.ContainerStateRunning, Ready: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return out, nil
}

func (f *FakeDriver) ContainerLogs(ctx context.Context, project *types.Project, dir string, tail int) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.Logs)), nil
}

func (f *FakeDriver) ReadFile(ctx context.Context, project *types.Project, dir, rel string) ([]byte, error) {
	if _, err := substrate.ResolvePath(dir, rel); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.projectFiles(project.ID)[dir+"/"+rel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, rel)
	}
	return append([]byte(nil), data...), nil
}

func (f *FakeDriver) WriteFile(ctx context.Context, project *types.Project, dir, rel string, content []byte) error {
	if _, err := substrate.ResolvePath(dir, rel); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projectFiles(project.ID)[dir+"/"+rel] = append([]byte(nil), content...)
	return nil
}

func (f *FakeDriver) DeletePath(ctx context.Context, project *types.Project, dir, rel string) error {
	if _, err := substrate.ResolvePath(dir, rel); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	files := f.projectFiles(project.ID)
	prefix := dir + "/" + rel
	for p := range files {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			delete(files, p)
		}
	}
	return nil
}

func (f *FakeDriver) Rename(ctx context.Context, project *types.Project, dir, oldRel, newRel string) error {
	if _, err := substrate.ResolvePath(dir, oldRel); err != nil {
		return err
	}
	if _, err := substrate.ResolvePath(dir, newRel); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	files := f.projectFiles(project.ID)
	oldKey, newKey := dir+"/"+oldRel, dir+"/"+newRel
	data, ok := files[oldKey]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, oldRel)
	}
	files[newKey] = data
	delete(files, oldKey)
	return nil
}

func (f *FakeDriver) ListDir(ctx context.Context, project *types.Project, dir, rel string) ([]types.FileInfo, error) {
	if _, err := substrate.ResolvePath(dir, rel); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	base := strings.TrimSuffix(dir+"/"+path.Clean(rel), "/.")
	seen := map[string]types.FileInfo{}
	for p, data := range f.projectFiles(project.ID) {
		if !strings.HasPrefix(p, base+"/") {
			continue
		}
		rest := strings.TrimPrefix(p, base+"/")
		name, _, nested := strings.Cut(rest, "/")
		info := types.FileInfo{
			Path:  strings.TrimPrefix(base+"/"+name, dir+"/"),
			Name:  name,
			IsDir: nested,
		}
		if !nested {
			info.Size = int64(len(data))
		}
		seen[name] = info
	}

	var out []types.FileInfo
	for _, info := range seen {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *FakeDriver) Stat(ctx context.Context, project *types.Project, dir, rel string) (*types.FileInfo, error) {
	if _, err := substrate.ResolvePath(dir, rel); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	files := f.projectFiles(project.ID)
	if path.Clean(rel) == "." {
		for p := range files {
			if strings.HasPrefix(p, dir+"/") {
				return &types.FileInfo{Path: ".", Name: dir, IsDir: true}, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, dir)
	}
	key := dir + "/" + rel
	if data, ok := files[key]; ok {
		return &types.FileInfo{Path: rel, Name: path.Base(rel), Size: int64(len(data))}, nil
	}
	for p := range files {
		if strings.HasPrefix(p, key+"/") {
			return &types.FileInfo{Path: rel, Name: path.Base(rel), IsDir: true}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", types.ErrNotFound, rel)
}

func (f *FakeDriver) Glob(ctx context.Context, project *types.Project, dir, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matches []string
	for p := range f.projectFiles(project.ID) {
		rel := strings.TrimPrefix(p, dir+"/")
		if rel == p {
			continue
		}
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			matches = append(matches, rel)
		}
	}
	sort.Strings(matches)
	return matches, nil
}

func (f *FakeDriver) Grep(ctx context.Context, project *types.Project, dir, pattern, rel string) ([]types.GrepMatch, error) {
	if rel == "" {
		rel = "."
	}
	if _, err := substrate.ResolvePath(dir, rel); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, types.UserErrorf("invalid pattern: %v", err)
	}
	scope := path.Clean(rel)

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.GrepMatch
	for p, data := range f.projectFiles(project.ID) {
		relPath := strings.TrimPrefix(p, dir+"/")
		if relPath == p {
			continue
		}
		if scope != "." && relPath != scope && !strings.HasPrefix(relPath, scope+"/") {
			continue
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				out = append(out, types.GrepMatch{Path: relPath, Line: i + 1, Text: line})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *FakeDriver) Exec(ctx context.Context, project *types.Project, req *types.ExecRequest) (*types.ExecResult, error) {
	if f.ExecFn != nil {
		return f.ExecFn(ctx, project, req)
	}
	return &types.ExecResult{ExitCode: 0}, nil
}

func (f *FakeDriver) OpenTerminal(ctx context.Context, project *types.Project, opts *substrate.TerminalOptions) (substrate.TerminalConn, error) {
	return newLoopbackTerminal(), nil
}

func (f *FakeDriver) ExportWorkspace(ctx context.Context, project *types.Project, exclude []string) (io.ReadCloser, error) {
	f.mu.Lock()
	paths := make([]string, 0, len(f.projectFiles(project.ID)))
	for p := range f.projectFiles(project.ID) {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, p := range paths {
		if substrate.Excluded(p, exclude) {
			continue
		}
		data := f.projectFiles(project.ID)[p]
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     p,
			Size:     int64(len(data)),
			Mode:     0644,
			ModTime:  time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			f.mu.Unlock()
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}
	f.mu.Unlock()
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (f *FakeDriver) ImportWorkspace(ctx context.Context, project *types.Project, r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.projectFiles(project.ID)[strings.TrimPrefix(hdr.Name, "./")] = data
		f.mu.Unlock()
	}
}

// loopbackTerminal echoes writes back to the reader.
type loopbackTerminal struct {
	pr *io.PipeReader
	pw *io.PipeWriter
}

func newLoopbackTerminal() *loopbackTerminal {
	pr, pw := io.Pipe()
	return &loopbackTerminal{pr: pr, pw: pw}
}

func (t *loopbackTerminal) Read(p []byte) (int, error)  { return t.pr.Read(p) }
func (t *loopbackTerminal) Write(p []byte) (int, error) { return t.pw.Write(p) }
func (t *loopbackTerminal) Resize(cols, rows uint16) error {
	return nil
}
func (t *loopbackTerminal) Close() error {
	t.pw.Close()
	return t.pr.Close()
}
