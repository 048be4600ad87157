// Package fileops is the single entry point for workspace file access.
// The HTTP handlers and the agent tools both go through it, so activity
// tracking, size limits, and latency metrics apply uniformly no matter
// who initiated the operation.
package fileops

import (
	"context"
	"io"
	"regexp"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tesslate/studio/pkg/env"
	"github.com/tesslate/studio/pkg/metrics"
	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

// MaxFileSize bounds single-shot reads and writes. Larger content moves
// through the archive path, never through these primitives.
const MaxFileSize = 10 << 20

// Service wraps a substrate driver's file primitives.
type Service struct {
	driver   substrate.Driver
	activity *env.Tracker
}

// NewService wires the file-ops surface.
func NewService(driver substrate.Driver, activity *env.Tracker) *Service {
	return &Service{driver: driver, activity: activity}
}

func (s *Service) observe(project *types.Project, op string, start time.Time) {
	metrics.SubstrateOpDuration.
		WithLabelValues(string(s.driver.Mode()), op).
		Observe(time.Since(start).Seconds())
	s.activity.Touch(project.ID)
}

// ReadFile returns file content, refusing files over MaxFileSize.
func (s *Service) ReadFile(ctx context.Context, project *types.Project, dir, rel string) ([]byte, error) {
	defer s.observe(project, "read_file", time.Now())

	info, err := s.driver.Stat(ctx, project, dir, rel)
	if err != nil {
		return nil, err
	}
	if info.IsDir {
		return nil, types.UserErrorf("%s is a directory", rel)
	}
	if info.Size > MaxFileSize {
		return nil, types.UserErrorf("%s is %d bytes, larger than the %d byte read limit", rel, info.Size, MaxFileSize)
	}
	return s.driver.ReadFile(ctx, project, dir, rel)
}

// WriteFile stores content, creating parent directories as needed.
func (s *Service) WriteFile(ctx context.Context, project *types.Project, dir, rel string, content []byte) error {
	defer s.observe(project, "write_file", time.Now())

	if len(content) > MaxFileSize {
		return types.UserErrorf("content is %d bytes, larger than the %d byte write limit", len(content), MaxFileSize)
	}
	return s.driver.WriteFile(ctx, project, dir, rel, content)
}

// DeletePath removes a file or directory tree.
func (s *Service) DeletePath(ctx context.Context, project *types.Project, dir, rel string) error {
	defer s.observe(project, "delete_path", time.Now())
	return s.driver.DeletePath(ctx, project, dir, rel)
}

// Rename moves a file or directory within the container dir.
func (s *Service) Rename(ctx context.Context, project *types.Project, dir, oldRel, newRel string) error {
	defer s.observe(project, "rename", time.Now())
	return s.driver.Rename(ctx, project, dir, oldRel, newRel)
}

// ListDir returns the immediate children of a directory, sorted by path.
func (s *Service) ListDir(ctx context.Context, project *types.Project, dir, rel string) ([]types.FileInfo, error) {
	defer s.observe(project, "list_dir", time.Now())
	return s.driver.ListDir(ctx, project, dir, rel)
}

// Stat describes a single workspace entry.
func (s *Service) Stat(ctx context.Context, project *types.Project, dir, rel string) (*types.FileInfo, error) {
	defer s.observe(project, "stat", time.Now())
	return s.driver.Stat(ctx, project, dir, rel)
}

// Glob matches workspace paths against a doublestar pattern.
func (s *Service) Glob(ctx context.Context, project *types.Project, dir, pattern string) ([]string, error) {
	defer s.observe(project, "glob", time.Now())

	if pattern == "" {
		return nil, types.UserErrorf("glob pattern is required")
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, types.UserErrorf("invalid glob pattern %q", pattern)
	}
	return s.driver.Glob(ctx, project, dir, pattern)
}

// Grep searches file content for an extended-regexp pattern. The
// pattern is validated here so both substrates reject the same inputs.
func (s *Service) Grep(ctx context.Context, project *types.Project, dir, pattern, rel string) ([]types.GrepMatch, error) {
	defer s.observe(project, "grep", time.Now())

	if pattern == "" {
		return nil, types.UserErrorf("grep pattern is required")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, types.UserErrorf("invalid grep pattern: %v", err)
	}
	return s.driver.Grep(ctx, project, dir, pattern, rel)
}

// Exec runs a command in the project's dev container, falling back to
// the file-manager when none is running.
func (s *Service) Exec(ctx context.Context, project *types.Project, req *types.ExecRequest) (*types.ExecResult, error) {
	defer s.observe(project, "exec", time.Now())

	if req.Command == "" {
		return nil, types.UserErrorf("command is required")
	}
	return s.driver.Exec(ctx, project, req)
}

// ContainerLogs streams recent logs for one container dir.
func (s *Service) ContainerLogs(ctx context.Context, project *types.Project, dir string, tail int) (io.ReadCloser, error) {
	return s.driver.ContainerLogs(ctx, project, dir, tail)
}
