// Package archive moves project workspaces between a substrate and an
// object store for hibernation. Workspaces travel as tar streams at the
// substrate boundary and rest as zip archives in the store.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/types"
)

// Archiver zips workspace exports into the object store and streams
// them back out for restore.
type Archiver struct {
	store ObjectStore
}

// NewArchiver creates an archiver over the given store.
func NewArchiver(store ObjectStore) *Archiver {
	return &Archiver{store: store}
}

// Key returns the object key a project's archive lives under. Only the
// latest archive is kept.
func Key(p *types.Project) string {
	return fmt.Sprintf("projects/%s/%s/latest.zip", p.OwnerID, p.ID)
}

// stagingKey returns a fresh upload key next to the project's archive.
func stagingKey(p *types.Project) string {
	return fmt.Sprintf("projects/%s/%s/upload-%s.zip", p.OwnerID, p.ID, uuid.New().String())
}

// Save transcodes a workspace tar stream into a zip, uploads it under a
// staging key and promotes it over the previous archive, so a failed
// upload never clobbers the last good one. The zip is spooled to a temp
// file so the upload runs with a known size.
func (a *Archiver) Save(ctx context.Context, project *types.Project, tarStream io.Reader) error {
	spool, err := os.CreateTemp("", "studio-archive-*.zip")
	if err != nil {
		return fmt.Errorf("failed to create archive spool: %w", err)
	}
	defer os.Remove(spool.Name())
	defer spool.Close()

	if err := zipFromTar(spool, tarStream); err != nil {
		return fmt.Errorf("failed to build archive: %w", err)
	}

	size, err := spool.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to size archive: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind archive: %w", err)
	}

	staging := stagingKey(project)
	if err := a.store.Put(ctx, staging, spool, size); err != nil {
		return err
	}
	if err := a.store.Promote(ctx, staging, Key(project)); err != nil {
		if derr := a.store.Delete(ctx, staging); derr != nil {
			logger := log.WithProject(project.Slug)
			logger.Warn().Err(derr).Msg("Orphaned staging archive left behind")
		}
		return err
	}
	logger := log.WithProject(project.Slug)
	logger.Info().
		Int64("bytes", size).
		Msg("Workspace archived")
	return nil
}

// Load fetches a project's archive and returns it as a tar stream ready
// for a substrate import. The caller must close the reader.
func (a *Archiver) Load(ctx context.Context, project *types.Project) (io.ReadCloser, error) {
	obj, err := a.store.Get(ctx, Key(project))
	if err != nil {
		return nil, err
	}

	// zip needs random access; spool the object to disk first.
	spool, err := os.CreateTemp("", "studio-restore-*.zip")
	if err != nil {
		obj.Close()
		return nil, fmt.Errorf("failed to create restore spool: %w", err)
	}
	size, err := io.Copy(spool, obj)
	obj.Close()
	if err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, fmt.Errorf("failed to download archive: %w", err)
	}

	zr, err := zip.NewReader(spool, size)
	if err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarFromZip(pw, zr))
	}()

	return &spooledStream{PipeReader: pr, spool: spool}, nil
}

// Delete removes a project's archive, tolerating absence.
func (a *Archiver) Delete(ctx context.Context, project *types.Project) error {
	return a.store.Delete(ctx, Key(project))
}

// Exists reports whether the project has an archive to restore from.
func (a *Archiver) Exists(ctx context.Context, project *types.Project) (bool, error) {
	return a.store.Exists(ctx, Key(project))
}

// spooledStream ties the temp spool file's lifetime to the tar stream.
type spooledStream struct {
	*io.PipeReader
	spool *os.File
}

func (s *spooledStream) Close() error {
	err := s.PipeReader.Close()
	s.spool.Close()
	os.Remove(s.spool.Name())
	return err
}
