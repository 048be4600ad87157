package localengine

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

// ExportWorkspace streams the project workspace as a tar archive, applying
// the exclude patterns as it walks.
func (d *Driver) ExportWorkspace(ctx context.Context, project *types.Project, exclude []string) (io.ReadCloser, error) {
	root := d.projectRoot(project)
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: project space missing", types.ErrNotFound)
		}
		return nil, err
	}
	return substrate.TarTree(ctx, root, exclude), nil
}

// ImportWorkspace unpacks a tar archive into the workspace root. Every
// entry name and symlink target is contained before anything touches
// disk.
func (d *Driver) ImportWorkspace(ctx context.Context, project *types.Project, r io.Reader) error {
	if err := d.EnsureProjectSpace(ctx, project); err != nil {
		return err
	}
	root := d.projectRoot(project)

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if name == "." || name == "" {
			continue
		}
		host, err := hostEntryPath(root, name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(host, entryMode(hdr, 0o755)); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %w", name, err)
			}
			if err := extractFile(host, entryMode(hdr, 0o644), tr); err != nil {
				return fmt.Errorf("failed to extract %s: %w", name, err)
			}
		case tar.TypeSymlink:
			if err := validateLink(name, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %w", name, err)
			}
			_ = os.Remove(host)
			if err := os.Symlink(hdr.Linkname, host); err != nil {
				return fmt.Errorf("failed to link %s: %w", name, err)
			}
		default:
			log.WithProject(project.Slug).Debug().
				Str("entry", name).
				Msg("Skipping unsupported archive entry type")
		}
	}
}

// hostEntryPath contains an archive entry name and maps it onto the host.
func hostEntryPath(root, name string) (string, error) {
	abs, err := substrate.ResolvePath("", name)
	if err != nil {
		return "", err
	}
	inside := strings.TrimPrefix(abs, substrate.WorkspaceMount+"/")
	return filepath.Join(root, filepath.FromSlash(inside)), nil
}

// validateLink rejects symlink targets that leave the workspace.
func validateLink(name, target string) error {
	if path.IsAbs(target) {
		return fmt.Errorf("%w: absolute symlink %s -> %s", types.ErrPathEscape, name, target)
	}
	joined := path.Join(path.Dir(name), target)
	if _, err := substrate.ResolvePath("", joined); err != nil {
		return fmt.Errorf("%w: symlink %s -> %s", types.ErrPathEscape, name, target)
	}
	return nil
}

func extractFile(host string, mode os.FileMode, r io.Reader) error {
	f, err := os.OpenFile(host, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func entryMode(hdr *tar.Header, fallback os.FileMode) os.FileMode {
	mode := hdr.FileInfo().Mode().Perm()
	if mode == 0 {
		return fallback
	}
	return mode
}

// MaterializeTemplate copies a starter template into an empty workspace.
// A workspace that already has content is left alone.
func (d *Driver) MaterializeTemplate(ctx context.Context, project *types.Project, templateDir string) error {
	if err := d.EnsureProjectSpace(ctx, project); err != nil {
		return err
	}
	root := d.projectRoot(project)

	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to inspect workspace: %w", err)
	}
	if len(entries) > 0 {
		return nil
	}

	if err := copyTree(templateDir, root); err != nil {
		return fmt.Errorf("failed to materialize template: %w", err)
	}
	log.WithProject(project.Slug).Info().Str("template", filepath.Base(templateDir)).Msg("Template materialized")
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if rel == "." {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		switch {
		case entry.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case entry.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case entry.Type().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
