package archive

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
)

// maxLinkTarget bounds symlink targets carried through an archive.
const maxLinkTarget = 4096

// zipFromTar transcodes a tar stream into a zip archive. Regular files,
// directories and symlinks survive; device nodes and the like are
// dropped. Symlinks are stored as entries whose body is the target.
func zipFromTar(w io.Writer, r io.Reader) error {
	zw := zip.NewWriter(w)
	tr := tar.NewReader(r)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		name := cleanEntryName(hdr.Name)
		if name == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			zh := &zip.FileHeader{Name: name + "/", Modified: hdr.ModTime}
			zh.SetMode(hdr.FileInfo().Mode())
			if _, err := zw.CreateHeader(zh); err != nil {
				return fmt.Errorf("failed to add directory %s: %w", name, err)
			}

		case tar.TypeSymlink:
			zh := &zip.FileHeader{Name: name, Modified: hdr.ModTime}
			zh.SetMode(fs.ModeSymlink | hdr.FileInfo().Mode().Perm())
			ew, err := zw.CreateHeader(zh)
			if err != nil {
				return fmt.Errorf("failed to add symlink %s: %w", name, err)
			}
			if _, err := io.WriteString(ew, hdr.Linkname); err != nil {
				return fmt.Errorf("failed to add symlink %s: %w", name, err)
			}

		case tar.TypeReg:
			zh := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: hdr.ModTime}
			zh.SetMode(hdr.FileInfo().Mode())
			ew, err := zw.CreateHeader(zh)
			if err != nil {
				return fmt.Errorf("failed to add %s: %w", name, err)
			}
			if _, err := io.Copy(ew, tr); err != nil {
				return fmt.Errorf("failed to add %s: %w", name, err)
			}
		}
	}

	return zw.Close()
}

// tarFromZip transcodes a zip archive into a tar stream, the inverse of
// zipFromTar.
func tarFromZip(w io.Writer, zr *zip.Reader) error {
	tw := tar.NewWriter(w)

	for _, f := range zr.File {
		name := cleanEntryName(f.Name)
		if name == "" {
			continue
		}
		mode := f.Mode()

		switch {
		case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     int64(mode.Perm()),
				ModTime:  f.Modified,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("failed to write directory %s: %w", name, err)
			}

		case mode&fs.ModeSymlink != 0:
			target, err := readLinkTarget(f)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", name, err)
			}
			hdr := &tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     name,
				Linkname: target,
				Mode:     int64(mode.Perm()),
				ModTime:  f.Modified,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("failed to write symlink %s: %w", name, err)
			}

		case mode.IsRegular():
			hdr := &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Size:     int64(f.UncompressedSize64),
				Mode:     int64(mode.Perm()),
				ModTime:  f.Modified,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("failed to write %s: %w", name, err)
			}
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", name, err)
			}
			if _, err := io.Copy(tw, rc); err != nil {
				rc.Close()
				return fmt.Errorf("failed to write %s: %w", name, err)
			}
			rc.Close()
		}
	}

	return tw.Close()
}

func readLinkTarget(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxLinkTarget))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// cleanEntryName normalizes an archive member name to a clean relative
// path. Absolute and escaping names collapse to "" and are skipped.
func cleanEntryName(name string) string {
	name = path.Clean(strings.TrimPrefix(strings.ReplaceAll(name, `\`, "/"), "/"))
	if name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return ""
	}
	return name
}
