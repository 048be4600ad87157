package substrate

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/tesslate/studio/pkg/types"
)

// ContainerRoot returns the absolute workspace root for a container dir,
// /app/<dir>. An empty dir addresses the workspace root itself.
func ContainerRoot(dir string) string {
	if dir == "" {
		return WorkspaceMount
	}
	return WorkspaceMount + "/" + dir
}

// ResolvePath joins a workspace-relative path onto the container root for
// dir and verifies it stays inside after lexical cleaning. Absolute paths,
// traversal out of the root and empty paths are rejected.
//
// The returned path is absolute with forward slashes, suitable for both
// substrates. Callers on the local engine map it onto the host bind mount
// separately.
func ResolvePath(dir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", types.ErrPathEscape)
	}
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: path contains NUL", types.ErrPathEscape)
	}
	if path.IsAbs(rel) || strings.HasPrefix(rel, `\`) {
		return "", fmt.Errorf("%w: absolute path %q", types.ErrPathEscape, rel)
	}

	cleaned := path.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q resolves outside the workspace", types.ErrPathEscape, rel)
	}

	root := ContainerRoot(dir)
	if cleaned == "." {
		return root, nil
	}

	resolved := root + "/" + cleaned
	if !isUnderPath(resolved, root) {
		return "", fmt.Errorf("%w: %q resolves outside the workspace", types.ErrPathEscape, rel)
	}
	return resolved, nil
}

// RelativePath converts an absolute in-container path back to its
// workspace-relative form, or fails when it lies outside the root for dir.
func RelativePath(dir, abs string) (string, error) {
	root := ContainerRoot(dir)
	if abs == root {
		return ".", nil
	}
	if !isUnderPath(abs, root) {
		return "", fmt.Errorf("%w: %q is outside %s", types.ErrPathEscape, abs, root)
	}
	return strings.TrimPrefix(abs, root+"/"), nil
}

// isUnderPath checks whether p equals base or sits beneath it.
func isUnderPath(p, base string) bool {
	base = strings.TrimSuffix(base, "/")
	return p == base || strings.HasPrefix(p, base+"/")
}

// EscapePath percent-encodes a workspace-relative path for embedding in a
// URL path segment, keeping slashes between components.
func EscapePath(rel string) string {
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
