package substrate

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExcludes are the trees omitted from workspace archives unless the
// operator overrides them. They are recreatable from manifests and
// dominate workspace size.
var DefaultExcludes = []string{"node_modules", ".git", "__pycache__"}

// Excluded reports whether a workspace-relative path matches any exclude
// pattern. A bare name (no slash, no glob meta) matches that name as any
// path segment; anything else is matched as a glob against the full
// relative path.
func Excluded(rel string, patterns []string) bool {
	segments := strings.Split(rel, "/")
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		if !strings.ContainsAny(pat, "/*?[{") {
			for _, seg := range segments {
				if seg == pat {
					return true
				}
			}
			continue
		}
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}
