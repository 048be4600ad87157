package substrate

import (
	"errors"
	"testing"

	"github.com/tesslate/studio/pkg/types"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name    string
		dir     string
		rel     string
		want    string
		wantErr bool
	}{
		{"simple file", "web", "src/index.ts", "/app/web/src/index.ts", false},
		{"dot is the container root", "web", ".", "/app/web", false},
		{"inner dot segments collapse", "web", "src/./lib/../index.ts", "/app/web/src/index.ts", false},
		{"empty dir is the workspace root", "", "README.md", "/app/README.md", false},
		{"dotdot that stays inside", "web", "src/../package.json", "/app/web/package.json", false},
		{"empty path", "web", "", "", true},
		{"bare traversal", "web", "..", "", true},
		{"traversal into sibling", "web", "../api/secrets.env", "", true},
		{"deep traversal", "web", "a/../../../etc/passwd", "", true},
		{"absolute path", "web", "/etc/passwd", "", true},
		{"windows style absolute", "web", `\windows\system32`, "", true},
		{"embedded nul", "web", "a\x00b", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePath(tt.dir, tt.rel)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ResolvePath(%q, %q) = %q, want error", tt.dir, tt.rel, got)
				}
				if !errors.Is(err, types.ErrPathEscape) {
					t.Errorf("ResolvePath(%q, %q) error = %v, want ErrPathEscape", tt.dir, tt.rel, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolvePath(%q, %q) error = %v", tt.dir, tt.rel, err)
			}
			if got != tt.want {
				t.Errorf("ResolvePath(%q, %q) = %q, want %q", tt.dir, tt.rel, got, tt.want)
			}
		})
	}
}

func TestRelativePath(t *testing.T) {
	tests := []struct {
		name    string
		dir     string
		abs     string
		want    string
		wantErr bool
	}{
		{"file under root", "web", "/app/web/src/index.ts", "src/index.ts", false},
		{"root itself", "web", "/app/web", ".", false},
		{"outside the container dir", "web", "/app/api/main.go", "", true},
		{"prefix but not a component", "web", "/app/webby/x", "", true},
		{"entirely outside", "web", "/etc/passwd", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RelativePath(tt.dir, tt.abs)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("RelativePath(%q, %q) = %q, want error", tt.dir, tt.abs, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("RelativePath(%q, %q) error = %v", tt.dir, tt.abs, err)
			}
			if got != tt.want {
				t.Errorf("RelativePath(%q, %q) = %q, want %q", tt.dir, tt.abs, got, tt.want)
			}
		})
	}
}

func TestEscapePath(t *testing.T) {
	tests := []struct {
		rel  string
		want string
	}{
		{"src/index.ts", "src/index.ts"},
		{"my file.txt", "my%20file.txt"},
		{"a/b?c/d", "a/b%3Fc/d"},
	}
	for _, tt := range tests {
		if got := EscapePath(tt.rel); got != tt.want {
			t.Errorf("EscapePath(%q) = %q, want %q", tt.rel, got, tt.want)
		}
	}
}
