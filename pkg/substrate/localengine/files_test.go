package localengine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tesslate/studio/pkg/types"
)

func newTestDriver(t *testing.T) (*Driver, *types.Project) {
	t.Helper()
	d := &Driver{dataDir: t.TempDir(), appDomain: "localhost"}
	project := &types.Project{ID: "p1", Slug: "demo", OwnerID: "u1"}
	if err := d.EnsureProjectSpace(context.Background(), project); err != nil {
		t.Fatalf("EnsureProjectSpace() error = %v", err)
	}
	return d, project
}

func TestWriteAndReadFile(t *testing.T) {
	d, project := newTestDriver(t)
	ctx := context.Background()

	content := []byte("export default function App() {}\n")
	if err := d.WriteFile(ctx, project, "web", "src/App.tsx", content); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	got, err := d.ReadFile(ctx, project, "web", "src/App.tsx")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("ReadFile() = %q, want %q", got, content)
	}
}

func TestReadFileNotFound(t *testing.T) {
	d, project := newTestDriver(t)

	_, err := d.ReadFile(context.Background(), project, "web", "missing.ts")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("ReadFile() error = %v, want ErrNotFound", err)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	d, project := newTestDriver(t)
	ctx := context.Background()

	_, err := d.ReadFile(ctx, project, "web", "../../../etc/passwd")
	if !errors.Is(err, types.ErrPathEscape) {
		t.Fatalf("ReadFile() error = %v, want ErrPathEscape", err)
	}

	err = d.WriteFile(ctx, project, "web", "/etc/cron.d/evil", []byte("x"))
	if !errors.Is(err, types.ErrPathEscape) {
		t.Fatalf("WriteFile() error = %v, want ErrPathEscape", err)
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	d, project := newTestDriver(t)
	ctx := context.Background()

	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("top secret"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	webDir := filepath.Join(d.projectRoot(project), "web")
	if err := os.MkdirAll(webDir, 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(webDir, "evil")); err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, err := d.ReadFile(ctx, project, "web", "evil/secret.txt")
	if !errors.Is(err, types.ErrPathEscape) {
		t.Fatalf("ReadFile() through symlink error = %v, want ErrPathEscape", err)
	}
}

func TestInternalSymlinkAllowed(t *testing.T) {
	d, project := newTestDriver(t)
	ctx := context.Background()

	if err := d.WriteFile(ctx, project, "web", "real.txt", []byte("linked")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	webDir := filepath.Join(d.projectRoot(project), "web")
	if err := os.Symlink(filepath.Join(webDir, "real.txt"), filepath.Join(webDir, "alias.txt")); err != nil {
		t.Fatalf("setup: %v", err)
	}

	got, err := d.ReadFile(ctx, project, "web", "alias.txt")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "linked" {
		t.Errorf("ReadFile() = %q, want %q", got, "linked")
	}
}

func TestDeletePath(t *testing.T) {
	d, project := newTestDriver(t)
	ctx := context.Background()

	if err := d.WriteFile(ctx, project, "web", "tmp/scratch.txt", []byte("x")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := d.DeletePath(ctx, project, "web", "tmp"); err != nil {
		t.Fatalf("DeletePath() error = %v", err)
	}
	if _, err := d.ReadFile(ctx, project, "web", "tmp/scratch.txt"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("ReadFile() after delete error = %v, want ErrNotFound", err)
	}

	if err := d.DeletePath(ctx, project, "web", "."); err == nil {
		t.Error("DeletePath(\".\") succeeded, want refusal")
	}
}

func TestRename(t *testing.T) {
	d, project := newTestDriver(t)
	ctx := context.Background()

	if err := d.WriteFile(ctx, project, "web", "old.ts", []byte("move me")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := d.Rename(ctx, project, "web", "old.ts", "src/new.ts"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}

	got, err := d.ReadFile(ctx, project, "web", "src/new.ts")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "move me" {
		t.Errorf("ReadFile() = %q, want %q", got, "move me")
	}
	if _, err := d.ReadFile(ctx, project, "web", "old.ts"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("old path still readable after rename")
	}
}

func TestListDir(t *testing.T) {
	d, project := newTestDriver(t)
	ctx := context.Background()

	for _, f := range []string{"src/b.ts", "src/a.ts", "src/lib/util.ts"} {
		if err := d.WriteFile(ctx, project, "web", f, []byte("x")); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", f, err)
		}
	}

	infos, err := d.ListDir(ctx, project, "web", "src")
	if err != nil {
		t.Fatalf("ListDir() error = %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("ListDir() returned %d entries, want 3", len(infos))
	}
	if infos[0].Name != "a.ts" || infos[1].Name != "b.ts" || infos[2].Name != "lib" {
		t.Errorf("ListDir() order = %s, %s, %s", infos[0].Name, infos[1].Name, infos[2].Name)
	}
	if infos[0].Path != "src/a.ts" {
		t.Errorf("ListDir() path = %q, want %q", infos[0].Path, "src/a.ts")
	}
	if !infos[2].IsDir {
		t.Error("lib should be reported as a directory")
	}
}

func TestStat(t *testing.T) {
	d, project := newTestDriver(t)
	ctx := context.Background()

	if err := d.WriteFile(ctx, project, "web", "package.json", []byte(`{"name":"web"}`)); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	info, err := d.Stat(ctx, project, "web", "package.json")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Name != "package.json" || info.IsDir || info.Size != int64(len(`{"name":"web"}`)) {
		t.Errorf("Stat() = %+v", info)
	}
}

func TestGlob(t *testing.T) {
	d, project := newTestDriver(t)
	ctx := context.Background()

	files := []string{"src/App.tsx", "src/lib/api.ts", "src/lib/deep/helper.ts", "README.md"}
	for _, f := range files {
		if err := d.WriteFile(ctx, project, "web", f, []byte("x")); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", f, err)
		}
	}

	matches, err := d.Glob(ctx, project, "web", "src/**/*.ts")
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	want := []string{"src/lib/api.ts", "src/lib/deep/helper.ts"}
	if len(matches) != len(want) {
		t.Fatalf("Glob() = %v, want %v", matches, want)
	}
	for i := range want {
		if matches[i] != want[i] {
			t.Errorf("Glob()[%d] = %q, want %q", i, matches[i], want[i])
		}
	}

	if _, err := d.Glob(ctx, project, "web", "[bad"); err == nil {
		t.Error("Glob() with invalid pattern succeeded, want error")
	}
}

func TestGrep(t *testing.T) {
	d, project := newTestDriver(t)
	ctx := context.Background()

	if err := d.WriteFile(ctx, project, "web", "src/a.ts", []byte("const port = 3000\nconst host = \"web\"\n")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := d.WriteFile(ctx, project, "web", "src/b.ts", []byte("listen(port)\n")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := d.WriteFile(ctx, project, "web", "bin.dat", []byte{0x00, 0x01, 0x70, 0x6f, 0x72, 0x74}); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := d.WriteFile(ctx, project, "web", "node_modules/dep/index.js", []byte("port\n")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	matches, err := d.Grep(ctx, project, "web", `\bport\b`, "")
	if err != nil {
		t.Fatalf("Grep() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Grep() returned %d matches, want 2: %+v", len(matches), matches)
	}
	if matches[0].Path != "src/a.ts" || matches[0].Line != 1 {
		t.Errorf("Grep()[0] = %+v", matches[0])
	}

	if _, err := d.Grep(ctx, project, "web", "(unclosed", ""); err == nil {
		t.Error("Grep() with invalid pattern succeeded, want error")
	}
}
