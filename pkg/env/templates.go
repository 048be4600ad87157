package env

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tesslate/studio/pkg/types"
)

//go:embed all:templates
var templateFS embed.FS

// Template describes one starter: its name and the container node a
// fresh project boots with. Template files live in the embedded tree
// (or under an operator-provided template dir) with the node's dir as
// the top-level directory.
type Template struct {
	Name        string
	Description string
	Node        types.ContainerNode
}

// builtins is the shipped starter set. Commands read PORT so one
// command works on both substrates.
var builtins = map[string]Template{
	"vite-react": {
		Name:        "vite-react",
		Description: "React SPA with the Vite dev server",
		Node: types.ContainerNode{
			Dir:     "app",
			Image:   "docker.io/library/node:20-alpine",
			Command: []string{"/bin/sh", "-c", "npm install && npm run dev"},
			Port:    5173,
		},
	},
	"next": {
		Name:        "next",
		Description: "Next.js app-router project",
		Node: types.ContainerNode{
			Dir:     "app",
			Image:   "docker.io/library/node:20-alpine",
			Command: []string{"/bin/sh", "-c", "npm install && npm run dev"},
			Port:    3000,
		},
	},
	"fastapi": {
		Name:        "fastapi",
		Description: "FastAPI service with uvicorn reload",
		Node: types.ContainerNode{
			Dir:     "app",
			Image:   "docker.io/library/python:3.12-alpine",
			Command: []string{"/bin/sh", "-c", "pip install -r requirements.txt && uvicorn main:app --host 0.0.0.0 --port ${PORT:-8000} --reload"},
			Port:    8000,
		},
	},
	"static": {
		Name:        "static",
		Description: "Plain static files served by busybox httpd",
		Node: types.ContainerNode{
			Dir:     "app",
			Image:   "docker.io/library/busybox:1.36",
			Command: []string{"/bin/sh", "-c", "httpd -f -p ${PORT:-8080} -h ."},
			Port:    8080,
		},
	},
}

// Catalog resolves template names to materializable host directories.
// Embedded templates extract to <dataDir>/templates on first use; an
// operator template dir takes precedence when set.
type Catalog struct {
	templateDir string // operator override, may be empty
	extractDir  string

	mu        sync.Mutex
	extracted map[string]string
}

// NewCatalog creates a catalog. dataDir hosts extracted built-ins.
func NewCatalog(templateDir, dataDir string) *Catalog {
	return &Catalog{
		templateDir: templateDir,
		extractDir:  filepath.Join(dataDir, "templates"),
		extracted:   make(map[string]string),
	}
}

// List returns the available templates sorted by name.
func (c *Catalog) List() []Template {
	out := make([]Template, 0, len(builtins))
	for _, t := range builtins {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a template by name.
func (c *Catalog) Get(name string) (*Template, error) {
	t, ok := builtins[name]
	if !ok {
		return nil, types.UserErrorf("unknown template %q", name)
	}
	return &t, nil
}

// Dir returns a host directory holding the template's file tree,
// extracting the embedded copy when no operator dir provides it.
func (c *Catalog) Dir(name string) (string, error) {
	if _, err := c.Get(name); err != nil {
		return "", err
	}

	if c.templateDir != "" {
		dir := filepath.Join(c.templateDir, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if dir, ok := c.extracted[name]; ok {
		return dir, nil
	}

	dir := filepath.Join(c.extractDir, name)
	if err := extractTemplate(name, dir); err != nil {
		return "", err
	}
	c.extracted[name] = dir
	return dir, nil
}

func extractTemplate(name, dst string) error {
	src := "templates/" + name
	return fs.WalkDir(templateFS, src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to read embedded template %s: %w", name, err)
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := templateFS.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read embedded template file %s: %w", p, err)
		}
		return os.WriteFile(target, data, 0644)
	})
}
