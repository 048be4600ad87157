package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/types"
)

func TestSplitHost(t *testing.T) {
	rt := &router{domain: "studio.local"}

	tests := []struct {
		host     string
		wantDir  string
		wantSlug string
		wantOK   bool
	}{
		{"app.demo.studio.local", "app", "demo", true},
		{"app.demo.studio.local:80", "app", "demo", true},
		{"API.Demo.Studio.Local", "api", "demo", true},
		{"studio.local", "", "", false},
		{"demo.studio.local", "", "", false},           // One label short
		{"a.b.c.studio.local", "", "", false},          // One label long
		{"app.demo.other.domain", "", "", false},       // Wrong zone
		{"app.demo.notstudio.local", "", "", false},    // Suffix substring trap
		{".demo.studio.local", "", "", false},          // Empty dir label
		{"app..studio.local", "", "", false},           // Empty slug label
	}

	for _, tt := range tests {
		dir, slug, ok := rt.splitHost(tt.host)
		assert.Equal(t, tt.wantOK, ok, tt.host)
		if tt.wantOK {
			assert.Equal(t, tt.wantDir, dir, tt.host)
			assert.Equal(t, tt.wantSlug, slug, tt.host)
		}
	}
}

func newRouterStore(t *testing.T) (storage.Store, *types.Project) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	project := &types.Project{
		ID:      "p1",
		OwnerID: "o1",
		Slug:    "demo",
		Name:    "Demo",
		State:   types.EnvStateActive,
	}
	require.NoError(t, store.CreateProject(project))
	return store, project
}

func TestResolvePublishedPort(t *testing.T) {
	store, project := newRouterStore(t)
	require.NoError(t, store.CreateContainerNode(&types.ContainerNode{
		ID:        "n1",
		ProjectID: project.ID,
		Dir:       "app",
		Image:     "node:20",
		Port:      5173,
		HostPort:  34211,
		Desired:   types.DesiredRunning,
	}))

	rt := &router{store: store, domain: "studio.local"}

	target, err := rt.resolve("app.demo.studio.local:80")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:34211", target.addr)
	assert.Equal(t, "app", target.dir)
	assert.Equal(t, "Demo", target.project.Name)
}

func TestResolveUnpublishedPortHasNoAddr(t *testing.T) {
	store, project := newRouterStore(t)
	require.NoError(t, store.CreateContainerNode(&types.ContainerNode{
		ID:        "n1",
		ProjectID: project.ID,
		Dir:       "worker",
		Image:     "node:20",
	}))

	rt := &router{store: store, domain: "studio.local"}

	target, err := rt.resolve("worker.demo.studio.local")
	require.NoError(t, err)
	assert.Empty(t, target.addr)
}

func TestResolveUnknownNamesAreNotFound(t *testing.T) {
	store, _ := newRouterStore(t)
	rt := &router{store: store, domain: "studio.local"}

	_, err := rt.resolve("app.ghost.studio.local")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = rt.resolve("missing.demo.studio.local")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = rt.resolve("www.example.com")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
