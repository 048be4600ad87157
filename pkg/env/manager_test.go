package env

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tesslate/studio/pkg/archive"
	"github.com/tesslate/studio/pkg/graph"
	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/substrate/substratetest"
	"github.com/tesslate/studio/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *substratetest.FakeDriver, *storage.BoltStore) {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	objects, err := archive.NewLocalStore(filepath.Join(dir, "archives"))
	require.NoError(t, err)

	driver := substratetest.NewFakeDriver()
	mgr := NewManager(
		store,
		driver,
		graph.NewManager(store, driver, nil),
		archive.NewArchiver(objects),
		NewCatalog("", filepath.Join(dir, "templates")),
		[]string{"node_modules", ".git"},
	)
	return mgr, driver, store
}

func createProject(t *testing.T, mgr *Manager) *types.Project {
	t.Helper()
	project, err := mgr.Create(context.Background(), "owner-1", "My App", "vite-react")
	require.NoError(t, err)
	return project
}

func TestCreateGeneratesUniqueSlugs(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	first, err := mgr.Create(context.Background(), "owner-1", "My App", "vite-react")
	require.NoError(t, err)
	assert.Equal(t, "my-app", first.Slug)
	assert.Equal(t, types.EnvStateCreated, first.State)

	second, err := mgr.Create(context.Background(), "owner-2", "My App", "static")
	require.NoError(t, err)
	assert.Equal(t, "my-app-2", second.Slug)
}

func TestCreateRejectsUnknownTemplate(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.Create(context.Background(), "owner-1", "My App", "rails")
	require.Error(t, err)
	assert.Equal(t, types.ErrClassUser, types.Classify(err))
}

func TestEnsureProvisionsCreatedProject(t *testing.T) {
	mgr, driver, store := newTestManager(t)
	project := createProject(t, mgr)

	got, err := mgr.Ensure(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnvStateActive, got.State)
	assert.True(t, driver.HasSpace(project.ID))
	assert.Contains(t, driver.MaterializedTemplate(project.ID), "vite-react")

	nodes, err := store.ListContainerNodes(project.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "app", nodes[0].Dir)
	assert.Equal(t, types.DesiredStopped, nodes[0].Desired)
	assert.True(t, nodes[0].FilesReady)
	assert.GreaterOrEqual(t, nodes[0].HostPort, 30000)
}

func TestEnsureActiveIsIdempotent(t *testing.T) {
	mgr, _, store := newTestManager(t)
	project := createProject(t, mgr)

	_, err := mgr.Ensure(context.Background(), project.ID)
	require.NoError(t, err)
	_, err = mgr.Ensure(context.Background(), project.ID)
	require.NoError(t, err)

	nodes, err := store.ListContainerNodes(project.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestEnsureConcurrentCallersShareOneSpace(t *testing.T) {
	mgr, driver, store := newTestManager(t)
	project := createProject(t, mgr)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			got, err := mgr.Ensure(context.Background(), project.ID)
			if err != nil {
				return err
			}
			if got.State != types.EnvStateActive {
				return fmt.Errorf("observed state %s", got.State)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.True(t, driver.HasSpace(project.ID))
	nodes, err := store.ListContainerNodes(project.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 1, "race losers must not seed a second default container")
}

func TestHibernateRestoreRoundTrip(t *testing.T) {
	mgr, driver, store := newTestManager(t)
	project := createProject(t, mgr)
	ctx := context.Background()

	_, err := mgr.Ensure(ctx, project.ID)
	require.NoError(t, err)
	driver.SeedFile(project.ID, "app", "src/main.jsx", []byte("render()"))
	driver.SeedFile(project.ID, "app", "node_modules/react/index.js", []byte("bulk"))

	require.NoError(t, mgr.Hibernate(ctx, project.ID))

	hibernated, err := store.GetProject(project.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnvStateHibernated, hibernated.State)
	assert.Equal(t, archive.Key(project), hibernated.ArchiveKey)
	assert.False(t, driver.HasSpace(project.ID))

	exists, err := mgr.archiver.Exists(ctx, project)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, mgr.Restore(ctx, project.ID))

	restored, err := store.GetProject(project.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnvStateActive, restored.State)

	content, ok := driver.FileContent(project.ID, "app", "src/main.jsx")
	require.True(t, ok)
	assert.Equal(t, "render()", string(content))

	// Excluded paths do not survive the round trip.
	_, ok = driver.FileContent(project.ID, "app", "node_modules/react/index.js")
	assert.False(t, ok)

	// Restore never autostarts containers.
	assert.Empty(t, driver.RunningDirs(project.ID))
}

func TestHibernateIdempotent(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	project := createProject(t, mgr)
	ctx := context.Background()

	_, err := mgr.Ensure(ctx, project.ID)
	require.NoError(t, err)
	require.NoError(t, mgr.Hibernate(ctx, project.ID))
	require.NoError(t, mgr.Hibernate(ctx, project.ID))
}

func TestHibernateRejectsNonActive(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	project := createProject(t, mgr)

	err := mgr.Hibernate(context.Background(), project.ID)
	require.Error(t, err)
	assert.Equal(t, types.ErrClassUser, types.Classify(err))
}

// A crash between archive upload and space teardown leaves the row at
// hibernating with the archive already written. Resume must not
// re-export the half-destroyed workspace over the good archive.
func TestEnsureResumesInterruptedHibernate(t *testing.T) {
	mgr, driver, store := newTestManager(t)
	project := createProject(t, mgr)
	ctx := context.Background()

	_, err := mgr.Ensure(ctx, project.ID)
	require.NoError(t, err)
	driver.SeedFile(project.ID, "app", "src/main.jsx", []byte("render()"))
	require.NoError(t, mgr.Hibernate(ctx, project.ID))

	// Rewind the row to mid-hibernate. The workspace is already gone,
	// so a re-export here would wipe the good archive.
	row, err := store.GetProject(project.ID)
	require.NoError(t, err)
	row.State = types.EnvStateHibernating
	row.StateStage = "hibernate:archived"
	require.NoError(t, store.UpdateProject(row))

	got, err := mgr.Ensure(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnvStateActive, got.State)

	content, ok := driver.FileContent(project.ID, "app", "src/main.jsx")
	require.True(t, ok)
	assert.Equal(t, "render()", string(content))
}

func TestEnsureRetriesFailedRestore(t *testing.T) {
	mgr, driver, store := newTestManager(t)
	project := createProject(t, mgr)
	ctx := context.Background()

	_, err := mgr.Ensure(ctx, project.ID)
	require.NoError(t, err)
	driver.SeedFile(project.ID, "app", "src/main.jsx", []byte("render()"))
	require.NoError(t, mgr.Hibernate(ctx, project.ID))

	// Break the restore by removing the archive.
	require.NoError(t, mgr.archiver.Delete(ctx, project))

	_, err = mgr.Ensure(ctx, project.ID)
	require.Error(t, err)

	row, err := store.GetProject(project.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnvStateError, row.State)
	assert.Equal(t, "restore:space", row.StateStage)
	assert.NotEmpty(t, row.Error)

	// Put a replacement archive in place; the next ensure resumes.
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     "app/src/main.jsx",
		Size:     int64(len("recovered")),
		Mode:     0644,
		ModTime:  time.Now(),
	}))
	_, err = tw.Write([]byte("recovered"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, mgr.archiver.Save(ctx, project, &buf))

	got, err := mgr.Ensure(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EnvStateActive, got.State)

	content, ok := driver.FileContent(project.ID, "app", "src/main.jsx")
	require.True(t, ok)
	assert.Equal(t, "recovered", string(content))
}

func TestDeleteRemovesEverything(t *testing.T) {
	mgr, driver, store := newTestManager(t)
	project := createProject(t, mgr)
	ctx := context.Background()

	_, err := mgr.Ensure(ctx, project.ID)
	require.NoError(t, err)
	driver.SeedFile(project.ID, "app", "src/main.jsx", []byte("render()"))
	require.NoError(t, mgr.Hibernate(ctx, project.ID))
	require.NoError(t, mgr.Restore(ctx, project.ID))

	require.NoError(t, mgr.Delete(ctx, project.ID))

	_, err = store.GetProject(project.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.False(t, driver.HasSpace(project.ID))

	exists, err := mgr.archiver.Exists(ctx, project)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAllocateHostPortSkipsClaimed(t *testing.T) {
	mgr, _, store := newTestManager(t)
	project := createProject(t, mgr)

	_, err := mgr.Ensure(context.Background(), project.ID)
	require.NoError(t, err)

	nodes, err := store.ListContainerNodes(project.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, 30000, nodes[0].HostPort)

	port, err := mgr.AllocateHostPort()
	require.NoError(t, err)
	assert.Equal(t, 30001, port)
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My App", "my-app"},
		{"  Landing Page!! ", "landing-page"},
		{"---", "project"},
		{"Café Site", "caf-site"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slugify(tt.in), "input %q", tt.in)
	}
}
