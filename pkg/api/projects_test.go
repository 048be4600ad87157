package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tesslate/studio/pkg/types"
)

func TestCreateProject(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, http.MethodPost, "/api/projects", map[string]string{
		"name":     "My App",
		"template": "vite-react",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created createProjectResponse
	decodeBody(t, resp, &created)

	assert.Equal(t, "my-app", created.Project.Slug)
	assert.Equal(t, "dev", created.Project.OwnerID)
	assert.Equal(t, string(types.EnvStateCreated), created.Project.State)
	require.NotNil(t, created.Task)
	assert.Equal(t, string(types.TaskKindEnsure), created.Task.Kind)

	// The ensure task provisions asynchronously.
	require.Eventually(t, func() bool {
		p, err := h.store.GetProject(created.Project.ID)
		return err == nil && p.State == types.EnvStateActive
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, h.driver.HasSpace(created.Project.ID))
}

func TestCreateProjectValidation(t *testing.T) {
	h := newHarness(t)

	resp := h.request(t, http.MethodPost, "/api/projects", map[string]string{"template": "vite-react"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/api/projects", map[string]string{"name": "x", "template": "rails"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.request(t, http.MethodPost, "/api/projects", map[string]string{"nope": "field"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetProjectBySlugOrID(t *testing.T) {
	h := newHarness(t)
	project := h.createProject(t, "My App")

	resp := h.request(t, http.MethodGet, "/api/projects/my-app", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got projectResponse
	decodeBody(t, resp, &got)
	assert.Equal(t, project.ID, got.ID)

	resp = h.request(t, http.MethodGet, "/api/projects/"+project.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &got)
	assert.Equal(t, "my-app", got.Slug)

	resp = h.request(t, http.MethodGet, "/api/projects/ghost", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListProjects(t *testing.T) {
	h := newHarness(t)
	h.createProject(t, "First")
	h.createProject(t, "Second")

	resp := h.request(t, http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var projects []projectResponse
	decodeBody(t, resp, &projects)
	assert.Len(t, projects, 2)
}

func TestDeleteProject(t *testing.T) {
	h := newHarness(t)
	project := h.createProject(t, "Doomed")

	resp := h.request(t, http.MethodDelete, "/api/projects/doomed", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = h.request(t, http.MethodGet, "/api/projects/doomed", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, h.driver.HasSpace(project.ID))
}

func TestStartAndStopDevContainers(t *testing.T) {
	h := newHarness(t)
	project := h.createProject(t, "My App")

	resp := h.request(t, http.MethodPost, "/api/projects/my-app/start-dev-container", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var task taskResponse
	decodeBody(t, resp, &task)
	assert.Equal(t, string(types.TaskKindGraphStart), task.Kind)

	require.Eventually(t, func() bool {
		return len(h.driver.RunningDirs(project.ID)) > 0
	}, 5*time.Second, 20*time.Millisecond)

	resp = h.request(t, http.MethodPost, "/api/projects/my-app/stop-dev-container", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, h.driver.RunningDirs(project.ID))
}

func TestHibernateAndRestore(t *testing.T) {
	h := newHarness(t)
	project := h.createProject(t, "My App")
	h.driver.SeedFile(project.ID, "app", "src/main.jsx", []byte("export default 1\n"))

	resp := h.request(t, http.MethodPost, "/api/projects/my-app/hibernate", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var task taskResponse
	decodeBody(t, resp, &task)
	assert.Equal(t, string(types.TaskKindHibernate), task.Kind)

	require.Eventually(t, func() bool {
		p, err := h.store.GetProject(project.ID)
		return err == nil && p.State == types.EnvStateHibernated
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, h.driver.HasSpace(project.ID))

	resp = h.request(t, http.MethodPost, "/api/projects/my-app/restore", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		p, err := h.store.GetProject(project.ID)
		return err == nil && p.State == types.EnvStateActive
	}, 5*time.Second, 20*time.Millisecond)
	content, ok := h.driver.FileContent(project.ID, "app", "src/main.jsx")
	require.True(t, ok, "workspace content should survive the round trip")
	assert.Equal(t, "export default 1\n", string(content))
}
