// Package env manages project environment lifecycle: ensure, hibernate,
// restore, delete. Transitions persist before side effects begin and
// finalize after they complete, so a crash mid-transition leaves a row
// that the next attempt can resume from.
package env

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tesslate/studio/pkg/archive"
	"github.com/tesslate/studio/pkg/graph"
	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

// Stages record the last completed step of an in-flight transition.
// Hibernate must resume stage-aware: after teardown begins the workspace
// is gone, so re-archiving would destroy the archive.
const (
	stageSpace    = "create:space"
	stageManager  = "create:file-manager"
	stageTemplate = "create:template"

	stageHibernateStopped  = "hibernate:stopped"
	stageHibernateArchived = "hibernate:archived"

	stageRestoreSpace    = "restore:space"
	stageRestoreImported = "restore:imported"
)

// Host ports for local-engine dev servers come from this range.
const (
	hostPortMin = 30000
	hostPortMax = 39999
)

// opTimeout bounds one environment transition. Expiry reads as
// cancellation; the recorded stage lets a retry resume the work.
const opTimeout = 5 * time.Minute

// Manager drives environment transitions over one substrate.
type Manager struct {
	store    storage.Store
	driver   substrate.Driver
	graph    *graph.Manager
	archiver *archive.Archiver
	catalog  *Catalog
	activity *Tracker
	exclude  []string
}

// NewManager wires the environment manager.
func NewManager(store storage.Store, driver substrate.Driver, graphMgr *graph.Manager,
	archiver *archive.Archiver, catalog *Catalog, exclude []string) *Manager {
	return &Manager{
		store:    store,
		driver:   driver,
		graph:    graphMgr,
		archiver: archiver,
		catalog:  catalog,
		activity: NewTracker(store),
		exclude:  exclude,
	}
}

// Activity exposes the tracker for hot paths (file ops, exec, terminal).
func (m *Manager) Activity() *Tracker {
	return m.activity
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a display name into a DNS-safe slug.
func Slugify(name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	if slug == "" {
		slug = "project"
	}
	return slug
}

// Create registers a new project row in state created. The environment
// itself is provisioned by the first Ensure.
func (m *Manager) Create(ctx context.Context, ownerID, name, template string) (*types.Project, error) {
	if name == "" {
		return nil, types.UserErrorf("project name is required")
	}
	if template == "" {
		template = "vite-react"
	}
	if _, err := m.catalog.Get(template); err != nil {
		return nil, err
	}

	now := time.Now()
	project := &types.Project{
		ID:             uuid.New().String(),
		OwnerID:        ownerID,
		Name:           name,
		Template:       template,
		State:          types.EnvStateCreated,
		DeploymentMode: m.driver.Mode(),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}

	base := Slugify(name)
	project.Slug = base
	for i := 2; ; i++ {
		err := m.store.CreateProject(project)
		if err == nil {
			break
		}
		if !errors.Is(err, types.ErrAlreadyExists) || i > 20 {
			return nil, err
		}
		project.Slug = fmt.Sprintf("%s-%d", base, i)
	}

	log.WithProject(project.Slug).Info().
		Str("template", template).
		Str("owner_id", ownerID).
		Msg("Project created")
	return project, nil
}

// Ensure is the single entry point callers use before touching a
// project: it returns once the environment is active, restoring or
// creating it as needed. Serialized per project; concurrent callers
// block and observe the winner's result.
func (m *Manager) Ensure(ctx context.Context, projectID string) (*types.Project, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var out *types.Project
	err := m.store.WithProjectLock(projectID, func() error {
		project, err := m.store.GetProject(projectID)
		if err != nil {
			return err
		}

		switch project.State {
		case types.EnvStateActive:
			// Nothing to do.
		case types.EnvStateCreated:
			err = m.runCreate(ctx, project)
		case types.EnvStateHibernated, types.EnvStateRestoring:
			err = m.runRestore(ctx, project)
		case types.EnvStateHibernating:
			// A crash left hibernation half done. Finish it, then restore.
			if err = m.runHibernate(ctx, project); err == nil {
				err = m.runRestore(ctx, project)
			}
		case types.EnvStateError:
			err = m.retryFromError(ctx, project)
		default:
			err = types.Internalf("project %s in unknown state %q", project.Slug, project.State)
		}
		if err != nil {
			return err
		}

		out = project
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.activity.Touch(projectID)
	return out, nil
}

// retryFromError resumes the transition the stage belongs to.
func (m *Manager) retryFromError(ctx context.Context, project *types.Project) error {
	stage := project.StateStage
	switch {
	case strings.HasPrefix(stage, "hibernate:"):
		if err := m.runHibernate(ctx, project); err != nil {
			return err
		}
		return m.runRestore(ctx, project)
	case strings.HasPrefix(stage, "restore:"):
		return m.runRestore(ctx, project)
	default:
		return m.runCreate(ctx, project)
	}
}

// Hibernate archives the workspace and tears the environment down.
func (m *Manager) Hibernate(ctx context.Context, projectID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return m.store.WithProjectLock(projectID, func() error {
		project, err := m.store.GetProject(projectID)
		if err != nil {
			return err
		}
		switch project.State {
		case types.EnvStateHibernated:
			return nil
		case types.EnvStateActive, types.EnvStateHibernating:
			return m.runHibernate(ctx, project)
		case types.EnvStateError:
			if strings.HasPrefix(project.StateStage, "hibernate:") {
				return m.runHibernate(ctx, project)
			}
			return types.UserErrorf("project %s is in error state %q; ensure it first", project.Slug, project.StateStage)
		default:
			return types.UserErrorf("project %s is %s, not active", project.Slug, project.State)
		}
	})
}

// Restore brings a hibernated project back to active. Containers stay
// stopped until an explicit start.
func (m *Manager) Restore(ctx context.Context, projectID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return m.store.WithProjectLock(projectID, func() error {
		project, err := m.store.GetProject(projectID)
		if err != nil {
			return err
		}
		switch project.State {
		case types.EnvStateActive:
			return nil
		case types.EnvStateHibernated, types.EnvStateRestoring:
			return m.runRestore(ctx, project)
		case types.EnvStateError:
			if strings.HasPrefix(project.StateStage, "restore:") {
				return m.runRestore(ctx, project)
			}
			return types.UserErrorf("project %s is in error state %q; ensure it first", project.Slug, project.StateStage)
		default:
			return types.UserErrorf("project %s is %s, not hibernated", project.Slug, project.State)
		}
	})
}

// Delete tears down the environment, drops the archive, and removes all
// rows. Missing substrate pieces are tolerated.
func (m *Manager) Delete(ctx context.Context, projectID string) error {
	return m.store.WithProjectLock(projectID, func() error {
		project, err := m.store.GetProject(projectID)
		if err != nil {
			return err
		}

		if err := m.graph.StopGraph(ctx, project); err != nil {
			log.WithProject(project.Slug).Warn().Err(err).Msg("Graph stop during delete failed")
		}
		if err := m.driver.DestroyProjectSpace(ctx, project); err != nil {
			log.WithProject(project.Slug).Warn().Err(err).Msg("Space teardown during delete failed")
		}
		if err := m.archiver.Delete(ctx, project); err != nil {
			log.WithProject(project.Slug).Warn().Err(err).Msg("Archive delete failed")
		}

		if err := m.store.DeleteProject(projectID); err != nil {
			return err
		}
		m.activity.Forget(projectID)
		log.WithProject(project.Slug).Info().Msg("Project deleted")
		return nil
	})
}

// runCreate provisions a fresh environment. Every step is idempotent so
// retries after partial failure re-run from the top.
func (m *Manager) runCreate(ctx context.Context, project *types.Project) error {
	logger := log.WithProject(project.Slug)

	if err := m.driver.EnsureProjectSpace(ctx, project); err != nil {
		return m.fail(project, "", err)
	}
	m.setStage(project, stageSpace)

	if err := m.driver.EnsureFileManager(ctx, project); err != nil {
		return m.fail(project, stageSpace, err)
	}
	m.setStage(project, stageManager)

	templateDir, err := m.catalog.Dir(project.Template)
	if err != nil {
		return m.fail(project, stageManager, err)
	}
	if err := m.driver.MaterializeTemplate(ctx, project, templateDir); err != nil {
		return m.fail(project, stageManager, err)
	}
	m.setStage(project, stageTemplate)

	if err := m.ensureDefaultNode(project); err != nil {
		return m.fail(project, stageTemplate, err)
	}

	if err := m.setState(project, types.EnvStateActive, ""); err != nil {
		return err
	}
	logger.Info().Str("template", project.Template).Msg("Environment provisioned")
	return nil
}

// ensureDefaultNode seeds the template's container node on first
// provision. Projects that already define nodes keep them.
func (m *Manager) ensureDefaultNode(project *types.Project) error {
	nodes, err := m.store.ListContainerNodes(project.ID)
	if err != nil {
		return err
	}
	if len(nodes) > 0 {
		return nil
	}

	template, err := m.catalog.Get(project.Template)
	if err != nil {
		return err
	}
	node := template.Node
	node.ID = uuid.New().String()
	node.ProjectID = project.ID
	node.FilesReady = true // Template was materialized in the previous stage
	node.Desired = types.DesiredStopped
	node.CreatedAt = time.Now()
	node.UpdatedAt = node.CreatedAt

	if project.DeploymentMode == types.ModeLocalEngine && node.Port > 0 {
		port, err := m.AllocateHostPort()
		if err != nil {
			return err
		}
		node.HostPort = port
	}
	return m.store.CreateContainerNode(&node)
}

// AllocateHostPort picks a free port from the local-engine range,
// avoiding ports any stored node already claims.
func (m *Manager) AllocateHostPort() (int, error) {
	used := make(map[int]bool)
	projects, err := m.store.ListProjects()
	if err != nil {
		return 0, err
	}
	for _, p := range projects {
		nodes, err := m.store.ListContainerNodes(p.ID)
		if err != nil {
			return 0, err
		}
		for _, n := range nodes {
			if n.HostPort > 0 {
				used[n.HostPort] = true
			}
		}
	}
	for port := hostPortMin; port <= hostPortMax; port++ {
		if !used[port] {
			return port, nil
		}
	}
	return 0, types.Permanentf("host port range %d-%d exhausted", hostPortMin, hostPortMax)
}

// runHibernate stops the graph, archives the workspace, and tears the
// space down. Resumes stage-aware: once the archive exists, teardown is
// the only remaining step.
func (m *Manager) runHibernate(ctx context.Context, project *types.Project) error {
	logger := log.WithProject(project.Slug)
	resumeFrom := ""
	if project.State == types.EnvStateHibernating || project.State == types.EnvStateError {
		resumeFrom = project.StateStage
	}
	if err := m.setState(project, types.EnvStateHibernating, resumeFrom); err != nil {
		return err
	}

	if resumeFrom != stageHibernateArchived {
		if err := m.graph.StopGraph(ctx, project); err != nil {
			return m.fail(project, resumeFrom, err)
		}
		m.setStage(project, stageHibernateStopped)

		tarStream, err := m.driver.ExportWorkspace(ctx, project, m.exclude)
		if err != nil {
			return m.fail(project, stageHibernateStopped, err)
		}
		err = m.archiver.Save(ctx, project, tarStream)
		tarStream.Close()
		if err != nil {
			return m.fail(project, stageHibernateStopped, err)
		}
		project.ArchiveKey = archive.Key(project)
		m.setStage(project, stageHibernateArchived)
	}

	if err := m.driver.DestroyProjectSpace(ctx, project); err != nil {
		return m.fail(project, stageHibernateArchived, err)
	}

	if err := m.setState(project, types.EnvStateHibernated, ""); err != nil {
		return err
	}
	logger.Info().Msg("Environment hibernated")
	return nil
}

// runRestore recreates the space and unpacks the archive. Containers
// are not started.
func (m *Manager) runRestore(ctx context.Context, project *types.Project) error {
	logger := log.WithProject(project.Slug)
	if err := m.setState(project, types.EnvStateRestoring, project.StateStage); err != nil {
		return err
	}

	if err := m.driver.EnsureProjectSpace(ctx, project); err != nil {
		return m.fail(project, "", err)
	}
	if err := m.driver.EnsureFileManager(ctx, project); err != nil {
		return m.fail(project, "", err)
	}
	m.setStage(project, stageRestoreSpace)

	tarStream, err := m.archiver.Load(ctx, project)
	if err != nil {
		return m.fail(project, stageRestoreSpace, err)
	}
	err = m.driver.ImportWorkspace(ctx, project, tarStream)
	tarStream.Close()
	if err != nil {
		return m.fail(project, stageRestoreSpace, err)
	}
	m.setStage(project, stageRestoreImported)

	if err := m.setState(project, types.EnvStateActive, ""); err != nil {
		return err
	}
	logger.Info().Msg("Environment restored")
	return nil
}

// setState persists a state change before the next side effect runs.
func (m *Manager) setState(project *types.Project, state types.EnvState, stage string) error {
	project.State = state
	project.StateStage = stage
	project.Error = ""
	project.UpdatedAt = time.Now()
	if err := m.store.UpdateProject(project); err != nil {
		return fmt.Errorf("failed to persist state %s: %w", state, err)
	}
	return nil
}

// setStage records a completed step without changing state. Failure to
// persist a stage only costs resume granularity.
func (m *Manager) setStage(project *types.Project, stage string) {
	project.StateStage = stage
	project.UpdatedAt = time.Now()
	if err := m.store.UpdateProject(project); err != nil {
		log.WithProject(project.Slug).Warn().Err(err).Str("stage", stage).Msg("Failed to persist stage")
	}
}

// fail parks the project in the retryable error state, remembering the
// last completed stage.
func (m *Manager) fail(project *types.Project, stage string, cause error) error {
	project.State = types.EnvStateError
	project.StateStage = stage
	project.Error = cause.Error()
	project.UpdatedAt = time.Now()
	if err := m.store.UpdateProject(project); err != nil {
		log.WithProject(project.Slug).Error().Err(err).Msg("Failed to persist error state")
	}
	log.WithProject(project.Slug).Warn().
		Str("stage", stage).
		Err(cause).
		Msg("Environment transition failed")
	return cause
}
