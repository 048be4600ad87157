// Package graph starts and stops a project's container dependency graph.
// Nodes form a DAG keyed by container dir; edges gate startup on TCP
// readiness of the dependency's exposed port.
package graph

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/metrics"
	"github.com/tesslate/studio/pkg/security"
	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

const (
	// defaultReadyPoll is how often a started node's port is re-probed.
	defaultReadyPoll = 500 * time.Millisecond

	// defaultReadyTimeout bounds how long dependents wait for a node's
	// port.
	defaultReadyTimeout = 30 * time.Second

	// startTimeout bounds one container start including its readiness
	// wait. Expiry reads as cancellation to the substrate call.
	startTimeout = 3 * time.Minute
)

// Manager orders container starts and stops by the dependency graph.
type Manager struct {
	store   storage.Store
	driver  substrate.Driver
	secrets *security.SecretsManager // nil when no master key is configured

	readyPoll    time.Duration
	readyTimeout time.Duration
}

// NewManager creates a graph manager.
func NewManager(store storage.Store, driver substrate.Driver, secrets *security.SecretsManager) *Manager {
	return &Manager{
		store:        store,
		driver:       driver,
		secrets:      secrets,
		readyPoll:    defaultReadyPoll,
		readyTimeout: defaultReadyTimeout,
	}
}

// CheckAcyclic validates a node set: depends_on must reference known
// dirs and must not close a cycle. Cycle errors name the closing edge.
func CheckAcyclic(nodes []*types.ContainerNode) error {
	deps := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		deps[n.Dir] = n.DependsOn
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := deps[dep]; !ok {
				return types.UserErrorf("container %s depends on unknown container %s", n.Dir, dep)
			}
		}
	}

	const (
		white = 0 // unvisited
		grey  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(nodes))

	var visit func(dir string) error
	visit = func(dir string) error {
		color[dir] = grey
		for _, dep := range deps[dir] {
			switch color[dep] {
			case grey:
				return fmt.Errorf("%w: edge %s -> %s closes a cycle", types.ErrDependencyCycle, dir, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[dir] = black
		return nil
	}

	dirs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		dirs = append(dirs, n.Dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		if color[dir] == white {
			if err := visit(dir); err != nil {
				return err
			}
		}
	}
	return nil
}

// Levels groups nodes into start waves: level 0 has no dependencies,
// level n+1 depends only on earlier levels. Dirs sort within a level so
// ordering is stable.
func Levels(nodes []*types.ContainerNode) ([][]*types.ContainerNode, error) {
	if err := CheckAcyclic(nodes); err != nil {
		return nil, err
	}

	byDir := make(map[string]*types.ContainerNode, len(nodes))
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		byDir[n.Dir] = n
		indegree[n.Dir] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.Dir)
		}
	}

	var out [][]*types.ContainerNode
	current := make([]string, 0, len(nodes))
	for dir, deg := range indegree {
		if deg == 0 {
			current = append(current, dir)
		}
	}

	for len(current) > 0 {
		sort.Strings(current)
		level := make([]*types.ContainerNode, 0, len(current))
		var next []string
		for _, dir := range current {
			level = append(level, byDir[dir])
			for _, dep := range dependents[dir] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		out = append(out, level)
		current = next
	}
	return out, nil
}

// dirPattern keeps container dirs usable as hostname labels.
var dirPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// AddNode validates and persists a new container node. The dir must be
// a DNS-safe label unique within the project, and the resulting node
// set must stay acyclic. New nodes start with stopped intent.
func (m *Manager) AddNode(project *types.Project, node *types.ContainerNode) error {
	if !dirPattern.MatchString(node.Dir) {
		return types.UserErrorf("invalid container dir %q: must match %s", node.Dir, dirPattern)
	}
	if node.Dir == substrate.FileManagerDir {
		return types.UserErrorf("container dir %q is reserved", node.Dir)
	}
	if node.Image == "" {
		return types.UserErrorf("container %s has no image", node.Dir)
	}

	existing, err := m.store.ListContainerNodes(project.ID)
	if err != nil {
		return err
	}
	for _, n := range existing {
		if n.Dir == node.Dir {
			return fmt.Errorf("%w: container %s", types.ErrAlreadyExists, node.Dir)
		}
		if node.Port > 0 && n.Port == node.Port {
			return types.UserErrorf("port %d is already claimed by container %s", node.Port, n.Dir)
		}
	}
	if err := CheckAcyclic(append(existing, node)); err != nil {
		return err
	}

	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	node.ProjectID = project.ID
	node.Desired = types.DesiredStopped
	now := time.Now()
	node.CreatedAt = now
	node.UpdatedAt = now
	if err := m.store.CreateContainerNode(node); err != nil {
		return err
	}
	logger := log.WithProject(project.Slug)
	logger.Info().
		Str("container", node.Dir).
		Str("image", node.Image).
		Msg("Container node added")
	return nil
}

// RemoveNode stops a container and deletes its node. Nodes that other
// nodes depend on cannot be removed.
func (m *Manager) RemoveNode(ctx context.Context, project *types.Project, dir string) error {
	if _, err := m.store.GetContainerNode(project.ID, dir); err != nil {
		return err
	}
	nodes, err := m.store.ListContainerNodes(project.ID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if dep == dir {
				return types.UserErrorf("container %s is depended on by %s", dir, n.Dir)
			}
		}
	}

	if err := m.StopNode(ctx, project, dir); err != nil {
		return err
	}
	if err := m.store.DeleteContainerNode(project.ID, dir); err != nil {
		return err
	}
	logger := log.WithProject(project.Slug)
	logger.Info().Str("container", dir).Msg("Container node removed")
	return nil
}

// Spec assembles the substrate spec for a node: declared env, decrypted
// secret refs, and the PORT convention when a port is exposed.
func (m *Manager) Spec(project *types.Project, node *types.ContainerNode) (*substrate.ContainerSpec, error) {
	env := append([]string{}, node.Env...)

	if len(node.SecretRefs) > 0 {
		if m.secrets == nil {
			return nil, types.UserErrorf("container %s references secrets but no master key is configured", node.Dir)
		}
		for _, name := range node.SecretRefs {
			secret, err := m.store.GetSecret(project.ID, name)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve secret %s: %w", name, err)
			}
			value, err := m.secrets.Open(secret)
			if err != nil {
				return nil, err
			}
			env = append(env, name+"="+string(value))
		}
	}

	if node.Port > 0 {
		env = append(env, fmt.Sprintf("PORT=%d", node.Port))
	}

	return &substrate.ContainerSpec{
		Dir:        node.Dir,
		Image:      node.Image,
		Command:    node.Command,
		WorkingDir: node.WorkingDir,
		Env:        env,
		Port:       node.Port,
		HostPort:   node.HostPort,
		Resources:  node.Resources,
	}, nil
}

// StartGraph starts every node in topological order. Nodes in one level
// start in parallel; a node with an exposed port must answer a TCP
// probe before its dependents start. A level failure stops the wave but
// leaves already-started nodes up.
func (m *Manager) StartGraph(ctx context.Context, project *types.Project) error {
	nodes, err := m.store.ListContainerNodes(project.ID)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}
	levels, err := Levels(nodes)
	if err != nil {
		return err
	}

	logger := log.WithProject(project.Slug)
	for i, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, node := range level {
			node := node
			g.Go(func() error {
				return m.startAndAwait(gctx, project, node)
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("graph start halted at level %d: %w", i, err)
		}
		logger.Debug().Int("level", i).Int("containers", len(level)).Msg("Graph level started")
	}
	logger.Info().Int("containers", len(nodes)).Msg("Container graph started")
	return nil
}

func (m *Manager) startAndAwait(ctx context.Context, project *types.Project, node *types.ContainerNode) error {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	spec, err := m.Spec(project, node)
	if err != nil {
		return err
	}
	if _, err := m.startNode(ctx, project, node, spec); err != nil {
		return err
	}
	if node.Port == 0 {
		return nil
	}
	return m.awaitReady(ctx, project, node, spec)
}

// StartNode starts one container and records running intent. A
// container found already running is left alone and reported as such.
func (m *Manager) StartNode(ctx context.Context, project *types.Project, node *types.ContainerNode) (alreadyRunning bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	spec, err := m.Spec(project, node)
	if err != nil {
		return false, err
	}
	return m.startNode(ctx, project, node, spec)
}

func (m *Manager) startNode(ctx context.Context, project *types.Project, node *types.ContainerNode, spec *substrate.ContainerSpec) (bool, error) {
	status, err := m.driver.ContainerStatus(ctx, project, node.Dir)
	if err == nil && status.State == types.ContainerStateRunning {
		return true, m.recordDesired(node, types.DesiredRunning)
	}

	start := time.Now()
	if err := m.driver.StartContainer(ctx, project, spec); err != nil {
		return false, fmt.Errorf("failed to start container %s: %w", node.Dir, err)
	}
	metrics.SubstrateOpDuration.WithLabelValues(string(m.driver.Mode()), "start_container").
		Observe(time.Since(start).Seconds())
	metrics.ContainersRunning.Inc()

	logger := log.WithProject(project.Slug)
	logger.Info().
		Str("container", node.Dir).
		Str("image", node.Image).
		Msg("Container started")
	return false, m.recordDesired(node, types.DesiredRunning)
}

// awaitReady polls the node's exposed port until it answers or the
// window closes. Timeout is transient so the caller may retry the wave.
func (m *Manager) awaitReady(ctx context.Context, project *types.Project, node *types.ContainerNode, spec *substrate.ContainerSpec) error {
	deadline := time.Now().Add(m.readyTimeout)
	ticker := time.NewTicker(m.readyPoll)
	defer ticker.Stop()

	for {
		if err := m.driver.ProbePort(ctx, project, spec); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return types.Transientf("container %s not ready on port %d after %s",
				node.Dir, node.Port, m.readyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StopGraph stops every node in exact reverse topological order,
// sequentially, tolerating nodes that are already stopped.
func (m *Manager) StopGraph(ctx context.Context, project *types.Project) error {
	nodes, err := m.store.ListContainerNodes(project.ID)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}
	levels, err := Levels(nodes)
	if err != nil {
		return err
	}

	var firstErr error
	for i := len(levels) - 1; i >= 0; i-- {
		for j := len(levels[i]) - 1; j >= 0; j-- {
			node := levels[i][j]
			if err := m.StopNode(ctx, project, node.Dir); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}
	logger := log.WithProject(project.Slug)
	logger.Info().Int("containers", len(nodes)).Msg("Container graph stopped")
	return nil
}

// Status reports the live state of every declared node, one entry per
// node sorted by dir. A node the substrate cannot describe is reported
// as errored rather than failing the whole sweep.
func (m *Manager) Status(ctx context.Context, project *types.Project) ([]*types.ContainerStatus, error) {
	nodes, err := m.store.ListContainerNodes(project.ID)
	if err != nil {
		return nil, err
	}

	statuses := make([]*types.ContainerStatus, 0, len(nodes))
	for _, node := range nodes {
		status, err := m.driver.ContainerStatus(ctx, project, node.Dir)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			status = &types.ContainerStatus{
				Dir:     node.Dir,
				State:   types.ContainerStateError,
				Message: err.Error(),
			}
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Dir < statuses[j].Dir })
	return statuses, nil
}

// StopNode stops one container and records stopped intent. Missing or
// already-stopped containers are not errors.
func (m *Manager) StopNode(ctx context.Context, project *types.Project, dir string) error {
	node, err := m.store.GetContainerNode(project.ID, dir)
	if err != nil {
		return err
	}

	if err := m.driver.StopContainer(ctx, project, dir); err != nil {
		if types.Classify(err) == types.ErrClassUser {
			return m.recordDesired(node, types.DesiredStopped)
		}
		return fmt.Errorf("failed to stop container %s: %w", dir, err)
	}
	metrics.ContainersRunning.Dec()
	logger := log.WithProject(project.Slug)
	logger.Info().Str("container", dir).Msg("Container stopped")
	return m.recordDesired(node, types.DesiredStopped)
}

func (m *Manager) recordDesired(node *types.ContainerNode, desired types.DesiredState) error {
	if node.Desired == desired {
		return nil
	}
	node.Desired = desired
	node.UpdatedAt = time.Now()
	return m.store.UpdateContainerNode(node)
}
