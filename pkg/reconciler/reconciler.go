package reconciler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/tesslate/studio/pkg/env"
	"github.com/tesslate/studio/pkg/events"
	"github.com/tesslate/studio/pkg/graph"
	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/metrics"
	"github.com/tesslate/studio/pkg/storage"
	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/tasks"
	"github.com/tesslate/studio/pkg/types"
)

const (
	defaultSweepInterval  = 30 * time.Second
	defaultReapInterval   = time.Minute
	housekeepInterval     = 5 * time.Minute
	defaultEventRetention = time.Hour

	// jobTimeout bounds one cron invocation.
	jobTimeout = 2 * time.Minute

	// retryCooldown spaces retries of hibernates that failed midway so
	// a broken archive target is not hammered every tick.
	retryCooldown = 10 * time.Minute

	// reaperUser owns tasks the reconciler submits.
	reaperUser = "system"
)

// Options tunes the reconciler. Zero intervals take defaults; a zero
// idle threshold disables that reaper.
type Options struct {
	SweepInterval  time.Duration
	ReapInterval   time.Duration
	IdleStop       time.Duration // stop a project's containers after this much inactivity
	HibernateAfter time.Duration // hibernate the whole project after this much
	EventRetention time.Duration
}

// Reconciler owns the scheduled jobs. Start schedules them, Stop
// drains them.
type Reconciler struct {
	store  storage.Store
	driver substrate.Driver
	graph  *graph.Manager
	envs   *env.Manager
	tasks  *tasks.Manager
	broker *events.Broker
	opts   Options

	cron    *cron.Cron
	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	inflight map[string]bool      // projects with a reaper hibernate in flight
	attempts map[string]time.Time // last hibernate submission per project
}

// NewReconciler wires the background jobs without starting them.
func NewReconciler(store storage.Store, driver substrate.Driver, graphMgr *graph.Manager,
	envs *env.Manager, taskMgr *tasks.Manager, broker *events.Broker, opts Options) *Reconciler {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = defaultReapInterval
	}
	if opts.EventRetention <= 0 {
		opts.EventRetention = defaultEventRetention
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		store:    store,
		driver:   driver,
		graph:    graphMgr,
		envs:     envs,
		tasks:    taskMgr,
		broker:   broker,
		opts:     opts,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{log.WithComponent("reconciler")}))),
		baseCtx:  ctx,
		cancel:   cancel,
		inflight: make(map[string]bool),
		attempts: make(map[string]time.Time),
	}
}

// Start registers the jobs and starts the scheduler.
func (r *Reconciler) Start() error {
	jobs := []struct {
		name  string
		every time.Duration
		fn    func(context.Context)
	}{
		{"sweep", r.opts.SweepInterval, r.sweep},
		{"reap", r.opts.ReapInterval, r.reap},
		{"housekeep", housekeepInterval, r.housekeep},
	}
	for _, job := range jobs {
		fn := job.fn
		spec := fmt.Sprintf("@every %s", job.every)
		if _, err := r.cron.AddFunc(spec, func() { r.runJob(fn) }); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}
	r.cron.Start()
	log.WithComponent("reconciler").Info().
		Dur("sweep_interval", r.opts.SweepInterval).
		Dur("idle_stop", r.opts.IdleStop).
		Dur("hibernate_after", r.opts.HibernateAfter).
		Msg("Reconciler started")
	return nil
}

// Stop cancels in-flight jobs and waits for the scheduler to drain.
func (r *Reconciler) Stop() {
	r.cancel()
	<-r.cron.Stop().Done()
}

func (r *Reconciler) runJob(fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(r.baseCtx, jobTimeout)
	defer cancel()
	fn(ctx)
}

// envStates enumerates every gauge label so absent states read zero.
var envStates = []types.EnvState{
	types.EnvStateCreated,
	types.EnvStateActive,
	types.EnvStateHibernating,
	types.EnvStateHibernated,
	types.EnvStateRestoring,
	types.EnvStateError,
}

// sweep reconciles every active project's container rows against the
// substrate and resets the environment gauges from observed truth.
func (r *Reconciler) sweep(ctx context.Context) {
	projects, err := r.store.ListProjects()
	if err != nil {
		log.WithComponent("reconciler").Error().Err(err).Msg("Sweep could not list projects")
		return
	}

	counts := make(map[types.EnvState]int, len(envStates))
	running := 0
	for _, project := range projects {
		counts[project.State]++
		if project.State != types.EnvStateActive {
			continue
		}
		n, err := r.syncProject(ctx, project)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithProject(project.Slug).Warn().Err(err).Msg("Substrate sync failed")
			continue
		}
		running += n
	}

	for _, state := range envStates {
		metrics.EnvironmentsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
	metrics.ContainersRunning.Set(float64(running))
}

// syncProject aligns one project's node rows with what the substrate
// reports and returns how many dev containers are actually running.
func (r *Reconciler) syncProject(ctx context.Context, project *types.Project) (int, error) {
	nodes, err := r.store.ListContainerNodes(project.ID)
	if err != nil {
		return 0, err
	}
	byDir := make(map[string]*types.ContainerNode, len(nodes))
	for _, node := range nodes {
		byDir[node.Dir] = node
	}

	statuses, err := r.driver.ListContainers(ctx, project)
	if err != nil {
		return 0, err
	}

	logger := log.WithProject(project.Slug)
	seen := make(map[string]*types.ContainerStatus, len(statuses))
	running := 0
	for _, status := range statuses {
		if status.Dir == substrate.FileManagerDir {
			continue
		}
		seen[status.Dir] = status
		if !statusRunning(status) {
			continue
		}

		node, declared := byDir[status.Dir]
		switch {
		case !declared:
			// The substrate runs a container no row declares. Stop it.
			logger.Warn().Str("container", status.Dir).Msg("Stopping orphaned container")
			if err := r.driver.StopContainer(ctx, project, status.Dir); err != nil {
				logger.Warn().Err(err).Str("container", status.Dir).Msg("Failed to stop orphan")
			}
		case node.Desired == types.DesiredStopped:
			logger.Info().Str("container", status.Dir).Msg("Stopping container running against stopped intent")
			if err := r.graph.StopNode(ctx, project, status.Dir); err != nil {
				logger.Warn().Err(err).Str("container", status.Dir).Msg("Failed to stop container")
			}
		default:
			running++
		}
	}

	// Rows that want running with nothing running underneath have
	// crashed or were torn down behind our back. Record the stop so
	// the control plane stops believing in them.
	for _, node := range nodes {
		if node.Desired != types.DesiredRunning {
			continue
		}
		status := seen[node.Dir]
		if status != nil && statusRunning(status) {
			continue
		}
		event := logger.Warn().Str("container", node.Dir)
		if status != nil {
			event = event.Str("state", string(status.State)).Int("exit_code", status.ExitCode)
		}
		event.Msg("Marking crashed container stopped")
		node.Desired = types.DesiredStopped
		node.UpdatedAt = time.Now()
		if err := r.store.UpdateContainerNode(node); err != nil {
			logger.Warn().Err(err).Str("container", node.Dir).Msg("Failed to record crash")
		}
	}
	return running, nil
}

func statusRunning(status *types.ContainerStatus) bool {
	return status.State == types.ContainerStateRunning || status.State == types.ContainerStateStarting
}

// reap stops idle containers and hibernates idle projects. Hibernates
// run as tracked tasks so clients can watch them finish.
func (r *Reconciler) reap(ctx context.Context) {
	if r.opts.IdleStop <= 0 && r.opts.HibernateAfter <= 0 {
		return
	}
	projects, err := r.store.ListProjects()
	if err != nil {
		log.WithComponent("reconciler").Error().Err(err).Msg("Reap could not list projects")
		return
	}

	now := time.Now()
	for _, project := range projects {
		idle := now.Sub(r.envs.Activity().Last(project))

		switch project.State {
		case types.EnvStateActive:
		case types.EnvStateError:
			// Resume hibernates that failed midway once the cooldown passes.
			if r.opts.HibernateAfter > 0 && strings.HasPrefix(project.StateStage, "hibernate:") {
				r.submitHibernate(project, idle, true)
			}
			continue
		default:
			continue
		}

		if r.opts.HibernateAfter > 0 && idle >= r.opts.HibernateAfter {
			r.submitHibernate(project, idle, false)
			continue
		}
		if r.opts.IdleStop > 0 && idle >= r.opts.IdleStop {
			r.stopIdleContainers(ctx, project, idle)
		}
	}
}

// stopIdleContainers stops a project's running containers while
// leaving the environment itself up.
func (r *Reconciler) stopIdleContainers(ctx context.Context, project *types.Project, idle time.Duration) {
	nodes, err := r.store.ListContainerNodes(project.ID)
	if err != nil {
		log.WithProject(project.Slug).Warn().Err(err).Msg("Idle stop could not list containers")
		return
	}
	want := false
	for _, node := range nodes {
		if node.Desired == types.DesiredRunning {
			want = true
			break
		}
	}
	if !want {
		return
	}

	log.WithProject(project.Slug).Info().Dur("idle", idle).Msg("Stopping containers of idle project")
	if err := r.graph.StopGraph(ctx, project); err != nil {
		log.WithProject(project.Slug).Warn().Err(err).Msg("Idle stop failed")
	}
}

// submitHibernate runs Hibernate as a tracked task, at most one per
// project at a time.
func (r *Reconciler) submitHibernate(project *types.Project, idle time.Duration, retry bool) {
	r.mu.Lock()
	if r.inflight[project.ID] || (retry && time.Since(r.attempts[project.ID]) < retryCooldown) {
		r.mu.Unlock()
		return
	}
	r.inflight[project.ID] = true
	r.attempts[project.ID] = time.Now()
	r.mu.Unlock()

	projectID := project.ID
	release := func() {
		r.mu.Lock()
		delete(r.inflight, projectID)
		r.mu.Unlock()
	}

	_, err := r.tasks.Run(types.TaskKindHibernate, projectID, "", reaperUser,
		func(ctx context.Context, task *types.Task) (*tasks.Result, error) {
			defer release()
			return nil, r.envs.Hibernate(ctx, projectID)
		})
	if err != nil {
		release()
		log.WithProject(project.Slug).Warn().Err(err).Msg("Failed to submit hibernate task")
		return
	}
	log.WithProject(project.Slug).Info().
		Dur("idle", idle).
		Bool("retry", retry).
		Msg("Idle project hibernating")
}

// housekeep flushes pending activity rows and drops event streams of
// long-finished tasks.
func (r *Reconciler) housekeep(context.Context) {
	r.envs.Activity().Flush()
	if removed := r.broker.Sweep(r.opts.EventRetention); removed > 0 {
		log.WithComponent("reconciler").Debug().Int("streams", removed).Msg("Swept finished event streams")
	}
}

// cronLogger adapts the component logger to cron's interface.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.logger.Debug().Fields(kv).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.logger.Error().Err(err).Fields(kv).Msg(msg)
}
