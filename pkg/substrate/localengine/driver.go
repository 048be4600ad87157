package localengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

const (
	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultNamespace is the containerd namespace all studio containers
	// live in.
	DefaultNamespace = "studio"

	// stopTimeout is how long a container gets between SIGTERM and
	// SIGKILL.
	stopTimeout = 10 * time.Second
)

// Labels attached to every container so ownership survives restarts of the
// control plane.
const (
	labelProject = "studio.project"
	labelDir     = "studio.container-dir"
	labelRole    = "studio.role"
)

// cpuPeriod is the CFS scheduling period used when translating fractional
// core limits into quotas.
const cpuPeriod = 100000

// Config carries the knobs for the local containerd driver.
type Config struct {
	SocketPath       string
	Namespace        string
	DataDir          string
	AppDomain        string
	FileManagerImage string
}

// Driver runs project environments on a local containerd engine with the
// workspace bind-mounted from the host filesystem.
type Driver struct {
	client           *containerd.Client
	namespace        string
	dataDir          string
	appDomain        string
	fileManagerImage string
}

// New connects to containerd and returns a ready driver.
func New(cfg Config) (*Driver, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("local engine requires a data dir")
	}

	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	log.WithComponent("localengine").Info().
		Str("socket", cfg.SocketPath).
		Str("namespace", cfg.Namespace).
		Msg("Connected to containerd")

	return &Driver{
		client:           client,
		namespace:        cfg.Namespace,
		dataDir:          cfg.DataDir,
		appDomain:        cfg.AppDomain,
		fileManagerImage: cfg.FileManagerImage,
	}, nil
}

// Close closes the containerd client connection.
func (d *Driver) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// Mode reports the substrate this driver talks to.
func (d *Driver) Mode() types.DeploymentMode {
	return types.ModeLocalEngine
}

// projectRoot is the host directory bind-mounted at /app.
func (d *Driver) projectRoot(project *types.Project) string {
	return filepath.Join(d.dataDir, "projects", project.Slug)
}

func (d *Driver) logDir(project *types.Project) string {
	return filepath.Join(d.dataDir, "logs", project.Slug)
}

func containerID(slug, dir string) string {
	return slug + "-" + dir
}

// EnsureProjectSpace creates the per-project workspace and log directories.
func (d *Driver) EnsureProjectSpace(ctx context.Context, project *types.Project) error {
	for _, dir := range []string{d.projectRoot(project), d.logDir(project)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create project space: %w", err)
		}
	}
	return nil
}

// EnsureFileManager guarantees the idle sidecar that serves exec and file
// traffic while no dev container runs.
func (d *Driver) EnsureFileManager(ctx context.Context, project *types.Project) error {
	if err := d.EnsureProjectSpace(ctx, project); err != nil {
		return err
	}
	spec := &substrate.ContainerSpec{
		Dir:     substrate.FileManagerDir,
		Image:   d.fileManagerImage,
		Command: []string{"/bin/sh", "-c", "while :; do sleep 3600; done"},
	}
	return d.startContainer(ctx, project, spec, substrate.RoleFileManager)
}

// StartContainer runs one dev container in the project space.
func (d *Driver) StartContainer(ctx context.Context, project *types.Project, spec *substrate.ContainerSpec) error {
	return d.startContainer(ctx, project, spec, substrate.RoleDev)
}

func (d *Driver) startContainer(ctx context.Context, project *types.Project, spec *substrate.ContainerSpec, role string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)
	id := containerID(project.Slug, spec.Dir)
	logger := log.WithProject(project.Slug)

	// Already running is a success; anything else left over is replaced
	// so the container always reflects the current spec.
	if running, err := d.taskRunning(ctx, id); err != nil {
		return err
	} else if running {
		return nil
	}
	if err := d.removeContainer(ctx, id); err != nil {
		return err
	}

	if spec.Dir != substrate.FileManagerDir {
		if err := os.MkdirAll(filepath.Join(d.projectRoot(project), spec.Dir), 0o755); err != nil {
			return fmt.Errorf("failed to create container dir: %w", err)
		}
	}

	var image containerd.Image
	err := substrate.Retry(ctx, "pull-image", func() error {
		var err error
		image, err = d.ensureImage(ctx, spec.Image)
		return err
	})
	if err != nil {
		return err
	}

	// Containers share the host network namespace; each dev server binds
	// its allocated host port, exported as PORT.
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
		oci.WithHostHostsFile,
		oci.WithHostname(types.Hostname(spec.Dir, project.Slug, d.appDomain)),
		oci.WithMounts([]specs.Mount{{
			Source:      d.projectRoot(project),
			Destination: substrate.WorkspaceMount,
			Type:        "bind",
			Options:     []string{"rbind", "rw"},
		}}),
	}
	env := append([]string{}, spec.Env...)
	if spec.HostPort > 0 {
		env = append(env, fmt.Sprintf("PORT=%d", spec.HostPort))
	}
	if len(env) > 0 {
		opts = append(opts, oci.WithEnv(env))
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	opts = append(opts, oci.WithProcessCwd(workingDir(spec)))
	if spec.Resources != nil {
		if spec.Resources.MemoryLimit > 0 {
			opts = append(opts, oci.WithMemoryLimit(uint64(spec.Resources.MemoryLimit)))
		}
		if spec.Resources.CPULimit > 0 {
			quota := int64(spec.Resources.CPULimit * cpuPeriod)
			opts = append(opts, oci.WithCPUCFS(quota, cpuPeriod))
		}
	}

	labels := map[string]string{
		labelProject: project.Slug,
		labelDir:     spec.Dir,
		labelRole:    role,
	}

	err = substrate.Retry(ctx, "create-container", func() error {
		container, err := d.client.NewContainer(ctx, id,
			containerd.WithImage(image),
			containerd.WithNewSnapshot(id+"-snapshot", image),
			containerd.WithNewSpec(opts...),
			containerd.WithContainerLabels(labels),
		)
		if err != nil {
			return classify(err)
		}

		logPath := filepath.Join(d.logDir(project), spec.Dir+".log")
		task, err := container.NewTask(ctx, cio.LogFile(logPath))
		if err != nil {
			_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
			return classify(err)
		}
		if err := task.Start(ctx); err != nil {
			_, _ = task.Delete(ctx, containerd.WithProcessKill)
			_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
			return classify(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}

	logger.Info().Str("container", spec.Dir).Str("image", spec.Image).Msg("Container started")
	return nil
}

func workingDir(spec *substrate.ContainerSpec) string {
	root := substrate.ContainerRoot(spec.Dir)
	if spec.WorkingDir == "" {
		return root
	}
	if abs, err := substrate.ResolvePath(spec.Dir, spec.WorkingDir); err == nil {
		return abs
	}
	return root
}

// ensureImage returns the image, pulling it when absent.
func (d *Driver) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := d.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, classify(err)
	}

	image, err = d.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, classifyPull(ref, err)
	}
	return image, nil
}

// taskRunning reports whether the container exists with a running task.
func (d *Driver) taskRunning(ctx context.Context, id string) (bool, error) {
	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, classify(err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, classify(err)
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false, classify(err)
	}
	return status.Status == containerd.Running, nil
}

// StopContainer stops and removes the dev container for dir. Already
// stopped or absent containers are fine.
func (d *Driver) StopContainer(ctx context.Context, project *types.Project, dir string) error {
	ctx = namespaces.WithNamespace(ctx, d.namespace)
	return d.removeContainer(ctx, containerID(project.Slug, dir))
}

// removeContainer tears down task, container and snapshot, in that order,
// tolerating absence at every step. SIGTERM first, SIGKILL after the stop
// timeout.
func (d *Driver) removeContainer(ctx context.Context, id string) error {
	container, err := d.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return classify(err)
	}

	task, err := container.Task(ctx, nil)
	if err == nil {
		if stopErr := d.stopTask(ctx, task); stopErr != nil {
			return stopErr
		}
	} else if !errdefs.IsNotFound(err) {
		return classify(err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container %s: %w", id, classify(err))
	}
	return nil
}

func (d *Driver) stopTask(ctx context.Context, task containerd.Task) error {
	statusC, err := task.Wait(ctx)
	if err != nil {
		return classify(err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to signal task: %w", classify(err))
	}

	select {
	case <-statusC:
	case <-time.After(stopTimeout):
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", classify(err))
		}
		select {
		case <-statusC:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", classify(err))
	}
	return nil
}

// ContainerStatus reports the engine's view of one container.
func (d *Driver) ContainerStatus(ctx context.Context, project *types.Project, dir string) (*types.ContainerStatus, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)
	return d.containerStatus(ctx, project, dir)
}

func (d *Driver) containerStatus(ctx context.Context, project *types.Project, dir string) (*types.ContainerStatus, error) {
	status := &types.ContainerStatus{Dir: dir, State: types.ContainerStateStopped}

	container, err := d.client.LoadContainer(ctx, containerID(project.Slug, dir))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return status, nil
		}
		return nil, classify(err)
	}

	info, err := container.Info(ctx)
	if err == nil {
		status.StartedAt = info.CreatedAt
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return status, nil
		}
		return nil, classify(err)
	}

	st, err := task.Status(ctx)
	if err != nil {
		return nil, classify(err)
	}
	switch st.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		status.State = types.ContainerStateRunning
	case containerd.Created:
		status.State = types.ContainerStateStarting
	case containerd.Stopped:
		status.State = types.ContainerStateExited
		status.ExitCode = int(st.ExitStatus)
		status.FinishedAt = st.ExitTime
		if st.ExitStatus != 0 {
			status.State = types.ContainerStateError
			status.Message = fmt.Sprintf("exited with status %d", st.ExitStatus)
		}
	default:
		status.State = types.ContainerStateStopped
	}
	return status, nil
}

// ListContainers reports every container labeled for the project.
func (d *Driver) ListContainers(ctx context.Context, project *types.Project) ([]*types.ContainerStatus, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	filter := fmt.Sprintf(`labels.%q==%q`, labelProject, project.Slug)
	containers, err := d.client.Containers(ctx, filter)
	if err != nil {
		return nil, classify(err)
	}

	statuses := make([]*types.ContainerStatus, 0, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		dir := labels[labelDir]
		status, err := d.containerStatus(ctx, project, dir)
		if err != nil {
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// DestroyProjectSpace removes every container, the workspace directory and
// the log directory for the project.
func (d *Driver) DestroyProjectSpace(ctx context.Context, project *types.Project) error {
	nsCtx := namespaces.WithNamespace(ctx, d.namespace)

	filter := fmt.Sprintf(`labels.%q==%q`, labelProject, project.Slug)
	containers, err := d.client.Containers(nsCtx, filter)
	if err != nil {
		return classify(err)
	}
	for _, c := range containers {
		if err := d.removeContainer(nsCtx, c.ID()); err != nil {
			return err
		}
	}

	for _, dir := range []string{d.projectRoot(project), d.logDir(project)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove project space: %w", err)
		}
	}

	log.WithProject(project.Slug).Info().Msg("Project space destroyed")
	return nil
}
