package cluster

import (
	"context"
	"fmt"
	"io"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

const (
	// podWaitInterval and podWaitTimeout bound how long EnsureFileManager
	// waits for its pod to come up before file traffic can flow.
	podWaitInterval = 500 * time.Millisecond
	podWaitTimeout  = 60 * time.Second
)

// EnsureFileManager applies the sidecar deployment and waits until its pod
// runs, since every file operation depends on it.
func (d *Driver) EnsureFileManager(ctx context.Context, project *types.Project) error {
	if err := d.EnsureProjectSpace(ctx, project); err != nil {
		return err
	}

	dep := d.buildFileManagerDeployment(project)
	err := substrate.Retry(ctx, "apply-file-manager", func() error {
		return d.applyDeployment(ctx, dep)
	})
	if err != nil {
		return err
	}
	return d.waitForPod(ctx, project, substrate.FileManagerDir)
}

// StartContainer applies the dev deployment plus service and ingress when
// a port is exposed. Scheduling latency is the readiness probe's problem,
// not ours.
func (d *Driver) StartContainer(ctx context.Context, project *types.Project, spec *substrate.ContainerSpec) error {
	if err := d.EnsureProjectSpace(ctx, project); err != nil {
		return err
	}

	// The claim is shared; the subdirectory for this container must exist
	// before the subPath mount references it.
	if err := d.ensureWorkspaceDir(ctx, project, spec.Dir); err != nil {
		return err
	}

	dep := d.buildDevDeployment(project, spec)
	err := substrate.Retry(ctx, "apply-deployment", func() error {
		return d.applyDeployment(ctx, dep)
	})
	if err != nil {
		return err
	}

	if spec.Port > 0 {
		svc := d.buildService(project, spec)
		if err := substrate.Retry(ctx, "apply-service", func() error {
			return d.applyService(ctx, svc)
		}); err != nil {
			return err
		}
		ing := d.buildIngress(project, spec)
		if err := substrate.Retry(ctx, "apply-ingress", func() error {
			return d.applyIngress(ctx, ing)
		}); err != nil {
			return err
		}
	}

	log.WithProject(project.Slug).Info().
		Str("container", spec.Dir).
		Str("image", spec.Image).
		Msg("Deployment applied")
	return nil
}

// StopContainer removes the dev deployment and its service and ingress.
// Absent objects are fine.
func (d *Driver) StopContainer(ctx context.Context, project *types.Project, dir string) error {
	ns := namespaceFor(project)
	opts := metav1.DeleteOptions{}

	if err := d.clientset.AppsV1().Deployments(ns).Delete(ctx, dir, opts); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete deployment %s: %w", dir, classify(err))
	}
	if err := d.clientset.CoreV1().Services(ns).Delete(ctx, dir, opts); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete service %s: %w", dir, classify(err))
	}
	if err := d.clientset.NetworkingV1().Ingresses(ns).Delete(ctx, dir, opts); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete ingress %s: %w", dir, classify(err))
	}
	return nil
}

// ContainerStatus derives one container's state from its deployment and
// pods.
func (d *Driver) ContainerStatus(ctx context.Context, project *types.Project, dir string) (*types.ContainerStatus, error) {
	ns := namespaceFor(project)
	status := &types.ContainerStatus{Dir: dir, State: types.ContainerStateStopped}

	_, err := d.clientset.AppsV1().Deployments(ns).Get(ctx, dir, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return status, nil
		}
		return nil, classify(err)
	}

	pod, err := d.findPod(ctx, project, dir)
	if err != nil {
		return nil, err
	}
	if pod == nil {
		status.State = types.ContainerStateStarting
		return status, nil
	}

	if pod.Status.StartTime != nil {
		status.StartedAt = pod.Status.StartTime.Time
	}
	switch pod.Status.Phase {
	case corev1.PodRunning:
		status.State = types.ContainerStateRunning
	case corev1.PodPending:
		status.State = types.ContainerStateStarting
		status.Message = podPendingReason(pod)
	case corev1.PodSucceeded:
		status.State = types.ContainerStateExited
	case corev1.PodFailed:
		status.State = types.ContainerStateError
		status.Message = pod.Status.Reason
	default:
		status.State = types.ContainerStateStopped
	}
	if code, finished, ok := terminatedExit(pod); ok {
		status.ExitCode = code
		status.FinishedAt = finished
	}
	return status, nil
}

// ListContainers reports every labeled deployment in the project
// namespace.
func (d *Driver) ListContainers(ctx context.Context, project *types.Project) ([]*types.ContainerStatus, error) {
	ns := namespaceFor(project)
	deployments, err := d.clientset.AppsV1().Deployments(ns).List(ctx, metav1.ListOptions{
		LabelSelector: labelProject + "=" + project.Slug,
	})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, classify(err)
	}

	statuses := make([]*types.ContainerStatus, 0, len(deployments.Items))
	for i := range deployments.Items {
		dir := deployments.Items[i].Labels[labelDir]
		status, err := d.ContainerStatus(ctx, project, dir)
		if err != nil {
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ContainerLogs streams pod logs for the container, tail lines first.
func (d *Driver) ContainerLogs(ctx context.Context, project *types.Project, dir string, tail int) (io.ReadCloser, error) {
	pod, err := d.findPod(ctx, project, dir)
	if err != nil {
		return nil, err
	}
	if pod == nil {
		return nil, fmt.Errorf("%w: no pod for container %s", types.ErrNotFound, dir)
	}

	opts := &corev1.PodLogOptions{Follow: true}
	if tail > 0 {
		lines := int64(tail)
		opts.TailLines = &lines
	}
	if dir != substrate.FileManagerDir {
		opts.Container = devContainerName
	}

	stream, err := d.clientset.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, opts).Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to stream logs: %w", classify(err))
	}
	return stream, nil
}

// ProbePort checks service reachability from inside the namespace, where
// cluster DNS resolves the service name.
func (d *Driver) ProbePort(ctx context.Context, project *types.Project, spec *substrate.ContainerSpec) error {
	if spec.Port == 0 {
		return types.UserErrorf("container %s exposes no port", spec.Dir)
	}

	cmd := fmt.Sprintf("nc -z -w 2 %s %d", substrate.ShellQuote(spec.Dir), spec.Port)
	result, err := d.execCapture(ctx, project, substrate.FileManagerDir, cmd, nil)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return types.Transientf("service %s:%d not ready", spec.Dir, spec.Port)
	}
	return nil
}

// findPod returns the newest pod for a container dir, or nil when none
// exists.
func (d *Driver) findPod(ctx context.Context, project *types.Project, dir string) (*corev1.Pod, error) {
	ns := namespaceFor(project)
	pods, err := d.clientset.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: labelDir + "=" + dir,
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(pods.Items) == 0 {
		return nil, nil
	}

	newest := &pods.Items[0]
	for i := range pods.Items {
		if pods.Items[i].CreationTimestamp.After(newest.CreationTimestamp.Time) {
			newest = &pods.Items[i]
		}
	}
	return newest, nil
}

// findRunningPod is findPod restricted to running pods.
func (d *Driver) findRunningPod(ctx context.Context, project *types.Project, dir string) (*corev1.Pod, error) {
	pod, err := d.findPod(ctx, project, dir)
	if err != nil {
		return nil, err
	}
	if pod == nil || pod.Status.Phase != corev1.PodRunning {
		return nil, nil
	}
	return pod, nil
}

func (d *Driver) waitForPod(ctx context.Context, project *types.Project, dir string) error {
	err := wait.PollUntilContextTimeout(ctx, podWaitInterval, podWaitTimeout, true,
		func(ctx context.Context) (bool, error) {
			pod, err := d.findRunningPod(ctx, project, dir)
			if err != nil {
				return false, nil
			}
			return pod != nil, nil
		})
	if err != nil {
		return types.Transientf("pod for %s did not start: %v", dir, err)
	}
	return nil
}

// ensureWorkspaceDir creates /app/<dir> through the file-manager so the
// subPath mount has something to bind.
func (d *Driver) ensureWorkspaceDir(ctx context.Context, project *types.Project, dir string) error {
	if err := d.EnsureFileManager(ctx, project); err != nil {
		return err
	}
	abs, err := substrate.ResolvePath("", dir)
	if err != nil {
		return err
	}
	cmd := "mkdir -p " + substrate.ShellQuote(abs)
	result, err := d.execCapture(ctx, project, substrate.FileManagerDir, cmd, nil)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("failed to create workspace dir %s: %s", dir, result.Stderr)
	}
	return nil
}

func (d *Driver) applyDeployment(ctx context.Context, dep *appsv1.Deployment) error {
	client := d.clientset.AppsV1().Deployments(dep.Namespace)
	_, err := client.Create(ctx, dep, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return classify(err)
	}

	existing, err := client.Get(ctx, dep.Name, metav1.GetOptions{})
	if err != nil {
		return classify(err)
	}
	dep.ResourceVersion = existing.ResourceVersion
	if _, err := client.Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return classify(err)
	}
	return nil
}

func (d *Driver) applyService(ctx context.Context, svc *corev1.Service) error {
	client := d.clientset.CoreV1().Services(svc.Namespace)
	_, err := client.Create(ctx, svc, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return classify(err)
	}

	existing, err := client.Get(ctx, svc.Name, metav1.GetOptions{})
	if err != nil {
		return classify(err)
	}
	svc.ResourceVersion = existing.ResourceVersion
	svc.Spec.ClusterIP = existing.Spec.ClusterIP
	if _, err := client.Update(ctx, svc, metav1.UpdateOptions{}); err != nil {
		return classify(err)
	}
	return nil
}

func (d *Driver) applyIngress(ctx context.Context, ing *networkingv1.Ingress) error {
	client := d.clientset.NetworkingV1().Ingresses(ing.Namespace)
	_, err := client.Create(ctx, ing, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return classify(err)
	}

	existing, err := client.Get(ctx, ing.Name, metav1.GetOptions{})
	if err != nil {
		return classify(err)
	}
	ing.ResourceVersion = existing.ResourceVersion
	if _, err := client.Update(ctx, ing, metav1.UpdateOptions{}); err != nil {
		return classify(err)
	}
	return nil
}

func podPendingReason(pod *corev1.Pod) string {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodScheduled && cond.Status != corev1.ConditionTrue {
			return cond.Message
		}
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Waiting != nil {
			return cs.State.Waiting.Reason
		}
	}
	return ""
}

func terminatedExit(pod *corev1.Pod) (int, time.Time, bool) {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			term := cs.State.Terminated
			return int(term.ExitCode), term.FinishedAt.Time, true
		}
	}
	return 0, time.Time{}, false
}
