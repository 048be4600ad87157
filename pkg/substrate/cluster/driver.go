package cluster

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/tesslate/studio/pkg/log"
	"github.com/tesslate/studio/pkg/types"
)

const (
	// namespacePrefix is prepended to the project slug to form its
	// namespace.
	namespacePrefix = "proj-"

	// workspaceClaimName is the PVC every project namespace carries.
	workspaceClaimName = "workspace"

	// workspaceVolumeName names the pod volume backed by the claim.
	workspaceVolumeName = "workspace"
)

// Labels stamped on every object the driver creates.
const (
	labelProject = "studio.tesslate.dev/project"
	labelDir     = "studio.tesslate.dev/container-dir"
	labelRole    = "studio.tesslate.dev/role"
)

// Config carries the knobs for the Kubernetes driver.
type Config struct {
	// Kubeconfig is a path to a kubeconfig file. Empty means in-cluster.
	Kubeconfig        string
	AppDomain         string
	FileManagerImage  string
	StorageClaimSize  string
	StorageAccessMode string
	StorageClass      string
}

// Driver runs project environments on a Kubernetes cluster: one namespace
// per project, a shared workspace claim, and a deployment per container.
type Driver struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config

	appDomain        string
	fileManagerImage string
	claimSize        resource.Quantity
	accessMode       corev1.PersistentVolumeAccessMode
	storageClass     string
}

// New builds a driver from a kubeconfig path, or from the in-cluster
// service account when the path is empty.
func New(cfg Config) (*Driver, error) {
	restConfig, err := buildRestConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	size, err := resource.ParseQuantity(cfg.StorageClaimSize)
	if err != nil {
		return nil, fmt.Errorf("invalid storage claim size %q: %w", cfg.StorageClaimSize, err)
	}

	accessMode := corev1.ReadWriteMany
	if cfg.StorageAccessMode != "" {
		accessMode = corev1.PersistentVolumeAccessMode(cfg.StorageAccessMode)
	}

	log.WithComponent("cluster").Info().
		Str("host", restConfig.Host).
		Msg("Connected to Kubernetes")

	return &Driver{
		clientset:        clientset,
		restConfig:       restConfig,
		appDomain:        cfg.AppDomain,
		fileManagerImage: cfg.FileManagerImage,
		claimSize:        size,
		accessMode:       accessMode,
		storageClass:     cfg.StorageClass,
	}, nil
}

func buildRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		return cfg, nil
	}
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load in-cluster config: %w", err)
	}
	return cfg, nil
}

// Close is a no-op; client-go connections are pooled per request.
func (d *Driver) Close() error { return nil }

// Mode reports the substrate this driver talks to.
func (d *Driver) Mode() types.DeploymentMode {
	return types.ModeCluster
}

func namespaceFor(project *types.Project) string {
	return namespacePrefix + project.Slug
}

// EnsureProjectSpace creates the project namespace and workspace claim.
func (d *Driver) EnsureProjectSpace(ctx context.Context, project *types.Project) error {
	ns := namespaceFor(project)

	nsObj := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   ns,
			Labels: map[string]string{labelProject: project.Slug},
		},
	}
	if _, err := d.clientset.CoreV1().Namespaces().Create(ctx, nsObj, metav1.CreateOptions{}); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create namespace %s: %w", ns, classify(err))
		}
	}

	pvc := d.buildWorkspaceClaim(project)
	if _, err := d.clientset.CoreV1().PersistentVolumeClaims(ns).Create(ctx, pvc, metav1.CreateOptions{}); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create workspace claim: %w", classify(err))
		}
	}
	return nil
}

// DestroyProjectSpace deletes the project namespace, which takes every
// deployment, service, ingress and the claim with it.
func (d *Driver) DestroyProjectSpace(ctx context.Context, project *types.Project) error {
	ns := namespaceFor(project)
	err := d.clientset.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete namespace %s: %w", ns, classify(err))
	}
	log.WithProject(project.Slug).Info().Str("namespace", ns).Msg("Project namespace deleted")
	return nil
}

func (d *Driver) buildWorkspaceClaim(project *types.Project) *corev1.PersistentVolumeClaim {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      workspaceClaimName,
			Namespace: namespaceFor(project),
			Labels:    map[string]string{labelProject: project.Slug},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{d.accessMode},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: d.claimSize,
				},
			},
		},
	}
	if d.storageClass != "" {
		pvc.Spec.StorageClassName = &d.storageClass
	}
	return pvc
}
