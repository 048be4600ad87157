package cluster

import (
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/tesslate/studio/pkg/substrate"
	"github.com/tesslate/studio/pkg/types"
)

const devContainerName = "dev"

func objectLabels(project *types.Project, dir, role string) map[string]string {
	return map[string]string{
		labelProject: project.Slug,
		labelDir:     dir,
		labelRole:    role,
	}
}

func selectorLabels(dir string) map[string]string {
	return map[string]string{labelDir: dir}
}

// buildFileManagerDeployment is the always-on sidecar: a minimal image
// holding an idle shell loop with the whole workspace claim at /app.
func (d *Driver) buildFileManagerDeployment(project *types.Project) *appsv1.Deployment {
	labels := objectLabels(project, substrate.FileManagerDir, substrate.RoleFileManager)
	replicas := int32(1)

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      substrate.FileManagerDir,
			Namespace: namespaceFor(project),
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: selectorLabels(substrate.FileManagerDir)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:       substrate.FileManagerDir,
						Image:      d.fileManagerImage,
						Command:    []string{"/bin/sh", "-c", "while :; do sleep 3600; done"},
						WorkingDir: substrate.WorkspaceMount,
						VolumeMounts: []corev1.VolumeMount{{
							Name:      workspaceVolumeName,
							MountPath: substrate.WorkspaceMount,
						}},
					}},
					Volumes: []corev1.Volume{workspaceVolume()},
				},
			},
		},
	}
}

// buildDevDeployment runs one dev container with its subdirectory of the
// workspace claim mounted at /app/<dir>.
func (d *Driver) buildDevDeployment(project *types.Project, spec *substrate.ContainerSpec) *appsv1.Deployment {
	labels := objectLabels(project, spec.Dir, substrate.RoleDev)
	replicas := int32(1)

	container := corev1.Container{
		Name:       devContainerName,
		Image:      spec.Image,
		Command:    spec.Command,
		WorkingDir: substrate.ContainerRoot(spec.Dir),
		Env:        envVars(spec.Env),
		VolumeMounts: []corev1.VolumeMount{{
			Name:      workspaceVolumeName,
			MountPath: substrate.ContainerRoot(spec.Dir),
			SubPath:   spec.Dir,
		}},
	}
	if spec.Port > 0 {
		container.Ports = []corev1.ContainerPort{{
			Name:          "http",
			ContainerPort: int32(spec.Port),
			Protocol:      corev1.ProtocolTCP,
		}}
		container.Env = append(container.Env, corev1.EnvVar{
			Name:  "PORT",
			Value: strconv.Itoa(spec.Port),
		})
	}
	if spec.Resources != nil {
		container.Resources = resourceRequirements(spec.Resources)
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Dir,
			Namespace: namespaceFor(project),
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: selectorLabels(spec.Dir)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Hostname:   spec.Dir,
					Containers: []corev1.Container{container},
					Volumes:    []corev1.Volume{workspaceVolume()},
				},
			},
		},
	}
}

// buildService exposes the dev container's port inside the cluster.
func (d *Driver) buildService(project *types.Project, spec *substrate.ContainerSpec) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Dir,
			Namespace: namespaceFor(project),
			Labels:    objectLabels(project, spec.Dir, substrate.RoleDev),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: selectorLabels(spec.Dir),
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       int32(spec.Port),
				TargetPort: intstr.FromInt32(int32(spec.Port)),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

// buildIngress routes <dir>.<slug>.<app_domain> to the dev service.
func (d *Driver) buildIngress(project *types.Project, spec *substrate.ContainerSpec) *networkingv1.Ingress {
	pathType := networkingv1.PathTypePrefix
	host := types.Hostname(spec.Dir, project.Slug, d.appDomain)

	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Dir,
			Namespace: namespaceFor(project),
			Labels:    objectLabels(project, spec.Dir, substrate.RoleDev),
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				Host: host,
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     "/",
							PathType: &pathType,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: spec.Dir,
									Port: networkingv1.ServiceBackendPort{Number: int32(spec.Port)},
								},
							},
						}},
					},
				},
			}},
		},
	}
}

func workspaceVolume() corev1.Volume {
	return corev1.Volume{
		Name: workspaceVolumeName,
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: workspaceClaimName,
			},
		},
	}
}

func envVars(env []string) []corev1.EnvVar {
	vars := make([]corev1.EnvVar, 0, len(env))
	for _, kv := range env {
		name, value := splitEnv(kv)
		if name == "" {
			continue
		}
		vars = append(vars, corev1.EnvVar{Name: name, Value: value})
	}
	return vars
}

func splitEnv(kv string) (string, string) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return kv, ""
}

func resourceRequirements(limits *types.ResourceLimits) corev1.ResourceRequirements {
	list := corev1.ResourceList{}
	if limits.CPULimit > 0 {
		list[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(limits.CPULimit*1000), resource.DecimalSI)
	}
	if limits.MemoryLimit > 0 {
		list[corev1.ResourceMemory] = *resource.NewQuantity(limits.MemoryLimit, resource.BinarySI)
	}
	return corev1.ResourceRequirements{Limits: list}
}
