package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"podagent/internal/remote"
)

// Provisioner implements remote.Provisioner with one Pod and one PVC per instance.
type Provisioner struct {
	clientset kubernetes.Interface
	config    Config
}

func NewProvisioner(clientset kubernetes.Interface, cfg Config) *Provisioner {
	cfg.setDefaults()
	return &Provisioner{clientset: clientset, config: cfg}
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// objectName derives a DNS-1123 name from the instance name.
func objectName(name string) string {
	base := invalidNameChars.ReplaceAllString(strings.ToLower(name), "-")
	base = strings.Trim(base, "-")
	if len(base) > 40 {
		base = strings.Trim(base[:40], "-")
	}
	if base == "" {
		base = "instance"
	}
	return "podagent-" + base + "-" + uuid.New().String()[:8]
}

func pvcName(podName string) string { return podName + "-workspace" }

// Create implements remote.Provisioner.
func (p *Provisioner) Create(ctx context.Context, spec remote.Spec) (remote.InstanceInfo, error) {
	name := objectName(spec.Name)
	ns := p.config.Namespace
	labels := map[string]string{managedByLabel: managedBy, instanceLabel: name}

	volumeGB := spec.VolumeGB
	if volumeGB <= 0 {
		volumeGB = 20
	}
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: pvcName(name), Namespace: ns, Labels: labels},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(strconv.Itoa(volumeGB) + "Gi"),
				},
			},
		},
	}
	if p.config.StorageClass != "" {
		pvc.Spec.StorageClassName = &p.config.StorageClass
	}
	if _, err := p.clientset.CoreV1().PersistentVolumeClaims(ns).Create(ctx, pvc, metav1.CreateOptions{}); err != nil {
		return remote.InstanceInfo{}, apiError("create pvc", err)
	}

	img := spec.Image
	if img == "" {
		img = p.config.Image
	}
	var env []corev1.EnvVar
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	resources := corev1.ResourceRequirements{}
	if spec.GPUCount > 0 {
		qty := resource.MustParse(strconv.Itoa(spec.GPUCount))
		resources.Limits = corev1.ResourceList{corev1.ResourceName(p.config.GPUResource): qty}
	}

	annotations := map[string]string{"podagent.io/name": spec.Name}
	var nodeSelector map[string]string
	if spec.GPUType != "" {
		annotations["podagent.io/gpu-type"] = spec.GPUType
		nodeSelector = map[string]string{"nvidia.com/gpu.product": spec.GPUType}
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: labels, Annotations: annotations},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			NodeSelector:  nodeSelector,
			Containers: []corev1.Container{{
				Name:         "workspace",
				Image:        img,
				Command:      []string{"/bin/sh", "-c", "trap 'exit 0' TERM; sleep infinity & wait"},
				Env:          env,
				Resources:    resources,
				VolumeMounts: []corev1.VolumeMount{{Name: "workspace", MountPath: workspacePath}},
			}},
			Volumes: []corev1.Volume{{
				Name: "workspace",
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: pvcName(name)},
				},
			}},
		},
	}
	if p.config.ServiceAccount != "" {
		pod.Spec.ServiceAccountName = p.config.ServiceAccount
	}

	created, err := p.clientset.CoreV1().Pods(ns).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		_ = p.clientset.CoreV1().PersistentVolumeClaims(ns).Delete(context.Background(), pvcName(name), metav1.DeleteOptions{})
		return remote.InstanceInfo{}, apiError("create pod", err)
	}
	return podInfo(created), nil
}

// Get implements remote.Provisioner.
func (p *Provisioner) Get(ctx context.Context, id string) (remote.InstanceInfo, error) {
	pod, err := p.clientset.CoreV1().Pods(p.config.Namespace).Get(ctx, id, metav1.GetOptions{})
	if err != nil {
		return remote.InstanceInfo{}, apiError("get pod", err)
	}
	if pod.Labels[managedByLabel] != managedBy {
		return remote.InstanceInfo{}, fmt.Errorf("pod %s: %w", id, remote.ErrNotFound)
	}
	return podInfo(pod), nil
}

// Terminate implements remote.Provisioner. It deletes the pod and its workspace PVC.
func (p *Provisioner) Terminate(ctx context.Context, id string) error {
	ns := p.config.Namespace
	podErr := p.clientset.CoreV1().Pods(ns).Delete(ctx, id, metav1.DeleteOptions{})
	pvcErr := p.clientset.CoreV1().PersistentVolumeClaims(ns).Delete(ctx, pvcName(id), metav1.DeleteOptions{})

	if podErr != nil {
		return apiError("delete pod", podErr)
	}
	if err := apiError("delete pvc", pvcErr); err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	return nil
}

// List implements remote.Provisioner.
func (p *Provisioner) List(ctx context.Context) ([]remote.InstanceInfo, error) {
	pods, err := p.clientset.CoreV1().Pods(p.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: managedByLabel + "=" + managedBy + "," + instanceLabel,
	})
	if err != nil {
		return nil, apiError("list pods", err)
	}
	out := make([]remote.InstanceInfo, 0, len(pods.Items))
	for i := range pods.Items {
		out = append(out, podInfo(&pods.Items[i]))
	}
	return out, nil
}

func podInfo(pod *corev1.Pod) remote.InstanceInfo {
	info := remote.InstanceInfo{
		ID:     pod.Name,
		Name:   pod.Annotations["podagent.io/name"],
		Status: string(pod.Status.Phase),
		Metadata: map[string]string{
			"namespace": pod.Namespace,
			"pvc":       pvcName(pod.Name),
		},
	}
	if info.Name == "" {
		info.Name = pod.Name
	}
	if info.Status == "" {
		info.Status = string(corev1.PodPending)
	}
	if pod.Spec.NodeName != "" {
		info.Metadata["node"] = pod.Spec.NodeName
	}
	if len(pod.Spec.Containers) > 0 {
		info.Metadata["image"] = pod.Spec.Containers[0].Image
	}
	if gpu := pod.Annotations["podagent.io/gpu-type"]; gpu != "" {
		info.Metadata["gpu_type"] = gpu
	}
	info.Ready = pod.Status.Phase == corev1.PodRunning && podReady(pod)
	return info
}

func podReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
