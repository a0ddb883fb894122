package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"

	"podagent/internal/remote"
)

// Executor implements remote.Executor by creating one Job per command.
// The Job is pinned to the instance's node and mounts its workspace PVC.
type Executor struct {
	clientset    kubernetes.Interface
	config       Config
	logger       *slog.Logger
	pollInterval time.Duration
}

func NewExecutor(clientset kubernetes.Interface, cfg Config, logger *slog.Logger) *Executor {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{clientset: clientset, config: cfg, logger: logger, pollInterval: 2 * time.Second}
}

func jobName(inst remote.InstanceInfo, cmd remote.Command) string {
	suffix := uuid.New().String()[:8]
	prefix := invalidNameChars.ReplaceAllString(strings.ToLower(cmd.Name), "-")
	prefix = strings.Trim(prefix, "-")
	if prefix == "" {
		prefix = "cmd"
	}
	if len(prefix) > 20 {
		prefix = strings.Trim(prefix[:20], "-")
	}
	base := inst.ID
	if len(base) > 30 {
		base = base[:30]
	}
	return strings.Trim(base, "-") + "-" + prefix + "-" + suffix
}

// Run implements remote.Executor.
func (k *Executor) Run(ctx context.Context, inst remote.InstanceInfo, cmd remote.Command) (remote.CommandResult, error) {
	ns := inst.Metadata["namespace"]
	if ns == "" {
		ns = k.config.Namespace
	}
	claim := inst.Metadata["pvc"]
	if claim == "" {
		return remote.CommandResult{}, fmt.Errorf("instance %s has no workspace volume", inst.ID)
	}
	img := inst.Metadata["image"]
	if img == "" {
		img = k.config.Image
	}

	workDir := workspacePath
	if cmd.WorkDir != "" {
		workDir = cmd.WorkDir
	}
	env := []corev1.EnvVar{
		{Name: "PODAGENT_INSTANCE_ID", Value: inst.ID},
		{Name: "PODAGENT_WORKSPACE", Value: workspacePath},
	}
	for key, value := range cmd.Env {
		env = append(env, corev1.EnvVar{Name: key, Value: value})
	}

	name := jobName(inst, cmd)
	labels := map[string]string{managedByLabel: managedBy, instanceLabel: inst.ID}
	backoffLimit := int32(0)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: labels},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"job-name": name, managedByLabel: managedBy}},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					NodeName:      inst.Metadata["node"],
					Containers: []corev1.Container{{
						Name:         "command",
						Image:        img,
						Command:      []string{"/bin/sh", "-c", "mkdir -p " + remote.Quote(workDir) + " && cd " + remote.Quote(workDir) + " && " + cmd.Script},
						Env:          env,
						VolumeMounts: []corev1.VolumeMount{{Name: "workspace", MountPath: workspacePath}},
					}},
					Volumes: []corev1.Volume{{
						Name: "workspace",
						VolumeSource: corev1.VolumeSource{
							PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: claim},
						},
					}},
				},
			},
		},
	}
	if k.config.ServiceAccount != "" {
		job.Spec.Template.Spec.ServiceAccountName = k.config.ServiceAccount
	}

	if _, err := k.clientset.BatchV1().Jobs(ns).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return remote.CommandResult{}, apiError("create job", err)
	}
	k.logger.Info("created command job", "job", name, "namespace", ns, "instance_id", inst.ID)

	var final *batchv1.Job
	err := wait.PollUntilContextCancel(ctx, k.pollInterval, true, func(ctx context.Context) (bool, error) {
		current, err := k.clientset.BatchV1().Jobs(ns).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, apiError("get job", err)
		}
		if current.Status.Succeeded > 0 || current.Status.Failed > 0 {
			final = current
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return remote.CommandResult{}, k.stop(ctx, ns, name)
		}
		return remote.CommandResult{}, err
	}

	pod := k.jobPod(ns, name)
	out := k.logs(ns, pod)
	if final.Status.Succeeded > 0 {
		return remote.CommandResult{ExitCode: 0, Output: out}, nil
	}
	return remote.CommandResult{}, &remote.ExitError{Code: exitCode(pod), Output: out}
}

// stop deletes the job and its pods. Success or an already-gone job confirms the stop.
func (k *Executor) stop(ctx context.Context, ns, name string) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	propagation := metav1.DeletePropagationForeground
	err := k.clientset.BatchV1().Jobs(ns).Delete(stopCtx, name, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err = apiError("delete job", err); err != nil && !errors.Is(err, remote.ErrNotFound) {
		k.logger.Warn("failed to delete cancelled job", "job", name, "error", err)
		return fmt.Errorf("%w: %v", remote.ErrStopUnconfirmed, err)
	}
	k.logger.Info("deleted cancelled job", "job", name)
	return fmt.Errorf("%w: %w", remote.ErrStopped, ctx.Err())
}

func (k *Executor) jobPod(ns, name string) *corev1.Pod {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pods, err := k.clientset.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: "job-name=" + name})
	if err != nil || len(pods.Items) == 0 {
		return nil
	}
	return &pods.Items[0]
}

func (k *Executor) logs(ns string, pod *corev1.Pod) string {
	if pod == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := k.clientset.CoreV1().Pods(ns).GetLogs(pod.Name, &corev1.PodLogOptions{Container: "command"}).Stream(ctx)
	if err != nil {
		return ""
	}
	defer stream.Close()
	buf := &remote.TailBuffer{}
	_, _ = io.Copy(buf, stream)
	return buf.String()
}

func exitCode(pod *corev1.Pod) int {
	if pod != nil {
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Terminated != nil {
				return int(cs.State.Terminated.ExitCode)
			}
		}
	}
	return 1
}
