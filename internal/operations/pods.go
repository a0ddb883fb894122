package operations

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"podagent/internal/remote"
	"podagent/internal/store"
	"podagent/internal/tracker"
)

type provisionParams struct {
	PodName  string `mapstructure:"pod_name"`
	Image    string `mapstructure:"image"`
	GPUType  string `mapstructure:"gpu_type"`
	GPUCount int    `mapstructure:"gpu_count"`
	VolumeGB int    `mapstructure:"volume_gb"`
}

type provisionPod struct{ Deps }

func (h *provisionPod) params(raw map[string]any) (provisionParams, error) {
	var p provisionParams
	if err := decode(raw, &p); err != nil {
		return p, err
	}
	if err := nonEmpty("pod_name", p.PodName); err != nil {
		return p, err
	}
	if p.GPUCount < 0 || p.VolumeGB < 0 {
		return p, errors.New("gpu_count and volume_gb must not be negative")
	}
	return p, nil
}

func (h *provisionPod) Validate(raw map[string]any) error {
	_, err := h.params(raw)
	return err
}

// Execute records the instance, creates it remotely and waits until it is ready.
// A pod that never becomes ready is terminated so nothing is left running unseen.
func (h *provisionPod) Execute(ctx context.Context, task store.Task) (map[string]any, error) {
	p, err := h.params(task.Params)
	if err != nil {
		return nil, err
	}
	spec := remote.Spec{
		Name:     p.PodName,
		Image:    firstNonEmpty(p.Image, h.Defaults.Image),
		GPUType:  firstNonEmpty(p.GPUType, h.Defaults.GPUType),
		GPUCount: p.GPUCount,
		VolumeGB: p.VolumeGB,
	}
	if spec.GPUCount == 0 {
		spec.GPUCount = h.Defaults.GPUCount
	}
	if spec.VolumeGB == 0 {
		spec.VolumeGB = h.Defaults.VolumeGB
	}

	if _, err := h.Tracker.CreateInstance(p.PodName, map[string]string{
		"image":     spec.Image,
		"gpu_type":  spec.GPUType,
		"gpu_count": strconv.Itoa(spec.GPUCount),
		"task_id":   task.ID,
	}); err != nil {
		return nil, fmt.Errorf("pod %s: %w", p.PodName, err)
	}
	if _, err := h.Tracker.SetInstanceState(p.PodName, store.InstanceProvisioning); err != nil {
		return nil, err
	}

	info, err := h.Transport.Provision(ctx, spec)
	if err != nil {
		h.setState(p.PodName, store.InstanceError)
		return nil, err
	}
	if _, err := h.Tracker.BindInstance(p.PodName, info.ID, info.Metadata); err != nil {
		return nil, err
	}
	_ = h.Tracker.SetInstanceID(task.ID, info.ID)
	h.Logger.Info("pod created", "task_id", task.ID, "pod_id", info.ID, "pod_name", p.PodName)

	ready, err := h.Transport.WaitReady(ctx, info.ID)
	if err != nil {
		h.cleanup(p.PodName, info.ID)
		return nil, err
	}
	h.setState(p.PodName, store.InstanceReady)
	if len(ready.Metadata) > 0 {
		_, _ = h.Tracker.BindInstance(p.PodName, info.ID, ready.Metadata)
	}

	return success(fmt.Sprintf("Pod provisioning for %s initiated.", p.PodName), map[string]any{
		"pod_id":   info.ID,
		"pod_name": p.PodName,
		"state":    string(store.InstanceReady),
	}), nil
}

// cleanup terminates a pod that failed to come up.
func (h *provisionPod) cleanup(name, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h.setState(name, store.InstanceTerminating)
	if err := h.Transport.Terminate(ctx, id); err != nil && !errors.Is(err, remote.ErrNotFound) {
		h.Logger.Error("failed to clean up pod", "pod_id", id, "error", err)
		h.setState(name, store.InstanceError)
		return
	}
	h.setState(name, store.InstanceTerminated)
}

func (h *provisionPod) setState(name string, to store.InstanceState) {
	if _, err := h.Tracker.SetInstanceState(name, to); err != nil {
		h.Logger.Warn("instance state not updated", "pod_name", name, "to", to, "error", err)
	}
}

type podParams struct {
	PodID string `mapstructure:"pod_id"`
}

func decodePodID(raw map[string]any) (string, error) {
	var p podParams
	if err := decode(raw, &p); err != nil {
		return "", err
	}
	return p.PodID, nonEmpty("pod_id", p.PodID)
}

type terminatePod struct{ Deps }

func (h *terminatePod) Validate(raw map[string]any) error {
	_, err := decodePodID(raw)
	return err
}

// Execute terminates the pod. A pod the provider no longer knows counts as terminated.
func (h *terminatePod) Execute(ctx context.Context, task store.Task) (map[string]any, error) {
	podID, err := decodePodID(task.Params)
	if err != nil {
		return nil, err
	}
	if _, ok := h.Tracker.InstanceByID(podID); !ok {
		h.Tracker.AdoptInstance(podID, "", store.InstanceReady)
	}
	h.setState(podID, store.InstanceTerminating)

	err = h.Transport.Terminate(ctx, podID)
	switch {
	case err == nil:
	case errors.Is(err, remote.ErrNotFound):
		h.Logger.Info("pod already gone", "pod_id", podID)
	default:
		h.setState(podID, store.InstanceError)
		return nil, err
	}
	h.setState(podID, store.InstanceTerminated)

	return success(fmt.Sprintf("Pod termination for %s initiated.", podID), map[string]any{
		"pod_id": podID,
		"state":  string(store.InstanceTerminated),
	}), nil
}

func (h *terminatePod) setState(id string, to store.InstanceState) {
	if _, err := h.Tracker.SetInstanceStateByID(id, to); err != nil && !errors.Is(err, tracker.ErrInstanceNotFound) {
		h.Logger.Warn("instance state not updated", "pod_id", id, "to", to, "error", err)
	}
}

type listPods struct{ Deps }

func (h *listPods) Validate(raw map[string]any) error { return nil }

func (h *listPods) Execute(ctx context.Context, task store.Task) (map[string]any, error) {
	infos, err := h.Transport.List(ctx)
	if err != nil {
		return nil, err
	}
	pods := make([]any, 0, len(infos))
	for _, info := range infos {
		pods = append(pods, map[string]any{"id": info.ID, "name": info.Name, "status": info.Status})
	}
	return success(fmt.Sprintf("Found %d pods.", len(pods)), map[string]any{"pods": pods}), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
