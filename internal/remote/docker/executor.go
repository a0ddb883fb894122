// Package docker runs instance commands in Docker containers that share
// a named workspace volume per instance.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"podagent/internal/remote"
)

// Executor implements remote.Executor using the Docker SDK.
type Executor struct {
	client *client.Client
	// Image is used when the instance carries no "image" metadata.
	Image string
}

// NewExecutor creates a Docker executor from the standard environment (DOCKER_HOST, etc.).
func NewExecutor(defaultImage string) (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Executor{client: cli, Image: defaultImage}, nil
}

// VolumeName is the workspace volume shared by every command of an instance.
func VolumeName(instanceID string) string {
	return "podagent-" + instanceID
}

// Run implements remote.Executor.
func (d *Executor) Run(ctx context.Context, inst remote.InstanceInfo, cmd remote.Command) (remote.CommandResult, error) {
	img := inst.Metadata["image"]
	if img == "" {
		img = d.Image
	}
	if img == "" {
		return remote.CommandResult{}, errors.New("no image for instance")
	}

	if _, err := d.client.ImageInspect(ctx, img); err != nil {
		reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			return remote.CommandResult{}, &remote.ConnectError{Op: "pull " + img, Err: err}
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}

	workDir := "/workspace"
	if cmd.WorkDir != "" {
		workDir = cmd.WorkDir
	}
	env := []string{"PODAGENT_INSTANCE_ID=" + inst.ID, "PODAGENT_WORKSPACE=/workspace"}
	for k, v := range cmd.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	created, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      img,
		Cmd:        []string{"/bin/sh", "-c", "mkdir -p " + remote.Quote(workDir) + " && cd " + remote.Quote(workDir) + " && " + cmd.Script},
		Env:        env,
		Tty:        true,
		Labels:     map[string]string{"app.kubernetes.io/managed-by": "podagent", "podagent.io/instance": inst.ID},
		WorkingDir: "/workspace",
	}, &container.HostConfig{
		Mounts: []mount.Mount{{Type: mount.TypeVolume, Source: VolumeName(inst.ID), Target: "/workspace"}},
	}, nil, nil, "")
	if err != nil {
		return remote.CommandResult{}, &remote.ConnectError{Op: "create container", Err: err}
	}
	id := created.ID
	defer d.remove(id)

	if err := d.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return remote.CommandResult{}, &remote.ConnectError{Op: "start container", Err: err}
	}

	statusCh, errCh := d.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return remote.CommandResult{}, d.stop(ctx, id)
		}
		return remote.CommandResult{}, fmt.Errorf("wait for container: %w", err)
	case status := <-statusCh:
		out := d.logs(id)
		if status.Error != nil {
			return remote.CommandResult{}, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		if status.StatusCode != 0 {
			return remote.CommandResult{}, &remote.ExitError{Code: int(status.StatusCode), Output: out}
		}
		return remote.CommandResult{ExitCode: 0, Output: out}, nil
	case <-ctx.Done():
		return remote.CommandResult{}, d.stop(ctx, id)
	}
}

func (d *Executor) stop(ctx context.Context, id string) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	timeout := 5
	if err := d.client.ContainerStop(stopCtx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("%w: %v", remote.ErrStopUnconfirmed, err)
	}
	return fmt.Errorf("%w: %w", remote.ErrStopped, ctx.Err())
}

func (d *Executor) logs(id string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rc, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return ""
	}
	defer rc.Close()
	buf := &remote.TailBuffer{}
	_, _ = io.Copy(buf, rc)
	return buf.String()
}

func (d *Executor) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}
