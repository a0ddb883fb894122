// Package exec runs instance commands as local processes.
// Each instance gets its own work directory. It is meant for development
// against the local provisioner.
package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"syscall"
	"time"

	"podagent/internal/remote"
)

// Executor implements remote.Executor with os/exec.
type Executor struct {
	WorkDir string
	// StopGrace is how long a cancelled process gets between SIGTERM and SIGKILL.
	StopGrace time.Duration
}

// NewExecutor creates a process executor rooted at workDir.
func NewExecutor(workDir string) *Executor {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "podagent", "instances")
	}
	return &Executor{WorkDir: workDir, StopGrace: 5 * time.Second}
}

// Run implements remote.Executor.
func (e *Executor) Run(ctx context.Context, inst remote.InstanceInfo, cmd remote.Command) (remote.CommandResult, error) {
	if cmd.Script == "" {
		return remote.CommandResult{}, errors.New("command script is required")
	}
	if inst.ID == "" {
		return remote.CommandResult{}, errors.New("instance id is required")
	}

	dir := filepath.Join(e.WorkDir, inst.ID)
	if cmd.WorkDir != "" {
		dir = filepath.Join(dir, filepath.Clean("/"+cmd.WorkDir))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return remote.CommandResult{}, fmt.Errorf("failed to create work dir: %w", err)
	}

	out := &remote.TailBuffer{}
	proc := osexec.Command("/bin/sh", "-c", cmd.Script)
	proc.Dir = dir
	proc.Stdout = out
	proc.Stderr = out
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	proc.Env = append(os.Environ(), "PODAGENT_INSTANCE_ID="+inst.ID, "PODAGENT_WORKSPACE="+filepath.Join(e.WorkDir, inst.ID))
	for k, v := range cmd.Env {
		proc.Env = append(proc.Env, k+"="+v)
	}

	if err := proc.Start(); err != nil {
		return remote.CommandResult{}, fmt.Errorf("failed to start command: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()

	select {
	case err := <-waitCh:
		return result(err, out)
	case <-ctx.Done():
		return remote.CommandResult{Output: out.String()}, e.stop(ctx, proc, waitCh)
	}
}

// stop signals the whole process group and reports whether it exited.
func (e *Executor) stop(ctx context.Context, proc *osexec.Cmd, waitCh <-chan error) error {
	pgid := -proc.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-waitCh:
		return fmt.Errorf("%w: %w", remote.ErrStopped, ctx.Err())
	case <-time.After(e.StopGrace):
	}

	_ = syscall.Kill(pgid, syscall.SIGKILL)
	select {
	case <-waitCh:
		return fmt.Errorf("%w: %w", remote.ErrStopped, ctx.Err())
	case <-time.After(time.Second):
		return fmt.Errorf("%w: pid %d did not exit", remote.ErrStopUnconfirmed, proc.Process.Pid)
	}
}

func result(err error, out *remote.TailBuffer) (remote.CommandResult, error) {
	if err == nil {
		return remote.CommandResult{ExitCode: 0, Output: out.String()}, nil
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return remote.CommandResult{}, &remote.ExitError{Code: exitErr.ExitCode(), Output: out.String()}
	}
	return remote.CommandResult{}, err
}
