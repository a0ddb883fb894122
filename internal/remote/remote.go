// Package remote defines the backends the agent drives: provisioners that
// create and destroy compute instances, and executors that run commands on them.
package remote

import (
	"context"
	"strings"
	"sync"
)

// Spec describes an instance to provision.
type Spec struct {
	Name     string
	Image    string
	GPUType  string
	GPUCount int
	VolumeGB int
	Env      map[string]string
}

// InstanceInfo is what a provisioner reports about one instance.
type InstanceInfo struct {
	ID     string
	Name   string
	Status string // provider-native status, e.g. RUNNING
	Ready  bool
	// Address is host:port of the command channel, when the backend has one.
	Address  string
	Metadata map[string]string
}

// Provisioner creates and destroys compute instances.
type Provisioner interface {
	// Create requests a new instance. The instance may not be ready yet.
	Create(ctx context.Context, spec Spec) (InstanceInfo, error)
	// Get returns the current view of an instance or ErrNotFound.
	Get(ctx context.Context, id string) (InstanceInfo, error)
	// Terminate releases the instance. Terminating a missing instance returns ErrNotFound.
	Terminate(ctx context.Context, id string) error
	// List returns every instance visible to the provider.
	List(ctx context.Context) ([]InstanceInfo, error)
}

// Command is a shell script to run on an instance.
type Command struct {
	// Name identifies the command in logs and resource names, e.g. "instag-train".
	Name    string
	Script  string
	Env     map[string]string
	WorkDir string
	// Idempotent commands are safe to start again after a dropped connection.
	Idempotent bool
}

// CommandResult is the outcome of a command that exited with status 0.
type CommandResult struct {
	ExitCode int
	Output   string
}

// Executor runs commands on an instance.
//
// Run blocks until the command exits. A non-zero exit returns *ExitError.
// When ctx is cancelled, Run tears the remote process down and returns an
// error wrapping ErrStopped, or ErrStopUnconfirmed when it could not verify
// that the process is gone.
type Executor interface {
	Run(ctx context.Context, inst InstanceInfo, cmd Command) (CommandResult, error)
}

// Quote returns s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./-_", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// TailBuffer keeps the last Limit bytes written to it.
type TailBuffer struct {
	Limit int

	mu  sync.Mutex
	buf []byte
}

// DefaultTailLimit is the amount of command output kept in results.
const DefaultTailLimit = 8 << 10

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	limit := b.Limit
	if limit <= 0 {
		limit = DefaultTailLimit
	}
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
