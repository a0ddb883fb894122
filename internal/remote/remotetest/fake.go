// Package remotetest provides scriptable remote backends for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"

	"podagent/internal/remote"
)

// Provisioner is an in-memory remote.Provisioner whose failures can be scripted.
type Provisioner struct {
	mu        sync.Mutex
	seq       int
	instances map[string]remote.InstanceInfo

	// CreateErrs are returned by successive Create calls before they start succeeding.
	CreateErrs []error
	// GetErrs are returned by successive Get calls before they start succeeding.
	GetErrs []error
	// NotReadyPolls is how many Get calls report a new instance as not ready.
	NotReadyPolls int

	CreateCalls    int
	GetCalls       int
	TerminateCalls int
	polls          map[string]int
}

func NewProvisioner() *Provisioner {
	return &Provisioner{instances: make(map[string]remote.InstanceInfo), polls: make(map[string]int)}
}

func (p *Provisioner) Create(ctx context.Context, spec remote.Spec) (remote.InstanceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CreateCalls++
	if len(p.CreateErrs) > 0 {
		err := p.CreateErrs[0]
		p.CreateErrs = p.CreateErrs[1:]
		return remote.InstanceInfo{}, err
	}
	p.seq++
	info := remote.InstanceInfo{
		ID:       fmt.Sprintf("pod-%d", p.seq),
		Name:     spec.Name,
		Status:   "CREATED",
		Ready:    p.NotReadyPolls == 0,
		Address:  fmt.Sprintf("10.0.0.%d:22", p.seq),
		Metadata: map[string]string{"image": spec.Image},
	}
	if info.Ready {
		info.Status = "RUNNING"
	}
	p.instances[info.ID] = info
	return info, nil
}

// Put registers an instance directly.
func (p *Provisioner) Put(info remote.InstanceInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances[info.ID] = info
}

func (p *Provisioner) Get(ctx context.Context, id string) (remote.InstanceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GetCalls++
	if len(p.GetErrs) > 0 {
		err := p.GetErrs[0]
		p.GetErrs = p.GetErrs[1:]
		return remote.InstanceInfo{}, err
	}
	info, ok := p.instances[id]
	if !ok {
		return remote.InstanceInfo{}, remote.ErrNotFound
	}
	p.polls[id]++
	if !info.Ready && p.polls[id] > p.NotReadyPolls {
		info.Ready = true
		info.Status = "RUNNING"
		p.instances[id] = info
	}
	return info, nil
}

func (p *Provisioner) Terminate(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TerminateCalls++
	if _, ok := p.instances[id]; !ok {
		return remote.ErrNotFound
	}
	delete(p.instances, id)
	return nil
}

func (p *Provisioner) List(ctx context.Context) ([]remote.InstanceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]remote.InstanceInfo, 0, len(p.instances))
	for _, info := range p.instances {
		out = append(out, info)
	}
	return out, nil
}

// RunFunc scripts one Executor.Run call.
type RunFunc func(ctx context.Context, inst remote.InstanceInfo, cmd remote.Command) (remote.CommandResult, error)

// Executor records commands and runs them through Func (success by default).
type Executor struct {
	mu       sync.Mutex
	Func     RunFunc
	Commands []remote.Command
}

func (e *Executor) Run(ctx context.Context, inst remote.InstanceInfo, cmd remote.Command) (remote.CommandResult, error) {
	e.mu.Lock()
	e.Commands = append(e.Commands, cmd)
	fn := e.Func
	e.mu.Unlock()

	if fn == nil {
		return remote.CommandResult{ExitCode: 0, Output: "ok\n"}, nil
	}
	return fn(ctx, inst, cmd)
}

// Recorded returns a copy of the commands seen so far.
func (e *Executor) Recorded() []remote.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]remote.Command(nil), e.Commands...)
}

// Block returns a RunFunc that waits for ctx and then reports stopErr,
// or succeeds when release is closed first.
func Block(release <-chan struct{}, stopErr error) RunFunc {
	return func(ctx context.Context, inst remote.InstanceInfo, cmd remote.Command) (remote.CommandResult, error) {
		select {
		case <-release:
			return remote.CommandResult{ExitCode: 0, Output: "done\n"}, nil
		case <-ctx.Done():
			return remote.CommandResult{}, fmt.Errorf("%w: %w", stopErr, ctx.Err())
		}
	}
}
