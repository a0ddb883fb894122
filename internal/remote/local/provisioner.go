// Package local provides an in-memory provisioner for development and tests.
package local

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"podagent/internal/remote"
)

// Provisioner keeps instances in memory. Every instance is ready as soon as it is created.
type Provisioner struct {
	mu        sync.Mutex
	instances map[string]remote.InstanceInfo
}

func NewProvisioner() *Provisioner {
	return &Provisioner{instances: make(map[string]remote.InstanceInfo)}
}

func (p *Provisioner) Create(ctx context.Context, spec remote.Spec) (remote.InstanceInfo, error) {
	if err := ctx.Err(); err != nil {
		return remote.InstanceInfo{}, err
	}
	info := remote.InstanceInfo{
		ID:       uuid.New().String(),
		Name:     spec.Name,
		Status:   "RUNNING",
		Ready:    true,
		Metadata: map[string]string{},
	}
	if spec.Image != "" {
		info.Metadata["image"] = spec.Image
	}
	if spec.GPUType != "" {
		info.Metadata["gpu_type"] = spec.GPUType
	}

	p.mu.Lock()
	p.instances[info.ID] = info
	p.mu.Unlock()
	return clone(info), nil
}

func (p *Provisioner) Get(ctx context.Context, id string) (remote.InstanceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.instances[id]
	if !ok {
		return remote.InstanceInfo{}, remote.ErrNotFound
	}
	return clone(info), nil
}

func (p *Provisioner) Terminate(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
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
		out = append(out, clone(info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func clone(info remote.InstanceInfo) remote.InstanceInfo {
	md := make(map[string]string, len(info.Metadata))
	for k, v := range info.Metadata {
		md[k] = v
	}
	info.Metadata = md
	return info
}
