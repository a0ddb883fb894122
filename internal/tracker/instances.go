package tracker

import (
	"sort"

	"podagent/internal/store"
)

var instanceTransitions = map[store.InstanceState][]store.InstanceState{
	store.InstanceRequested:    {store.InstanceProvisioning, store.InstanceError},
	store.InstanceProvisioning: {store.InstanceReady, store.InstanceTerminating, store.InstanceError},
	store.InstanceReady:        {store.InstanceTerminating, store.InstanceError},
	store.InstanceTerminating:  {store.InstanceTerminated, store.InstanceError},
	store.InstanceError:        {store.InstanceTerminating, store.InstanceTerminated},
}

// CreateInstance records a requested instance under a unique name.
// A name held by a terminated or failed instance can be reused.
func (t *Tracker) CreateInstance(name string, metadata map[string]string) (store.Instance, error) {
	t.instMu.Lock()
	defer t.instMu.Unlock()

	if existing, ok := t.instances[name]; ok && existing.State != store.InstanceTerminated && existing.State != store.InstanceError {
		return store.Instance{}, ErrInstanceNameInUse
	}

	now := t.now()
	inst := &store.Instance{
		Name:      name,
		State:     store.InstanceRequested,
		Metadata:  copyStrings(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.instances[name] = inst
	return cloneInstance(inst), nil
}

// AdoptInstance starts tracking an instance that was created outside this agent.
func (t *Tracker) AdoptInstance(id, name string, state store.InstanceState) store.Instance {
	t.instMu.Lock()
	defer t.instMu.Unlock()

	if name == "" {
		name = id
	}
	now := t.now()
	inst := &store.Instance{ID: id, Name: name, State: state, CreatedAt: now, UpdatedAt: now}
	t.instances[name] = inst
	return cloneInstance(inst)
}

// BindInstance sets the provider-assigned id and merges metadata.
func (t *Tracker) BindInstance(name, id string, metadata map[string]string) (store.Instance, error) {
	t.instMu.Lock()
	defer t.instMu.Unlock()

	inst, ok := t.instances[name]
	if !ok {
		return store.Instance{}, ErrInstanceNotFound
	}
	inst.ID = id
	if len(metadata) > 0 && inst.Metadata == nil {
		inst.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		inst.Metadata[k] = v
	}
	inst.UpdatedAt = t.now()
	return cloneInstance(inst), nil
}

// AnnotateInstance merges metadata into the instance with the given provider id.
func (t *Tracker) AnnotateInstance(id string, metadata map[string]string) (store.Instance, error) {
	t.instMu.Lock()
	defer t.instMu.Unlock()

	for _, inst := range t.instances {
		if inst.ID != id {
			continue
		}
		if inst.Metadata == nil {
			inst.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			inst.Metadata[k] = v
		}
		inst.UpdatedAt = t.now()
		return cloneInstance(inst), nil
	}
	return store.Instance{}, ErrInstanceNotFound
}

// SetInstanceState moves an instance along a legal lifecycle edge.
func (t *Tracker) SetInstanceState(name string, to store.InstanceState) (store.Instance, error) {
	t.instMu.Lock()
	defer t.instMu.Unlock()

	inst, ok := t.instances[name]
	if !ok {
		return store.Instance{}, ErrInstanceNotFound
	}
	return t.setInstanceState(inst, to)
}

// SetInstanceStateByID is SetInstanceState keyed by provider id.
func (t *Tracker) SetInstanceStateByID(id string, to store.InstanceState) (store.Instance, error) {
	t.instMu.Lock()
	defer t.instMu.Unlock()

	for _, inst := range t.instances {
		if inst.ID == id {
			return t.setInstanceState(inst, to)
		}
	}
	return store.Instance{}, ErrInstanceNotFound
}

func (t *Tracker) setInstanceState(inst *store.Instance, to store.InstanceState) (store.Instance, error) {
	if inst.State == to {
		return cloneInstance(inst), nil
	}
	if !instanceAllowed(inst.State, to) {
		return store.Instance{}, &TransitionError{Kind: "instance", ID: inst.Name, From: string(inst.State), To: string(to)}
	}
	inst.State = to
	inst.UpdatedAt = t.now()
	return cloneInstance(inst), nil
}

// Instance returns the instance recorded under name.
func (t *Tracker) Instance(name string) (store.Instance, bool) {
	t.instMu.RLock()
	defer t.instMu.RUnlock()
	inst, ok := t.instances[name]
	if !ok {
		return store.Instance{}, false
	}
	return cloneInstance(inst), true
}

// InstanceByID finds an instance by its provider id.
func (t *Tracker) InstanceByID(id string) (store.Instance, bool) {
	t.instMu.RLock()
	defer t.instMu.RUnlock()
	for _, inst := range t.instances {
		if inst.ID == id {
			return cloneInstance(inst), true
		}
	}
	return store.Instance{}, false
}

// Instances returns all instances sorted by name.
func (t *Tracker) Instances() []store.Instance {
	t.instMu.RLock()
	defer t.instMu.RUnlock()
	out := make([]store.Instance, 0, len(t.instances))
	for _, inst := range t.instances {
		out = append(out, cloneInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func instanceAllowed(from, to store.InstanceState) bool {
	for _, next := range instanceTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func cloneInstance(inst *store.Instance) store.Instance {
	out := *inst
	out.Metadata = copyStrings(inst.Metadata)
	return out
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
