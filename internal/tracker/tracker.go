// Package tracker records tasks and instances and serializes their state transitions.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"podagent/internal/store"
)

// taskTransitions lists the legal status edges. Terminal states have none.
var taskTransitions = map[store.TaskStatus][]store.TaskStatus{
	store.TaskStatusPending: {store.TaskStatusRunning, store.TaskStatusFailed},
	store.TaskStatusRunning: {store.TaskStatusSucceeded, store.TaskStatusFailed},
}

// Config configures a Tracker.
type Config struct {
	// Retention is how long terminal tasks stay in memory (default: 1h).
	Retention time.Duration
	// Archive optionally keeps a durable copy of every transition.
	Archive store.TaskArchive
	Logger  *slog.Logger
}

// Tracker is the only owner of task and instance state.
// The task table lock only guards membership; each task has its own lock,
// so updates on different tasks never wait for each other.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[string]*entry

	instMu    sync.RWMutex
	instances map[string]*store.Instance // keyed by name

	retention time.Duration
	archive   store.TaskArchive
	logger    *slog.Logger
	now       func() time.Time
}

type entry struct {
	mu   sync.Mutex
	task store.Task
	done chan struct{}

	// saveMu is taken before mu is released so archive writes keep transition order.
	saveMu sync.Mutex
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		tasks:     make(map[string]*entry),
		instances: make(map[string]*store.Instance),
		retention: cfg.Retention,
		archive:   cfg.Archive,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new pending task and returns its snapshot.
func (t *Tracker) Create(id, operation string, params map[string]any, instanceID string) (store.Task, error) {
	now := t.now()
	e := &entry{
		task: store.Task{
			ID:         id,
			Operation:  operation,
			Params:     copyMap(params),
			Status:     store.TaskStatusPending,
			InstanceID: instanceID,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		done: make(chan struct{}),
	}
	if e.task.Params == nil {
		e.task.Params = map[string]any{}
	}

	t.mu.Lock()
	if _, exists := t.tasks[id]; exists {
		t.mu.Unlock()
		return store.Task{}, ErrDuplicateTask
	}
	t.tasks[id] = e
	e.mu.Lock()
	t.mu.Unlock()

	return t.commit(e), nil
}

// MarkRunning moves a pending task to running.
func (t *Tracker) MarkRunning(id string) (store.Task, error) {
	return t.transition(id, store.TaskStatusRunning, nil, "")
}

// MarkSucceeded records the result of a running task.
func (t *Tracker) MarkSucceeded(id string, result map[string]any) (store.Task, error) {
	return t.transition(id, store.TaskStatusSucceeded, result, "")
}

// MarkFailed records why a task failed.
func (t *Tracker) MarkFailed(id string, reason string) (store.Task, error) {
	return t.transition(id, store.TaskStatusFailed, nil, reason)
}

// SetInstanceID attaches an instance to a non-terminal task.
func (t *Tracker) SetInstanceID(id, instanceID string) error {
	e, ok := t.entry(id)
	if !ok {
		return ErrTaskNotFound
	}
	e.mu.Lock()
	if e.task.Status.Terminal() {
		from := e.task.Status
		e.mu.Unlock()
		return taskTransitionError(id, from, from)
	}
	e.task.InstanceID = instanceID
	e.task.UpdatedAt = t.now()
	t.commit(e)
	return nil
}

func (t *Tracker) transition(id string, to store.TaskStatus, result map[string]any, reason string) (store.Task, error) {
	e, ok := t.entry(id)
	if !ok {
		return store.Task{}, ErrTaskNotFound
	}

	e.mu.Lock()
	from := e.task.Status
	if !allowed(from, to) {
		e.mu.Unlock()
		return store.Task{}, taskTransitionError(id, from, to)
	}

	e.task.Status = to
	e.task.UpdatedAt = t.now()
	if result != nil {
		e.task.Result = copyMap(result)
	}
	if reason != "" {
		e.task.Error = reason
	}
	if to.Terminal() {
		close(e.done)
	}
	return t.commit(e), nil
}

// commit must be called with e.mu held; it releases it.
func (t *Tracker) commit(e *entry) store.Task {
	snap := e.snapshot()
	e.saveMu.Lock()
	e.mu.Unlock()
	defer e.saveMu.Unlock()

	if t.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.archive.SaveTask(ctx, &snap); err != nil {
			t.logger.Warn("failed to archive task", "task_id", snap.ID, "status", snap.Status, "error", err)
		}
	}
	return snap
}

// Get returns a snapshot of the task, consulting the archive for evicted tasks.
func (t *Tracker) Get(ctx context.Context, id string) (store.Task, error) {
	if e, ok := t.entry(id); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.snapshot(), nil
	}

	if t.archive == nil {
		return store.Task{}, ErrTaskNotFound
	}
	task, err := t.archive.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Task{}, ErrTaskNotFound
		}
		return store.Task{}, err
	}
	return *task, nil
}

// Wait blocks until the task is terminal or ctx is done, and returns the latest snapshot.
// Tasks only known to the archive return immediately.
func (t *Tracker) Wait(ctx context.Context, id string) (store.Task, error) {
	e, ok := t.entry(id)
	if !ok {
		return t.Get(ctx, id)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// Ack evicts a terminal task from memory and the archive.
func (t *Tracker) Ack(ctx context.Context, id string) (store.Task, error) {
	t.mu.Lock()
	e, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		if t.archive == nil {
			return store.Task{}, ErrTaskNotFound
		}
		task, err := t.Get(ctx, id)
		if err != nil {
			return store.Task{}, err
		}
		return task, t.archive.DeleteTask(ctx, id)
	}

	e.mu.Lock()
	snap := e.snapshot()
	if !snap.Status.Terminal() {
		e.mu.Unlock()
		t.mu.Unlock()
		return store.Task{}, taskTransitionError(id, snap.Status, "acknowledged")
	}
	e.mu.Unlock()
	delete(t.tasks, id)
	t.mu.Unlock()

	if t.archive != nil {
		if err := t.archive.DeleteTask(ctx, id); err != nil {
			return snap, err
		}
	}
	return snap, nil
}

// Sweep evicts terminal tasks whose last update is older than the retention window.
// Archived copies are kept. It returns the number of evicted tasks.
func (t *Tracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.retention)

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for id, e := range t.tasks {
		e.mu.Lock()
		expired := e.task.Status.Terminal() && e.task.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(t.tasks, id)
			evicted++
		}
	}
	return evicted
}

// List returns snapshots of all in-memory tasks, newest first.
func (t *Tracker) List() []store.Task {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.tasks))
	for _, e := range t.tasks {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]store.Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshot())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// InFlight counts tasks that are pending or running.
func (t *Tracker) InFlight() int64 {
	var n int64
	for _, task := range t.List() {
		if !task.Status.Terminal() {
			n++
		}
	}
	return n
}

func (t *Tracker) entry(id string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.tasks[id]
	return e, ok
}

func (e *entry) snapshot() store.Task {
	snap := e.task
	snap.Params = copyMap(e.task.Params)
	snap.Result = copyMap(e.task.Result)
	return snap
}

func allowed(from, to store.TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// copyMap deep-copies JSON-like values so callers never share mutable state.
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}
