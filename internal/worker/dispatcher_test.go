package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"podagent/internal/registry"
	"podagent/internal/store"
	"podagent/internal/tracker"
	"podagent/internal/transport"
)

// MockHandler implements registry.Handler for testing.
type MockHandler struct {
	ExecuteFunc func(ctx context.Context, task store.Task) (map[string]any, error)
}

func (m *MockHandler) Validate(params map[string]any) error { return nil }

func (m *MockHandler) Execute(ctx context.Context, task store.Task) (map[string]any, error) {
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, task)
	}
	return map[string]any{"status": "success"}, nil
}

func descriptor(h registry.Handler) registry.Descriptor {
	return registry.Descriptor{Name: "test_op", Capability: "test", Timeout: time.Minute, Handler: h}
}

func waitTerminal(t *testing.T, tr *tracker.Tracker, id string) store.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := tr.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) failed: %v", id, err)
	}
	if !task.Status.Terminal() {
		t.Fatalf("task %s did not finish, status %s", id, task.Status)
	}
	return task
}

func TestNew_Defaults(t *testing.T) {
	d := New(tracker.New(tracker.Config{}), Config{Concurrency: -1})

	if d.config.Concurrency != 8 {
		t.Errorf("expected default concurrency=8, got %d", d.config.Concurrency)
	}
	if d.config.CancelWait != 10*time.Second {
		t.Errorf("expected default cancel wait=10s, got %v", d.config.CancelWait)
	}
	if d.config.DefaultTimeout != 30*time.Minute {
		t.Errorf("expected default timeout=30m, got %v", d.config.DefaultTimeout)
	}
	select {
	case <-d.Done():
		t.Error("done channel should not be closed initially")
	default:
	}
}

func TestSubmit_Success(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	d := New(tr, Config{})

	task, err := d.Submit(context.Background(), descriptor(&MockHandler{}), "t1", map[string]any{"pod_id": "pod-9"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.Status != store.TaskStatusPending {
		t.Errorf("expected pending, got %s", task.Status)
	}
	if task.InstanceID != "pod-9" {
		t.Errorf("expected instance id from pod_id, got %q", task.InstanceID)
	}

	final := waitTerminal(t, tr, "t1")
	if final.Status != store.TaskStatusSucceeded || final.Result["status"] != "success" {
		t.Errorf("unexpected final task %+v", final)
	}
}

func TestSubmit_DuplicateID(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	d := New(tr, Config{})

	if _, err := d.Submit(context.Background(), descriptor(&MockHandler{}), "t1", nil); err != nil {
		t.Fatal(err)
	}
	_, err := d.Submit(context.Background(), descriptor(&MockHandler{}), "t1", nil)
	if !errors.Is(err, tracker.ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestSubmit_HandlerError(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	d := New(tr, Config{})

	h := &MockHandler{ExecuteFunc: func(ctx context.Context, task store.Task) (map[string]any, error) {
		return nil, errors.New("remote exploded")
	}}
	if _, err := d.Submit(context.Background(), descriptor(h), "t1", nil); err != nil {
		t.Fatal(err)
	}

	final := waitTerminal(t, tr, "t1")
	if final.Status != store.TaskStatusFailed || final.Error != "remote exploded" {
		t.Errorf("unexpected final task %+v", final)
	}
}

func TestSubmit_HandlerPanic(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	d := New(tr, Config{})

	h := &MockHandler{ExecuteFunc: func(ctx context.Context, task store.Task) (map[string]any, error) {
		panic("boom")
	}}
	if _, err := d.Submit(context.Background(), descriptor(h), "t1", nil); err != nil {
		t.Fatal(err)
	}

	final := waitTerminal(t, tr, "t1")
	if final.Status != store.TaskStatusFailed {
		t.Errorf("expected failed after panic, got %s", final.Status)
	}
}

func TestSubmit_Timeout(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	d := New(tr, Config{})

	h := &MockHandler{ExecuteFunc: func(ctx context.Context, task store.Task) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	desc := descriptor(h)
	desc.Timeout = 20 * time.Millisecond
	if _, err := d.Submit(context.Background(), desc, "t1", nil); err != nil {
		t.Fatal(err)
	}

	final := waitTerminal(t, tr, "t1")
	if final.Error != "operation timed out after 20ms" {
		t.Errorf("unexpected reason %q", final.Error)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	limit := 3
	d := New(tr, Config{Concurrency: limit})

	var running, maxSeen int32
	var mu sync.Mutex
	h := &MockHandler{ExecuteFunc: func(ctx context.Context, task store.Task) (map[string]any, error) {
		current := atomic.AddInt32(&running, 1)
		mu.Lock()
		if current > maxSeen {
			maxSeen = current
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil, nil
	}}

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		if _, err := d.Submit(context.Background(), descriptor(h), id, nil); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range ids {
		waitTerminal(t, tr, id)
	}

	if int(maxSeen) > limit {
		t.Errorf("max concurrent tasks=%d exceeded limit=%d", maxSeen, limit)
	}
}

func TestCancel_PendingTask(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	d := New(tr, Config{Concurrency: 1})

	release := make(chan struct{})
	defer close(release)
	blocker := &MockHandler{ExecuteFunc: func(ctx context.Context, task store.Task) (map[string]any, error) {
		<-release
		return nil, nil
	}}
	var ran atomic.Bool
	queued := &MockHandler{ExecuteFunc: func(ctx context.Context, task store.Task) (map[string]any, error) {
		ran.Store(true)
		return nil, nil
	}}

	d.Submit(context.Background(), descriptor(blocker), "busy", nil)
	d.Submit(context.Background(), descriptor(queued), "queued", nil)

	task, err := d.Cancel(context.Background(), "queued")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if task.Status != store.TaskStatusFailed || task.Error != ReasonCancelled {
		t.Errorf("expected failed/cancelled, got %s/%q", task.Status, task.Error)
	}
	if ran.Load() {
		t.Error("cancelled pending task must not execute")
	}
}

func TestCancel_RunningTaskStopped(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	d := New(tr, Config{})

	started := make(chan struct{})
	h := &MockHandler{ExecuteFunc: func(ctx context.Context, task store.Task) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, transport.ErrCancelled
	}}
	d.Submit(context.Background(), descriptor(h), "t1", nil)
	<-started

	task, err := d.Cancel(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != store.TaskStatusFailed || task.Error != ReasonCancelled {
		t.Errorf("expected failed/cancelled, got %s/%q", task.Status, task.Error)
	}
}

func TestCancel_RunningTaskUnconfirmed(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	d := New(tr, Config{})

	if _, err := tr.CreateInstance("demo", nil); err != nil {
		t.Fatal(err)
	}
	tr.SetInstanceState("demo", store.InstanceProvisioning)
	tr.BindInstance("demo", "pod-1", nil)
	tr.SetInstanceState("demo", store.InstanceReady)

	started := make(chan struct{})
	h := &MockHandler{ExecuteFunc: func(ctx context.Context, task store.Task) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, &transport.TransportError{Kind: transport.KindCancelUnconfirmed, Op: "run", Attempts: 1, Detail: "stop not confirmed"}
	}}
	d.Submit(context.Background(), descriptor(h), "t1", map[string]any{"pod_id": "pod-1"})
	<-started

	task, err := d.Cancel(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Error != ReasonCancelledUnknown {
		t.Errorf("expected %q, got %q", ReasonCancelledUnknown, task.Error)
	}
	inst, _ := tr.InstanceByID("pod-1")
	if inst.State != store.InstanceError {
		t.Errorf("expected instance in error, got %s", inst.State)
	}
}

func TestCancel_AfterCompletionIsNoop(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	d := New(tr, Config{})

	d.Submit(context.Background(), descriptor(&MockHandler{}), "t1", nil)
	waitTerminal(t, tr, "t1")

	task, err := d.Cancel(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != store.TaskStatusSucceeded {
		t.Errorf("expected succeeded to stand, got %s", task.Status)
	}
}

func TestCancel_CompletionWinsRace(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	d := New(tr, Config{})

	started := make(chan struct{})
	h := &MockHandler{ExecuteFunc: func(ctx context.Context, task store.Task) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		// The remote work finished before the stop took effect.
		return map[string]any{"status": "success"}, nil
	}}
	d.Submit(context.Background(), descriptor(h), "t1", nil)
	<-started

	task, _ := d.Cancel(context.Background(), "t1")
	if task.Status != store.TaskStatusSucceeded {
		t.Errorf("expected succeeded, got %s", task.Status)
	}
}

func TestCancel_UnknownTask(t *testing.T) {
	d := New(tracker.New(tracker.Config{}), Config{})

	if _, err := d.Cancel(context.Background(), "nope"); !errors.Is(err, tracker.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCancel_BoundedWait(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	d := New(tr, Config{CancelWait: 20 * time.Millisecond})

	release := make(chan struct{})
	started := make(chan struct{})
	h := &MockHandler{ExecuteFunc: func(ctx context.Context, task store.Task) (map[string]any, error) {
		close(started)
		<-release // ignores cancellation
		return nil, nil
	}}
	d.Submit(context.Background(), descriptor(h), "t1", nil)
	<-started

	begin := time.Now()
	task, err := d.Cancel(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != store.TaskStatusRunning {
		t.Errorf("expected running while the handler ignores cancel, got %s", task.Status)
	}
	if time.Since(begin) > time.Second {
		t.Error("Cancel waited past CancelWait")
	}
	close(release)
	waitTerminal(t, tr, "t1")
}

func TestRun_GracefulDrainInFlight(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	d := New(tr, Config{SweepInterval: 10 * time.Millisecond})

	var completed atomic.Bool
	h := &MockHandler{ExecuteFunc: func(ctx context.Context, task store.Task) (map[string]any, error) {
		time.Sleep(100 * time.Millisecond)
		completed.Store(true)
		return nil, nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	d.Submit(context.Background(), descriptor(h), "t1", nil)
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown timeout")
	}
	if !completed.Load() {
		t.Error("in-flight task should finish before Done closes")
	}
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if _, err := d.Submit(context.Background(), descriptor(h), "t2", nil); !errors.Is(err, ErrDraining) {
		t.Errorf("expected ErrDraining after shutdown, got %v", err)
	}
}

func TestCancelAll(t *testing.T) {
	tr := tracker.New(tracker.Config{})
	d := New(tr, Config{})

	h := &MockHandler{ExecuteFunc: func(ctx context.Context, task store.Task) (map[string]any, error) {
		<-ctx.Done()
		return nil, transport.ErrCancelled
	}}
	d.Submit(context.Background(), descriptor(h), "a", nil)
	d.Submit(context.Background(), descriptor(h), "b", nil)

	d.CancelAll()
	for _, id := range []string{"a", "b"} {
		if task := waitTerminal(t, tr, id); task.Error != ReasonCancelled {
			t.Errorf("%s: expected cancelled, got %q", id, task.Error)
		}
	}
}
