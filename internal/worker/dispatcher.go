// Package worker runs accepted tasks on goroutines and owns their cancellation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"podagent/internal/observability"
	"podagent/internal/registry"
	"podagent/internal/store"
	"podagent/internal/tracker"
	"podagent/internal/transport"
)

// Failure reasons recorded for cancelled tasks.
const (
	ReasonCancelled        = "cancelled"
	ReasonCancelledUnknown = "cancelled: remote state unknown"
)

// ErrDraining is returned by Submit once shutdown has started.
var ErrDraining = errors.New("dispatcher is shutting down")

// Config holds configuration for the dispatcher.
type Config struct {
	Concurrency    int           // Tasks executing at once (default: 8)
	DefaultTimeout time.Duration // Used when a descriptor has no timeout (default: 30m)
	CancelWait     time.Duration // How long Cancel waits for the terminal state (default: 10s)
	SweepInterval  time.Duration // Interval between retention sweeps (default: 1m)
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

// Dispatcher hands tasks to goroutines, bounded by a semaphore.
type Dispatcher struct {
	tracker *tracker.Tracker
	config  Config
	sem     chan struct{}

	mu       sync.Mutex
	inflight map[string]*inflight
	draining bool
	wg       sync.WaitGroup

	done chan struct{}
}

type inflight struct {
	cancel    context.CancelFunc
	cancelled bool // guarded by Dispatcher.mu
}

// New creates a dispatcher recording tasks in t.
func New(t *tracker.Tracker, config Config) *Dispatcher {
	if config.Concurrency <= 0 {
		config.Concurrency = 8
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Minute
	}
	if config.CancelWait <= 0 {
		config.CancelWait = 10 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Dispatcher{
		tracker:  t,
		config:   config,
		sem:      make(chan struct{}, config.Concurrency),
		inflight: make(map[string]*inflight),
		done:     make(chan struct{}),
	}
}

// Submit records a pending task and starts executing it in the background.
// It never waits for the operation itself.
func (d *Dispatcher) Submit(ctx context.Context, desc registry.Descriptor, id string, params map[string]any) (store.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return store.Task{}, ErrDraining
	}

	instanceID, _ := params["pod_id"].(string)
	task, err := d.tracker.Create(id, desc.Name, params, instanceID)
	if err != nil {
		return store.Task{}, err
	}

	// The task context is detached from the request; it ends on cancel or timeout.
	taskCtx, cancel := context.WithCancel(trace.ContextWithSpanContext(context.Background(), trace.SpanContextFromContext(ctx)))
	f := &inflight{cancel: cancel}
	d.inflight[id] = f
	d.wg.Add(1)

	d.config.Metrics.TaskSubmitted(ctx, desc.Name)
	go d.execute(taskCtx, desc, task, f)
	return task, nil
}

// execute waits for a slot, runs the handler and records the terminal state.
func (d *Dispatcher) execute(ctx context.Context, desc registry.Descriptor, task store.Task, f *inflight) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, task.ID)
		d.mu.Unlock()
		f.cancel()
	}()

	log := d.config.Logger.With("task_id", task.ID, "operation", desc.Name)

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		d.fail(ctx, log, task, ReasonCancelled)
		return
	}
	if ctx.Err() != nil {
		d.fail(ctx, log, task, ReasonCancelled)
		return
	}

	running, err := d.tracker.MarkRunning(task.ID)
	if err != nil {
		log.Warn("task not started", "error", err)
		return
	}

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = d.config.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tracer := otel.Tracer("podagent-worker")
	spanCtx, span := tracer.Start(execCtx, "execute_task",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.operation", desc.Name),
			attribute.String("instance.id", task.InstanceID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	log.Info("task started", "timeout", timeout)
	result, err := d.run(spanCtx, desc, running)
	if err == nil {
		if _, err := d.tracker.MarkSucceeded(task.ID, result); err != nil {
			log.Warn("task result not recorded", "error", err)
			return
		}
		log.Info("task succeeded", "elapsed", time.Since(running.UpdatedAt))
		d.config.Metrics.TaskFinished(ctx, desc.Name, string(store.TaskStatusSucceeded), time.Since(running.UpdatedAt))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	d.mu.Lock()
	cancelled := f.cancelled
	d.mu.Unlock()

	reason := err.Error()
	var te *transport.TransportError
	switch {
	case errors.As(err, &te) && te.Kind == transport.KindCancelUnconfirmed:
		if cancelled {
			reason = ReasonCancelledUnknown
		}
		d.markInstanceError(log, task.ID)
	case cancelled && (errors.Is(err, transport.ErrCancelled) || errors.Is(err, context.Canceled)):
		reason = ReasonCancelled
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded):
		reason = fmt.Sprintf("operation timed out after %s", timeout)
	}
	log.Error("task failed", "error", err, "reason", reason)
	d.fail(ctx, log, running, reason)
}

// run calls the handler, turning a panic into an error.
func (d *Dispatcher) run(ctx context.Context, desc registry.Descriptor, task store.Task) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: operation %s panicked: %v", desc.Name, r)
		}
	}()
	return desc.Handler.Execute(ctx, task)
}

func (d *Dispatcher) fail(ctx context.Context, log *slog.Logger, task store.Task, reason string) {
	if _, err := d.tracker.MarkFailed(task.ID, reason); err != nil {
		log.Warn("task failure not recorded", "error", err)
		return
	}
	d.config.Metrics.TaskFinished(ctx, task.Operation, string(store.TaskStatusFailed), time.Since(task.CreatedAt))
}

// markInstanceError moves the task's instance to error when its remote state is unknown.
func (d *Dispatcher) markInstanceError(log *slog.Logger, taskID string) {
	task, err := d.tracker.Get(context.Background(), taskID)
	if err != nil || task.InstanceID == "" {
		return
	}
	if _, err := d.tracker.SetInstanceStateByID(task.InstanceID, store.InstanceError); err != nil {
		log.Warn("instance state not updated", "instance_id", task.InstanceID, "error", err)
	}
}

// Cancel stops a pending or running task and waits up to CancelWait for its
// terminal state. Cancelling a terminal task is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (store.Task, error) {
	d.mu.Lock()
	f, ok := d.inflight[id]
	if ok {
		f.cancelled = true
		f.cancel()
	}
	d.mu.Unlock()

	if !ok {
		return d.tracker.Get(ctx, id)
	}
	d.config.Logger.Info("task cancel requested", "task_id", id)

	waitCtx, cancel := context.WithTimeout(ctx, d.config.CancelWait)
	defer cancel()
	return d.tracker.Wait(waitCtx, id)
}

// CancelAll cancels every in-flight task. Used when a graceful drain runs out of time.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.inflight {
		f.cancelled = true
		f.cancel()
	}
}

// Run sweeps expired tasks until ctx is cancelled.
// On shutdown it stops accepting tasks and waits for in-flight ones to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.config.Logger.Info("dispatcher starting", "concurrency", d.config.Concurrency)

	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.draining = true
			d.mu.Unlock()

			d.config.Logger.Info("context cancelled, waiting for running tasks to finish")
			d.wg.Wait()
			close(d.done)
			return ctx.Err()

		case <-ticker.C:
			if n := d.tracker.Sweep(time.Now().UTC()); n > 0 {
				d.config.Logger.Info("evicted expired tasks", "count", n)
			}
		}
	}
}

// Done returns a channel that is closed when the dispatcher has fully stopped.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// InFlight returns the number of tasks not yet finished.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
