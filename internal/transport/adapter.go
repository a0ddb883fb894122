// Package transport is the boundary between operation handlers and remote backends.
// Every remote call goes through Adapter.Invoke, which retries transient failures
// with jittered exponential backoff under an attempt limit and a time ceiling.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"podagent/internal/remote"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts    int           // default: 4
	InitialBackoff time.Duration // default: 500ms
	MaxBackoff     time.Duration // default: 10s
	Jitter         float64       // default: 0.2; negative disables
	// Ceiling is the total time after which no new attempt is scheduled (default: 2m).
	Ceiling time.Duration
	// PollInterval is used by WaitReady (default: 5s).
	PollInterval time.Duration
	// OnRetry is called before each retry.
	OnRetry func(call string, kind Kind)
	Logger  *slog.Logger
}

// Call is one remote interaction.
type Call struct {
	Name string
	// Idempotent calls may be retried after the request reached the remote side.
	Idempotent bool
	Fn         func(ctx context.Context) error
}

// Adapter owns the remote backends.
type Adapter struct {
	provisioner remote.Provisioner
	executor    remote.Executor
	cfg         Config
	logger      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Adapter. The executor may be nil when commands are not supported.
func New(p remote.Provisioner, e remote.Executor, cfg Config) *Adapter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	} else if cfg.Jitter == 0 {
		cfg.Jitter = 0.2
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		provisioner: p,
		executor:    e,
		cfg:         cfg,
		logger:      cfg.Logger,
		now:         time.Now,
		sleep:       sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke runs call.Fn until it succeeds, fails permanently, or retries are exhausted.
//
// Permanent errors are returned unchanged. Exhausted transient errors become
// *TransportError. When ctx ends during a call the result is ErrCancelled if the
// backend confirmed the stop, or a TransportError of kind cancel_unconfirmed.
// A call that completes despite a concurrent cancel returns nil.
func (a *Adapter) Invoke(ctx context.Context, call Call) error {
	backoff := wait.Backoff{
		Duration: a.cfg.InitialBackoff,
		Factor:   2,
		Jitter:   a.cfg.Jitter,
		Steps:    a.cfg.MaxAttempts,
		Cap:      a.cfg.MaxBackoff,
	}
	start := a.now()

	for attempt := 1; ; attempt++ {
		err := call.Fn(ctx)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return a.cancelled(ctx, call, attempt, err)
		}

		f := classify(err)
		if !f.transient {
			return err
		}
		if !call.Idempotent && !f.unsent {
			return &TransportError{Kind: f.kind, Op: call.Name, Attempts: attempt, Detail: err.Error()}
		}
		if attempt >= a.cfg.MaxAttempts {
			return &TransportError{Kind: f.kind, Op: call.Name, Attempts: attempt, Detail: err.Error()}
		}

		delay := backoff.Step()
		if a.now().Sub(start)+delay > a.cfg.Ceiling {
			return &TransportError{Kind: f.kind, Op: call.Name, Attempts: attempt, Detail: "retry ceiling reached: " + err.Error()}
		}

		a.logger.Warn("retrying remote call", "call", call.Name, "attempt", attempt, "kind", f.kind, "delay", delay, "error", err)
		if a.cfg.OnRetry != nil {
			a.cfg.OnRetry(call.Name, f.kind)
		}
		if err := a.sleep(ctx, delay); err != nil {
			// Nothing is in flight between attempts.
			return fmt.Errorf("%w: %s", ErrCancelled, call.Name)
		}
	}
}

func (a *Adapter) cancelled(ctx context.Context, call Call, attempt int, err error) error {
	if errors.Is(err, remote.ErrStopUnconfirmed) {
		return &TransportError{Kind: KindCancelUnconfirmed, Op: call.Name, Attempts: attempt, Detail: err.Error()}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TransportError{Kind: KindTimeout, Op: call.Name, Attempts: attempt, Detail: "operation deadline exceeded"}
	}
	return fmt.Errorf("%w: %s", ErrCancelled, call.Name)
}

// Provision creates an instance. A create that may have reached the provider is not retried.
func (a *Adapter) Provision(ctx context.Context, spec remote.Spec) (remote.InstanceInfo, error) {
	var info remote.InstanceInfo
	err := a.Invoke(ctx, Call{Name: "provision " + spec.Name, Fn: func(ctx context.Context) error {
		var err error
		info, err = a.provisioner.Create(ctx, spec)
		return err
	}})
	return info, err
}

// Instance fetches the provider's current view of an instance.
func (a *Adapter) Instance(ctx context.Context, id string) (remote.InstanceInfo, error) {
	var info remote.InstanceInfo
	err := a.Invoke(ctx, Call{Name: "get " + id, Idempotent: true, Fn: func(ctx context.Context) error {
		var err error
		info, err = a.provisioner.Get(ctx, id)
		return err
	}})
	return info, err
}

// WaitReady polls the instance until the provider reports it ready.
func (a *Adapter) WaitReady(ctx context.Context, id string) (remote.InstanceInfo, error) {
	var info remote.InstanceInfo
	err := wait.PollUntilContextCancel(ctx, a.cfg.PollInterval, true, func(ctx context.Context) (bool, error) {
		var err error
		info, err = a.Instance(ctx, id)
		if err != nil {
			return false, err
		}
		return info.Ready, nil
	})
	if err != nil && errors.Is(err, ctx.Err()) {
		if errors.Is(err, context.DeadlineExceeded) {
			return info, &TransportError{Kind: KindTimeout, Op: "wait ready " + id, Attempts: 1, Detail: "instance did not become ready"}
		}
		return info, fmt.Errorf("%w: wait ready %s", ErrCancelled, id)
	}
	return info, err
}

// Terminate releases an instance. Terminating a missing instance returns remote.ErrNotFound.
func (a *Adapter) Terminate(ctx context.Context, id string) error {
	return a.Invoke(ctx, Call{Name: "terminate " + id, Idempotent: true, Fn: func(ctx context.Context) error {
		return a.provisioner.Terminate(ctx, id)
	}})
}

// List returns the instances known to the provider.
func (a *Adapter) List(ctx context.Context) ([]remote.InstanceInfo, error) {
	var out []remote.InstanceInfo
	err := a.Invoke(ctx, Call{Name: "list instances", Idempotent: true, Fn: func(ctx context.Context) error {
		var err error
		out, err = a.provisioner.List(ctx)
		return err
	}})
	return out, err
}

// Run resolves the instance and runs cmd on it. Only idempotent commands are
// started again after a failure past the connect phase.
func (a *Adapter) Run(ctx context.Context, instanceID string, cmd remote.Command) (remote.CommandResult, error) {
	if a.executor == nil {
		return remote.CommandResult{}, errors.New("no command executor configured")
	}
	inst, err := a.Instance(ctx, instanceID)
	if err != nil {
		return remote.CommandResult{}, err
	}
	if !inst.Ready {
		return remote.CommandResult{}, fmt.Errorf("instance %s (%s): %w", instanceID, inst.Status, remote.ErrNotReady)
	}

	var res remote.CommandResult
	err = a.Invoke(ctx, Call{Name: "run " + cmd.Name + " on " + instanceID, Idempotent: cmd.Idempotent, Fn: func(ctx context.Context) error {
		var err error
		res, err = a.executor.Run(ctx, inst, cmd)
		return err
	}})
	return res, err
}
