// Package registry maps operation names to their descriptors and handlers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"podagent/internal/store"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrFrozen           = errors.New("registry is frozen")
	ErrDuplicate        = errors.New("operation already registered")
	ErrInvalidName      = errors.New("operation name is required")
)

// InvalidParamsError lists required parameters that were absent,
// or carries the reason a handler rejected the parameters.
type InvalidParamsError struct {
	Missing []string
	Reason  string
}

func (e *InvalidParamsError) Error() string {
	if len(e.Missing) > 0 {
		return "missing required fields: " + strings.Join(e.Missing, ", ")
	}
	return e.Reason
}

// Handler implements one operation.
type Handler interface {
	// Validate checks parameter types and values beyond presence.
	Validate(params map[string]any) error
	// Execute performs the operation. It must honour ctx cancellation.
	Execute(ctx context.Context, task store.Task) (map[string]any, error)
}

// Descriptor is the immutable description of a registered operation.
type Descriptor struct {
	Name           string
	Capability     string
	RequiredParams []string
	Timeout        time.Duration
	Idempotent     bool
	Handler        Handler
}

// Registry holds operation descriptors. Lookups after Freeze take no lock.
type Registry struct {
	mu     sync.Mutex
	ops    map[string]Descriptor
	frozen atomic.Pointer[map[string]Descriptor]
}

func New() *Registry {
	return &Registry{ops: make(map[string]Descriptor)}
}

// Register adds a descriptor. It fails after Freeze or for a duplicate name.
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() != nil {
		return ErrFrozen
	}
	if strings.TrimSpace(d.Name) == "" {
		return ErrInvalidName
	}
	if d.Handler == nil {
		return fmt.Errorf("operation %s: handler is required", d.Name)
	}
	if _, exists := r.ops[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, d.Name)
	}
	d.RequiredParams = append([]string(nil), d.RequiredParams...)
	r.ops[d.Name] = d
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Freeze stops further registration. It is safe to call more than once.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() == nil {
		ops := r.ops
		r.frozen.Store(&ops)
	}
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load() != nil
}

// Resolve returns the descriptor for name.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	ops := r.view()
	d, ok := ops[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	d.RequiredParams = append([]string(nil), d.RequiredParams...)
	return d, nil
}

// Validate checks that every required parameter is present and non-null,
// then runs the handler's own validation.
func (r *Registry) Validate(d Descriptor, params map[string]any) error {
	var missing []string
	for _, name := range d.RequiredParams {
		if v, ok := params[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &InvalidParamsError{Missing: missing}
	}
	if err := d.Handler.Validate(params); err != nil {
		var ipe *InvalidParamsError
		if errors.As(err, &ipe) {
			return err
		}
		return &InvalidParamsError{Reason: err.Error()}
	}
	return nil
}

// Descriptors returns all descriptors sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	ops := r.view()
	out := make([]Descriptor, 0, len(ops))
	for _, d := range ops {
		d.RequiredParams = append([]string(nil), d.RequiredParams...)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Capabilities returns the distinct capabilities in descriptor order.
func (r *Registry) Capabilities() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range r.Descriptors() {
		if d.Capability == "" || seen[d.Capability] {
			continue
		}
		seen[d.Capability] = true
		out = append(out, d.Capability)
	}
	return out
}

func (r *Registry) view() map[string]Descriptor {
	if ops := r.frozen.Load(); ops != nil {
		return *ops
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// Copy so callers can range without racing with Register.
	out := make(map[string]Descriptor, len(r.ops))
	for k, v := range r.ops {
		out[k] = v
	}
	return out
}
