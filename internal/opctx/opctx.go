// Package opctx carries the per-call execution scope through context.Context:
// a logical clock, an additive cost counter, a debug-metrics buffer and named
// checkpoints that tests can arm to inject faults into the next store call.
package opctx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCrashed is returned by every store call made after a crash checkpoint fired.
var ErrCrashed = errors.New("simulated crash")

type ctxKey struct{}

type fault struct {
	err    error
	sticky bool
}

// Operation is the mutable state behind an operation context.
// It is safe for concurrent use; fan-out workers share their item's Operation.
type Operation struct {
	mu          sync.Mutex
	clock       func() time.Time
	cost        float64
	metrics     []string
	armed       map[string]fault
	checkpoints []string
	pending     error
	crashed     bool
}

// Option configures a new Operation.
type Option func(*Operation)

// WithClock overrides the operation clock.
func WithClock(fn func() time.Time) Option {
	return func(o *Operation) { o.clock = fn }
}

// WithFixedTime pins the operation clock to t.
func WithFixedTime(t time.Time) Option {
	t = t.UTC()
	return WithClock(func() time.Time { return t })
}

// WithFault arms checkpoint so that the first store call after Signal(checkpoint)
// fails with err. The fault fires once.
func WithFault(checkpoint string, err error) Option {
	return func(o *Operation) { o.armed[checkpoint] = fault{err: err} }
}

// WithCrash arms checkpoint so that every store call after Signal(checkpoint)
// fails with ErrCrashed, as if the process died at that step.
func WithCrash(checkpoint string) Option {
	return func(o *Operation) { o.armed[checkpoint] = fault{err: ErrCrashed, sticky: true} }
}

// New derives a context carrying a fresh Operation. The clock of an enclosing
// Operation is inherited unless overridden; armed faults never are.
func New(parent context.Context, opts ...Option) (context.Context, *Operation) {
	o := &Operation{
		clock: func() time.Time { return time.Now().UTC() },
		armed: make(map[string]fault),
	}
	if p := From(parent); p != nil {
		o.clock = p.clock
	}
	for _, opt := range opts {
		opt(o)
	}
	return context.WithValue(parent, ctxKey{}, o), o
}

// From returns the Operation carried by ctx, or nil.
func From(ctx context.Context) *Operation {
	o, _ := ctx.Value(ctxKey{}).(*Operation)
	return o
}

// Signal marks that the step named checkpoint is about to run.
func Signal(ctx context.Context, checkpoint string) {
	o := From(ctx)
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checkpoints = append(o.checkpoints, checkpoint)
	f, ok := o.armed[checkpoint]
	if !ok {
		return
	}
	delete(o.armed, checkpoint)
	if f.sticky {
		o.crashed = true
		return
	}
	o.pending = f.err
}

// Intercept must be called by every store entry point before it executes.
// It reports cancellation and any fault armed by a preceding Signal.
func Intercept(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o := From(ctx)
	if o == nil {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.crashed {
		return ErrCrashed
	}
	if o.pending != nil {
		err := o.pending
		o.pending = nil
		return err
	}
	return nil
}

// Now returns the operation's logical time, or the wall clock outside an operation.
func Now(ctx context.Context) time.Time {
	if o := From(ctx); o != nil {
		return o.clock()
	}
	return time.Now().UTC()
}

// AddCost adds units to the operation's cost counter.
func AddCost(ctx context.Context, units float64) {
	if o := From(ctx); o != nil {
		o.mu.Lock()
		o.cost += units
		o.mu.Unlock()
	}
}

// Record appends a formatted line to the operation's debug-metrics buffer.
func Record(ctx context.Context, format string, args ...any) {
	if o := From(ctx); o != nil {
		line := fmt.Sprintf(format, args...)
		o.mu.Lock()
		o.metrics = append(o.metrics, line)
		o.mu.Unlock()
	}
}

// Cost returns the accumulated cost.
func (o *Operation) Cost() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cost
}

// Metrics returns a copy of the debug-metrics buffer.
func (o *Operation) Metrics() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.metrics...)
}

// Checkpoints returns the checkpoint names signalled so far, in order.
func (o *Operation) Checkpoints() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.checkpoints...)
}
