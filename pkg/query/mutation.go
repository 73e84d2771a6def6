package query

import (
	"context"
	"sync/atomic"

	"github.com/liveq-dev/liveq/pkg/client"
	"github.com/liveq-dev/liveq/pkg/reactive"
)

// dispatch is the shared state machine behind the mutation and action
// facades: a one-shot async wrapper with reactive {data, error, loading}
// and a Reset back to the initial state.
type dispatch[A, R any] struct {
	ref    client.FuncRef
	invoke func(ctx context.Context, ref client.FuncRef, args any) (any, error)

	loading *reactive.Signal[bool]
	data    *reactive.Signal[result[R]]
	err     *reactive.Signal[error]

	// seq discards completions superseded by a newer call or a Reset.
	seq atomic.Uint64
}

func newDispatch[A, R any](ref client.FuncRef, invoke func(context.Context, client.FuncRef, any) (any, error)) *dispatch[A, R] {
	return &dispatch[A, R]{
		ref:     ref,
		invoke:  invoke,
		loading: reactive.NewSignal(false),
		data:    reactive.NewSignal(result[R]{}),
		err:     reactive.NewSignal[error](nil),
	}
}

// run performs the call. The returned error is also recorded in reactive
// state before it surfaces, so awaiting callers and reactive observers see
// the same failure.
func (d *dispatch[A, R]) run(ctx context.Context, arg A) (R, error) {
	id := d.seq.Add(1)

	reactive.Batch(func() {
		d.loading.Set(true)
		d.err.Set(nil)
	})

	raw, err := d.invoke(ctx, d.ref, arg)
	var out R
	if err == nil {
		out, err = decode[R](raw)
	}

	if d.seq.Load() != id {
		// A newer call or a Reset owns the state now.
		return out, err
	}

	reactive.Batch(func() {
		if err != nil {
			d.err.Set(err)
			d.data.Set(result[R]{})
		} else {
			d.data.Set(result[R]{val: out, ok: true})
			d.err.Set(nil)
		}
		d.loading.Set(false)
	})

	return out, err
}

// reset clears {data, error, loading} back to the initial state. A call
// still in flight is disowned: its completion is discarded.
func (d *dispatch[A, R]) reset() {
	d.seq.Add(1)
	reactive.Batch(func() {
		d.loading.Set(false)
		d.data.Set(result[R]{})
		d.err.Set(nil)
	})
}

func (d *dispatch[A, R]) dataState() (R, bool) {
	r := d.data.Get()
	return r.val, r.ok
}

// Mutation is the facade for a backend mutation function.
type Mutation[A, R any] struct {
	d *dispatch[A, R]
}

// NewMutation creates a mutation facade for ref. A nil client falls back
// to the one provided in the current owner scope and panics if there is
// none.
func NewMutation[A, R any](c *client.Client, ref client.FuncRef) *Mutation[A, R] {
	if c == nil {
		c = client.Use()
	}
	return &Mutation[A, R]{d: newDispatch[A, R](ref, c.Transport().Mutation)}
}

// Mutate runs the mutation. It is awaitable and returns the failure after
// recording it in reactive state.
func (m *Mutation[A, R]) Mutate(ctx context.Context, arg A) (R, error) {
	return m.d.run(ctx, arg)
}

// Data returns the last successful result, if any.
func (m *Mutation[A, R]) Data() (R, bool) { return m.d.dataState() }

// Err returns the last error, or nil.
func (m *Mutation[A, R]) Err() error { return m.d.err.Get() }

// Loading reports whether a call is in flight.
func (m *Mutation[A, R]) Loading() bool { return m.d.loading.Get() }

// Reset clears {data, error, loading} back to the initial state.
func (m *Mutation[A, R]) Reset() { m.d.reset() }

// Action is the facade for a backend action function. It behaves exactly
// like Mutation, against the transport's action channel.
type Action[A, R any] struct {
	d *dispatch[A, R]
}

// NewAction creates an action facade for ref. A nil client falls back to
// the one provided in the current owner scope and panics if there is none.
func NewAction[A, R any](c *client.Client, ref client.FuncRef) *Action[A, R] {
	if c == nil {
		c = client.Use()
	}
	return &Action[A, R]{d: newDispatch[A, R](ref, c.Transport().Action)}
}

// Run runs the action. It is awaitable and returns the failure after
// recording it in reactive state.
func (a *Action[A, R]) Run(ctx context.Context, arg A) (R, error) {
	return a.d.run(ctx, arg)
}

// Data returns the last successful result, if any.
func (a *Action[A, R]) Data() (R, bool) { return a.d.dataState() }

// Err returns the last error, or nil.
func (a *Action[A, R]) Err() error { return a.d.err.Get() }

// Loading reports whether a call is in flight.
func (a *Action[A, R]) Loading() bool { return a.d.loading.Get() }

// Reset clears {data, error, loading} back to the initial state.
func (a *Action[A, R]) Reset() { a.d.reset() }
