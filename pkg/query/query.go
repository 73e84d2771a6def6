package query

import (
	"reflect"

	"github.com/liveq-dev/liveq/pkg/client"
	"github.com/liveq-dev/liveq/pkg/reactive"
)

// Options configures a query. Every field accepts a literal, a func()
// accessor, or a *reactive.Signal, and accessor forms are re-read on every
// recomputation.
type Options[T any] struct {
	// Enabled gates the query. While it resolves to false no loader run
	// executes and no subscription exists; an existing subscription is
	// torn down. Accepts bool, func() bool, or *reactive.Signal[bool].
	// nil means enabled.
	Enabled any

	// InitialData is the value shown before any cache entry or live update
	// exists. Accepts T, func() T, or *reactive.Signal[T]. nil means none.
	InitialData any

	// KeepPreviousData keeps the latest completed value visible (marked
	// stale) while a new run is in flight. Accepts bool, func() bool, or
	// *reactive.Signal[bool]. nil means false.
	KeepPreviousData any
}

// Query is the composed facade for one call site: a live subscription slot,
// a keyed loader, and a pure reconciliation layer over both. All accessors
// are reactive; reading them inside an effect or memo subscribes it.
type Query[T any] struct {
	live   *liveTracker[T]
	loader *reactive.Resource[loaderKey, T]

	data    *reactive.Memo[result[T]]
	err     *reactive.Memo[error]
	loading *reactive.Memo[bool]
	stale   *reactive.Memo[bool]
}

// New creates a query for (ref, args) against the given client. args may be
// a literal A, a func() A, or a *reactive.Signal[A]; nil means no
// arguments. A nil client falls back to the one provided in the current
// owner scope and panics if there is none.
//
// The subscription, the loader, and all internal effects belong to the
// current owner; disposing it unsubscribes and stops future runs.
//
//	todos := query.New[TodoArgs, []Todo](c, "todos:list", func() TodoArgs {
//	    return TodoArgs{Filter: filter.Get()}
//	}, nil)
func New[A, T any](c *client.Client, ref client.FuncRef, args any, opts *Options[T]) *Query[T] {
	if c == nil {
		c = client.Use()
	}
	o := opts
	if o == nil {
		o = &Options[T]{}
	}

	// The shared reactive key: resolved arguments plus enablement.
	key := func() (any, bool) {
		enabled := true
		if v, ok := resolveAs[bool](o.Enabled); ok {
			enabled = v
		}
		var resolved any
		if args != nil {
			if v, ok := resolveAs[A](args); ok {
				resolved = v
			}
		}
		return resolved, enabled
	}

	initial := func() (T, bool) {
		return resolveAs[T](o.InitialData)
	}
	kpd := func() bool {
		v, ok := resolveAs[bool](o.KeepPreviousData)
		return ok && v
	}

	live := newLiveTracker[T](c, ref, key)
	loader := newLoader[T](c, ref, key, initial, live)

	q := &Query[T]{
		live:   live,
		loader: loader,
	}

	// The reconciler: pure projections of the two slots plus options.
	q.data = reactive.NewMemo(func() result[T] {
		ls := live.state()
		if ls.hasData {
			return result[T]{val: ls.data, ok: true}
		}
		if kpd() && loader.Loading() {
			if prev, ok := loader.LatestSettled(); ok {
				return result[T]{val: prev, ok: true}
			}
		}
		v, ok := loader.Value()
		return result[T]{val: v, ok: ok}
	})

	q.err = reactive.NewMemo(func() error {
		if e := live.state().err; e != nil {
			return e
		}
		return loader.Err()
	})

	// A live update, once received, ends the loading state even while the
	// underlying fetch is still in flight.
	q.loading = reactive.NewMemo(func() bool {
		return loader.Loading() && !live.state().hasData
	})

	q.stale = reactive.NewMemo(func() bool {
		if !kpd() || !loader.Loading() {
			return false
		}
		prev, ok := loader.LatestSettled()
		if !ok {
			return false
		}
		visible := q.data.Get()
		return visible.ok && reflect.DeepEqual(visible.val, prev)
	})

	return q
}

// Data returns the reconciled value: live data wins; otherwise the
// previous completed value while KeepPreviousData holds a run in flight;
// otherwise the loader's value. ok is false when nothing is visible yet.
func (q *Query[T]) Data() (T, bool) {
	r := q.data.Get()
	return r.val, r.ok
}

// Err returns the live slot's error if set, otherwise the loader's.
func (q *Query[T]) Err() error {
	return q.err.Get()
}

// Loading reports whether a loader run is in flight and no live data has
// arrived yet.
func (q *Query[T]) Loading() bool {
	return q.loading.Get()
}

// Stale reports that the visible data is a retained previous value known
// to be superseded-pending.
func (q *Query[T]) Stale() bool {
	return q.stale.Get()
}

// Refetch forces a fresh network pass for the current key without changing
// the key. It never creates a second subscription.
func (q *Query[T]) Refetch() {
	q.loader.Refetch()
}
