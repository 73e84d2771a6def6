package reactive

import "sync"

// SyncOutcome is the result of a Resource's synchronous resolver tier.
type SyncOutcome int

const (
	// SyncMiss means the resolver had no answer; the async fetch runs.
	SyncMiss SyncOutcome = iota

	// SyncSeed means the resolver produced a value to show immediately,
	// but the async fetch still runs and the resource stays loading until
	// it settles.
	SyncSeed

	// SyncDone means the resolver fully answered; the async fetch is
	// skipped and the run completes synchronously.
	SyncDone
)

// has pairs a value with a presence flag, the reactive stand-in for an
// optional value.
type has[T any] struct {
	val T
	ok  bool
}

// Resource is a pull-based async value keyed by a reactive key. A run
// starts whenever the key changes (by deep value); a run whose key is
// superseded before completion never writes its result; it belongs to its
// own rescinded key only, and its error is dropped silently.
//
// The key function is tracked reactively; returning ok=false is the
// sentinel "no-op" key: the resource does not execute and keeps its
// previously observed state.
//
// An optional synchronous resolver runs before the async fetch and can
// complete (SyncDone) or seed (SyncSeed) the run without suspending.
type Resource[K, T any] struct {
	key     func() (K, bool)
	fetch   func(K) (T, error)
	resolve func(K) (T, SyncOutcome)

	value   *Signal[has[T]]
	loading *Signal[bool]
	err     *Signal[error]

	// settled retains the latest successfully completed value across
	// re-executions. Errors never clear it.
	settled *Signal[has[T]]

	mu      sync.Mutex
	runID   uint64
	lastKey K
	hasKey  bool
}

// ResourceOption configures a Resource.
type ResourceOption[K, T any] func(*Resource[K, T])

// WithSyncResolve installs a synchronous resolver consulted before the
// async fetch on every non-forced run. Forced runs (Refetch) skip it.
func WithSyncResolve[K, T any](fn func(K) (T, SyncOutcome)) ResourceOption[K, T] {
	return func(r *Resource[K, T]) {
		r.resolve = fn
	}
}

// NewResource creates a keyed resource and starts its first run. The
// effect that watches the key belongs to the current owner, so disposing
// the owner stops all future runs.
func NewResource[K, T any](key func() (K, bool), fetch func(K) (T, error), opts ...ResourceOption[K, T]) *Resource[K, T] {
	r := &Resource[K, T]{
		key:     key,
		fetch:   fetch,
		value:   NewSignal(has[T]{}),
		loading: NewSignal(false),
		err:     NewSignal[error](nil),
		settled: NewSignal(has[T]{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	CreateEffect(func() Cleanup {
		k, ok := r.key()
		if !ok {
			// Disabled: disown any run still in flight and forget the key
			// so re-enabling with the same arguments counts as a key
			// change. A disowned run's settlement is discarded silently.
			r.mu.Lock()
			r.hasKey = false
			r.runID++
			r.mu.Unlock()
			r.loading.Set(false)
			return nil
		}

		r.mu.Lock()
		if r.hasKey && valuesEqual(r.lastKey, k) {
			r.mu.Unlock()
			return nil
		}
		r.lastKey = k
		r.hasKey = true
		r.mu.Unlock()

		r.execute(k, false)
		return nil
	})

	return r
}

// Value returns the current run's value, if any, subscribing the caller.
func (r *Resource[K, T]) Value() (T, bool) {
	v := r.value.Get()
	return v.val, v.ok
}

// Loading reports whether a run is in flight.
func (r *Resource[K, T]) Loading() bool {
	return r.loading.Get()
}

// Err returns the current run's error, or nil.
func (r *Resource[K, T]) Err() error {
	return r.err.Get()
}

// LatestSettled returns the last successfully completed value, if any.
func (r *Resource[K, T]) LatestSettled() (T, bool) {
	v := r.settled.Get()
	return v.val, v.ok
}

// Refetch forces a fresh async run for the current key without changing the
// key. The synchronous resolver is skipped. No-op while the sentinel key is
// active.
func (r *Resource[K, T]) Refetch() {
	r.mu.Lock()
	if !r.hasKey {
		r.mu.Unlock()
		return
	}
	k := r.lastKey
	r.mu.Unlock()

	r.execute(k, true)
}

func (r *Resource[K, T]) execute(k K, force bool) {
	r.mu.Lock()
	r.runID++
	id := r.runID
	r.mu.Unlock()

	// A new key starts a new run with an empty value slot; only a forced
	// refetch of the same key keeps the current value visible while the
	// fresh fetch is in flight. The latest settled value survives either way.
	start := func(clearValue bool) {
		Batch(func() {
			if clearValue {
				r.value.Set(has[T]{})
			}
			r.err.Set(nil)
			r.loading.Set(true)
		})
	}

	if !force && r.resolve != nil {
		var v T
		var outcome SyncOutcome
		Untracked(func() {
			v, outcome = r.resolve(k)
		})

		switch outcome {
		case SyncDone:
			Batch(func() {
				r.value.Set(has[T]{val: v, ok: true})
				r.settled.Set(has[T]{val: v, ok: true})
				r.err.Set(nil)
				r.loading.Set(false)
			})
			return
		case SyncSeed:
			Batch(func() {
				r.value.Set(has[T]{val: v, ok: true})
				r.settled.Set(has[T]{val: v, ok: true})
				r.err.Set(nil)
				r.loading.Set(true)
			})
		case SyncMiss:
			start(true)
		}
	} else {
		start(!force)
	}

	go func() {
		v, err := r.fetch(k)

		r.mu.Lock()
		stale := r.runID != id
		r.mu.Unlock()
		if stale {
			// Superseded run: discard, including its rejection.
			return
		}

		Batch(func() {
			if err != nil {
				r.err.Set(err)
				r.loading.Set(false)
				return
			}
			r.value.Set(has[T]{val: v, ok: true})
			r.settled.Set(has[T]{val: v, ok: true})
			r.err.Set(nil)
			r.loading.Set(false)
		})
	}()
}
