package reactive

import (
	"sync"
	"sync/atomic"
)

// Effect is a reactive side effect that re-runs when its dependencies
// change. Effects run immediately when created and re-run synchronously
// whenever any signal or memo they read during execution changes. They can
// return a Cleanup that runs before the next re-run and on disposal.
//
// There is no render loop in a library context, so notification and re-run
// happen on the goroutine that wrote the signal (or on the goroutine that
// closes the outermost Batch).
type Effect struct {
	id uint64

	fn func() Cleanup

	// cleanup from the last run; guarded by runMu.
	cleanup Cleanup

	sources   []*signalBase
	sourcesMu sync.Mutex

	owner *Owner

	// runMu serializes runs so a transport callback and a loader completion
	// never interleave inside the same effect body.
	runMu sync.Mutex

	pending  atomic.Bool
	disposed atomic.Bool
}

// CreateEffect creates and immediately runs an effect within the current
// owner scope. The owner disposes the effect, which runs its last cleanup
// exactly once.
//
//	reactive.CreateEffect(func() reactive.Cleanup {
//	    stop := feed.Watch(topic.Get())
//	    return stop
//	})
func CreateEffect(fn func() Cleanup) *Effect {
	e := &Effect{
		id:    nextID(),
		fn:    fn,
		owner: CurrentOwner(),
	}

	if e.owner != nil {
		e.owner.registerEffect(e)
	}

	e.run()
	return e
}

// MarkDirty schedules and synchronously executes a re-run.
// Implements Listener.
func (e *Effect) MarkDirty() {
	if e.disposed.Load() {
		return
	}
	// pending is set before the lock attempt: either this call wins the
	// lock and clears it, or the current holder's re-check after its body
	// observes it and loops. Bursts coalesce into one extra pass.
	e.pending.Store(true)
	e.run()
}

// ID returns the unique identifier for this effect. Implements Listener.
func (e *Effect) ID() uint64 {
	return e.id
}

func (e *Effect) run() {
	if e.disposed.Load() {
		return
	}

	// TryLock: when a notification arrives while the effect is already
	// running, the pending flag stays set and the running pass loops.
	if !e.runMu.TryLock() {
		return
	}
	defer e.runMu.Unlock()

	for {
		e.pending.Store(false)

		// Cleanup from the previous run fires before the new body observes
		// the world: an old subscription is torn down before its
		// replacement exists.
		if e.cleanup != nil {
			e.cleanup()
			e.cleanup = nil
		}

		e.sourcesMu.Lock()
		for _, source := range e.sources {
			source.unsubscribe(e)
		}
		e.sources = e.sources[:0]
		e.sourcesMu.Unlock()

		old := setCurrentListener(e)
		e.cleanup = e.fn()
		setCurrentListener(old)

		if !e.pending.Load() || e.disposed.Load() {
			return
		}
	}
}

// addSource records a dependency. Implements sourceTracker.
func (e *Effect) addSource(source *signalBase) {
	e.sourcesMu.Lock()
	defer e.sourcesMu.Unlock()

	for _, s := range e.sources {
		if s == source {
			return
		}
	}
	e.sources = append(e.sources, source)
}

// dispose runs the pending cleanup once and unsubscribes from all sources.
func (e *Effect) dispose() {
	if e.disposed.Swap(true) {
		return
	}

	e.runMu.Lock()
	if e.cleanup != nil {
		e.cleanup()
		e.cleanup = nil
	}
	e.runMu.Unlock()

	e.sourcesMu.Lock()
	for _, source := range e.sources {
		source.unsubscribe(e)
	}
	e.sources = nil
	e.sourcesMu.Unlock()
}

var _ sourceTracker = (*Effect)(nil)
