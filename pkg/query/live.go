package query

import (
	"sync"
	"sync/atomic"

	"github.com/liveq-dev/liveq/pkg/client"
	"github.com/liveq-dev/liveq/pkg/reactive"
)

// liveState is the push-delivered slot for one subscription. data and err
// are mutually exclusive; received flips to true on the first callback
// (success or error) for the current subscription and stays true until the
// identity changes. The whole struct lives in a single signal, so every
// update is observed atomically.
type liveState[T any] struct {
	data     T
	hasData  bool
	err      error
	received bool
}

// liveTracker owns the live slot and the standing subscription for the
// current query identity. The watching effect re-subscribes when
// (args, enabled) changes: the previous subscription is torn down by the
// effect's cleanup before the new one is created, so at most one is active
// at any instant. Disabling performs no subscription and leaves the slot as
// previously observed.
type liveTracker[T any] struct {
	slot *reactive.Signal[liveState[T]]

	// subID invalidates callbacks from a superseded subscription.
	subID atomic.Uint64
}

func newLiveTracker[T any](c *client.Client, ref client.FuncRef, key func() (any, bool)) *liveTracker[T] {
	lt := &liveTracker[T]{
		slot: reactive.NewSignal(liveState[T]{}),
	}

	reactive.CreateEffect(func() reactive.Cleanup {
		args, enabled := key()
		if !enabled {
			// Invalidate callbacks still racing in from the torn-down
			// subscription; the slot keeps its last observed state.
			lt.subID.Add(1)
			return nil
		}

		id := lt.subID.Add(1)

		// Fresh identity, fresh slot: the old identity's data must not win
		// the reconciliation for the new one.
		lt.slot.Set(liveState[T]{})

		onData := func(v any) {
			if lt.subID.Load() != id {
				return
			}
			t, err := decode[T](v)
			if err != nil {
				lt.slot.Set(liveState[T]{err: err, received: true})
				return
			}
			lt.slot.Set(liveState[T]{data: t, hasData: true, received: true})
		}
		onErr := func(e error) {
			if lt.subID.Load() != id {
				return
			}
			// Captured into the slot, never thrown into the graph.
			lt.slot.Set(liveState[T]{err: asError(e), received: true})
		}

		unsub, err := c.Transport().Subscribe(ref, args, onData, onErr)
		if err != nil {
			c.Logger().Error("subscribe failed", "ref", string(ref), "error", err)
			lt.slot.Set(liveState[T]{err: err, received: true})
			return nil
		}

		var once sync.Once
		return func() {
			once.Do(unsub)
		}
	})

	return lt
}

// state reads the slot, subscribing the current listener.
func (lt *liveTracker[T]) state() liveState[T] {
	return lt.slot.Get()
}

// receivedPeek reports whether the current subscription has delivered any
// update, without creating a dependency. The loader consults it inside a
// run; a push update must not force loader re-execution.
func (lt *liveTracker[T]) receivedPeek() bool {
	return lt.slot.Peek().received
}
