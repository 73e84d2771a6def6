package query

import (
	"context"

	"github.com/liveq-dev/liveq/pkg/client"
	"github.com/liveq-dev/liveq/pkg/reactive"
)

// loaderKey is the loader's reactive key: the resolved arguments. The
// resource layer returns the sentinel no-op key while the query is
// disabled, so no run executes.
type loaderKey struct {
	args any
}

// newLoader builds the pull-based load slot for (ref, args) on top of the
// keyed resource primitive. Each run evaluates the fallback chain in order:
//
//  1. server context with configured initial data: resolve immediately,
//     skip the network;
//  2. synchronous local cache read: a hit completes the run, a read
//     failure is swallowed as "no answer";
//  3. configured initial data while the live slot has never received an
//     update: seeds the visible value, the network fetch still runs;
//  4. asynchronous network query: a rejection becomes the run's error.
func newLoader[T any](c *client.Client, ref client.FuncRef, key func() (any, bool), initial func() (T, bool), live *liveTracker[T]) *reactive.Resource[loaderKey, T] {
	resolve := func(k loaderKey) (T, reactive.SyncOutcome) {
		if c.ServerContext() {
			if v, ok := initial(); ok {
				return v, reactive.SyncDone
			}
		}

		if lc := c.LocalCache(); lc != nil {
			if raw, err := lc.LocalRead(ref, k.args); err == nil {
				if v, derr := decode[T](raw); derr == nil {
					return v, reactive.SyncDone
				}
				// An undecodable entry is the same as no answer.
			}
		}

		if v, ok := initial(); ok && !live.receivedPeek() {
			return v, reactive.SyncSeed
		}

		var zero T
		return zero, reactive.SyncMiss
	}

	fetch := func(k loaderKey) (T, error) {
		raw, err := c.Transport().Query(context.Background(), ref, k.args)
		if err != nil {
			var zero T
			return zero, err
		}
		return decode[T](raw)
	}

	return reactive.NewResource(
		func() (loaderKey, bool) {
			args, enabled := key()
			if !enabled {
				return loaderKey{}, false
			}
			return loaderKey{args: args}, true
		},
		fetch,
		reactive.WithSyncResolve[loaderKey, T](resolve),
	)
}
