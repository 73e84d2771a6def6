// Package liveq is a reactive query synchronization client: it merges a
// synchronous local cache, a push-based live subscription stream, and a
// pull-based async loader into one consistent, incrementally updating
// query result observed through reactive accessors.
//
// The root package re-exports the common surface; the implementation lives
// in pkg/reactive (the runtime), pkg/query (the engine), pkg/client,
// pkg/cache, and pkg/transport.
package liveq

import (
	"github.com/liveq-dev/liveq/pkg/client"
	"github.com/liveq-dev/liveq/pkg/query"
	"github.com/liveq-dev/liveq/pkg/reactive"
)

// FuncRef names a backend function, e.g. "todos:list".
type FuncRef = client.FuncRef

// Client bundles the transport, local cache, and environment flags a
// facade is constructed with.
type Client = client.Client

// Transport is the wire-layer contract.
type Transport = client.Transport

// LocalCache is the synchronous cache contract.
type LocalCache = client.LocalCache

// Owner is a disposal scope for queries and effects.
type Owner = reactive.Owner

// Signal is a reactive value container.
type Signal[T any] = reactive.Signal[T]

// Query is the composed reactive query facade.
type Query[T any] = query.Query[T]

// QueryOptions configures a query.
type QueryOptions[T any] = query.Options[T]

// Mutation is the reactive mutation facade.
type Mutation[A, R any] = query.Mutation[A, R]

// Action is the reactive action facade.
type Action[A, R any] = query.Action[A, R]

// NewClient constructs a Client. See pkg/client for options.
func NewClient(opts ...client.Option) *Client {
	return client.New(opts...)
}

// NewOwner creates an Owner under parent (nil for a root scope).
func NewOwner(parent *Owner) *Owner {
	return reactive.NewOwner(parent)
}

// NewSignal creates a signal holding the given initial value.
func NewSignal[T any](initial T) *Signal[T] {
	return reactive.NewSignal(initial)
}

// NewQuery creates a query for (ref, args). args may be a literal A, a
// func() A, or a *Signal[A]; nil means no arguments.
//
//	scope := liveq.NewOwner(nil)
//	reactive.WithOwner(scope, func() {
//	    counter := liveq.NewQuery[struct{}, int](c, "counter:get", nil, nil)
//	    ...
//	})
func NewQuery[A, T any](c *Client, ref FuncRef, args any, opts *QueryOptions[T]) *Query[T] {
	return query.New[A, T](c, ref, args, opts)
}

// NewMutation creates a mutation facade for ref.
func NewMutation[A, R any](c *Client, ref FuncRef) *Mutation[A, R] {
	return query.NewMutation[A, R](c, ref)
}

// NewAction creates an action facade for ref.
func NewAction[A, R any](c *Client, ref FuncRef) *Action[A, R] {
	return query.NewAction[A, R](c, ref)
}
