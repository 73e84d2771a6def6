// Package client defines the dependency-injected handle the query,
// mutation, and action facades are constructed with: the wire transport,
// the local synchronous cache, the execution-environment discriminator,
// and logging. A handle can also be provided through an owner scope for
// call sites that do not thread it explicitly.
package client

import (
	"context"
	"log/slog"

	"github.com/liveq-dev/liveq/pkg/reactive"
)

// FuncRef names a backend function, e.g. "todos:list".
type FuncRef string

// Transport is the wire layer the engine calls into. Query, Mutation, and
// Action are one-shot request/response calls; Subscribe establishes a
// standing push channel for (ref, args) and returns an idempotent
// unsubscribe function.
//
// Subscription callbacks may be invoked from the transport's own
// goroutines. After the unsubscribe function returns, neither callback is
// invoked again.
type Transport interface {
	Query(ctx context.Context, ref FuncRef, args any) (any, error)
	Mutation(ctx context.Context, ref FuncRef, args any) (any, error)
	Action(ctx context.Context, ref FuncRef, args any) (any, error)
	Subscribe(ref FuncRef, args any, onData func(any), onErr func(error)) (func(), error)
}

// LocalCache answers queries synchronously from locally held state.
// An error means "no synchronous answer available"; callers fall through
// to the next source, they never propagate it.
type LocalCache interface {
	LocalRead(ref FuncRef, args any) (any, error)
}

// Client bundles the collaborators a facade needs. Construct one per
// backend connection and pass it to each facade constructor.
type Client struct {
	transport Transport
	cache     LocalCache
	server    bool
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the wire transport. Required.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithLocalCache sets the local synchronous cache. Optional; without one
// the loader's cache tier always misses.
func WithLocalCache(lc LocalCache) Option {
	return func(c *Client) { c.cache = lc }
}

// WithServerContext marks the client as running in a non-interactive
// server context. Queries configured with initial data then resolve to it
// immediately instead of reaching the network.
func WithServerContext(server bool) Option {
	return func(c *Client) { c.server = server }
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New constructs a Client. Panics if no transport is configured; that is
// a programmer error, not a runtime condition.
func New(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		panic("liveq: client constructed without a transport (missing client.WithTransport)")
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Transport returns the wire transport.
func (c *Client) Transport() Transport {
	return c.transport
}

// LocalCache returns the local cache, or nil.
func (c *Client) LocalCache() LocalCache {
	return c.cache
}

// ServerContext reports whether this client runs in a non-interactive
// server context.
func (c *Client) ServerContext() bool {
	return c.server
}

// Logger returns the structured logger.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// clientKey is the owner-scope context key for the provided Client.
var clientKey = &struct{ name string }{"liveq.client"}

// Provide makes the Client available to every facade created under owner.
func Provide(owner *reactive.Owner, c *Client) {
	owner.SetValue(clientKey, c)
}

// Use returns the Client provided in the current owner scope. Panics when
// called outside a scope with a provided Client; facades fail fast and
// loud rather than limping along without a backend.
func Use() *Client {
	c, _ := reactive.LookupValue(clientKey).(*Client)
	if c == nil {
		panic("liveq: no Client provided in the current scope (missing client.Provide)")
	}
	return c
}
