// Package devserver hosts an in-memory backend behind the liveq wire
// protocol: registered query/mutation/action handlers, per-connection
// subscription fan-out, and chi-routed health and metrics endpoints. It
// exists so the client stack can run end to end without a production
// backend.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc executes one registered function.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Registry maps function refs to handlers and fans published values out to
// subscribers.
type Registry struct {
	mu        sync.RWMutex
	queries   map[string]HandlerFunc
	mutations map[string]HandlerFunc
	actions   map[string]HandlerFunc

	// publish is installed by the server; reaches every subscriber of
	// (ref, args).
	publish func(topicKey string, value any)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		queries:   make(map[string]HandlerFunc),
		mutations: make(map[string]HandlerFunc),
		actions:   make(map[string]HandlerFunc),
	}
}

// Query registers a query handler for ref. Queries also serve as the
// initial value of subscriptions on the same ref.
func (r *Registry) Query(ref string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries[ref] = fn
}

// Mutation registers a mutation handler for ref.
func (r *Registry) Mutation(ref string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutations[ref] = fn
}

// Action registers an action handler for ref.
func (r *Registry) Action(ref string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[ref] = fn
}

// Publish pushes a new value to every subscriber of (ref, args).
// Handlers call it after applying a write.
func (r *Registry) Publish(ref string, args any, value any) {
	r.mu.RLock()
	publish := r.publish
	r.mu.RUnlock()
	if publish == nil {
		return
	}
	key, err := TopicKey(ref, mustRaw(args))
	if err != nil {
		return
	}
	publish(key, value)
}

func (r *Registry) setPublisher(fn func(topicKey string, value any)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish = fn
}

func (r *Registry) lookup(kind, ref string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case "query":
		fn, ok := r.queries[ref]
		return fn, ok
	case "mutation":
		fn, ok := r.mutations[ref]
		return fn, ok
	case "action":
		fn, ok := r.actions[ref]
		return fn, ok
	}
	return nil, false
}

// TopicKey builds the subscription fan-out key from a ref and raw JSON
// args. Args are canonicalized through a decode/encode round trip so that
// differently ordered but equal objects share a topic.
func TopicKey(ref string, rawArgs json.RawMessage) (string, error) {
	if len(rawArgs) == 0 {
		return ref, nil
	}
	var v any
	if err := json.Unmarshal(rawArgs, &v); err != nil {
		return "", fmt.Errorf("devserver: bad args: %w", err)
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return ref + "\x00" + string(canon), nil
}

func marshalValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("devserver: encode value: %w", err)
	}
	return b, nil
}

func mustRaw(args any) json.RawMessage {
	if args == nil {
		return nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return b
}
