// Package cache provides an in-memory implementation of the local
// synchronous cache contract. The transport's consistency layer writes
// settled query results and push updates into it; the loader reads it
// synchronously as the second tier of its fallback chain.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/liveq-dev/liveq/pkg/client"
)

// ErrNoEntry reports that the cache has no synchronous answer for the
// requested (ref, args). Callers treat any LocalRead error as a miss.
var ErrNoEntry = errors.New("cache: no synchronous answer")

// Store is a concurrency-safe map keyed by (ref, canonical args).
type Store struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]any)}
}

// LocalRead returns the cached value for (ref, args), or ErrNoEntry.
// Implements client.LocalCache.
func (s *Store) LocalRead(ref client.FuncRef, args any) (any, error) {
	k, err := entryKey(ref, args)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[k]
	if !ok {
		return nil, ErrNoEntry
	}
	return v, nil
}

// Write stores a value for (ref, args), replacing any previous entry.
func (s *Store) Write(ref client.FuncRef, args any, value any) {
	k, err := entryKey(ref, args)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[k] = value
}

// Invalidate removes the entry for (ref, args), if present.
func (s *Store) Invalidate(ref client.FuncRef, args any) {
	k, err := entryKey(ref, args)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, k)
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// entryKey builds a deterministic key from the ref and the canonical JSON
// encoding of the arguments. encoding/json sorts map keys, so two
// deep-equal argument values produce the same key.
func entryKey(ref client.FuncRef, args any) (string, error) {
	if args == nil {
		return string(ref), nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("cache: unencodable args for %s: %w", ref, err)
	}
	return string(ref) + "\x00" + string(b), nil
}

var _ client.LocalCache = (*Store)(nil)
