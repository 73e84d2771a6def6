package query

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/liveq-dev/liveq/pkg/reactive"
)

// resolveAs normalizes a "value or accessor" input into its current value.
// The input may be a literal V, a func() V, or a *reactive.Signal[V];
// accessor forms are re-evaluated on every call, and signal reads are
// tracked when a listener is active. A nil input reports ok=false.
func resolveAs[V any](in any) (V, bool) {
	var zero V
	switch v := in.(type) {
	case nil:
		return zero, false
	case func() V:
		return v(), true
	case *reactive.Signal[V]:
		return v.Get(), true
	case V:
		return v, true
	default:
		panic(fmt.Sprintf("liveq: input must be a %T, func() %T, or *reactive.Signal; got %T", zero, zero, in))
	}
}

// decode converts a transport-level value into T. Transport values arrive
// as decoded JSON (maps, slices, primitives) or as already-typed values
// from in-process fakes; a direct assertion is tried first, then a JSON
// round trip.
func decode[T any](v any) (T, error) {
	var out T
	if v == nil {
		return out, nil
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("query: undecodable value: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("query: value does not decode into %T: %w", out, err)
	}
	return out, nil
}

// asError normalizes a delivered failure into a non-nil error.
func asError(e error) error {
	if e != nil {
		return e
	}
	return errors.New("query: subscription delivered an unspecified error")
}

// result pairs a value with a presence flag.
type result[T any] struct {
	val T
	ok  bool
}
