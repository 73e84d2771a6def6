// Package query implements the reactive query synchronization engine: it
// merges a synchronous local cache lookup, a push-based live subscription,
// and a pull-based async loader into one consistent, incrementally updating
// result observed through reactive accessors.
//
// The merge is represented as two independently owned state cells (the
// live slot, written only by subscription callbacks, and the load slot,
// written only by the loader) plus a pure reconciliation layer of memos on
// top. The reconciler never performs I/O and is safe to re-read at any
// frequency.
//
// Mutation and Action facades wrap the same transport for one-shot writes,
// with reactive {data, error, loading} state and a Reset back to the
// initial state.
package query
