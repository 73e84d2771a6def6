// Package reactive implements the dependency-tracking runtime the query
// engine runs on: signals (mutable reactive cells), memos (pure cached
// derivations), effects (scoped side effects with guaranteed-once cleanup),
// owners (disposal scopes with context values), and a keyed async resource.
//
// The model is single-threaded and cooperative: effects re-run
// synchronously on the goroutine that wrote the signal, and Batch makes a
// group of writes indivisible as observed by listeners.
package reactive
