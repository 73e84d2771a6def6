package reactive

// Batch groups multiple signal updates into a single notification phase.
// Updates inside the batch function are collected, deduplicated by listener
// ID, and flushed once when the outermost batch completes. Readers never
// observe a listener run between two writes of the same batch, which is how
// paired fields (data/error, value/loading) stay atomic.
//
// Batches nest; notifications fire only when the outermost batch closes.
//
//	reactive.Batch(func() {
//	    data.Set(v)
//	    err.Set(nil)
//	})
func Batch(fn func()) {
	incrementBatchDepth()
	defer func() {
		if decrementBatchDepth() {
			flushPendingUpdates()
		}
	}()
	fn()
}

// flushPendingUpdates deduplicates and notifies all queued listeners.
func flushPendingUpdates() {
	updates := drainPendingUpdates()
	if len(updates) == 0 {
		return
	}

	seen := make(map[uint64]bool, len(updates))
	for _, listener := range updates {
		id := listener.ID()
		if seen[id] {
			continue
		}
		seen[id] = true
		listener.MarkDirty()
	}
}

// Untracked runs fn without tracking signal reads as dependencies. For a
// single read, Signal.Peek is clearer.
func Untracked(fn func()) {
	old := setCurrentListener(nil)
	defer setCurrentListener(old)
	fn()
}
