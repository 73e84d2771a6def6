package transport

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSubEntryClosedGatesDelivery(t *testing.T) {
	var calls atomic.Int32
	e := &subEntry{onData: func(any) { calls.Add(1) }}

	e.deliver(func() { e.onData(1) })
	e.close()
	e.deliver(func() { e.onData(2) })

	if calls.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", calls.Load())
	}
}

func TestSubEntryCloseWaitsForInFlightDelivery(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	e := &subEntry{onData: func(any) {
		close(started)
		<-release
	}}

	go e.deliver(func() { e.onData(1) })
	<-started

	closed := make(chan struct{})
	go func() {
		e.close()
		close(closed)
	}()

	// close must not return while the callback is still running.
	select {
	case <-closed:
		t.Fatalf("close returned while a delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not return after the delivery finished")
	}
}

func TestSubEntryReentrantCloseDoesNotDeadlock(t *testing.T) {
	var calls atomic.Int32
	e := &subEntry{}
	// The callback tears down its own entry, as an effect cleanup does when
	// a delivery re-runs the graph that owns the subscription.
	e.onData = func(any) {
		calls.Add(1)
		e.close()
	}

	done := make(chan struct{})
	go func() {
		e.deliver(func() { e.onData(1) })
		e.deliver(func() { e.onData(2) })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("reentrant close deadlocked")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", calls.Load())
	}
}
