package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liveq-dev/liveq/pkg/client"
	"github.com/liveq-dev/liveq/pkg/reactive"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

type callOutcome struct {
	value any
	err   error
}

type pendingQuery struct {
	ref  client.FuncRef
	args any
	ch   chan callOutcome
}

type fakeSub struct {
	ref    client.FuncRef
	args   any
	onData func(any)
	onErr  func(error)
	unsubs atomic.Int32
}

// fakeTransport blocks queries until the test settles them and records
// every subscription so tests can push updates and count teardowns.
type fakeTransport struct {
	mu      sync.Mutex
	pending []*pendingQuery
	subs    []*fakeSub

	queryCalls atomic.Int32
	active     atomic.Int32

	subscribeErr error
	mutate       func(args any) (any, error)
	action       func(args any) (any, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (tr *fakeTransport) Query(ctx context.Context, ref client.FuncRef, args any) (any, error) {
	tr.queryCalls.Add(1)
	p := &pendingQuery{ref: ref, args: args, ch: make(chan callOutcome, 1)}
	tr.mu.Lock()
	tr.pending = append(tr.pending, p)
	tr.mu.Unlock()

	select {
	case out := <-p.ch:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (tr *fakeTransport) Mutation(ctx context.Context, ref client.FuncRef, args any) (any, error) {
	if tr.mutate == nil {
		return nil, errors.New("no mutation handler")
	}
	return tr.mutate(args)
}

func (tr *fakeTransport) Action(ctx context.Context, ref client.FuncRef, args any) (any, error) {
	if tr.action == nil {
		return nil, errors.New("no action handler")
	}
	return tr.action(args)
}

func (tr *fakeTransport) Subscribe(ref client.FuncRef, args any, onData func(any), onErr func(error)) (func(), error) {
	if tr.subscribeErr != nil {
		return nil, tr.subscribeErr
	}
	s := &fakeSub{ref: ref, args: args, onData: onData, onErr: onErr}
	tr.mu.Lock()
	tr.subs = append(tr.subs, s)
	tr.mu.Unlock()
	tr.active.Add(1)
	return func() {
		if s.unsubs.Add(1) == 1 {
			tr.active.Add(-1)
		}
	}, nil
}

// settleQuery completes the oldest pending query call.
func (tr *fakeTransport) settleQuery(t *testing.T, value any, err error) {
	t.Helper()
	waitFor(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.pending) > 0
	})
	tr.mu.Lock()
	p := tr.pending[0]
	tr.pending = tr.pending[1:]
	tr.mu.Unlock()
	p.ch <- callOutcome{value: value, err: err}
}

func (tr *fakeTransport) subCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.subs)
}

func (tr *fakeTransport) lastSub() *fakeSub {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.subs) == 0 {
		return nil
	}
	return tr.subs[len(tr.subs)-1]
}

// push delivers a live update on the most recent subscription.
func (tr *fakeTransport) push(t *testing.T, v any) {
	t.Helper()
	s := tr.lastSub()
	if s == nil {
		t.Fatalf("push with no active subscription")
	}
	s.onData(v)
}

func (tr *fakeTransport) pushErr(t *testing.T, err error) {
	t.Helper()
	s := tr.lastSub()
	if s == nil {
		t.Fatalf("pushErr with no active subscription")
	}
	s.onErr(err)
}

type fakeCache struct {
	entries map[client.FuncRef]any
}

func (fc *fakeCache) LocalRead(ref client.FuncRef, args any) (any, error) {
	if v, ok := fc.entries[ref]; ok {
		return v, nil
	}
	return nil, errors.New("no synchronous answer")
}

func newTestClient(tr *fakeTransport, opts ...client.Option) *client.Client {
	all := append([]client.Option{client.WithTransport(tr)}, opts...)
	return client.New(all...)
}

func TestQueryServerContextInitialData(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr, client.WithServerContext(true))

	q := New[int, int](c, "counter:get", nil, &Options[int]{InitialData: 0})

	if v, ok := q.Data(); !ok || v != 0 {
		t.Errorf("expected initial data 0, got %d ok=%v", v, ok)
	}
	if q.Loading() {
		t.Errorf("server-context initial data must complete the run")
	}
	if tr.queryCalls.Load() != 0 {
		t.Errorf("server-context initial data must skip the network, got %d calls", tr.queryCalls.Load())
	}
}

func TestQueryClientInitialDataSeedsWhileLoading(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)

	q := New[int, int](c, "counter:get", nil, &Options[int]{InitialData: 0})

	if v, ok := q.Data(); !ok || v != 0 {
		t.Errorf("expected seeded data 0, got %d ok=%v", v, ok)
	}
	if !q.Loading() {
		t.Errorf("seeded initial data on the client must stay loading until an update")
	}

	// The first live update ends the loading state.
	tr.push(t, 5)
	if v, _ := q.Data(); v != 5 {
		t.Errorf("expected live data 5, got %d", v)
	}
	if q.Loading() {
		t.Errorf("live data must end the loading state")
	}
}

func TestQueryCacheHitCompletesSynchronously(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr, client.WithLocalCache(&fakeCache{
		entries: map[client.FuncRef]any{"counter:get": 7},
	}))

	q := New[int, int](c, "counter:get", nil, nil)

	if v, ok := q.Data(); !ok || v != 7 {
		t.Errorf("expected cached value 7, got %d ok=%v", v, ok)
	}
	if q.Loading() {
		t.Errorf("cache hit must complete the run synchronously")
	}
	if tr.queryCalls.Load() != 0 {
		t.Errorf("cache hit must skip the network, got %d calls", tr.queryCalls.Load())
	}
}

func TestQueryLiveDataWinsOverLoader(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)

	q := New[int, int](c, "counter:get", nil, nil)

	if !q.Loading() {
		t.Errorf("expected loading while the first run is in flight")
	}

	tr.push(t, 5)
	if v, ok := q.Data(); !ok || v != 5 {
		t.Errorf("expected live data 5, got %d ok=%v", v, ok)
	}
	if q.Loading() {
		t.Errorf("live data must end the loading state while the fetch is in flight")
	}

	// The network answer settles later and must not displace live data.
	tr.settleQuery(t, 9, nil)
	waitFor(t, func() bool { return !q.loader.Loading() })
	if v, _ := q.Data(); v != 5 {
		t.Errorf("live data must win over the settled loader, got %d", v)
	}
}

func TestQueryLiveErrorClearsData(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)

	q := New[int, int](c, "counter:get", nil, nil)

	tr.push(t, 5)
	boom := errors.New("stream failed")
	tr.pushErr(t, boom)

	if _, ok := q.Data(); ok {
		t.Errorf("a live error must clear live data")
	}
	if !errors.Is(q.Err(), boom) {
		t.Errorf("expected live error, got %v", q.Err())
	}
}

func TestQueryLoaderErrorSurfaces(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)

	q := New[int, int](c, "counter:get", nil, nil)

	boom := errors.New("network down")
	tr.settleQuery(t, nil, boom)
	waitFor(t, func() bool { return q.Err() != nil })

	if !errors.Is(q.Err(), boom) {
		t.Errorf("expected loader error, got %v", q.Err())
	}
	if q.Loading() {
		t.Errorf("a failed run is settled, not loading")
	}
}

func TestQueryKeepPreviousData(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	args := reactive.NewSignal(1)

	q := New[int, int](c, "items:get", args, &Options[int]{KeepPreviousData: true})

	tr.settleQuery(t, 10, nil)
	waitFor(t, func() bool { v, ok := q.Data(); return ok && v == 10 })
	if q.Stale() {
		t.Errorf("settled data is not stale")
	}

	// New identity: the previous value stays visible, marked stale.
	args.Set(2)
	if v, ok := q.Data(); !ok || v != 10 {
		t.Errorf("expected retained previous value 10, got %d ok=%v", v, ok)
	}
	if !q.Stale() {
		t.Errorf("retained previous value must be marked stale")
	}

	tr.settleQuery(t, 20, nil)
	waitFor(t, func() bool { v, _ := q.Data(); return v == 20 })
	if q.Stale() {
		t.Errorf("a settled run clears staleness")
	}
}

func TestQueryWithoutKeepPreviousDataDropsValue(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	args := reactive.NewSignal(1)

	q := New[int, int](c, "items:get", args, nil)

	tr.settleQuery(t, 10, nil)
	waitFor(t, func() bool { v, ok := q.Data(); return ok && v == 10 })

	args.Set(2)
	if _, ok := q.Data(); ok {
		t.Errorf("a new in-flight run must hide the previous value")
	}
	if q.Stale() {
		t.Errorf("no retained value, nothing is stale")
	}

	tr.settleQuery(t, 20, nil)
	waitFor(t, func() bool { v, _ := q.Data(); return v == 20 })
}

func TestQueryDisabledDoesNothing(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)

	q := New[int, int](c, "counter:get", nil, &Options[int]{Enabled: false})

	if tr.queryCalls.Load() != 0 {
		t.Errorf("disabled query must not run the loader")
	}
	if tr.subCount() != 0 {
		t.Errorf("disabled query must not subscribe")
	}
	if q.Loading() {
		t.Errorf("disabled query is not loading")
	}
	if _, ok := q.Data(); ok {
		t.Errorf("disabled query has no data")
	}
}

func TestQueryDisableDiscardsInFlightLoad(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	enabled := reactive.NewSignal(true)

	q := New[int, int](c, "counter:get", nil, &Options[int]{Enabled: enabled})

	if !q.Loading() {
		t.Fatalf("expected loading while the run is in flight")
	}

	enabled.Set(false)
	if q.Loading() {
		t.Errorf("disabled query is not loading")
	}

	// The network answer settles after the disable; it must not surface.
	tr.settleQuery(t, 42, nil)
	time.Sleep(50 * time.Millisecond)
	if v, ok := q.Data(); ok {
		t.Errorf("disabled query surfaced a disowned result: %d", v)
	}
	if q.Err() != nil {
		t.Errorf("disowned run must not surface an error, got %v", q.Err())
	}
}

func TestQueryDisableInvalidatesStrayCallbacks(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	enabled := reactive.NewSignal(true)

	q := New[int, int](c, "counter:get", nil, &Options[int]{Enabled: enabled})

	tr.push(t, 5)
	enabled.Set(false)

	// Disabling keeps the slot as last observed.
	if v, ok := q.Data(); !ok || v != 5 {
		t.Fatalf("disable must not clear the live slot, got %d ok=%v", v, ok)
	}

	// A callback racing in from the torn-down subscription is discarded.
	tr.lastSub().onData(99)
	if v, _ := q.Data(); v != 5 {
		t.Errorf("stray update mutated a disabled query's slot: %d", v)
	}
}

func TestQueryDisableTearsDownSubscription(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	enabled := reactive.NewSignal(true)

	New[int, int](c, "counter:get", nil, &Options[int]{Enabled: enabled})

	if tr.active.Load() != 1 {
		t.Fatalf("expected 1 active subscription, got %d", tr.active.Load())
	}

	enabled.Set(false)
	if tr.active.Load() != 0 {
		t.Errorf("disabling must tear down the existing subscription")
	}
	if tr.lastSub().unsubs.Load() != 1 {
		t.Errorf("expected exactly 1 unsubscribe, got %d", tr.lastSub().unsubs.Load())
	}
}

func TestQueryAtMostOneSubscription(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	args := reactive.NewSignal(1)

	New[int, int](c, "items:get", args, nil)

	args.Set(2)
	args.Set(3)

	if tr.subCount() != 3 {
		t.Errorf("expected 3 subscriptions over 3 identities, got %d", tr.subCount())
	}
	if tr.active.Load() != 1 {
		t.Errorf("expected exactly 1 active subscription, got %d", tr.active.Load())
	}

	tr.mu.Lock()
	for i, s := range tr.subs[:len(tr.subs)-1] {
		if s.unsubs.Load() != 1 {
			t.Errorf("subscription %d: expected exactly 1 unsubscribe, got %d", i, s.unsubs.Load())
		}
	}
	tr.mu.Unlock()
}

func TestQueryIdentityChangeResetsLiveSlot(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)
	args := reactive.NewSignal(1)

	q := New[int, int](c, "items:get", args, nil)

	tr.push(t, 5)
	if v, _ := q.Data(); v != 5 {
		t.Fatalf("expected live data 5, got %d", v)
	}

	// Data from the old identity must not win the new one.
	args.Set(2)
	if _, ok := q.Data(); ok {
		t.Errorf("identity change must reset the live slot")
	}

	// A stray callback from the torn-down subscription is discarded.
	tr.mu.Lock()
	old := tr.subs[0]
	tr.mu.Unlock()
	old.onData(99)
	if _, ok := q.Data(); ok {
		t.Errorf("superseded subscription must not write into the slot")
	}
}

func TestQueryDisposeUnsubscribes(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)

	owner := reactive.NewOwner(nil)
	reactive.WithOwner(owner, func() {
		New[int, int](c, "counter:get", nil, nil)
	})

	if tr.active.Load() != 1 {
		t.Fatalf("expected 1 active subscription, got %d", tr.active.Load())
	}

	owner.Dispose()
	owner.Dispose()

	if tr.active.Load() != 0 {
		t.Errorf("dispose must tear down the subscription")
	}
	if tr.lastSub().unsubs.Load() != 1 {
		t.Errorf("expected exactly 1 unsubscribe, got %d", tr.lastSub().unsubs.Load())
	}
}

func TestQueryRefetchForcesNetworkWithoutResubscribe(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr, client.WithLocalCache(&fakeCache{
		entries: map[client.FuncRef]any{"counter:get": 7},
	}))

	q := New[int, int](c, "counter:get", nil, nil)

	if tr.queryCalls.Load() != 0 {
		t.Fatalf("cache hit must not reach the network")
	}
	subsBefore := tr.subCount()

	q.Refetch()
	tr.settleQuery(t, 8, nil)
	waitFor(t, func() bool { v, _ := q.Data(); return v == 8 })

	if tr.subCount() != subsBefore {
		t.Errorf("refetch must not create a new subscription")
	}
}

func TestQuerySubscribeFailureIsCaptured(t *testing.T) {
	tr := newFakeTransport()
	tr.subscribeErr = errors.New("refused")
	c := newTestClient(tr)

	q := New[int, int](c, "counter:get", nil, nil)

	if !errors.Is(q.Err(), tr.subscribeErr) {
		t.Errorf("subscribe failure must surface as the query error, got %v", q.Err())
	}
}

func TestQueryAccessorsAreReactive(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)

	q := New[int, int](c, "counter:get", nil, nil)

	var observed atomic.Int32
	reactive.CreateEffect(func() reactive.Cleanup {
		if v, ok := q.Data(); ok {
			observed.Store(int32(v))
		}
		return nil
	})

	tr.push(t, 5)
	if observed.Load() != 5 {
		t.Errorf("effect should observe the live update, got %d", observed.Load())
	}

	tr.push(t, 6)
	if observed.Load() != 6 {
		t.Errorf("effect should observe the second update, got %d", observed.Load())
	}
}

func TestUseWithoutProvidePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic without a provided client")
		}
	}()
	New[int, int](nil, "counter:get", nil, nil)
}

func TestQueryUsesProvidedClient(t *testing.T) {
	tr := newFakeTransport()
	c := newTestClient(tr)

	owner := reactive.NewOwner(nil)
	client.Provide(owner, c)

	reactive.WithOwner(owner, func() {
		q := New[int, int](nil, "counter:get", nil, nil)
		tr.push(t, 3)
		if v, _ := q.Data(); v != 3 {
			t.Errorf("expected 3 via the provided client, got %d", v)
		}
	})
}
