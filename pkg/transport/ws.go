package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/liveq-dev/liveq/pkg/cache"
	"github.com/liveq-dev/liveq/pkg/client"
	"github.com/liveq-dev/liveq/pkg/metrics"
)

// ErrClosed reports a call or subscribe attempt on a closed transport, or
// a pending call interrupted by connection loss.
var ErrClosed = errors.New("transport: connection closed")

// ErrCallTimeout reports a call that did not settle within the configured
// call timeout.
var ErrCallTimeout = errors.New("transport: call timed out")

// RemoteError is a failure reported by the backend for a call or a
// subscription.
type RemoteError struct {
	Ref string
	Msg string
}

func (e *RemoteError) Error() string {
	return e.Msg
}

type callResult struct {
	value json.RawMessage
	err   error
}

type subEntry struct {
	ref    client.FuncRef
	args   json.RawMessage
	onData func(any)
	onErr  func(error)

	// mu is held across a delivery so close can wait out an in-flight
	// callback; closed gates all further deliveries.
	mu     sync.Mutex
	closed bool

	// deliveringGID is the goroutine running a delivery right now, so a
	// callback that unsubscribes its own entry does not block on itself.
	deliveringGID atomic.Uint64
}

// deliver runs fn unless the entry is closed. After close returns, fn is
// never invoked again.
func (e *subEntry) deliver(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.deliveringGID.Store(goroutineID())
	defer e.deliveringGID.Store(0)
	fn()
}

// close gates future deliveries and waits for an in-flight one to finish.
// Called from inside this entry's own callback, it only sets the gate; that
// delivery is by definition before the unsubscribe returns.
func (e *subEntry) close() {
	if e.deliveringGID.Load() == goroutineID() {
		e.closed = true
		return
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Conn is a client.Transport over a single WebSocket connection.
type Conn struct {
	url    string
	logger *slog.Logger
	m      *metrics.Metrics
	tracer trace.Tracer

	// store, when set, receives settled query results and push updates so
	// the loader's synchronous cache tier can answer from it.
	store *cache.Store

	callTimeout  time.Duration
	pingInterval time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex

	nextID atomic.Uint64

	pending   map[uint64]chan callResult
	pendingMu sync.Mutex

	subs   map[uint64]*subEntry
	subsMu sync.Mutex

	closed atomic.Bool
	done   chan struct{}
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Conn) { c.m = m }
}

// WithCacheWriteThrough makes the transport write settled query results and
// push updates into store, keyed by (ref, args).
func WithCacheWriteThrough(store *cache.Store) Option {
	return func(c *Conn) { c.store = store }
}

// WithCallTimeout bounds one-shot calls. Zero means no timeout; the call
// then pends until settlement, cancellation, or connection loss.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Conn) { c.callTimeout = d }
}

// WithPingInterval sets the keepalive interval (default 30s).
func WithPingInterval(d time.Duration) Option {
	return func(c *Conn) { c.pingInterval = d }
}

// Dial connects to a liveq backend at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	c := &Conn{
		url:          url,
		pingInterval: 30 * time.Second,
		pending:      make(map[uint64]chan callResult),
		subs:         make(map[uint64]*subEntry),
		done:         make(chan struct{}),
		tracer:       otel.Tracer("liveq/transport"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	c.conn = conn

	go c.readLoop(conn)
	go c.pingLoop(conn)
	return c, nil
}

// Query implements client.Transport.
func (c *Conn) Query(ctx context.Context, ref client.FuncRef, args any) (any, error) {
	v, err := c.call(ctx, KindQuery, ref, args)
	if err == nil && c.store != nil {
		c.store.Write(ref, args, v)
	}
	return v, err
}

// Mutation implements client.Transport.
func (c *Conn) Mutation(ctx context.Context, ref client.FuncRef, args any) (any, error) {
	return c.call(ctx, KindMutation, ref, args)
}

// Action implements client.Transport.
func (c *Conn) Action(ctx context.Context, ref client.FuncRef, args any) (any, error) {
	return c.call(ctx, KindAction, ref, args)
}

func (c *Conn) call(ctx context.Context, kind CallKind, ref client.FuncRef, args any) (any, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	ctx, span := c.tracer.Start(ctx, "liveq."+string(kind),
		trace.WithAttributes(attribute.String("liveq.ref", string(ref))))
	defer span.End()

	if c.m != nil {
		c.m.CallsTotal.WithLabelValues(string(kind), string(ref)).Inc()
	}

	rawArgs, err := marshalArgs(args)
	if err != nil {
		return nil, c.callFailed(span, kind, err)
	}

	id := c.nextID.Add(1)
	ch := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(&Frame{
		Type: FrameCall,
		ID:   id,
		Kind: kind,
		Ref:  string(ref),
		Args: rawArgs,
	}); err != nil {
		return nil, c.callFailed(span, kind, err)
	}

	var timeout <-chan time.Time
	if c.callTimeout > 0 {
		t := time.NewTimer(c.callTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, c.callFailed(span, kind, res.err)
		}
		var v any
		if len(res.value) > 0 {
			if err := json.Unmarshal(res.value, &v); err != nil {
				return nil, c.callFailed(span, kind, fmt.Errorf("transport: decode result: %w", err))
			}
		}
		return v, nil
	case <-ctx.Done():
		return nil, c.callFailed(span, kind, ctx.Err())
	case <-timeout:
		return nil, c.callFailed(span, kind, ErrCallTimeout)
	case <-c.done:
		return nil, c.callFailed(span, kind, ErrClosed)
	}
}

func (c *Conn) callFailed(span trace.Span, kind CallKind, err error) error {
	span.RecordError(err)
	if c.m != nil {
		c.m.CallErrors.WithLabelValues(string(kind)).Inc()
	}
	return err
}

// Subscribe implements client.Transport. The returned unsubscribe function
// is idempotent; after it returns, neither callback is invoked again.
func (c *Conn) Subscribe(ref client.FuncRef, args any, onData func(any), onErr func(error)) (func(), error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	rawArgs, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	entry := &subEntry{ref: ref, args: rawArgs, onData: onData, onErr: onErr}
	c.subsMu.Lock()
	c.subs[id] = entry
	c.subsMu.Unlock()

	if err := c.writeFrame(&Frame{
		Type:  FrameSubscribe,
		SubID: id,
		Ref:   string(ref),
		Args:  rawArgs,
	}); err != nil {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
		return nil, err
	}

	if c.m != nil {
		c.m.ActiveSubscriptions.Inc()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			_, active := c.subs[id]
			delete(c.subs, id)
			c.subsMu.Unlock()
			if !active {
				return
			}
			entry.close()
			if c.m != nil {
				c.m.ActiveSubscriptions.Dec()
			}
			if err := c.writeFrame(&Frame{Type: FrameUnsubscribe, SubID: id}); err != nil && !c.closed.Load() {
				c.logger.Warn("unsubscribe write failed", "ref", string(ref), "error", err)
			}
		})
	}, nil
}

// Redial reconnects after connection loss and re-establishes all active
// subscriptions on the new connection. Pending calls from the old
// connection are not replayed; they have already failed with ErrClosed.
func (c *Conn) Redial(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("transport: redial %s: %w", c.url, err)
	}

	c.writeMu.Lock()
	old := c.conn
	c.conn = conn
	c.writeMu.Unlock()
	if old != nil {
		old.Close()
	}

	if c.m != nil {
		c.m.ReconnectsTotal.Inc()
	}

	c.subsMu.Lock()
	resubs := make(map[uint64]*subEntry, len(c.subs))
	for id, e := range c.subs {
		resubs[id] = e
	}
	c.subsMu.Unlock()

	for id, e := range resubs {
		if err := c.writeFrame(&Frame{
			Type:  FrameSubscribe,
			SubID: id,
			Ref:   string(e.ref),
			Args:  e.args,
		}); err != nil {
			return err
		}
	}

	go c.readLoop(conn)
	go c.pingLoop(conn)
	return nil
}

// Close shuts the transport down. Pending calls fail with ErrClosed;
// subscription callbacks are never invoked again.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.failPending(ErrClosed)

	c.subsMu.Lock()
	entries := c.subs
	c.subs = make(map[uint64]*subEntry)
	c.subsMu.Unlock()
	for _, e := range entries {
		e.close()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Conn) writeFrame(f *Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrClosed
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		if c.m != nil {
			c.m.TransportErrors.Inc()
		}
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// readLoop reads frames until the connection fails or the transport
// closes, dispatching results to pending calls and updates to
// subscriptions.
func (c *Conn) readLoop(conn *websocket.Conn) {
	defer c.failPending(ErrClosed)

	for {
		conn.SetReadDeadline(time.Now().Add(3 * c.pingInterval))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.logger.Error("read error", "error", err)
			}
			return
		}

		frame, err := DecodeFrame(msg)
		if err != nil {
			c.logger.Error("frame decode error", "error", err)
			if c.m != nil {
				c.m.TransportErrors.Inc()
			}
			continue
		}

		switch frame.Type {
		case FrameResult:
			c.handleResult(frame)
		case FrameUpdate:
			c.handleUpdate(frame)
		case FrameSubError:
			c.handleSubError(frame)
		case FramePing:
			c.writeFrame(&Frame{Type: FramePong})
		case FramePong:
			// Keepalive acknowledged.
		default:
			c.logger.Warn("unexpected frame type", "type", string(frame.Type))
		}
	}
}

func (c *Conn) handleResult(f *Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	if f.Error != "" {
		ch <- callResult{err: &RemoteError{Ref: f.Ref, Msg: f.Error}}
		return
	}
	ch <- callResult{value: f.Value}
}

func (c *Conn) handleUpdate(f *Frame) {
	c.subsMu.Lock()
	entry, ok := c.subs[f.SubID]
	c.subsMu.Unlock()
	if !ok {
		// Update for an already-torn-down subscription; drop it.
		return
	}

	var v any
	if len(f.Value) > 0 {
		if err := json.Unmarshal(f.Value, &v); err != nil {
			c.logger.Error("update decode error", "ref", string(entry.ref), "error", err)
			if c.m != nil {
				c.m.TransportErrors.Inc()
			}
			entry.deliver(func() {
				entry.onErr(fmt.Errorf("transport: decode update: %w", err))
			})
			return
		}
	}

	if c.store != nil {
		var args any
		if len(entry.args) > 0 {
			json.Unmarshal(entry.args, &args)
		}
		c.store.Write(entry.ref, args, v)
	}

	entry.deliver(func() { entry.onData(v) })
}

func (c *Conn) handleSubError(f *Frame) {
	c.subsMu.Lock()
	entry, ok := c.subs[f.SubID]
	c.subsMu.Unlock()
	if !ok {
		return
	}
	entry.deliver(func() {
		entry.onErr(&RemoteError{Ref: string(entry.ref), Msg: f.Error})
	})
}

func (c *Conn) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			current := c.conn
			c.writeMu.Unlock()
			if current != conn {
				// A redial replaced this connection.
				return
			}
			if err := c.writeFrame(&Frame{Type: FramePing}); err != nil {
				return
			}
		}
	}
}

func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan callResult)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// goroutineID extracts the current goroutine's ID from the runtime stack
// header "goroutine <id> ...".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] == ' ' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}

func marshalArgs(args any) (json.RawMessage, error) {
	if args == nil {
		return nil, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("transport: encode args: %w", err)
	}
	return b, nil
}

var _ client.Transport = (*Conn)(nil)
