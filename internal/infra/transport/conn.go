package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/luxgrid/errs"
	"github.com/coachpo/luxgrid/internal/infra/telemetry"
	"github.com/coachpo/luxgrid/internal/observability"
	"github.com/coachpo/luxgrid/internal/wire"
)

const component = "transport"

// Conn is a single websocket connection multiplexing named channels.
// It reconnects with exponential backoff and restores channel subscriptions after every reconnect.
type Conn struct {
	url  string
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	ws     *websocket.Conn
	connMu sync.RWMutex

	limiter *rate.Limiter

	subs     map[string]map[uint64]Handler
	subsMu   sync.Mutex
	hooks    map[uint64]func()
	hooksMu  sync.Mutex
	nextID   atomic.Uint64
	pending  map[string]*pendingCall
	pendMu   sync.Mutex
	errs     chan error
	start    sync.Once
	closed   atomic.Bool
	lifetime conc.WaitGroup

	// callbacks counts handlers and hooks currently running on connection goroutines.
	callbacks atomic.Int32
}

type pendingCall struct {
	onResponse ResponseHandler
	stop       func() bool
}

// NewConn prepares a connection to url. Nothing is dialled until Connect.
func NewConn(url string, opts Options) *Conn {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	limit := rate.Inf
	if opts.SendRate > 0 {
		limit = rate.Limit(opts.SendRate)
	}
	return &Conn{
		url:     url,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(limit, opts.SendBurst),
		subs:    make(map[string]map[uint64]Handler),
		hooks:   make(map[uint64]func()),
		pending: make(map[string]*pendingCall),
		errs:    make(chan error, opts.ErrorBuffer),
	}
}

// URL returns the endpoint this connection dials.
func (c *Conn) URL() string { return c.url }

// Errors exposes asynchronous transport failures. The channel is never closed.
func (c *Conn) Errors() <-chan error { return c.errs }

// Connected reports whether a websocket is currently established.
func (c *Conn) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.ws != nil
}

// Connect registers onConnect to run after every successful (re)connect and starts the
// connection loop on first use. When already connected, onConnect runs promptly.
// The returned func unregisters the hook.
func (c *Conn) Connect(onConnect func()) func() {
	id := c.nextID.Add(1)
	if onConnect != nil {
		c.hooksMu.Lock()
		c.hooks[id] = onConnect
		c.hooksMu.Unlock()
	}
	if c.closed.Load() {
		return func() {}
	}

	started := false
	c.start.Do(func() {
		started = true
		c.lifetime.Go(c.run)
	})
	if !started && onConnect != nil && c.Connected() {
		c.lifetime.Go(func() { c.invoke(onConnect) })
	}

	return func() {
		c.hooksMu.Lock()
		delete(c.hooks, id)
		c.hooksMu.Unlock()
	}
}

// Subscribe routes message frames for channel to handler. The returned func removes it;
// the server is told to stop routing once the last handler for a channel is gone.
func (c *Conn) Subscribe(channel string, handler Handler) func() {
	id := c.nextID.Add(1)
	c.subsMu.Lock()
	handlers, ok := c.subs[channel]
	if !ok {
		handlers = make(map[uint64]Handler)
		c.subs[channel] = handlers
	}
	handlers[id] = handler
	first := !ok
	c.subsMu.Unlock()

	if first && c.Connected() {
		if err := c.writeFrame(c.ctx, wire.Frame{Type: wire.FrameSubscribe, Channel: channel}); err != nil {
			c.reportError(err)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(channel, id) })
	}
}

func (c *Conn) unsubscribe(channel string, id uint64) {
	c.subsMu.Lock()
	handlers := c.subs[channel]
	delete(handlers, id)
	last := len(handlers) == 0
	if last {
		delete(c.subs, channel)
	}
	c.subsMu.Unlock()

	if last && c.Connected() && !c.closed.Load() {
		if err := c.writeFrame(c.ctx, wire.Frame{Type: wire.FrameUnsubscribe, Channel: channel}); err != nil {
			c.reportError(err)
		}
	}
}

// RPC sends payload on channel and invokes onResponse at most once, with the reply data or
// with the remote error. Cancelling ctx abandons the call locally; a late reply is then ignored.
func (c *Conn) RPC(ctx context.Context, channel string, payload any, onResponse ResponseHandler) error {
	if c.closed.Load() {
		return errs.New(component, errs.CodeUnavailable, errs.WithChannel(channel), errs.WithMessage("transport closed"))
	}
	if !c.Connected() {
		return errs.New(component, errs.CodeUnavailable, errs.WithChannel(channel), errs.WithMessage("not connected"))
	}
	if err := ctx.Err(); err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithChannel(channel), errs.WithMessage("rpc context done"), errs.WithCause(err))
	}
	data, err := wire.RawJSON(payload)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	call := &pendingCall{onResponse: onResponse, stop: nil}
	c.pendMu.Lock()
	c.pending[id] = call
	call.stop = context.AfterFunc(ctx, func() { c.takePending(id) })
	c.pendMu.Unlock()

	if err := c.writeFrame(ctx, wire.Frame{Type: wire.FrameRPC, Channel: channel, ID: id, Data: data}); err != nil {
		if p := c.takePending(id); p != nil {
			p.stop()
		}
		return err
	}
	return nil
}

// Publish pushes payload to the channel's other subscribers without expecting a reply.
func (c *Conn) Publish(ctx context.Context, channel string, payload any) error {
	if !c.Connected() {
		return errs.New(component, errs.CodeUnavailable, errs.WithChannel(channel), errs.WithMessage("not connected"))
	}
	data, err := wire.RawJSON(payload)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, wire.Frame{Type: wire.FramePublish, Channel: channel, Data: data})
}

// PendingCalls returns the number of RPCs awaiting a reply.
func (c *Conn) PendingCalls() int {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	return len(c.pending)
}

// Close stops the connection loop and waits for its goroutines.
// Called from inside a handler or hook it cannot wait for the goroutine running that
// callback, so it cancels the loop and returns; the loop exits once the callback returns.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.connMu.Lock()
	ws := c.ws
	c.ws = nil
	c.connMu.Unlock()

	inCallback := c.callbacks.Load() > 0
	var closeErr error
	if ws != nil {
		if inCallback {
			closeErr = ws.CloseNow()
		} else {
			closeErr = ws.Close(websocket.StatusNormalClosure, "shutdown")
		}
		if closeErr != nil && isClosedErr(closeErr) {
			closeErr = nil
		}
		if closeErr != nil {
			closeErr = errs.New(component, errs.CodeNetwork, errs.WithMessage("close websocket"), errs.WithCause(closeErr))
		}
	}
	c.cancel()
	if inCallback {
		return closeErr
	}
	c.lifetime.Wait()

	c.pendMu.Lock()
	for id, call := range c.pending {
		call.stop()
		delete(c.pending, id)
	}
	c.pendMu.Unlock()
	return closeErr
}

// run maintains the websocket connection with automatic reconnection and exponential backoff.
func (c *Conn) run() {
	bo := c.opts.newBackOff()
	for {
		if c.ctx.Err() != nil {
			return
		}

		dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
		ws, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPHeader: c.opts.Header})
		cancel()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.reportError(errs.New(component, errs.CodeNetwork, errs.WithMessage("dial "+c.url), errs.WithCause(err)))
			if !c.sleep(bo.NextBackOff()) {
				return
			}
			continue
		}
		ws.SetReadLimit(c.opts.ReadLimit)

		c.connMu.Lock()
		if c.closed.Load() {
			c.connMu.Unlock()
			_ = ws.Close(websocket.StatusNormalClosure, "shutdown")
			return
		}
		c.ws = ws
		c.connMu.Unlock()
		bo.Reset()
		c.opts.Metrics.RecordConnection(c.ctx, telemetry.ConnectionConnected)
		observability.Log().Info("transport connected", observability.Field{Key: "url", Value: c.url})

		if err := c.subscribeAll(); err != nil {
			c.reportError(fmt.Errorf("resubscribe after connect: %w", err))
		}
		c.fireHooks()

		err = c.readLoop(ws)

		c.connMu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.connMu.Unlock()
		c.opts.Metrics.RecordConnection(context.Background(), telemetry.ConnectionDisconnected)
		c.failPending(err)

		if c.ctx.Err() != nil || c.closed.Load() {
			return
		}
		observability.Log().Info("transport disconnected", observability.Field{Key: "url", Value: c.url}, observability.Field{Key: "error", Value: err})
		c.reportError(err)
		if !c.sleep(bo.NextBackOff()) {
			return
		}
	}
}

func (c *Conn) sleep(d time.Duration) bool {
	if d < 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Conn) subscribeAll() error {
	c.subsMu.Lock()
	channels := make([]string, 0, len(c.subs))
	for channel := range c.subs {
		channels = append(channels, channel)
	}
	c.subsMu.Unlock()

	var failures []error
	for _, channel := range channels {
		if err := c.writeFrame(c.ctx, wire.Frame{Type: wire.FrameSubscribe, Channel: channel}); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

func (c *Conn) fireHooks() {
	c.hooksMu.Lock()
	ids := make([]uint64, 0, len(c.hooks))
	for id := range c.hooks {
		ids = append(ids, id)
	}
	hooks := make([]func(), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		hooks = append(hooks, c.hooks[id])
	}
	c.hooksMu.Unlock()
	for _, hook := range hooks {
		c.invoke(hook)
	}
}

// invoke runs a user callback, marking it so Close does not wait on the calling goroutine.
func (c *Conn) invoke(fn func()) {
	c.callbacks.Add(1)
	defer c.callbacks.Add(-1)
	fn()
}

// readLoop continuously reads frames until the websocket fails or the connection is closed.
func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		msgType, data, err := ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return context.Canceled
			}
			_ = ws.Close(websocket.StatusNormalClosure, "")
			return errs.New(component, errs.CodeNetwork, errs.WithMessage("read"), errs.WithCause(err))
		}
		if msgType != websocket.MessageText {
			continue
		}

		frame, err := wire.DecodeFrame(data)
		if err != nil {
			c.reportError(err)
			continue
		}
		c.opts.Metrics.RecordFrame(c.ctx, string(frame.Type), telemetry.DirectionInbound)
		c.handleFrame(frame)
	}
}

func (c *Conn) handleFrame(frame wire.Frame) {
	switch frame.Type {
	case wire.FrameMessage:
		for _, handler := range c.handlersFor(frame.Channel) {
			c.invoke(func() { handler(frame.Data) })
		}
	case wire.FrameReply:
		call := c.takePending(frame.ID)
		if call == nil {
			observability.Log().Debug("transport reply without pending call",
				observability.Field{Key: "channel", Value: frame.Channel},
				observability.Field{Key: "id", Value: frame.ID})
			return
		}
		call.stop()
		if call.onResponse != nil {
			c.invoke(func() { call.onResponse(frame.Data, nil) })
		}
	case wire.FrameError:
		err := errs.New(component, errs.CodeNetwork,
			errs.WithChannel(frame.Channel),
			errs.WithMessage("remote error: "+frame.Error),
			errs.WithField("id", frame.ID))
		if frame.ID != "" {
			if call := c.takePending(frame.ID); call != nil {
				call.stop()
				if call.onResponse != nil {
					c.invoke(func() { call.onResponse(nil, err) })
				}
			}
		}
		c.reportError(err)
	case wire.FrameHeartbeat:
	default:
	}
}

func (c *Conn) handlersFor(channel string) []Handler {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	handlers := c.subs[channel]
	if len(handlers) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, handlers[id])
	}
	return out
}

func (c *Conn) takePending(id string) *pendingCall {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

// failPending fails every outstanding RPC after the websocket it was sent on is gone.
func (c *Conn) failPending(cause error) {
	c.pendMu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, call := range c.pending {
		calls = append(calls, call)
		delete(c.pending, id)
	}
	c.pendMu.Unlock()
	for _, call := range calls {
		call.stop()
		if call.onResponse != nil {
			lost := errs.New(component, errs.CodeNetwork, errs.WithMessage("connection lost"), errs.WithCause(cause))
			c.invoke(func() { call.onResponse(nil, lost) })
		}
	}
}

func (c *Conn) writeFrame(ctx context.Context, frame wire.Frame) error {
	c.connMu.RLock()
	ws := c.ws
	c.connMu.RUnlock()
	if ws == nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithChannel(frame.Channel), errs.WithMessage("not connected"))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithChannel(frame.Channel), errs.WithMessage("pacing "+string(frame.Type)), errs.WithCause(err))
	}

	data, err := wire.EncodeFrame(frame)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New(component, errs.CodeNetwork, errs.WithChannel(frame.Channel), errs.WithMessage("write "+string(frame.Type)), errs.WithCause(err))
	}
	c.opts.Metrics.RecordFrame(ctx, string(frame.Type), telemetry.DirectionOutbound)
	return nil
}

func (c *Conn) reportError(err error) {
	if err == nil || c.closed.Load() {
		return
	}
	select {
	case c.errs <- err:
	default:
		observability.Log().Debug("transport error dropped", observability.Field{Key: "error", Value: err})
	}
}

func isClosedErr(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed)
}
