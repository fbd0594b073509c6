// Package ws serves channel-multiplexed websocket sessions: subscriptions, RPC and pub/sub fan-out.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/luxgrid/errs"
	"github.com/coachpo/luxgrid/internal/infra/telemetry"
	"github.com/coachpo/luxgrid/internal/observability"
)

const (
	component = "server/ws"

	// DefaultHeartbeat matches the 25 second heartbeat sockjs clients expect.
	DefaultHeartbeat    = 25 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1 << 20
)

// RPCHandler answers an RPC frame. The returned bytes become the reply data.
type RPCHandler func(ctx context.Context, sess *Session, channel string, payload []byte) ([]byte, error)

// SubscribeHook runs after a session subscribes to a channel.
type SubscribeHook func(ctx context.Context, sess *Session, channel string)

// Options tunes the server.
type Options struct {
	Heartbeat      time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	OriginPatterns []string
	Metrics        *telemetry.TransportMetrics
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = DefaultHeartbeat
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	return o
}

// Server accepts websocket sessions and routes their frames by channel.
type Server struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	channels map[string]map[string]*Session
	rpc      map[string]RPCHandler
	hooks    map[string][]SubscribeHook

	workers conc.WaitGroup
	closed  atomic.Bool
}

// NewServer constructs a server. Register handlers before serving.
func NewServer(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		channels: make(map[string]map[string]*Session),
		rpc:      make(map[string]RPCHandler),
		hooks:    make(map[string][]SubscribeHook),
	}
}

// HandleRPC registers the RPC handler for channel, replacing any previous one.
func (s *Server) HandleRPC(channel string, handler RPCHandler) {
	s.mu.Lock()
	s.rpc[channel] = handler
	s.mu.Unlock()
}

// OnSubscribe appends a hook fired whenever a session subscribes to channel.
func (s *Server) OnSubscribe(channel string, hook SubscribeHook) {
	s.mu.Lock()
	s.hooks[channel] = append(s.hooks[channel], hook)
	s.mu.Unlock()
}

// Sessions reports the number of attached sessions.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Subscribers reports the number of sessions subscribed to channel.
func (s *Server) Subscribers(channel string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels[channel])
}

// ServeHTTP upgrades the request and serves the session until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		observability.Log().Error("websocket accept failed", observability.Field{Key: "error", Value: err})
		return
	}
	conn.SetReadLimit(s.opts.ReadLimit)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(r.Context(), cancel)
	defer stop()

	sess := &Session{
		id:       uuid.NewString(),
		conn:     conn,
		server:   s,
		channels: make(map[string]struct{}),
	}
	s.attach(sess)
	defer s.detach(sess)

	var heartbeat conc.WaitGroup
	heartbeat.Go(func() { sess.heartbeat(ctx) })
	defer heartbeat.Wait()
	defer cancel()

	sess.readLoop(ctx)
}

// Broadcast sends data as a message frame to every subscriber of channel and returns the delivery count.
func (s *Server) Broadcast(ctx context.Context, channel string, data []byte) (int, error) {
	return s.fanout(ctx, channel, data, "")
}

func (s *Server) fanout(ctx context.Context, channel string, data []byte, exclude string) (int, error) {
	targets := s.subscribersOf(channel)
	delivered := 0
	var failures []error
	for _, sess := range targets {
		if sess.id == exclude {
			continue
		}
		if err := sess.Send(ctx, channel, data); err != nil {
			failures = append(failures, err)
			continue
		}
		delivered++
	}
	return delivered, observability.AggregateErrors("broadcast "+channel, failures)
}

func (s *Server) subscribersOf(channel string) []*Session {
	s.mu.RLock()
	members := s.channels[channel]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, members[id])
	}
	s.mu.RUnlock()
	return out
}

func (s *Server) attach(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.opts.Metrics.SessionDelta(s.ctx, 1)
	s.opts.Metrics.RecordConnection(s.ctx, telemetry.ConnectionConnected)
	observability.Log().Debug("session attached", observability.Field{Key: "session", Value: sess.id})
}

func (s *Server) detach(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	for channel := range sess.snapshotChannels() {
		s.removeMemberLocked(channel, sess.id)
	}
	s.mu.Unlock()
	_ = sess.conn.CloseNow()
	s.opts.Metrics.SessionDelta(context.Background(), -1)
	s.opts.Metrics.RecordConnection(context.Background(), telemetry.ConnectionDisconnected)
	observability.Log().Debug("session detached", observability.Field{Key: "session", Value: sess.id})
}

func (s *Server) subscribe(ctx context.Context, sess *Session, channel string) {
	s.mu.Lock()
	members, ok := s.channels[channel]
	if !ok {
		members = make(map[string]*Session)
		s.channels[channel] = members
	}
	members[sess.id] = sess
	hooks := append([]SubscribeHook(nil), s.hooks[channel]...)
	s.mu.Unlock()
	sess.addChannel(channel)

	for _, hook := range hooks {
		hook(ctx, sess, channel)
	}
}

func (s *Server) unsubscribe(sess *Session, channel string) {
	s.mu.Lock()
	s.removeMemberLocked(channel, sess.id)
	s.mu.Unlock()
	sess.removeChannel(channel)
}

func (s *Server) removeMemberLocked(channel, id string) {
	members := s.channels[channel]
	delete(members, id)
	if len(members) == 0 {
		delete(s.channels, channel)
	}
}

func (s *Server) handlerFor(channel string) RPCHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rpc[channel]
}

// Close stops accepting sessions, closes attached ones and waits for in-flight RPCs.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	errList := make([]error, 0, len(sessions))
	for _, sess := range sessions {
		if err := sess.conn.Close(websocket.StatusGoingAway, "server shutdown"); err != nil && !isClosedErr(err) {
			errList = append(errList, errs.New(component, errs.CodeNetwork, errs.WithMessage("close session "+sess.id), errs.WithCause(err)))
		}
	}
	s.cancel()
	s.workers.Wait()
	return observability.AggregateErrors("ws server close", errList)
}

func isClosedErr(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}
