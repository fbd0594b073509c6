package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/coachpo/luxgrid/errs"
	"github.com/coachpo/luxgrid/internal/infra/telemetry"
	"github.com/coachpo/luxgrid/internal/observability"
	"github.com/coachpo/luxgrid/internal/wire"
)

// Session is one attached websocket client.
type Session struct {
	id     string
	conn   *websocket.Conn
	server *Server

	mu       sync.Mutex
	channels map[string]struct{}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Send pushes data to this session as a message frame on channel.
func (s *Session) Send(ctx context.Context, channel string, data []byte) error {
	return s.write(ctx, wire.Frame{Type: wire.FrameMessage, Channel: channel, Data: data})
}

// Close ends the session with a normal closure.
func (s *Session) Close(reason string) error {
	if err := s.conn.Close(websocket.StatusNormalClosure, reason); err != nil && !isClosedErr(err) {
		return errs.New(component, errs.CodeNetwork, errs.WithMessage("close session"), errs.WithField("session", s.id), errs.WithCause(err))
	}
	return nil
}

// Subscribed reports whether the session listens on channel.
func (s *Session) Subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *Session) addChannel(channel string) {
	s.mu.Lock()
	s.channels[channel] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeChannel(channel string) {
	s.mu.Lock()
	delete(s.channels, channel)
	s.mu.Unlock()
}

func (s *Session) snapshotChannels() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.channels))
	for channel := range s.channels {
		out[channel] = struct{}{}
	}
	return out
}

func (s *Session) write(ctx context.Context, frame wire.Frame) error {
	data, err := wire.EncodeFrame(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.server.opts.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return errs.New(component, errs.CodeNetwork,
			errs.WithChannel(frame.Channel),
			errs.WithMessage("write "+string(frame.Type)),
			errs.WithField("session", s.id),
			errs.WithCause(err))
	}
	s.server.opts.Metrics.RecordFrame(ctx, string(frame.Type), telemetry.DirectionOutbound)
	return nil
}

func (s *Session) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.server.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(ctx, wire.Frame{Type: wire.FrameHeartbeat}); err != nil {
				if ctx.Err() == nil {
					observability.Log().Debug("heartbeat failed", observability.Field{Key: "session", Value: s.id}, observability.Field{Key: "error", Value: err})
				}
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		msgType, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				observability.Log().Debug("session read failed", observability.Field{Key: "session", Value: s.id}, observability.Field{Key: "error", Value: err})
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		frame, err := wire.DecodeFrame(data)
		if err != nil {
			s.reject(ctx, "", "", err)
			continue
		}
		s.server.opts.Metrics.RecordFrame(ctx, string(frame.Type), telemetry.DirectionInbound)
		s.handle(ctx, frame)
	}
}

func (s *Session) handle(ctx context.Context, frame wire.Frame) {
	switch frame.Type {
	case wire.FrameSubscribe:
		s.server.subscribe(ctx, s, frame.Channel)
	case wire.FrameUnsubscribe:
		s.server.unsubscribe(s, frame.Channel)
	case wire.FramePublish:
		if _, err := s.server.fanout(ctx, frame.Channel, frame.Data, s.id); err != nil {
			observability.Log().Error("publish fanout failed", observability.Field{Key: "channel", Value: frame.Channel}, observability.Field{Key: "error", Value: err})
		}
	case wire.FrameRPC:
		handler := s.server.handlerFor(frame.Channel)
		if handler == nil {
			s.reject(ctx, frame.Channel, frame.ID, errs.New(component, errs.CodeNotFound, errs.WithChannel(frame.Channel), errs.WithMessage("no rpc handler")))
			return
		}
		s.server.workers.Go(func() { s.serveRPC(ctx, handler, frame) })
	case wire.FrameHeartbeat:
	default:
		s.reject(ctx, frame.Channel, frame.ID, errs.New(component, errs.CodeInvalid, errs.WithMessage("unexpected frame "+string(frame.Type))))
	}
}

func (s *Session) serveRPC(ctx context.Context, handler RPCHandler, frame wire.Frame) {
	reply, err := handler(ctx, s, frame.Channel, frame.Data)
	if err != nil {
		s.reject(ctx, frame.Channel, frame.ID, err)
		return
	}
	if err := s.write(ctx, wire.Frame{Type: wire.FrameReply, Channel: frame.Channel, ID: frame.ID, Data: reply}); err != nil && ctx.Err() == nil {
		observability.Log().Error("rpc reply failed", observability.Field{Key: "channel", Value: frame.Channel}, observability.Field{Key: "error", Value: err})
	}
}

func (s *Session) reject(ctx context.Context, channel, id string, cause error) {
	msg := cause.Error()
	var e *errs.E
	if errors.As(cause, &e) && e.Message != "" {
		msg = e.Message
	}
	if err := s.write(ctx, wire.Frame{Type: wire.FrameError, Channel: channel, ID: id, Error: msg}); err != nil && ctx.Err() == nil {
		observability.Log().Debug("error frame failed", observability.Field{Key: "session", Value: s.id}, observability.Field{Key: "error", Value: err})
	}
}
