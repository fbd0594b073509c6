package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/luxgrid/internal/wire"
)

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func start(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	server := NewServer(opts)
	hs := httptest.NewServer(server)
	t.Cleanup(func() {
		_ = server.Close()
		hs.Close()
	})
	return server, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func connect(t *testing.T, url string) *peer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return &peer{t: t, conn: conn}
}

func (p *peer) send(frame wire.Frame) {
	p.t.Helper()
	data, err := wire.EncodeFrame(frame)
	require.NoError(p.t, err)
	p.sendRaw(data)
}

func (p *peer) sendRaw(data []byte) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(p.t, p.conn.Write(ctx, websocket.MessageText, data))
}

func (p *peer) read(skipHeartbeats bool) wire.Frame {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := p.conn.Read(ctx)
		require.NoError(p.t, err)
		frame, err := wire.DecodeFrame(data)
		require.NoError(p.t, err)
		if skipHeartbeats && frame.Type == wire.FrameHeartbeat {
			continue
		}
		return frame
	}
}

func (p *peer) next() wire.Frame {
	p.t.Helper()
	return p.read(true)
}

func TestSubscribeHookAndBroadcast(t *testing.T) {
	server, url := start(t, Options{})
	server.OnSubscribe("ticks", func(ctx context.Context, sess *Session, channel string) {
		_ = sess.Send(ctx, channel, json.RawMessage(`{"hello":true}`))
	})

	a := connect(t, url)
	b := connect(t, url)
	a.send(wire.Frame{Type: wire.FrameSubscribe, Channel: "ticks"})
	b.send(wire.Frame{Type: wire.FrameSubscribe, Channel: "ticks"})
	require.JSONEq(t, `{"hello":true}`, string(a.next().Data))
	require.JSONEq(t, `{"hello":true}`, string(b.next().Data))
	require.Equal(t, 2, server.Sessions())
	require.Equal(t, 2, server.Subscribers("ticks"))

	n, err := server.Broadcast(context.Background(), "ticks", []byte(`{"n":1}`))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	for _, p := range []*peer{a, b} {
		frame := p.next()
		require.Equal(t, wire.FrameMessage, frame.Type)
		require.Equal(t, "ticks", frame.Channel)
		require.JSONEq(t, `{"n":1}`, string(frame.Data))
	}

	b.send(wire.Frame{Type: wire.FrameUnsubscribe, Channel: "ticks"})
	require.Eventually(t, func() bool { return server.Subscribers("ticks") == 1 }, time.Second, 5*time.Millisecond)
}

func TestPublishFansOutToOtherSubscribers(t *testing.T) {
	server, url := start(t, Options{})
	a := connect(t, url)
	b := connect(t, url)
	a.send(wire.Frame{Type: wire.FrameSubscribe, Channel: "chat"})
	b.send(wire.Frame{Type: wire.FrameSubscribe, Channel: "chat"})
	require.Eventually(t, func() bool { return server.Subscribers("chat") == 2 }, time.Second, 5*time.Millisecond)

	a.send(wire.Frame{Type: wire.FramePublish, Channel: "chat", Data: json.RawMessage(`"hi"`)})
	frame := b.next()
	require.Equal(t, wire.FrameMessage, frame.Type)
	require.JSONEq(t, `"hi"`, string(frame.Data))

	n, err := server.Broadcast(context.Background(), "chat", []byte(`"marker"`))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.JSONEq(t, `"marker"`, string(a.next().Data))
}

func TestRPCReplyAndErrors(t *testing.T) {
	server, url := start(t, Options{})
	server.HandleRPC("math", func(_ context.Context, _ *Session, channel string, payload []byte) ([]byte, error) {
		var in struct{ A, B int }
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"channel": channel, "sum": in.A + in.B})
	})
	p := connect(t, url)

	p.send(wire.Frame{Type: wire.FrameRPC, Channel: "math", ID: "r1", Data: json.RawMessage(`{"A":2,"B":3}`)})
	frame := p.next()
	require.Equal(t, wire.FrameReply, frame.Type)
	require.Equal(t, "r1", frame.ID)
	require.JSONEq(t, `{"channel":"math","sum":5}`, string(frame.Data))

	p.send(wire.Frame{Type: wire.FrameRPC, Channel: "nowhere", ID: "r2"})
	frame = p.next()
	require.Equal(t, wire.FrameError, frame.Type)
	require.Equal(t, "r2", frame.ID)
	require.Equal(t, "no rpc handler", frame.Error)

	p.sendRaw([]byte(`{"type":"rpc","channel":"math"}`))
	frame = p.next()
	require.Equal(t, wire.FrameError, frame.Type)
	require.NotEmpty(t, frame.Error)

	p.send(wire.Frame{Type: wire.FrameReply, Channel: "math", ID: "r3"})
	frame = p.next()
	require.Equal(t, wire.FrameError, frame.Type)
	require.Contains(t, frame.Error, "unexpected frame")
}

func TestHeartbeat(t *testing.T) {
	_, url := start(t, Options{Heartbeat: 10 * time.Millisecond})
	p := connect(t, url)
	frame := p.read(false)
	require.Equal(t, wire.FrameHeartbeat, frame.Type)
}

func TestCloseRejectsNewSessions(t *testing.T) {
	server, url := start(t, Options{})
	p := connect(t, url)
	require.Eventually(t, func() bool { return server.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	readErr := make(chan error, 1)
	go func() {
		_, _, err := p.conn.Read(ctx)
		readErr <- err
	}()
	require.NoError(t, server.Close())
	require.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(<-readErr))
	require.Eventually(t, func() bool { return server.Sessions() == 0 }, time.Second, 5*time.Millisecond)

	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
	require.NoError(t, server.Close())
}
