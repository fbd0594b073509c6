package grid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/luxgrid/errs"
	"github.com/coachpo/luxgrid/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type rpcCall struct {
	ctx     context.Context
	channel string
	options *wire.PageOptions
	respond func([]byte, error)
}

type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	handlers     map[string][]func([]byte)
	hooks        []func()
	closed       int
	unsubscribed int
	calls        chan rpcCall
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string][]func([]byte)),
		calls:    make(chan rpcCall, 32),
	}
}

func (f *fakeTransport) Subscribe(channel string, handler func([]byte)) func() {
	f.mu.Lock()
	f.handlers[channel] = append(f.handlers[channel], handler)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubscribed++
		delete(f.handlers, channel)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) Connect(onConnect func()) func() {
	f.mu.Lock()
	f.hooks = append(f.hooks, onConnect)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.hooks = nil
		f.mu.Unlock()
	}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) RPC(ctx context.Context, channel string, payload any, onResponse func([]byte, error)) error {
	if !f.Connected() {
		return errs.New("fake", errs.CodeUnavailable, errs.WithMessage("not connected"))
	}
	opts, _ := payload.(*wire.PageOptions)
	f.calls <- rpcCall{ctx: ctx, channel: channel, options: opts, respond: onResponse}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

// connect simulates a transport-level connect.
func (f *fakeTransport) connect() {
	f.mu.Lock()
	f.connected = true
	hooks := append([]func(){}, f.hooks...)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

func (f *fakeTransport) deliver(channel string, data []byte) {
	f.mu.Lock()
	handlers := append([]func([]byte){}, f.handlers[channel]...)
	f.mu.Unlock()
	for _, handler := range handlers {
		handler(data)
	}
}

func (f *fakeTransport) nextCall(t *testing.T) rpcCall {
	t.Helper()
	select {
	case call := <-f.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("expected page rpc")
		return rpcCall{}
	}
}

func (f *fakeTransport) requireNoCall(t *testing.T) {
	t.Helper()
	select {
	case call := <-f.calls:
		t.Fatalf("unexpected page rpc: %+v", call.options)
	case <-time.After(50 * time.Millisecond):
	}
}

type recorder struct {
	mu   sync.Mutex
	data []DataEvent
	meta [][]wire.ColumnMetadata
}

func (r *recorder) OnDataReceived(ev DataEvent) {
	r.mu.Lock()
	r.data = append(r.data, ev)
	r.mu.Unlock()
}

func (r *recorder) OnMetadataReceived(columns []wire.ColumnMetadata) {
	r.mu.Lock()
	r.meta = append(r.meta, columns)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]DataEvent, [][]wire.ColumnMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DataEvent(nil), r.data...), append([][]wire.ColumnMetadata(nil), r.meta...)
}

func newTestProvider(t *testing.T, opts Options) (*Provider, *fakeTransport, *recorder) {
	t.Helper()
	ft := newFakeTransport()
	rec := &recorder{}
	opts.Opener = OpenerFunc(func(string) (Transport, error) { return ft, nil })
	p, err := NewProvider("ws://grid.test/ws", "orders", rec, opts)
	require.NoError(t, err)
	t.Cleanup(p.Destroy)
	return p, ft, rec
}

func connected(t *testing.T, opts Options) (*Provider, *fakeTransport, *recorder) {
	t.Helper()
	p, ft, rec := newTestProvider(t, opts)
	require.NoError(t, p.Connect(context.Background()))
	ft.connect()
	return p, ft, rec
}

func recordsJSON(t *testing.T, event string, total int, records ...wire.Record) []byte {
	t.Helper()
	data, err := wire.NewRecordsMessage(event, records, total)
	require.NoError(t, err)
	return data
}

func intPtr(v int) *int { return &v }

func TestNewProviderValidates(t *testing.T) {
	opener := OpenerFunc(func(string) (Transport, error) { return newFakeTransport(), nil })

	_, err := NewProvider("ws://x", "orders", nil, Options{Opener: opener})
	require.True(t, errs.IsUsage(err))

	_, err = NewProvider("ws://x", "  ", &recorder{}, Options{Opener: opener})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	_, err = NewProvider("ws://x", "orders", &recorder{}, Options{})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestOperationsAfterDestroyFailWithUsageError(t *testing.T) {
	p, ft, _ := connected(t, Options{})
	ft.nextCall(t)

	p.Destroy()
	require.True(t, p.Destroyed())

	err := p.GetPage(context.Background(), &wire.PageOptions{Page: intPtr(1)})
	require.True(t, errs.IsUsage(err), "get page: %v", err)
	err = p.Connect(context.Background())
	require.True(t, errs.IsUsage(err), "connect: %v", err)
	err = p.DeleteItem(context.Background(), "42", func() { t.Fatal("success called") }, func(error) { t.Fatal("failure called") })
	require.True(t, errs.IsUsage(err), "delete item: %v", err)
}

func TestDestroyBeforeConnect(t *testing.T) {
	p, ft, _ := newTestProvider(t, Options{})
	p.Destroy()
	require.True(t, errs.IsUsage(p.Connect(context.Background())))
	require.Zero(t, ft.closed)
}

func TestDestroyIsIdempotent(t *testing.T) {
	p, ft, _ := connected(t, Options{})
	ft.nextCall(t)

	require.NotPanics(t, func() {
		p.Destroy()
		p.Destroy()
	})
	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Equal(t, 1, ft.closed)
	require.Equal(t, 1, ft.unsubscribed)
	require.Nil(t, ft.hooks)
}

func TestDataMessagesDispatchUpdate(t *testing.T) {
	for _, event := range []string{wire.EventRecords, wire.EventRecordUpdate} {
		t.Run(event, func(t *testing.T) {
			_, ft, rec := connected(t, Options{})
			ft.nextCall(t)

			ft.deliver("orders", recordsJSON(t, event, 7, wire.Record{"id": "a", "qty": float64(3)}, wire.Record{"id": "b"}))

			data, meta := rec.snapshot()
			require.Empty(t, meta)
			require.Equal(t, []DataEvent{{
				Total:  7,
				Result: []wire.Record{{"id": "a", "qty": float64(3)}, {"id": "b"}},
				Type:   UpdateType,
			}}, data)
		})
	}
}

func TestColumnsMetadataDispatch(t *testing.T) {
	_, ft, rec := connected(t, Options{})
	ft.nextCall(t)

	columns := []wire.ColumnMetadata{
		{Name: "id", DisplayName: "ID", Type: "string", Sortable: true},
		{Name: "qty", Type: "number", Filter: true, Hidden: true},
	}
	msg, err := wire.NewColumnsMessage(columns)
	require.NoError(t, err)
	ft.deliver("orders", msg)

	data, meta := rec.snapshot()
	require.Empty(t, data)
	require.Equal(t, [][]wire.ColumnMetadata{columns}, meta)
}

func TestUnknownAndMalformedMessagesAreIgnored(t *testing.T) {
	_, ft, rec := connected(t, Options{})
	ft.nextCall(t)

	ft.deliver("orders", []byte(`{"event":"status","data":{"ok":true}}`))
	ft.deliver("orders", []byte(`not json`))
	ft.deliver("orders", []byte(`{"event":"records","data":{"not":"a list"}}`))

	data, meta := rec.snapshot()
	require.Empty(t, data)
	require.Empty(t, meta)
}

func TestNoCallbacksAfterDestroy(t *testing.T) {
	p, ft, rec := connected(t, Options{})
	first := ft.nextCall(t)

	ft.mu.Lock()
	handlers := append([]func([]byte){}, ft.handlers["orders"]...)
	ft.mu.Unlock()
	require.Len(t, handlers, 1)

	p.Destroy()

	handlers[0](recordsJSON(t, wire.EventRecordUpdate, 1, wire.Record{"id": "late"}))
	first.respond(recordsJSON(t, wire.EventRecords, 1, wire.Record{"id": "late"}), nil)

	data, meta := rec.snapshot()
	require.Empty(t, data)
	require.Empty(t, meta)
}

func TestInitialPageOnEveryConnectBeforeCallerRequests(t *testing.T) {
	p, ft, rec := newTestProvider(t, Options{})
	require.NoError(t, p.Connect(context.Background()))
	ft.requireNoCall(t)

	err := p.GetPage(context.Background(), &wire.PageOptions{Page: intPtr(2)})
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))

	ft.connect()
	require.NoError(t, p.GetPage(context.Background(), &wire.PageOptions{Page: intPtr(2), SortBy: "qty"}))

	initial := ft.nextCall(t)
	require.Nil(t, initial.options)
	require.Equal(t, "orders", initial.channel)
	ft.requireNoCall(t)

	initial.respond(recordsJSON(t, wire.EventRecords, 3, wire.Record{"id": "a"}), nil)
	next := ft.nextCall(t)
	require.NotNil(t, next.options)
	require.Equal(t, 2, *next.options.Page)
	require.Equal(t, "qty", next.options.SortBy)
	next.respond(recordsJSON(t, wire.EventRecords, 3, wire.Record{"id": "c"}), nil)

	ft.connect()
	again := ft.nextCall(t)
	require.Nil(t, again.options)
	again.respond(recordsJSON(t, wire.EventRecords, 3), nil)
	ft.requireNoCall(t)

	require.Eventually(t, func() bool {
		data, _ := rec.snapshot()
		return len(data) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestConnectReusesOpenTransport(t *testing.T) {
	opened := 0
	ft := newFakeTransport()
	p, err := NewProvider("ws://grid.test/ws", "orders", &recorder{}, Options{
		Opener: OpenerFunc(func(string) (Transport, error) {
			opened++
			return ft, nil
		}),
	})
	require.NoError(t, err)
	defer p.Destroy()

	require.NoError(t, p.Connect(context.Background()))
	require.NoError(t, p.Connect(context.Background()))
	require.Equal(t, 1, opened)
}

func TestConnectSurfacesOpenError(t *testing.T) {
	openErr := errors.New("dial refused")
	p, err := NewProvider("ws://grid.test/ws", "orders", &recorder{}, Options{
		Opener: OpenerFunc(func(string) (Transport, error) { return nil, openErr }),
	})
	require.NoError(t, err)
	defer p.Destroy()

	require.ErrorIs(t, p.Connect(context.Background()), openErr)
}

func TestDuplicateRepliesDispatchOnce(t *testing.T) {
	_, ft, rec := connected(t, Options{})
	call := ft.nextCall(t)

	reply := recordsJSON(t, wire.EventRecords, 1, wire.Record{"id": "a"})
	call.respond(reply, nil)
	call.respond(reply, nil)

	data, _ := rec.snapshot()
	require.Len(t, data, 1)
}

func TestTimedOutPageIsAbandonedSilently(t *testing.T) {
	p, ft, rec := connected(t, Options{PageTimeout: 30 * time.Millisecond})
	stalled := ft.nextCall(t)
	require.NoError(t, p.GetPage(context.Background(), &wire.PageOptions{Page: intPtr(1)}))

	select {
	case <-stalled.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("rpc context not cancelled on timeout")
	}

	next := ft.nextCall(t)
	require.Equal(t, 1, *next.options.Page)
	next.respond(recordsJSON(t, wire.EventRecords, 1, wire.Record{"id": "b"}), nil)

	require.Eventually(t, func() bool {
		data, _ := rec.snapshot()
		return len(data) == 1 && data[0].Result[0]["id"] == "b"
	}, time.Second, 10*time.Millisecond)
}

func TestRemoteErrorReleasesQueue(t *testing.T) {
	p, ft, rec := connected(t, Options{})
	first := ft.nextCall(t)
	require.NoError(t, p.GetPage(context.Background(), &wire.PageOptions{SortBy: "missing"}))

	first.respond(nil, errs.New("transport", errs.CodeNetwork, errs.WithMessage("remote error: unknown column")))
	next := ft.nextCall(t)
	require.Equal(t, "missing", next.options.SortBy)

	data, _ := rec.snapshot()
	require.Empty(t, data)
}

func TestGetPageCopiesOptions(t *testing.T) {
	p, ft, _ := connected(t, Options{})
	first := ft.nextCall(t)

	opts := &wire.PageOptions{Filter: "qty > 1"}
	require.NoError(t, p.GetPage(context.Background(), opts))
	opts.Filter = "mutated"

	first.respond(recordsJSON(t, wire.EventRecords, 0), nil)
	next := ft.nextCall(t)
	require.Equal(t, "qty > 1", next.options.Filter)

	payload, err := json.Marshal(next.options)
	require.NoError(t, err)
	require.JSONEq(t, `{"filter":"qty > 1"}`, string(payload))
}

func TestQueuedPageOutlivesCallerContext(t *testing.T) {
	p, ft, rec := connected(t, Options{})
	first := ft.nextCall(t)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.GetPage(ctx, &wire.PageOptions{Page: intPtr(2)}))
	cancel()

	first.respond(recordsJSON(t, wire.EventRecords, 0), nil)
	next := ft.nextCall(t)
	require.Equal(t, 2, *next.options.Page)
	require.NoError(t, next.ctx.Err())
	next.respond(recordsJSON(t, wire.EventRecords, 1, wire.Record{"id": "p2"}), nil)

	require.Eventually(t, func() bool {
		data, _ := rec.snapshot()
		return len(data) == 2 && data[1].Result[0]["id"] == "p2"
	}, time.Second, 10*time.Millisecond)

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	require.Error(t, p.GetPage(cancelled, nil))
}

func TestFullQueueIsUnavailable(t *testing.T) {
	p, ft, _ := connected(t, Options{QueueSize: 1})
	ft.nextCall(t)

	require.NoError(t, p.GetPage(context.Background(), nil))
	err := p.GetPage(context.Background(), nil)
	require.True(t, errs.IsCode(err, errs.CodeUnavailable), "got %v", err)
}

func TestDeleteItemIsNotImplemented(t *testing.T) {
	p, _, _ := connected(t, Options{})

	called := false
	err := p.DeleteItem(context.Background(), "42", func() { called = true }, func(error) { called = true })
	require.True(t, errs.IsCode(err, errs.CodeNotImplemented))
	require.False(t, called)
}
