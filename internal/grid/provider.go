// Package grid adapts a channel transport to a tabular grid listener.
package grid

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/luxgrid/errs"
	"github.com/coachpo/luxgrid/internal/infra/telemetry"
	"github.com/coachpo/luxgrid/internal/observability"
	"github.com/coachpo/luxgrid/internal/wire"
	"github.com/coachpo/luxgrid/lib/async"
)

const (
	component = "grid"

	// DefaultPageTimeout bounds how long a page request waits for its reply.
	DefaultPageTimeout = 20 * time.Second
	defaultQueueSize   = 16
)

// Options configures a provider.
type Options struct {
	Opener      Opener
	PageTimeout time.Duration
	// QueueSize bounds page requests waiting behind the one in flight.
	QueueSize int
	Metrics   *telemetry.GridMetrics
}

func (o Options) withDefaults() Options {
	if o.PageTimeout <= 0 {
		o.PageTimeout = DefaultPageTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	return o
}

// Provider is a websocket grid data provider. It subscribes to one channel, loads
// the first page on every transport connect and forwards decoded messages to its listener.
// A nil listener marks the provider destroyed.
type Provider struct {
	url     string
	channel string
	opts    Options
	pages   *async.Pool

	mu          sync.Mutex
	listener    Listener
	transport   Transport
	unsubscribe func()
	unhook      func()
	ready       bool
}

// NewProvider builds a provider for channel on url. Nothing is opened until Connect.
func NewProvider(url, channel string, listener Listener, opts Options) (*Provider, error) {
	if listener == nil {
		return nil, errs.New(component, errs.CodeUsage, errs.WithMessage("listener required"))
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	if opts.Opener == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithChannel(channel), errs.WithMessage("opener required"))
	}
	opts = opts.withDefaults()
	pages, err := async.NewPool(1, opts.QueueSize, async.WithErrorHandler(func(err error) {
		observability.Log().Error("page request failed",
			observability.Field{Key: "channel", Value: channel},
			observability.Field{Key: "error", Value: err})
	}))
	if err != nil {
		return nil, err
	}
	return &Provider{
		url:      url,
		channel:  channel,
		opts:     opts,
		pages:    pages,
		listener: listener,
	}, nil
}

// Channel returns the channel this provider serves.
func (p *Provider) Channel() string { return p.channel }

// Connect opens the transport, or reuses the open one, and subscribes to the channel.
// Every transport connect issues one option-less page request ahead of any caller request.
func (p *Provider) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithChannel(p.channel), errs.WithMessage("connect context done"), errs.WithCause(err))
	}
	p.mu.Lock()
	if p.listener == nil {
		p.mu.Unlock()
		return destroyedErr(p.channel, "connect")
	}
	if p.transport != nil {
		p.mu.Unlock()
		return nil
	}
	tr, err := p.opts.Opener.Open(p.url)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.transport = tr
	p.mu.Unlock()

	unsubscribe := tr.Subscribe(p.channel, p.handleMessage)
	unhook := tr.Connect(p.onConnect)

	p.mu.Lock()
	destroyed := p.listener == nil
	if !destroyed {
		p.unsubscribe = unsubscribe
		p.unhook = unhook
	}
	p.mu.Unlock()
	if destroyed {
		unhook()
		unsubscribe()
	}
	return nil
}

// GetPage queues a page request. Requests run one at a time in submission order.
// ctx only gates submission: once queued, a request outlives ctx and is bounded by
// Options.PageTimeout and Destroy, so callers may cancel ctx as soon as GetPage returns.
func (p *Provider) GetPage(ctx context.Context, opts *wire.PageOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return destroyedErr(p.channel, "get page")
	}
	if p.transport == nil || !p.ready || !p.transport.Connected() {
		return errs.New(component, errs.CodeUnavailable, errs.WithChannel(p.channel), errs.WithMessage("not connected"))
	}
	var req *wire.PageOptions
	if opts != nil {
		clone := *opts
		req = &clone
	}
	return p.pages.Submit(context.WithoutCancel(ctx), p.pageTask(req))
}

// DeleteItem is reserved. It never invokes its callbacks.
func (p *Provider) DeleteItem(_ context.Context, id string, _ func(), _ func(error)) error {
	p.mu.Lock()
	destroyed := p.listener == nil
	p.mu.Unlock()
	if destroyed {
		return destroyedErr(p.channel, "delete item")
	}
	err := errs.NotImplemented(component, "delete item")
	err.Channel = p.channel
	err.Metadata = map[string]string{"id": id}
	return err
}

// Destroy detaches the listener and releases the transport. Calling it again is a no-op.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.listener == nil {
		p.mu.Unlock()
		return
	}
	p.listener = nil
	p.ready = false
	tr, unsubscribe, unhook := p.transport, p.unsubscribe, p.unhook
	p.transport, p.unsubscribe, p.unhook = nil, nil, nil
	p.mu.Unlock()

	if unhook != nil {
		unhook()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	p.pages.Close()
	if tr != nil {
		if err := tr.Close(); err != nil {
			observability.Log().Error("grid transport close failed",
				observability.Field{Key: "channel", Value: p.channel},
				observability.Field{Key: "error", Value: err})
		}
	}
	observability.Log().Debug("grid provider destroyed", observability.Field{Key: "channel", Value: p.channel})
}

// Destroyed reports whether Destroy has been called.
func (p *Provider) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener == nil
}

func (p *Provider) onConnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return
	}
	if err := p.pages.Submit(context.Background(), p.pageTask(nil)); err != nil {
		observability.Log().Error("initial page request rejected",
			observability.Field{Key: "channel", Value: p.channel},
			observability.Field{Key: "error", Value: err})
	}
	p.ready = true
}

func (p *Provider) pageTask(opts *wire.PageOptions) async.Task {
	return func(ctx context.Context) error {
		return p.requestPage(ctx, opts)
	}
}

// requestPage sends one page RPC and waits for its reply, the peer's error or the timeout.
func (p *Provider) requestPage(ctx context.Context, opts *wire.PageOptions) error {
	p.mu.Lock()
	tr := p.transport
	p.mu.Unlock()
	if tr == nil {
		return nil
	}

	start := time.Now()
	rpcCtx, cancel := context.WithTimeout(ctx, p.opts.PageTimeout)
	defer cancel()

	done := make(chan error, 1)
	var once sync.Once
	err := tr.RPC(rpcCtx, p.channel, opts, func(data []byte, rpcErr error) {
		first := false
		once.Do(func() { first = true })
		if !first {
			p.opts.Metrics.RecordPage(context.Background(), p.channel, telemetry.ResultDuplicate, time.Since(start))
			observability.Log().Debug("duplicate page response ignored", observability.Field{Key: "channel", Value: p.channel})
			return
		}
		if rpcErr == nil {
			p.handleMessage(data)
		}
		done <- rpcErr
	})
	if err != nil {
		p.opts.Metrics.RecordPage(ctx, p.channel, telemetry.ResultError, time.Since(start))
		return err
	}

	select {
	case rpcErr := <-done:
		if rpcErr != nil {
			p.opts.Metrics.RecordPage(ctx, p.channel, telemetry.ResultError, time.Since(start))
			return rpcErr
		}
		p.opts.Metrics.RecordPage(ctx, p.channel, telemetry.ResultSuccess, time.Since(start))
		return nil
	case <-rpcCtx.Done():
		if ctx.Err() != nil {
			p.opts.Metrics.RecordPage(context.Background(), p.channel, telemetry.ResultDropped, time.Since(start))
			observability.Log().Debug("page request cancelled", observability.Field{Key: "channel", Value: p.channel})
			return nil
		}
		p.opts.Metrics.RecordPage(context.Background(), p.channel, telemetry.ResultTimeout, time.Since(start))
		observability.Log().Info("page request timed out",
			observability.Field{Key: "channel", Value: p.channel},
			observability.Field{Key: "timeout", Value: p.opts.PageTimeout.String()})
		return nil
	}
}

func destroyedErr(channel, op string) error {
	return errs.New(component, errs.CodeUsage, errs.WithChannel(channel), errs.WithMessage(op+" on destroyed provider"))
}
