// Command gridctl connects a grid provider to a channel and prints every listener event as JSON.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/luxgrid/internal/grid"
	"github.com/coachpo/luxgrid/internal/infra/config"
	"github.com/coachpo/luxgrid/internal/infra/transport"
	"github.com/coachpo/luxgrid/internal/observability"
	"github.com/coachpo/luxgrid/internal/wire"
)

const gridctlLoggerPrefix = "gridctl "

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	logger := log.New(os.Stderr, gridctlLoggerPrefix, log.LstdFlags)
	if err := run(ctx, os.Args[1:], os.Stdout, logger); err != nil {
		logger.Printf("%v", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	url        string
	channel    string
	page       int
	pageSize   int
	sortBy     string
	sortDesc   bool
	filter     string
	duration   time.Duration
	debug      bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("gridctl", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Optional YAML config supplying the client section")
	fs.StringVar(&opts.url, "url", "", "Websocket URL (overrides config)")
	fs.StringVar(&opts.channel, "channel", "", "Grid channel (overrides config)")
	fs.IntVar(&opts.page, "page", -1, "Request this page after the initial load")
	fs.IntVar(&opts.pageSize, "pageSize", 0, "Page size for the follow-up request")
	fs.StringVar(&opts.sortBy, "sortBy", "", "Sort column for the follow-up request")
	fs.BoolVar(&opts.sortDesc, "sortDesc", false, "Sort descending")
	fs.StringVar(&opts.filter, "filter", "", "Filter for the follow-up request")
	fs.DurationVar(&opts.duration, "duration", 0, "Exit after this long (0 waits for a signal)")
	fs.BoolVar(&opts.debug, "debug", false, "Emit debug log lines")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// followUp builds the page request implied by the flags, or nil when none was asked for.
func (o options) followUp() *wire.PageOptions {
	if o.page < 0 && o.pageSize <= 0 && o.sortBy == "" && o.filter == "" {
		return nil
	}
	req := &wire.PageOptions{SortBy: o.sortBy, SortDesc: o.sortDesc, Filter: o.filter}
	if o.page >= 0 {
		page := o.page
		req.Page = &page
	}
	if o.pageSize > 0 {
		size := o.pageSize
		req.PageSize = &size
	}
	return req
}

func clientConfig(ctx context.Context, opts options) (config.ClientConfig, error) {
	cfg := config.DefaultAppConfig()
	if opts.configPath != "" {
		loaded, err := config.Load(ctx, opts.configPath)
		if err != nil {
			return config.ClientConfig{}, err
		}
		cfg = loaded
	}
	client := cfg.Client
	if opts.url != "" {
		client.URL = opts.url
	}
	if opts.channel != "" {
		client.Channel = opts.channel
	}
	return client, nil
}

// printer serialises listener events onto out as one JSON object per line.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

type printedEvent struct {
	Event   string                `json:"event"`
	Type    string                `json:"type,omitempty"`
	Total   *int                  `json:"total,omitempty"`
	Result  []wire.Record         `json:"result,omitempty"`
	Columns []wire.ColumnMetadata `json:"columns,omitempty"`
}

func newPrinter(out io.Writer) *printer {
	return &printer{enc: json.NewEncoder(out)}
}

func (p *printer) print(ev printedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(ev); err != nil && p.err == nil {
		p.err = err
	}
}

// Err reports the first write failure.
func (p *printer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *printer) listener(events chan<- struct{}) grid.Listener {
	notify := func() {
		select {
		case events <- struct{}{}:
		default:
		}
	}
	return grid.ListenerFuncs{
		Data: func(ev grid.DataEvent) {
			total := ev.Total
			p.print(printedEvent{Event: "data", Type: ev.Type, Total: &total, Result: ev.Result})
			notify()
		},
		Metadata: func(columns []wire.ColumnMetadata) {
			p.print(printedEvent{Event: "metadata", Columns: columns})
			notify()
		},
	}
}

func run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	observability.SetLogger(observability.NewStdLogger(logger, opts.debug))

	client, err := clientConfig(ctx, opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	hub := transport.NewHub(transport.Options{
		DialTimeout:    client.DialTimeout,
		WriteTimeout:   client.WriteTimeout,
		SendRate:       client.SendRate,
		SendBurst:      client.SendBurst,
		InitialBackoff: client.InitialBackoff,
		MaxBackoff:     client.MaxBackoff,
	})
	defer hub.Close()

	// A second handle on the shared connection surfaces transport errors.
	handle, err := hub.Open(client.URL)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer handle.Close()

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	printer := newPrinter(out)
	events := make(chan struct{}, 1)
	provider, err := grid.NewProvider(client.URL, client.Channel, printer.listener(events), grid.Options{
		Opener:      grid.HubOpener(hub),
		PageTimeout: client.PageTimeout,
		QueueSize:   client.QueueSize,
	})
	if err != nil {
		return err
	}
	defer provider.Destroy()
	if err := provider.Connect(ctx); err != nil {
		return err
	}
	logger.Printf("connected provider: url=%s channel=%s", client.URL, client.Channel)

	followUp := opts.followUp()
	for {
		select {
		case <-ctx.Done():
			return printer.Err()
		case err := <-handle.Errors():
			logger.Printf("transport: %v", err)
		case <-events:
			if followUp == nil {
				continue
			}
			if err := provider.GetPage(ctx, followUp); err != nil {
				logger.Printf("page request: %v", err)
				continue
			}
			followUp = nil
		}
	}
}
