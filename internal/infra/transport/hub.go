package transport

import (
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/luxgrid/errs"
	"github.com/coachpo/luxgrid/internal/observability"
)

// Hub shares one Conn per URL between any number of handles.
type Hub struct {
	opts   Options
	mu     sync.Mutex
	conns  map[string]*hubEntry
	closed bool
}

type hubEntry struct {
	conn *Conn
	refs int
}

// NewHub creates a hub whose connections use opts.
func NewHub(opts Options) *Hub {
	return &Hub{opts: opts, conns: make(map[string]*hubEntry)}
}

// Handle is a reference to a shared Conn. Closing it releases the reference;
// the underlying connection closes with the last handle.
type Handle struct {
	*Conn
	hub  *Hub
	key  string
	once sync.Once
}

// Open returns a handle to the connection for rawURL, creating it on first use.
// http and https URLs are mapped to ws and wss.
func (h *Hub) Open(rawURL string) (*Handle, error) {
	key, err := normaliseURL(rawURL)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("hub closed"))
	}
	entry, ok := h.conns[key]
	if !ok {
		entry = &hubEntry{conn: NewConn(key, h.opts), refs: 0}
		h.conns[key] = entry
	}
	entry.refs++
	return &Handle{Conn: entry.conn, hub: h, key: key}, nil
}

// Close releases the handle. Subsequent calls are no-ops.
func (hd *Handle) Close() error {
	var err error
	hd.once.Do(func() {
		err = hd.hub.release(hd.key)
	})
	return err
}

func (h *Hub) release(key string) error {
	h.mu.Lock()
	entry, ok := h.conns[key]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	entry.refs--
	if entry.refs > 0 {
		h.mu.Unlock()
		return nil
	}
	delete(h.conns, key)
	h.mu.Unlock()
	return entry.conn.Close()
}

// Len reports the number of live connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close closes every connection regardless of outstanding handles.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	keys := make([]string, 0, len(h.conns))
	for key := range h.conns {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	conns := make([]*Conn, 0, len(keys))
	for _, key := range keys {
		conns = append(conns, h.conns[key].conn)
	}
	h.conns = make(map[string]*hubEntry)
	h.mu.Unlock()

	errList := make([]error, 0, len(conns))
	for _, conn := range conns {
		errList = append(errList, conn.Close())
	}
	return observability.AggregateErrors("transport hub close", errList)
}

func normaliseURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errs.New(component, errs.CodeInvalid, errs.WithMessage("url required"))
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", errs.New(component, errs.CodeInvalid, errs.WithMessage("parse url"), errs.WithCause(err))
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", errs.New(component, errs.CodeInvalid, errs.WithMessage("unsupported scheme"), errs.WithField("scheme", parsed.Scheme))
	}
	if parsed.Host == "" {
		return "", errs.New(component, errs.CodeInvalid, errs.WithMessage("host required"))
	}
	return parsed.String(), nil
}
