package grid

import (
	"context"

	"github.com/coachpo/luxgrid/internal/infra/transport"
)

// Transport is the channel connection a provider drives. *transport.Handle satisfies it.
type Transport interface {
	Subscribe(channel string, handler func(data []byte)) func()
	Connect(onConnect func()) func()
	Connected() bool
	RPC(ctx context.Context, channel string, payload any, onResponse func(data []byte, err error)) error
	Close() error
}

// Opener opens (or reuses) the transport for a URL.
type Opener interface {
	Open(url string) (Transport, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(url string) (Transport, error)

// Open calls f(url).
func (f OpenerFunc) Open(url string) (Transport, error) { return f(url) }

// HubOpener opens transports from a shared hub, so providers on the same URL share one connection.
func HubOpener(hub *transport.Hub) Opener {
	return OpenerFunc(func(url string) (Transport, error) {
		handle, err := hub.Open(url)
		if err != nil {
			return nil, err
		}
		return handle, nil
	})
}
