// Package transport implements a channel-multiplexed websocket client with RPC support.
package transport

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/luxgrid/internal/infra/telemetry"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultReadLimit       = 4 << 20
	defaultErrorBuffer     = 16
	defaultInitialInterval = 250 * time.Millisecond
	defaultMaxInterval     = 30 * time.Second
)

// Handler receives the raw data of a message frame routed to a subscribed channel.
type Handler = func(data []byte)

// ResponseHandler receives the outcome of an RPC: the reply data, or the error the peer answered with.
type ResponseHandler = func(data []byte, err error)

// Options tunes a transport connection.
type Options struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	// SendRate caps outbound frames per second. Zero disables pacing.
	SendRate  float64
	SendBurst int
	// ErrorBuffer sizes the Errors channel. Errors are dropped when it is full.
	ErrorBuffer int
	// InitialBackoff and MaxBackoff bound the reconnect delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Header         http.Header
	Metrics        *telemetry.TransportMetrics
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.SendBurst <= 0 {
		o.SendBurst = 1
	}
	if o.ErrorBuffer <= 0 {
		o.ErrorBuffer = defaultErrorBuffer
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialInterval
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxInterval
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	return o
}

func (o Options) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialBackoff
	b.MaxInterval = o.MaxBackoff
	b.Reset()
	return b
}
