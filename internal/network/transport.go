package network

import (
	"context"
	"errors"
	"time"
)

// Handler serves one request payload. remoteAddr is the transport-level
// address of the caller. A nil return sends no reply.
type Handler func(ctx context.Context, remoteAddr string, payload []byte) []byte

// Transport moves request payloads between nodes. Each request travels on
// its own stream, so concurrent requests to one address do not interfere.
type Transport interface {
	// Send delivers payload without waiting for a reply.
	Send(ctx context.Context, addr string, payload []byte) error
	// Exchange delivers payload and returns the reply.
	Exchange(ctx context.Context, addr string, payload []byte) ([]byte, error)
	// Listen starts serving inbound requests with h until Close.
	Listen(h Handler) error
	Addrs() []string
	Close() error
}

var (
	ErrUnreachable = errors.New("address unreachable")
	ErrNoReply     = errors.New("no reply")
	ErrClosed      = errors.New("transport closed")
)

// Options bound a single send or exchange.
type Options struct {
	SendTimeout    time.Duration
	ReceiveTimeout time.Duration
}

const (
	DefaultSendTimeout    = 5 * time.Second
	DefaultReceiveTimeout = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = DefaultReceiveTimeout
	}
	return o
}

// SendContext bounds a Send by the send timeout.
func (o Options) SendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	o = o.withDefaults()
	return context.WithTimeout(ctx, o.SendTimeout)
}

// ExchangeContext bounds an Exchange by both timeouts.
func (o Options) ExchangeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	o = o.withDefaults()
	return context.WithTimeout(ctx, o.SendTimeout+o.ReceiveTimeout)
}
