package network

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"clarinet/internal/debuglog"
	"clarinet/internal/proto"
)

// Interceptor sees every payload crossing a MemoryNetwork. It may rewrite
// the payload or drop it by returning false.
type Interceptor func(from, to string, payload []byte) ([]byte, bool)

// MemoryNetwork connects in-process transports by address.
type MemoryNetwork struct {
	mu        sync.RWMutex
	endpoints map[string]*MemoryTransport
	intercept Interceptor
	inflight  sync.WaitGroup
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*MemoryTransport)}
}

// Endpoint returns the transport bound to addr, creating it on first use.
func (n *MemoryNetwork) Endpoint(addr string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.endpoints[addr]; ok {
		return t
	}
	t := &MemoryTransport{net: n, addr: addr}
	n.endpoints[addr] = t
	return t
}

func (n *MemoryNetwork) SetInterceptor(f Interceptor) {
	n.mu.Lock()
	n.intercept = f
	n.mu.Unlock()
}

// Wait blocks until every asynchronous Send, including sends issued while
// handling other sends, has been handled.
func (n *MemoryNetwork) Wait() {
	n.inflight.Wait()
}

func (n *MemoryNetwork) route(from, to string, payload []byte) (*MemoryTransport, []byte, error) {
	if len(payload) == 0 || len(payload) > proto.MaxFrameSize {
		return nil, nil, fmt.Errorf("invalid frame size %d", len(payload))
	}
	n.mu.RLock()
	t, ok := n.endpoints[to]
	intercept := n.intercept
	n.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", to, ErrUnreachable)
	}
	payload = slices.Clone(payload)
	if intercept != nil {
		var keep bool
		payload, keep = intercept(from, to, payload)
		if !keep {
			return nil, nil, nil
		}
	}
	return t, payload, nil
}

type MemoryTransport struct {
	net     *MemoryNetwork
	addr    string
	mu      sync.RWMutex
	handler Handler
	closed  bool
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) Listen(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.handler = h
	return nil
}

func (t *MemoryTransport) Addrs() []string {
	return []string{t.addr}
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.handler = nil
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) serve(ctx context.Context, from string, payload []byte) ([]byte, error) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%s: %w", t.addr, ErrUnreachable)
	}
	return h(ctx, from, payload), nil
}

// Send hands payload to the destination handler on a new goroutine.
func (t *MemoryTransport) Send(ctx context.Context, addr string, payload []byte) error {
	dst, payload, err := t.net.route(t.addr, addr, payload)
	if err != nil || dst == nil {
		return err
	}
	t.net.inflight.Add(1)
	go func() {
		defer t.net.inflight.Done()
		if _, err := dst.serve(context.WithoutCancel(ctx), t.addr, payload); err != nil {
			debuglog.Debugf("memory send %s -> %s: %v", t.addr, addr, err)
		}
	}()
	return nil
}

func (t *MemoryTransport) Exchange(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	dst, payload, err := t.net.route(t.addr, addr, payload)
	if err != nil {
		return nil, err
	}
	if dst == nil {
		return nil, fmt.Errorf("%s: %w", addr, ErrNoReply)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := dst.serve(ctx, t.addr, payload)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%s: %w", addr, ErrNoReply)
	}
	return resp, nil
}
