package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"xdao.co/peerlog/logger"
)

// DropFunc decides whether a message from one peer to another is lost.
type DropFunc func(from, to PeerID, topic string) bool

// MemNetwork connects MemTransports in process. Every delivery runs on its
// own goroutine, so handlers observe no ordering.
type MemNetwork struct {
	logger *zap.Logger

	mu    sync.RWMutex
	nodes map[PeerID]*MemTransport
	drop  DropFunc

	// inflight counts running deliveries. It may grow while Wait blocks.
	flightMu sync.Mutex
	idle     *sync.Cond
	inflight int
}

// NewMemNetwork returns an empty network. log may be nil.
func NewMemNetwork(log *zap.Logger) *MemNetwork {
	n := &MemNetwork{logger: logger.OrNop(log), nodes: make(map[PeerID]*MemTransport)}
	n.idle = sync.NewCond(&n.flightMu)
	return n
}

// SetDropFilter installs f, or removes the filter when f is nil.
func (n *MemNetwork) SetDropFilter(f DropFunc) {
	n.mu.Lock()
	n.drop = f
	n.mu.Unlock()
}

// Join attaches a node with the given id, replacing any node with that id.
func (n *MemNetwork) Join(id PeerID) *MemTransport {
	t := &MemTransport{
		net:      n,
		id:       id,
		subs:     make(map[string]map[int]Handler),
		handlers: make(map[string]RequestHandler),
	}
	n.mu.Lock()
	n.nodes[id] = t
	n.mu.Unlock()
	return t
}

// Wait blocks until no delivery is running, including deliveries started
// by handlers while Wait is blocked.
func (n *MemNetwork) Wait() {
	n.flightMu.Lock()
	for n.inflight > 0 {
		n.idle.Wait()
	}
	n.flightMu.Unlock()
}

// deliver runs fn on its own goroutine and counts it until it returns.
func (n *MemNetwork) deliver(fn func()) {
	n.flightMu.Lock()
	n.inflight++
	n.flightMu.Unlock()
	go func() {
		defer func() {
			n.flightMu.Lock()
			n.inflight--
			if n.inflight == 0 {
				n.idle.Broadcast()
			}
			n.flightMu.Unlock()
		}()
		fn()
	}()
}

func (n *MemNetwork) node(id PeerID) (*MemTransport, DropFunc) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[id], n.drop
}

func (n *MemNetwork) snapshot() ([]*MemTransport, DropFunc) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*MemTransport, 0, len(n.nodes))
	for _, t := range n.nodes {
		out = append(out, t)
	}
	return out, n.drop
}

func (n *MemNetwork) leave(t *MemTransport) {
	n.mu.Lock()
	if n.nodes[t.id] == t {
		delete(n.nodes, t.id)
	}
	n.mu.Unlock()
}

// MemTransport is one node of a MemNetwork.
type MemTransport struct {
	net *MemNetwork
	id  PeerID

	mu       sync.RWMutex
	nextSub  int
	subs     map[string]map[int]Handler
	handlers map[string]RequestHandler
	closed   bool
}

var _ Transport = (*MemTransport)(nil)

func (t *MemTransport) Self() PeerID { return t.id }

// Close detaches the node from its network.
func (t *MemTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.subs = make(map[string]map[int]Handler)
	t.handlers = make(map[string]RequestHandler)
	t.mu.Unlock()
	t.net.leave(t)
	return nil
}

func (t *MemTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *MemTransport) Subscribe(topic string, h Handler) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	id := t.nextSub
	t.nextSub++
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[int]Handler)
	}
	t.subs[topic][id] = h
	return func() {
		t.mu.Lock()
		delete(t.subs[topic], id)
		if len(t.subs[topic]) == 0 {
			delete(t.subs, topic)
		}
		t.mu.Unlock()
	}, nil
}

func (t *MemTransport) subscribers(topic string) []Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Handler, 0, len(t.subs[topic]))
	for _, h := range t.subs[topic] {
		out = append(out, h)
	}
	return out
}

// Publish delivers data to every other subscriber of topic and returns
// without waiting for the handlers.
func (t *MemTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	nodes, drop := t.net.snapshot()
	for _, dst := range nodes {
		if dst == t {
			continue
		}
		if drop != nil && drop(t.id, dst.id, topic) {
			t.net.logger.Debug("Dropped message", zap.Stringer("from", t.id), zap.Stringer("to", dst.id), zap.String("topic", topic))
			continue
		}
		for _, h := range dst.subscribers(topic) {
			h := h
			msg := append([]byte(nil), data...)
			t.net.deliver(func() { h(context.WithoutCancel(ctx), t.id, msg) })
		}
	}
	return nil
}

func (t *MemTransport) HandleRequests(topic string, h RequestHandler) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if _, ok := t.handlers[topic]; ok {
		return nil, fmt.Errorf("transport: request handler for %q already registered", topic)
	}
	t.handlers[topic] = h
	return func() {
		t.mu.Lock()
		delete(t.handlers, topic)
		t.mu.Unlock()
	}, nil
}

func (t *MemTransport) handler(topic string) RequestHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handlers[topic]
}

func (t *MemTransport) Request(ctx context.Context, to PeerID, topic string, data []byte) ([]byte, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	dst, drop := t.net.node(to)
	if dst == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	h := dst.handler(topic)
	if h == nil {
		return nil, fmt.Errorf("%w: %s has no handler for %q", ErrUnreachable, to, topic)
	}
	if drop != nil && drop(t.id, to, topic) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	msg := append([]byte(nil), data...)
	t.net.deliver(func() {
		resp, err := h(ctx, t.id, msg)
		done <- result{resp, err}
	})
	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MemTransport) Peers(topic string) []PeerID {
	nodes, _ := t.net.snapshot()
	var out []PeerID
	for _, n := range nodes {
		if n == t {
			continue
		}
		n.mu.RLock()
		_, sub := n.subs[topic]
		n.mu.RUnlock()
		if sub {
			out = append(out, n.id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
