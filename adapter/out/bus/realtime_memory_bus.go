package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"realtime_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// MemoryNetwork connects MemoryBus nodes inside one process. Delivery is
// synchronous in the publisher's goroutine, so per-origin order holds.
type MemoryNetwork struct {
	mu    sync.RWMutex
	nodes map[*MemoryBus]struct{}
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[*MemoryBus]struct{})}
}

// Node attaches a new bus endpoint identified by nodeID.
func (n *MemoryNetwork) Node(nodeID string, log zerolog.Logger) *MemoryBus {
	b := &MemoryBus{
		network:  n,
		node:     nodeID,
		handlers: newHandlerSet(),
		status:   newStatusFeed(true),
		log:      log.With().Str("component", "memory_bus").Str("node", nodeID).Logger(),
	}
	n.mu.Lock()
	n.nodes[b] = struct{}{}
	n.mu.Unlock()
	return b
}

func (n *MemoryNetwork) peers() []*MemoryBus {
	n.mu.RLock()
	defer n.mu.RUnlock()

	list := make([]*MemoryBus, 0, len(n.nodes))
	for b := range n.nodes {
		list = append(list, b)
	}
	return list
}

func (n *MemoryNetwork) detach(b *MemoryBus) {
	n.mu.Lock()
	delete(n.nodes, b)
	n.mu.Unlock()
}

// NewMemoryBus returns a bus on a private network, for single-node runs.
func NewMemoryBus(nodeID string, log zerolog.Logger) *MemoryBus {
	return NewMemoryNetwork().Node(nodeID, log)
}

type MemoryBus struct {
	network  *MemoryNetwork
	node     string
	handlers *handlerSet
	status   *statusFeed
	seq      atomic.Uint64
	log      zerolog.Logger

	closeMu sync.RWMutex
	closed  bool
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, env *out.Envelope) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	if !b.status.connected.Load() {
		return ErrDisconnected
	}

	env.Origin = b.node
	env.Topic = topic
	env.Seq = b.seq.Add(1)
	if env.SentAt == 0 {
		env.SentAt = time.Now().UnixMilli()
	}

	// Round-trip through the wire format so receivers never share memory
	// with the publisher.
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	for _, peer := range b.network.peers() {
		if peer == b || !peer.status.connected.Load() {
			continue
		}
		var recv out.Envelope
		if err := json.Unmarshal(data, &recv); err != nil {
			return err
		}
		peer.handlers.dispatch(context.WithoutCancel(ctx), peer.log, &recv)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string, h out.BusHandler) (func(), error) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	id, _ := b.handlers.add(topic, h)
	var once sync.Once
	return func() {
		once.Do(func() { b.handlers.remove(topic, id) })
	}, nil
}

func (b *MemoryBus) Status() <-chan out.BusStatus { return b.status.ch }

func (b *MemoryBus) Connected() bool { return b.status.connected.Load() }

// SetConnected simulates a broker outage. Subscriptions are kept and resume
// when the link comes back.
func (b *MemoryBus) SetConnected(connected bool) {
	var err error
	if !connected {
		err = ErrDisconnected
	}
	if b.status.set(connected, err) {
		b.log.Info().Bool("connected", connected).Msg("bus link changed")
	}
}

// Topics lists topics with at least one handler.
func (b *MemoryBus) Topics() []string { return b.handlers.names() }

func (b *MemoryBus) Close() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.network.detach(b)
	return nil
}

var _ out.FanoutBus = (*MemoryBus)(nil)
