package realtime

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"realtime_server/core/domain"

	"golang.org/x/time/rate"
)

// OverflowPolicy decides what happens when a connection's outbox is full.
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// Connection is one live client session. The registry owns it; transports
// drain Outbox until Done is closed.
type Connection struct {
	ID          string
	Principal   domain.Principal
	Transport   domain.Transport
	ConnectedAt time.Time

	mu            sync.Mutex
	lastActivity  time.Time
	subscriptions map[string]struct{}
	closed        bool
	closeReason   string

	outbox  chan Frame
	policy  OverflowPolicy
	done    chan struct{}
	limiter *rate.Limiter

	sent    atomic.Int64
	dropped atomic.Int64

	onDrop func(*Connection)
}

func newConnection(id string, p domain.Principal, transport domain.Transport, now time.Time, cfg Config) *Connection {
	c := &Connection{
		ID:            id,
		Principal:     p,
		Transport:     transport,
		ConnectedAt:   now,
		lastActivity:  now,
		subscriptions: make(map[string]struct{}),
		outbox:        make(chan Frame, cfg.OutboxSize),
		policy:        cfg.OverflowPolicy,
		done:          make(chan struct{}),
	}
	if cfg.MessageRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst)
	}
	return c
}

// UserID is empty for guests.
func (c *Connection) UserID() string {
	if c.Principal.Guest {
		return ""
	}
	return c.Principal.UserID
}

// Frame is one encoded message waiting in a connection's outbox.
type Frame struct {
	Data []byte
	ack  *Ack
}

// Ack observes a tracked frame. Written runs once the transport has written
// it; Unsent runs when it is evicted, refused or still pending at close. At
// most one of them runs. Callbacks may run under hub locks and must not block.
type Ack struct {
	Written func()
	Unsent  func()
}

// Written reports that the transport wrote f to the client.
func (f Frame) Written() {
	if f.ack != nil && f.ack.Written != nil {
		f.ack.Written()
	}
}

// Unsent reports that f will never reach the client.
func (f Frame) Unsent() {
	if f.ack != nil && f.ack.Unsent != nil {
		f.ack.Unsent()
	}
}

// Outbox yields frames in enqueue order.
func (c *Connection) Outbox() <-chan Frame { return c.outbox }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Send enqueues a frame without blocking. A full outbox either evicts the
// oldest pending frame or closes the connection, depending on policy.
func (c *Connection) Send(data []byte) bool {
	return c.enqueue(Frame{Data: data})
}

// SendTracked is Send with ack reporting what became of the frame.
func (c *Connection) SendTracked(data []byte, ack Ack) bool {
	return c.enqueue(Frame{Data: data, ack: &ack})
}

func (c *Connection) enqueue(f Frame) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		f.Unsent()
		return false
	}
	queued, evicted := c.offerLocked(f)
	c.mu.Unlock()

	for _, old := range evicted {
		c.countDrop()
		old.Unsent()
	}
	if queued {
		c.sent.Add(1)
		return true
	}

	c.countDrop()
	f.Unsent()
	if c.policy == OverflowDisconnect {
		c.Close("slow consumer")
	}
	return false
}

// offerLocked runs under c.mu so nothing is enqueued after Close.
func (c *Connection) offerLocked(f Frame) (bool, []Frame) {
	var evicted []Frame
	for attempt := 0; attempt < 3; attempt++ {
		select {
		case c.outbox <- f:
			return true, evicted
		default:
		}

		if c.policy == OverflowDisconnect {
			return false, evicted
		}

		select {
		case old := <-c.outbox:
			evicted = append(evicted, old)
		default:
		}
	}
	return false, evicted
}

func (c *Connection) countDrop() {
	c.dropped.Add(1)
	if c.onDrop != nil {
		c.onDrop(c)
	}
}

// Discard empties the outbox, reporting every pending frame as unsent.
// Transports call it after Close once they have stopped writing.
func (c *Connection) Discard() int {
	n := 0
	for {
		select {
		case f := <-c.outbox:
			f.Unsent()
			n++
		default:
			return n
		}
	}
}

// Close marks the connection closed. Safe to call more than once; the first
// reason wins.
func (c *Connection) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	c.mu.Unlock()
	close(c.done)
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
	c.mu.Unlock()
}

func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// addSubscription fails once the connection is closed, so teardown never
// misses a channel added concurrently.
func (c *Connection) addSubscription(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.subscriptions[channel] = struct{}{}
	return true
}

func (c *Connection) removeSubscription(channel string) {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

func (c *Connection) IsSubscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// Subscriptions returns the subscribed channel names, sorted.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	list := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		list = append(list, ch)
	}
	c.mu.Unlock()
	sort.Strings(list)
	return list
}

// Allow applies the per-connection command rate limit.
func (c *Connection) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *Connection) Dropped() int64 { return c.dropped.Load() }

func (c *Connection) Info(node string) *domain.ConnectionInfo {
	return &domain.ConnectionInfo{
		ConnectionID:  c.ID,
		SessionID:     c.Principal.SessionID,
		UserID:        c.UserID(),
		Roles:         c.Principal.Roles,
		Transport:     c.Transport,
		Node:          node,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.LastActivity(),
		Subscriptions: c.Subscriptions(),
	}
}
