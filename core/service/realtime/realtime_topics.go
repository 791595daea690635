package realtime

import (
	"context"
	"sync"

	"realtime_server/core/port/out"

	"github.com/rs/zerolog"
)

type topicRef struct {
	refs    int
	ready   chan struct{} // closed once the bus subscribe finished
	err     error
	release func()
}

// Topics ref-counts bus subscriptions so a topic is subscribed once per node
// no matter how many local connections need it. Bus calls run outside mu.
type Topics struct {
	mu     sync.Mutex
	bus    out.FanoutBus
	refs   map[string]*topicRef
	handle out.BusHandler
	log    zerolog.Logger
}

func NewTopics(bus out.FanoutBus, handle out.BusHandler, log zerolog.Logger) *Topics {
	return &Topics{
		bus:    bus,
		refs:   make(map[string]*topicRef),
		handle: handle,
		log:    log.With().Str("component", "topics").Logger(),
	}
}

// Acquire takes a reference on topic, subscribing on the first one. Callers
// arriving while that subscribe is in flight wait for its outcome.
func (t *Topics) Acquire(ctx context.Context, topic string) error {
	t.mu.Lock()
	if ref, ok := t.refs[topic]; ok {
		ref.refs++
		t.mu.Unlock()
		return t.await(ctx, topic, ref)
	}
	ref := &topicRef{refs: 1, ready: make(chan struct{})}
	t.refs[topic] = ref
	t.mu.Unlock()

	release, err := t.bus.Subscribe(ctx, topic, t.handle)

	t.mu.Lock()
	ref.release, ref.err = release, err
	if err != nil && t.refs[topic] == ref {
		// The next acquirer retries.
		delete(t.refs, topic)
	}
	t.mu.Unlock()
	close(ref.ready)
	return err
}

func (t *Topics) await(ctx context.Context, topic string, ref *topicRef) error {
	select {
	case <-ref.ready:
		return ref.err
	case <-ctx.Done():
		t.mu.Lock()
		last := t.unrefLocked(topic, ref)
		t.mu.Unlock()
		if last {
			t.unsubscribe(topic, ref)
		}
		return ctx.Err()
	}
}

// Release drops a reference and unsubscribes with the last one. Releasing an
// unknown topic is a no-op.
func (t *Topics) Release(topic string) {
	t.mu.Lock()
	ref, ok := t.refs[topic]
	last := ok && t.unrefLocked(topic, ref)
	t.mu.Unlock()
	if last {
		t.unsubscribe(topic, ref)
	}
}

// unrefLocked drops one reference and reports whether it was the last one
// of the current entry for topic.
func (t *Topics) unrefLocked(topic string, ref *topicRef) bool {
	ref.refs--
	if ref.refs > 0 || t.refs[topic] != ref {
		return false
	}
	delete(t.refs, topic)
	return true
}

func (t *Topics) unsubscribe(topic string, ref *topicRef) {
	<-ref.ready
	if ref.release != nil {
		ref.release()
	}
	t.log.Debug().Str("topic", topic).Msg("topic released")
}

// Refs returns the current reference count of topic.
func (t *Topics) Refs(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ref, ok := t.refs[topic]; ok {
		return ref.refs
	}
	return 0
}
