package realtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"realtime_server/adapter/out/bus"
	"realtime_server/core/domain"
	"realtime_server/core/port/out"

	"github.com/rs/zerolog"
)

// gatedBus holds Subscribe on one topic until gate is closed.
type gatedBus struct {
	*bus.MemoryBus
	slow    string
	entered chan struct{}
	gate    chan struct{}
	calls   atomic.Int32
}

func newGatedBus(slow string) *gatedBus {
	return &gatedBus{
		MemoryBus: bus.NewMemoryBus("node-a", zerolog.Nop()),
		slow:      slow,
		entered:   make(chan struct{}),
		gate:      make(chan struct{}),
	}
}

func (g *gatedBus) Subscribe(ctx context.Context, topic string, h out.BusHandler) (func(), error) {
	if topic == g.slow {
		if g.calls.Add(1) == 1 {
			close(g.entered)
		}
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.MemoryBus.Subscribe(ctx, topic, h)
}

// flakyBus fails subscribes while fail is positive.
type flakyBus struct {
	*bus.MemoryBus
	fail atomic.Int32
}

func (f *flakyBus) Subscribe(ctx context.Context, topic string, h out.BusHandler) (func(), error) {
	if f.fail.Add(-1) >= 0 {
		return nil, errors.New("broker unavailable")
	}
	return f.MemoryBus.Subscribe(ctx, topic, h)
}

func noopHandler(context.Context, *out.Envelope) {}

func result(t *testing.T, ch <-chan error, what string) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatalf("%s did not return", what)
		return nil
	}
}

func TestTopics_ConcurrentAcquireSharesOneSubscribe(t *testing.T) {
	gb := newGatedBus("slow")
	topics := NewTopics(gb, noopHandler, zerolog.Nop())
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- topics.Acquire(ctx, "slow") }()
	<-gb.entered

	second := make(chan error, 1)
	go func() { second <- topics.Acquire(ctx, "slow") }()
	select {
	case <-second:
		t.Fatal("second acquirer returned before the subscribe finished")
	case <-time.After(50 * time.Millisecond):
	}

	if err := topics.Acquire(ctx, "fast"); err != nil {
		t.Fatalf("Acquire(fast) error = %v", err)
	}

	close(gb.gate)
	if err := result(t, first, "first Acquire"); err != nil {
		t.Fatal(err)
	}
	if err := result(t, second, "second Acquire"); err != nil {
		t.Fatal(err)
	}
	if n := gb.calls.Load(); n != 1 {
		t.Errorf("bus subscribes = %d, want 1", n)
	}
	if refs := topics.Refs("slow"); refs != 2 {
		t.Errorf("refs = %d, want 2", refs)
	}

	topics.Release("slow")
	topics.Release("slow")
	if refs := topics.Refs("slow"); refs != 0 {
		t.Errorf("refs after release = %d, want 0", refs)
	}
}

func TestTopics_WaiterGivesUp(t *testing.T) {
	gb := newGatedBus("slow")
	topics := NewTopics(gb, noopHandler, zerolog.Nop())

	leader := make(chan error, 1)
	go func() { leader <- topics.Acquire(context.Background(), "slow") }()
	<-gb.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := topics.Acquire(ctx, "slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waiter error = %v, want deadline exceeded", err)
	}
	if refs := topics.Refs("slow"); refs != 1 {
		t.Errorf("refs = %d, want only the leader", refs)
	}

	close(gb.gate)
	if err := result(t, leader, "leader Acquire"); err != nil {
		t.Fatal(err)
	}
	topics.Release("slow")
	if refs := topics.Refs("slow"); refs != 0 {
		t.Errorf("refs = %d, want 0", refs)
	}
}

func TestTopics_FailedSubscribeIsRetried(t *testing.T) {
	fb := &flakyBus{MemoryBus: bus.NewMemoryBus("node-a", zerolog.Nop())}
	fb.fail.Store(1)
	topics := NewTopics(fb, noopHandler, zerolog.Nop())
	ctx := context.Background()

	if err := topics.Acquire(ctx, "t"); err == nil {
		t.Fatal("Acquire succeeded on a failing bus")
	}
	if refs := topics.Refs("t"); refs != 0 {
		t.Fatalf("refs after failure = %d, want 0", refs)
	}
	if err := topics.Acquire(ctx, "t"); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if refs := topics.Refs("t"); refs != 1 {
		t.Errorf("refs = %d, want 1", refs)
	}
}

func TestHub_SlowSubscribeDoesNotBlockBridgedTopics(t *testing.T) {
	gb := newGatedBus(out.ChannelTopic("room:slow"))
	h, _ := newTestHub(t, gb)
	ctx := context.Background()

	a := connect(t, h, user("a"))
	b := connect(t, h, user("b"))
	subscribe(t, h, a, "general")

	slow := make(chan error, 1)
	go func() {
		slow <- h.router.Subscribe(ctx, a, domain.SubscribeRequest{Channel: "room:slow"}, "")
	}()
	<-gb.entered

	for _, name := range []string{"general", "orders"} {
		done := make(chan error, 1)
		go func() {
			done <- h.router.Subscribe(ctx, b, domain.SubscribeRequest{Channel: name}, "")
		}()
		if err := result(t, done, "Subscribe("+name+")"); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", name, err)
		}
	}

	close(gb.gate)
	if err := result(t, slow, "Subscribe(room:slow)"); err != nil {
		t.Fatalf("Subscribe(room:slow) error = %v", err)
	}
	if !a.IsSubscribed("room:slow") {
		t.Error("slow subscribe did not complete")
	}
}
