// Package bustest is a conformance suite for out.FanoutBus implementations.
package bustest

import (
	"context"
	"sync"
	"testing"
	"time"

	"realtime_server/core/port/out"

	"github.com/goccy/go-json"
)

// PairFactory returns two bus endpoints on the same broker with distinct
// node ids. The suite closes both.
type PairFactory func(t *testing.T) (a, b out.FanoutBus)

// RunBusTests runs the suite. settle is how long a fresh subscription needs
// before the broker routes to it (zero for synchronous buses).
func RunBusTests(t *testing.T, factory PairFactory, settle time.Duration) {
	t.Run("RemoteDelivery", func(t *testing.T) { testRemoteDelivery(t, factory, settle) })
	t.Run("OwnEchoDropped", func(t *testing.T) { testOwnEchoDropped(t, factory, settle) })
	t.Run("PerOriginOrder", func(t *testing.T) { testPerOriginOrder(t, factory, settle) })
	t.Run("TopicIsolation", func(t *testing.T) { testTopicIsolation(t, factory, settle) })
	t.Run("Unsubscribe", func(t *testing.T) { testUnsubscribe(t, factory, settle) })
	t.Run("PublishAfterClose", func(t *testing.T) { testPublishAfterClose(t, factory) })
}

type collector struct {
	mu   sync.Mutex
	envs []*out.Envelope
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) handle(_ context.Context, env *out.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []*out.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-deadline:
			c.mu.Lock()
			defer c.mu.Unlock()
			t.Fatalf("received %d envelopes, want %d", len(c.envs), n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*out.Envelope(nil), c.envs...)
}

func (c *collector) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case <-c.got:
		t.Fatal("unexpected envelope delivered")
	case <-time.After(within):
	}
}

func closeAll(t *testing.T, buses ...out.FanoutBus) {
	t.Cleanup(func() {
		for _, b := range buses {
			_ = b.Close()
		}
	})
}

func testRemoteDelivery(t *testing.T, factory PairFactory, settle time.Duration) {
	a, b := factory(t)
	closeAll(t, a, b)
	ctx := context.Background()

	c := newCollector()
	if _, err := b.Subscribe(ctx, "realtime:channel:orders", c.handle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(settle)

	payload, _ := json.Marshal(map[string]string{"text": "hello"})
	if err := a.Publish(ctx, "realtime:channel:orders", &out.Envelope{Event: "message", Payload: payload}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	envs := c.wait(t, 1)
	env := envs[0]
	if env.Topic != "realtime:channel:orders" || env.Event != "message" {
		t.Errorf("got topic=%q event=%q", env.Topic, env.Event)
	}
	if env.Origin == "" || env.Seq == 0 {
		t.Errorf("origin/seq not stamped: %+v", env)
	}
	var body map[string]string
	if err := json.Unmarshal(env.Payload, &body); err != nil || body["text"] != "hello" {
		t.Errorf("payload = %s", env.Payload)
	}
}

func testOwnEchoDropped(t *testing.T, factory PairFactory, settle time.Duration) {
	a, b := factory(t)
	closeAll(t, a, b)
	ctx := context.Background()

	self := newCollector()
	if _, err := a.Subscribe(ctx, "realtime:broadcast", self.handle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(settle)

	if err := a.Publish(ctx, "realtime:broadcast", &out.Envelope{Event: "notification"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	self.expectNone(t, settle+100*time.Millisecond)
}

func testPerOriginOrder(t *testing.T, factory PairFactory, settle time.Duration) {
	a, b := factory(t)
	closeAll(t, a, b)
	ctx := context.Background()

	c := newCollector()
	if _, err := b.Subscribe(ctx, "realtime:channel:general", c.handle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(settle)

	const n = 50
	for i := 0; i < n; i++ {
		if err := a.Publish(ctx, "realtime:channel:general", &out.Envelope{Event: "message"}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	envs := c.wait(t, n)
	for i := 1; i < len(envs); i++ {
		if envs[i].Seq <= envs[i-1].Seq {
			t.Fatalf("seq out of order at %d: %d after %d", i, envs[i].Seq, envs[i-1].Seq)
		}
	}
}

func testTopicIsolation(t *testing.T, factory PairFactory, settle time.Duration) {
	a, b := factory(t)
	closeAll(t, a, b)
	ctx := context.Background()

	c := newCollector()
	if _, err := b.Subscribe(ctx, "realtime:user:u1", c.handle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(settle)

	if err := a.Publish(ctx, "realtime:user:u2", &out.Envelope{Event: "notification"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	c.expectNone(t, settle+100*time.Millisecond)
}

func testUnsubscribe(t *testing.T, factory PairFactory, settle time.Duration) {
	a, b := factory(t)
	closeAll(t, a, b)
	ctx := context.Background()

	kept, dropped := newCollector(), newCollector()
	if _, err := b.Subscribe(ctx, "realtime:role:admin", kept.handle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	release, err := b.Subscribe(ctx, "realtime:role:admin", dropped.handle)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.Sleep(settle)

	release()
	release() // idempotent

	if err := a.Publish(ctx, "realtime:role:admin", &out.Envelope{Event: "notification"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	kept.wait(t, 1)
	dropped.expectNone(t, settle+100*time.Millisecond)
}

func testPublishAfterClose(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	closeAll(t, b)

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := a.Publish(context.Background(), "realtime:broadcast", &out.Envelope{}); err == nil {
		t.Fatal("expected publish on closed bus to fail")
	}
}
