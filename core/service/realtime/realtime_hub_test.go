package realtime

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"realtime_server/adapter/out/bus"
	"realtime_server/core/domain"
	"realtime_server/core/port/out"
	"realtime_server/pkg/apperr"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

type testFrame struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"requestId"`
}

func drain(t *testing.T, c *Connection) []testFrame {
	t.Helper()
	var frames []testFrame
	for {
		select {
		case fr := <-c.Outbox():
			fr.Written()
			var f testFrame
			if err := json.Unmarshal(fr.Data, &f); err != nil {
				t.Fatalf("decode frame %s: %v", fr.Data, err)
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func only(frames []testFrame, event string) []testFrame {
	var out []testFrame
	for _, f := range frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func user(id string, perms ...string) domain.Principal {
	return domain.Principal{
		UserID:      id,
		SessionID:   "sess-" + id,
		Permissions: domain.NewPermissionSet(append(perms, domain.PermissionUser)...),
	}
}

func testConfig() Config {
	return Config{
		NodeID:     "node-a",
		OutboxSize: 512,
		WellKnown: []domain.ChannelConfig{
			{Name: "general", Kind: domain.ChannelPublic},
			{Name: "orders", Kind: domain.ChannelPublic},
			{Name: "admin", Kind: domain.ChannelPrivate, RequiredPermissions: domain.NewPermissionSet("admin")},
			{Name: "support", Kind: domain.ChannelPresence, RequiredPermissions: domain.NewPermissionSet(domain.PermissionUser)},
		},
		DynamicPrefixes:   []string{"room:"},
		PresenceBroadcast: true,
	}
}

func newTestHub(t *testing.T, fb out.FanoutBus, mods ...func(*Config)) (*Hub, *clock.Mock) {
	t.Helper()
	cfg := testConfig()
	for _, m := range mods {
		m(&cfg)
	}
	if fb == nil {
		fb = bus.NewMemoryBus(cfg.NodeID, zerolog.Nop())
	}
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	h, err := NewHub(cfg, fb, WithClock(mock))
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	return h, mock
}

func connect(t *testing.T, h *Hub, p domain.Principal) *Connection {
	t.Helper()
	c, err := h.Connect(context.Background(), p, domain.TransportWebSocket)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	drain(t, c)
	return c
}

func subscribe(t *testing.T, h *Hub, c *Connection, channel string) {
	t.Helper()
	if err := h.router.Subscribe(context.Background(), c, domain.SubscribeRequest{Channel: channel}, ""); err != nil {
		t.Fatalf("Subscribe(%s) error = %v", channel, err)
	}
}

func publish(t *testing.T, h *Hub, c *Connection, channel, data string) *domain.Message {
	t.Helper()
	msg, err := h.router.Publish(context.Background(), c, domain.SendMessageRequest{
		Channel: channel,
		Data:    json.RawMessage(data),
	})
	if err != nil {
		t.Fatalf("Publish(%s) error = %v", channel, err)
	}
	return msg
}

// checkInvariant verifies c in ch.subscribers <=> ch in c.subscriptions.
func checkInvariant(t *testing.T, h *Hub, gone []*Connection) {
	t.Helper()
	for _, ch := range h.directory.all() {
		ch.mu.Lock()
		subs := snapshot(ch.subscribers)
		ch.mu.Unlock()
		for _, c := range subs {
			if !c.IsSubscribed(ch.cfg.Name) {
				t.Fatalf("%s in %s subscribers but not subscribed", c.ID, ch.cfg.Name)
			}
			if _, ok := h.registry.Get(c.ID); !ok {
				t.Fatalf("%s orphaned in %s", c.ID, ch.cfg.Name)
			}
		}
	}
	for _, c := range h.registry.All() {
		for _, name := range c.Subscriptions() {
			ch, ok := h.directory.lookup(name)
			if !ok {
				t.Fatalf("%s subscribed to missing channel %s", c.ID, name)
			}
			ch.mu.Lock()
			_, in := ch.subscribers[c.ID]
			ch.mu.Unlock()
			if !in {
				t.Fatalf("%s lists %s but is not a subscriber", c.ID, name)
			}
		}
	}
	for _, c := range gone {
		if subs := c.Subscriptions(); len(subs) != 0 {
			t.Fatalf("disconnected %s still lists %v", c.ID, subs)
		}
	}
}

func TestHub_PublishReachesSubscribersOnly(t *testing.T) {
	h, _ := newTestHub(t, nil)

	a := connect(t, h, user("a"))
	b := connect(t, h, user("b"))
	c := connect(t, h, user("c"))
	subscribe(t, h, a, "orders")
	subscribe(t, h, b, "orders")
	drain(t, a)
	drain(t, b)

	msg := publish(t, h, a, "orders", `{"text":"M"}`)

	for name, conn := range map[string]*Connection{"a": a, "b": b} {
		got := only(drain(t, conn), domain.EventMessage)
		if len(got) != 1 {
			t.Fatalf("%s got %d messages, want 1", name, len(got))
		}
		var m domain.Message
		if err := json.Unmarshal(got[0].Data, &m); err != nil {
			t.Fatal(err)
		}
		if m.ID != msg.ID || string(m.Data) != `{"text":"M"}` {
			t.Errorf("%s got %+v", name, m)
		}
		if m.Sender == nil || m.Sender.ConnectionID != a.ID {
			t.Errorf("%s sender = %+v", name, m.Sender)
		}
	}
	if got := drain(t, c); len(got) != 0 {
		t.Errorf("non-subscriber received %d frames", len(got))
	}
}

func TestHub_SubscribeGatedChannel(t *testing.T) {
	h, _ := newTestHub(t, nil)

	tests := []struct {
		name     string
		p        domain.Principal
		channel  string
		perms    []string
		wantCode string
	}{
		{"guest to private", domain.GuestPrincipal("g"), "admin", nil, apperr.CodeAccessDenied},
		{"user without admin", user("u1"), "admin", nil, apperr.CodeAccessDenied},
		{"admin user", user("u2", "admin"), "admin", nil, ""},
		{"guest to presence", domain.GuestPrincipal("g2"), "support", nil, apperr.CodeAccessDenied},
		{"guest to public", domain.GuestPrincipal("g3"), "general", nil, ""},
		{"requested permission not held", user("u3"), "general", []string{"moderator"}, apperr.CodeAccessDenied},
		{"unknown channel", user("u4"), "random", nil, apperr.CodeAccessDenied},
		{"dynamic channel", user("u5"), "room:42", nil, ""},
		{"blank name", user("u6"), "", nil, apperr.CodeInvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := connect(t, h, tt.p)
			err := h.router.Subscribe(context.Background(), c, domain.SubscribeRequest{Channel: tt.channel, Permissions: tt.perms}, "")

			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Subscribe() error = %v", err)
				}
				if !c.IsSubscribed(tt.channel) {
					t.Errorf("connection not subscribed to %s", tt.channel)
				}
				return
			}
			if err == nil {
				t.Fatalf("Subscribe() succeeded, want %s", tt.wantCode)
			}
			if code := apperr.AsAppError(err).Code; code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
			if subs := c.Subscriptions(); len(subs) != 0 {
				t.Errorf("subscriptions = %v, want none", subs)
			}
			if st, ok := h.ChannelStats(tt.channel); ok && st.SubscriberCount != 0 {
				t.Errorf("subscriber count = %d after denial", st.SubscriberCount)
			}
		})
	}
}

func TestHub_SubscribeRepliesThenHistory(t *testing.T) {
	h, _ := newTestHub(t, nil)

	pub := connect(t, h, user("pub"))
	subscribe(t, h, pub, "general")
	drain(t, pub)
	for i := 0; i < 60; i++ {
		publish(t, h, pub, "general", fmt.Sprintf(`{"n":%d}`, i))
	}

	late := connect(t, h, user("late"))
	if err := h.router.Subscribe(context.Background(), late, domain.SubscribeRequest{Channel: "general"}, "req-1"); err != nil {
		t.Fatal(err)
	}
	frames := drain(t, late)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want subscribed + channel_history", len(frames))
	}
	if frames[0].Event != domain.EventSubscribed || frames[0].RequestID != "req-1" {
		t.Errorf("first frame = %s (%s)", frames[0].Event, frames[0].RequestID)
	}
	var hist domain.ChannelHistoryEvent
	if err := json.Unmarshal(frames[1].Data, &hist); err != nil {
		t.Fatal(err)
	}
	if len(hist.Messages) != 50 {
		t.Fatalf("history replay = %d, want 50", len(hist.Messages))
	}
	if string(hist.Messages[0].Data) != `{"n":10}` || string(hist.Messages[49].Data) != `{"n":59}` {
		t.Errorf("history window = %s..%s", hist.Messages[0].Data, hist.Messages[49].Data)
	}
	if got := drain(t, pub); len(only(got, domain.EventChannelHistory)) != 0 {
		t.Error("history replay leaked to an existing subscriber")
	}
}

func TestHub_HistoryCap(t *testing.T) {
	h, _ := newTestHub(t, nil, func(c *Config) { c.HistoryLimit = 10 })

	c := connect(t, h, user("a"))
	subscribe(t, h, c, "general")
	for i := 0; i < 15; i++ {
		publish(t, h, c, "general", fmt.Sprintf(`%d`, i))
	}

	hist := h.directory.History("general", 100)
	if len(hist) != 10 {
		t.Fatalf("history length = %d, want 10", len(hist))
	}
	if string(hist[0].Data) != "5" || string(hist[9].Data) != "14" {
		t.Errorf("history = %s..%s, want 5..14", hist[0].Data, hist[9].Data)
	}
	st, _ := h.ChannelStats("general")
	if st.MessageCount != 15 || st.LastActivity == nil {
		t.Errorf("stats = %+v", st)
	}
}

func TestHub_PublishOrder(t *testing.T) {
	h, _ := newTestHub(t, nil)

	const n = 100
	subs := make([]*Connection, 3)
	for i := range subs {
		subs[i] = connect(t, h, user(fmt.Sprintf("u%d", i)))
		subscribe(t, h, subs[i], "orders")
	}
	for _, c := range subs {
		drain(t, c)
	}

	for i := 0; i < n; i++ {
		publish(t, h, subs[0], "orders", fmt.Sprintf(`%d`, i))
	}

	for i, c := range subs {
		got := only(drain(t, c), domain.EventMessage)
		if len(got) != n {
			t.Fatalf("subscriber %d got %d messages, want %d", i, len(got), n)
		}
		for j, f := range got {
			var m domain.Message
			if err := json.Unmarshal(f.Data, &m); err != nil {
				t.Fatal(err)
			}
			if string(m.Data) != fmt.Sprintf(`%d`, j) {
				t.Fatalf("subscriber %d message %d = %s", i, j, m.Data)
			}
		}
	}
}

func TestHub_PublishRequiresSubscription(t *testing.T) {
	h, _ := newTestHub(t, nil)
	c := connect(t, h, user("a"))

	_, err := h.router.Publish(context.Background(), c, domain.SendMessageRequest{Channel: "general", Data: json.RawMessage(`{}`)})
	if code := apperr.AsAppError(err).Code; code != apperr.CodePermissionDenied {
		t.Fatalf("code = %s, want %s", code, apperr.CodePermissionDenied)
	}

	subscribe(t, h, c, "general")
	_, err = h.router.Publish(context.Background(), c, domain.SendMessageRequest{Channel: "general", Data: json.RawMessage(`{bad`)})
	if code := apperr.AsAppError(err).Code; code != apperr.CodeInvalidMessage {
		t.Fatalf("code = %s, want %s", code, apperr.CodeInvalidMessage)
	}
}

func TestHub_DisconnectLeavesNoTrace(t *testing.T) {
	h, _ := newTestHub(t, nil)

	c := connect(t, h, user("a"))
	other := connect(t, h, user("b"))
	for _, ch := range []string{"general", "support", "room:1"} {
		subscribe(t, h, c, ch)
		subscribe(t, h, other, ch)
	}

	h.Disconnect(context.Background(), c, "client closed")
	h.Disconnect(context.Background(), c, "duplicate")

	if c.CloseReason() != "client closed" {
		t.Errorf("close reason = %q", c.CloseReason())
	}
	for _, ch := range []string{"general", "support", "room:1"} {
		users, _ := h.Presence(ch)
		for _, u := range users {
			if u.UserID == "a" {
				t.Errorf("presence of %s still lists a", ch)
			}
		}
		st, _ := h.ChannelStats(ch)
		if st.SubscriberCount != 1 {
			t.Errorf("%s subscribers = %d, want 1", ch, st.SubscriberCount)
		}
	}
	if h.topics.Refs(out.UserTopic("a")) != 0 {
		t.Error("user topic still referenced")
	}
	checkInvariant(t, h, []*Connection{c})
}

func TestHub_BidirectionalInvariant(t *testing.T) {
	h, _ := newTestHub(t, nil)
	rng := rand.New(rand.NewSource(7))
	channels := []string{"general", "orders", "support", "room:a", "room:b"}

	conns := make([]*Connection, 6)
	for i := range conns {
		conns[i] = connect(t, h, user(fmt.Sprintf("u%d", i%4)))
	}
	var gone []*Connection

	for step := 0; step < 500; step++ {
		i := rng.Intn(len(conns))
		c := conns[i]
		ch := channels[rng.Intn(len(channels))]

		switch op := rng.Intn(10); {
		case op < 5:
			subscribe(t, h, c, ch)
		case op < 9:
			if err := h.router.Unsubscribe(context.Background(), c, ch, ""); err != nil {
				t.Fatal(err)
			}
		default:
			h.Disconnect(context.Background(), c, "random")
			gone = append(gone, c)
			conns[i] = connect(t, h, c.Principal)
		}
		drain(t, conns[i])
		checkInvariant(t, h, gone)
	}

	for _, c := range conns {
		h.Disconnect(context.Background(), c, "done")
	}
	for _, name := range channels {
		if st, ok := h.ChannelStats(name); ok && st.SubscriberCount != 0 {
			t.Errorf("%s still has %d subscribers", name, st.SubscriberCount)
		}
		if refs := h.topics.Refs(out.ChannelTopic(name)); refs != 0 {
			t.Errorf("%s topic refs = %d", name, refs)
		}
	}
}

func TestHub_ConcurrentInvariant(t *testing.T) {
	h, _ := newTestHub(t, nil)
	channels := []string{"general", "orders", "support", "room:a", "room:b"}
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		gone   []*Connection
		latest []*Connection
	)
	for w := 0; w < 32; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			p := user(fmt.Sprintf("u%d", w%8))

			c, err := h.Connect(ctx, p, domain.TransportWebSocket)
			if err != nil {
				t.Errorf("Connect() error = %v", err)
				return
			}
			for step := 0; step < 200; step++ {
				ch := channels[rng.Intn(len(channels))]
				switch op := rng.Intn(10); {
				case op < 4:
					if err := h.router.Subscribe(ctx, c, domain.SubscribeRequest{Channel: ch}, ""); err != nil {
						t.Errorf("Subscribe(%s) error = %v", ch, err)
					}
				case op < 6:
					// Publishing to an unjoined channel is refused; either outcome is fine.
					_, _ = h.router.Publish(ctx, c, domain.SendMessageRequest{Channel: ch, Data: json.RawMessage(`{"n":1}`)})
				case op < 9:
					if err := h.router.Unsubscribe(ctx, c, ch, ""); err != nil {
						t.Errorf("Unsubscribe(%s) error = %v", ch, err)
					}
				default:
					h.Disconnect(ctx, c, "random")
					mu.Lock()
					gone = append(gone, c)
					mu.Unlock()
					if c, err = h.Connect(ctx, p, domain.TransportWebSocket); err != nil {
						t.Errorf("Connect() error = %v", err)
						return
					}
				}
				c.Discard()
			}
			mu.Lock()
			latest = append(latest, c)
			mu.Unlock()
		}()
	}
	wg.Wait()

	checkInvariant(t, h, gone)
	if n := h.ConnectionCount(); n != len(latest) {
		t.Fatalf("registry holds %d connections, want %d", n, len(latest))
	}

	for _, c := range latest {
		h.Disconnect(ctx, c, "done")
	}
	checkInvariant(t, h, append(gone, latest...))
	for _, name := range channels {
		if st, ok := h.ChannelStats(name); ok && st.SubscriberCount != 0 {
			t.Errorf("%s still has %d subscribers", name, st.SubscriberCount)
		}
		if refs := h.topics.Refs(out.ChannelTopic(name)); refs != 0 {
			t.Errorf("%s topic refs = %d", name, refs)
		}
	}
	for w := 0; w < 8; w++ {
		if refs := h.topics.Refs(out.UserTopic(fmt.Sprintf("u%d", w))); refs != 0 {
			t.Errorf("user u%d topic refs = %d", w, refs)
		}
	}
}

func TestHub_PresenceMembers(t *testing.T) {
	h, _ := newTestHub(t, nil)

	watcher := connect(t, h, user("w"))
	subscribe(t, h, watcher, "support")
	drain(t, watcher)

	first := connect(t, h, user("alice"))
	second := connect(t, h, user("alice"))
	subscribe(t, h, first, "support")
	subscribe(t, h, second, "support")

	if joined := only(drain(t, watcher), domain.EventMemberJoined); len(joined) != 1 {
		t.Fatalf("member_joined frames = %d, want 1 for two connections of one user", len(joined))
	}

	users, ok := h.Presence("support")
	if !ok || len(users) != 2 {
		t.Fatalf("presence = %+v", users)
	}

	h.Disconnect(context.Background(), first, "bye")
	if left := only(drain(t, watcher), domain.EventMemberLeft); len(left) != 0 {
		t.Fatal("member_left sent while alice still has a connection")
	}
	h.Disconnect(context.Background(), second, "bye")
	left := only(drain(t, watcher), domain.EventMemberLeft)
	if len(left) != 1 {
		t.Fatalf("member_left frames = %d, want 1", len(left))
	}
	var ev domain.MemberEvent
	_ = json.Unmarshal(left[0].Data, &ev)
	if ev.UserID != "alice" || ev.Channel != "support" {
		t.Errorf("member_left = %+v", ev)
	}
}

func TestHub_PresenceExcludesGuests(t *testing.T) {
	h, _ := newTestHub(t, nil)

	subscribe(t, h, connect(t, h, domain.GuestPrincipal("g")), "general")
	subscribe(t, h, connect(t, h, user("bob")), "general")

	users, _ := h.Presence("general")
	if len(users) != 1 || users[0].UserID != "bob" {
		t.Errorf("presence = %+v, want only bob", users)
	}
}

func TestHub_SweepIdle(t *testing.T) {
	h, mock := newTestHub(t, nil)

	idle := connect(t, h, user("idle"))
	live := connect(t, h, user("live"))
	subscribe(t, h, idle, "general")

	mock.Add(40 * time.Second)
	h.Touch(live)
	mock.Add(25 * time.Second)

	if n := h.Sweep(context.Background()); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if !idle.Closed() || idle.CloseReason() != "idle timeout" {
		t.Errorf("idle connection closed=%v reason=%q", idle.Closed(), idle.CloseReason())
	}
	if live.Closed() {
		t.Error("touched connection was swept")
	}
	if _, ok := h.registry.Get(idle.ID); ok {
		t.Error("idle connection still registered")
	}
	checkInvariant(t, h, []*Connection{idle})
}

func TestHub_PruneDynamicChannels(t *testing.T) {
	h, mock := newTestHub(t, nil)

	c := connect(t, h, user("a"))
	subscribe(t, h, c, "room:tmp")
	if err := h.router.Unsubscribe(context.Background(), c, "room:tmp", ""); err != nil {
		t.Fatal(err)
	}

	mock.Add(11 * time.Minute)
	h.Touch(c)
	h.Sweep(context.Background())

	if _, ok := h.ChannelStats("room:tmp"); ok {
		t.Error("idle dynamic channel not pruned")
	}
	if _, ok := h.ChannelStats("general"); !ok {
		t.Error("well-known channel pruned")
	}
	subscribe(t, h, c, "room:tmp")
}

func TestHub_Shutdown(t *testing.T) {
	h, _ := newTestHub(t, nil)
	c := connect(t, h, user("a"))

	h.Shutdown(context.Background(), "deploy")

	frames := drain(t, c)
	if len(frames) == 0 || frames[len(frames)-1].Event != domain.EventShutdown {
		t.Fatalf("frames = %+v, want trailing shutdown", frames)
	}
	if !c.Closed() {
		t.Error("connection not closed")
	}
	if _, err := h.Connect(context.Background(), user("b"), domain.TransportWebSocket); err == nil {
		t.Error("Connect() after shutdown succeeded")
	}
}

func TestHub_Cluster(t *testing.T) {
	network := bus.NewMemoryNetwork()
	ha, _ := newTestHub(t, network.Node("node-a", zerolog.Nop()))
	hb, _ := newTestHub(t, network.Node("node-b", zerolog.Nop()), func(c *Config) {
		c.NodeID = "node-b"
		c.NodeSequence = 2
	})

	pa, pb := user("a"), user("b")
	pa.Roles = []string{"ops"}
	pb.Roles = []string{"ops"}
	onA := connect(t, ha, pa)
	onB := connect(t, hb, pb)
	subscribe(t, ha, onA, "orders")
	subscribe(t, hb, onB, "orders")
	drain(t, onA)
	drain(t, onB)

	t.Run("channel relay", func(t *testing.T) {
		msg := publish(t, ha, onA, "orders", `{"x":1}`)

		if got := only(drain(t, onA), domain.EventMessage); len(got) != 1 {
			t.Fatalf("publisher got %d copies, want 1", len(got))
		}
		got := only(drain(t, onB), domain.EventMessage)
		if len(got) != 1 {
			t.Fatalf("remote subscriber got %d messages, want 1", len(got))
		}
		var m domain.Message
		_ = json.Unmarshal(got[0].Data, &m)
		if m.ID != msg.ID {
			t.Errorf("relayed id = %d, want %d", m.ID, msg.ID)
		}
		if hist := hb.directory.History("orders", 10); len(hist) != 1 {
			t.Errorf("remote history = %d, want 1", len(hist))
		}
	})

	t.Run("typing excludes sender", func(t *testing.T) {
		if err := ha.router.Typing(context.Background(), onA, domain.TypingRequest{Channel: "orders", Typing: true}); err != nil {
			t.Fatal(err)
		}
		if got := only(drain(t, onA), domain.EventUserTyping); len(got) != 0 {
			t.Error("sender received own typing event")
		}
		if got := only(drain(t, onB), domain.EventUserTyping); len(got) != 1 {
			t.Errorf("remote typing events = %d, want 1", len(got))
		}
	})

	t.Run("role and broadcast rooms", func(t *testing.T) {
		payload := []byte(`{"hello":true}`)
		if err := ha.Publish(context.Background(), out.RoleTopic("ops"), "announce", payload); err != nil {
			t.Fatal(err)
		}
		if err := ha.Publish(context.Background(), out.TopicBroadcast, "announce", payload); err != nil {
			t.Fatal(err)
		}
		if got := only(drain(t, onB), "announce"); len(got) != 2 {
			t.Errorf("remote announce frames = %d, want 2", len(got))
		}
	})

	t.Run("bus down keeps local delivery", func(t *testing.T) {
		ha.Bus().(*bus.MemoryBus).SetConnected(false)
		defer ha.Bus().(*bus.MemoryBus).SetConnected(true)

		publish(t, ha, onA, "orders", `{"x":2}`)
		if got := only(drain(t, onA), domain.EventMessage); len(got) != 1 {
			t.Errorf("local subscriber got %d, want 1", len(got))
		}
		if got := only(drain(t, onB), domain.EventMessage); len(got) != 0 {
			t.Errorf("remote got %d during outage, want 0", len(got))
		}
	})
}

func TestHub_ConnectedFrame(t *testing.T) {
	h, _ := newTestHub(t, nil, func(c *Config) { c.Version = "1.2.3" })

	c, err := h.Connect(context.Background(), user("a"), domain.TransportWebSocket)
	if err != nil {
		t.Fatal(err)
	}
	frames := drain(t, c)
	if len(frames) != 1 || frames[0].Event != domain.EventConnected {
		t.Fatalf("frames = %+v", frames)
	}
	var ev domain.ConnectedEvent
	if err := json.Unmarshal(frames[0].Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ConnectionID != c.ID || ev.SessionID != "sess-a" || ev.ServerInfo.Node != "node-a" || ev.ServerInfo.Version != "1.2.3" {
		t.Errorf("connected = %+v", ev)
	}
	if h.topics.Refs(out.UserTopic("a")) != 1 {
		t.Error("user room not joined")
	}
}
