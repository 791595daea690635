package realtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"
	"realtime_server/pkg/apperr"
	"realtime_server/pkg/metrics"
	"realtime_server/pkg/snowflake"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("realtime_server/core/service/realtime")

var errConnectionClosed = errors.New("connection closed")

// subscribeAttempts bounds retries when a dynamic channel is pruned between
// lookup and join.
const subscribeAttempts = 3

// Router moves messages between connections and channels, locally and over
// the fan-out bus.
type Router struct {
	dir      *Directory
	registry *Registry
	topics   *Topics
	bus      out.FanoutBus
	ids      *snowflake.Generator
	clock    clock.Clock
	metrics  *metrics.Realtime
	log      zerolog.Logger

	replay            int
	maxPayload        int
	busTimeout        time.Duration
	presenceBroadcast bool

	throughput   *metrics.RateWindow
	relayLatency *metrics.LatencyTracker
}

// encodeReply renders a frame answering a client command.
func encodeReply(event string, data any, requestID string, now time.Time) []byte {
	b, err := json.Marshal(domain.ServerFrame{
		Event:     event,
		Data:      data,
		RequestID: requestID,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		// Payloads are server-built structs; a failure here is a programming error.
		panic(err)
	}
	return b
}

func (r *Router) frame(event string, data any) []byte {
	return encodeReply(event, data, "", r.clock.Now())
}

// Subscribe authorizes c for req.Channel and joins it. The subscribed reply and
// the channel history are queued under the channel lock so no message
// published concurrently can arrive before them.
func (r *Router) Subscribe(ctx context.Context, c *Connection, req domain.SubscribeRequest, requestID string) error {
	name := req.Channel
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := r.dir.Authorize(c.Principal, name, req.Permissions); err != nil {
		return err
	}

	subscribed := encodeReply(domain.EventSubscribed, domain.ChannelEvent{Channel: name}, requestID, r.clock.Now())
	if c.IsSubscribed(name) {
		c.Send(subscribed)
		return nil
	}

	topic := out.ChannelTopic(name)
	if err := r.acquire(ctx, topic); err != nil {
		return err
	}

	for attempt := 0; attempt < subscribeAttempts; attempt++ {
		ch, err := r.dir.lookupOrCreate(name)
		if err != nil {
			r.topics.Release(topic)
			return err
		}

		ch.mu.Lock()
		if ch.removed {
			ch.mu.Unlock()
			continue
		}
		if err := authorize(c.Principal, ch.cfg, req.Permissions); err != nil {
			ch.mu.Unlock()
			r.topics.Release(topic)
			return err
		}
		if _, ok := ch.subscribers[c.ID]; ok {
			ch.mu.Unlock()
			r.topics.Release(topic)
			c.Send(subscribed)
			return nil
		}
		if !c.addSubscription(name) {
			ch.mu.Unlock()
			r.topics.Release(topic)
			return errConnectionClosed
		}

		uid := c.UserID()
		joined := uid != "" && !ch.userPresent(uid, c.ID)
		ch.subscribers[c.ID] = c
		count := len(ch.subscribers)

		c.Send(subscribed)
		if r.replay > 0 {
			c.Send(r.frame(domain.EventChannelHistory, domain.ChannelHistoryEvent{
				Channel:  name,
				Messages: ch.history.last(r.replay),
			}))
		}

		var member json.RawMessage
		if joined && ch.cfg.Kind == domain.ChannelPresence && r.presenceBroadcast {
			member, _ = json.Marshal(domain.MemberEvent{Channel: name, UserID: uid})
			r.emitLocked(ch, encodeReply(domain.EventMemberJoined, member, "", r.clock.Now()), c.ID)
		}
		ch.mu.Unlock()

		r.metrics.SetSubscribers(name, count)
		r.log.Debug().Str("connection_id", c.ID).Str("channel", name).Int("subscribers", count).Msg("subscribed")

		if member != nil {
			_ = r.relay(ctx, topic, domain.EventMemberJoined, member, c.ID)
		}
		return nil
	}

	r.topics.Release(topic)
	return apperr.Internal("channel was removed while subscribing")
}

func (r *Router) acquire(ctx context.Context, topic string) error {
	ctx, cancel := context.WithTimeout(ctx, r.busTimeout)
	defer cancel()

	if err := r.topics.Acquire(ctx, topic); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.Timeout("bus subscribe")
		}
		return apperr.ExternalError("fanout bus", err)
	}
	return nil
}

// Unsubscribe leaves a channel. Leaving a channel c is not in still replies.
func (r *Router) Unsubscribe(ctx context.Context, c *Connection, name, requestID string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if ch, ok := r.dir.lookup(name); ok {
		r.leave(ctx, c, ch)
	} else {
		c.removeSubscription(name)
	}
	c.Send(encodeReply(domain.EventUnsubscribed, domain.ChannelEvent{Channel: name}, requestID, r.clock.Now()))
	return nil
}

// leave removes c from ch on both sides and releases the bus topic.
func (r *Router) leave(ctx context.Context, c *Connection, ch *channel) {
	name := ch.cfg.Name

	ch.mu.Lock()
	if _, ok := ch.subscribers[c.ID]; !ok {
		ch.mu.Unlock()
		c.removeSubscription(name)
		return
	}
	delete(ch.subscribers, c.ID)
	c.removeSubscription(name)
	count := len(ch.subscribers)

	var member json.RawMessage
	uid := c.UserID()
	if uid != "" && ch.cfg.Kind == domain.ChannelPresence && r.presenceBroadcast && !ch.userPresent(uid, c.ID) {
		member, _ = json.Marshal(domain.MemberEvent{Channel: name, UserID: uid})
		r.emitLocked(ch, encodeReply(domain.EventMemberLeft, member, "", r.clock.Now()), "")
	}
	ch.mu.Unlock()

	topic := out.ChannelTopic(name)
	r.topics.Release(topic)
	r.metrics.SetSubscribers(name, count)

	if member != nil {
		_ = r.relay(ctx, topic, domain.EventMemberLeft, member, "")
	}
}

// RemoveConnection drops c from every channel it joined. c must already be
// closed so no subscription can be added behind the snapshot.
func (r *Router) RemoveConnection(ctx context.Context, c *Connection) {
	for _, name := range c.Subscriptions() {
		if ch, ok := r.dir.lookup(name); ok {
			r.leave(ctx, c, ch)
		} else {
			c.removeSubscription(name)
		}
	}
}

// Publish stamps a message from c, appends it to history and fans it out.
// Local delivery happens under the channel lock; the bus publish follows
// after it is released.
func (r *Router) Publish(ctx context.Context, c *Connection, req domain.SendMessageRequest) (*domain.Message, error) {
	name := req.Channel
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if len(req.Data) == 0 || !json.Valid(req.Data) {
		return nil, apperr.InvalidMessage("message data must be valid JSON")
	}
	if r.maxPayload > 0 && len(req.Data) > r.maxPayload {
		return nil, apperr.InvalidMessage("message data too large").WithDetail("limit", r.maxPayload)
	}
	priority := req.Priority
	if priority == "" {
		priority = domain.NotificationPriorityNormal
	}
	if !priority.Valid() {
		return nil, apperr.InvalidMessage("unknown priority")
	}

	ch, ok := r.dir.lookup(name)
	if !ok {
		return nil, apperr.PermissionDenied(name)
	}

	ctx, span := tracer.Start(ctx, "realtime.publish")
	defer span.End()
	span.SetAttributes(attribute.String("channel", name))

	ch.mu.Lock()
	if _, ok := ch.subscribers[c.ID]; !ok {
		ch.mu.Unlock()
		return nil, apperr.PermissionDenied(name)
	}

	msg := &domain.Message{
		ID:      r.ids.Next(),
		Channel: name,
		Sender: &domain.MessageSender{
			UserID:       c.UserID(),
			ConnectionID: c.ID,
		},
		Data:      req.Data,
		Priority:  priority,
		CreatedAt: r.clock.Now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		ch.mu.Unlock()
		return nil, apperr.InvalidMessage("message data could not be encoded")
	}

	ch.history.push(msg)
	ch.messageCount++
	ch.lastActivity = msg.CreatedAt
	r.emitLocked(ch, encodeReply(domain.EventMessage, json.RawMessage(payload), "", msg.CreatedAt), "")
	ch.mu.Unlock()

	r.throughput.Add(1)
	r.metrics.Published()

	if err := r.relay(ctx, out.ChannelTopic(name), domain.EventMessage, payload, ""); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bus publish failed")
		if errors.Is(err, context.DeadlineExceeded) {
			// Local subscribers already have the message.
			return msg, apperr.Timeout("bus publish").WithDetail("channel", name)
		}
	}
	return msg, nil
}

// Typing forwards a typing indicator to the other subscribers of a channel.
func (r *Router) Typing(ctx context.Context, c *Connection, req domain.TypingRequest) error {
	name := req.Channel
	if err := ValidateName(name); err != nil {
		return err
	}
	ch, ok := r.dir.lookup(name)
	if !ok {
		return apperr.PermissionDenied(name)
	}

	payload, _ := json.Marshal(domain.TypingEvent{UserID: c.UserID(), Channel: name, Typing: req.Typing})

	ch.mu.Lock()
	if _, ok := ch.subscribers[c.ID]; !ok {
		ch.mu.Unlock()
		return apperr.PermissionDenied(name)
	}
	r.emitLocked(ch, encodeReply(domain.EventUserTyping, json.RawMessage(payload), "", r.clock.Now()), c.ID)
	ch.mu.Unlock()

	_ = r.relay(ctx, out.ChannelTopic(name), domain.EventUserTyping, payload, c.ID)
	return nil
}

// Presence lists identified users subscribed to a channel on this node, one
// entry per user. Connections already gone from the registry are skipped.
func (r *Router) Presence(name string) ([]domain.PresenceEntry, bool) {
	ch, ok := r.dir.lookup(name)
	if !ok {
		return nil, false
	}

	ch.mu.Lock()
	subs := snapshot(ch.subscribers)
	ch.mu.Unlock()

	byUser := make(map[string]*domain.PresenceEntry)
	for _, c := range subs {
		uid := c.UserID()
		if uid == "" {
			continue
		}
		if _, live := r.registry.Get(c.ID); !live {
			continue
		}
		connected := c.ConnectedAt.UnixMilli()
		last := c.LastActivity().UnixMilli()
		e, ok := byUser[uid]
		if !ok {
			byUser[uid] = &domain.PresenceEntry{UserID: uid, ConnectedAt: connected, LastActivity: last}
			continue
		}
		e.ConnectedAt = min(e.ConnectedAt, connected)
		e.LastActivity = max(e.LastActivity, last)
	}

	entries := make([]domain.PresenceEntry, 0, len(byUser))
	for _, e := range byUser {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, true
}

// EmitLocal sends a pre-encoded frame to local subscribers of a channel,
// skipping exclude. It never touches the bus.
func (r *Router) EmitLocal(name string, frame []byte, exclude string) int {
	ch, ok := r.dir.lookup(name)
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return r.emitLocked(ch, frame, exclude)
}

// emitLocked fans frame out without blocking. Caller holds ch.mu.
func (r *Router) emitLocked(ch *channel, frame []byte, exclude string) int {
	n := 0
	for id, sub := range ch.subscribers {
		if id == exclude {
			continue
		}
		if sub.Send(frame) {
			n++
		}
	}
	return n
}

// handleRemote re-emits a channel envelope from another node to local
// subscribers. Remote messages join the local history.
func (r *Router) handleRemote(_ context.Context, env *out.Envelope) {
	name := strings.TrimPrefix(env.Topic, out.TopicChannelPrefix)
	if env.SentAt > 0 {
		r.relayLatency.Record(r.clock.Now().Sub(time.UnixMilli(env.SentAt)))
	}

	ch, ok := r.dir.lookup(name)
	if !ok {
		return
	}
	if !json.Valid(env.Payload) {
		r.log.Warn().Str("channel", name).Str("origin", env.Origin).Msg("dropping relayed event with invalid payload")
		return
	}

	frame := encodeReply(env.Event, json.RawMessage(env.Payload), "", r.clock.Now())

	ch.mu.Lock()
	if env.Event == domain.EventMessage {
		var msg domain.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			ch.mu.Unlock()
			r.log.Warn().Err(err).Str("channel", name).Str("origin", env.Origin).Msg("dropping malformed relayed message")
			return
		}
		ch.history.push(&msg)
		ch.messageCount++
		ch.lastActivity = r.clock.Now()
	}
	r.emitLocked(ch, frame, env.Exclude)
	ch.mu.Unlock()

	r.metrics.Relayed()
}

// relay publishes an event to other nodes. Failures are logged; the caller
// decides whether they matter.
func (r *Router) relay(ctx context.Context, topic, event string, payload []byte, exclude string) error {
	ctx, cancel := context.WithTimeout(ctx, r.busTimeout)
	defer cancel()

	err := r.bus.Publish(ctx, topic, &out.Envelope{
		Event:   event,
		Payload: payload,
		Exclude: exclude,
	})
	switch {
	case errors.Is(err, out.ErrBusClosed):
		r.log.Debug().Str("topic", topic).Str("event", event).Msg("bus closed, relay skipped")
	case err != nil:
		r.log.Warn().Err(err).Str("topic", topic).Str("event", event).Msg("bus publish failed")
	}
	return err
}
