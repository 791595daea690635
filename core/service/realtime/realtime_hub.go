// Package realtime is the connection and channel core: registry, channel
// directory, message router and presence, bridged across nodes by a fan-out
// bus.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"
	"realtime_server/pkg/apperr"
	"realtime_server/pkg/metrics"
	"realtime_server/pkg/snowflake"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config tunes the hub. Zero values fall back to defaults; a negative
// HistoryReplay disables history replay on subscribe.
type Config struct {
	NodeID       string
	NodeSequence int64 // snowflake node id
	Version      string

	HistoryLimit    int
	HistoryReplay   int
	MaxPayloadBytes int

	OutboxSize     int
	OverflowPolicy OverflowPolicy
	MessageRate    float64
	MessageBurst   int

	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	StoreTimeout      time.Duration
	ChannelIdleTTL    time.Duration

	WellKnown       []domain.ChannelConfig
	DynamicPrefixes []string
	CreateRate      float64
	CreateBurst     int
	MaxChannels     int

	PresenceBroadcast bool
}

func (c *Config) applyDefaults() {
	if c.NodeID == "" {
		c.NodeID = "realtime-" + uuid.NewString()[:8]
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
	switch {
	case c.HistoryReplay == 0:
		c.HistoryReplay = 50
	case c.HistoryReplay < 0:
		c.HistoryReplay = 0 // disabled
	}
	if c.HistoryReplay > c.HistoryLimit {
		c.HistoryReplay = c.HistoryLimit
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 256
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = OverflowDropOldest
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.ChannelIdleTTL <= 0 {
		c.ChannelIdleTTL = 10 * time.Minute
	}
}

// ErrShuttingDown refuses connections once Shutdown has started.
var ErrShuttingDown = apperr.New("SHUTTING_DOWN", "server is shutting down", http.StatusServiceUnavailable)

// NotificationSink receives user-topic notifications from other nodes and
// replays the offline queue for new connections.
type NotificationSink interface {
	DeliverRemote(ctx context.Context, env *out.Envelope)
	Replay(ctx context.Context, c *Connection)
}

type Option func(*Hub)

func WithClock(clk clock.Clock) Option {
	return func(h *Hub) { h.clock = clk }
}

func WithLogger(log zerolog.Logger) Option {
	return func(h *Hub) { h.log = log }
}

// WithMirror writes connection snapshots to a shared diagnostic store.
func WithMirror(m out.ConnectionMirror) Option {
	return func(h *Hub) { h.mirror = m }
}

func WithMetrics(m *metrics.Realtime) Option {
	return func(h *Hub) { h.metrics = m }
}

// Hub owns the connection registry and channel directory of one node.
type Hub struct {
	cfg     Config
	clock   clock.Clock
	log     zerolog.Logger
	bus     out.FanoutBus
	mirror  out.ConnectionMirror
	metrics *metrics.Realtime

	registry  *Registry
	directory *Directory
	topics    *Topics
	router    *Router

	notifyMu      sync.RWMutex
	notifications NotificationSink

	throughput   *metrics.RateWindow
	relayLatency *metrics.LatencyTracker

	releaseBroadcast func()
	closing          atomic.Bool
	shutdown         atomic.Bool
	stopSweep        chan struct{}
	sweepOnce        sync.Once
}

func NewHub(cfg Config, bus out.FanoutBus, opts ...Option) (*Hub, error) {
	cfg.applyDefaults()

	h := &Hub{
		cfg:       cfg,
		clock:     clock.New(),
		log:       zerolog.Nop(),
		bus:       bus,
		stopSweep: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	base := h.log.With().Str("node", cfg.NodeID).Logger()
	h.log = base.With().Str("component", "hub").Logger()

	ids, err := snowflake.NewGenerator(cfg.NodeSequence)
	if err != nil {
		return nil, fmt.Errorf("message id generator: %w", err)
	}

	h.registry = NewRegistry(h.clock, base)
	h.directory = NewDirectory(DirectoryConfig{
		HistoryLimit:    cfg.HistoryLimit,
		DynamicPrefixes: cfg.DynamicPrefixes,
		CreateRate:      cfg.CreateRate,
		CreateBurst:     cfg.CreateBurst,
		MaxChannels:     cfg.MaxChannels,
	}, h.clock)
	for _, ch := range cfg.WellKnown {
		h.directory.Define(ch)
	}

	h.topics = NewTopics(bus, h.onEnvelope, base)
	h.throughput = metrics.NewRateWindow(time.Minute, h.clock)
	h.relayLatency = metrics.NewLatencyTracker(1000)
	h.router = &Router{
		dir:               h.directory,
		registry:          h.registry,
		topics:            h.topics,
		bus:               bus,
		ids:               ids,
		clock:             h.clock,
		metrics:           h.metrics,
		log:               base.With().Str("component", "router").Logger(),
		replay:            cfg.HistoryReplay,
		maxPayload:        cfg.MaxPayloadBytes,
		busTimeout:        cfg.StoreTimeout,
		presenceBroadcast: cfg.PresenceBroadcast,
		throughput:        h.throughput,
		relayLatency:      h.relayLatency,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
	defer cancel()
	release, err := bus.Subscribe(ctx, out.TopicBroadcast, h.onEnvelope)
	if err != nil {
		return nil, fmt.Errorf("subscribe broadcast topic: %w", err)
	}
	h.releaseBroadcast = release

	return h, nil
}

// AttachNotifications wires the dispatcher in. Call before serving.
func (h *Hub) AttachNotifications(s NotificationSink) {
	h.notifyMu.Lock()
	h.notifications = s
	h.notifyMu.Unlock()
}

func (h *Hub) sink() NotificationSink {
	h.notifyMu.RLock()
	defer h.notifyMu.RUnlock()
	return h.notifications
}

func (h *Hub) Registry() *Registry { return h.registry }
func (h *Hub) Directory() *Directory { return h.directory }
func (h *Hub) Router() *Router { return h.router }
func (h *Hub) NodeID() string { return h.cfg.NodeID }
func (h *Hub) Bus() out.FanoutBus { return h.bus }

// Connect registers a new connection for p: it joins the personal user room
// and role rooms, receives the connected frame, then the offline replay.
func (h *Hub) Connect(ctx context.Context, p domain.Principal, transport domain.Transport) (*Connection, error) {
	if h.closing.Load() {
		return nil, ErrShuttingDown
	}
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}

	c := newConnection(uuid.NewString(), p, transport, h.clock.Now(), h.cfg)
	c.onDrop = func(*Connection) { h.metrics.Dropped() }

	rooms := h.rooms(c)
	acquired := make([]string, 0, len(rooms))
	for _, topic := range rooms {
		if err := h.router.acquire(ctx, topic); err != nil {
			for _, t := range acquired {
				h.topics.Release(t)
			}
			return nil, err
		}
		acquired = append(acquired, topic)
	}

	h.registry.Register(c)
	h.metrics.ConnectionOpened(string(transport))
	if h.shutdown.Load() {
		// Shutdown took its snapshot before this registration.
		h.Disconnect(ctx, c, "shutdown")
		return nil, ErrShuttingDown
	}

	now := h.clock.Now()
	c.Send(encodeReply(domain.EventConnected, domain.ConnectedEvent{
		ConnectionID: c.ID,
		SessionID:    p.SessionID,
		UserID:       c.UserID(),
		ServerInfo: domain.ServerInfo{
			Node:              h.cfg.NodeID,
			Version:           h.cfg.Version,
			HeartbeatInterval: h.cfg.HeartbeatInterval.Milliseconds(),
		},
	}, "", now))

	h.log.Info().
		Str("connection_id", c.ID).
		Str("user_id", c.UserID()).
		Str("transport", string(transport)).
		Bool("guest", p.Guest).
		Msg("connection registered")

	if c.UserID() != "" {
		if s := h.sink(); s != nil {
			s.Replay(ctx, c)
		}
	}
	h.mirrorPut(ctx, c)
	return c, nil
}

// rooms lists the bus topics a connection needs beyond its channels.
func (h *Hub) rooms(c *Connection) []string {
	uid := c.UserID()
	if uid == "" {
		return nil
	}
	rooms := []string{out.UserTopic(uid)}
	for _, role := range c.Principal.Roles {
		rooms = append(rooms, out.RoleTopic(role))
	}
	return rooms
}

// Disconnect tears a connection down. Safe to call repeatedly and for
// connections already gone.
func (h *Hub) Disconnect(ctx context.Context, c *Connection, reason string) {
	c.Close(reason)
	if _, ok := h.registry.Unregister(c.ID); !ok {
		return
	}
	h.router.RemoveConnection(ctx, c)
	for _, topic := range h.rooms(c) {
		h.topics.Release(topic)
	}
	h.metrics.ConnectionClosed(string(c.Transport))
	h.mirrorRemove(ctx, c.ID)

	h.log.Info().
		Str("connection_id", c.ID).
		Str("user_id", c.UserID()).
		Str("reason", c.CloseReason()).
		Int64("dropped", c.Dropped()).
		Msg("connection unregistered")
}

// DisconnectSession closes this node's connections of userID opened under
// sessionID and returns how many were closed.
func (h *Hub) DisconnectSession(ctx context.Context, userID, sessionID, reason string) int {
	n := 0
	for _, c := range h.registry.ByUser(userID) {
		if c.Principal.SessionID == sessionID {
			h.Disconnect(ctx, c, reason)
			n++
		}
	}
	return n
}

func (h *Hub) mirrorPut(ctx context.Context, c *Connection) {
	if h.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.StoreTimeout)
	defer cancel()
	if err := h.mirror.Put(ctx, c.Info(h.cfg.NodeID)); err != nil {
		h.log.Warn().Err(err).Str("connection_id", c.ID).Msg("connection mirror write failed")
	}
}

func (h *Hub) mirrorRemove(ctx context.Context, id string) {
	if h.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.StoreTimeout)
	defer cancel()
	if err := h.mirror.Remove(ctx, id); err != nil {
		h.log.Warn().Err(err).Str("connection_id", id).Msg("connection mirror delete failed")
	}
}

// Touch records keep-alive activity for a connection.
func (h *Hub) Touch(c *Connection) {
	h.registry.Touch(c.ID)
}

// Sweep closes connections idle past the timeout and prunes idle dynamic
// channels. It returns the number of connections closed.
func (h *Hub) Sweep(ctx context.Context) int {
	idle := h.registry.Idle(h.cfg.IdleTimeout)
	for _, c := range idle {
		h.Disconnect(ctx, c, "idle timeout")
	}
	if n := h.directory.Prune(h.cfg.ChannelIdleTTL); n > 0 {
		h.log.Debug().Int("channels", n).Msg("pruned idle channels")
	}
	if len(idle) > 0 {
		h.log.Info().Int("connections", len(idle)).Msg("idle connections swept")
	}
	return len(idle)
}

// RunSweeper sweeps every SweepInterval until ctx ends or Shutdown is called.
func (h *Hub) RunSweeper(ctx context.Context) {
	ticker := h.clock.Ticker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopSweep:
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// WatchBus forwards bus status transitions to the log and metrics until ctx
// ends.
func (h *Hub) WatchBus(ctx context.Context) {
	h.metrics.SetBusConnected(h.bus.Connected())
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-h.bus.Status():
			h.metrics.SetBusConnected(st.Connected)
			if st.Connected {
				h.log.Info().Msg("fan-out bus connected")
			} else {
				h.log.Warn().Err(st.Err).Msg("fan-out bus disconnected, serving local connections only")
			}
		}
	}
}

// StopAccepting makes Connect fail with ErrShuttingDown. Existing
// connections are untouched.
func (h *Hub) StopAccepting() {
	h.closing.Store(true)
}

// Shutdown refuses new connections, sends every connection a shutdown frame
// and closes them. The owner flushes and closes the bus beforehand; relays
// attempted after that are skipped.
func (h *Hub) Shutdown(ctx context.Context, reason string) {
	h.closing.Store(true)
	if !h.shutdown.CompareAndSwap(false, true) {
		return
	}
	h.sweepOnce.Do(func() { close(h.stopSweep) })

	frame := encodeReply(domain.EventShutdown, domain.ShutdownEvent{Reason: reason}, "", h.clock.Now())
	conns := h.registry.All()
	for _, c := range conns {
		c.Send(frame)
	}
	for _, c := range conns {
		h.Disconnect(ctx, c, "shutdown")
	}
	if h.releaseBroadcast != nil {
		h.releaseBroadcast()
	}
	h.log.Info().Int("connections", len(conns)).Msg("hub shut down")
}

// =============================================================================
// Local delivery (never touches the bus)
// =============================================================================

func sendAll(conns []*Connection, frame []byte) int {
	n := 0
	for _, c := range conns {
		if c.Send(frame) {
			n++
		}
	}
	return n
}

// DeliverToUser sends frame to the local connections of userID.
func (h *Hub) DeliverToUser(userID string, frame []byte) int {
	return sendAll(h.registry.ByUser(userID), frame)
}

// DeliverToUserTracked is DeliverToUser with ack attached to every copy. The
// callbacks run once per connection.
func (h *Hub) DeliverToUserTracked(userID string, frame []byte, ack Ack) int {
	n := 0
	for _, c := range h.registry.ByUser(userID) {
		if c.SendTracked(frame, ack) {
			n++
		}
	}
	return n
}

// DeliverToRole sends frame to local connections holding role.
func (h *Hub) DeliverToRole(role string, frame []byte) int {
	return sendAll(h.registry.ByRole(role), frame)
}

// DeliverToAll sends frame to every local connection.
func (h *Hub) DeliverToAll(frame []byte) int {
	return sendAll(h.registry.All(), frame)
}

// Publish relays an event to other nodes on topic.
func (h *Hub) Publish(ctx context.Context, topic, event string, payload []byte) error {
	return h.router.relay(ctx, topic, event, payload, "")
}

// EncodeFrame renders a server frame stamped with the hub clock.
func (h *Hub) EncodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(domain.ServerFrame{Event: event, Data: data, Timestamp: h.clock.Now().UnixMilli()})
}

// onEnvelope routes an envelope from another node to local delivery.
func (h *Hub) onEnvelope(ctx context.Context, env *out.Envelope) {
	switch {
	case strings.HasPrefix(env.Topic, out.TopicChannelPrefix):
		h.router.handleRemote(ctx, env)

	case strings.HasPrefix(env.Topic, out.TopicUserPrefix):
		if env.Event == domain.EventNotification {
			if s := h.sink(); s != nil {
				s.DeliverRemote(ctx, env)
				return
			}
		}
		if frame, ok := h.remoteFrame(env); ok {
			h.DeliverToUser(strings.TrimPrefix(env.Topic, out.TopicUserPrefix), frame)
		}

	case strings.HasPrefix(env.Topic, out.TopicRolePrefix):
		if frame, ok := h.remoteFrame(env); ok {
			h.DeliverToRole(strings.TrimPrefix(env.Topic, out.TopicRolePrefix), frame)
		}

	case env.Topic == out.TopicBroadcast:
		if frame, ok := h.remoteFrame(env); ok {
			h.DeliverToAll(frame)
		}

	default:
		h.log.Debug().Str("topic", env.Topic).Msg("envelope on unknown topic ignored")
	}
}

func (h *Hub) remoteFrame(env *out.Envelope) ([]byte, bool) {
	if !json.Valid(env.Payload) {
		h.log.Warn().Str("topic", env.Topic).Str("origin", env.Origin).Msg("dropping envelope with invalid payload")
		return nil, false
	}
	return encodeReply(env.Event, json.RawMessage(env.Payload), "", h.clock.Now()), true
}

// =============================================================================
// Read views
// =============================================================================

func (h *Hub) ChannelStats(name string) (domain.ChannelStats, bool) {
	return h.directory.Stats(name)
}

func (h *Hub) Presence(name string) ([]domain.PresenceEntry, bool) {
	return h.router.Presence(name)
}

// MessagesPerMinute is the local publish rate over the last minute.
func (h *Hub) MessagesPerMinute() float64 {
	return h.throughput.PerMinute()
}

// RelayLatency reports publish-to-receive delay of envelopes from other nodes.
func (h *Hub) RelayLatency() metrics.LatencyStats {
	return h.relayLatency.Stats()
}

func (h *Hub) ConnectionCount() int { return h.registry.Count() }

func (h *Hub) AllChannelStats() []domain.ChannelStats { return h.directory.AllStats() }

func (h *Hub) BusConnected() bool { return h.bus.Connected() }
