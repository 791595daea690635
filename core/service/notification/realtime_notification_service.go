// Package notification delivers targeted notifications to users, roles and
// everyone, live where possible and through the offline queue otherwise.
package notification

import (
	"context"
	"strings"
	"sync"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"
	"realtime_server/core/service/realtime"
	"realtime_server/pkg/apperr"
	"realtime_server/pkg/metrics"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("realtime_server/core/service/notification")

// Hub is the local delivery surface of the realtime core.
type Hub interface {
	DeliverToUserTracked(userID string, frame []byte, ack realtime.Ack) int
	DeliverToRole(role string, frame []byte) int
	DeliverToAll(frame []byte) int
	Publish(ctx context.Context, topic, event string, payload []byte) error
	EncodeFrame(event string, data any) ([]byte, error)
}

type Config struct {
	// NotificationTTL is the default expiry for notifications without one.
	NotificationTTL time.Duration
	StoreTimeout    time.Duration
}

type Option func(*Service)

func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clock = clk }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithMetrics(m *metrics.Realtime) Option {
	return func(s *Service) { s.metrics = m }
}

// Service handles notification operations.
type Service struct {
	hub     Hub
	queue   out.OfflineQueue
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Realtime
	log     zerolog.Logger

	pending sync.WaitGroup
}

// NewService creates a new notification service.
func NewService(hub Hub, queue out.OfflineQueue, cfg Config, opts ...Option) *Service {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	s := &Service{
		hub:   hub,
		queue: queue,
		cfg:   cfg,
		clock: clock.New(),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "notification").Logger()
	return s
}

// prepare validates n and returns a stamped copy addressed to target.
func (s *Service) prepare(n *domain.Notification, target domain.NotificationTarget) (*domain.Notification, error) {
	if n == nil {
		return nil, apperr.InvalidMessage("notification is required")
	}
	if err := target.Validate(); err != nil {
		return nil, apperr.InvalidMessage(err.Error())
	}

	stamped := *n
	stamped.Target = target
	if stamped.Priority == "" {
		stamped.Priority = domain.NotificationPriorityNormal
	}
	if err := stamped.Validate(); err != nil {
		return nil, apperr.InvalidMessage(err.Error())
	}

	now := s.clock.Now()
	if stamped.ID == "" {
		stamped.ID = uuid.NewString()
	}
	stamped.CreatedAt = now
	if stamped.ExpiresAt == nil && s.cfg.NotificationTTL > 0 {
		exp := now.Add(s.cfg.NotificationTTL)
		stamped.ExpiresAt = &exp
	}
	if stamped.IsExpired(now) {
		return nil, apperr.InvalidMessage("notification already expired")
	}
	return &stamped, nil
}

func (s *Service) frame(n *domain.Notification) ([]byte, error) {
	return s.hub.EncodeFrame(domain.EventNotification, n.Payload())
}

// NotifyUser pushes n to every live connection of userID, here and on other
// nodes, and also appends it to the user's offline queue.
//
// The queue write is unconditional. A connected user therefore gets a live
// push and a queued copy. Once a transport has written the push, the id is
// recorded in the user's delivered set and replay skips it. A push evicted
// from a full outbox or stranded by a disconnect is never recorded, so the
// queued copy survives.
func (s *Service) NotifyUser(ctx context.Context, userID string, n *domain.Notification) (string, error) {
	note, err := s.prepare(n, domain.UserTarget(userID))
	if err != nil {
		return "", err
	}

	ctx, span := tracer.Start(ctx, "notification.notify_user")
	defer span.End()
	span.SetAttributes(attribute.String("notification.id", note.ID), attribute.String("user.id", userID))

	frame, err := s.frame(note)
	if err != nil {
		return "", apperr.InvalidMessage("notification could not be encoded")
	}
	live := s.hub.DeliverToUserTracked(userID, frame, s.deliveredAck(userID, note.ID))
	if live > 0 {
		s.metrics.Notification(string(domain.TargetUser), "live")
	}

	if full, err := json.Marshal(note); err == nil {
		s.publish(ctx, out.UserTopic(userID), full, domain.TargetUser)
	}

	qctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if err := s.queue.Append(qctx, userID, note); err != nil {
		s.metrics.Notification(string(domain.TargetUser), "queue_failed")
		s.log.Error().Err(err).Str("user_id", userID).Str("notification_id", note.ID).Msg("offline queue append failed")
		return note.ID, nil
	}
	s.metrics.Notification(string(domain.TargetUser), "queued")

	s.log.Debug().Str("user_id", userID).Str("notification_id", note.ID).Int("live", live).Msg("notification dispatched")
	return note.ID, nil
}

// NotifyRole pushes n to every connection holding role. Role notifications
// are not queued.
func (s *Service) NotifyRole(ctx context.Context, role string, n *domain.Notification) (string, error) {
	note, err := s.prepare(n, domain.RoleTarget(role))
	if err != nil {
		return "", err
	}

	ctx, span := tracer.Start(ctx, "notification.notify_role")
	defer span.End()
	span.SetAttributes(attribute.String("notification.id", note.ID), attribute.String("role", role))

	frame, err := s.frame(note)
	if err != nil {
		return "", apperr.InvalidMessage("notification could not be encoded")
	}
	live := s.hub.DeliverToRole(role, frame)
	if payload, err := json.Marshal(note.Payload()); err == nil {
		s.publish(ctx, out.RoleTopic(role), payload, domain.TargetRole)
	}

	s.log.Debug().Str("role", role).Str("notification_id", note.ID).Int("live", live).Msg("role notification dispatched")
	return note.ID, nil
}

// Broadcast pushes n to every connection in the cluster.
func (s *Service) Broadcast(ctx context.Context, n *domain.Notification) (string, error) {
	note, err := s.prepare(n, domain.BroadcastTarget())
	if err != nil {
		return "", err
	}

	ctx, span := tracer.Start(ctx, "notification.broadcast")
	defer span.End()
	span.SetAttributes(attribute.String("notification.id", note.ID))

	frame, err := s.frame(note)
	if err != nil {
		return "", apperr.InvalidMessage("notification could not be encoded")
	}
	live := s.hub.DeliverToAll(frame)
	if payload, err := json.Marshal(note.Payload()); err == nil {
		s.publish(ctx, out.TopicBroadcast, payload, domain.TargetBroadcast)
	}

	s.log.Debug().Str("notification_id", note.ID).Int("live", live).Msg("broadcast dispatched")
	return note.ID, nil
}

func (s *Service) publish(ctx context.Context, topic string, payload []byte, kind domain.TargetKind) {
	if err := s.hub.Publish(ctx, topic, domain.EventNotification, payload); err != nil {
		s.metrics.Notification(string(kind), "publish_failed")
		return
	}
	s.metrics.Notification(string(kind), "published")
}

// deliveredAck records id in the user's delivered set the first time any of
// the user's connections writes the frame.
func (s *Service) deliveredAck(userID, id string) realtime.Ack {
	var once sync.Once
	return realtime.Ack{Written: func() {
		once.Do(func() {
			s.background(func(ctx context.Context) {
				if err := s.queue.MarkDelivered(ctx, userID, id); err != nil {
					s.log.Warn().Err(err).Str("user_id", userID).Str("notification_id", id).Msg("delivered set update failed")
				}
			})
		})
	}}
}

// requeueAck puts a replayed notification back on the queue when its frame
// never reaches the client.
func (s *Service) requeueAck(userID string, n *domain.Notification) realtime.Ack {
	return realtime.Ack{Unsent: func() {
		s.background(func(ctx context.Context) {
			if err := s.queue.Append(ctx, userID, n); err != nil {
				s.log.Error().Err(err).Str("user_id", userID).Str("notification_id", n.ID).Msg("requeue of unsent notification failed")
				return
			}
			s.metrics.Notification(string(domain.TargetUser), "requeued")
		})
	}}
}

// background runs fn off the caller's goroutine. Acks fire under hub locks
// and from transport write loops, so store I/O never runs inline.
func (s *Service) background(fn func(ctx context.Context)) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until the store writes started by frame acknowledgements have
// finished.
func (s *Service) Wait() { s.pending.Wait() }

// DeliverRemote handles a user notification published by another node.
func (s *Service) DeliverRemote(ctx context.Context, env *out.Envelope) {
	userID := strings.TrimPrefix(env.Topic, out.TopicUserPrefix)

	var note domain.Notification
	if err := json.Unmarshal(env.Payload, &note); err != nil {
		s.log.Warn().Err(err).Str("origin", env.Origin).Msg("dropping malformed relayed notification")
		return
	}
	if note.IsExpired(s.clock.Now()) {
		return
	}

	frame, err := s.frame(&note)
	if err != nil {
		return
	}
	if live := s.hub.DeliverToUserTracked(userID, frame, s.deliveredAck(userID, note.ID)); live > 0 {
		s.metrics.Notification(string(domain.TargetUser), "live")
	}
}

// Replay drains the user's offline queue into c. Expired entries and entries
// already written live are dropped silently. Replayed frames that c never
// writes go back on the queue.
func (s *Service) Replay(ctx context.Context, c *realtime.Connection) {
	userID := c.UserID()
	if userID == "" {
		return
	}

	ctx, span := tracer.Start(ctx, "notification.replay")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	items, delivered, err := s.queue.Drain(ctx, userID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("offline queue drain failed")
		return
	}

	now := s.clock.Now()
	sent, expired, seen := 0, 0, 0
	for _, n := range items {
		if n.IsExpired(now) {
			expired++
			continue
		}
		if _, ok := delivered[n.ID]; ok {
			seen++
			continue
		}
		frame, err := s.frame(n)
		if err != nil {
			s.log.Warn().Err(err).Str("notification_id", n.ID).Msg("skipping unencodable queued notification")
			continue
		}
		if c.SendTracked(frame, s.requeueAck(userID, n)) {
			sent++
		}
	}

	s.metrics.NotificationCount(string(domain.TargetUser), "replayed", sent)
	if len(items) > 0 {
		s.log.Info().
			Str("user_id", userID).
			Str("connection_id", c.ID).
			Int("replayed", sent).
			Int("expired", expired).
			Int("already_delivered", seen).
			Msg("offline queue replayed")
	}
}

var _ realtime.NotificationSink = (*Service)(nil)
