package stream

import (
	"context"
	"fmt"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/in"
	"realtime_server/pkg/apperr"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Source is the consumer-group surface the Consumer reads from.
type Source interface {
	CreateGroup(ctx context.Context, stream string) error
	Read(ctx context.Context, stream, consumer string, count int64, block time.Duration) ([]Entry, error)
	Stale(ctx context.Context, stream string, minIdle time.Duration, count int64) ([]redis.XPendingExt, error)
	Claim(ctx context.Context, stream, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error)
	Ack(ctx context.Context, stream string, ids ...string) error
}

type ConsumerConfig struct {
	Stream     string
	Name       string // consumer name within the group, usually the node id
	BatchSize  int64
	Block      time.Duration
	MaxRetries int64
	// ClaimIdle is how long an entry stays pending before another consumer
	// (or this one, after a failure) retries it.
	ClaimIdle time.Duration
}

// Consumer dispatches stream jobs to the notifier.
type Consumer struct {
	src      Source
	notifier in.Notifier
	cfg      ConsumerConfig
	log      zerolog.Logger
}

func NewConsumer(src Source, notifier in.Notifier, cfg ConsumerConfig, log zerolog.Logger) *Consumer {
	if cfg.Stream == "" {
		cfg.Stream = StreamNotifications
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	return &Consumer{
		src:      src,
		notifier: notifier,
		cfg:      cfg,
		log: log.With().
			Str("component", "ingress").
			Str("stream", cfg.Stream).
			Str("consumer", cfg.Name).
			Logger(),
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.src.CreateGroup(ctx, c.cfg.Stream); err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	c.log.Info().Msg("ingress consumer started")

	lastClaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("ingress consumer stopped")
			return nil
		default:
		}

		entries, err := c.src.Read(ctx, c.cfg.Stream, c.cfg.Name, c.cfg.BatchSize, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.log.Warn().Err(err).Msg("stream read failed")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		c.process(ctx, entries)

		if time.Since(lastClaim) >= c.cfg.ClaimIdle {
			c.Reclaim(ctx)
			lastClaim = time.Now()
		}
	}
}

// Reclaim retries entries left pending by failed or crashed consumers and
// drops those that exhausted their retries.
func (c *Consumer) Reclaim(ctx context.Context) {
	stale, err := c.src.Stale(ctx, c.cfg.Stream, c.cfg.ClaimIdle, c.cfg.BatchSize)
	if err != nil {
		c.log.Warn().Err(err).Msg("pending scan failed")
		return
	}

	var retry []string
	for _, p := range stale {
		if p.RetryCount > c.cfg.MaxRetries {
			c.log.Error().
				Str("entry_id", p.ID).
				Int64("deliveries", p.RetryCount).
				Msg("dropping notification job after repeated failures")
			c.ack(ctx, p.ID)
			continue
		}
		retry = append(retry, p.ID)
	}

	entries, err := c.src.Claim(ctx, c.cfg.Stream, c.cfg.Name, c.cfg.ClaimIdle, retry...)
	if err != nil {
		c.log.Warn().Err(err).Msg("claim failed")
		return
	}
	c.process(ctx, entries)
}

func (c *Consumer) process(ctx context.Context, entries []Entry) {
	for _, e := range entries {
		err := c.Handle(ctx, e.Data)
		switch {
		case err == nil:
			c.ack(ctx, e.ID)
		case permanent(err):
			c.log.Warn().Err(err).Str("entry_id", e.ID).Msg("rejecting invalid notification job")
			c.ack(ctx, e.ID)
		default:
			// left pending for Reclaim
			c.log.Warn().Err(err).Str("entry_id", e.ID).Msg("notification job failed")
		}
	}
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.src.Ack(ctx, c.cfg.Stream, id); err != nil {
		c.log.Warn().Err(err).Str("entry_id", id).Msg("ack failed")
	}
}

// Handle dispatches one encoded job.
func (c *Consumer) Handle(ctx context.Context, data []byte) error {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return apperr.InvalidMessage("malformed job").WithError(err)
	}

	n := job.Notification.Notification(time.Now())
	n.ID = job.ID

	var err error
	switch job.Target.Kind {
	case domain.TargetUser:
		_, err = c.notifier.NotifyUser(ctx, job.Target.ID, n)
	case domain.TargetRole:
		_, err = c.notifier.NotifyRole(ctx, job.Target.ID, n)
	case domain.TargetBroadcast:
		_, err = c.notifier.Broadcast(ctx, n)
	default:
		err = apperr.InvalidMessage(fmt.Sprintf("unknown target kind %q", job.Target.Kind))
	}
	if err == nil {
		c.log.Debug().Str("notification_id", job.ID).Str("target", string(job.Target.Kind)).Msg("notification job dispatched")
	}
	return err
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	status := apperr.AsAppError(err).Status
	return status >= 400 && status < 500
}
