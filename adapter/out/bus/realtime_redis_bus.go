package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"realtime_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds Redis bus configuration.
type RedisConfig struct {
	Client *redis.Client
	NodeID string
	Logger zerolog.Logger

	// HealthCheckInterval bounds how long the receive loop waits before
	// pinging the broker. Defaults to 5s.
	HealthCheckInterval time.Duration
	// RetryBackoff is the pause after a receive error. Defaults to 500ms.
	RetryBackoff time.Duration
}

// RedisBus relays envelopes through Redis Pub/Sub. One PubSub connection
// carries every topic; go-redis re-subscribes all of them after a reconnect.
// Nothing is buffered while the link is down.
type RedisBus struct {
	client   *redis.Client
	ps       *redis.PubSub
	node     string
	handlers *handlerSet
	status   *statusFeed
	seq      atomic.Uint64
	log      zerolog.Logger

	healthInterval time.Duration
	retryBackoff   time.Duration

	ctl *topicLocks

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeMu sync.RWMutex
	closed  bool
}

func NewRedisBus(cfg RedisConfig) *RedisBus {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 5 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client:         cfg.Client,
		ps:             cfg.Client.Subscribe(ctx),
		node:           cfg.NodeID,
		handlers:       newHandlerSet(),
		ctl:            newTopicLocks(),
		status:         newStatusFeed(false),
		log:            cfg.Logger.With().Str("component", "redis_bus").Str("node", cfg.NodeID).Logger(),
		healthInterval: cfg.HealthCheckInterval,
		retryBackoff:   cfg.RetryBackoff,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	go b.receiveLoop()
	return b
}

func (b *RedisBus) Publish(ctx context.Context, topic string, env *out.Envelope) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	env.Origin = b.node
	env.Topic = topic
	env.Seq = b.seq.Add(1)
	if env.SentAt == 0 {
		env.SentAt = time.Now().UnixMilli()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string, h out.BusHandler) (func(), error) {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	unlock := b.ctl.lock(topic)
	id, first := b.handlers.add(topic, h)
	if first {
		// go-redis keeps the channel in its set even when the SUBSCRIBE write
		// fails and re-issues it on reconnect, so the handler stays.
		if err := b.ps.Subscribe(ctx, topic); err != nil {
			b.markDown(err)
			b.log.Warn().Err(err).Str("topic", topic).Msg("subscribe deferred until reconnect")
		}
	}
	unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.release(topic, id) })
	}, nil
}

func (b *RedisBus) release(topic string, id uint64) {
	unlock := b.ctl.lock(topic)
	defer unlock()

	if !b.handlers.remove(topic, id) {
		return
	}
	b.closeMu.RLock()
	closed := b.closed
	b.closeMu.RUnlock()
	if closed {
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	if err := b.ps.Unsubscribe(ctx, topic); err != nil && !errors.Is(err, context.Canceled) {
		b.log.Warn().Err(err).Str("topic", topic).Msg("unsubscribe failed")
	}
}

func (b *RedisBus) Status() <-chan out.BusStatus { return b.status.ch }

func (b *RedisBus) Connected() bool { return b.status.connected.Load() }

func (b *RedisBus) receiveLoop() {
	defer close(b.done)

	// Establish the link eagerly so status reflects reality before the
	// first topic is subscribed.
	if err := b.ps.Ping(b.ctx); err != nil && b.ctx.Err() == nil {
		b.markDown(err)
	}

	for {
		msg, err := b.ps.ReceiveTimeout(b.ctx, b.healthInterval)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if err := b.ps.Ping(b.ctx); err != nil {
					b.markDown(err)
				}
				continue
			}
			b.markDown(err)
			select {
			case <-time.After(b.retryBackoff):
			case <-b.ctx.Done():
				return
			}
			continue
		}

		b.markUp()

		switch m := msg.(type) {
		case *redis.Message:
			b.handle(m)
		case *redis.Subscription:
			b.log.Debug().Str("kind", m.Kind).Str("topic", m.Channel).Int("count", m.Count).Msg("subscription changed")
		case *redis.Pong:
		}
	}
}

func (b *RedisBus) handle(m *redis.Message) {
	var env out.Envelope
	if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
		b.log.Warn().Err(err).Str("topic", m.Channel).Msg("dropping malformed envelope")
		return
	}
	if env.Origin == b.node {
		return
	}
	env.Topic = m.Channel
	b.handlers.dispatch(b.ctx, b.log, &env)
}

func (b *RedisBus) markDown(err error) {
	if b.status.set(false, err) {
		b.log.Warn().Err(err).Msg("bus disconnected")
	}
}

func (b *RedisBus) markUp() {
	if b.status.set(true, nil) {
		b.log.Info().Strs("topics", b.handlers.names()).Msg("bus connected")
	}
}

// Close waits for in-flight publishes, then stops the receive loop.
func (b *RedisBus) Close() error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	b.closeMu.Unlock()

	b.cancel()
	err := b.ps.Close()
	<-b.done
	return err
}

var _ out.FanoutBus = (*RedisBus)(nil)
