package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const keyPrefix = "notifications:"

func queueKey(userID string) string     { return keyPrefix + userID }
func deliveredKey(userID string) string { return keyPrefix + userID + ":written" }

// RedisQueue stores each user's queue as a list (newest last) plus a sorted
// set of ids already delivered live, scored by mark time and trimmed to the
// queue cap. Both keys share the queue TTL.
type RedisQueue struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	cap    int64
	ttl    time.Duration
	log    zerolog.Logger
}

type RedisQueueConfig struct {
	Client *redis.Client
	Cap    int
	TTL    time.Duration
	Logger zerolog.Logger
}

func NewRedisQueue(cfg RedisQueueConfig) *RedisQueue {
	log := cfg.Logger.With().Str("component", "offline_queue").Logger()

	settings := gobreaker.Settings{
		Name:        "offline-queue",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// A lost race on an empty queue is not a store failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}

	return &RedisQueue{
		client: cfg.Client,
		cb:     gobreaker.NewCircuitBreaker(settings),
		cap:    int64(cfg.Cap),
		ttl:    cfg.TTL,
		log:    log,
	}
}

func (q *RedisQueue) exec(fn func() error) error {
	_, err := q.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (q *RedisQueue) Append(ctx context.Context, userID string, n *domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return q.exec(func() error {
		key := queueKey(userID)
		pipe := q.client.TxPipeline()
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -q.cap, -1)
		if q.ttl > 0 {
			pipe.Expire(ctx, key, q.ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (q *RedisQueue) MarkDelivered(ctx context.Context, userID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	score := float64(time.Now().UnixMicro())
	members := make([]redis.Z, len(ids))
	for i, id := range ids {
		members[i] = redis.Z{Score: score, Member: id}
	}

	return q.exec(func() error {
		key := deliveredKey(userID)
		pipe := q.client.TxPipeline()
		pipe.ZAdd(ctx, key, members...)
		if q.cap > 0 {
			pipe.ZRemRangeByRank(ctx, key, 0, -(q.cap + 1))
		}
		if q.ttl > 0 {
			pipe.Expire(ctx, key, q.ttl)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Drain reads and deletes both keys in one MULTI block, so two racing drains
// for the same user cannot both see an entry.
func (q *RedisQueue) Drain(ctx context.Context, userID string) ([]*domain.Notification, map[string]struct{}, error) {
	var (
		items     []string
		delivered []string
	)

	err := q.exec(func() error {
		key, dkey := queueKey(userID), deliveredKey(userID)
		pipe := q.client.TxPipeline()
		lrange := pipe.LRange(ctx, key, 0, -1)
		zrange := pipe.ZRange(ctx, dkey, 0, -1)
		pipe.Del(ctx, key, dkey)
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		items = lrange.Val()
		delivered = zrange.Val()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	raw := make([][]byte, len(items))
	for i, s := range items {
		raw[i] = []byte(s)
	}
	list := decodeEntries(raw)
	if dropped := len(items) - len(list); dropped > 0 {
		q.log.Warn().Str("user_id", userID).Int("dropped", dropped).Msg("skipped malformed queue entries")
	}

	set := make(map[string]struct{}, len(delivered))
	for _, id := range delivered {
		set[id] = struct{}{}
	}
	return list, set, nil
}

func (q *RedisQueue) Len(ctx context.Context, userID string) (int, error) {
	var n int64
	err := q.exec(func() error {
		var err error
		n, err = q.client.LLen(ctx, queueKey(userID)).Result()
		return err
	})
	return int(n), err
}

// State exposes the breaker state for readiness reporting.
func (q *RedisQueue) State() string {
	return q.cb.State().String()
}

var _ out.OfflineQueue = (*RedisQueue)(nil)
