// Package stream carries notification jobs from business services over a
// Redis stream consumed by a group shared across nodes.
package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	StreamNotifications = "realtime:notifications"
	DefaultGroup        = "realtime"
)

type RedisStream struct {
	client *redis.Client
	group  string
}

func NewRedisStream(client *redis.Client, group string) *RedisStream {
	if group == "" {
		group = DefaultGroup
	}
	return &RedisStream{
		client: client,
		group:  group,
	}
}

func (s *RedisStream) CreateGroup(ctx context.Context, stream string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, s.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (s *RedisStream) Publish(ctx context.Context, stream string, data any) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"data": jsonData},
	}).Result()
}

// Entry is one stream message handed to a consumer.
type Entry struct {
	ID   string
	Data []byte
}

// Read blocks up to block for new entries addressed to consumer. A timeout
// yields no entries and no error.
func (s *RedisStream) Read(ctx context.Context, stream, consumer string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, st := range streams {
		entries = append(entries, toEntries(st.Messages)...)
	}
	return entries, nil
}

// Stale lists pending entries idle for at least minIdle with their delivery
// counts.
func (s *RedisStream) Stale(ctx context.Context, stream string, minIdle time.Duration, count int64) ([]redis.XPendingExt, error) {
	return s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  s.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
}

// Claim moves stale entries to consumer and returns their payloads.
func (s *RedisStream) Claim(ctx context.Context, stream, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    s.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	return toEntries(msgs), nil
}

func (s *RedisStream) Ack(ctx context.Context, stream string, ids ...string) error {
	return s.client.XAck(ctx, stream, s.group, ids...).Err()
}

func (s *RedisStream) Pending(ctx context.Context, stream string) (int64, error) {
	info, err := s.client.XPending(ctx, stream, s.group).Result()
	if err != nil {
		return 0, err
	}
	return info.Count, nil
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		data, _ := msg.Values["data"].(string)
		entries = append(entries, Entry{ID: msg.ID, Data: []byte(data)})
	}
	return entries
}

var _ Source = (*RedisStream)(nil)
