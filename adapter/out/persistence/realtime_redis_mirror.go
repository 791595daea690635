package persistence

import (
	"context"
	"fmt"

	"realtime_server/core/domain"
	"realtime_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const connectionsKey = "websocket:connections"

// ConnectionMirror keeps a diagnostic copy of live connections in a Redis
// hash keyed by connection id. The owning node's registry stays
// authoritative.
type ConnectionMirror struct {
	client *redis.Client
	key    string
}

func NewConnectionMirror(client *redis.Client) *ConnectionMirror {
	return &ConnectionMirror{client: client, key: connectionsKey}
}

func (m *ConnectionMirror) Put(ctx context.Context, info *domain.ConnectionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return m.client.HSet(ctx, m.key, info.ConnectionID, data).Err()
}

func (m *ConnectionMirror) Remove(ctx context.Context, connectionID string) error {
	return m.client.HDel(ctx, m.key, connectionID).Err()
}

func (m *ConnectionMirror) Count(ctx context.Context) (int64, error) {
	return m.client.HLen(ctx, m.key).Result()
}

// Get returns the mirrored snapshot of one connection.
func (m *ConnectionMirror) Get(ctx context.Context, connectionID string) (*domain.ConnectionInfo, error) {
	data, err := m.client.HGet(ctx, m.key, connectionID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var info domain.ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// PurgeNode removes every entry written by node. Nodes call it on start and
// on shutdown so a crashed predecessor does not leave ghosts behind.
func (m *ConnectionMirror) PurgeNode(ctx context.Context, node string) (int, error) {
	var (
		cursor uint64
		stale  []string
	)
	for {
		kvs, next, err := m.client.HScan(ctx, m.key, cursor, "*", 500).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan connection mirror: %w", err)
		}
		for i := 0; i+1 < len(kvs); i += 2 {
			var info domain.ConnectionInfo
			if err := json.Unmarshal([]byte(kvs[i+1]), &info); err != nil || info.Node == node {
				stale = append(stale, kvs[i])
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if len(stale) == 0 {
		return 0, nil
	}
	if err := m.client.HDel(ctx, m.key, stale...).Err(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

var _ out.ConnectionMirror = (*ConnectionMirror)(nil)
