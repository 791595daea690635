package persistence

import (
	"context"
	"time"

	"realtime_server/core/port/out"

	"github.com/redis/go-redis/v9"
)

const blacklistPrefix = "token:blacklist:"

// TokenBlacklist manages revoked tokens.
type TokenBlacklist struct {
	client *redis.Client
	prefix string
}

func NewTokenBlacklist(client *redis.Client) *TokenBlacklist {
	return &TokenBlacklist{client: client, prefix: blacklistPrefix}
}

// Revoke blacklists a token id until the token would have expired anyway.
func (b *TokenBlacklist) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	return b.client.Set(ctx, b.prefix+jti, "1", ttl).Err()
}

func (b *TokenBlacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := b.client.Exists(ctx, b.prefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ out.TokenRevocation = (*TokenBlacklist)(nil)
