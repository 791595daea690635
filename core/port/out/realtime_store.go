package out

import (
	"context"
	"time"

	"realtime_server/core/domain"
)

// OfflineQueue holds notifications for users until their next connection.
type OfflineQueue interface {
	// Append adds n newest-last and evicts the oldest entries beyond the cap.
	Append(ctx context.Context, userID string, n *domain.Notification) error

	// MarkDelivered records ids already written live to the user. The set
	// keeps at most the queue cap of the most recent ids; an id trimmed from
	// it can only be replayed twice, never lost.
	MarkDelivered(ctx context.Context, userID string, ids ...string) error

	// Drain atomically takes every queued entry and the delivered set, leaving
	// both empty. Concurrent drains never return the same entry twice.
	Drain(ctx context.Context, userID string) ([]*domain.Notification, map[string]struct{}, error)

	Len(ctx context.Context, userID string) (int, error)
}

// GrantStore resolves roles and permissions granted to a user.
type GrantStore interface {
	Grants(ctx context.Context, userID string) (roles []string, permissions []string, err error)
}

// TokenRevocation answers whether a token id was revoked.
type TokenRevocation interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
}

// ConnectionMirror is the diagnostic, non-authoritative copy of live
// connections shared across instances.
type ConnectionMirror interface {
	Put(ctx context.Context, info *domain.ConnectionInfo) error
	Remove(ctx context.Context, connectionID string) error
	Count(ctx context.Context) (int64, error)
}
