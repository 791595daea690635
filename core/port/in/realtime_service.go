package in

import (
	"context"

	"realtime_server/core/domain"
)

// IdentityResolver turns a bearer credential into a principal.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) (domain.Principal, error)
}

// TokenRevoker invalidates an issued token before it expires. It returns the
// user and session the token belonged to.
type TokenRevoker interface {
	Revoke(ctx context.Context, token string) (domain.Principal, error)
}

// Notifier is the delivery API offered to business services. Delivery is best
// effort: store and broker failures are logged, not returned. Errors are
// returned only for invalid input.
type Notifier interface {
	NotifyUser(ctx context.Context, userID string, n *domain.Notification) (string, error)
	NotifyRole(ctx context.Context, role string, n *domain.Notification) (string, error)
	Broadcast(ctx context.Context, n *domain.Notification) (string, error)
}

// StatsReader is the read-only view over channels and connections.
type StatsReader interface {
	ChannelStats(channel string) (domain.ChannelStats, bool)
	Presence(channel string) ([]domain.PresenceEntry, bool)
	Analytics(ctx context.Context) domain.Analytics
}
