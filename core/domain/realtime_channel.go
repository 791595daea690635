package domain

import (
	"fmt"
	"strings"
)

type ChannelKind string

const (
	ChannelPublic   ChannelKind = "public"
	ChannelPrivate  ChannelKind = "private"
	ChannelPresence ChannelKind = "presence"
)

func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelPublic, ChannelPrivate, ChannelPresence:
		return true
	}
	return false
}

// ChannelConfig is the static policy of a channel.
type ChannelConfig struct {
	Name                string        `json:"name"`
	Kind                ChannelKind   `json:"kind"`
	RequiredPermissions PermissionSet `json:"-"`
	HistoryLimit        int           `json:"history_limit"`
}

// Gated reports whether subscribers need more than being connected.
func (c ChannelConfig) Gated() bool {
	return c.Kind != ChannelPublic || len(c.RequiredPermissions) > 0
}

// ParseChannelConfig parses "name:kind[:perm1|perm2]". The kind defaults to
// public when omitted.
func ParseChannelConfig(def string) (ChannelConfig, error) {
	parts := strings.SplitN(strings.TrimSpace(def), ":", 3)
	if parts[0] == "" {
		return ChannelConfig{}, fmt.Errorf("channel definition %q: empty name", def)
	}

	cfg := ChannelConfig{
		Name:                parts[0],
		Kind:                ChannelPublic,
		RequiredPermissions: NewPermissionSet(),
	}
	if len(parts) > 1 && parts[1] != "" {
		cfg.Kind = ChannelKind(parts[1])
		if !cfg.Kind.Valid() {
			return ChannelConfig{}, fmt.Errorf("channel definition %q: unknown kind %q", def, parts[1])
		}
	}
	if len(parts) > 2 {
		cfg.RequiredPermissions.Add(strings.Split(parts[2], "|")...)
	}
	return cfg, nil
}

// ChannelStats is the read-only counter view of a channel.
type ChannelStats struct {
	Channel         string      `json:"channel"`
	Kind            ChannelKind `json:"kind"`
	SubscriberCount int         `json:"subscriberCount"`
	MessageCount    int64       `json:"messageCount"`
	LastActivity    *int64      `json:"lastActivity,omitempty"` // unix ms
}

// PresenceEntry is one identified user in a channel's presence listing.
type PresenceEntry struct {
	UserID       string `json:"userId"`
	ConnectedAt  int64  `json:"connectedAt"`
	LastActivity int64  `json:"lastActivity"`
}

// Analytics is the process-wide aggregate served to business services.
type Analytics struct {
	ConnectedClients   int            `json:"connectedClients"`
	ActiveChannels     int            `json:"activeChannels"`
	MessagesPerMinute  float64        `json:"messagesPerMinute"`
	TopChannels        []ChannelStats `json:"topChannels"`
	ClusterConnections int64          `json:"clusterConnections,omitempty"`
	Node               string         `json:"node"`
	BusConnected       bool           `json:"busConnected"`
	RelayLatency       map[string]any `json:"relayLatency,omitempty"`
}
