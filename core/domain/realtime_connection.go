package domain

import "time"

type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
)

// ConnectionInfo is a point-in-time snapshot of a live connection. It is what
// gets mirrored to the external store for cross-instance observability.
type ConnectionInfo struct {
	ConnectionID  string    `json:"connectionId"`
	SessionID     string    `json:"sessionId"`
	UserID        string    `json:"userId,omitempty"`
	Roles         []string  `json:"roles,omitempty"`
	Transport     Transport `json:"transport"`
	Node          string    `json:"node"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	Subscriptions []string  `json:"subscriptions"`
}
