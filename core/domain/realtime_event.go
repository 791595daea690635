package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// =============================================================================
// Client <-> server frames
// =============================================================================

// Client commands.
const (
	EventSubscribe   = "subscribe"
	EventUnsubscribe = "unsubscribe"
	EventSendMessage = "send_message"
	EventGetPresence = "get_presence"
	EventTyping      = "typing"
	EventPing        = "ping"
)

// Server events.
const (
	EventConnected      = "connected"
	EventSubscribed     = "subscribed"
	EventUnsubscribed   = "unsubscribed"
	EventChannelHistory = "channel_history"
	EventMessage        = "message"
	EventPresence       = "presence"
	EventUserTyping     = "user_typing"
	EventPong           = "pong"
	EventNotification   = "notification"
	EventMemberJoined   = "member_joined"
	EventMemberLeft     = "member_left"
	EventShutdown       = "shutdown"
	EventError          = "error"
)

// ClientFrame is one inbound command.
type ClientFrame struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// ServerFrame is one outbound event.
type ServerFrame struct {
	Event     string `json:"event"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func NewServerFrame(event string, data any) ServerFrame {
	return ServerFrame{Event: event, Data: data, Timestamp: time.Now().UnixMilli()}
}

// EncodeFrame renders a frame once so it can be shared by every recipient.
func EncodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(NewServerFrame(event, data))
}

// =============================================================================
// Command payloads
// =============================================================================

type SubscribeRequest struct {
	Channel     string   `json:"channel"`
	Permissions []string `json:"permissions,omitempty"`
}

type ChannelRequest struct {
	Channel string `json:"channel"`
}

type SendMessageRequest struct {
	Channel  string               `json:"channel"`
	Data     json.RawMessage      `json:"data"`
	Priority NotificationPriority `json:"priority,omitempty"`
}

type TypingRequest struct {
	Channel string `json:"channel"`
	Typing  bool   `json:"typing"`
}

// =============================================================================
// Event payloads
// =============================================================================

type ServerInfo struct {
	Node              string `json:"node"`
	Version           string `json:"version"`
	HeartbeatInterval int64  `json:"heartbeatInterval"` // ms
}

type ConnectedEvent struct {
	ConnectionID string     `json:"connectionId"`
	SessionID    string     `json:"sessionId"`
	UserID       string     `json:"userId,omitempty"`
	ServerInfo   ServerInfo `json:"serverInfo"`
}

type ChannelEvent struct {
	Channel string `json:"channel"`
}

type ChannelHistoryEvent struct {
	Channel  string     `json:"channel"`
	Messages []*Message `json:"messages"`
}

type PresenceEvent struct {
	Channel   string          `json:"channel"`
	Users     []PresenceEntry `json:"users"`
	Timestamp int64           `json:"timestamp"`
}

type TypingEvent struct {
	UserID  string `json:"userId"`
	Channel string `json:"channel"`
	Typing  bool   `json:"typing"`
}

type MemberEvent struct {
	Channel string `json:"channel"`
	UserID  string `json:"userId"`
}

type PongEvent struct {
	Timestamp int64 `json:"timestamp"`
}

type ShutdownEvent struct {
	Reason string `json:"reason"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"`
}
