package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// Message is a channel publication. Immutable once stamped by the router.
type Message struct {
	ID        int64                `json:"id,string"`
	Channel   string               `json:"channel"`
	Sender    *MessageSender       `json:"sender,omitempty"`
	Data      json.RawMessage      `json:"data"`
	Priority  NotificationPriority `json:"priority,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
}

type MessageSender struct {
	UserID       string `json:"userId,omitempty"`
	ConnectionID string `json:"connectionId"`
}
