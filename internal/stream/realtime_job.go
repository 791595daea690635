package stream

import (
	"time"

	"realtime_server/core/domain"
)

// Job is one notification handed in through the stream.
type Job struct {
	ID           string                     `json:"id"`
	Target       domain.NotificationTarget  `json:"target"`
	Notification domain.NotificationRequest `json:"notification"`
	CreatedAt    time.Time                  `json:"created_at"`
}
