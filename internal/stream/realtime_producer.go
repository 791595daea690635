package stream

import (
	"context"
	"time"

	"realtime_server/core/domain"

	"github.com/google/uuid"
)

type Producer struct {
	stream *RedisStream
	name   string
}

func NewProducer(stream *RedisStream, name string) *Producer {
	if name == "" {
		name = StreamNotifications
	}
	return &Producer{stream: stream, name: name}
}

// Enqueue adds a job for target and returns the notification id the
// dispatcher will use.
func (p *Producer) Enqueue(ctx context.Context, target domain.NotificationTarget, req domain.NotificationRequest) (string, error) {
	if err := target.Validate(); err != nil {
		return "", err
	}
	job := &Job{
		ID:           uuid.New().String(),
		Target:       target,
		Notification: req,
		CreatedAt:    time.Now(),
	}
	if _, err := p.stream.Publish(ctx, p.name, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (p *Producer) NotifyUser(ctx context.Context, userID string, req domain.NotificationRequest) (string, error) {
	return p.Enqueue(ctx, domain.UserTarget(userID), req)
}

func (p *Producer) NotifyRole(ctx context.Context, role string, req domain.NotificationRequest) (string, error) {
	return p.Enqueue(ctx, domain.RoleTarget(role), req)
}

func (p *Producer) Broadcast(ctx context.Context, req domain.NotificationRequest) (string, error) {
	return p.Enqueue(ctx, domain.BroadcastTarget(), req)
}
