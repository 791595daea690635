package domain

import (
	"fmt"
	"time"
)

// =============================================================================
// Notification - targeted delivery unit handed in by business services
// =============================================================================

type Notification struct {
	ID        string               `json:"id"`
	Type      NotificationType     `json:"type"`
	Title     string               `json:"title"`
	Body      string               `json:"body,omitempty"`
	Data      map[string]any       `json:"data,omitempty"`
	Priority  NotificationPriority `json:"priority"`
	Target    NotificationTarget   `json:"target"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt *time.Time           `json:"expires_at,omitempty"`
	Actions   []NotificationAction `json:"actions,omitempty"`
}

type NotificationType string

const (
	NotificationTypeOrderUpdate NotificationType = "order_update"
	NotificationTypePayment     NotificationType = "payment"
	NotificationTypeShipping    NotificationType = "shipping"
	NotificationTypePromotion   NotificationType = "promotion"
	NotificationTypeSystem      NotificationType = "system"
	NotificationTypeChat        NotificationType = "chat"
	NotificationTypeAlert       NotificationType = "alert"
)

var knownNotificationTypes = map[NotificationType]struct{}{
	NotificationTypeOrderUpdate: {},
	NotificationTypePayment:     {},
	NotificationTypeShipping:    {},
	NotificationTypePromotion:   {},
	NotificationTypeSystem:      {},
	NotificationTypeChat:        {},
	NotificationTypeAlert:       {},
}

// Valid reports whether t is one of the enumerated notification kinds.
func (t NotificationType) Valid() bool {
	_, ok := knownNotificationTypes[t]
	return ok
}

type NotificationPriority string

const (
	NotificationPriorityLow    NotificationPriority = "low"
	NotificationPriorityNormal NotificationPriority = "normal"
	NotificationPriorityHigh   NotificationPriority = "high"
	NotificationPriorityUrgent NotificationPriority = "urgent"
)

// Valid reports whether p is a known priority. The empty priority is not valid;
// callers normalise it to normal first.
func (p NotificationPriority) Valid() bool {
	switch p {
	case NotificationPriorityLow, NotificationPriorityNormal, NotificationPriorityHigh, NotificationPriorityUrgent:
		return true
	}
	return false
}

// NotificationAction is a client-side action button attached to a notification.
type NotificationAction struct {
	Label    string         `json:"label"`
	ActionID string         `json:"action_id"`
	Data     map[string]any `json:"data,omitempty"`
}

// TargetKind selects the audience of a notification. Exactly one applies.
type TargetKind string

const (
	TargetUser      TargetKind = "user"
	TargetRole      TargetKind = "role"
	TargetBroadcast TargetKind = "broadcast"
)

type NotificationTarget struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id,omitempty"` // user id or role; empty for broadcast
}

func UserTarget(userID string) NotificationTarget {
	return NotificationTarget{Kind: TargetUser, ID: userID}
}

func RoleTarget(role string) NotificationTarget {
	return NotificationTarget{Kind: TargetRole, ID: role}
}

func BroadcastTarget() NotificationTarget {
	return NotificationTarget{Kind: TargetBroadcast}
}

// Validate checks that exactly one audience is addressed.
func (t NotificationTarget) Validate() error {
	switch t.Kind {
	case TargetUser, TargetRole:
		if t.ID == "" {
			return fmt.Errorf("%s target requires an id", t.Kind)
		}
	case TargetBroadcast:
		if t.ID != "" {
			return fmt.Errorf("broadcast target must not carry an id")
		}
	default:
		return fmt.Errorf("unknown target kind %q", t.Kind)
	}
	return nil
}

// IsExpired reports whether the notification must no longer be delivered.
func (n *Notification) IsExpired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

// Validate checks the business-supplied fields. Identity, timestamps and
// target are stamped by the dispatcher.
func (n *Notification) Validate() error {
	if !n.Type.Valid() {
		return fmt.Errorf("unknown notification type %q", n.Type)
	}
	if n.Title == "" {
		return fmt.Errorf("notification title is required")
	}
	if n.Priority != "" && !n.Priority.Valid() {
		return fmt.Errorf("unknown notification priority %q", n.Priority)
	}
	for i, a := range n.Actions {
		if a.ActionID == "" || a.Label == "" {
			return fmt.Errorf("action %d requires label and action_id", i)
		}
	}
	return nil
}

// NotificationPayload is the client-facing shape of a notification event.
type NotificationPayload struct {
	ID       string               `json:"id"`
	Type     NotificationType     `json:"type"`
	Title    string               `json:"title"`
	Message  string               `json:"message"`
	Data     map[string]any       `json:"data,omitempty"`
	Priority NotificationPriority `json:"priority"`
	Actions  []NotificationAction `json:"actions,omitempty"`
}

// Payload converts the notification into its wire form.
func (n *Notification) Payload() NotificationPayload {
	return NotificationPayload{
		ID:       n.ID,
		Type:     n.Type,
		Title:    n.Title,
		Message:  n.Body,
		Data:     n.Data,
		Priority: n.Priority,
		Actions:  n.Actions,
	}
}

// NotificationRequest is the inbound shape accepted from business services
// over HTTP, the ingress stream and the CLI.
type NotificationRequest struct {
	Type       NotificationType     `json:"type"`
	Title      string               `json:"title"`
	Message    string               `json:"message,omitempty"`
	Body       string               `json:"body,omitempty"`
	Data       map[string]any       `json:"data,omitempty"`
	Priority   NotificationPriority `json:"priority,omitempty"`
	ExpiresAt  *time.Time           `json:"expires_at,omitempty"`
	TTLSeconds int                  `json:"ttl,omitempty"`
	Actions    []NotificationAction `json:"actions,omitempty"`
}

// Notification builds an unstamped notification. An explicit expiry wins
// over a relative ttl.
func (r NotificationRequest) Notification(now time.Time) *Notification {
	n := &Notification{
		Type:      r.Type,
		Title:     r.Title,
		Body:      r.Message,
		Data:      r.Data,
		Priority:  r.Priority,
		ExpiresAt: r.ExpiresAt,
		Actions:   r.Actions,
	}
	if n.Body == "" {
		n.Body = r.Body
	}
	if n.ExpiresAt == nil && r.TTLSeconds > 0 {
		exp := now.Add(time.Duration(r.TTLSeconds) * time.Second)
		n.ExpiresAt = &exp
	}
	return n
}
