package out

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// Bus topic families.
const (
	TopicBroadcast     = "realtime:broadcast"
	TopicUserPrefix    = "realtime:user:"
	TopicRolePrefix    = "realtime:role:"
	TopicChannelPrefix = "realtime:channel:"
)

// ErrBusClosed is returned by a FanoutBus after Close.
var ErrBusClosed = errors.New("bus: closed")

func UserTopic(userID string) string { return TopicUserPrefix + userID }
func RoleTopic(role string) string { return TopicRolePrefix + role }
func ChannelTopic(channel string) string { return TopicChannelPrefix + channel }

// Envelope is the unit relayed between instances. Event and Payload are the
// server frame to re-emit locally; Origin lets a receiver drop its own echoes.
type Envelope struct {
	Origin  string          `json:"origin"`
	Seq     uint64          `json:"seq"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Exclude string          `json:"exclude,omitempty"` // connection id to skip
	SentAt  int64           `json:"sentAt"`
}

// BusHandler receives envelopes for a subscribed topic. It must emit locally
// only and never publish back onto the bus.
type BusHandler func(ctx context.Context, env *Envelope)

// BusStatus is emitted on connectivity changes of the broker link.
type BusStatus struct {
	Connected bool
	Err       error
	At        time.Time
}

// FanoutBus relays events between server instances.
type FanoutBus interface {
	Publish(ctx context.Context, topic string, env *Envelope) error

	// Subscribe registers h for topic. The returned func releases it.
	// Subscriptions survive broker reconnects.
	Subscribe(ctx context.Context, topic string, h BusHandler) (func(), error)

	// Status delivers connect/disconnect transitions. Slow readers miss
	// intermediate transitions, never the latest one.
	Status() <-chan BusStatus

	Connected() bool

	// Close waits for in-flight publishes and releases the broker link.
	Close() error
}
