package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Realtime holds the Prometheus collectors of the realtime core. A nil
// *Realtime is valid and records nothing.
type Realtime struct {
	Connections        *prometheus.GaugeVec
	ChannelSubscribers *prometheus.GaugeVec
	MessagesPublished  prometheus.Counter
	MessagesRelayed    prometheus.Counter
	MessagesDropped    prometheus.Counter
	Notifications      *prometheus.CounterVec
	BusConnected       prometheus.Gauge
	CommandErrors      *prometheus.CounterVec
}

// NewRealtime registers the collectors on reg.
func NewRealtime(reg prometheus.Registerer) *Realtime {
	f := promauto.With(reg)
	return &Realtime{
		Connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Live client connections on this node",
		}, []string{"transport"}),
		ChannelSubscribers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realtime_channel_subscribers",
			Help: "Local subscribers per channel",
		}, []string{"channel"}),
		MessagesPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_messages_published_total",
			Help: "Channel messages accepted from local publishers",
		}),
		MessagesRelayed: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_messages_relayed_total",
			Help: "Channel messages received from other nodes",
		}),
		MessagesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_messages_dropped_total",
			Help: "Frames dropped because a connection outbox was full",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_notifications_total",
			Help: "Notifications processed by target and outcome",
		}, []string{"target", "outcome"}),
		BusConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_bus_connected",
			Help: "1 when the fan-out bus link is up",
		}),
		CommandErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_command_errors_total",
			Help: "Client commands rejected, by error code",
		}, []string{"code"}),
	}
}

func (m *Realtime) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(transport).Inc()
}

func (m *Realtime) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(transport).Dec()
}

func (m *Realtime) SetSubscribers(channel string, n int) {
	if m == nil {
		return
	}
	m.ChannelSubscribers.WithLabelValues(channel).Set(float64(n))
}

func (m *Realtime) Published() {
	if m == nil {
		return
	}
	m.MessagesPublished.Inc()
}

func (m *Realtime) Relayed() {
	if m == nil {
		return
	}
	m.MessagesRelayed.Inc()
}

func (m *Realtime) Dropped() {
	if m == nil {
		return
	}
	m.MessagesDropped.Inc()
}

func (m *Realtime) Notification(target, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(target, outcome).Inc()
}

func (m *Realtime) NotificationCount(target, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Notifications.WithLabelValues(target, outcome).Add(float64(n))
}

func (m *Realtime) SetBusConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.BusConnected.Set(1)
	} else {
		m.BusConnected.Set(0)
	}
}

func (m *Realtime) CommandError(code string) {
	if m == nil {
		return
	}
	m.CommandErrors.WithLabelValues(code).Inc()
}
