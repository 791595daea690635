// Package analytics aggregates the realtime core's live state into the
// read-only views served to business services.
package analytics

import (
	"context"
	"time"

	"realtime_server/core/domain"
	"realtime_server/core/port/in"
	"realtime_server/core/port/out"
	"realtime_server/pkg/metrics"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	defaultTopChannels = 10
	clusterCountKey    = "cluster"
)

// Source is the part of the hub the analytics view reads from.
type Source interface {
	NodeID() string
	ConnectionCount() int
	ChannelStats(channel string) (domain.ChannelStats, bool)
	AllChannelStats() []domain.ChannelStats
	Presence(channel string) ([]domain.PresenceEntry, bool)
	MessagesPerMinute() float64
	RelayLatency() metrics.LatencyStats
	BusConnected() bool
}

type Config struct {
	TopChannels int
	// MirrorCacheTTL bounds how often the shared connection mirror is counted.
	MirrorCacheTTL time.Duration
	MirrorTimeout  time.Duration
}

type Service struct {
	src     Source
	mirror  out.ConnectionMirror
	cfg     Config
	cluster *expirable.LRU[string, int64]
	log     zerolog.Logger
}

// NewService builds the analytics view. mirror may be nil on single-node
// deployments.
func NewService(src Source, mirror out.ConnectionMirror, cfg Config, log zerolog.Logger) *Service {
	if cfg.TopChannels <= 0 {
		cfg.TopChannels = defaultTopChannels
	}
	if cfg.MirrorCacheTTL <= 0 {
		cfg.MirrorCacheTTL = 5 * time.Second
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = time.Second
	}
	return &Service{
		src:     src,
		mirror:  mirror,
		cfg:     cfg,
		cluster: expirable.NewLRU[string, int64](1, nil, cfg.MirrorCacheTTL),
		log:     log.With().Str("component", "analytics").Logger(),
	}
}

func (s *Service) ChannelStats(channel string) (domain.ChannelStats, bool) {
	return s.src.ChannelStats(channel)
}

func (s *Service) Presence(channel string) ([]domain.PresenceEntry, bool) {
	return s.src.Presence(channel)
}

// Analytics returns the node-wide aggregate. A channel is active while it has
// at least one local subscriber.
func (s *Service) Analytics(ctx context.Context) domain.Analytics {
	all := s.src.AllChannelStats()

	active := 0
	top := make([]domain.ChannelStats, 0, s.cfg.TopChannels)
	for _, st := range all {
		if st.SubscriberCount == 0 && st.MessageCount == 0 {
			continue
		}
		if st.SubscriberCount > 0 {
			active++
		}
		if len(top) < s.cfg.TopChannels {
			top = append(top, st)
		}
	}

	a := domain.Analytics{
		ConnectedClients:  s.src.ConnectionCount(),
		ActiveChannels:    active,
		MessagesPerMinute: s.src.MessagesPerMinute(),
		TopChannels:       top,
		Node:              s.src.NodeID(),
		BusConnected:      s.src.BusConnected(),
	}
	if lat := s.src.RelayLatency(); lat.Count > 0 {
		a.RelayLatency = lat.ToMap()
	}
	a.ClusterConnections = s.clusterConnections(ctx)
	return a
}

// clusterConnections counts the shared mirror. Failures report zero; the
// mirror is diagnostic only.
func (s *Service) clusterConnections(ctx context.Context) int64 {
	if s.mirror == nil {
		return 0
	}
	if n, ok := s.cluster.Get(clusterCountKey); ok {
		return n
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.MirrorTimeout)
	defer cancel()
	n, err := s.mirror.Count(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("connection mirror count failed")
		return 0
	}
	s.cluster.Add(clusterCountKey, n)
	return n
}

var _ in.StatsReader = (*Service)(nil)
