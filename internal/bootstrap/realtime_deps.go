package bootstrap

import (
	"context"
	"fmt"

	"realtime_server/adapter/out/bus"
	"realtime_server/adapter/out/offline"
	"realtime_server/adapter/out/persistence"
	"realtime_server/config"
	"realtime_server/core/domain"
	"realtime_server/core/port/out"
	"realtime_server/core/service/analytics"
	"realtime_server/core/service/auth"
	"realtime_server/core/service/notification"
	"realtime_server/core/service/realtime"
	"realtime_server/infra/database"
	"realtime_server/internal/stream"
	"realtime_server/pkg/logger"
	"realtime_server/pkg/metrics"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// Version is reported in the connected frame. Overridden at build time.
var Version = "dev"

type Dependencies struct {
	Config *config.Config
	DB     *pgxpool.Pool
	SQLDB  *sqlx.DB
	Redis  *redis.Client

	Registry *prometheus.Registry
	Metrics  *metrics.Realtime

	// Adapters
	Bus          out.FanoutBus
	Queue        out.OfflineQueue
	QueueBreaker *offline.RedisQueue
	Mirror       *persistence.ConnectionMirror
	Grants       *persistence.GrantAdapter
	Blacklist    *persistence.TokenBlacklist

	// Services
	Resolver *auth.Resolver
	Hub      *realtime.Hub
	Notifier *notification.Service
	Stats    *analytics.Service

	// Ingress
	Stream   *stream.RedisStream
	Producer *stream.Producer
}

// NewDependencies connects the stores and builds the realtime core. Without
// Redis the node runs single-instance: in-memory bus and offline queue.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Metrics = metrics.NewRealtime(deps.Registry)

	// Database (pgxpool + sqlx over the same pool)
	if cfg.DatabaseURL != "" {
		db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.DefaultPostgresConfig())
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		deps.DB = db
		deps.SQLDB = database.NewSQLX(db)
		cleanups = append(cleanups, func() {
			deps.SQLDB.Close()
			db.Close()
		})

		deps.Grants = persistence.NewGrantAdapter(deps.SQLDB)
		if err := deps.Grants.Migrate(ctx); err != nil {
			logger.WithError(err).Warn("Grant schema migration failed")
		}
		logger.Info("Postgres connected (grant store enabled)")
	} else {
		logger.Info("DATABASE_URL not set, roles and permissions come from tokens only")
	}

	// Redis
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(ctx, cfg.RedisURL, database.DefaultRedisConfig())
		if err != nil {
			logger.Warn("Redis connection failed: %v", err)
		} else {
			deps.Redis = redisClient
			cleanups = append(cleanups, func() { redisClient.Close() })
		}
	}

	if deps.Redis != nil {
		deps.Bus = bus.NewRedisBus(bus.RedisConfig{
			Client: deps.Redis,
			NodeID: cfg.NodeID,
			Logger: logger.Component("bus"),
		})
		deps.QueueBreaker = offline.NewRedisQueue(offline.RedisQueueConfig{
			Client: deps.Redis,
			Cap:    cfg.OfflineQueueCap,
			TTL:    cfg.OfflineQueueTTL,
			Logger: logger.Component("offline_queue"),
		})
		deps.Queue = deps.QueueBreaker
		deps.Mirror = persistence.NewConnectionMirror(deps.Redis)
		deps.Blacklist = persistence.NewTokenBlacklist(deps.Redis)
		deps.Stream = stream.NewRedisStream(deps.Redis, cfg.IngressGroup)
		deps.Producer = stream.NewProducer(deps.Stream, cfg.IngressStream)
		logger.Info("Redis connected (bus, offline queue, mirror, ingress)")
	} else {
		deps.Bus = bus.NewMemoryBus(cfg.NodeID, logger.Component("bus"))
		deps.Queue = offline.NewMemoryQueue(cfg.OfflineQueueCap, cfg.OfflineQueueTTL)
		logger.Warn("Redis not available, running single-node with in-memory bus and offline queue")
	}
	cleanups = append(cleanups, func() {
		if err := deps.Bus.Close(); err != nil {
			logger.WithError(err).Warn("Bus close failed")
		}
	})

	// Identity
	var resolverOpts []auth.Option
	if deps.Grants != nil {
		resolverOpts = append(resolverOpts, auth.WithGrants(deps.Grants))
	}
	if deps.Blacklist != nil {
		resolverOpts = append(resolverOpts, auth.WithRevocation(deps.Blacklist))
	}
	deps.Resolver = auth.NewResolver(auth.Config{
		Secret:        cfg.JWTSecret,
		Strict:        cfg.AuthStrict,
		CacheTTL:      cfg.PrincipalTTL,
		LookupTimeout: cfg.StoreTimeout,
	}, logger.Component("auth"), resolverOpts...)

	// Hub
	hubCfg, err := hubConfig(cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	hubOpts := []realtime.Option{
		realtime.WithLogger(logger.Default().Zerolog()),
		realtime.WithMetrics(deps.Metrics),
	}
	if deps.Mirror != nil {
		hubOpts = append(hubOpts, realtime.WithMirror(deps.Mirror))
	}
	deps.Hub, err = realtime.NewHub(hubCfg, deps.Bus, hubOpts...)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create hub: %w", err)
	}

	// Notifications
	deps.Notifier = notification.NewService(deps.Hub, deps.Queue, notification.Config{
		NotificationTTL: cfg.NotificationTTL,
		StoreTimeout:    cfg.StoreTimeout,
	},
		notification.WithLogger(logger.Default().Zerolog()),
		notification.WithMetrics(deps.Metrics),
	)
	deps.Hub.AttachNotifications(deps.Notifier)

	// Analytics
	var mirror out.ConnectionMirror
	if deps.Mirror != nil {
		mirror = deps.Mirror
	}
	deps.Stats = analytics.NewService(deps.Hub, mirror, analytics.Config{}, logger.Component("analytics"))

	return deps, cleanup, nil
}

// hubConfig maps process configuration onto the hub. A zero replay count
// means replay is disabled.
func hubConfig(cfg *config.Config) (realtime.Config, error) {
	wellKnown := make([]domain.ChannelConfig, 0, len(cfg.ChannelsWellKnown))
	for _, def := range cfg.ChannelsWellKnown {
		ch, err := domain.ParseChannelConfig(def)
		if err != nil {
			return realtime.Config{}, fmt.Errorf("CHANNELS_WELL_KNOWN: %w", err)
		}
		wellKnown = append(wellKnown, ch)
	}

	replay := cfg.HistoryReplay
	if replay == 0 {
		replay = -1
	}

	return realtime.Config{
		NodeID:            cfg.NodeID,
		NodeSequence:      cfg.NodeSequence,
		Version:           Version,
		HistoryLimit:      cfg.HistoryLimit,
		HistoryReplay:     replay,
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
		OutboxSize:        cfg.WSOutboxSize,
		OverflowPolicy:    realtime.OverflowPolicy(cfg.WSOverflowPolicy),
		MessageRate:       cfg.WSMessageRate,
		MessageBurst:      cfg.WSMessageBurst,
		IdleTimeout:       cfg.WSIdleTimeout,
		SweepInterval:     cfg.WSSweepInterval,
		HeartbeatInterval: cfg.WSPingInterval,
		StoreTimeout:      cfg.StoreTimeout,
		WellKnown:         wellKnown,
		DynamicPrefixes:   cfg.ChannelDynamicPrefixes,
		CreateRate:        cfg.ChannelCreateRate,
		CreateBurst:       cfg.ChannelCreateBurst,
		MaxChannels:       cfg.ChannelMaxCount,
		PresenceBroadcast: cfg.PresenceBroadcast,
	}, nil
}
