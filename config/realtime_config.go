package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateNodeID creates a unique node ID using hostname and PID
func generateNodeID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "realtime"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	WSPort      string
	Environment string
	LogLevel    string

	// Node identity (bus envelopes, connection mirror)
	NodeID       string
	NodeSequence int64 // snowflake worker id, 0-1023

	// Storage
	DatabaseURL string
	RedisURL    string

	// Auth
	JWTSecret    string
	AuthStrict   bool
	PrincipalTTL time.Duration

	// WebSocket
	WSMaxMessageSize  int
	WSPingInterval    time.Duration
	WSPongWait        time.Duration
	WSWriteWait       time.Duration
	WSIdleTimeout     time.Duration
	WSSweepInterval   time.Duration
	WSOutboxSize      int
	WSOverflowPolicy  string
	WSMessageRate     float64
	WSMessageBurst    int
	SSEHeartbeat      time.Duration
	ShutdownTimeout   time.Duration
	WSAllowedOrigins  []string
	WSCheckOrigin     bool
	MaxPayloadBytes   int
	PresenceBroadcast bool

	// Channels
	ChannelsWellKnown      []string
	ChannelDynamicPrefixes []string
	ChannelCreateRate      float64
	ChannelCreateBurst     int
	ChannelMaxCount        int
	HistoryLimit           int
	HistoryReplay          int

	// Offline queue
	OfflineQueueCap int
	OfflineQueueTTL time.Duration
	NotificationTTL time.Duration
	StoreTimeout    time.Duration

	// Ingress (Redis Stream)
	IngressEnabled    bool
	IngressStream     string
	IngressGroup      string
	IngressBatchSize  int
	IngressBlock      time.Duration
	IngressMaxRetries int

	// HTTP API
	APIRate  float64
	APIBurst int

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		WSPort:      getEnv("WS_PORT", "8081"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", ""),

		NodeID:       getEnv("NODE_ID", generateNodeID()),
		NodeSequence: int64(getEnvInt("NODE_SEQUENCE", 1)),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		JWTSecret:    getEnv("JWT_SECRET", ""),
		AuthStrict:   getEnvBool("AUTH_STRICT", false),
		PrincipalTTL: getEnvDuration("AUTH_PRINCIPAL_TTL", time.Minute),

		WSMaxMessageSize:  getEnvInt("WS_MAX_MESSAGE_SIZE", 524288),
		WSPingInterval:    time.Duration(getEnvInt("WS_PING_INTERVAL_SEC", 25)) * time.Second,
		WSPongWait:        time.Duration(getEnvInt("WS_PONG_WAIT_SEC", 60)) * time.Second,
		WSWriteWait:       time.Duration(getEnvInt("WS_WRITE_WAIT_SEC", 10)) * time.Second,
		WSIdleTimeout:     time.Duration(getEnvInt("WS_IDLE_TIMEOUT_SEC", 60)) * time.Second,
		WSSweepInterval:   time.Duration(getEnvInt("WS_SWEEP_INTERVAL_SEC", 15)) * time.Second,
		WSOutboxSize:      getEnvInt("WS_OUTBOX_SIZE", 256),
		WSOverflowPolicy:  getEnv("WS_OVERFLOW_POLICY", "drop_oldest"),
		WSMessageRate:     getEnvFloat("WS_MESSAGE_RATE", 20),
		WSMessageBurst:    getEnvInt("WS_MESSAGE_BURST", 40),
		SSEHeartbeat:      time.Duration(getEnvInt("SSE_HEARTBEAT_SEC", 30)) * time.Second,
		ShutdownTimeout:   time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SEC", 30)) * time.Second,
		WSAllowedOrigins:  getEnvSlice("WS_ALLOWED_ORIGINS", nil),
		WSCheckOrigin:     getEnvBool("WS_CHECK_ORIGIN", false),
		MaxPayloadBytes:   getEnvInt("MAX_PAYLOAD_BYTES", 64*1024),
		PresenceBroadcast: getEnvBool("PRESENCE_BROADCAST", true),

		ChannelsWellKnown:      getEnvSlice("CHANNELS_WELL_KNOWN", []string{"general:public", "orders:public", "admin:private:admin", "support:presence:user"}),
		ChannelDynamicPrefixes: getEnvSlice("CHANNEL_DYNAMIC_PREFIXES", []string{"room:", "chat:", "order:"}),
		ChannelCreateRate:      getEnvFloat("CHANNEL_CREATE_RATE", 5),
		ChannelCreateBurst:     getEnvInt("CHANNEL_CREATE_BURST", 20),
		ChannelMaxCount:        getEnvInt("CHANNEL_MAX_COUNT", 10000),
		HistoryLimit:           getEnvInt("CHANNEL_HISTORY_LIMIT", 1000),
		HistoryReplay:          getEnvInt("CHANNEL_HISTORY_REPLAY", 50),

		OfflineQueueCap: getEnvInt("OFFLINE_QUEUE_CAP", 200),
		OfflineQueueTTL: time.Duration(getEnvInt("OFFLINE_QUEUE_TTL_HOUR", 24*7)) * time.Hour,
		NotificationTTL: time.Duration(getEnvInt("NOTIFICATION_TTL_HOUR", 24)) * time.Hour,
		StoreTimeout:    getEnvDuration("STORE_TIMEOUT", 5*time.Second),

		IngressEnabled:    getEnvBool("INGRESS_ENABLED", true),
		IngressStream:     getEnv("INGRESS_STREAM", "realtime:notifications"),
		IngressGroup:      getEnv("INGRESS_GROUP", "realtime"),
		IngressBatchSize:  getEnvInt("INGRESS_BATCH_SIZE", 50),
		IngressBlock:      time.Duration(getEnvInt("INGRESS_BLOCK_MS", 5000)) * time.Millisecond,
		IngressMaxRetries: getEnvInt("INGRESS_MAX_RETRIES", 3),

		APIRate:  getEnvFloat("API_RATE_LIMIT", 50),
		APIBurst: getEnvInt("API_RATE_BURST", 100),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the realtime core cannot operate with.
func (c *Config) Validate() error {
	switch {
	case c.HistoryLimit <= 0:
		return fmt.Errorf("CHANNEL_HISTORY_LIMIT must be positive, got %d", c.HistoryLimit)
	case c.HistoryReplay < 0 || c.HistoryReplay > c.HistoryLimit:
		return fmt.Errorf("CHANNEL_HISTORY_REPLAY must be within [0, %d], got %d", c.HistoryLimit, c.HistoryReplay)
	case c.OfflineQueueCap <= 0:
		return fmt.Errorf("OFFLINE_QUEUE_CAP must be positive, got %d", c.OfflineQueueCap)
	case c.WSOutboxSize <= 0:
		return fmt.Errorf("WS_OUTBOX_SIZE must be positive, got %d", c.WSOutboxSize)
	case c.WSOverflowPolicy != "drop_oldest" && c.WSOverflowPolicy != "disconnect":
		return fmt.Errorf("WS_OVERFLOW_POLICY must be drop_oldest or disconnect, got %q", c.WSOverflowPolicy)
	case c.WSIdleTimeout <= 0:
		return fmt.Errorf("WS_IDLE_TIMEOUT_SEC must be positive")
	case c.AuthStrict && c.JWTSecret == "":
		return fmt.Errorf("AUTH_STRICT requires JWT_SECRET")
	case c.NodeSequence < 0 || c.NodeSequence > 1023:
		return fmt.Errorf("NODE_SEQUENCE must be between 0 and 1023, got %d", c.NodeSequence)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
