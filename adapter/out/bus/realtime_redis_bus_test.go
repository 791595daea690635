package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"realtime_server/adapter/out/bus/bustest"
	"realtime_server/core/port/out"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func TestRedisBus(t *testing.T) {
	ping := redis.NewClient(&redis.Options{Addr: redisAddr()})
	if err := ping.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	ping.Close()

	factory := func(t *testing.T) (out.FanoutBus, out.FanoutBus) {
		client := redis.NewClient(&redis.Options{Addr: redisAddr()})
		t.Cleanup(func() { client.Close() })
		a := NewRedisBus(RedisConfig{Client: client, NodeID: "node-a", Logger: zerolog.Nop()})
		b := NewRedisBus(RedisConfig{Client: client, NodeID: "node-b", Logger: zerolog.Nop()})
		return a, b
	}
	bustest.RunBusTests(t, factory, 150*time.Millisecond)
}
