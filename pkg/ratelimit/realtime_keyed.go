// Package ratelimit provides token-bucket limiters keyed by caller.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerSecond float64
	BurstSize         int
	// MaxKeys bounds memory; the least recently seen key is evicted first.
	MaxKeys int
	// IdleTTL forgets keys that made no request for this long.
	IdleTTL time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		BurstSize:         20,
		MaxKeys:           10000,
		IdleTTL:           10 * time.Minute,
	}
}

// KeyedLimiter holds one token bucket per key.
type KeyedLimiter struct {
	cfg      Config
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
}

// NewKeyedLimiter creates a limiter. A non-positive rate disables limiting.
func NewKeyedLimiter(cfg Config) *KeyedLimiter {
	def := DefaultConfig()
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = int(math.Max(1, math.Ceil(cfg.RequestsPerSecond)))
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = def.MaxKeys
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return &KeyedLimiter{
		cfg:      cfg,
		limiters: expirable.NewLRU[string, *rate.Limiter](cfg.MaxKeys, nil, cfg.IdleTTL),
	}
}

// Allow consumes one token for key.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil || l.cfg.RequestsPerSecond <= 0 {
		return true
	}
	return l.get(key).Allow()
}

// Reserve reports whether a token is available now and, if not, how long
// the caller should wait before retrying.
func (l *KeyedLimiter) Reserve(key string) (bool, time.Duration) {
	if l == nil || l.cfg.RequestsPerSecond <= 0 {
		return true, 0
	}
	r := l.get(key).Reserve()
	if !r.OK() {
		return false, time.Second
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

func (l *KeyedLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)
		l.limiters.Add(key, lim)
	}
	return lim
}

// Keys reports how many callers are currently tracked.
func (l *KeyedLimiter) Keys() int {
	return l.limiters.Len()
}
