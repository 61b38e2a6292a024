package domain

import (
	"context"
	"time"
)

// Cache stores serialized decisions keyed by submission fingerprint and
// the resubmission counters used for velocity.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// IncrementCounter returns the count within a window that starts at
	// the first increment of key.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory", "redis" or "none"
	Type string `json:"type" yaml:"type" validate:"omitempty,oneof=memory redis none"`

	// Local LRU cache settings
	LocalMaxSize int           `json:"localMaxSize" yaml:"localMaxSize" validate:"gte=0"`
	LocalTTL     time.Duration `json:"localTtl" yaml:"localTtl"`

	// Redis settings
	RedisAddr     string `json:"redisAddr" yaml:"redisAddr" validate:"required_if=Type redis"`
	RedisPassword string `json:"redisPassword" yaml:"redisPassword"`
	RedisDB       int    `json:"redisDb" yaml:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enableTwoPhase"` // If true, check local first, then Redis
}
