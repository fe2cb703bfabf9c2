package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetModel retrieves a cached model snapshot.
	// Returns nil, nil if the model is not cached.
	GetModel(ctx context.Context, tenantID string, modelID string) (*Model, error)

	// SetModel caches a model snapshot so other nodes can restore it without
	// a database round trip.
	SetModel(ctx context.Context, tenantID string, model *Model, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// LatestModelKey is the cache key under which the most recent fit is stored.
const LatestModelKey = "latest"

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" yaml:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize  int           `json:"localMaxSize" yaml:"localMaxSize"`
	LocalMaxBytes int64         `json:"localMaxBytes" yaml:"localMaxBytes"` // 0 means unbounded
	LocalTTL      time.Duration `json:"localTtl" yaml:"localTtl"`

	// ModelTTL bounds how long a fitted model stays cached
	ModelTTL time.Duration `json:"modelTtl" yaml:"modelTtl"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr" yaml:"redisAddr"`
	RedisPassword string `json:"-" yaml:"redisPassword"`
	RedisDB       int    `json:"redisDb" yaml:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enableTwoPhase"` // If true, check local first, then Redis
}
