package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/ceap/internal/domain"
)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	val, err := c.client.Get(ctx, c.makeKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	return c.client.Set(ctx, c.makeKey(tenantID, key), value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	return c.client.Del(ctx, c.makeKey(tenantID, key)).Err()
}

// GetModel retrieves a cached model snapshot.
func (c *RedisCache) GetModel(ctx context.Context, tenantID string, modelID string) (*domain.Model, error) {
	return getModel(ctx, c, tenantID, modelID)
}

// SetModel writes the model and the tenant's latest pointer in one MULTI,
// so a reader never sees a latest pointer to a model that is not stored.
func (c *RedisCache) SetModel(ctx context.Context, tenantID string, model *domain.Model, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	var buf recorder
	if err := setModel(ctx, &buf, tenantID, model, ttl); err != nil {
		return err
	}

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range buf.writes {
			pipe.Set(ctx, c.makeKey(tenantID, w.key), w.value, ttl)
		}
		return nil
	})
	return err
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(tenantID, key string) string {
	return "ceap:" + tenantID + ":" + key
}

type write struct {
	key   string
	value []byte
}

// recorder captures the writes of setModel so they can be replayed in a
// single Redis transaction.
type recorder struct {
	writes []write
}

func (r *recorder) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	return nil, nil
}

func (r *recorder) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	r.writes = append(r.writes, write{key: key, value: value})
	return nil
}
