package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the minimal key-value surface the store is layered on. Values are
// opaque serialized partitions.
type KV interface {
	// Get returns the stored value for key. The second result is false when
	// the key is absent (not an error).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the driver.
	Close() error
}

// DriverType selects a KV implementation.
type DriverType string

const (
	DriverMemory DriverType = "memory"
	DriverSQLite DriverType = "sqlite"
	DriverRedis  DriverType = "redis"
)

// Option is a functional option for configuring a KV driver.
type Option func(*driverConfig)

type driverConfig struct {
	sqlitePath  string
	redisClient *redis.Client
	redisTTL    time.Duration
}

// WithSQLitePath sets the database file path for the sqlite driver.
func WithSQLitePath(path string) Option {
	return func(c *driverConfig) {
		c.sqlitePath = path
	}
}

// WithRedisClient sets the Redis client for the redis driver.
func WithRedisClient(client *redis.Client) Option {
	return func(c *driverConfig) {
		c.redisClient = client
	}
}

// WithRedisTTL sets the expiry applied to keys written by the redis driver.
// Zero means keys never expire.
func WithRedisTTL(ttl time.Duration) Option {
	return func(c *driverConfig) {
		c.redisTTL = ttl
	}
}

// OpenKV creates a KV driver of the given type.
func OpenKV(driver DriverType, opts ...Option) (KV, error) {
	cfg := &driverConfig{sqlitePath: "charchat.db"}
	for _, opt := range opts {
		opt(cfg)
	}

	switch driver {
	case DriverMemory:
		return NewMemoryKV(), nil
	case DriverSQLite:
		return NewSQLiteKV(cfg.sqlitePath)
	case DriverRedis:
		if cfg.redisClient == nil {
			return nil, fmt.Errorf("redis driver requires WithRedisClient")
		}
		return NewRedisKV(cfg.redisClient, cfg.redisTTL), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}
