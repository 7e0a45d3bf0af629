package redis

import (
	"context"
	"fmt"

	"sitewide-aggregator/internal/common/config"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient creates a Redis client. The connection is opened lazily;
// call Ping to verify it.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return redis.NewClient(opts)
}

// Ping checks the Redis connection
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", client.Options().Addr, err)
	}
	return nil
}

// Close closes the Redis connection
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
