package redis

import (
	"context"
	"fmt"
	"time"

	"shipwatch/ship-common/config"

	"github.com/go-redis/redis/v8"
)

// Client alias so callers do not import go-redis for the type alone
type Client = redis.Client

// NewRedisClient creates a client from config. Pub/Sub connections are
// long-lived, so the read timeout only applies to regular commands.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
		ReadTimeout: 3 * time.Second,
	})
}

// Connect creates a client and pings it, closing it again on failure.
func Connect(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := NewRedisClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Close closes the client; nil is allowed.
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
