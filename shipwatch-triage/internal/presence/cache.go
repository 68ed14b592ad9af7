package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shipwatch/shipwatch-triage/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrCacheMiss key absent or expired
var ErrCacheMiss = errors.New("cache miss")

// KVStore abstract KV so tests can swap Redis out
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// RedisKVStore KVStore on go-redis
type RedisKVStore struct {
	client *redis.Client
}

func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

const summaryKey = "presence:summary"

func crewKey(crewID string) string {
	return "presence:crew:" + crewID
}

// CacheManager last computed presence for dashboard readers
type CacheManager struct {
	kv     KVStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewCacheManager ttl <= 0 falls back to 30s
func NewCacheManager(kv KVStore, ttl time.Duration, logger *zap.Logger) *CacheManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CacheManager{kv: kv, ttl: ttl, logger: logger}
}

// PutCrew caches one crew member's effective presence
func (c *CacheManager) PutCrew(ctx context.Context, p models.EffectivePresence) error {
	key := crewKey(p.CrewID)
	if err := c.put(ctx, key, p); err != nil {
		return err
	}
	c.logger.Debug("Updated presence cache", zap.String("crew_id", p.CrewID), zap.String("key", key))
	return nil
}

// PutSummary caches the aggregate
func (c *CacheManager) PutSummary(ctx context.Context, s models.PresenceSummary) error {
	return c.put(ctx, summaryKey, s)
}

// GetCrew ErrCacheMiss when absent
func (c *CacheManager) GetCrew(ctx context.Context, crewID string) (models.EffectivePresence, error) {
	var p models.EffectivePresence
	err := c.get(ctx, crewKey(crewID), &p)
	return p, err
}

// GetSummary ErrCacheMiss when absent
func (c *CacheManager) GetSummary(ctx context.Context) (models.PresenceSummary, error) {
	var s models.PresenceSummary
	err := c.get(ctx, summaryKey, &s)
	return s, err
}

func (c *CacheManager) put(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := c.kv.Set(ctx, key, string(raw), c.ttl); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

func (c *CacheManager) get(ctx context.Context, key string, v interface{}) error {
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}
