package seen

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces seen-state entries.
const redisKeyPrefix = "feedsync:seen:"

// RedisStore persists seen state in Redis so it survives client restarts
// and is shared across instances behind the same account.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a store backed by a Redis client.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Load implements Store. A missing key yields 0, not an error.
func (s *RedisStore) Load(ctx context.Context, scope string) (int64, error) {
	ts, err := s.redis.Get(ctx, redisKeyPrefix+scope).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return ts, nil
}

// Save implements Store. Entries have no TTL: the read position is as
// long-lived as the feed itself.
func (s *RedisStore) Save(ctx context.Context, scope string, ts int64) error {
	if err := s.redis.Set(ctx, redisKeyPrefix+scope, ts, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
