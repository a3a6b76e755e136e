package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"health-monitor/pkg/logger"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/singleflight"
)

const (
	keyPrefix = "health-monitor:"
	scanBatch = 200
)

// Redis is a Cache backed by a shared Redis instance
type Redis struct {
	client *redis.Client
	group  singleflight.Group
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) GetOrSet(ctx context.Context, key string, ttl time.Duration, dest interface{}, loader func(ctx context.Context) (interface{}, error)) error {
	full := keyPrefix + key

	data, err := r.client.Get(ctx, full).Bytes()
	if err == nil {
		if err := json.Unmarshal(data, dest); err == nil {
			return nil
		}
		// stale format; fall through and reload
	} else if !errors.Is(err, redis.Nil) {
		logger.Warn("Cache read failed, loading from source",
			logger.String("key", key),
			logger.Err(err),
		)
	}

	raw, err, _ := r.group.Do(full, func() (interface{}, error) {
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode cache value: %w", err)
		}
		if err := r.client.Set(ctx, full, b, ttl).Err(); err != nil {
			logger.Warn("Cache write failed",
				logger.String("key", key),
				logger.Err(err),
			)
		}
		return b, nil
	})
	if err != nil {
		return err
	}

	return json.Unmarshal(raw.([]byte), dest)
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = keyPrefix + k
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete cache keys: %w", err)
	}
	return nil
}

func (r *Redis) InvalidatePattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, keyPrefix+pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("failed to scan cache keys: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete cache keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
