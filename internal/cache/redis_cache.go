package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"orema/backend/internal/domain"
)

// RedisIdempotencyCache is a replay cache in front of the store. A miss or an
// error falls through to the idempotency table, which stays the source of truth.
type RedisIdempotencyCache struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisIdempotencyCache(client *redis.Client) *RedisIdempotencyCache {
	return &RedisIdempotencyCache{client: client}
}

func (c *RedisIdempotencyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisIdempotencyCache) Close() error {
	return c.client.Close()
}

func (c *RedisIdempotencyCache) Get(ctx context.Context, establishmentID string, key string) (*domain.SyncSaleData, bool, error) {
	val, err := c.client.Get(ctx, Key(establishmentID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var data domain.SyncSaleData
	if err := json.Unmarshal([]byte(val), &data); err != nil {
		return nil, false, err
	}
	return &data, true, nil
}

func (c *RedisIdempotencyCache) Set(ctx context.Context, establishmentID string, key string, value domain.SyncSaleData, ttl time.Duration) error {
	if value.ID == "" || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, Key(establishmentID, key), payload, ttl).Err()
}
