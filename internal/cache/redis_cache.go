package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"mitrapos/backend/internal/domain"
)

type RedisTenantCache struct {
	client *redis.Client
}

func NewRedisTenantCache(addr string, password string, db int) *RedisTenantCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisTenantCache{client: client}
}

func (c *RedisTenantCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisTenantCache) Close() error {
	return c.client.Close()
}

func cacheKey(key string) string {
	return "tenant:" + key
}

func (c *RedisTenantCache) Get(ctx context.Context, key string) (*domain.Tenant, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(key)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var tenant domain.Tenant
	if err := json.Unmarshal([]byte(val), &tenant); err != nil {
		return nil, false, err
	}
	return &tenant, true, nil
}

func (c *RedisTenantCache) Set(ctx context.Context, key string, value *domain.Tenant, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(key), payload, ttl).Err()
}

func (c *RedisTenantCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, cacheKey(key)).Err()
}
