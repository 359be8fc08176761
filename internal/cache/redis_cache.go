package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"boxledger/backend/internal/domain"
)

type RedisSaleListCache struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisSaleListCache(client *redis.Client) *RedisSaleListCache {
	return &RedisSaleListCache{client: client}
}

// Generation reads the owner's current generation. An owner that was never
// invalidated is at generation zero.
func (c *RedisSaleListCache) Generation(ctx context.Context, ownerID string) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(ownerID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return gen, nil
}

func (c *RedisSaleListCache) Get(ctx context.Context, ownerID string, generation int64, includeDeleted bool) ([]domain.Sale, bool, error) {
	val, err := c.client.Get(ctx, saleListKey(ownerID, generation, includeDeleted)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var sales []domain.Sale
	if err := json.Unmarshal([]byte(val), &sales); err != nil {
		return nil, false, err
	}
	return sales, true, nil
}

func (c *RedisSaleListCache) Set(ctx context.Context, ownerID string, generation int64, includeDeleted bool, sales []domain.Sale, ttl time.Duration) error {
	payload, err := json.Marshal(sales)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, saleListKey(ownerID, generation, includeDeleted), payload, ttl).Err()
}

// Invalidate bumps the generation. Listings of older generations are left to
// expire on their TTL.
func (c *RedisSaleListCache) Invalidate(ctx context.Context, ownerID string) error {
	return c.client.Incr(ctx, generationKey(ownerID)).Err()
}
