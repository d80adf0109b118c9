package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"katalog/backend/internal/domain"
)

type RedisPromotionCache struct {
	client *redis.Client
}

func NewRedisPromotionCache(addr string, password string, db int) *RedisPromotionCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisPromotionCache{client: client}
}

func (c *RedisPromotionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisPromotionCache) Close() error {
	return c.client.Close()
}

func (c *RedisPromotionCache) Get(ctx context.Context, ownerID string, code string) (*domain.Promotion, bool, error) {
	val, err := c.client.Get(ctx, PromotionKey(ownerID, code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var promotion domain.Promotion
	if err := json.Unmarshal(val, &promotion); err != nil {
		return nil, false, err
	}
	return &promotion, true, nil
}

func (c *RedisPromotionCache) Set(ctx context.Context, promotion domain.Promotion, ttl time.Duration) error {
	payload, err := json.Marshal(promotion)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, PromotionKey(promotion.OwnerID, promotion.Code), payload, ttl).Err()
}

func (c *RedisPromotionCache) Delete(ctx context.Context, ownerID string, code string) error {
	return c.client.Del(ctx, PromotionKey(ownerID, code)).Err()
}
