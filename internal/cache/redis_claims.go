package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const claimKeyPrefix = "proposal:claimed:"

type RedisClaims struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisClaims(rdb *redis.Client, ttl time.Duration) *RedisClaims {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &RedisClaims{rdb: rdb, ttl: ttl}
}

func (c *RedisClaims) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, claimKey(id), time.Now().UTC().Format(time.RFC3339), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", id, err)
	}
	return ok, nil
}

// Ping checks connectivity at startup.
func (c *RedisClaims) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func claimKey(id string) string {
	return claimKeyPrefix + id
}
