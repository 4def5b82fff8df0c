package marketcap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// redisGetSetter is the subset of the go-redis client used by RedisCache
type redisGetSetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisCache shares market caps between scheduler instances
type RedisCache struct {
	client redisGetSetter
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a cache storing entries under "<address>-market-cap"
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(tokenAddress string) string {
	return fmt.Sprintf("%s-market-cap", strings.ToLower(tokenAddress))
}

// Get returns the cached market cap, reporting a miss when the key is absent
func (c *RedisCache) Get(ctx context.Context, tokenAddress string) (decimal.Decimal, bool, error) {
	value, err := c.client.Get(ctx, cacheKey(tokenAddress)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read market cap cache: %w", err)
	}

	marketCap, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid cached market cap %q: %w", value, err)
	}
	return marketCap, true, nil
}

// Set stores the market cap with the configured expiry
func (c *RedisCache) Set(ctx context.Context, tokenAddress string, marketCap decimal.Decimal) error {
	if err := c.client.Set(ctx, cacheKey(tokenAddress), marketCap.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write market cap cache: %w", err)
	}
	return nil
}
