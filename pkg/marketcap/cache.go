package marketcap

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Cache stores market caps for a bounded time
type Cache interface {
	Get(ctx context.Context, tokenAddress string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, tokenAddress string, marketCap decimal.Decimal) error
}

// MemoryCache keeps market caps in process to avoid duplicate API calls
type MemoryCache struct {
	mu       sync.RWMutex
	cache    map[string]*cachedMarketCap
	cacheTTL time.Duration
	now      func() time.Time
}

// cachedMarketCap represents a cached market cap with timestamp
type cachedMarketCap struct {
	marketCap decimal.Decimal
	timestamp time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates a new in-memory market cap cache
func NewMemoryCache(cacheTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		cache:    make(map[string]*cachedMarketCap),
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Get returns a cached market cap if it is still valid
func (c *MemoryCache) Get(_ context.Context, tokenAddress string) (decimal.Decimal, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.cache[cacheKey(tokenAddress)]
	if !exists {
		return decimal.Zero, false, nil
	}

	if c.now().Sub(cached.timestamp) > c.cacheTTL {
		return decimal.Zero, false, nil
	}

	return cached.marketCap, true, nil
}

// Set stores a market cap with the current timestamp
func (c *MemoryCache) Set(_ context.Context, tokenAddress string, marketCap decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[cacheKey(tokenAddress)] = &cachedMarketCap{
		marketCap: marketCap,
		timestamp: c.now(),
	}
	return nil
}

// Clear removes all cached entries
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*cachedMarketCap)
}

// Len returns the number of entries, expired ones included
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
