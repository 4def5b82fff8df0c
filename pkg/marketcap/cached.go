package marketcap

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dcarunner/pkg/logger"
	"github.com/speedrun-hq/dcarunner/pkg/metrics"
)

// Cached consults a Cache before asking the wrapped provider.
// Cache errors are logged and never fail a lookup.
type Cached struct {
	provider Provider
	cache    Cache
	logger   logger.Logger
}

var _ Provider = (*Cached)(nil)

// NewCached wraps provider with cache
func NewCached(provider Provider, cache Cache, log logger.Logger) *Cached {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Cached{provider: provider, cache: cache, logger: log}
}

// MarketCap implements Provider
func (c *Cached) MarketCap(ctx context.Context, tokenAddress string) (decimal.Decimal, error) {
	marketCap, found, err := c.cache.Get(ctx, tokenAddress)
	switch {
	case err != nil:
		metrics.MarketCapCache.WithLabelValues("error").Inc()
		c.logger.Error("Market cap cache lookup failed for %s: %v", tokenAddress, err)
	case found:
		metrics.MarketCapCache.WithLabelValues("hit").Inc()
		return marketCap, nil
	default:
		metrics.MarketCapCache.WithLabelValues("miss").Inc()
	}

	marketCap, err = c.provider.MarketCap(ctx, tokenAddress)
	if err != nil {
		return decimal.Zero, err
	}

	if err := c.cache.Set(ctx, tokenAddress, marketCap); err != nil {
		c.logger.Error("Failed to cache market cap for %s: %v", tokenAddress, err)
	}

	return marketCap, nil
}
