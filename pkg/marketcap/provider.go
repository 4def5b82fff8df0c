// Package marketcap looks up token market capitalisations used to gate limit orders.
package marketcap

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dcarunner/pkg/models"
)

// ErrUnavailable is returned when the source has no market cap for the token
var ErrUnavailable = errors.New("market cap unavailable")

// Provider returns the current USD market cap of an ERC-20 token
type Provider interface {
	MarketCap(ctx context.Context, tokenAddress string) (decimal.Decimal, error)
}

// WatchedToken returns the token whose market cap decides a limit order.
// Buys watch the desired token, sells watch the deposited token.
func WatchedToken(o models.Order) string {
	if o.Side == models.Sell {
		return o.DepositedTokenAddress
	}
	return o.DesiredTokenAddress
}

// Triggered reports whether a limit order may execute at the given market cap.
// A buy fires once the market cap falls to the target, a sell once it reaches it.
func Triggered(side models.Side, marketCap, target decimal.Decimal) bool {
	if side == models.Sell {
		return marketCap.GreaterThanOrEqual(target)
	}
	return marketCap.LessThanOrEqual(target)
}

// LimitReached fetches the watched token's market cap and evaluates the order target
func LimitReached(ctx context.Context, p Provider, o models.Order) (bool, decimal.Decimal, error) {
	marketCap, err := p.MarketCap(ctx, WatchedToken(o))
	if err != nil {
		return false, decimal.Zero, err
	}
	return Triggered(o.Side, marketCap, o.MarketCapTarget), marketCap, nil
}
