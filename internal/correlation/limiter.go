// Package correlation implements open interest limits that account for
// correlation between markets.
//
// Markets that share an index token carry the same price risk no matter
// which collateral backs them: longs on ETH/USD:WETH-USDC and on
// ETH/USD:WETH-DAI move together. The limiter caps each market's side and
// the aggregate side across every market of the same index token.
package correlation

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerMarketLimitExceeded is returned when an increase would push one
	// market's side beyond the per-market maximum.
	ErrPerMarketLimitExceeded = errors.New("correlation: per-market open interest limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when an increase would push the
	// aggregate side across markets sharing an index token beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("correlation: correlated open interest limit exceeded")
)

// Exposure is one market's open interest on the side being checked.
type Exposure struct {
	Market       string
	IndexToken   string
	OpenInterest decimal.Decimal
}

// OpenInterestLimiter enforces open interest limits with correlation
// awareness. A zero limit disables that check.
type OpenInterestLimiter struct {
	// MaxPerMarket is the maximum open interest of one side in one market.
	MaxPerMarket decimal.Decimal

	// MaxCorrelated is the maximum aggregate open interest of one side
	// across all markets that share the same index token.
	MaxCorrelated decimal.Decimal
}

// NewOpenInterestLimiter creates a limiter with the given per-market and
// correlated limits.
func NewOpenInterestLimiter(maxPerMarket, maxCorrelated decimal.Decimal) *OpenInterestLimiter {
	return &OpenInterestLimiter{
		MaxPerMarket:  maxPerMarket,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether adding delta to target respects the limits.
//
// Parameters:
//   - target: the market being increased, with its current open interest
//   - delta: USD being added to the side
//   - others: current open interest of the same side in other markets
//
// Returns nil if the increase is within limits.
func (l *OpenInterestLimiter) CheckLimit(target Exposure, delta decimal.Decimal, others []Exposure) error {
	// 1. Per-market limit.
	next := target.OpenInterest.Add(delta)
	if l.MaxPerMarket.IsPositive() && next.GreaterThan(l.MaxPerMarket) {
		return ErrPerMarketLimitExceeded
	}

	// 2. Correlated exposure: sum across markets sharing the index token.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	total := next
	for _, e := range others {
		if e.Market == target.Market {
			continue // already counted via next above
		}
		if e.IndexToken == target.IndexToken {
			total = total.Add(e.OpenInterest)
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}
