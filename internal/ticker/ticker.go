// Package ticker handles market ticker parsing, validation, and derivation
// of impact parameters from expected pool depth.
package ticker

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// tickerRegex matches: {INDEX}/USD:{LONG}-{SHORT}
// Example: ETH/USD:WETH-USDC
var tickerRegex = regexp.MustCompile(
	`^([A-Z0-9]{2,12})/USD:([A-Z0-9]{2,12})-([A-Z0-9]{2,12})$`,
)

var (
	ErrInvalidTicker = errors.New("ticker: invalid ticker format")
	ErrSameTokens    = errors.New("ticker: long and short tokens must differ")
)

// Ticker is a parsed market ticker.
type Ticker struct {
	Symbol     string `json:"symbol"`
	IndexToken string `json:"index_token"`
	LongToken  string `json:"long_token"`
	ShortToken string `json:"short_token"`
}

// Parse parses and validates a market ticker string.
// Format: {INDEX}/USD:{LONG}-{SHORT}
func Parse(symbol string) (*Ticker, error) {
	matches := tickerRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {INDEX}/USD:{LONG}-{SHORT})",
			ErrInvalidTicker, symbol)
	}
	if matches[2] == matches[3] {
		return nil, fmt.Errorf("%w: %s", ErrSameTokens, symbol)
	}
	return &Ticker{
		Symbol:     symbol,
		IndexToken: matches[1],
		LongToken:  matches[2],
		ShortToken: matches[3],
	}, nil
}

// Market returns the market described by the ticker. The ticker symbol
// doubles as the market token id.
func (t *Ticker) Market() *model.Market {
	return &model.Market{
		MarketToken: t.Symbol,
		IndexToken:  t.IndexToken,
		LongToken:   t.LongToken,
		ShortToken:  t.ShortToken,
	}
}

// DeriveImpactFactor returns the impact factor at which an imbalance of
// depthUsd costs costFraction of its size:
//
//	factor * depth^exponent = costFraction * depth
//
// A $1M depth at 2% cost and exponent 2 gives 2e-8.
func DeriveImpactFactor(depthUsd, exponent, costFraction decimal.Decimal) (decimal.Decimal, error) {
	if depthUsd.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("ticker: depth must be positive, got %s", depthUsd)
	}
	if exponent.LessThan(fixed.One) {
		return decimal.Zero, fmt.Errorf("ticker: exponent must be >= 1, got %s", exponent)
	}
	scale := fixed.Pow(depthUsd, exponent.Sub(fixed.One))
	if scale.IsZero() {
		return decimal.Zero, fmt.Errorf("ticker: depth %s too small", depthUsd)
	}
	return fixed.Div(costFraction, scale, fixed.Down), nil
}
