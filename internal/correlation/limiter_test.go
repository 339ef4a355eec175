package correlation

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ethMarket(name string, oi float64) Exposure {
	return Exposure{Market: name, IndexToken: "ETH", OpenInterest: d(oi)}
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewOpenInterestLimiter(d(1000), d(5000))

	err := limiter.CheckLimit(ethMarket("ETH/USD:WETH-USDC", 0), d(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerMarketExceeded(t *testing.T) {
	limiter := NewOpenInterestLimiter(d(1000), d(5000))

	// Existing 950 + new 100 = 1050 > 1000.
	err := limiter.CheckLimit(ethMarket("ETH/USD:WETH-USDC", 950), d(100), nil)
	if err != ErrPerMarketLimitExceeded {
		t.Errorf("expected ErrPerMarketLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	limiter := NewOpenInterestLimiter(d(1000), d(2000))

	others := []Exposure{
		ethMarket("ETH/USD:WETH-USDC", 800),
		ethMarket("ETH/USD:WETH-DAI", 800),
		{Market: "BTC/USD:WBTC-USDC", IndexToken: "BTC", OpenInterest: d(900)},
	}

	// 300 + 200 + 800 + 800 = 2100 > 2000; the BTC market is not counted.
	err := limiter.CheckLimit(ethMarket("ETH/USD:STETH-USDC", 300), d(200), others)
	if err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_UncorrelatedMarketsIgnored(t *testing.T) {
	limiter := NewOpenInterestLimiter(d(1000), d(2000))

	others := []Exposure{
		{Market: "BTC/USD:WBTC-USDC", IndexToken: "BTC", OpenInterest: d(1900)},
	}
	err := limiter.CheckLimit(ethMarket("ETH/USD:WETH-USDC", 500), d(400), others)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_TargetNotDoubleCounted(t *testing.T) {
	limiter := NewOpenInterestLimiter(decimal.Zero, d(1000))

	target := ethMarket("ETH/USD:WETH-USDC", 600)
	others := []Exposure{target}
	err := limiter.CheckLimit(target, d(300), others)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_ZeroLimitsDisabled(t *testing.T) {
	limiter := NewOpenInterestLimiter(decimal.Zero, decimal.Zero)
	if err := limiter.CheckLimit(ethMarket("X", 1e12), d(1e12), nil); err != nil {
		t.Errorf("expected no error with limits disabled, got %v", err)
	}
}
