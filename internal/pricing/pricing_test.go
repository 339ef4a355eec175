package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func impactParams() model.MarketParams {
	p := model.DefaultMarketParams()
	p.PositionImpactPositiveFactor = d("0.00000002")
	p.PositionImpactNegativeFactor = d("0.00000002")
	p.PositionImpactExponent = d("2")
	p.SwapImpactPositiveFactor = d("0.00000001")
	p.SwapImpactNegativeFactor = d("0.00000002")
	p.SwapImpactExponent = d("2")
	return p
}

func TestPositionImpact_OpeningLong(t *testing.T) {
	got := PositionImpactUsd(model.SideAmounts{}, d("200000"), true, impactParams())
	if !got.Equal(d("-800")) {
		t.Errorf("expected -800, got %s", got)
	}
}

func TestPositionImpact_ClosingLongIsPositive(t *testing.T) {
	oi := model.SideAmounts{Long: d("200000")}
	got := PositionImpactUsd(oi, d("-200000"), true, impactParams())
	if !got.Equal(d("800")) {
		t.Errorf("expected 800, got %s", got)
	}
}

func TestPositionImpact_Crossing(t *testing.T) {
	// long-heavy by 100k, a 300k short flips it to short-heavy by 200k:
	// +2e-8*1e10 - 2e-8*4e10 = 200 - 800
	oi := model.SideAmounts{Long: d("100000")}
	got := PositionImpactUsd(oi, d("300000"), false, impactParams())
	if !got.Equal(d("-600")) {
		t.Errorf("expected -600, got %s", got)
	}
}

func TestSwapImpact_UsesSeparateFactors(t *testing.T) {
	p := impactParams()
	pool := model.SideAmounts{Long: d("1000000"), Short: d("1000000")}

	// Unbalancing: 100k in long, 100k out short -> diff 200k.
	neg := SwapImpactUsd(pool, d("100000"), d("-100000"), p)
	if !neg.Equal(d("-800")) {
		t.Errorf("expected -800, got %s", neg)
	}

	// Rebalancing from diff 200k back to 0 uses the positive factor.
	skewed := model.SideAmounts{Long: d("1100000"), Short: d("900000")}
	pos := SwapImpactUsd(skewed, d("-100000"), d("100000"), p)
	if !pos.Equal(d("400")) {
		t.Errorf("expected 400, got %s", pos)
	}
}

func TestCapPositiveImpactUsd(t *testing.T) {
	if got := CapPositiveImpactUsd(d("800"), d("0.1"), d("5000")); !got.Equal(d("500")) {
		t.Errorf("expected cap at 500, got %s", got)
	}
	if got := CapPositiveImpactUsd(d("-800"), d("0"), d("5000")); !got.Equal(d("-800")) {
		t.Errorf("negative impact must not be capped, got %s", got)
	}
}

func TestBorrowingFactorPerSecond(t *testing.T) {
	got := BorrowingFactorPerSecond(d("0.0000001"), d("500000"), d("1000000"))
	if !got.Equal(d("0.00000005")) {
		t.Errorf("expected 5e-8, got %s", got)
	}
	if !BorrowingFactorPerSecond(d("1"), d("10"), d("0")).IsZero() {
		t.Error("expected zero for empty pool")
	}
}

func TestFundingFactorPerSecond(t *testing.T) {
	p := model.DefaultMarketParams()
	p.FundingFactor = d("0.00001")
	p.FundingExponent = d("1")
	oi := model.SideAmounts{Long: d("300000"), Short: d("100000")}
	if got := FundingFactorPerSecond(oi, p); !got.Equal(d("0.000005")) {
		t.Errorf("expected 5e-6, got %s", got)
	}

	p.MaxFundingFactorPerSecond = d("0.000001")
	if got := FundingFactorPerSecond(oi, p); !got.Equal(d("0.000001")) {
		t.Errorf("expected cap 1e-6, got %s", got)
	}
}

func TestAccrued(t *testing.T) {
	if got := AccruedFee(d("0.003"), d("0.001"), d("10000")); !got.Equal(d("20")) {
		t.Errorf("expected 20, got %s", got)
	}
	if got := AccruedClaim(d("0.001"), d("0.003"), d("10000")); !got.IsZero() {
		t.Errorf("expected 0 for regressed accumulator, got %s", got)
	}
}
