package position_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/state"
	"github.com/atmx/perp-engine/internal/store"
)

type allow struct{}

func (allow) IsController(string) bool { return true }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var ethUsd = &model.Market{MarketToken: "ETH/USD:WETH-USDC", IndexToken: "ETH", LongToken: "WETH", ShortToken: "USDC"}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func prices(eth string) model.MarketPrices {
	return model.MarketPrices{
		Index: model.NewPrice(d(eth)),
		Long:  model.NewPrice(d(eth)),
		Short: model.NewPrice(d("1")),
	}
}

func newEnv(t *testing.T, tune func(*model.MarketParams)) *position.Env {
	t.Helper()
	ctx := context.Background()
	st, err := state.Open(store.Begin(store.NewMemoryStore()), "exchange", allow{})
	require.NoError(t, err)

	params := model.DefaultMarketParams()
	params.PositionImpactPositiveFactor = d("0.00000002")
	params.PositionImpactNegativeFactor = d("0.00000002")
	if tune != nil {
		tune(&params)
	}
	require.NoError(t, market.Create(ctx, st, ethUsd, params))
	pool, err := market.Load(ctx, st, ethUsd.MarketToken)
	require.NoError(t, err)
	require.NoError(t, pool.ApplyDeltaToPoolAmount("WETH", d("100")))
	require.NoError(t, pool.ApplyDeltaToPoolAmount("USDC", d("500000")))

	return &position.Env{State: st, Pool: pool, Prices: prices("5000"), Ref: 10, Now: t0}
}

func longKey() model.PositionKey {
	return model.PositionKey{Account: "alice", Market: ethUsd.MarketToken, CollateralToken: "WETH", IsLong: true}
}

func openLong(t *testing.T, env *position.Env, sizeUsd, collateral string) *position.IncreaseResult {
	t.Helper()
	res, err := position.Increase(context.Background(), env, position.IncreaseParams{
		Account:               "alice",
		CollateralToken:       "WETH",
		IsLong:                true,
		SizeDeltaUsd:          d(sizeUsd),
		CollateralDeltaAmount: d(collateral),
		AcceptablePrice:       fixed.MaxPrice,
	})
	require.NoError(t, err)
	return res
}

func TestIncrease_NegativeImpactReducesTokens(t *testing.T) {
	env := newEnv(t, nil)
	res := openLong(t, env, "200000", "10")

	// impact -2e-8 * 200000^2 = -800; (200000 - 800) / 5000 = 39.84 ETH.
	assert.True(t, res.PriceImpactUsd.Equal(d("-800")), "got %s", res.PriceImpactUsd)
	assert.True(t, res.SizeDeltaInTokens.Equal(d("39.84")), "got %s", res.SizeDeltaInTokens)
	assert.True(t, env.Pool.State.PositionImpactPool.Equal(d("0.16")))
	assert.True(t, env.Pool.OpenInterest(true).Equal(d("200000")))
	assert.True(t, env.Pool.OpenInterestInTokens(true).Equal(d("39.84")))

	// Position fee 0.1% of size, paid in collateral into the pool.
	assert.True(t, res.Fees.PositionFeeUsd.Equal(d("200")))
	assert.True(t, res.Position.CollateralAmount.Equal(d("9.96")))
	assert.True(t, env.Pool.PoolAmount("WETH").Equal(d("100.04")))
	assert.Equal(t, uint64(10), res.Position.IncreasedAtRef)
}

func TestIncrease_AcceptablePrice(t *testing.T) {
	env := newEnv(t, nil)
	_, err := position.Increase(context.Background(), env, position.IncreaseParams{
		Account:               "alice",
		CollateralToken:       "WETH",
		IsLong:                true,
		SizeDeltaUsd:          d("200000"),
		CollateralDeltaAmount: d("10"),
		AcceptablePrice:       d("5010"),
	})
	assert.ErrorIs(t, err, errs.ErrOrderPriceExceeded)
}

func TestIncrease_OpenInterestCap(t *testing.T) {
	env := newEnv(t, func(p *model.MarketParams) { p.MaxOpenInterest = d("100000") })
	_, err := position.Increase(context.Background(), env, position.IncreaseParams{
		Account:               "alice",
		CollateralToken:       "WETH",
		IsLong:                true,
		SizeDeltaUsd:          d("150000"),
		CollateralDeltaAmount: d("10"),
		AcceptablePrice:       fixed.MaxPrice,
	})
	assert.ErrorIs(t, err, errs.ErrOpenInterestExceeded)
}

func TestIncrease_RejectsInvalidCollateralAndLeverage(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil)
	_, err := position.Increase(ctx, env, position.IncreaseParams{
		Account: "alice", CollateralToken: "DAI", IsLong: true,
		SizeDeltaUsd: d("1000"), CollateralDeltaAmount: d("1"), AcceptablePrice: fixed.MaxPrice,
	})
	assert.ErrorIs(t, err, errs.ErrInvalidCollateral)

	// $200 of collateral cannot back $100000 at a 1% minimum collateral factor.
	_, err = position.Increase(ctx, env, position.IncreaseParams{
		Account: "alice", CollateralToken: "USDC", IsLong: false,
		SizeDeltaUsd: d("100000"), CollateralDeltaAmount: d("300"), AcceptablePrice: decimal.Zero,
	})
	assert.Error(t, err)
	assert.Equal(t, errs.KindSolvency, errs.KindOf(err))
}

func TestDecrease_FullCloseDeletesPosition(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, nil)
	openLong(t, env, "200000", "10")

	res, err := position.Decrease(ctx, env, position.DecreaseParams{
		Key:          longKey(),
		SizeDeltaUsd: d("200000"),
		Kind:         model.MarketDecrease,
	})
	require.NoError(t, err)
	assert.True(t, res.Closed)

	// Closing back to zero open interest earns +800 from the impact pool,
	// which offsets the -800 pnl; the close pays another $200 fee.
	assert.True(t, res.PnlUsd.Equal(d("-800")), "got %s", res.PnlUsd)
	assert.True(t, res.PriceImpactUsd.Equal(d("800")), "got %s", res.PriceImpactUsd)
	assert.Equal(t, "WETH", res.OutputToken)
	assert.True(t, res.OutputAmount.Equal(d("9.92")), "got %s", res.OutputAmount)
	assert.True(t, res.SecondaryAmount.IsZero())

	ok, err := env.State.HasPosition(ctx, longKey())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, env.Pool.OpenInterest(true).IsZero())
	assert.True(t, env.Pool.OpenInterestInTokens(true).IsZero())
	assert.True(t, env.Pool.State.PositionImpactPool.IsZero())
	assert.True(t, env.Pool.State.TotalBorrowing.Long.IsZero())
	assert.True(t, env.Pool.PoolAmount("WETH").Equal(d("100.08")), "got %s", env.Pool.PoolAmount("WETH"))
}

func TestDecrease_SizeBounds(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, func(p *model.MarketParams) { p.MinPositionSizeUsd = d("1000") })
	openLong(t, env, "200000", "10")

	_, err := position.Decrease(ctx, env, position.DecreaseParams{
		Key: longKey(), SizeDeltaUsd: d("200001"), Kind: model.MarketDecrease,
	})
	assert.ErrorIs(t, err, errs.ErrInvalidSizeDelta)

	// A remainder below the minimum size closes the whole position.
	res, err := position.Decrease(ctx, env, position.DecreaseParams{
		Key: longKey(), SizeDeltaUsd: d("199500"), Kind: model.LimitDecrease,
	})
	require.NoError(t, err)
	assert.True(t, res.Closed)
}

func TestDecrease_PartialKeepsPosition(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, func(p *model.MarketParams) {
		p.PositionImpactPositiveFactor = decimal.Zero
		p.PositionImpactNegativeFactor = decimal.Zero
		p.PositionFeeFactor = decimal.Zero
	})
	openLong(t, env, "50000", "5")

	env.Prices = prices("6000")
	env.Ref = 11
	res, err := position.Decrease(ctx, env, position.DecreaseParams{
		Key: longKey(), SizeDeltaUsd: d("25000"), CollateralDeltaAmount: d("1"), Kind: model.MarketDecrease,
	})
	require.NoError(t, err)
	assert.False(t, res.Closed)

	// 10 ETH opened at $5000: half is 5 ETH with $5000 profit = 0.8333 WETH.
	assert.True(t, res.PnlUsd.Equal(d("5000")), "got %s", res.PnlUsd)
	assert.True(t, res.OutputAmount.Sub(d("1.833333")).Abs().LessThan(d("0.000001")), "got %s", res.OutputAmount)
	assert.True(t, res.Position.SizeInUsd.Equal(d("25000")))
	assert.True(t, res.Position.SizeInTokens.Equal(d("5")))
	assert.True(t, res.Position.CollateralAmount.Equal(d("4")))
	assert.Equal(t, uint64(11), res.Position.DecreasedAtRef)
	assert.True(t, env.Pool.OpenInterest(true).Equal(d("25000")))
}

func TestLiquidation_Boundary(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, func(p *model.MarketParams) {
		p.PositionImpactPositiveFactor = decimal.Zero
		p.PositionImpactNegativeFactor = decimal.Zero
		p.PositionFeeFactor = decimal.Zero
	})
	openLong(t, env, "50000", "1")
	pos, err := env.State.Position(ctx, longKey())
	require.NoError(t, err)

	// remaining = P + 10P - 50000 against a $500 minimum (1% of size).
	env.Prices = prices("4600")
	ok, info := position.IsLiquidatable(ctx, env, pos, false)
	assert.False(t, ok)
	assert.True(t, info.RemainingCollateralUsd.Equal(d("600")), "got %s", info.RemainingCollateralUsd)

	_, err = position.Decrease(ctx, env, position.DecreaseParams{Key: longKey(), Kind: model.Liquidation})
	assert.ErrorIs(t, err, errs.ErrPositionNotLiquidated)

	env.Prices = prices("4550")
	ok, _ = position.IsLiquidatable(ctx, env, pos, false)
	assert.True(t, ok)

	// At $4500 the loss exceeds the collateral by $500.
	env.Prices = prices("4500")
	res, err := position.Decrease(ctx, env, position.DecreaseParams{Key: longKey(), Kind: model.Liquidation})
	require.NoError(t, err)
	assert.True(t, res.Closed)
	assert.True(t, res.OutputAmount.IsZero())
	assert.True(t, res.ShortfallUsd.Sub(d("500")).Abs().LessThan(d("0.000001")), "got %s", res.ShortfallUsd)
	assert.True(t, env.Pool.OpenInterest(true).IsZero())
	assert.True(t, env.Pool.PoolAmount("WETH").Equal(d("101")))
}

func TestFunding_ClaimedOnDecrease(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t, func(p *model.MarketParams) {
		p.PositionImpactPositiveFactor = decimal.Zero
		p.PositionImpactNegativeFactor = decimal.Zero
		p.PositionFeeFactor = decimal.Zero
		p.FundingFactor = d("0.00001")
	})
	openLong(t, env, "30000", "2")
	_, err := position.Increase(ctx, env, position.IncreaseParams{
		Account: "bob", CollateralToken: "USDC", IsLong: false,
		SizeDeltaUsd: d("10000"), CollateralDeltaAmount: d("2000"), AcceptablePrice: decimal.Zero,
	})
	require.NoError(t, err)

	// Longs pay 1e-5 * 20000/40000 per second; after 10s shorts can claim
	// 5e-5 * 30000 = $1.5.
	env.Now = t0.Add(10 * time.Second)
	shortKey := model.PositionKey{Account: "bob", Market: ethUsd.MarketToken, CollateralToken: "USDC", IsLong: false}
	res, err := position.Decrease(ctx, env, position.DecreaseParams{
		Key: shortKey, SizeDeltaUsd: d("10000"), AcceptablePrice: fixed.MaxPrice, Kind: model.MarketDecrease,
	})
	require.NoError(t, err)
	assert.True(t, res.Fees.ClaimableFundingUsd.Equal(d("1.5")), "got %s", res.Fees.ClaimableFundingUsd)

	credited, err := env.State.Receivable(ctx, "bob", "USDC")
	require.NoError(t, err)
	assert.True(t, credited.Equal(d("1.5")))
}
