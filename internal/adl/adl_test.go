package adl_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/adl"
	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/order"
	"github.com/atmx/perp-engine/internal/state"
	"github.com/atmx/perp-engine/internal/store"
)

type allow struct{}

func (allow) IsController(string) bool { return true }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var ethUsd = &model.Market{MarketToken: "ETH/USD:WETH-USDC", IndexToken: "ETH", LongToken: "WETH", ShortToken: "USDC"}

func pin(t *testing.T, env *order.Env, ref uint64, price string) {
	t.Helper()
	a := env.Oracle.(*oracle.Adapter)
	a.Supply(ref, map[string]model.Price{
		"ETH":  model.NewPrice(d(price)),
		"WETH": model.NewPrice(d(price)),
		"USDC": model.NewPrice(d("1")),
	})
	require.NoError(t, a.Stage(ref, []string{"ETH", "WETH", "USDC"}))
	env.Ref = ref
}

func openLong(t *testing.T, env *order.Env, account, size, collateral string) {
	t.Helper()
	ctx := context.Background()
	o, err := order.Create(ctx, env, &model.Order{
		Account:                      account,
		Market:                       ethUsd.MarketToken,
		InitialCollateralToken:       "WETH",
		Type:                         model.MarketIncrease,
		IsLong:                       true,
		SizeDeltaUsd:                 d(size),
		InitialCollateralDeltaAmount: d(collateral),
		AcceptablePrice:              fixed.MaxPrice,
	})
	require.NoError(t, err)
	_, err = order.Execute(ctx, env, o.ID)
	require.NoError(t, err)
}

// newEnv opens a 20 ETH long at $1000 against a 30 WETH pool, then moves
// ETH to $4000: pnl 60000 over a $120000 pool is a 0.5 factor.
func newEnv(t *testing.T) *order.Env {
	t.Helper()
	ctx := context.Background()
	st, err := state.Open(store.Begin(store.NewMemoryStore()), "exchange", allow{})
	require.NoError(t, err)
	params := model.DefaultMarketParams()
	params.PositionFeeFactor = decimal.Zero
	require.NoError(t, market.Create(ctx, st, ethUsd, params))
	pool, err := market.Load(ctx, st, ethUsd.MarketToken)
	require.NoError(t, err)
	require.NoError(t, pool.ApplyDeltaToPoolAmount("WETH", d("30")))
	require.NoError(t, pool.ApplyDeltaToPoolAmount("USDC", d("100000")))

	env := &order.Env{
		State:  st,
		Oracle: oracle.NewAdapter(),
		Now:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Global: model.DefaultGlobalParams(),
	}
	pin(t, env, 1, "1000")
	openLong(t, env, "alice", "20000", "2")
	pin(t, env, 2, "4000")
	return env
}

func aliceKey() model.PositionKey {
	return model.PositionKey{Account: "alice", Market: ethUsd.MarketToken, CollateralToken: "WETH", IsLong: true}
}

func TestUpdateAdlState(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	_, err := adl.CreateAdlOrder(ctx, env, aliceKey(), d("1000"))
	assert.ErrorIs(t, err, errs.ErrAdlNotEnabled)

	st, err := adl.UpdateAdlState(ctx, env, ethUsd.MarketToken, true)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.True(t, st.PnlFactor.Equal(d("0.5")), "got %s", st.PnlFactor)

	short, err := adl.UpdateAdlState(ctx, env, ethUsd.MarketToken, false)
	require.NoError(t, err)
	assert.False(t, short.Enabled)

	env.Ref = 1
	_, err = adl.UpdateAdlState(ctx, env, ethUsd.MarketToken, true)
	assert.ErrorIs(t, err, errs.ErrStaleReference)
}

func TestCreateAdlOrder_AcceptablePriceNeverBlocks(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	_, err := adl.UpdateAdlState(ctx, env, ethUsd.MarketToken, true)
	require.NoError(t, err)

	o, err := adl.CreateAdlOrder(ctx, env, aliceKey(), d("50000"))
	require.NoError(t, err)
	assert.True(t, o.IsAdl)
	assert.Equal(t, model.MarketDecrease, o.Type)
	assert.True(t, o.AcceptablePrice.IsZero())
	assert.True(t, o.SizeDeltaUsd.Equal(d("20000")), "clamped to the position size")
}

func TestCreateAdlOrder_RequiresProfit(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	openLong(t, env, "carol", "4000", "1")
	_, err := adl.UpdateAdlState(ctx, env, ethUsd.MarketToken, true)
	require.NoError(t, err)

	carol := aliceKey()
	carol.Account = "carol"
	_, err = adl.CreateAdlOrder(ctx, env, carol, d("1000"))
	assert.ErrorIs(t, err, errs.ErrAdlNotProfitable)
}

func TestExecuteAdl_ReducesFactor(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	_, err := adl.UpdateAdlState(ctx, env, ethUsd.MarketToken, true)
	require.NoError(t, err)

	// Closing 10% realises $6000 = 1.5 WETH: 54000 / (28.5 * 4000).
	res, err := adl.ExecuteAdl(ctx, env, aliceKey(), d("2000"))
	require.NoError(t, err)
	assert.True(t, res.PnlFactorBefore.Equal(d("0.5")))
	assert.True(t, res.PnlFactorAfter.Sub(d("0.473684")).Abs().LessThan(d("0.000001")), "got %s", res.PnlFactorAfter)
	assert.True(t, res.Order.OutputAmount.Equal(d("1.5")), "got %s", res.Order.OutputAmount)

	pos, err := env.State.Position(ctx, aliceKey())
	require.NoError(t, err)
	assert.True(t, pos.SizeInUsd.Equal(d("18000")))
}

func TestExecuteAdl_Overshoot(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	_, err := adl.UpdateAdlState(ctx, env, ethUsd.MarketToken, true)
	require.NoError(t, err)

	// Closing half leaves 30000 / (22.5 * 4000) = 0.33, below the 0.4 floor.
	_, err = adl.ExecuteAdl(ctx, env, aliceKey(), d("10000"))
	assert.ErrorIs(t, err, errs.ErrInvalidAdl)
}
