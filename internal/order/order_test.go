package order_test

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
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/order"
	"github.com/atmx/perp-engine/internal/state"
	"github.com/atmx/perp-engine/internal/store"
)

type allow struct{}

func (allow) IsController(string) bool { return true }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var ethUsd = &model.Market{MarketToken: "ETH/USD:WETH-USDC", IndexToken: "ETH", LongToken: "WETH", ShortToken: "USDC"}

func newEnv(t *testing.T) *order.Env {
	t.Helper()
	ctx := context.Background()
	st, err := state.Open(store.Begin(store.NewMemoryStore()), "exchange", allow{})
	require.NoError(t, err)
	require.NoError(t, market.Create(ctx, st, ethUsd, model.DefaultMarketParams()))
	pool, err := market.Load(ctx, st, ethUsd.MarketToken)
	require.NoError(t, err)
	require.NoError(t, pool.ApplyDeltaToPoolAmount("WETH", d("100")))
	require.NoError(t, pool.ApplyDeltaToPoolAmount("USDC", d("500000")))

	return &order.Env{
		State:  st,
		Oracle: oracle.NewAdapter(),
		Ref:    1,
		Now:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Global: model.DefaultGlobalParams(),
	}
}

// pin publishes ETH at price for ref and stages it as an execution would.
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

func marketIncrease() *model.Order {
	return &model.Order{
		Account:                      "alice",
		Market:                       ethUsd.MarketToken,
		InitialCollateralToken:       "WETH",
		Type:                         model.MarketIncrease,
		IsLong:                       true,
		SizeDeltaUsd:                 d("10000"),
		InitialCollateralDeltaAmount: d("1"),
		AcceptablePrice:              fixed.MaxPrice,
	}
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	empty := marketIncrease()
	empty.SizeDeltaUsd, empty.InitialCollateralDeltaAmount = decimal.Zero, decimal.Zero
	_, err := order.Create(ctx, env, empty)
	assert.ErrorIs(t, err, errs.ErrEmptyOrder)

	liq := marketIncrease()
	liq.Type = model.Liquidation
	_, err = order.Create(ctx, env, liq)
	assert.ErrorIs(t, err, errs.ErrForbidden)

	limit := marketIncrease()
	limit.Type = model.LimitIncrease
	_, err = order.Create(ctx, env, limit)
	assert.ErrorIs(t, err, errs.ErrInvalidOrderPrice, "limit order without trigger")

	env.Global.MinExecutionFee = d("0.001")
	_, err = order.Create(ctx, env, marketIncrease())
	assert.ErrorIs(t, err, errs.ErrInsufficientFee)
}

func TestExecute_MarketIncreaseOnce(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	o, err := order.Create(ctx, env, marketIncrease())
	require.NoError(t, err)
	assert.Equal(t, "alice", o.Receiver)
	assert.Equal(t, uint64(1), o.Ref)

	pin(t, env, 2, "5000")
	_, err = order.Execute(ctx, env, o.ID)
	assert.ErrorIs(t, err, errs.ErrReferenceMismatch)

	pin(t, env, 1, "5000")
	res, err := order.Execute(ctx, env, o.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Increase)
	assert.True(t, res.Increase.Position.SizeInUsd.Equal(d("10000")))
	assert.Equal(t, model.StatusExecuted, res.Order.Status)

	_, err = order.Execute(ctx, env, o.ID)
	assert.ErrorIs(t, err, errs.ErrEmptyRequest)
}

func TestExecute_LimitTrigger(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	o := marketIncrease()
	o.Type = model.LimitIncrease
	o.TriggerPrice = d("4800")
	o, err := order.Create(ctx, env, o)
	require.NoError(t, err)

	pin(t, env, 1, "4700")
	_, err = order.Execute(ctx, env, o.ID)
	assert.ErrorIs(t, err, errs.ErrStaleReference, "limit orders need newer prices")

	pin(t, env, 2, "5000")
	_, err = order.Execute(ctx, env, o.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidOrderPrice)
	assert.True(t, errs.IsHard(err))

	pin(t, env, 3, "4750")
	res, err := order.Execute(ctx, env, o.ID)
	require.NoError(t, err)
	assert.True(t, res.Increase.Position.SizeInUsd.Equal(d("10000")))
}

func TestValidateTrigger(t *testing.T) {
	at := func(p string) model.Price { return model.NewPrice(d(p)) }
	cases := []struct {
		name  string
		typ   model.OrderType
		long  bool
		price string
		ok    bool
	}{
		{"long take profit hit", model.LimitDecrease, true, "5100", true},
		{"long take profit not hit", model.LimitDecrease, true, "4900", false},
		{"short take profit hit", model.LimitDecrease, false, "4900", true},
		{"long stop loss hit", model.StopLossDecrease, true, "4900", true},
		{"long stop loss not hit", model.StopLossDecrease, true, "5100", false},
		{"short stop loss hit", model.StopLossDecrease, false, "5100", true},
		{"short limit entry hit", model.LimitIncrease, false, "5100", true},
		{"short limit entry not hit", model.LimitIncrease, false, "4900", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := &model.Order{Type: tc.typ, IsLong: tc.long, TriggerPrice: d("5000")}
			err := order.ValidateTrigger(o, at(tc.price))
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errs.ErrInvalidOrderPrice)
			}
		})
	}
}

func TestUpdate_OwnershipAndKinds(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	mkt, err := order.Create(ctx, env, marketIncrease())
	require.NoError(t, err)

	lim := marketIncrease()
	lim.Type = model.LimitIncrease
	lim.TriggerPrice = d("4800")
	lim, err = order.Create(ctx, env, lim)
	require.NoError(t, err)

	trigger := d("4500")
	size, acceptable := d("1"), d("1")
	env.Ref = 5
	_, err = order.Update(ctx, env, "mallory", lim.ID, order.UpdateParams{
		SizeDeltaUsd: &size, TriggerPrice: &trigger, AcceptablePrice: &acceptable,
	})
	assert.ErrorIs(t, err, errs.ErrForbidden)
	stored, err := env.State.Order(ctx, lim.ID)
	require.NoError(t, err)
	assert.True(t, stored.SizeDeltaUsd.Equal(d("10000")))
	assert.True(t, stored.TriggerPrice.Equal(d("4800")))
	assert.True(t, stored.AcceptablePrice.Equal(fixed.MaxPrice))
	assert.Equal(t, uint64(1), stored.Ref, "a refused update keeps the old stamp")
	env.Ref = 1

	_, err = order.Update(ctx, env, "alice", mkt.ID, order.UpdateParams{TriggerPrice: &trigger})
	assert.ErrorIs(t, err, errs.ErrOrderNotUpdatable)

	_, err = order.Freeze(ctx, env.State, lim.ID)
	require.NoError(t, err)
	env.Ref = 7
	updated, err := order.Update(ctx, env, "alice", lim.ID, order.UpdateParams{TriggerPrice: &trigger})
	require.NoError(t, err)
	assert.True(t, updated.TriggerPrice.Equal(trigger))
	assert.Equal(t, uint64(7), updated.Ref)
	assert.Equal(t, model.StatusCreated, updated.Status)
}

func TestFreeze(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	mkt, err := order.Create(ctx, env, marketIncrease())
	require.NoError(t, err)
	_, err = order.Freeze(ctx, env.State, mkt.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidOrderState)

	lim := marketIncrease()
	lim.Type = model.LimitIncrease
	lim.TriggerPrice = d("4800")
	lim.ExecutionFee = d("0.01")
	lim, err = order.Create(ctx, env, lim)
	require.NoError(t, err)

	frozen, err := order.Freeze(ctx, env.State, lim.ID)
	require.NoError(t, err)
	assert.True(t, frozen.IsFrozen())
	assert.True(t, frozen.ExecutionFee.IsZero())
}

func TestCancel_AgeAndRefund(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	o, err := order.Create(ctx, env, marketIncrease())
	require.NoError(t, err)

	env.Ref = 3
	_, err = order.Cancel(ctx, env, "alice", o.ID)
	assert.ErrorIs(t, err, errs.ErrRequestTooYoung)

	env.Ref = 6
	_, err = order.Cancel(ctx, env, "bob", o.ID)
	assert.ErrorIs(t, err, errs.ErrForbidden)

	cancelled, err := order.Cancel(ctx, env, "alice", o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)

	refund, err := env.State.Receivable(ctx, "alice", "WETH")
	require.NoError(t, err)
	assert.True(t, refund.Equal(d("1")))
	_, err = env.State.Order(ctx, o.ID)
	assert.ErrorIs(t, err, errs.ErrEmptyRequest)
}

func TestExecute_DecreaseCreditsReceiver(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	inc, err := order.Create(ctx, env, marketIncrease())
	require.NoError(t, err)
	pin(t, env, 1, "5000")
	_, err = order.Execute(ctx, env, inc.ID)
	require.NoError(t, err)

	dec, err := order.Create(ctx, env, &model.Order{
		Account:                "alice",
		Receiver:               "alice-cold",
		Market:                 ethUsd.MarketToken,
		InitialCollateralToken: "WETH",
		Type:                   model.MarketDecrease,
		IsLong:                 true,
		SizeDeltaUsd:           d("10000"),
	})
	require.NoError(t, err)
	res, err := order.Execute(ctx, env, dec.ID)
	require.NoError(t, err)
	assert.True(t, res.Decrease.Closed)

	got, err := env.State.Receivable(ctx, "alice-cold", "WETH")
	require.NoError(t, err)
	assert.True(t, got.Equal(res.OutputAmount))
	// 1 WETH less an open and a close fee of $10 each.
	assert.True(t, got.Equal(d("0.996")), "got %s", got)
}
