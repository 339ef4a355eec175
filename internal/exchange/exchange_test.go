package exchange_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/order"
	"github.com/atmx/perp-engine/internal/state"
	"github.com/atmx/perp-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var ethUsd = model.Market{MarketToken: "ETH/USD:WETH-USDC", IndexToken: "ETH", LongToken: "WETH", ShortToken: "USDC"}

type feeLog struct {
	mu   sync.Mutex
	paid map[string]decimal.Decimal
}

func (f *feeLog) Pay(_ context.Context, to string, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paid[to] = f.paid[to].Add(amount)
	return nil
}

func (f *feeLog) total(to string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paid[to]
}

type registry map[string]exchange.CallbackTarget

func (r registry) Lookup(name string) (exchange.CallbackTarget, bool) {
	t, ok := r[name]
	return t, ok
}

type callbackFunc func(context.Context, exchange.Event) error

func (f callbackFunc) Notify(ctx context.Context, ev exchange.Event) error { return f(ctx, ev) }

type harness struct {
	ex       *exchange.Exchange
	prices   *oracle.Adapter
	clock    *exchange.Clock
	roles    *exchange.StaticRoles
	features *exchange.StaticFeatures
	fees     *feeLog
	events   []exchange.Event
}

func newHarness(t *testing.T, opts ...exchange.Option) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		prices:   oracle.NewAdapter(),
		clock:    exchange.NewClock(1, func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }),
		roles:    exchange.NewStaticRoles(),
		features: exchange.NewStaticFeatures(),
		fees:     &feeLog{paid: make(map[string]decimal.Decimal)},
	}
	h.roles.Grant("exchange", exchange.RoleController)
	h.roles.Grant("keeper", exchange.RoleOrderKeeper, exchange.RoleFrozenOrderKeeper,
		exchange.RoleLiquidationKeeper, exchange.RoleAdlKeeper)
	h.roles.Grant("admin", exchange.RoleMarketKeeper, exchange.RoleConfigKeeper)

	recorder := callbackFunc(func(_ context.Context, ev exchange.Event) error {
		h.events = append(h.events, ev)
		return nil
	})
	all := append([]exchange.Option{
		exchange.WithRoles(h.roles),
		exchange.WithController("exchange", h.roles),
		exchange.WithFeatures(h.features),
		exchange.WithFeeSink(h.fees),
		exchange.WithObservers(recorder),
		exchange.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	h.ex = exchange.New(store.NewMemoryStore(), h.prices, h.clock, all...)

	_, err := h.ex.CreateMarket(ctx, "admin", ethUsd, model.DefaultMarketParams())
	require.NoError(t, err)

	h.supply(1, "5000")
	dep, err := h.ex.CreateDeposit(ctx, "lp", model.Deposit{
		Market:           ethUsd.MarketToken,
		LongTokenAmount:  d("100"),
		ShortTokenAmount: d("500000"),
	})
	require.NoError(t, err)
	exec, err := h.ex.ExecuteDeposit(ctx, "keeper", dep.ID, 1)
	require.NoError(t, err)
	require.Equal(t, metrics.OutcomeExecuted, exec.Status)
	return h
}

// supply publishes prices for ref and moves the clock to it.
func (h *harness) supply(ref uint64, eth string) {
	h.prices.Supply(ref, map[string]model.Price{
		"ETH":  model.NewPrice(d(eth)),
		"WETH": model.NewPrice(d(eth)),
		"USDC": model.NewPrice(d("1")),
	})
	h.clock.Observe(ref)
}

func (h *harness) lastEvent() exchange.Event {
	return h.events[len(h.events)-1]
}

func longIncrease() model.Order {
	return model.Order{
		Market:                       ethUsd.MarketToken,
		InitialCollateralToken:       "WETH",
		Type:                         model.MarketIncrease,
		IsLong:                       true,
		SizeDeltaUsd:                 d("10000"),
		InitialCollateralDeltaAmount: d("1"),
		AcceptablePrice:              fixed.MaxPrice,
		ExecutionFee:                 d("0.01"),
	}
}

var aliceLong = model.PositionKey{Account: "alice", Market: ethUsd.MarketToken, CollateralToken: "WETH", IsLong: true}

// openAliceLong opens a 2x long of $10000 on 1 WETH at ref.
func openAliceLong(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	o, err := h.ex.CreateOrder(ctx, "alice", longIncrease())
	require.NoError(t, err)
	exec, err := h.ex.ExecuteOrder(ctx, "keeper", o.ID, o.Ref)
	require.NoError(t, err)
	require.Equal(t, metrics.OutcomeExecuted, exec.Status, exec.Reason)
}

func TestExecuteOrder_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	o, err := h.ex.CreateOrder(ctx, "alice", longIncrease())
	require.NoError(t, err)
	assert.Equal(t, "alice", o.Account)

	exec, err := h.ex.ExecuteOrder(ctx, "keeper", o.ID, 1)
	require.NoError(t, err)
	require.Equal(t, metrics.OutcomeExecuted, exec.Status)

	pos, err := h.ex.Position(ctx, aliceLong)
	require.NoError(t, err)
	assert.True(t, pos.SizeInUsd.Equal(d("10000")))
	assert.True(t, pos.SizeInTokens.Equal(d("2")))
	assert.True(t, pos.CollateralAmount.Equal(d("0.998")), "position fee of $10 taken, got %s", pos.CollateralAmount)
	assert.True(t, h.fees.total("keeper").Equal(d("0.01")))
	assert.Equal(t, exchange.EventOrderExecuted, h.lastEvent().Kind)

	_, err = h.ex.ExecuteOrder(ctx, "keeper", o.ID, 1)
	assert.ErrorIs(t, err, errs.ErrEmptyRequest)
}

func TestExecuteOrder_HardFailureKeepsRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o, err := h.ex.CreateOrder(ctx, "alice", longIncrease())
	require.NoError(t, err)

	_, err = h.ex.ExecuteOrder(ctx, "keeper", o.ID, 2)
	assert.ErrorIs(t, err, errs.ErrReferenceMismatch, "no prices supplied for 2")

	h.supply(2, "5000")
	_, err = h.ex.ExecuteOrder(ctx, "keeper", o.ID, 2)
	assert.ErrorIs(t, err, errs.ErrReferenceMismatch, "market order pinned to its stamp")

	_, err = h.ex.Order(ctx, o.ID)
	require.NoError(t, err, "hard failures leave the order in place")
	reason, err := h.ex.FailureReason(ctx, state.KindOrder, o.ID)
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.True(t, h.fees.total("keeper").IsZero())
}

func TestExecuteOrder_MarketOrderCancelled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	in := longIncrease()
	in.AcceptablePrice = d("4000")
	o, err := h.ex.CreateOrder(ctx, "alice", in)
	require.NoError(t, err)

	exec, err := h.ex.ExecuteOrder(ctx, "keeper", o.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeCancelled, exec.Status)
	assert.Contains(t, exec.Reason, "OrderPriceExceedsAcceptable")

	_, err = h.ex.Order(ctx, o.ID)
	assert.ErrorIs(t, err, errs.ErrEmptyRequest)
	reason, err := h.ex.FailureReason(ctx, state.KindOrder, o.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.Reason, reason)

	refund, err := h.ex.Receivable(ctx, "alice", "WETH")
	require.NoError(t, err)
	assert.True(t, refund.Equal(d("1")))
	assert.True(t, h.fees.total("keeper").Equal(d("0.01")))
	assert.Equal(t, exchange.EventOrderCancelled, h.lastEvent().Kind)

	_, err = h.ex.Position(ctx, aliceLong)
	assert.ErrorIs(t, err, errs.ErrEmptyPosition)
}

func TestExecuteOrder_LimitFrozenThenCancelled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.roles.Grant("junior", exchange.RoleOrderKeeper)

	in := longIncrease()
	in.Type = model.LimitIncrease
	in.TriggerPrice = d("6000")
	in.AcceptablePrice = d("4000")
	o, err := h.ex.CreateOrder(ctx, "alice", in)
	require.NoError(t, err)

	h.supply(2, "5000")
	exec, err := h.ex.ExecuteOrder(ctx, "keeper", o.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeFrozen, exec.Status)

	frozen, err := h.ex.Order(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFrozen, frozen.Status)
	assert.True(t, frozen.ExecutionFee.IsZero())

	h.supply(3, "5000")
	_, err = h.ex.ExecuteOrder(ctx, "junior", o.ID, 3)
	assert.ErrorIs(t, err, errs.ErrForbidden, "frozen orders need the frozen order keeper")

	exec, err = h.ex.ExecuteOrder(ctx, "keeper", o.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeCancelled, exec.Status)
	refund, err := h.ex.Receivable(ctx, "alice", "WETH")
	require.NoError(t, err)
	assert.True(t, refund.Equal(d("1")))
}

func TestFreezeAndUpdateOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	in := longIncrease()
	in.Type = model.LimitIncrease
	in.TriggerPrice = d("4500")
	o, err := h.ex.CreateOrder(ctx, "alice", in)
	require.NoError(t, err)

	_, err = h.ex.FreezeOrder(ctx, "alice", o.ID, "manual")
	assert.ErrorIs(t, err, errs.ErrForbidden)
	frozen, err := h.ex.FreezeOrder(ctx, "keeper", o.ID, "manual")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFrozen, frozen.Status)
	assert.True(t, h.fees.total("keeper").Equal(d("0.01")))

	trigger := d("4800")
	_, err = h.ex.UpdateOrder(ctx, "bob", o.ID, order.UpdateParams{TriggerPrice: &trigger})
	assert.ErrorIs(t, err, errs.ErrForbidden)

	h.supply(4, "5000")
	updated, err := h.ex.UpdateOrder(ctx, "alice", o.ID, order.UpdateParams{TriggerPrice: &trigger})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, updated.Status)
	assert.Equal(t, uint64(4), updated.Ref)
	assert.True(t, updated.TriggerPrice.Equal(trigger))
}

func TestCancelOrder_RefundsFeeToOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	o, err := h.ex.CreateOrder(ctx, "alice", longIncrease())
	require.NoError(t, err)

	_, err = h.ex.CancelOrder(ctx, "alice", o.ID)
	assert.ErrorIs(t, err, errs.ErrRequestTooYoung)

	h.supply(6, "5000")
	_, err = h.ex.CancelOrder(ctx, "bob", o.ID)
	assert.ErrorIs(t, err, errs.ErrForbidden)
	_, err = h.ex.CancelOrder(ctx, "alice", o.ID)
	require.NoError(t, err)
	assert.True(t, h.fees.total("alice").Equal(d("0.01")))
	refund, err := h.ex.Receivable(ctx, "alice", "WETH")
	require.NoError(t, err)
	assert.True(t, refund.Equal(d("1")))
}

func TestExecuteDeposit_CancelledOnMinOutput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	dep, err := h.ex.CreateDeposit(ctx, "lp2", model.Deposit{
		Market:          ethUsd.MarketToken,
		LongTokenAmount: d("1"),
		MinMarketTokens: d("1000000"),
		ExecutionFee:    d("0.02"),
	})
	require.NoError(t, err)

	exec, err := h.ex.ExecuteDeposit(ctx, "keeper", dep.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeCancelled, exec.Status)
	assert.Contains(t, exec.Reason, "MinOutputNotMet")

	refund, err := h.ex.Receivable(ctx, "lp2", "WETH")
	require.NoError(t, err)
	assert.True(t, refund.Equal(d("1")))
	assert.True(t, h.fees.total("keeper").Equal(d("0.02")))
	_, err = h.ex.Deposit(ctx, dep.ID)
	assert.ErrorIs(t, err, errs.ErrEmptyRequest)
}

func TestWithdrawal_RoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	shares, err := h.ex.MarketTokenBalance(ctx, ethUsd.MarketToken, "lp")
	require.NoError(t, err)
	assert.True(t, shares.Equal(d("999500")), "got %s", shares)

	w, err := h.ex.CreateWithdrawal(ctx, "lp", model.Withdrawal{Market: ethUsd.MarketToken, MarketTokenAmount: shares})
	require.NoError(t, err)
	exec, err := h.ex.ExecuteWithdrawal(ctx, "keeper", w.ID, 1)
	require.NoError(t, err)
	require.Equal(t, metrics.OutcomeExecuted, exec.Status, exec.Reason)

	weth, err := h.ex.Receivable(ctx, "lp", "WETH")
	require.NoError(t, err)
	assert.True(t, weth.Equal(d("99.95")), "got %s", weth)
	pool, err := h.ex.Pool(ctx, ethUsd.MarketToken)
	require.NoError(t, err)
	assert.True(t, pool.MarketTokenSupply.IsZero())
}

func TestLiquidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	openAliceLong(t, h)

	_, err := h.ex.Liquidate(ctx, "alice", aliceLong, 1)
	assert.ErrorIs(t, err, errs.ErrForbidden)

	h.supply(2, "4000")
	_, err = h.ex.Liquidate(ctx, "keeper", aliceLong, 2)
	assert.ErrorIs(t, err, errs.ErrPositionNotLiquidated)
	_, err = h.ex.Position(ctx, aliceLong)
	require.NoError(t, err, "failed liquidation changes nothing")

	h.supply(3, "3000")
	exec, err := h.ex.Liquidate(ctx, "keeper", aliceLong, 3)
	require.NoError(t, err)
	require.NotNil(t, exec.Order.Decrease)
	assert.True(t, exec.Order.Decrease.Closed)
	assert.True(t, exec.Order.Decrease.ShortfallUsd.IsPositive())

	_, err = h.ex.Position(ctx, aliceLong)
	assert.ErrorIs(t, err, errs.ErrEmptyPosition)
	pool, err := h.ex.Pool(ctx, ethUsd.MarketToken)
	require.NoError(t, err)
	for token, oi := range pool.OpenInterest {
		assert.True(t, oi.Long.IsZero(), "long open interest left in %s: %s", token, oi.Long)
	}
	sum, err := h.ex.SummarizePool(ctx, ethUsd.MarketToken, 3)
	require.NoError(t, err)
	assert.True(t, sum.OpenInterestLong.IsZero())
	assert.Equal(t, exchange.EventPositionLiquidated, h.lastEvent().Kind)
}

func TestLiquidate_StaleReference(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.supply(4, "5000")
	o, err := h.ex.CreateOrder(ctx, "alice", longIncrease())
	require.NoError(t, err)
	_, err = h.ex.ExecuteOrder(ctx, "keeper", o.ID, 4)
	require.NoError(t, err)

	_, err = h.ex.Liquidate(ctx, "keeper", aliceLong, 3)
	assert.ErrorIs(t, err, errs.ErrStaleReference)
}

func TestAdl_Gating(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	openAliceLong(t, h)

	_, err := h.ex.ExecuteAdl(ctx, "keeper", aliceLong, d("1000"), 1)
	assert.ErrorIs(t, err, errs.ErrAdlNotEnabled)

	st, err := h.ex.UpdateAdlState(ctx, "keeper", ethUsd.MarketToken, true, 1)
	require.NoError(t, err)
	assert.False(t, st.Enabled)

	_, err = h.ex.UpdateAdlState(ctx, "alice", ethUsd.MarketToken, true, 1)
	assert.ErrorIs(t, err, errs.ErrForbidden)
}

func TestFeatureGate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.features.Set(exchange.FeatureCreateOrder, false)
	_, err := h.ex.CreateOrder(ctx, "alice", longIncrease())
	assert.ErrorIs(t, err, errs.ErrDisabledFeature)

	h.features.Set(exchange.FeatureCreateOrder, true)
	_, err = h.ex.CreateOrder(ctx, "alice", longIncrease())
	assert.NoError(t, err)
}

func TestCallbacks_ReentryRejectedAndPanicsSwallowed(t *testing.T) {
	ctx := context.Background()
	var h *harness
	var nested error
	reg := registry{
		"nested": callbackFunc(func(ctx context.Context, _ exchange.Event) error {
			_, nested = h.ex.CreateOrder(ctx, "alice", longIncrease())
			return nested
		}),
		"boom": callbackFunc(func(context.Context, exchange.Event) error { panic("boom") }),
	}
	h = newHarness(t, exchange.WithCallbacks(reg))

	in := longIncrease()
	in.CallbackTarget = "nested"
	o, err := h.ex.CreateOrder(ctx, "alice", in)
	require.NoError(t, err)
	exec, err := h.ex.ExecuteOrder(ctx, "keeper", o.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeExecuted, exec.Status)
	assert.ErrorIs(t, nested, errs.ErrReentrantCall)

	in.CallbackTarget = "boom"
	o, err = h.ex.CreateOrder(ctx, "alice", in)
	require.NoError(t, err)
	exec, err = h.ex.ExecuteOrder(ctx, "keeper", o.ID, 1)
	require.NoError(t, err, "a panicking callback does not undo execution")
	assert.Equal(t, metrics.OutcomeExecuted, exec.Status)

	pos, err := h.ex.Position(ctx, aliceLong)
	require.NoError(t, err)
	assert.True(t, pos.SizeInUsd.Equal(d("20000")))
}

// waitFor fails t unless fn returns within a second.
func waitFor(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("exchange call did not return")
	}
}

func TestCallbacks_RunAfterLockIsReleased(t *testing.T) {
	ctx := context.Background()
	var h *harness
	var nested error
	reg := registry{
		"fresh": callbackFunc(func(context.Context, exchange.Event) error {
			_, nested = h.ex.CreateOrder(context.Background(), "alice", longIncrease())
			return nested
		}),
	}
	h = newHarness(t, exchange.WithCallbacks(reg))

	in := longIncrease()
	in.CallbackTarget = "fresh"
	in.CallbackGasLimit = 500
	o, err := h.ex.CreateOrder(ctx, "alice", in)
	require.NoError(t, err)

	var exec *exchange.Execution
	waitFor(t, func() { exec, err = h.ex.ExecuteOrder(ctx, "keeper", o.ID, 1) })
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeExecuted, exec.Status)
	assert.NoError(t, nested, "a fresh context runs as its own step")

	list, err := h.ex.AccountOrders(ctx, "alice", 0, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCallbacks_BlockingTargetAbandoned(t *testing.T) {
	ctx := context.Background()
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	reg := registry{
		"stuck": callbackFunc(func(context.Context, exchange.Event) error {
			<-stuck
			return nil
		}),
	}
	h := newHarness(t, exchange.WithCallbacks(reg))

	in := longIncrease()
	in.CallbackTarget = "stuck"
	in.CallbackGasLimit = 20
	o, err := h.ex.CreateOrder(ctx, "alice", in)
	require.NoError(t, err)

	var exec *exchange.Execution
	waitFor(t, func() { exec, err = h.ex.ExecuteOrder(ctx, "keeper", o.ID, 1) })
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeExecuted, exec.Status)

	waitFor(t, func() { _, err = h.ex.CreateOrder(ctx, "alice", longIncrease()) })
	assert.NoError(t, err)
}

type counter struct {
	mu sync.Mutex
	n  map[exchange.EventKind]int
}

func (c *counter) Notify(_ context.Context, ev exchange.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[ev.Kind]++
	return nil
}

func TestCallbacks_ObserverTargetNotifiedOnce(t *testing.T) {
	ctx := context.Background()
	c := &counter{n: make(map[exchange.EventKind]int)}
	h := newHarness(t, exchange.WithCallbacks(registry{"ws": c}), exchange.WithObservers(c))

	in := longIncrease()
	in.CallbackTarget = "ws"
	o, err := h.ex.CreateOrder(ctx, "alice", in)
	require.NoError(t, err)
	_, err = h.ex.ExecuteOrder(ctx, "keeper", o.ID, 1)
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, 1, c.n[exchange.EventOrderExecuted])
	assert.Equal(t, 1, c.n[exchange.EventDepositExecuted])
}

var errShortFunds = errors.New("short of funds")

type vault struct {
	mu  sync.Mutex
	bal map[string]map[string]decimal.Decimal
}

func (v *vault) fund(account, token string, amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.bal[account] == nil {
		v.bal[account] = make(map[string]decimal.Decimal)
	}
	v.bal[account][token] = v.bal[account][token].Add(amount)
}

func (v *vault) balance(account, token string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bal[account][token]
}

func (v *vault) Collect(_ context.Context, account string, funds map[string]decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for token, amt := range funds {
		if v.bal[account][token].LessThan(amt) {
			return errShortFunds
		}
	}
	for token, amt := range funds {
		v.bal[account][token] = v.bal[account][token].Sub(amt)
	}
	return nil
}

func TestCreate_CustodyCollectsFunds(t *testing.T) {
	ctx := context.Background()
	v := &vault{bal: make(map[string]map[string]decimal.Decimal)}
	v.fund("lp", "WETH", d("100"))
	v.fund("lp", "USDC", d("500000"))
	v.fund("alice", "USDC", d("5000"))
	h := newHarness(t, exchange.WithCustody(v))
	assert.True(t, v.balance("lp", "WETH").IsZero())
	assert.True(t, v.balance("lp", "USDC").IsZero())

	_, err := h.ex.CreateDeposit(ctx, "lp", model.Deposit{Market: ethUsd.MarketToken, LongTokenAmount: d("1")})
	assert.ErrorIs(t, err, errs.ErrUnfundedRequest)
	deps, err := h.ex.AccountDeposits(ctx, "lp", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, deps, "refused deposits are not stored")

	_, err = h.ex.CreateOrder(ctx, "alice", longIncrease())
	assert.ErrorIs(t, err, errs.ErrUnfundedRequest, "alice holds no WETH")
	orders, err := h.ex.AccountOrders(ctx, "alice", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.True(t, v.balance("alice", "USDC").Equal(d("5000")), "a refused request takes nothing")

	v.fund("alice", "WETH", d("1"))
	in := longIncrease()
	in.AcceptablePrice = d("4000")
	o, err := h.ex.CreateOrder(ctx, "alice", in)
	require.NoError(t, err)
	assert.True(t, v.balance("alice", "WETH").IsZero())

	exec, err := h.ex.ExecuteOrder(ctx, "keeper", o.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeCancelled, exec.Status)
	refund, err := h.ex.Receivable(ctx, "alice", "WETH")
	require.NoError(t, err)
	assert.True(t, refund.Equal(d("1")), "only collected funds are refunded")
}

func TestSummarizePool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sum, err := h.ex.SummarizePool(ctx, ethUsd.MarketToken, 1)
	require.NoError(t, err)
	assert.True(t, sum.PoolValueUsd.Equal(d("1000000")), "got %s", sum.PoolValueUsd)
	// Deposit fees stayed in the pool, so each of the 999500 shares is worth a little over $1.
	assert.True(t, sum.MarketTokenPrice.GreaterThan(d("1")), "got %s", sum.MarketTokenPrice)
	assert.True(t, sum.MarketTokenPrice.LessThan(d("1.001")), "got %s", sum.MarketTokenPrice)

	_, err = h.ex.SummarizePool(ctx, ethUsd.MarketToken, 9)
	assert.ErrorIs(t, err, errs.ErrReferenceMismatch)
}
