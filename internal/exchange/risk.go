package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/adl"
	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/order"
	"github.com/atmx/perp-engine/internal/state"
)

// CreateMarket registers a market with params and an empty pool.
func (e *Exchange) CreateMarket(ctx context.Context, caller string, m model.Market, params model.MarketParams) (*model.Market, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := e.authorize(ctx, caller, RoleMarketKeeper); err != nil {
		return nil, err
	}
	if err := e.step(ctx, func(st *state.State) error {
		return market.Create(ctx, st, &m, params)
	}); err != nil {
		return nil, err
	}
	metrics.ActiveMarkets.Inc()
	e.log.Info("market created", "market", m.MarketToken, "index", m.IndexToken, "long", m.LongToken, "short", m.ShortToken)
	return &m, nil
}

// SetGlobalParams replaces the exchange-wide settings.
func (e *Exchange) SetGlobalParams(ctx context.Context, caller string, g model.GlobalParams) error {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := e.authorize(ctx, caller, RoleConfigKeeper); err != nil {
		return err
	}
	return e.step(ctx, func(st *state.State) error { return st.PutGlobalParams(g) })
}

type positionView struct {
	pos    *model.Position
	tokens []string
}

// loadPosition reads key and the tokens its market needs, and rejects a
// ref older than the position's last change.
func (e *Exchange) loadPosition(ctx context.Context, key model.PositionKey, ref uint64) (positionView, error) {
	return read(e, func(st *state.State) (positionView, error) {
		pos, err := st.Position(ctx, key)
		if err != nil {
			return positionView{}, err
		}
		if last := max(pos.IncreasedAtRef, pos.DecreasedAtRef); ref < last {
			return positionView{}, errs.ErrStaleReference.With("position changed at %d, prices at %d", last, ref)
		}
		m, err := st.Market(ctx, key.Market)
		if err != nil {
			return positionView{}, err
		}
		return positionView{pos, oracle.MarketTokens(m)}, nil
	})
}

// Liquidate closes the position at key if it is liquidatable at the prices
// supplied for ref. Any failure leaves state untouched.
func (e *Exchange) Liquidate(ctx context.Context, keeper string, key model.PositionKey, ref uint64) (*Execution, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := e.authorize(ctx, keeper, RoleLiquidationKeeper); err != nil {
		return nil, err
	}
	if err := e.enabled(ctx, FeatureLiquidation); err != nil {
		return nil, err
	}
	defer observe("liquidation", time.Now())

	v, err := e.loadPosition(ctx, key, ref)
	if err != nil {
		return nil, err
	}
	release, err := e.stage(ref, v.tokens)
	if err != nil {
		return nil, err
	}
	defer release()

	var res *order.Result
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.orderEnv(ctx, st, ref)
		if err != nil {
			return err
		}
		o, err := order.Submit(ctx, env, &model.Order{
			Account:                key.Account,
			Receiver:               key.Account,
			Market:                 key.Market,
			InitialCollateralToken: key.CollateralToken,
			Type:                   model.Liquidation,
			IsLong:                 key.IsLong,
			SizeDeltaUsd:           v.pos.SizeInUsd,
		})
		if err != nil {
			return err
		}
		res, err = order.Execute(ctx, env, o.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.Liquidations.WithLabelValues(key.Market, metrics.Side(key.IsLong)).Inc()
	e.log.Warn("position liquidated", "account", key.Account, "market", key.Market, "long", key.IsLong,
		"size_usd", v.pos.SizeInUsd, "shortfall_usd", res.Decrease.ShortfallUsd, "ref", ref)
	e.notify(ctx, "", 0, Event{
		Kind: EventPositionLiquidated, ID: res.Order.ID, Account: key.Account, Market: key.Market, Ref: ref,
		Token: res.OutputToken, Amount: res.OutputAmount,
	})
	return &Execution{Kind: "liquidation", ID: res.Order.ID, Status: metrics.OutcomeExecuted, Order: res}, nil
}

// UpdateAdlState re-evaluates the ADL flag of one market side at the prices
// supplied for ref.
func (e *Exchange) UpdateAdlState(ctx context.Context, keeper, marketToken string, isLong bool, ref uint64) (*adl.State, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := e.authorize(ctx, keeper, RoleAdlKeeper); err != nil {
		return nil, err
	}
	if err := e.enabled(ctx, FeatureAdl); err != nil {
		return nil, err
	}

	m, err := read(e, func(st *state.State) (*model.Market, error) { return st.Market(ctx, marketToken) })
	if err != nil {
		return nil, err
	}
	release, err := e.stage(ref, oracle.MarketTokens(m))
	if err != nil {
		return nil, err
	}
	defer release()

	var out *adl.State
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.orderEnv(ctx, st, ref)
		if err != nil {
			return err
		}
		out, err = adl.UpdateAdlState(ctx, env, marketToken, isLong)
		return err
	})
	if err != nil {
		return nil, err
	}

	flag := 0.0
	if out.Enabled {
		flag = 1
	}
	metrics.AdlEnabled.WithLabelValues(marketToken, metrics.Side(isLong)).Set(flag)
	e.log.Info("adl state updated", "market", marketToken, "long", isLong, "enabled", out.Enabled, "pnl_factor", out.PnlFactor, "ref", ref)
	e.notify(ctx, "", 0, Event{Kind: EventAdlStateUpdated, Market: marketToken, Ref: ref, Amount: out.PnlFactor})
	return out, nil
}

// ExecuteAdl reduces the profitable position at key by sizeDeltaUsd while
// its side is flagged for ADL.
func (e *Exchange) ExecuteAdl(ctx context.Context, keeper string, key model.PositionKey, sizeDeltaUsd decimal.Decimal, ref uint64) (*adl.Result, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := e.authorize(ctx, keeper, RoleAdlKeeper); err != nil {
		return nil, err
	}
	if err := e.enabled(ctx, FeatureAdl); err != nil {
		return nil, err
	}
	defer observe("adl", time.Now())

	v, err := e.loadPosition(ctx, key, ref)
	if err != nil {
		return nil, err
	}
	release, err := e.stage(ref, v.tokens)
	if err != nil {
		return nil, err
	}
	defer release()

	var res *adl.Result
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.orderEnv(ctx, st, ref)
		if err != nil {
			return err
		}
		res, err = adl.ExecuteAdl(ctx, env, key, sizeDeltaUsd)
		return err
	})
	if err != nil {
		return nil, err
	}

	count("adl", metrics.OutcomeExecuted)
	e.log.Warn("position auto-deleveraged", "account", key.Account, "market", key.Market, "long", key.IsLong,
		"size_usd", sizeDeltaUsd, "pnl_factor_before", res.PnlFactorBefore, "pnl_factor_after", res.PnlFactorAfter, "ref", ref)
	e.notify(ctx, "", 0, Event{
		Kind: EventAdlExecuted, ID: res.Order.Order.ID, Account: key.Account, Market: key.Market, Ref: ref,
		Token: res.Order.OutputToken, Amount: res.Order.OutputAmount,
	})
	return res, nil
}

// PoolSummary is a priced snapshot of one market.
type PoolSummary struct {
	Market            model.Market     `json:"market"`
	Ref               uint64           `json:"ref"`
	PoolValueUsd      decimal.Decimal  `json:"pool_value_usd"`
	MarketTokenPrice  decimal.Decimal  `json:"market_token_price"`
	LongPnlFactor     decimal.Decimal  `json:"long_pnl_factor"`
	ShortPnlFactor    decimal.Decimal  `json:"short_pnl_factor"`
	OpenInterestLong  decimal.Decimal  `json:"open_interest_long"`
	OpenInterestShort decimal.Decimal  `json:"open_interest_short"`
	Pool              *model.PoolState `json:"pool"`
}

// SummarizePool prices marketToken's pool at the prices supplied for ref
// without changing state.
func (e *Exchange) SummarizePool(ctx context.Context, marketToken string, ref uint64) (*PoolSummary, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return read(e, func(st *state.State) (*PoolSummary, error) {
		pool, err := market.Load(ctx, st, marketToken)
		if err != nil {
			return nil, err
		}
		release, err := e.stage(ref, oracle.MarketTokens(pool.Market))
		if err != nil {
			return nil, err
		}
		defer release()
		prices, err := oracle.MarketPrices(e.oracle, pool.Market)
		if err != nil {
			return nil, err
		}
		pool.UpdateFundingAndBorrowing(prices, e.env.Now())
		price, value, err := pool.MarketTokenPrice(prices, false, model.PnlFactorTraders)
		if err != nil {
			return nil, err
		}
		return &PoolSummary{
			Market:            *pool.Market,
			Ref:               ref,
			PoolValueUsd:      value,
			MarketTokenPrice:  price,
			LongPnlFactor:     pool.PnlToPoolFactor(true, prices, true),
			ShortPnlFactor:    pool.PnlToPoolFactor(false, prices, true),
			OpenInterestLong:  pool.OpenInterest(true),
			OpenInterestShort: pool.OpenInterest(false),
			Pool:              pool.State,
		}, nil
	})
}
