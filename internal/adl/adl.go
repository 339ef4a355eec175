// Package adl implements auto-deleveraging: flagging a side whose unrealised
// profit is too large for its pool and force-reducing profitable positions
// until the ratio recovers.
package adl

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/order"
	"github.com/atmx/perp-engine/internal/position"
)

// State is the outcome of an ADL state update.
type State struct {
	Market    string
	IsLong    bool
	Enabled   bool
	PnlFactor decimal.Decimal
	Ref       uint64
}

// UpdateAdlState recomputes the side's pnl-to-pool factor at the pinned
// prices and sets the ADL flag when it exceeds MaxPnlFactorForAdl.
func UpdateAdlState(ctx context.Context, env *order.Env, marketToken string, isLong bool) (*State, error) {
	pool, err := market.Load(ctx, env.State, marketToken)
	if err != nil {
		return nil, err
	}
	if latest := pool.State.LatestAdlRef.Get(isLong); env.Ref < latest {
		return nil, errs.ErrStaleReference.With("adl state at %d, prices at %d", latest, env.Ref)
	}
	prices, err := oracle.MarketPrices(env.Oracle, pool.Market)
	if err != nil {
		return nil, err
	}
	exceeded, factor := pool.IsPnlFactorExceeded(isLong, prices, model.PnlFactorAdl)
	pool.State.AdlEnabled.Set(isLong, exceeded)
	pool.State.LatestAdlRef.Set(isLong, env.Ref)
	return &State{Market: marketToken, IsLong: isLong, Enabled: exceeded, PnlFactor: factor, Ref: env.Ref}, nil
}

// ValidateAdl requires the side to be flagged and the pinned prices to be
// no older than the update that flagged it.
func ValidateAdl(pool *market.Pool, isLong bool, ref uint64) error {
	if !pool.State.AdlEnabled.Get(isLong) {
		return errs.ErrAdlNotEnabled.With("%s %s", pool.Market.MarketToken, sideName(isLong))
	}
	if latest := pool.State.LatestAdlRef.Get(isLong); ref < latest {
		return errs.ErrStaleReference.With("adl state at %d, prices at %d", latest, ref)
	}
	return nil
}

// CreateAdlOrder stores a market decrease of sizeDeltaUsd against a
// profitable position. Its acceptable price is the extreme that never
// blocks the decrease: zero for longs and MaxPrice for shorts.
func CreateAdlOrder(ctx context.Context, env *order.Env, key model.PositionKey, sizeDeltaUsd decimal.Decimal) (*model.Order, error) {
	pool, err := market.Load(ctx, env.State, key.Market)
	if err != nil {
		return nil, err
	}
	if err := ValidateAdl(pool, key.IsLong, env.Ref); err != nil {
		return nil, err
	}
	pos, err := env.State.Position(ctx, key)
	if err != nil {
		return nil, err
	}
	prices, err := oracle.MarketPrices(env.Oracle, pool.Market)
	if err != nil {
		return nil, err
	}
	if pnl, _ := position.Pnl(pool, prices, pos, pos.SizeInUsd); !pnl.IsPositive() {
		return nil, errs.ErrAdlNotProfitable.With("position %s pnl %s", key, pnl)
	}
	if !sizeDeltaUsd.IsPositive() {
		return nil, errs.ErrInvalidSizeDelta.With("adl size %s", sizeDeltaUsd)
	}

	acceptable := fixed.MaxPrice
	if key.IsLong {
		acceptable = fixed.Zero
	}
	return order.Submit(ctx, env, &model.Order{
		Account:                key.Account,
		Receiver:               key.Account,
		Market:                 key.Market,
		InitialCollateralToken: key.CollateralToken,
		Type:                   model.MarketDecrease,
		IsLong:                 key.IsLong,
		SizeDeltaUsd:           fixed.Min(sizeDeltaUsd, pos.SizeInUsd),
		AcceptablePrice:        acceptable,
		IsAdl:                  true,
	})
}

// Result reports an executed ADL.
type Result struct {
	Order           *order.Result
	PnlFactorBefore decimal.Decimal
	PnlFactorAfter  decimal.Decimal
}

// ExecuteAdl creates and executes an ADL order in one step. The side's
// pnl-to-pool factor must fall, and must not fall below MinPnlFactorAfterAdl.
func ExecuteAdl(ctx context.Context, env *order.Env, key model.PositionKey, sizeDeltaUsd decimal.Decimal) (*Result, error) {
	pool, err := market.Load(ctx, env.State, key.Market)
	if err != nil {
		return nil, err
	}
	prices, err := oracle.MarketPrices(env.Oracle, pool.Market)
	if err != nil {
		return nil, err
	}
	before := pool.PnlToPoolFactor(key.IsLong, prices, true)

	o, err := CreateAdlOrder(ctx, env, key, sizeDeltaUsd)
	if err != nil {
		return nil, err
	}
	res, err := order.Execute(ctx, env, o.ID)
	if err != nil {
		return nil, err
	}

	after := pool.PnlToPoolFactor(key.IsLong, prices, true)
	if !after.LessThan(before) {
		return nil, errs.ErrInvalidAdl.With("pnl factor %s did not fall from %s", after, before)
	}
	if after.LessThan(pool.Params.MinPnlFactorAfterAdl) {
		return nil, errs.ErrInvalidAdl.With("pnl factor %s below %s", after, pool.Params.MinPnlFactorAfterAdl)
	}
	return &Result{Order: res, PnlFactorBefore: before, PnlFactorAfter: after}, nil
}

func sideName(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
