// Package liquidity mints and burns pool shares against pooled collateral
// in two phases: a request is stored, then executed by a keeper at the
// prices pinned to its reference point.
package liquidity

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/pricing"
	"github.com/atmx/perp-engine/internal/state"
)

// Env is the context of one liquidity step.
type Env struct {
	State  *state.State
	Oracle oracle.Oracle
	Ref    uint64
	Now    time.Time
	Global model.GlobalParams
}

// load returns the pool of marketToken and its staged prices, with the
// accumulators advanced to now.
func load(ctx context.Context, env *Env, marketToken string) (*market.Pool, model.MarketPrices, error) {
	pool, err := market.Load(ctx, env.State, marketToken)
	if err != nil {
		return nil, model.MarketPrices{}, err
	}
	prices, err := oracle.MarketPrices(env.Oracle, pool.Market)
	if err != nil {
		return nil, model.MarketPrices{}, err
	}
	pool.UpdateFundingAndBorrowing(prices, env.Now)
	return pool, prices, nil
}

func checkRef(kind string, id, stamped, pinned uint64) error {
	if stamped != pinned {
		return errs.ErrReferenceMismatch.With("%s %d stamped %d, prices at %d", kind, id, stamped, pinned)
	}
	return nil
}

func checkCancel(env *Env, owner, caller string, stamped uint64) error {
	if owner != caller {
		return errs.ErrForbidden.With("request belongs to %s", owner)
	}
	if env.Ref < stamped+env.Global.RequestMinAge {
		return errs.ErrRequestTooYoung.With("stamped at %d, now %d", stamped, env.Ref)
	}
	return nil
}

// Leg is one token of a deposit or withdrawal after fees and impact.
type Leg struct {
	Token     string
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	ImpactUsd decimal.Decimal
}

// chargeFee takes the swap fee from amount and books the receiver share.
func chargeFee(ctx context.Context, env *Env, pool *market.Pool, token string, amount decimal.Decimal) (net, fee, receiver decimal.Decimal, err error) {
	fee = pricing.Fee(amount, pool.Params.SwapFeeFactor)
	receiver = fixed.Mul(fee, pool.Params.FeeReceiverFactor, fixed.Down)
	if err := env.State.AddClaimableFee(ctx, pool.Market.MarketToken, token, receiver); err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	return amount.Sub(fee), fee, receiver, nil
}

// poolUsd values both collateral tokens at their min prices.
func poolUsd(pool *market.Pool, prices model.MarketPrices) model.SideAmounts {
	m := pool.Market
	return model.SideAmounts{
		Long:  fixed.Mul(pool.PoolAmount(m.LongToken), prices.Long.Min, fixed.Down),
		Short: fixed.Mul(pool.PoolAmount(m.ShortToken), prices.Short.Min, fixed.Down),
	}
}
