package order

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/swap"
)

// Result reports what executing an order did.
type Result struct {
	Order        *model.Order
	Swaps        []*swap.Result
	Increase     *position.IncreaseResult
	Decrease     *position.DecreaseResult
	OutputToken  string
	OutputAmount decimal.Decimal
}

// ValidateReference checks the pinned reference against the order's stamp.
// Market orders execute at exactly their stamp; limit and trigger orders
// need prices newer than their last update.
func ValidateReference(o *model.Order, ref uint64) error {
	if o.Type.IsMarket() {
		if ref != o.Ref {
			return errs.ErrReferenceMismatch.With("order %d stamped %d, prices at %d", o.ID, o.Ref, ref)
		}
		return nil
	}
	if ref <= o.Ref {
		return errs.ErrStaleReference.With("order %d stamped %d, prices at %d", o.ID, o.Ref, ref)
	}
	return nil
}

// ValidateTrigger checks a limit or trigger order's condition against the
// pinned index price.
func ValidateTrigger(o *model.Order, index model.Price) error {
	var ok bool
	switch o.Type {
	case model.LimitIncrease:
		if o.IsLong {
			ok = index.Max.LessThanOrEqual(o.TriggerPrice)
		} else {
			ok = index.Min.GreaterThanOrEqual(o.TriggerPrice)
		}
	case model.LimitDecrease:
		if o.IsLong {
			ok = index.Min.GreaterThanOrEqual(o.TriggerPrice)
		} else {
			ok = index.Max.LessThanOrEqual(o.TriggerPrice)
		}
	case model.StopLossDecrease:
		if o.IsLong {
			ok = index.Min.LessThanOrEqual(o.TriggerPrice)
		} else {
			ok = index.Max.GreaterThanOrEqual(o.TriggerPrice)
		}
	default:
		return nil
	}
	if !ok {
		return errs.ErrInvalidOrderPrice.With("%s trigger %s not met at [%s, %s]", o.Type, o.TriggerPrice, index.Min, index.Max)
	}
	return nil
}

// Execute runs order id against the staged prices. On success the order is
// deleted; on error nothing written by this call may be kept.
func Execute(ctx context.Context, env *Env, id uint64) (*Result, error) {
	o, err := env.State.Order(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateReference(o, env.Ref); err != nil {
		return nil, err
	}

	res := &Result{Order: o}
	switch {
	case o.Type.IsSwap():
		err = executeSwap(ctx, env, o, res)
	case o.Type.IsIncrease():
		err = executeIncrease(ctx, env, o, res)
	default:
		err = executeDecrease(ctx, env, o, res)
	}
	if err != nil {
		return nil, err
	}

	if !o.Transition(model.StatusExecuted) {
		return nil, errs.ErrInvalidOrderState.With("order %d is %s", o.ID, o.Status)
	}
	env.State.DeleteOrder(o)
	return res, nil
}

func executeSwap(ctx context.Context, env *Env, o *model.Order, res *Result) error {
	token, amount, hops, err := swap.Along(ctx, env.State, env.Oracle, o.SwapPath, o.InitialCollateralToken, o.InitialCollateralDeltaAmount, o.MinOutputAmount)
	if err != nil {
		return err
	}
	res.Swaps = hops
	res.OutputToken, res.OutputAmount = token, amount
	return env.State.Credit(ctx, o.Receiver, token, amount)
}

func positionEnv(ctx context.Context, env *Env, marketToken string) (*position.Env, error) {
	pool, err := market.Load(ctx, env.State, marketToken)
	if err != nil {
		return nil, err
	}
	prices, err := oracle.MarketPrices(env.Oracle, pool.Market)
	if err != nil {
		return nil, err
	}
	return &position.Env{
		State:                     env.State,
		Pool:                      pool,
		Prices:                    prices,
		Ref:                       env.Ref,
		Now:                       env.Now,
		Referrals:                 env.Referrals,
		MaxCorrelatedOpenInterest: env.Global.MaxCorrelatedOpenInterest,
	}, nil
}

func executeIncrease(ctx context.Context, env *Env, o *model.Order, res *Result) error {
	penv, err := positionEnv(ctx, env, o.Market)
	if err != nil {
		return err
	}
	if err := ValidateTrigger(o, penv.Prices.Index); err != nil {
		return err
	}

	token, amount, hops, err := swap.Along(ctx, env.State, env.Oracle, o.SwapPath, o.InitialCollateralToken, o.InitialCollateralDeltaAmount, o.MinOutputAmount)
	if err != nil {
		return err
	}
	res.Swaps = hops
	if !penv.Pool.Market.IsCollateral(token) {
		return errs.ErrInvalidCollateral.With("%s not in market %s", token, o.Market)
	}

	inc, err := position.Increase(ctx, penv, position.IncreaseParams{
		Account:               o.Account,
		CollateralToken:       token,
		IsLong:                o.IsLong,
		SizeDeltaUsd:          o.SizeDeltaUsd,
		CollateralDeltaAmount: amount,
		AcceptablePrice:       o.AcceptablePrice,
	})
	if err != nil {
		return err
	}
	res.Increase = inc
	return nil
}

func executeDecrease(ctx context.Context, env *Env, o *model.Order, res *Result) error {
	penv, err := positionEnv(ctx, env, o.Market)
	if err != nil {
		return err
	}
	if err := ValidateTrigger(o, penv.Prices.Index); err != nil {
		return err
	}

	dec, err := position.Decrease(ctx, penv, position.DecreaseParams{
		Key:                   o.PositionKey(o.InitialCollateralToken),
		SizeDeltaUsd:          o.SizeDeltaUsd,
		CollateralDeltaAmount: o.InitialCollateralDeltaAmount,
		AcceptablePrice:       o.AcceptablePrice,
		Kind:                  o.Type,
		IsAdl:                 o.IsAdl,
	})
	if err != nil {
		return err
	}
	res.Decrease = dec

	token, amount := dec.OutputToken, dec.OutputAmount
	if amount.IsPositive() {
		var hops []*swap.Result
		token, amount, hops, err = swap.Along(ctx, env.State, env.Oracle, o.SwapPath, token, amount, o.MinOutputAmount)
		if err != nil {
			return err
		}
		res.Swaps = hops
	} else if o.MinOutputAmount.IsPositive() && !o.IsAdl && o.Type != model.Liquidation {
		return errs.ErrMinOutputNotMet.With("no output, want %s", o.MinOutputAmount)
	}
	res.OutputToken, res.OutputAmount = token, amount
	if err := env.State.Credit(ctx, o.Receiver, token, amount); err != nil {
		return err
	}
	if dec.SecondaryAmount.IsPositive() {
		return env.State.Credit(ctx, o.Receiver, dec.SecondaryToken, dec.SecondaryAmount)
	}
	return nil
}
