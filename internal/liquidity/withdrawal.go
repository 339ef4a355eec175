package liquidity

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pricing"
)

// CreateWithdrawal escrows the shares being redeemed and stores the request.
func CreateWithdrawal(ctx context.Context, env *Env, w *model.Withdrawal) (*model.Withdrawal, error) {
	if !w.MarketTokenAmount.IsPositive() {
		return nil, errs.ErrEmptyWithdrawal
	}
	if _, err := env.State.Market(ctx, w.Market); err != nil {
		return nil, err
	}
	if w.ExecutionFee.LessThan(env.Global.MinExecutionFee) {
		return nil, errs.ErrInsufficientFee.With("fee %s below %s", w.ExecutionFee, env.Global.MinExecutionFee)
	}
	if err := env.State.AddMarketTokens(ctx, w.Market, w.Account, w.MarketTokenAmount.Neg()); err != nil {
		return nil, err
	}

	id, err := env.State.NextID(ctx)
	if err != nil {
		return nil, err
	}
	w.ID = id
	w.Ref = env.Ref
	w.CreatedAt = env.Now
	if w.Receiver == "" {
		w.Receiver = w.Account
	}
	if err := env.State.PutWithdrawal(w); err != nil {
		return nil, err
	}
	return w, nil
}

// WithdrawalResult reports an executed withdrawal.
type WithdrawalResult struct {
	Withdrawal     *model.Withdrawal
	PriceImpactUsd decimal.Decimal
	Legs           []Leg
}

// ExecuteWithdrawal burns the escrowed shares and pays out both collateral
// tokens in proportion to their share of the pool.
func ExecuteWithdrawal(ctx context.Context, env *Env, id uint64) (*WithdrawalResult, error) {
	w, err := env.State.Withdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRef("withdrawal", id, w.Ref, env.Ref); err != nil {
		return nil, err
	}
	pool, prices, err := load(ctx, env, w.Market)
	if err != nil {
		return nil, err
	}

	_, poolValue, err := pool.MarketTokenPrice(prices, false, model.PnlFactorWithdrawals)
	if err != nil {
		return nil, err
	}
	supply := pool.State.MarketTokenSupply
	if w.MarketTokenAmount.GreaterThan(supply) {
		return nil, errs.ErrEmptyWithdrawal.With("%s shares of %s supply", w.MarketTokenAmount, supply)
	}
	redeemUsd := fixed.MulDiv(w.MarketTokenAmount, poolValue, supply, fixed.Down)

	m := pool.Market
	before := poolUsd(pool, prices)
	total := before.Total()
	if total.Sign() <= 0 {
		return nil, errs.ErrInvalidPoolValue.With("empty pool")
	}
	longUsd := fixed.MulDiv(redeemUsd, before.Long, total, fixed.Down)
	shortUsd := redeemUsd.Sub(longUsd)

	// Withdrawals pay negative impact but never earn positive impact.
	impactUsd := fixed.Min(pricing.SwapImpactUsd(before, longUsd.Neg(), shortUsd.Neg(), pool.Params), fixed.Zero)

	res := &WithdrawalResult{Withdrawal: w, PriceImpactUsd: impactUsd}
	for _, out := range []struct {
		token string
		usd   decimal.Decimal
		price model.Price
		min   decimal.Decimal
	}{
		{m.LongToken, longUsd, prices.Long, w.MinLongTokenAmount},
		{m.ShortToken, shortUsd, prices.Short, w.MinShortTokenAmount},
	} {
		amount := fixed.Div(out.usd, out.price.Max, fixed.Down)
		legImpact := decimal.Zero
		if redeemUsd.IsPositive() {
			legImpact = fixed.MulDiv(impactUsd, out.usd, redeemUsd, fixed.Down)
		}
		if legImpact.IsNegative() {
			cost := fixed.Min(fixed.Div(legImpact.Neg(), out.price.Min, fixed.Up), amount)
			if err := pool.ApplyDeltaToSwapImpactPool(out.token, cost); err != nil {
				return nil, err
			}
			if err := pool.ApplyDeltaToPoolAmount(out.token, cost.Neg()); err != nil {
				return nil, err
			}
			amount = amount.Sub(cost)
		}

		net, fee, receiver, err := chargeFee(ctx, env, pool, out.token, amount)
		if err != nil {
			return nil, err
		}
		if net.LessThan(out.min) {
			return nil, errs.ErrMinOutputNotMet.With("%s %s, want %s", out.token, net, out.min)
		}
		if err := pool.ApplyDeltaToPoolAmount(out.token, net.Add(receiver).Neg()); err != nil {
			return nil, err
		}
		if err := env.State.Credit(ctx, w.Receiver, out.token, net); err != nil {
			return nil, err
		}
		res.Legs = append(res.Legs, Leg{Token: out.token, Amount: net, Fee: fee, ImpactUsd: legImpact})
	}

	pool.State.MarketTokenSupply = supply.Sub(w.MarketTokenAmount)
	for _, isLong := range []bool{true, false} {
		if err := pool.ValidateReserve(isLong, prices); err != nil {
			return nil, err
		}
	}
	if err := pool.ValidatePnlFactor(prices, model.PnlFactorWithdrawals); err != nil {
		return nil, err
	}
	env.State.DeleteWithdrawal(w)
	return res, nil
}

// CancelWithdrawal removes a withdrawal on its owner's request and returns
// the escrowed shares.
func CancelWithdrawal(ctx context.Context, env *Env, caller string, id uint64) (*model.Withdrawal, error) {
	w, err := env.State.Withdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkCancel(env, w.Account, caller, w.Ref); err != nil {
		return nil, err
	}
	if err := RemoveWithdrawal(ctx, env, w); err != nil {
		return nil, err
	}
	return w, nil
}

// RemoveWithdrawal returns escrowed shares to the account and deletes w.
func RemoveWithdrawal(ctx context.Context, env *Env, w *model.Withdrawal) error {
	if err := env.State.AddMarketTokens(ctx, w.Market, w.Account, w.MarketTokenAmount); err != nil {
		return err
	}
	env.State.DeleteWithdrawal(w)
	return nil
}
