package liquidity

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pricing"
)

// CreateDeposit stores a deposit request. Its token amounts are taken into
// custody by the caller before CreateDeposit runs.
func CreateDeposit(ctx context.Context, env *Env, d *model.Deposit) (*model.Deposit, error) {
	if d.LongTokenAmount.IsNegative() || d.ShortTokenAmount.IsNegative() {
		return nil, errs.ErrEmptyDeposit.With("negative amount")
	}
	if d.LongTokenAmount.IsZero() && d.ShortTokenAmount.IsZero() {
		return nil, errs.ErrEmptyDeposit
	}
	if _, err := env.State.Market(ctx, d.Market); err != nil {
		return nil, err
	}
	if d.ExecutionFee.LessThan(env.Global.MinExecutionFee) {
		return nil, errs.ErrInsufficientFee.With("fee %s below %s", d.ExecutionFee, env.Global.MinExecutionFee)
	}

	id, err := env.State.NextID(ctx)
	if err != nil {
		return nil, err
	}
	d.ID = id
	d.Ref = env.Ref
	d.CreatedAt = env.Now
	if d.Receiver == "" {
		d.Receiver = d.Account
	}
	if err := env.State.PutDeposit(d); err != nil {
		return nil, err
	}
	return d, nil
}

// DepositResult reports an executed deposit.
type DepositResult struct {
	Deposit        *model.Deposit
	MarketTokens   decimal.Decimal
	PriceImpactUsd decimal.Decimal
	Legs           []Leg
}

// ExecuteDeposit mints pool shares for deposit id at the pinned prices.
func ExecuteDeposit(ctx context.Context, env *Env, id uint64) (*DepositResult, error) {
	d, err := env.State.Deposit(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRef("deposit", id, d.Ref, env.Ref); err != nil {
		return nil, err
	}
	pool, prices, err := load(ctx, env, d.Market)
	if err != nil {
		return nil, err
	}
	if err := pool.ValidatePnlFactor(prices, model.PnlFactorDeposits); err != nil {
		return nil, err
	}

	_, poolValue, err := pool.MarketTokenPrice(prices, true, model.PnlFactorDeposits)
	if err != nil {
		return nil, err
	}
	supply := pool.State.MarketTokenSupply
	if supply.IsPositive() && poolValue.Sign() <= 0 {
		return nil, errs.ErrInvalidPoolValue.With("pool value %s with supply %s", poolValue, supply)
	}

	m := pool.Market
	longUsd := fixed.Mul(d.LongTokenAmount, prices.Long.Min, fixed.Down)
	shortUsd := fixed.Mul(d.ShortTokenAmount, prices.Short.Min, fixed.Down)
	totalUsd := longUsd.Add(shortUsd)
	impactUsd := pricing.SwapImpactUsd(poolUsd(pool, prices), longUsd, shortUsd, pool.Params)

	res := &DepositResult{Deposit: d, PriceImpactUsd: impactUsd}
	var mintUsd decimal.Decimal
	for _, in := range []struct {
		token  string
		amount decimal.Decimal
		usd    decimal.Decimal
		price  model.Price
	}{
		{m.LongToken, d.LongTokenAmount, longUsd, prices.Long},
		{m.ShortToken, d.ShortTokenAmount, shortUsd, prices.Short},
	} {
		if !in.amount.IsPositive() {
			continue
		}
		net, fee, receiver, err := chargeFee(ctx, env, pool, in.token, in.amount)
		if err != nil {
			return nil, err
		}

		// Impact is shared between the legs by USD weight.
		legImpact := fixed.MulDiv(impactUsd, in.usd, totalUsd, fixed.Down)
		switch legImpact.Sign() {
		case 1:
			legImpact = pricing.CapPositiveImpactUsd(legImpact, pool.SwapImpactPool(in.token), in.price.Max)
			bonus := fixed.Div(legImpact, in.price.Max, fixed.Down)
			if err := pool.ApplyDeltaToSwapImpactPool(in.token, bonus.Neg()); err != nil {
				return nil, err
			}
			net = net.Add(bonus)
		case -1:
			cost := fixed.Min(fixed.Div(legImpact.Neg(), in.price.Min, fixed.Up), net)
			if err := pool.ApplyDeltaToSwapImpactPool(in.token, cost); err != nil {
				return nil, err
			}
			net = net.Sub(cost)
		}

		if err := pool.ApplyDeltaToPoolAmount(in.token, net.Add(fee).Sub(receiver)); err != nil {
			return nil, err
		}
		mintUsd = mintUsd.Add(fixed.Mul(net, in.price.Min, fixed.Down))
		res.Legs = append(res.Legs, Leg{Token: in.token, Amount: net, Fee: fee, ImpactUsd: legImpact})
	}

	shares := mintUsd
	if supply.IsPositive() {
		shares = fixed.MulDiv(mintUsd, supply, poolValue, fixed.Down)
	}
	if shares.LessThan(d.MinMarketTokens) || !shares.IsPositive() {
		return nil, errs.ErrMinOutputNotMet.With("%s market tokens, want %s", shares, d.MinMarketTokens)
	}
	pool.State.MarketTokenSupply = supply.Add(shares)
	if err := env.State.AddMarketTokens(ctx, m.MarketToken, d.Receiver, shares); err != nil {
		return nil, err
	}
	env.State.DeleteDeposit(d)
	res.MarketTokens = shares
	return res, nil
}

// CancelDeposit removes a deposit on its owner's request and refunds it.
func CancelDeposit(ctx context.Context, env *Env, caller string, id uint64) (*model.Deposit, error) {
	d, err := env.State.Deposit(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkCancel(env, d.Account, caller, d.Ref); err != nil {
		return nil, err
	}
	if err := RemoveDeposit(ctx, env, d); err != nil {
		return nil, err
	}
	return d, nil
}

// RemoveDeposit refunds a deposit to its account and deletes it.
func RemoveDeposit(ctx context.Context, env *Env, d *model.Deposit) error {
	m, err := env.State.Market(ctx, d.Market)
	if err != nil {
		return err
	}
	if err := env.State.Credit(ctx, d.Account, m.LongToken, d.LongTokenAmount); err != nil {
		return err
	}
	if err := env.State.Credit(ctx, d.Account, m.ShortToken, d.ShortTokenAmount); err != nil {
		return err
	}
	env.State.DeleteDeposit(d)
	return nil
}
