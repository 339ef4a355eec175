package position

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pricing"
)

// IncreaseParams describes one increase of a position.
type IncreaseParams struct {
	Account               string
	CollateralToken       string
	IsLong                bool
	SizeDeltaUsd          decimal.Decimal
	CollateralDeltaAmount decimal.Decimal
	AcceptablePrice       decimal.Decimal
}

// IncreaseResult reports what an increase did.
type IncreaseResult struct {
	Position          *model.Position
	ExecutionPrice    decimal.Decimal
	PriceImpactUsd    decimal.Decimal
	SizeDeltaInTokens decimal.Decimal
	Fees              Fees
}

// Increase opens or grows a position. CollateralDeltaAmount must already be
// held by the caller in the collateral token.
func Increase(ctx context.Context, env *Env, p IncreaseParams) (*IncreaseResult, error) {
	pool := env.Pool
	m := pool.Market
	if !m.IsCollateral(p.CollateralToken) {
		return nil, errs.ErrInvalidCollateral.With("%s not in market %s", p.CollateralToken, m.MarketToken)
	}
	if p.SizeDeltaUsd.IsNegative() || p.CollateralDeltaAmount.IsNegative() {
		return nil, errs.ErrInvalidSizeDelta.With("negative increase")
	}

	pool.UpdateFundingAndBorrowing(env.Prices, env.Now)

	key := model.PositionKey{Account: p.Account, Market: m.MarketToken, CollateralToken: p.CollateralToken, IsLong: p.IsLong}
	pos, err := env.State.Position(ctx, key)
	switch {
	case errors.Is(err, errs.ErrEmptyPosition):
		pos = &model.Position{
			Account:         p.Account,
			Market:          m.MarketToken,
			CollateralToken: p.CollateralToken,
			IsLong:          p.IsLong,
		}
	case err != nil:
		return nil, err
	}
	oldSize, oldBorrowingFactor := pos.SizeInUsd, pos.BorrowingFactor

	fees := SettleFees(ctx, env, pos, p.SizeDeltaUsd)
	if err := payClaimableFunding(ctx, env, pos, fees.ClaimableFundingUsd); err != nil {
		return nil, err
	}
	collateralPrice := env.collateralPrice(p.CollateralToken)
	feeTokens := fixed.Div(fees.TotalUsd(), collateralPrice.Min, fixed.Up)
	collateral := pos.CollateralAmount.Add(p.CollateralDeltaAmount).Sub(feeTokens)
	if collateral.IsNegative() {
		return nil, errs.ErrInsufficientCollateral.With("fees of $%s exceed collateral", fees.TotalUsd())
	}
	if err := collectFees(ctx, env, p.CollateralToken, feeTokens, fees.ReceiverUsd, collateralPrice); err != nil {
		return nil, err
	}

	var impactUsd, sizeDeltaInTokens decimal.Decimal
	executionPrice := env.Prices.Index.Pick(p.IsLong)
	if p.SizeDeltaUsd.IsPositive() {
		impactUsd = pricing.PositionImpactUsd(pool.OpenInterestSides(), p.SizeDeltaUsd, p.IsLong, pool.Params)
		impactUsd = pricing.CapPositiveImpactUsd(impactUsd, pool.State.PositionImpactPool, env.Prices.Index.Min)

		// Longs buy at max, shorts sell at min; impact shifts the tokens received.
		if p.IsLong {
			sizeDeltaInTokens = fixed.Div(p.SizeDeltaUsd.Add(impactUsd), env.Prices.Index.Max, fixed.Down)
		} else {
			sizeDeltaInTokens = fixed.Div(p.SizeDeltaUsd.Sub(impactUsd), env.Prices.Index.Min, fixed.Up)
		}
		if sizeDeltaInTokens.Sign() <= 0 {
			return nil, errs.ErrOrderPriceExceeded.With("impact $%s consumes the size", impactUsd)
		}
		executionPrice = fixed.Div(p.SizeDeltaUsd, sizeDeltaInTokens, fixed.Down)
		if p.IsLong && executionPrice.GreaterThan(p.AcceptablePrice) ||
			!p.IsLong && executionPrice.LessThan(p.AcceptablePrice) {
			return nil, errs.ErrOrderPriceExceeded.With("execution %s, acceptable %s", executionPrice, p.AcceptablePrice)
		}

		if err := checkOpenInterest(ctx, env, p.IsLong, p.SizeDeltaUsd); err != nil {
			return nil, err
		}
		if err := applyImpactToPool(env, impactUsd); err != nil {
			return nil, err
		}
		if err := pool.ApplyDeltaToOpenInterest(p.CollateralToken, p.IsLong, p.SizeDeltaUsd, sizeDeltaInTokens); err != nil {
			return nil, err
		}
	}

	pos.SizeInUsd = pos.SizeInUsd.Add(p.SizeDeltaUsd)
	pos.SizeInTokens = pos.SizeInTokens.Add(sizeDeltaInTokens)
	pos.CollateralAmount = collateral
	pos.IncreasedAtRef = env.Ref
	snapshot(env, pos, oldSize, oldBorrowingFactor)

	if err := pool.ValidateReserve(p.IsLong, env.Prices); err != nil {
		return nil, err
	}
	if err := validateCollateral(env, pos); err != nil {
		return nil, err
	}
	if pos.SizeInUsd.LessThan(pool.Params.MinPositionSizeUsd) {
		return nil, errs.ErrMinPositionSize.With("size $%s below $%s", pos.SizeInUsd, pool.Params.MinPositionSizeUsd)
	}
	if liquidatable, info := IsLiquidatable(ctx, env, pos, true); liquidatable {
		return nil, errs.ErrLiquidatablePosition.With("%s: remaining $%s", info.Reason, info.RemainingCollateralUsd)
	}
	if err := env.State.PutPosition(pos); err != nil {
		return nil, err
	}

	return &IncreaseResult{
		Position:          pos,
		ExecutionPrice:    executionPrice,
		PriceImpactUsd:    impactUsd,
		SizeDeltaInTokens: sizeDeltaInTokens,
		Fees:              fees,
	}, nil
}

// collectFees moves fee tokens already taken from the trader into the pool,
// routing the receiver share to the claimable fee balance.
func collectFees(ctx context.Context, env *Env, token string, feeTokens, receiverUsd decimal.Decimal, price model.Price) error {
	if feeTokens.Sign() <= 0 {
		return nil
	}
	receiverTokens := fixed.Min(fixed.Div(receiverUsd, price.Min, fixed.Down), feeTokens)
	if err := env.Pool.ApplyDeltaToPoolAmount(token, feeTokens.Sub(receiverTokens)); err != nil {
		return err
	}
	return env.State.AddClaimableFee(ctx, env.Pool.Market.MarketToken, token, receiverTokens)
}

// applyImpactToPool books a price impact against the position impact pool:
// negative impact adds index tokens, positive impact draws them.
func applyImpactToPool(env *Env, impactUsd decimal.Decimal) error {
	pool := env.Pool
	switch impactUsd.Sign() {
	case -1:
		return pool.ApplyDeltaToPositionImpactPool(fixed.Div(impactUsd.Neg(), env.Prices.Index.Min, fixed.Down))
	case 1:
		amount := fixed.Min(fixed.Div(impactUsd, env.Prices.Index.Min, fixed.Up), pool.State.PositionImpactPool)
		return pool.ApplyDeltaToPositionImpactPool(amount.Neg())
	}
	return nil
}
