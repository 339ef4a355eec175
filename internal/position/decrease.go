package position

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pricing"
)

// DecreaseParams describes one decrease of a position.
type DecreaseParams struct {
	Key                   model.PositionKey
	SizeDeltaUsd          decimal.Decimal
	CollateralDeltaAmount decimal.Decimal
	AcceptablePrice       decimal.Decimal
	Kind                  model.OrderType
	IsAdl                 bool
}

// DecreaseResult reports the amounts released by a decrease. The caller
// pays OutputAmount of OutputToken and SecondaryAmount of SecondaryToken to
// the receiver.
type DecreaseResult struct {
	Position        *model.Position
	OutputToken     string
	OutputAmount    decimal.Decimal
	SecondaryToken  string
	SecondaryAmount decimal.Decimal
	ExecutionPrice  decimal.Decimal
	PnlUsd          decimal.Decimal
	PriceImpactUsd  decimal.Decimal
	Fees            Fees
	Closed          bool

	// ShortfallUsd is the cost a liquidation or ADL could not cover.
	ShortfallUsd decimal.Decimal
}

func (p DecreaseParams) forced() bool {
	return p.Kind == model.Liquidation || p.IsAdl
}

// Decrease shrinks or closes a position and settles fees, PnL and price
// impact against the pool.
func Decrease(ctx context.Context, env *Env, p DecreaseParams) (*DecreaseResult, error) {
	pool := env.Pool
	params := pool.Params
	pos, err := env.State.Position(ctx, p.Key)
	if err != nil {
		return nil, err
	}
	if p.SizeDeltaUsd.IsNegative() || p.CollateralDeltaAmount.IsNegative() {
		return nil, errs.ErrInvalidSizeDelta.With("negative decrease")
	}

	pool.UpdateFundingAndBorrowing(env.Prices, env.Now)

	sizeDelta := p.SizeDeltaUsd
	collateralDelta := p.CollateralDeltaAmount
	if p.Kind == model.Liquidation {
		liquidatable, info := IsLiquidatable(ctx, env, pos, false)
		if !liquidatable {
			return nil, errs.ErrPositionNotLiquidated.With("remaining $%s", info.RemainingCollateralUsd)
		}
		sizeDelta, collateralDelta = pos.SizeInUsd, fixed.Zero
	}
	if sizeDelta.GreaterThan(pos.SizeInUsd) {
		if p.Kind == model.MarketDecrease {
			return nil, errs.ErrInvalidSizeDelta.With("size delta $%s exceeds position $%s", sizeDelta, pos.SizeInUsd)
		}
		sizeDelta = pos.SizeInUsd
	}
	if sizeDelta.IsZero() && collateralDelta.IsZero() {
		return nil, errs.ErrInvalidSizeDelta.With("empty decrease")
	}

	collateralPrice := env.collateralPrice(pos.CollateralToken)
	if sizeDelta.LessThan(pos.SizeInUsd) {
		remaining := pos.SizeInUsd.Sub(sizeDelta)
		if remaining.LessThan(params.MinPositionSizeUsd) {
			sizeDelta = pos.SizeInUsd
		} else if collateralDelta.IsPositive() {
			left := fixed.Mul(pos.CollateralAmount.Sub(collateralDelta), collateralPrice.Min, fixed.Down)
			need := fixed.Max(params.MinCollateralUsd, fixed.Mul(remaining, params.MinCollateralFactor, fixed.Up))
			if left.LessThan(need) {
				collateralDelta = fixed.Zero
			}
		}
	}
	closing := sizeDelta.Equal(pos.SizeInUsd)
	if closing {
		collateralDelta = pos.CollateralAmount
	}
	if collateralDelta.GreaterThan(pos.CollateralAmount) {
		return nil, errs.ErrInsufficientCollateral.With("withdraw %s of %s", collateralDelta, pos.CollateralAmount)
	}

	oldSize, oldBorrowingFactor := pos.SizeInUsd, pos.BorrowingFactor
	fees := SettleFees(ctx, env, pos, sizeDelta)
	if err := payClaimableFunding(ctx, env, pos, fees.ClaimableFundingUsd); err != nil {
		return nil, err
	}
	pnl, sizeDeltaInTokens := Pnl(pool, env.Prices, pos, sizeDelta)

	var impactUsd decimal.Decimal
	executionPrice := env.Prices.Index.Pick(!pos.IsLong)
	if sizeDelta.IsPositive() {
		impactUsd = pricing.PositionImpactUsd(pool.OpenInterestSides(), sizeDelta.Neg(), pos.IsLong, params)
		impactUsd = pricing.CapPositiveImpactUsd(impactUsd, pool.State.PositionImpactPool, env.Prices.Index.Min)
		if p.Kind == model.Liquidation {
			impactUsd = fixed.Max(impactUsd, fixed.Mul(sizeDelta, params.MaxPositionImpactFactorForLiquidations, fixed.Down).Neg())
		}
		if sizeDeltaInTokens.IsPositive() {
			if pos.IsLong {
				executionPrice = fixed.Div(fixed.Mul(sizeDeltaInTokens, env.Prices.Index.Min, fixed.Down).Add(impactUsd), sizeDeltaInTokens, fixed.Down)
			} else {
				executionPrice = fixed.Div(fixed.Mul(sizeDeltaInTokens, env.Prices.Index.Max, fixed.Up).Sub(impactUsd), sizeDeltaInTokens, fixed.Up)
			}
		}
		if p.Kind != model.Liquidation &&
			(pos.IsLong && executionPrice.LessThan(p.AcceptablePrice) || !pos.IsLong && executionPrice.GreaterThan(p.AcceptablePrice)) {
			return nil, errs.ErrOrderPriceExceeded.With("execution %s, acceptable %s", executionPrice, p.AcceptablePrice)
		}
	}

	res := &DecreaseResult{
		OutputToken:    pos.CollateralToken,
		ExecutionPrice: executionPrice,
		PnlUsd:         pnl,
		PriceImpactUsd: impactUsd,
		Fees:           fees,
		Closed:         closing,
	}
	if err := settle(ctx, env, pos, p, res, collateralDelta); err != nil {
		return nil, err
	}
	if err := applyImpactToPool(env, impactUsd); err != nil {
		return nil, err
	}
	if err := pool.ApplyDeltaToOpenInterest(pos.CollateralToken, pos.IsLong, sizeDelta.Neg(), sizeDeltaInTokens.Neg()); err != nil {
		return nil, err
	}

	pos.SizeInUsd = pos.SizeInUsd.Sub(sizeDelta)
	pos.SizeInTokens = pos.SizeInTokens.Sub(sizeDeltaInTokens)
	snapshot(env, pos, oldSize, oldBorrowingFactor)

	if closing {
		env.State.DeletePosition(p.Key)
		res.Position = pos
		return res, nil
	}

	pos.DecreasedAtRef = env.Ref
	if err := validateCollateral(env, pos); err != nil {
		return nil, err
	}
	if !p.forced() {
		if liquidatable, info := IsLiquidatable(ctx, env, pos, false); liquidatable {
			return nil, errs.ErrLiquidatablePosition.With("%s: remaining $%s", info.Reason, info.RemainingCollateralUsd)
		}
	}
	if err := env.State.PutPosition(pos); err != nil {
		return nil, err
	}
	res.Position = pos
	return res, nil
}

// settle pays gains from the pool in the pnl token and collects costs from
// the withdrawn collateral, then the position's collateral, then the gains.
// Costs left unpaid are a shortfall, tolerated only for forced closes.
func settle(ctx context.Context, env *Env, pos *model.Position, p DecreaseParams, res *DecreaseResult, collateralDelta decimal.Decimal) error {
	pool := env.Pool
	m := pool.Market
	pnlToken := m.PnlToken(pos.IsLong)
	pnlPrice := env.collateralPrice(pnlToken)
	collateralPrice := env.collateralPrice(pos.CollateralToken)

	pos.CollateralAmount = pos.CollateralAmount.Sub(collateralDelta)
	output := collateralDelta
	var secondary decimal.Decimal

	gainsUsd := fixed.Positive(res.PnlUsd).Add(fixed.Positive(res.PriceImpactUsd))
	if gainsUsd.IsPositive() {
		gain := fixed.Div(gainsUsd, pnlPrice.Max, fixed.Down)
		if err := pool.ApplyDeltaToPoolAmount(pnlToken, gain.Neg()); err != nil {
			return err
		}
		if pnlToken == pos.CollateralToken {
			output = output.Add(gain)
		} else {
			secondary = gain
		}
	}

	costsUsd := res.Fees.TotalUsd().
		Add(fixed.Positive(res.PnlUsd.Neg())).
		Add(fixed.Positive(res.PriceImpactUsd.Neg()))
	costTokens := fixed.Div(costsUsd, collateralPrice.Min, fixed.Up)

	fromOutput := fixed.Min(output, costTokens)
	output = output.Sub(fromOutput)
	costTokens = costTokens.Sub(fromOutput)
	fromCollateral := fixed.Min(pos.CollateralAmount, costTokens)
	pos.CollateralAmount = pos.CollateralAmount.Sub(fromCollateral)
	costTokens = costTokens.Sub(fromCollateral)
	paidCollateral := fromOutput.Add(fromCollateral)

	if err := collectFees(ctx, env, pos.CollateralToken, paidCollateral, res.Fees.ReceiverUsd, collateralPrice); err != nil {
		return err
	}

	if costTokens.IsPositive() && secondary.IsPositive() {
		remainingUsd := fixed.Mul(costTokens, collateralPrice.Min, fixed.Up)
		fromSecondary := fixed.Min(secondary, fixed.Div(remainingUsd, pnlPrice.Min, fixed.Up))
		secondary = secondary.Sub(fromSecondary)
		if err := pool.ApplyDeltaToPoolAmount(pnlToken, fromSecondary); err != nil {
			return err
		}
		covered := fixed.Mul(fromSecondary, pnlPrice.Min, fixed.Down)
		costTokens = fixed.Positive(fixed.Div(remainingUsd.Sub(covered), collateralPrice.Min, fixed.Up))
	}

	if costTokens.IsPositive() {
		if !p.forced() {
			return errs.ErrInsufficientCollateral.With("costs of $%s not covered", costsUsd)
		}
		res.ShortfallUsd = fixed.Mul(costTokens, collateralPrice.Min, fixed.Up)
	}

	res.OutputAmount = output
	if secondary.IsPositive() {
		res.SecondaryToken = pnlToken
		res.SecondaryAmount = secondary
	}
	return nil
}
