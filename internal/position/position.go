// Package position implements the leveraged position lifecycle: increase,
// decrease, liquidation checks, fee settlement and realised PnL.
//
// Every mutation runs in a fixed order: accrue accumulators, settle fees,
// apply price impact, move pool and open interest, then validate solvency.
// Any error leaves the caller's overlay to be discarded whole.
package position

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/correlation"
	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pricing"
	"github.com/atmx/perp-engine/internal/state"
)

// ReferralSource supplies the position fee discount of a trader as a
// fraction in [0, 1].
type ReferralSource interface {
	TraderDiscount(ctx context.Context, account string) decimal.Decimal
}

// Env carries everything one position update reads besides the position.
type Env struct {
	State     *state.State
	Pool      *market.Pool
	Prices    model.MarketPrices
	Ref       uint64
	Now       time.Time
	Referrals ReferralSource

	// MaxCorrelatedOpenInterest caps a side across markets sharing the
	// index token. Zero disables the cap.
	MaxCorrelatedOpenInterest decimal.Decimal
}

func (e *Env) collateralPrice(token string) model.Price {
	if token == e.Pool.Market.LongToken {
		return e.Prices.Long
	}
	return e.Prices.Short
}

// Fees are the USD amounts settled on one position update.
type Fees struct {
	BorrowingUsd        decimal.Decimal
	FundingUsd          decimal.Decimal
	ClaimableFundingUsd decimal.Decimal
	PositionFeeUsd      decimal.Decimal
	DiscountUsd         decimal.Decimal
	ReceiverUsd         decimal.Decimal
}

// TotalUsd is what the position pays; claimable funding is paid out
// separately.
func (f Fees) TotalUsd() decimal.Decimal {
	return f.BorrowingUsd.Add(f.FundingUsd).Add(f.PositionFeeUsd).Sub(f.DiscountUsd)
}

// SettleFees computes the fees owed by pos for a size change of sizeDeltaUsd.
func SettleFees(ctx context.Context, env *Env, pos *model.Position, sizeDeltaUsd decimal.Decimal) Fees {
	ps := env.Pool.State
	var f Fees
	f.BorrowingUsd = pricing.AccruedFee(ps.CumulativeBorrowingFactor.Get(pos.IsLong), pos.BorrowingFactor, pos.SizeInUsd)
	f.FundingUsd = pricing.AccruedFee(ps.FundingFeePerSize.Get(pos.IsLong), pos.FundingFeePerSize, pos.SizeInUsd)
	f.ClaimableFundingUsd = pricing.AccruedClaim(ps.ClaimableFundingPerSize.Get(pos.IsLong), pos.ClaimableFundingPerSize, pos.SizeInUsd)
	f.PositionFeeUsd = pricing.Fee(sizeDeltaUsd, env.Pool.Params.PositionFeeFactor)
	if env.Referrals != nil {
		discount := fixed.Min(fixed.Positive(env.Referrals.TraderDiscount(ctx, pos.Account)), fixed.One)
		f.DiscountUsd = fixed.Mul(f.PositionFeeUsd, discount, fixed.Down)
	}
	f.ReceiverUsd = fixed.Mul(f.PositionFeeUsd.Sub(f.DiscountUsd), env.Pool.Params.FeeReceiverFactor, fixed.Down)
	return f
}

// snapshot moves pos to the current accumulators and keeps the pool's
// total borrowing in step with the new size.
func snapshot(env *Env, pos *model.Position, oldSize, oldBorrowingFactor decimal.Decimal) {
	ps := env.Pool.State
	cum := ps.CumulativeBorrowingFactor.Get(pos.IsLong)
	env.Pool.ApplyDeltaToTotalBorrowing(pos.IsLong,
		fixed.Mul(pos.SizeInUsd, cum, fixed.Down).Sub(fixed.Mul(oldSize, oldBorrowingFactor, fixed.Down)))
	pos.BorrowingFactor = cum
	pos.FundingFeePerSize = ps.FundingFeePerSize.Get(pos.IsLong)
	pos.ClaimableFundingPerSize = ps.ClaimableFundingPerSize.Get(pos.IsLong)
}

// payClaimableFunding credits funding earned by pos to its owner, paid
// from the pool in the collateral token.
func payClaimableFunding(ctx context.Context, env *Env, pos *model.Position, usd decimal.Decimal) error {
	if usd.Sign() <= 0 {
		return nil
	}
	amount := fixed.Div(usd, env.collateralPrice(pos.CollateralToken).Max, fixed.Down)
	if err := env.Pool.ApplyDeltaToPoolAmount(pos.CollateralToken, amount.Neg()); err != nil {
		return err
	}
	return env.State.Credit(ctx, pos.Account, pos.CollateralToken, amount)
}

// Pnl returns the realisable PnL of closing sizeDeltaUsd of pos and the
// index tokens that closing releases. Profit is scaled down by the pool's
// capped-to-raw pnl ratio for the side.
func Pnl(pool *market.Pool, prices model.MarketPrices, pos *model.Position, sizeDeltaUsd decimal.Decimal) (deltaPnl, sizeDeltaInTokens decimal.Decimal) {
	// Pool-favouring index price: longs exit at min, shorts at max.
	var total decimal.Decimal
	if pos.IsLong {
		total = fixed.Mul(pos.SizeInTokens, prices.Index.Min, fixed.Down).Sub(pos.SizeInUsd)
	} else {
		total = pos.SizeInUsd.Sub(fixed.Mul(pos.SizeInTokens, prices.Index.Max, fixed.Up))
	}

	if total.IsPositive() {
		capped, raw := pool.CappedPnlRatio(pos.IsLong, prices)
		if raw.IsPositive() && capped.LessThan(raw) {
			total = fixed.MulDiv(total, capped, raw, fixed.Down)
		}
	}

	if sizeDeltaUsd.GreaterThanOrEqual(pos.SizeInUsd) {
		sizeDeltaInTokens = pos.SizeInTokens
	} else {
		r := fixed.Down
		if pos.IsLong {
			r = fixed.Up
		}
		sizeDeltaInTokens = fixed.MulDiv(pos.SizeInTokens, sizeDeltaUsd, pos.SizeInUsd, r)
	}
	if pos.SizeInTokens.IsZero() {
		return fixed.Zero, fixed.Zero
	}
	deltaPnl = fixed.MulDiv(total, sizeDeltaInTokens, pos.SizeInTokens, fixed.Down)
	return deltaPnl, sizeDeltaInTokens
}

// LiquidationInfo explains a liquidation check.
type LiquidationInfo struct {
	CollateralUsd          decimal.Decimal
	PnlUsd                 decimal.Decimal
	PriceImpactUsd         decimal.Decimal
	FeesUsd                decimal.Decimal
	RemainingCollateralUsd decimal.Decimal
	Reason                 string
}

// IsLiquidatable evaluates
//
//	remaining = collateralUsd + pnl + min(impact, 0) floored at -maxFactor*size - fees
//
// and reports a liquidation when remaining <= 0, when it is below
// MinCollateralFactor of the size, or, on open, below MinCollateralUsd.
func IsLiquidatable(ctx context.Context, env *Env, pos *model.Position, onOpen bool) (bool, LiquidationInfo) {
	params := env.Pool.Params
	var info LiquidationInfo
	info.CollateralUsd = fixed.Mul(pos.CollateralAmount, env.collateralPrice(pos.CollateralToken).Min, fixed.Down)
	info.PnlUsd, _ = Pnl(env.Pool, env.Prices, pos, pos.SizeInUsd)

	impact := pricing.PositionImpactUsd(env.Pool.OpenInterestSides(), pos.SizeInUsd.Neg(), pos.IsLong, params)
	impact = fixed.Min(impact, fixed.Zero)
	floor := fixed.Mul(pos.SizeInUsd, params.MaxPositionImpactFactorForLiquidations, fixed.Down).Neg()
	info.PriceImpactUsd = fixed.Max(impact, floor)

	info.FeesUsd = SettleFees(ctx, env, pos, pos.SizeInUsd).TotalUsd()
	info.RemainingCollateralUsd = info.CollateralUsd.Add(info.PnlUsd).Add(info.PriceImpactUsd).Sub(info.FeesUsd)

	switch {
	case info.RemainingCollateralUsd.Sign() <= 0:
		info.Reason = "remaining collateral not positive"
	case info.RemainingCollateralUsd.LessThan(fixed.Mul(pos.SizeInUsd, params.MinCollateralFactor, fixed.Up)):
		info.Reason = "below min collateral factor"
	case onOpen && info.RemainingCollateralUsd.LessThan(params.MinCollateralUsd):
		info.Reason = "below min collateral usd"
	default:
		return false, info
	}
	return true, info
}

// checkOpenInterest enforces the per-market and correlated caps for an
// increase of sizeDeltaUsd, before open interest moves.
func checkOpenInterest(ctx context.Context, env *Env, isLong bool, sizeDeltaUsd decimal.Decimal) error {
	limiter := correlation.NewOpenInterestLimiter(env.Pool.Params.MaxOpenInterest, env.MaxCorrelatedOpenInterest)
	m := env.Pool.Market
	target := correlation.Exposure{Market: m.MarketToken, IndexToken: m.IndexToken, OpenInterest: env.Pool.OpenInterest(isLong)}

	var others []correlation.Exposure
	if env.MaxCorrelatedOpenInterest.IsPositive() {
		markets, err := env.State.Markets(ctx)
		if err != nil {
			return err
		}
		for i := range markets {
			other := markets[i]
			if other.MarketToken == m.MarketToken || other.IndexToken != m.IndexToken {
				continue
			}
			pool, err := market.Load(ctx, env.State, other.MarketToken)
			if err != nil {
				return err
			}
			others = append(others, correlation.Exposure{
				Market:       other.MarketToken,
				IndexToken:   other.IndexToken,
				OpenInterest: pool.OpenInterest(isLong),
			})
		}
	}
	if err := limiter.CheckLimit(target, sizeDeltaUsd, others); err != nil {
		return errs.ErrOpenInterestExceeded.With("%v", err)
	}
	return nil
}

// validateCollateral checks the leverage and minimum-collateral rules that
// every open position must satisfy.
func validateCollateral(env *Env, pos *model.Position) error {
	params := env.Pool.Params
	if pos.CollateralAmount.Sign() <= 0 {
		return errs.ErrInsufficientCollateral.With("collateral %s", pos.CollateralAmount)
	}
	collateralUsd := fixed.Mul(pos.CollateralAmount, env.collateralPrice(pos.CollateralToken).Min, fixed.Down)
	if collateralUsd.LessThan(params.MinCollateralUsd) {
		return errs.ErrInsufficientCollateral.With("collateral $%s below minimum $%s", collateralUsd, params.MinCollateralUsd)
	}
	required := fixed.Mul(pos.SizeInUsd, params.MinCollateralFactor, fixed.Up)
	if collateralUsd.LessThan(required) {
		return errs.ErrInsufficientCollateral.With("collateral $%s below $%s for size $%s", collateralUsd, required, pos.SizeInUsd)
	}
	return nil
}
