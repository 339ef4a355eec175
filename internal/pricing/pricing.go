// Package pricing holds the pure pricing functions of the engine: price
// impact curves, borrowing and funding rates, and accumulator settlement.
//
// Rounding favours the pool: positive impact and claimable amounts round
// down, negative impact and fees round up.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// Curve is one side-independent power curve f(x) = factor * x^exponent with
// separate factors for imbalance-reducing and imbalance-growing trades.
type Curve struct {
	PositiveFactor decimal.Decimal
	NegativeFactor decimal.Decimal
	Exponent       decimal.Decimal
}

// SwapCurve returns the swap impact curve of a market.
func SwapCurve(p model.MarketParams) Curve {
	return Curve{
		PositiveFactor: p.SwapImpactPositiveFactor,
		NegativeFactor: p.SwapImpactNegativeFactor,
		Exponent:       p.SwapImpactExponent,
	}
}

// PositionCurve returns the position impact curve of a market.
func PositionCurve(p model.MarketParams) Curve {
	return Curve{
		PositiveFactor: p.PositionImpactPositiveFactor,
		NegativeFactor: p.PositionImpactNegativeFactor,
		Exponent:       p.PositionImpactExponent,
	}
}

func apply(factor, x, exponent decimal.Decimal, r fixed.Rounding) decimal.Decimal {
	if factor.IsZero() || x.IsZero() {
		return fixed.Zero
	}
	return fixed.Mul(factor, fixed.Pow(x, exponent), r)
}

// ImpactUsd prices a move of the imbalance from initialDiff to nextDiff.
// sameSide reports whether the heavier side stayed the same.
//
// Moving toward balance on the same side earns the positive factor on the
// reduction; moving away costs the negative factor on the growth. Crossing
// over earns the positive factor on the imbalance removed and costs the
// negative factor on the imbalance created.
func ImpactUsd(initialDiff, nextDiff decimal.Decimal, sameSide bool, c Curve) decimal.Decimal {
	if sameSide {
		if nextDiff.LessThan(initialDiff) {
			gain := apply(c.PositiveFactor, initialDiff, c.Exponent, fixed.Down).
				Sub(apply(c.PositiveFactor, nextDiff, c.Exponent, fixed.Up))
			return fixed.Positive(gain)
		}
		cost := apply(c.NegativeFactor, nextDiff, c.Exponent, fixed.Up).
			Sub(apply(c.NegativeFactor, initialDiff, c.Exponent, fixed.Down))
		return fixed.Positive(cost).Neg()
	}
	gain := apply(c.PositiveFactor, initialDiff, c.Exponent, fixed.Down)
	cost := apply(c.NegativeFactor, nextDiff, c.Exponent, fixed.Up)
	return gain.Sub(cost)
}

// BalanceImpactUsd prices moving a two-sided balance by the given deltas.
func BalanceImpactUsd(before model.SideAmounts, deltaLong, deltaShort decimal.Decimal, c Curve) decimal.Decimal {
	nextLong := before.Long.Add(deltaLong)
	nextShort := before.Short.Add(deltaShort)
	initialDiff := before.Long.Sub(before.Short).Abs()
	nextDiff := nextLong.Sub(nextShort).Abs()
	sameSide := before.Long.GreaterThanOrEqual(before.Short) == nextLong.GreaterThanOrEqual(nextShort)
	return ImpactUsd(initialDiff, nextDiff, sameSide, c)
}

// SwapImpactUsd prices a change of the pool's long and short token USD
// values.
func SwapImpactUsd(poolUsd model.SideAmounts, deltaLongUsd, deltaShortUsd decimal.Decimal, p model.MarketParams) decimal.Decimal {
	return BalanceImpactUsd(poolUsd, deltaLongUsd, deltaShortUsd, SwapCurve(p))
}

// PositionImpactUsd prices a signed size change on one side of the market's
// open interest.
func PositionImpactUsd(openInterest model.SideAmounts, sizeDeltaUsd decimal.Decimal, isLong bool, p model.MarketParams) decimal.Decimal {
	if isLong {
		return BalanceImpactUsd(openInterest, sizeDeltaUsd, fixed.Zero, PositionCurve(p))
	}
	return BalanceImpactUsd(openInterest, fixed.Zero, sizeDeltaUsd, PositionCurve(p))
}

// CapPositiveImpactUsd clamps a positive impact to what reserve units at
// price can pay. Negative impact is returned unchanged.
func CapPositiveImpactUsd(impactUsd, reserve, price decimal.Decimal) decimal.Decimal {
	if impactUsd.Sign() <= 0 {
		return impactUsd
	}
	maxUsd := fixed.Mul(fixed.Positive(reserve), price, fixed.Down)
	return fixed.Min(impactUsd, maxUsd)
}

// BorrowingFactorPerSecond is factor * reservedUsd / poolUsd.
func BorrowingFactorPerSecond(factor, reservedUsd, poolUsd decimal.Decimal) decimal.Decimal {
	if poolUsd.Sign() <= 0 || reservedUsd.Sign() <= 0 {
		return fixed.Zero
	}
	return fixed.MulDiv(factor, reservedUsd, poolUsd, fixed.Up)
}

// FundingFactorPerSecond is factor * |long - short|^exponent / (long + short),
// capped at maxPerSecond when it is set.
func FundingFactorPerSecond(oi model.SideAmounts, p model.MarketParams) decimal.Decimal {
	total := oi.Total()
	if total.Sign() <= 0 || p.FundingFactor.IsZero() {
		return fixed.Zero
	}
	exp := p.FundingExponent
	if exp.IsZero() {
		exp = fixed.One
	}
	diff := fixed.Pow(oi.Long.Sub(oi.Short).Abs(), exp)
	f := fixed.MulDiv(p.FundingFactor, diff, total, fixed.Up)
	if p.MaxFundingFactorPerSecond.IsPositive() {
		f = fixed.Min(f, p.MaxFundingFactorPerSecond)
	}
	return f
}

// AccruedFee settles a per-size accumulator for a position as an amount
// owed: (current - snapshot) * sizeInUsd, rounded up.
func AccruedFee(current, snapshot, sizeInUsd decimal.Decimal) decimal.Decimal {
	return fixed.Positive(fixed.Mul(current.Sub(snapshot), sizeInUsd, fixed.Up))
}

// AccruedClaim settles a per-size accumulator as an amount claimable by the
// position, rounded down.
func AccruedClaim(current, snapshot, sizeInUsd decimal.Decimal) decimal.Decimal {
	return fixed.Positive(fixed.Mul(current.Sub(snapshot), sizeInUsd, fixed.Down))
}

// Fee returns amount * factor rounded up.
func Fee(amount, factor decimal.Decimal) decimal.Decimal {
	return fixed.Mul(amount, factor, fixed.Up)
}
