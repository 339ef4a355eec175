// Package fixed provides the fixed-point arithmetic shared by the pricing,
// pool and position code.
//
// All values are shopspring/decimal numbers truncated to Scale decimal places.
// Every multiply-then-divide takes an explicit rounding direction so callers
// can round amounts paid out of the pool down and amounts charged to users up.
package fixed

import (
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places kept by every rounded operation.
const Scale int32 = 30

var (
	Zero = decimal.Zero
	One  = decimal.NewFromInt(1)

	// MaxPrice stands in for an unbounded acceptable price.
	MaxPrice = decimal.New(1, 40)

	ulp = decimal.New(1, -Scale)
)

// Rounding selects the direction of a rounded result.
type Rounding bool

const (
	Down Rounding = false // toward negative infinity
	Up   Rounding = true  // toward positive infinity
)

// MulDiv computes a*b/c rounded to Scale places in the given direction.
// A zero divisor yields zero.
func MulDiv(a, b, c decimal.Decimal, r Rounding) decimal.Decimal {
	if c.IsZero() {
		return Zero
	}
	q, rem := a.Mul(b).QuoRem(c, Scale)
	if rem.IsZero() {
		return q
	}
	// q is truncated toward zero; the discarded fraction rem/c decides which
	// neighbour is the floor and which is the ceiling.
	fracPositive := rem.Sign()*c.Sign() > 0
	switch {
	case r == Up && fracPositive:
		return q.Add(ulp)
	case r == Down && !fracPositive:
		return q.Sub(ulp)
	default:
		return q
	}
}

// Div computes a/c rounded in the given direction.
func Div(a, c decimal.Decimal, r Rounding) decimal.Decimal {
	return MulDiv(a, One, c, r)
}

// Mul computes a*b rounded in the given direction.
func Mul(a, b decimal.Decimal, r Rounding) decimal.Decimal {
	return Round(a.Mul(b), r)
}

// Round truncates d to Scale places in the given direction.
func Round(d decimal.Decimal, r Rounding) decimal.Decimal {
	if r == Up {
		return d.RoundCeil(Scale)
	}
	return d.RoundFloor(Scale)
}

// Pow raises a non-negative base to exponent. Integral exponents are exact;
// fractional exponents go through float64 and are converted straight back.
func Pow(base, exponent decimal.Decimal) decimal.Decimal {
	if base.Sign() <= 0 {
		return Zero
	}
	if exponent.IsInteger() {
		return Round(base.Pow(exponent), Down)
	}
	v := math.Pow(base.InexactFloat64(), exponent.InexactFloat64())
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return Zero
	}
	return Round(decimal.NewFromFloat(v), Down)
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Positive returns d when it is above zero and zero otherwise.
func Positive(d decimal.Decimal) decimal.Decimal {
	if d.IsPositive() {
		return d
	}
	return Zero
}
