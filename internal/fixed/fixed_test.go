package fixed

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestMulDiv_Exact(t *testing.T) {
	got := MulDiv(d("200000"), d("3"), d("4"), Down)
	if !got.Equal(d("150000")) {
		t.Errorf("expected 150000, got %s", got)
	}
}

func TestMulDiv_RoundingDirection(t *testing.T) {
	third := d("0.333333333333333333333333333333")
	if got := MulDiv(One, One, d("3"), Down); !got.Equal(third) {
		t.Errorf("floor(1/3) = %s, want %s", got, third)
	}
	if got := MulDiv(One, One, d("3"), Up); !got.Equal(third.Add(ulp)) {
		t.Errorf("ceil(1/3) = %s, want %s", got, third.Add(ulp))
	}
}

func TestMulDiv_NegativeRounding(t *testing.T) {
	down := MulDiv(One.Neg(), One, d("3"), Down)
	up := MulDiv(One.Neg(), One, d("3"), Up)
	if !down.LessThan(up) {
		t.Errorf("floor(-1/3)=%s should be below ceil(-1/3)=%s", down, up)
	}
	if !up.Sub(down).Equal(ulp) {
		t.Errorf("floor and ceil should differ by one unit, got %s", up.Sub(down))
	}
}

func TestMulDiv_ZeroDivisor(t *testing.T) {
	if got := MulDiv(One, One, Zero, Up); !got.IsZero() {
		t.Errorf("expected zero for zero divisor, got %s", got)
	}
}

func TestPow_IntegerExponent(t *testing.T) {
	if got := Pow(d("200000"), d("2")); !got.Equal(d("40000000000")) {
		t.Errorf("expected 4e10, got %s", got)
	}
}

func TestPow_FractionalExponent(t *testing.T) {
	got := Pow(d("16"), d("0.5"))
	if got.Sub(d("4")).Abs().GreaterThan(d("0.000001")) {
		t.Errorf("expected ≈4, got %s", got)
	}
}

func TestPow_NonPositiveBase(t *testing.T) {
	if got := Pow(Zero, d("2")); !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestMinMaxPositive(t *testing.T) {
	if !Max(d("1"), d("2")).Equal(d("2")) || !Min(d("1"), d("2")).Equal(d("1")) {
		t.Error("min/max mismatch")
	}
	if !Positive(d("-5")).IsZero() || !Positive(d("5")).Equal(d("5")) {
		t.Error("positive mismatch")
	}
}
