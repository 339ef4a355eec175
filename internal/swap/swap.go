// Package swap exchanges one collateral token for the other inside a market
// pool, and chains such swaps along a path of markets.
package swap

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/market"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/pricing"
	"github.com/atmx/perp-engine/internal/state"
)

// Result describes one executed hop.
type Result struct {
	Market      string
	TokenIn     string
	TokenOut    string
	AmountIn    decimal.Decimal
	AmountOut   decimal.Decimal
	FeeAmount   decimal.Decimal
	PriceImpact decimal.Decimal
}

// Swap sells amountIn of tokenIn into pool and returns the amount of the
// market's other collateral token paid out.
func Swap(ctx context.Context, st *state.State, pool *market.Pool, prices model.MarketPrices, tokenIn string, amountIn decimal.Decimal) (*Result, error) {
	m := pool.Market
	if !m.IsCollateral(tokenIn) {
		return nil, errs.ErrInvalidSwapPath.With("%s is not collateral of %s", tokenIn, m.MarketToken)
	}
	tokenOut := m.OppositeToken(tokenIn)
	priceIn, _ := prices.TokenPrice(*m, tokenIn)
	priceOut, _ := prices.TokenPrice(*m, tokenOut)

	fee := pricing.Fee(amountIn, pool.Params.SwapFeeFactor)
	receiverFee := fixed.Mul(fee, pool.Params.FeeReceiverFactor, fixed.Down)
	amountAfterFees := amountIn.Sub(fee)

	inUsd := fixed.Mul(amountAfterFees, priceIn.Min, fixed.Down)
	poolUsd := model.SideAmounts{
		Long:  fixed.Mul(pool.PoolAmount(m.LongToken), prices.Long.Min, fixed.Down),
		Short: fixed.Mul(pool.PoolAmount(m.ShortToken), prices.Short.Min, fixed.Down),
	}
	var impactUsd decimal.Decimal
	if tokenIn == m.LongToken {
		impactUsd = pricing.SwapImpactUsd(poolUsd, inUsd, inUsd.Neg(), pool.Params)
	} else {
		impactUsd = pricing.SwapImpactUsd(poolUsd, inUsd.Neg(), inUsd, pool.Params)
	}

	var positiveImpactAmount, negativeImpactAmount decimal.Decimal
	if impactUsd.IsPositive() {
		// Paid from the output token's reserve, silently capped to it.
		impactUsd = pricing.CapPositiveImpactUsd(impactUsd, pool.SwapImpactPool(tokenOut), priceOut.Max)
		positiveImpactAmount = fixed.Div(impactUsd, priceOut.Max, fixed.Down)
		if err := pool.ApplyDeltaToSwapImpactPool(tokenOut, positiveImpactAmount.Neg()); err != nil {
			return nil, err
		}
	} else if impactUsd.IsNegative() {
		negativeImpactAmount = fixed.Div(impactUsd.Neg(), priceIn.Min, fixed.Up)
		if negativeImpactAmount.GreaterThan(amountAfterFees) {
			return nil, errs.ErrMinOutputNotMet.With("swap impact %s exceeds input", impactUsd)
		}
		if err := pool.ApplyDeltaToSwapImpactPool(tokenIn, negativeImpactAmount); err != nil {
			return nil, err
		}
	}

	effectiveIn := amountAfterFees.Sub(negativeImpactAmount)
	amountOutFromPool := fixed.MulDiv(effectiveIn, priceIn.Min, priceOut.Max, fixed.Down)

	if err := pool.ApplyDeltaToPoolAmount(tokenIn, amountIn.Sub(receiverFee).Sub(negativeImpactAmount)); err != nil {
		return nil, err
	}
	if err := pool.ApplyDeltaToPoolAmount(tokenOut, amountOutFromPool.Neg()); err != nil {
		return nil, err
	}
	if err := st.AddClaimableFee(ctx, m.MarketToken, tokenIn, receiverFee); err != nil {
		return nil, err
	}
	if err := pool.ValidateReserve(tokenOut == m.LongToken, prices); err != nil {
		return nil, err
	}

	return &Result{
		Market:      m.MarketToken,
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		AmountIn:    amountIn,
		AmountOut:   amountOutFromPool.Add(positiveImpactAmount),
		FeeAmount:   fee,
		PriceImpact: impactUsd,
	}, nil
}

// ValidatePath checks a swap path before any funds move: bounded length,
// no repeated market, every market known.
func ValidatePath(ctx context.Context, st *state.State, path []string, maxLen int) error {
	if maxLen > 0 && len(path) > maxLen {
		return errs.ErrInvalidSwapPath.With("path of %d markets exceeds %d", len(path), maxLen)
	}
	seen := make(map[string]bool, len(path))
	for _, token := range path {
		if seen[token] {
			return errs.ErrInvalidSwapPath.With("market %s repeated", token)
		}
		seen[token] = true
		if _, err := st.Market(ctx, token); err != nil {
			return errs.ErrInvalidSwapPath.With("unknown market %s", token)
		}
	}
	return nil
}

// PathTokens lists every token whose price a swap along path needs.
func PathTokens(ctx context.Context, st *state.State, path []string) ([]string, error) {
	var tokens []string
	for _, token := range path {
		m, err := st.Market(ctx, token)
		if err != nil {
			return nil, errs.ErrInvalidSwapPath.With("unknown market %s", token)
		}
		tokens = append(tokens, oracle.MarketTokens(m)...)
	}
	return tokens, nil
}

// Along swaps amountIn of tokenIn through every market of path in order.
// The final amount must reach minOut. An empty path returns the input.
func Along(ctx context.Context, st *state.State, o oracle.Oracle, path []string, tokenIn string, amountIn, minOut decimal.Decimal) (string, decimal.Decimal, []*Result, error) {
	token, amount := tokenIn, amountIn
	var hops []*Result
	for _, marketToken := range path {
		pool, err := market.Load(ctx, st, marketToken)
		if err != nil {
			return "", decimal.Zero, nil, errs.ErrInvalidSwapPath.With("unknown market %s", marketToken)
		}
		if !pool.Market.IsCollateral(token) {
			return "", decimal.Zero, nil, errs.ErrInvalidSwapPath.With("%s cannot be swapped in %s", token, marketToken)
		}
		prices, err := oracle.MarketPrices(o, pool.Market)
		if err != nil {
			return "", decimal.Zero, nil, err
		}
		res, err := Swap(ctx, st, pool, prices, token, amount)
		if err != nil {
			return "", decimal.Zero, nil, err
		}
		hops = append(hops, res)
		token, amount = res.TokenOut, res.AmountOut
	}
	if amount.LessThan(minOut) {
		return "", decimal.Zero, nil, errs.ErrMinOutputNotMet.With("output %s below %s", amount, minOut)
	}
	return token, amount, hops, nil
}
