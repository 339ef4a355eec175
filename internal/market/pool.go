// Package market implements the per-market pool: token balances, impact
// reserves, open interest, borrowing and funding accumulators, and the
// pool-value and PnL queries built on them.
package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pricing"
	"github.com/atmx/perp-engine/internal/state"
)

// Pool binds a market to its parameters and mutable state for one step.
type Pool struct {
	Market *model.Market
	Params model.MarketParams
	State  *model.PoolState
}

// Load reads a market, its parameters and its pool record.
func Load(ctx context.Context, st *state.State, token string) (*Pool, error) {
	m, err := st.Market(ctx, token)
	if err != nil {
		return nil, err
	}
	params, err := st.MarketParams(ctx, token)
	if err != nil {
		return nil, err
	}
	ps, err := st.Pool(ctx, token)
	if err != nil {
		return nil, err
	}
	return &Pool{Market: m, Params: params, State: ps}, nil
}

// PoolAmount returns the pooled amount of a collateral token.
func (p *Pool) PoolAmount(token string) decimal.Decimal {
	return p.State.PoolAmount[token]
}

// ApplyDeltaToPoolAmount adjusts a token's pooled amount. The amount can
// never go negative.
func (p *Pool) ApplyDeltaToPoolAmount(token string, delta decimal.Decimal) error {
	if !p.Market.IsCollateral(token) {
		return errs.ErrInvalidCollateral.With("%s not in market %s", token, p.Market.MarketToken)
	}
	next := p.State.PoolAmount[token].Add(delta)
	if next.IsNegative() {
		return errs.ErrInsufficientPoolAmount.With("%s: have %s, need %s", token, p.State.PoolAmount[token], delta.Neg())
	}
	p.State.PoolAmount[token] = next
	return nil
}

// SwapImpactPool returns the swap impact reserve of a token.
func (p *Pool) SwapImpactPool(token string) decimal.Decimal {
	return p.State.SwapImpactPool[token]
}

func (p *Pool) ApplyDeltaToSwapImpactPool(token string, delta decimal.Decimal) error {
	next := p.State.SwapImpactPool[token].Add(delta)
	if next.IsNegative() {
		return errs.ErrInsufficientPoolAmount.With("swap impact pool %s", token)
	}
	p.State.SwapImpactPool[token] = next
	return nil
}

func (p *Pool) ApplyDeltaToPositionImpactPool(delta decimal.Decimal) error {
	next := p.State.PositionImpactPool.Add(delta)
	if next.IsNegative() {
		return errs.ErrInsufficientPoolAmount.With("position impact pool")
	}
	p.State.PositionImpactPool = next
	return nil
}

// ApplyDeltaToOpenInterest adjusts open interest for a (collateral token,
// side) pair in USD and in index tokens.
func (p *Pool) ApplyDeltaToOpenInterest(collateralToken string, isLong bool, deltaUsd, deltaTokens decimal.Decimal) error {
	usd := p.State.OpenInterest[collateralToken]
	tokens := p.State.OpenInterestInTokens[collateralToken]
	usd.Add(isLong, deltaUsd)
	tokens.Add(isLong, deltaTokens)
	if usd.Get(isLong).IsNegative() || tokens.Get(isLong).IsNegative() {
		return errs.ErrInvalidSizeDelta.With("open interest below zero for %s", collateralToken)
	}
	p.State.OpenInterest[collateralToken] = usd
	p.State.OpenInterestInTokens[collateralToken] = tokens
	return nil
}

// OpenInterest returns the side's open interest in USD summed over both
// collateral tokens.
func (p *Pool) OpenInterest(isLong bool) decimal.Decimal {
	return p.State.OpenInterest[p.Market.LongToken].Get(isLong).
		Add(p.State.OpenInterest[p.Market.ShortToken].Get(isLong))
}

// OpenInterestInTokens returns the side's open interest in index tokens.
func (p *Pool) OpenInterestInTokens(isLong bool) decimal.Decimal {
	return p.State.OpenInterestInTokens[p.Market.LongToken].Get(isLong).
		Add(p.State.OpenInterestInTokens[p.Market.ShortToken].Get(isLong))
}

// OpenInterestSides returns USD open interest of both sides.
func (p *Pool) OpenInterestSides() model.SideAmounts {
	return model.SideAmounts{Long: p.OpenInterest(true), Short: p.OpenInterest(false)}
}

// PoolUsd values the side's pnl token holdings.
func (p *Pool) PoolUsd(isLong bool, prices model.MarketPrices, maximize bool) decimal.Decimal {
	price := prices.Short
	if isLong {
		price = prices.Long
	}
	return fixed.Mul(p.PoolAmount(p.Market.PnlToken(isLong)), price.Pick(maximize), fixed.Down)
}

// Pnl is the aggregate unrealised PnL of one side. maximize selects the
// index price that is best for traders.
func (p *Pool) Pnl(isLong bool, index model.Price, maximize bool) decimal.Decimal {
	oiUsd := p.OpenInterest(isLong)
	oiTokens := p.OpenInterestInTokens(isLong)
	if isLong {
		return fixed.Mul(oiTokens, index.Pick(maximize), fixed.Down).Sub(oiUsd)
	}
	return oiUsd.Sub(fixed.Mul(oiTokens, index.Pick(!maximize), fixed.Up))
}

// CappedPnl limits positive pnl to poolUsd * the max pnl factor of kind.
func (p *Pool) CappedPnl(pnl, poolUsd decimal.Decimal, kind model.PnlFactorKind) decimal.Decimal {
	if pnl.Sign() <= 0 {
		return pnl
	}
	return fixed.Min(pnl, fixed.Mul(poolUsd, p.Params.MaxPnlFactor(kind), fixed.Down))
}

// PendingBorrowingFees is what open positions of a side owe but have not
// settled yet.
func (p *Pool) PendingBorrowingFees(isLong bool) decimal.Decimal {
	accrued := fixed.Mul(p.OpenInterest(isLong), p.State.CumulativeBorrowingFactor.Get(isLong), fixed.Down)
	return fixed.Positive(accrued.Sub(p.State.TotalBorrowing.Get(isLong)))
}

// PoolValue is the USD value of the pool backing market tokens:
//
//	Σ poolAmount×price − cappedNetPnl − positionImpactPool×indexPrice + pendingBorrowingFees
func (p *Pool) PoolValue(prices model.MarketPrices, maximize bool, kind model.PnlFactorKind) decimal.Decimal {
	longUsd := fixed.Mul(p.PoolAmount(p.Market.LongToken), prices.Long.Pick(maximize), fixed.Down)
	shortUsd := fixed.Mul(p.PoolAmount(p.Market.ShortToken), prices.Short.Pick(maximize), fixed.Down)
	value := longUsd.Add(shortUsd)

	value = value.Add(p.PendingBorrowingFees(true)).Add(p.PendingBorrowingFees(false))

	// Trader pnl is a liability: a maximised pool value uses the smallest pnl.
	longPnl := p.CappedPnl(p.Pnl(true, prices.Index, !maximize), longUsd, kind)
	shortPnl := p.CappedPnl(p.Pnl(false, prices.Index, !maximize), shortUsd, kind)
	value = value.Sub(longPnl.Add(shortPnl))

	impactUsd := fixed.Mul(p.State.PositionImpactPool, prices.Index.Pick(!maximize), fixed.Up)
	return value.Sub(impactUsd)
}

// MarketTokenPrice returns the USD value of one pool share, or 1 when no
// shares exist. A negative pool value fails with ErrInvalidPoolValue.
func (p *Pool) MarketTokenPrice(prices model.MarketPrices, maximize bool, kind model.PnlFactorKind) (price, poolValue decimal.Decimal, err error) {
	poolValue = p.PoolValue(prices, maximize, kind)
	if poolValue.IsNegative() {
		return fixed.Zero, poolValue, errs.ErrInvalidPoolValue.With("%s", poolValue)
	}
	supply := p.State.MarketTokenSupply
	if supply.IsZero() {
		return fixed.One, poolValue, nil
	}
	return fixed.Div(poolValue, supply, fixed.Down), poolValue, nil
}

// ReservedUsd is the USD the pool must be able to pay out to one side.
// Longs reserve their index tokens at the max price, shorts their size.
func (p *Pool) ReservedUsd(isLong bool, prices model.MarketPrices) decimal.Decimal {
	if isLong {
		return fixed.Mul(p.OpenInterestInTokens(true), prices.Index.Max, fixed.Up)
	}
	return p.OpenInterest(false)
}

// ValidateReserve fails with ErrInsufficientReserve when reserved USD
// exceeds poolUsd * ReserveFactor for the side.
func (p *Pool) ValidateReserve(isLong bool, prices model.MarketPrices) error {
	reserved := p.ReservedUsd(isLong, prices)
	limit := fixed.Mul(p.PoolUsd(isLong, prices, false), p.Params.ReserveFactor, fixed.Down)
	if reserved.GreaterThan(limit) {
		return errs.ErrInsufficientReserve.With("%s reserved %s > %s", side(isLong), reserved, limit)
	}
	return nil
}

// PnlToPoolFactor is side pnl / side pool USD, or zero for an empty pool.
func (p *Pool) PnlToPoolFactor(isLong bool, prices model.MarketPrices, maximize bool) decimal.Decimal {
	poolUsd := p.PoolUsd(isLong, prices, !maximize)
	if poolUsd.Sign() <= 0 {
		return fixed.Zero
	}
	return fixed.Div(p.Pnl(isLong, prices.Index, maximize), poolUsd, fixed.Down)
}

// IsPnlFactorExceeded reports whether the side's pnl-to-pool factor is
// above the cap for kind, and returns the factor.
func (p *Pool) IsPnlFactorExceeded(isLong bool, prices model.MarketPrices, kind model.PnlFactorKind) (bool, decimal.Decimal) {
	factor := p.PnlToPoolFactor(isLong, prices, true)
	return factor.GreaterThan(p.Params.MaxPnlFactor(kind)), factor
}

// ValidatePnlFactor fails with ErrPendingAdl when either side exceeds the
// cap for kind.
func (p *Pool) ValidatePnlFactor(prices model.MarketPrices, kind model.PnlFactorKind) error {
	for _, isLong := range []bool{true, false} {
		if exceeded, factor := p.IsPnlFactorExceeded(isLong, prices, kind); exceeded {
			return errs.ErrPendingAdl.With("%s pnl factor %s", side(isLong), factor)
		}
	}
	return nil
}

// CappedPnlRatio returns cappedAggregatePnl / rawAggregatePnl for a side,
// the factor by which one position's profit is scaled.
func (p *Pool) CappedPnlRatio(isLong bool, prices model.MarketPrices) (capped, raw decimal.Decimal) {
	raw = p.Pnl(isLong, prices.Index, true)
	capped = p.CappedPnl(raw, p.PoolUsd(isLong, prices, false), model.PnlFactorTraders)
	return capped, raw
}

// UpdateFundingAndBorrowing advances both accumulators to now. The first
// call only records the time.
func (p *Pool) UpdateFundingAndBorrowing(prices model.MarketPrices, now time.Time) {
	last := p.State.LastAccruedAt
	p.State.LastAccruedAt = now
	if last.IsZero() || !now.After(last) {
		return
	}
	dt := decimal.NewFromInt(int64(now.Sub(last) / time.Second))
	if dt.IsZero() {
		p.State.LastAccruedAt = last
		return
	}

	for _, isLong := range []bool{true, false} {
		rate := pricing.BorrowingFactorPerSecond(p.Params.BorrowingFactor,
			p.ReservedUsd(isLong, prices), p.PoolUsd(isLong, prices, false))
		p.State.CumulativeBorrowingFactor.Add(isLong, fixed.Mul(rate, dt, fixed.Up))
	}

	oi := p.OpenInterestSides()
	rate := pricing.FundingFactorPerSecond(oi, p.Params)
	if rate.IsZero() || oi.Long.Equal(oi.Short) {
		return
	}
	payerIsLong := oi.Long.GreaterThan(oi.Short)
	perSize := fixed.Mul(rate, dt, fixed.Up)
	p.State.FundingFeePerSize.Add(payerIsLong, perSize)

	receiverOI := oi.Get(!payerIsLong)
	if receiverOI.IsPositive() {
		fundingUsd := fixed.Mul(perSize, oi.Get(payerIsLong), fixed.Down)
		p.State.ClaimableFundingPerSize.Add(!payerIsLong, fixed.Div(fundingUsd, receiverOI, fixed.Down))
	}
}

// ApplyDeltaToTotalBorrowing tracks Σ sizeInUsd × borrowing snapshot per
// side, used to derive pending borrowing fees.
func (p *Pool) ApplyDeltaToTotalBorrowing(isLong bool, delta decimal.Decimal) {
	p.State.TotalBorrowing.Add(isLong, delta)
}

func side(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
