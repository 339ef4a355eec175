// Package model defines the core domain types shared across the engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market describes one pool: positions are opened on IndexToken and
// collateralised by either LongToken or ShortToken. Immutable after creation.
type Market struct {
	MarketToken string `json:"market_token"`
	IndexToken  string `json:"index_token"`
	LongToken   string `json:"long_token"`
	ShortToken  string `json:"short_token"`
}

// IsCollateral reports whether token can back positions in this market.
func (m Market) IsCollateral(token string) bool {
	return token == m.LongToken || token == m.ShortToken
}

// PnlToken is the token profits of the given side are paid in.
func (m Market) PnlToken(isLong bool) string {
	if isLong {
		return m.LongToken
	}
	return m.ShortToken
}

// OppositeToken returns the other collateral token of the market.
func (m Market) OppositeToken(token string) string {
	if token == m.LongToken {
		return m.ShortToken
	}
	return m.LongToken
}

// Price is a validated {min,max} quote for one token at one reference point.
type Price struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// NewPrice returns a price with equal min and max.
func NewPrice(p decimal.Decimal) Price {
	return Price{Min: p, Max: p}
}

// Pick returns Max when maximize is set, Min otherwise.
func (p Price) Pick(maximize bool) decimal.Decimal {
	if maximize {
		return p.Max
	}
	return p.Min
}

// IsValid reports whether the quote is positive and ordered.
func (p Price) IsValid() bool {
	return p.Min.IsPositive() && p.Max.GreaterThanOrEqual(p.Min)
}

// MarketPrices bundles the prices needed to evaluate one market.
type MarketPrices struct {
	Index Price `json:"index"`
	Long  Price `json:"long"`
	Short Price `json:"short"`
}

// TokenPrice returns the price of one of the market's collateral tokens.
func (mp MarketPrices) TokenPrice(m Market, token string) (Price, error) {
	switch token {
	case m.LongToken:
		return mp.Long, nil
	case m.ShortToken:
		return mp.Short, nil
	case m.IndexToken:
		return mp.Index, nil
	}
	return Price{}, fmt.Errorf("token %s is not part of market %s", token, m.MarketToken)
}

// SideAmounts holds one value per position side.
type SideAmounts struct {
	Long  decimal.Decimal `json:"long"`
	Short decimal.Decimal `json:"short"`
}

// Get returns the value for the side.
func (s SideAmounts) Get(isLong bool) decimal.Decimal {
	if isLong {
		return s.Long
	}
	return s.Short
}

// Set replaces the value for the side.
func (s *SideAmounts) Set(isLong bool, v decimal.Decimal) {
	if isLong {
		s.Long = v
	} else {
		s.Short = v
	}
}

// Add adds delta to the value for the side.
func (s *SideAmounts) Add(isLong bool, delta decimal.Decimal) {
	s.Set(isLong, s.Get(isLong).Add(delta))
}

// Total returns Long + Short.
func (s SideAmounts) Total() decimal.Decimal {
	return s.Long.Add(s.Short)
}

// PoolState is the mutable bookkeeping of one market. It is mutated on every
// execution path and never deleted.
type PoolState struct {
	// PoolAmount and SwapImpactPool are keyed by collateral token.
	PoolAmount     map[string]decimal.Decimal `json:"pool_amount"`
	SwapImpactPool map[string]decimal.Decimal `json:"swap_impact_pool"`

	// PositionImpactPool is denominated in index-token units.
	PositionImpactPool decimal.Decimal `json:"position_impact_pool"`

	// OpenInterest and OpenInterestInTokens are keyed by collateral token.
	OpenInterest         map[string]SideAmounts `json:"open_interest"`
	OpenInterestInTokens map[string]SideAmounts `json:"open_interest_in_tokens"`

	CumulativeBorrowingFactor SideAmounts `json:"cumulative_borrowing_factor"`
	TotalBorrowing            SideAmounts `json:"total_borrowing"`

	// Funding accumulators, USD per USD of position size.
	FundingFeePerSize       SideAmounts `json:"funding_fee_per_size"`
	ClaimableFundingPerSize SideAmounts `json:"claimable_funding_per_size"`

	LatestAdlRef SideRefs  `json:"latest_adl_ref"`
	AdlEnabled   SideFlags `json:"adl_enabled"`

	MarketTokenSupply decimal.Decimal `json:"market_token_supply"`
	LastAccruedAt     time.Time       `json:"last_accrued_at"`
}

// NewPoolState returns an empty pool state with initialised maps.
func NewPoolState() *PoolState {
	return &PoolState{
		PoolAmount:           make(map[string]decimal.Decimal),
		SwapImpactPool:       make(map[string]decimal.Decimal),
		OpenInterest:         make(map[string]SideAmounts),
		OpenInterestInTokens: make(map[string]SideAmounts),
	}
}

// Normalize initialises nil maps after decoding.
func (s *PoolState) Normalize() {
	if s.PoolAmount == nil {
		s.PoolAmount = make(map[string]decimal.Decimal)
	}
	if s.SwapImpactPool == nil {
		s.SwapImpactPool = make(map[string]decimal.Decimal)
	}
	if s.OpenInterest == nil {
		s.OpenInterest = make(map[string]SideAmounts)
	}
	if s.OpenInterestInTokens == nil {
		s.OpenInterestInTokens = make(map[string]SideAmounts)
	}
}

// SideRefs holds one reference point per side.
type SideRefs struct {
	Long  uint64 `json:"long"`
	Short uint64 `json:"short"`
}

func (s SideRefs) Get(isLong bool) uint64 {
	if isLong {
		return s.Long
	}
	return s.Short
}

func (s *SideRefs) Set(isLong bool, v uint64) {
	if isLong {
		s.Long = v
	} else {
		s.Short = v
	}
}

// SideFlags holds one flag per side.
type SideFlags struct {
	Long  bool `json:"long"`
	Short bool `json:"short"`
}

func (s SideFlags) Get(isLong bool) bool {
	if isLong {
		return s.Long
	}
	return s.Short
}

func (s *SideFlags) Set(isLong bool, v bool) {
	if isLong {
		s.Long = v
	} else {
		s.Short = v
	}
}

// Position is a leveraged position. While the record exists SizeInUsd,
// SizeInTokens and CollateralAmount are all strictly positive.
type Position struct {
	Account         string `json:"account"`
	Market          string `json:"market"`
	CollateralToken string `json:"collateral_token"`
	IsLong          bool   `json:"is_long"`

	SizeInUsd        decimal.Decimal `json:"size_in_usd"`
	SizeInTokens     decimal.Decimal `json:"size_in_tokens"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`

	BorrowingFactor         decimal.Decimal `json:"borrowing_factor"`
	FundingFeePerSize       decimal.Decimal `json:"funding_fee_per_size"`
	ClaimableFundingPerSize decimal.Decimal `json:"claimable_funding_per_size"`

	IncreasedAtRef uint64 `json:"increased_at_ref"`
	DecreasedAtRef uint64 `json:"decreased_at_ref"`
}

// PositionKey identifies a position record.
type PositionKey struct {
	Account         string `json:"account"`
	Market          string `json:"market"`
	CollateralToken string `json:"collateral_token"`
	IsLong          bool   `json:"is_long"`
}

// Key returns the identity of p.
func (p *Position) Key() PositionKey {
	return PositionKey{
		Account:         p.Account,
		Market:          p.Market,
		CollateralToken: p.CollateralToken,
		IsLong:          p.IsLong,
	}
}

// String renders the key as "account/market/collateral/long|short".
func (k PositionKey) String() string {
	side := "short"
	if k.IsLong {
		side = "long"
	}
	return k.Account + "/" + k.Market + "/" + k.CollateralToken + "/" + side
}

// PnlFactorKind selects which max-pnl factor caps unrealised profit.
type PnlFactorKind int

const (
	PnlFactorTraders PnlFactorKind = iota
	PnlFactorDeposits
	PnlFactorWithdrawals
	PnlFactorAdl
)
