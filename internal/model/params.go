package model

import "github.com/shopspring/decimal"

// MarketParams are the risk parameters of one market. Factors are plain
// fractions (0.01 = 1%), per-second rates are fractions per second.
type MarketParams struct {
	SwapImpactPositiveFactor decimal.Decimal `json:"swap_impact_positive_factor" yaml:"swap_impact_positive_factor"`
	SwapImpactNegativeFactor decimal.Decimal `json:"swap_impact_negative_factor" yaml:"swap_impact_negative_factor"`
	SwapImpactExponent       decimal.Decimal `json:"swap_impact_exponent" yaml:"swap_impact_exponent"`
	SwapFeeFactor            decimal.Decimal `json:"swap_fee_factor" yaml:"swap_fee_factor"`

	PositionImpactPositiveFactor           decimal.Decimal `json:"position_impact_positive_factor" yaml:"position_impact_positive_factor"`
	PositionImpactNegativeFactor           decimal.Decimal `json:"position_impact_negative_factor" yaml:"position_impact_negative_factor"`
	PositionImpactExponent                 decimal.Decimal `json:"position_impact_exponent" yaml:"position_impact_exponent"`
	MaxPositionImpactFactorForLiquidations decimal.Decimal `json:"max_position_impact_factor_for_liquidations" yaml:"max_position_impact_factor_for_liquidations"`
	PositionFeeFactor                      decimal.Decimal `json:"position_fee_factor" yaml:"position_fee_factor"`

	// FeeReceiverFactor is the share of swap and position fees set aside as
	// claimable fees instead of being left in the pool.
	FeeReceiverFactor decimal.Decimal `json:"fee_receiver_factor" yaml:"fee_receiver_factor"`

	BorrowingFactor           decimal.Decimal `json:"borrowing_factor" yaml:"borrowing_factor"`
	FundingFactor             decimal.Decimal `json:"funding_factor" yaml:"funding_factor"`
	FundingExponent           decimal.Decimal `json:"funding_exponent" yaml:"funding_exponent"`
	MaxFundingFactorPerSecond decimal.Decimal `json:"max_funding_factor_per_second" yaml:"max_funding_factor_per_second"`

	ReserveFactor decimal.Decimal `json:"reserve_factor" yaml:"reserve_factor"`

	MaxPnlFactorForTraders     decimal.Decimal `json:"max_pnl_factor_for_traders" yaml:"max_pnl_factor_for_traders"`
	MaxPnlFactorForDeposits    decimal.Decimal `json:"max_pnl_factor_for_deposits" yaml:"max_pnl_factor_for_deposits"`
	MaxPnlFactorForWithdrawals decimal.Decimal `json:"max_pnl_factor_for_withdrawals" yaml:"max_pnl_factor_for_withdrawals"`
	MaxPnlFactorForAdl         decimal.Decimal `json:"max_pnl_factor_for_adl" yaml:"max_pnl_factor_for_adl"`
	MinPnlFactorAfterAdl       decimal.Decimal `json:"min_pnl_factor_after_adl" yaml:"min_pnl_factor_after_adl"`

	MinCollateralFactor decimal.Decimal `json:"min_collateral_factor" yaml:"min_collateral_factor"`
	MinCollateralUsd    decimal.Decimal `json:"min_collateral_usd" yaml:"min_collateral_usd"`
	MinPositionSizeUsd  decimal.Decimal `json:"min_position_size_usd" yaml:"min_position_size_usd"`

	// MaxOpenInterest caps open interest per side in USD. Zero disables the cap.
	MaxOpenInterest decimal.Decimal `json:"max_open_interest" yaml:"max_open_interest"`
}

// MaxPnlFactor returns the cap for the given consumer of pool value.
func (p MarketParams) MaxPnlFactor(kind PnlFactorKind) decimal.Decimal {
	switch kind {
	case PnlFactorDeposits:
		return p.MaxPnlFactorForDeposits
	case PnlFactorWithdrawals:
		return p.MaxPnlFactorForWithdrawals
	case PnlFactorAdl:
		return p.MaxPnlFactorForAdl
	default:
		return p.MaxPnlFactorForTraders
	}
}

// DefaultMarketParams returns conservative parameters: no impact, 0.1%
// position fees, 10x max leverage and a fully reservable pool.
func DefaultMarketParams() MarketParams {
	one := decimal.NewFromInt(1)
	two := decimal.NewFromInt(2)
	return MarketParams{
		SwapImpactExponent:                     two,
		SwapFeeFactor:                          decimal.RequireFromString("0.0005"),
		PositionImpactExponent:                 two,
		MaxPositionImpactFactorForLiquidations: decimal.RequireFromString("0.01"),
		PositionFeeFactor:                      decimal.RequireFromString("0.001"),
		FundingExponent:                        one,
		ReserveFactor:                          one,
		MaxPnlFactorForTraders:                 decimal.RequireFromString("0.9"),
		MaxPnlFactorForDeposits:                decimal.RequireFromString("0.9"),
		MaxPnlFactorForWithdrawals:             decimal.RequireFromString("0.7"),
		MaxPnlFactorForAdl:                     decimal.RequireFromString("0.45"),
		MinPnlFactorAfterAdl:                   decimal.RequireFromString("0.4"),
		MinCollateralFactor:                    decimal.RequireFromString("0.01"),
		MinCollateralUsd:                       one,
		MinPositionSizeUsd:                     one,
	}
}

// GlobalParams are exchange-wide settings.
type GlobalParams struct {
	// RequestMinAge is the number of reference points a request must age
	// before its owner may cancel it.
	RequestMinAge uint64 `json:"request_min_age" yaml:"request_min_age"`

	MinExecutionFee   decimal.Decimal `json:"min_execution_fee" yaml:"min_execution_fee"`
	MaxSwapPathLength int             `json:"max_swap_path_length" yaml:"max_swap_path_length"`

	// MaxCorrelatedOpenInterest caps open interest per side summed across all
	// markets sharing an index token. Zero disables the cap.
	MaxCorrelatedOpenInterest decimal.Decimal `json:"max_correlated_open_interest" yaml:"max_correlated_open_interest"`
}

// DefaultGlobalParams returns the settings used when none are configured.
func DefaultGlobalParams() GlobalParams {
	return GlobalParams{
		RequestMinAge:     5,
		MaxSwapPathLength: 3,
	}
}
