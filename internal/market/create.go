package market

import (
	"context"
	"errors"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/state"
)

// Create registers a new market with an empty pool. Long and short tokens
// must differ; single-token pools are not supported.
func Create(ctx context.Context, st *state.State, m *model.Market, params model.MarketParams) error {
	if m.MarketToken == "" || m.IndexToken == "" || m.LongToken == "" || m.ShortToken == "" {
		return errs.ErrInvalidMarket.With("market, index, long and short tokens are required")
	}
	if m.LongToken == m.ShortToken {
		return errs.ErrInvalidMarket.With("long and short token are both %s", m.LongToken)
	}
	if _, err := st.Market(ctx, m.MarketToken); err == nil {
		return errs.ErrInvalidMarket.With("market %s already exists", m.MarketToken)
	} else if !errors.Is(err, errs.ErrEmptyMarket) {
		return err
	}
	if err := validateParams(params); err != nil {
		return err
	}
	return st.PutMarket(m, params)
}

func validateParams(p model.MarketParams) error {
	for name, v := range map[string]bool{
		"reserve_factor":              p.ReserveFactor.IsPositive(),
		"min_collateral_factor":       p.MinCollateralFactor.IsPositive(),
		"max_pnl_factor_for_traders":  p.MaxPnlFactorForTraders.IsPositive(),
		"max_pnl_factor_for_adl":      p.MaxPnlFactorForAdl.IsPositive(),
		"position_impact_exponent":    !p.PositionImpactExponent.IsNegative(),
		"swap_impact_exponent":        !p.SwapImpactExponent.IsNegative(),
		"fee_receiver_factor_in_unit": !p.FeeReceiverFactor.IsNegative() && p.FeeReceiverFactor.LessThanOrEqual(fixed.One),
	} {
		if !v {
			return errs.ErrInvalidMarket.With("invalid %s", name)
		}
	}
	return nil
}
