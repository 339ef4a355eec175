package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

type poolRow struct {
	Market model.Market
	State  *model.PoolState
}

func printMarkets(out io.Writer, markets []model.Market) {
	table := tablewriter.NewWriter(out)
	table.Header("Market", "Index", "Long", "Short")
	for _, m := range markets {
		table.Append(m.MarketToken, m.IndexToken, m.LongToken, m.ShortToken)
	}
	table.Render()
}

func printPools(out io.Writer, pools []poolRow) {
	table := tablewriter.NewWriter(out)
	table.Header("Market", "Long pool", "Short pool", "OI long", "OI short", "Impact pool", "Supply", "ADL")
	for _, p := range pools {
		m, s := p.Market, p.State
		oiLong, oiShort := openInterest(s)
		table.Append(
			m.MarketToken,
			s.PoolAmount[m.LongToken].StringFixed(4),
			s.PoolAmount[m.ShortToken].StringFixed(4),
			oiLong.StringFixed(2),
			oiShort.StringFixed(2),
			s.PositionImpactPool.StringFixed(6),
			s.MarketTokenSupply.StringFixed(4),
			adlLabel(s.AdlEnabled),
		)
	}
	table.Render()
}

func printPositions(out io.Writer, positions []model.Position) {
	table := tablewriter.NewWriter(out)
	table.Header("Account", "Market", "Collateral", "Side", "Size $", "Size tokens", "Collateral amt", "Entry", "Refs")
	for _, p := range positions {
		entry := "-"
		if p.SizeInTokens.IsPositive() {
			entry = p.SizeInUsd.Div(p.SizeInTokens).StringFixed(2)
		}
		table.Append(
			p.Account,
			p.Market,
			p.CollateralToken,
			side(p.IsLong),
			p.SizeInUsd.StringFixed(2),
			p.SizeInTokens.StringFixed(6),
			p.CollateralAmount.StringFixed(6),
			entry,
			fmt.Sprintf("%d/%d", p.IncreasedAtRef, p.DecreasedAtRef),
		)
	}
	table.Render()
}

func printOrders(out io.Writer, orders []model.Order) {
	table := tablewriter.NewWriter(out)
	table.Header("ID", "Account", "Market", "Type", "Side", "Size $", "Trigger", "Status", "Ref")
	for _, o := range orders {
		table.Append(
			fmt.Sprintf("%d", o.ID),
			o.Account,
			o.Market,
			o.Type.String(),
			side(o.IsLong),
			o.SizeDeltaUsd.StringFixed(2),
			o.TriggerPrice.String(),
			o.Status.String(),
			fmt.Sprintf("%d", o.Ref),
		)
	}
	table.Render()
}

func openInterest(s *model.PoolState) (long, short decimal.Decimal) {
	for _, oi := range s.OpenInterest {
		long = long.Add(oi.Long)
		short = short.Add(oi.Short)
	}
	return long, short
}

func side(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}

func adlLabel(f model.SideFlags) string {
	switch {
	case f.Long && f.Short:
		return "both"
	case f.Long:
		return "long"
	case f.Short:
		return "short"
	}
	return "-"
}
