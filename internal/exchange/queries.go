package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/state"
)

// Getters read committed state and never take the step lock.

func (e *Exchange) Market(ctx context.Context, token string) (*model.Market, error) {
	return read(e, func(st *state.State) (*model.Market, error) { return st.Market(ctx, token) })
}

func (e *Exchange) Markets(ctx context.Context) ([]model.Market, error) {
	return read(e, func(st *state.State) ([]model.Market, error) { return st.Markets(ctx) })
}

func (e *Exchange) MarketParams(ctx context.Context, token string) (model.MarketParams, error) {
	return read(e, func(st *state.State) (model.MarketParams, error) { return st.MarketParams(ctx, token) })
}

func (e *Exchange) GlobalParams(ctx context.Context) (model.GlobalParams, error) {
	return read(e, func(st *state.State) (model.GlobalParams, error) { return st.GlobalParams(ctx) })
}

func (e *Exchange) Pool(ctx context.Context, token string) (*model.PoolState, error) {
	return read(e, func(st *state.State) (*model.PoolState, error) { return st.Pool(ctx, token) })
}

func (e *Exchange) Position(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	return read(e, func(st *state.State) (*model.Position, error) { return st.Position(ctx, key) })
}

func (e *Exchange) AccountPositions(ctx context.Context, account string, offset, limit int) ([]model.Position, error) {
	return read(e, func(st *state.State) ([]model.Position, error) {
		return st.AccountPositions(ctx, account, offset, limit)
	})
}

func (e *Exchange) Positions(ctx context.Context, offset, limit int) ([]model.Position, error) {
	return read(e, func(st *state.State) ([]model.Position, error) { return st.Positions(ctx, offset, limit) })
}

func (e *Exchange) Order(ctx context.Context, id uint64) (*model.Order, error) {
	return read(e, func(st *state.State) (*model.Order, error) { return st.Order(ctx, id) })
}

func (e *Exchange) AccountOrders(ctx context.Context, account string, offset, limit int) ([]model.Order, error) {
	return read(e, func(st *state.State) ([]model.Order, error) { return st.AccountOrders(ctx, account, offset, limit) })
}

func (e *Exchange) Orders(ctx context.Context, offset, limit int) ([]model.Order, error) {
	return read(e, func(st *state.State) ([]model.Order, error) { return st.Orders(ctx, offset, limit) })
}

func (e *Exchange) Deposit(ctx context.Context, id uint64) (*model.Deposit, error) {
	return read(e, func(st *state.State) (*model.Deposit, error) { return st.Deposit(ctx, id) })
}

func (e *Exchange) AccountDeposits(ctx context.Context, account string, offset, limit int) ([]model.Deposit, error) {
	return read(e, func(st *state.State) ([]model.Deposit, error) {
		return st.AccountDeposits(ctx, account, offset, limit)
	})
}

func (e *Exchange) Deposits(ctx context.Context, offset, limit int) ([]model.Deposit, error) {
	return read(e, func(st *state.State) ([]model.Deposit, error) { return st.Deposits(ctx, offset, limit) })
}

func (e *Exchange) Withdrawal(ctx context.Context, id uint64) (*model.Withdrawal, error) {
	return read(e, func(st *state.State) (*model.Withdrawal, error) { return st.Withdrawal(ctx, id) })
}

func (e *Exchange) AccountWithdrawals(ctx context.Context, account string, offset, limit int) ([]model.Withdrawal, error) {
	return read(e, func(st *state.State) ([]model.Withdrawal, error) {
		return st.AccountWithdrawals(ctx, account, offset, limit)
	})
}

func (e *Exchange) Withdrawals(ctx context.Context, offset, limit int) ([]model.Withdrawal, error) {
	return read(e, func(st *state.State) ([]model.Withdrawal, error) { return st.Withdrawals(ctx, offset, limit) })
}

// Receivable is the amount of token owed to account from payouts and refunds.
func (e *Exchange) Receivable(ctx context.Context, account, token string) (decimal.Decimal, error) {
	return read(e, func(st *state.State) (decimal.Decimal, error) { return st.Receivable(ctx, account, token) })
}

// MarketTokenBalance is account's pool share balance in market.
func (e *Exchange) MarketTokenBalance(ctx context.Context, market, account string) (decimal.Decimal, error) {
	return read(e, func(st *state.State) (decimal.Decimal, error) {
		return st.MarketTokenBalance(ctx, market, account)
	})
}

// ClaimableFee is the fee receiver's share of token collected in market.
func (e *Exchange) ClaimableFee(ctx context.Context, market, token string) (decimal.Decimal, error) {
	return read(e, func(st *state.State) (decimal.Decimal, error) { return st.ClaimableFee(ctx, market, token) })
}

// FailureReason returns why request id of kind was last cancelled or frozen.
func (e *Exchange) FailureReason(ctx context.Context, kind string, id uint64) (string, error) {
	return read(e, func(st *state.State) (string, error) { return st.FailureReason(ctx, kind, id) })
}

// LatestReference returns the highest reference point a committed step ran
// at. A restarted server resumes its clock from it.
func (e *Exchange) LatestReference(ctx context.Context) (uint64, error) {
	return read(e, func(st *state.State) (uint64, error) { return st.LatestReference(ctx) })
}
