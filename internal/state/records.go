package state

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
)

// Request kinds, used in keys, index names and failure reasons.
const (
	KindDeposit    = "deposit"
	KindWithdrawal = "withdrawal"
	KindOrder      = "order"
)

// --- Positions ---

// Position returns the position for key or ErrEmptyPosition.
func (s *State) Position(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	var p model.Position
	ok, err := s.get(ctx, positionKey(key), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrEmptyPosition.With("%s", key)
	}
	return &p, nil
}

// HasPosition reports whether a record exists for key.
func (s *State) HasPosition(ctx context.Context, key model.PositionKey) (bool, error) {
	var p model.Position
	return s.get(ctx, positionKey(key), &p)
}

// PutPosition stores p and indexes it on first write.
func (s *State) PutPosition(p *model.Position) error {
	key := positionKey(p.Key())
	if err := s.put(key, p); err != nil {
		return err
	}
	s.tx.SetAdd(setKey("positions", p.Account), key)
	s.tx.SetAdd(positionsSet, key)
	return nil
}

// DeletePosition removes the record and its index entries.
func (s *State) DeletePosition(key model.PositionKey) {
	k := positionKey(key)
	s.tx.Delete(k)
	s.tx.SetRemove(setKey("positions", key.Account), k)
	s.tx.SetRemove(positionsSet, k)
}

// AccountPositions pages through an account's positions in opening order.
func (s *State) AccountPositions(ctx context.Context, account string, offset, limit int) ([]model.Position, error) {
	keys, err := s.page(ctx, setKey("positions", account), offset, limit)
	if err != nil {
		return nil, err
	}
	return loadAll[model.Position](ctx, s, keys)
}

// Positions pages through every open position.
func (s *State) Positions(ctx context.Context, offset, limit int) ([]model.Position, error) {
	keys, err := s.page(ctx, positionsSet, offset, limit)
	if err != nil {
		return nil, err
	}
	return loadAll[model.Position](ctx, s, keys)
}

func loadAll[T any](ctx context.Context, s *State, keys []store.Key) ([]T, error) {
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		var v T
		ok, err := s.get(ctx, k, &v)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// --- Requests ---

func (s *State) putRequest(kind string, id uint64, account string, v any) error {
	key := requestKey(kind, id)
	if err := s.put(key, v); err != nil {
		return err
	}
	s.tx.SetAdd(setKey(kind, account), key)
	s.tx.SetAdd(setKey(kind), key)
	return nil
}

func (s *State) deleteRequest(kind string, id uint64, account string) {
	key := requestKey(kind, id)
	s.tx.Delete(key)
	s.tx.SetRemove(setKey(kind, account), key)
	s.tx.SetRemove(setKey(kind), key)
}

func getRequest[T any](ctx context.Context, s *State, kind string, id uint64) (*T, error) {
	var v T
	ok, err := s.get(ctx, requestKey(kind, id), &v)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrEmptyRequest.With("%s %d", kind, id)
	}
	return &v, nil
}

func (s *State) Deposit(ctx context.Context, id uint64) (*model.Deposit, error) {
	return getRequest[model.Deposit](ctx, s, KindDeposit, id)
}

func (s *State) PutDeposit(d *model.Deposit) error {
	return s.putRequest(KindDeposit, d.ID, d.Account, d)
}

func (s *State) DeleteDeposit(d *model.Deposit) {
	s.deleteRequest(KindDeposit, d.ID, d.Account)
}

func (s *State) Withdrawal(ctx context.Context, id uint64) (*model.Withdrawal, error) {
	return getRequest[model.Withdrawal](ctx, s, KindWithdrawal, id)
}

func (s *State) PutWithdrawal(w *model.Withdrawal) error {
	return s.putRequest(KindWithdrawal, w.ID, w.Account, w)
}

func (s *State) DeleteWithdrawal(w *model.Withdrawal) {
	s.deleteRequest(KindWithdrawal, w.ID, w.Account)
}

func (s *State) Order(ctx context.Context, id uint64) (*model.Order, error) {
	return getRequest[model.Order](ctx, s, KindOrder, id)
}

func (s *State) PutOrder(o *model.Order) error {
	return s.putRequest(KindOrder, o.ID, o.Account, o)
}

func (s *State) DeleteOrder(o *model.Order) {
	s.deleteRequest(KindOrder, o.ID, o.Account)
}

func (s *State) AccountDeposits(ctx context.Context, account string, offset, limit int) ([]model.Deposit, error) {
	keys, err := s.page(ctx, setKey(KindDeposit, account), offset, limit)
	if err != nil {
		return nil, err
	}
	return loadAll[model.Deposit](ctx, s, keys)
}

func (s *State) AccountWithdrawals(ctx context.Context, account string, offset, limit int) ([]model.Withdrawal, error) {
	keys, err := s.page(ctx, setKey(KindWithdrawal, account), offset, limit)
	if err != nil {
		return nil, err
	}
	return loadAll[model.Withdrawal](ctx, s, keys)
}

func (s *State) AccountOrders(ctx context.Context, account string, offset, limit int) ([]model.Order, error) {
	keys, err := s.page(ctx, setKey(KindOrder, account), offset, limit)
	if err != nil {
		return nil, err
	}
	return loadAll[model.Order](ctx, s, keys)
}

// Orders pages through every pending order, oldest first.
func (s *State) Orders(ctx context.Context, offset, limit int) ([]model.Order, error) {
	keys, err := s.page(ctx, setKey(KindOrder), offset, limit)
	if err != nil {
		return nil, err
	}
	return loadAll[model.Order](ctx, s, keys)
}

func (s *State) Deposits(ctx context.Context, offset, limit int) ([]model.Deposit, error) {
	keys, err := s.page(ctx, setKey(KindDeposit), offset, limit)
	if err != nil {
		return nil, err
	}
	return loadAll[model.Deposit](ctx, s, keys)
}

func (s *State) Withdrawals(ctx context.Context, offset, limit int) ([]model.Withdrawal, error) {
	keys, err := s.page(ctx, setKey(KindWithdrawal), offset, limit)
	if err != nil {
		return nil, err
	}
	return loadAll[model.Withdrawal](ctx, s, keys)
}

// --- Balances ---

func receivableKey(account, token string) store.Key {
	return store.NewKey("receivable", account, token)
}

func sharesKey(market, account string) store.Key {
	return store.NewKey("market_token_balance", market, account)
}

func feeKey(market, token string) store.Key {
	return store.NewKey("claimable_fee", market, token)
}

// Credit adds amount of token to what account may withdraw from the vault.
func (s *State) Credit(ctx context.Context, account, token string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return nil
	}
	key := receivableKey(account, token)
	bal, err := s.getDecimal(ctx, key)
	if err != nil {
		return err
	}
	return s.put(key, bal.Add(amount))
}

// Receivable returns the amount of token credited to account.
func (s *State) Receivable(ctx context.Context, account, token string) (decimal.Decimal, error) {
	return s.getDecimal(ctx, receivableKey(account, token))
}

// MarketTokenBalance returns the pool shares held by account.
func (s *State) MarketTokenBalance(ctx context.Context, market, account string) (decimal.Decimal, error) {
	return s.getDecimal(ctx, sharesKey(market, account))
}

// AddMarketTokens adjusts the share balance of account by delta. A result
// below zero fails with ErrEmptyWithdrawal.
func (s *State) AddMarketTokens(ctx context.Context, market, account string, delta decimal.Decimal) error {
	key := sharesKey(market, account)
	bal, err := s.getDecimal(ctx, key)
	if err != nil {
		return err
	}
	next := bal.Add(delta)
	if next.IsNegative() {
		return errs.ErrEmptyWithdrawal.With("balance %s below %s", bal, delta.Neg())
	}
	return s.put(key, next)
}

// AddClaimableFee records fees set aside for the fee receiver.
func (s *State) AddClaimableFee(ctx context.Context, market, token string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return nil
	}
	key := feeKey(market, token)
	bal, err := s.getDecimal(ctx, key)
	if err != nil {
		return err
	}
	return s.put(key, bal.Add(amount))
}

func (s *State) ClaimableFee(ctx context.Context, market, token string) (decimal.Decimal, error) {
	return s.getDecimal(ctx, feeKey(market, token))
}

// --- Failure reasons ---

func failureKey(kind string, id uint64) store.Key {
	return store.NewKey("failure", kind, strconv.FormatUint(id, 10))
}

// SetFailureReason records why a request was cancelled or frozen.
func (s *State) SetFailureReason(kind string, id uint64, reason string) error {
	return s.put(failureKey(kind, id), reason)
}

// FailureReason returns the last recorded failure for a request, or "".
func (s *State) FailureReason(ctx context.Context, kind string, id uint64) (string, error) {
	var reason string
	_, err := s.get(ctx, failureKey(kind, id), &reason)
	return reason, err
}
