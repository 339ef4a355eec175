// Package state provides typed access to engine records on top of a
// store.Tx. A State lives for one step: pool records are loaded once into an
// identity map, mutated in place, and written back by Flush before commit.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
)

// Controllers decides which callers may write engine state.
type Controllers interface {
	IsController(caller string) bool
}

// State is a typed view of one step's writes.
type State struct {
	tx    *store.Tx
	pools map[string]*model.PoolState
}

// Open returns a State over tx on behalf of caller. Callers that are not
// registered controllers get ErrForbidden.
func Open(tx *store.Tx, caller string, ctl Controllers) (*State, error) {
	if ctl == nil || !ctl.IsController(caller) {
		return nil, errs.ErrForbidden.With("%s is not a controller", caller)
	}
	return &State{tx: tx, pools: make(map[string]*model.PoolState)}, nil
}

// Tx exposes the underlying overlay.
func (s *State) Tx() *store.Tx { return s.tx }

// Flush writes every loaded pool record back to the overlay.
func (s *State) Flush() error {
	for token, ps := range s.pools {
		if err := s.put(poolKey(token), ps); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) get(ctx context.Context, key store.Key, v any) (bool, error) {
	data, err := s.tx.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *State) put(key store.Key, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.tx.Put(key, data)
	return nil
}

func (s *State) getDecimal(ctx context.Context, key store.Key) (decimal.Decimal, error) {
	var d decimal.Decimal
	if _, err := s.get(ctx, key, &d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// page loads every member of set and slices it by offset and limit.
func (s *State) page(ctx context.Context, set store.Key, offset, limit int) ([]store.Key, error) {
	all, err := s.tx.SetMembers(ctx, set)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}

// --- Keys ---

func marketKey(token string) store.Key { return store.NewKey("market", token) }
func paramsKey(token string) store.Key { return store.NewKey("market_params", token) }
func poolKey(token string) store.Key   { return store.NewKey("pool", token) }

func positionKey(k model.PositionKey) store.Key {
	return store.NewKey("position", k.Account, k.Market, k.CollateralToken, strconv.FormatBool(k.IsLong))
}
func requestKey(kind string, id uint64) store.Key {
	return store.NewKey(kind, strconv.FormatUint(id, 10))
}
func setKey(name string, parts ...string) store.Key {
	return store.NewKey("set:"+name, parts...)
}

var (
	globalParamsKey = store.NewKey("global_params")
	nonceKey        = store.NewKey("nonce")
	latestRefKey    = store.NewKey("latest_ref")
	marketsSet      = setKey("markets")
	positionsSet    = setKey("positions")
)

// NextID returns the next value of the global request counter.
func (s *State) NextID(ctx context.Context) (uint64, error) {
	var n uint64
	if _, err := s.get(ctx, nonceKey, &n); err != nil {
		return 0, err
	}
	n++
	if err := s.put(nonceKey, n); err != nil {
		return 0, err
	}
	return n, nil
}

// LatestReference returns the highest reference point any committed step
// has run at.
func (s *State) LatestReference(ctx context.Context) (uint64, error) {
	var ref uint64
	_, err := s.get(ctx, latestRefKey, &ref)
	return ref, err
}

// ObserveReference raises the latest reference point to ref.
func (s *State) ObserveReference(ctx context.Context, ref uint64) error {
	cur, err := s.LatestReference(ctx)
	if err != nil || ref <= cur {
		return err
	}
	return s.put(latestRefKey, ref)
}

// --- Markets ---

// Market returns the market identified by its market token.
func (s *State) Market(ctx context.Context, token string) (*model.Market, error) {
	var m model.Market
	ok, err := s.get(ctx, marketKey(token), &m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrEmptyMarket.With("market %s", token)
	}
	return &m, nil
}

// PutMarket stores a new market with its parameters and an empty pool.
func (s *State) PutMarket(m *model.Market, params model.MarketParams) error {
	key := marketKey(m.MarketToken)
	if err := s.put(key, m); err != nil {
		return err
	}
	if err := s.put(paramsKey(m.MarketToken), params); err != nil {
		return err
	}
	s.pools[m.MarketToken] = model.NewPoolState()
	s.tx.SetAdd(marketsSet, key)
	return nil
}

// Markets lists market tokens in creation order.
func (s *State) Markets(ctx context.Context) ([]model.Market, error) {
	keys, err := s.tx.SetMembers(ctx, marketsSet)
	if err != nil {
		return nil, err
	}
	out := make([]model.Market, 0, len(keys))
	for _, k := range keys {
		var m model.Market
		ok, err := s.get(ctx, k, &m)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// MarketParams returns the risk parameters of a market.
func (s *State) MarketParams(ctx context.Context, token string) (model.MarketParams, error) {
	var p model.MarketParams
	ok, err := s.get(ctx, paramsKey(token), &p)
	if err != nil {
		return p, err
	}
	if !ok {
		return p, errs.ErrEmptyMarket.With("params for %s", token)
	}
	return p, nil
}

// PutMarketParams replaces the risk parameters of a market.
func (s *State) PutMarketParams(token string, p model.MarketParams) error {
	return s.put(paramsKey(token), p)
}

// GlobalParams returns the exchange-wide settings, or defaults if unset.
func (s *State) GlobalParams(ctx context.Context) (model.GlobalParams, error) {
	p := model.DefaultGlobalParams()
	if _, err := s.get(ctx, globalParamsKey, &p); err != nil {
		return p, err
	}
	return p, nil
}

func (s *State) PutGlobalParams(p model.GlobalParams) error {
	return s.put(globalParamsKey, p)
}

// Pool returns the pool record of a market. Repeated calls within one State
// return the same pointer.
func (s *State) Pool(ctx context.Context, token string) (*model.PoolState, error) {
	if ps, ok := s.pools[token]; ok {
		return ps, nil
	}
	ps := model.NewPoolState()
	ok, err := s.get(ctx, poolKey(token), ps)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrEmptyMarket.With("pool %s", token)
	}
	ps.Normalize()
	s.pools[token] = ps
	return ps, nil
}
