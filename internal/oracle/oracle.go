// Package oracle adapts keeper-supplied prices to the engine. Prices are
// pinned to one reference point: an execution stages the tokens it needs
// for its reference, reads them, and clears the stage afterwards.
package oracle

import (
	"sync"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/model"
)

// Oracle is the price source consumed by the engine.
type Oracle interface {
	// Stage pins prices for tokens at ref. It fails with ErrReferenceMismatch
	// when the available prices belong to another reference point and with
	// ErrEmptyPrice when a token has no valid quote.
	Stage(ref uint64, tokens []string) error
	// Clear drops staged prices.
	Clear()
	// LatestPrice returns the staged price of token.
	LatestPrice(token string) (model.Price, error)
	// Reference returns the reference point of the staged prices.
	Reference() uint64
}

// Adapter is an Oracle fed by a keeper. Supply replaces the available
// prices with a fresh set bound to one reference point.
type Adapter struct {
	mu        sync.RWMutex
	ref       uint64
	available map[string]model.Price
	staged    map[string]model.Price
	stagedRef uint64
}

// NewAdapter returns an Adapter with no prices.
func NewAdapter() *Adapter {
	return &Adapter{available: make(map[string]model.Price)}
}

// Supply publishes prices for ref, replacing any previous set.
func (a *Adapter) Supply(ref uint64, prices map[string]model.Price) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ref = ref
	a.available = make(map[string]model.Price, len(prices))
	for token, p := range prices {
		a.available[token] = p
	}
}

// Available returns the reference point of the supplied prices.
func (a *Adapter) Available() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ref
}

func (a *Adapter) Stage(ref uint64, tokens []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ref != a.ref {
		return errs.ErrReferenceMismatch.With("prices at %d, request at %d", a.ref, ref)
	}
	staged := make(map[string]model.Price, len(tokens))
	for _, token := range tokens {
		p, ok := a.available[token]
		if !ok || !p.IsValid() {
			return errs.ErrEmptyPrice.With("token %s", token)
		}
		staged[token] = p
	}
	a.staged = staged
	a.stagedRef = ref
	return nil
}

func (a *Adapter) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.staged = nil
	a.stagedRef = 0
}

func (a *Adapter) LatestPrice(token string) (model.Price, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	p, ok := a.staged[token]
	if !ok {
		return model.Price{}, errs.ErrEmptyPrice.With("token %s not staged", token)
	}
	return p, nil
}

func (a *Adapter) Reference() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stagedRef
}

// MarketPrices reads the staged index, long and short prices of m.
func MarketPrices(o Oracle, m *model.Market) (model.MarketPrices, error) {
	var mp model.MarketPrices
	var err error
	if mp.Index, err = o.LatestPrice(m.IndexToken); err != nil {
		return mp, err
	}
	if mp.Long, err = o.LatestPrice(m.LongToken); err != nil {
		return mp, err
	}
	if mp.Short, err = o.LatestPrice(m.ShortToken); err != nil {
		return mp, err
	}
	return mp, nil
}

// MarketTokens lists the tokens that must be staged to evaluate m.
func MarketTokens(m *model.Market) []string {
	return []string{m.IndexToken, m.LongToken, m.ShortToken}
}
