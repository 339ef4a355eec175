package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
)

// FeeLedger records execution fee payouts per account. Settlement to the
// recipients happens out of band from the totals it keeps.
type FeeLedger struct {
	mu   sync.Mutex
	paid map[string]decimal.Decimal
	log  *slog.Logger
}

func NewFeeLedger(log *slog.Logger) *FeeLedger {
	if log == nil {
		log = slog.Default()
	}
	return &FeeLedger{paid: make(map[string]decimal.Decimal), log: log.With("component", "fees")}
}

func (f *FeeLedger) Pay(_ context.Context, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	f.mu.Lock()
	f.paid[to] = f.paid[to].Add(amount)
	total := f.paid[to]
	f.mu.Unlock()
	f.log.Info("execution fee paid", "to", to, "amount", amount.String(), "total", total.String())
	return nil
}

// Owed returns the fees paid to account so far.
func (f *FeeLedger) Owed(account string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paid[account]
}
