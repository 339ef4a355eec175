package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Roles checked by the exchange.
const (
	RoleController        = "CONTROLLER"
	RoleConfigKeeper      = "CONFIG_KEEPER"
	RoleMarketKeeper      = "MARKET_KEEPER"
	RoleOrderKeeper       = "ORDER_KEEPER"
	RoleFrozenOrderKeeper = "FROZEN_ORDER_KEEPER"
	RoleLiquidationKeeper = "LIQUIDATION_KEEPER"
	RoleAdlKeeper         = "ADL_KEEPER"
)

// Features that can be switched off.
const (
	FeatureCreateDeposit     = "create_deposit"
	FeatureExecuteDeposit    = "execute_deposit"
	FeatureCreateWithdrawal  = "create_withdrawal"
	FeatureExecuteWithdrawal = "execute_withdrawal"
	FeatureCreateOrder       = "create_order"
	FeatureExecuteOrder      = "execute_order"
	FeatureLiquidation       = "liquidation"
	FeatureAdl               = "adl"
)

// RoleGate answers permission questions.
type RoleGate interface {
	HasRole(ctx context.Context, account, role string) bool
}

// FeatureGate reports whether a feature is enabled.
type FeatureGate interface {
	Enabled(ctx context.Context, feature string) bool
}

// CallbackTarget is notified after a request settles, once the step's lock
// has been released. Errors, panics and overruns are logged and swallowed.
// Calls back into the Exchange with the ctx the target was given fail with
// ErrReentrantCall; calls on a fresh context run as steps of their own.
type CallbackTarget interface {
	Notify(ctx context.Context, ev Event) error
}

// CallbackRegistry resolves a request's callback target name.
type CallbackRegistry interface {
	Lookup(name string) (CallbackTarget, bool)
}

// KeeperFeeSink pays out execution fees, to keepers on execution and to
// owners on cancellation.
type KeeperFeeSink interface {
	Pay(ctx context.Context, to string, amount decimal.Decimal) error
}

// Custody moves a request's funds, keyed by token, from account into the
// exchange when the request is created. Collect takes all of them or none;
// an error rejects the request.
type Custody interface {
	Collect(ctx context.Context, account string, funds map[string]decimal.Decimal) error
}

// Environment supplies the logical reference point stamped on new requests
// and the wall clock used for accrual.
type Environment interface {
	Reference() uint64
	Now() time.Time
}

// StaticRoles is an in-memory RoleGate.
type StaticRoles struct {
	mu    sync.RWMutex
	roles map[string]map[string]bool
}

// NewStaticRoles returns an empty role table.
func NewStaticRoles() *StaticRoles {
	return &StaticRoles{roles: make(map[string]map[string]bool)}
}

// Grant gives account each of roles.
func (s *StaticRoles) Grant(account string, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles[account] == nil {
		s.roles[account] = make(map[string]bool)
	}
	for _, r := range roles {
		s.roles[account][r] = true
	}
}

// Revoke removes role from account.
func (s *StaticRoles) Revoke(account, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles[account], role)
}

func (s *StaticRoles) HasRole(_ context.Context, account, role string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[account][role]
}

// IsController lets StaticRoles guard state access.
func (s *StaticRoles) IsController(caller string) bool {
	return s.HasRole(context.Background(), caller, RoleController)
}

// StaticFeatures is an in-memory FeatureGate; features are enabled unless
// disabled.
type StaticFeatures struct {
	mu       sync.RWMutex
	disabled map[string]bool
}

func NewStaticFeatures() *StaticFeatures {
	return &StaticFeatures{disabled: make(map[string]bool)}
}

func (f *StaticFeatures) Set(feature string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled[feature] = !enabled
}

func (f *StaticFeatures) Enabled(_ context.Context, feature string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return !f.disabled[feature]
}

// Clock is an Environment whose reference point follows the latest price
// reference observed.
type Clock struct {
	mu  sync.Mutex
	ref uint64
	now func() time.Time
}

// NewClock returns a Clock starting at ref. A nil now uses time.Now.
func NewClock(ref uint64, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{ref: ref, now: now}
}

// Observe moves the reference point forward to ref.
func (c *Clock) Observe(ref uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref > c.ref {
		c.ref = ref
	}
}

func (c *Clock) Reference() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ref
}

func (c *Clock) Now() time.Time { return c.now().UTC() }
