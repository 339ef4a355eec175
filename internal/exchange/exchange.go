// Package exchange is the entry point of the engine. It serializes every
// step behind one lock, runs the step on a store overlay that is committed
// whole or not at all, turns recoverable execution failures into
// cancellations or freezes, pays execution fees and notifies callbacks.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/liquidity"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/order"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/state"
	"github.com/atmx/perp-engine/internal/store"
)

// EventKind names a settled request transition.
type EventKind string

const (
	EventDepositExecuted     EventKind = "deposit_executed"
	EventDepositCancelled    EventKind = "deposit_cancelled"
	EventWithdrawalExecuted  EventKind = "withdrawal_executed"
	EventWithdrawalCancelled EventKind = "withdrawal_cancelled"
	EventOrderExecuted       EventKind = "order_executed"
	EventOrderCancelled      EventKind = "order_cancelled"
	EventOrderFrozen         EventKind = "order_frozen"
	EventOrderUpdated        EventKind = "order_updated"
	EventPositionLiquidated  EventKind = "position_liquidated"
	EventAdlExecuted         EventKind = "adl_executed"
	EventAdlStateUpdated     EventKind = "adl_state_updated"
)

// Event is delivered to observers and to a request's callback target.
type Event struct {
	Kind    EventKind       `json:"kind"`
	ID      uint64          `json:"id,omitempty"`
	Account string          `json:"account,omitempty"`
	Market  string          `json:"market,omitempty"`
	Ref     uint64          `json:"ref"`
	Reason  string          `json:"reason,omitempty"`
	Token   string          `json:"token,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	At      time.Time       `json:"at"`
}

// Execution reports a keeper execution. When Status is executed the result
// matching Kind is set; otherwise Reason says why the request was cancelled
// or frozen.
type Execution struct {
	Kind       string                      `json:"kind"`
	ID         uint64                      `json:"id"`
	Status     string                      `json:"status"`
	Reason     string                      `json:"reason,omitempty"`
	Deposit    *liquidity.DepositResult    `json:"deposit,omitempty"`
	Withdrawal *liquidity.WithdrawalResult `json:"withdrawal,omitempty"`
	Order      *order.Result               `json:"order,omitempty"`
}

// Exchange owns the engine state. All mutating entry points are serialized.
type Exchange struct {
	store     store.Store
	oracle    oracle.Oracle
	env       Environment
	self      string
	ctl       state.Controllers
	roles     RoleGate
	features  FeatureGate
	callbacks CallbackRegistry
	observers []CallbackTarget
	fees      KeeperFeeSink
	custody   Custody
	referrals position.ReferralSource
	log       *slog.Logger

	// callbackTimeout bounds targets delivered without a gas limit.
	callbackTimeout time.Duration

	mu sync.Mutex
}

// Option configures an Exchange.
type Option func(*Exchange)

// WithRoles sets the permission gate. The default grants nothing.
func WithRoles(r RoleGate) Option { return func(e *Exchange) { e.roles = r } }

// WithFeatures sets the feature switchboard. The default enables everything.
func WithFeatures(f FeatureGate) Option { return func(e *Exchange) { e.features = f } }

// WithController sets the identity the exchange writes state as and the
// controller registry that must recognise it.
func WithController(self string, ctl state.Controllers) Option {
	return func(e *Exchange) { e.self, e.ctl = self, ctl }
}

// WithCallbacks sets the registry used to resolve request callback targets.
func WithCallbacks(r CallbackRegistry) Option { return func(e *Exchange) { e.callbacks = r } }

// WithObservers adds targets that receive every event.
func WithObservers(t ...CallbackTarget) Option {
	return func(e *Exchange) { e.observers = append(e.observers, t...) }
}

// WithFeeSink sets where execution fees are paid.
func WithFeeSink(s KeeperFeeSink) Option { return func(e *Exchange) { e.fees = s } }

// WithCustody sets where request funds are collected from on creation.
// Without one, the caller's tokens are assumed to be held already.
func WithCustody(c Custody) Option { return func(e *Exchange) { e.custody = c } }

// WithCallbackTimeout bounds observers and callback targets that have no
// gas limit of their own.
func WithCallbackTimeout(d time.Duration) Option {
	return func(e *Exchange) { e.callbackTimeout = d }
}

// WithReferrals sets the trader discount source.
func WithReferrals(r position.ReferralSource) Option { return func(e *Exchange) { e.referrals = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Exchange) { e.log = l } }

type selfOnly string

func (s selfOnly) IsController(caller string) bool { return caller == string(s) }

// New returns an Exchange over st reading prices from o.
func New(st store.Store, o oracle.Oracle, env Environment, opts ...Option) *Exchange {
	e := &Exchange{
		store:  st,
		oracle: o,
		env:    env,
		self:   "exchange",
		ctl:    selfOnly("exchange"),
		roles:  NewStaticRoles(),
		log:    slog.Default(),

		callbackTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "exchange")
	return e
}

type guardKey struct{}

// scope is the state of one step: the exchange it runs on and the
// deliveries queued for after its lock is released.
type scope struct {
	e       *Exchange
	pending []delivery
}

type delivery struct {
	target  CallbackTarget
	timeout time.Duration
	ev      Event
}

// enter takes the step lock. A ctx already inside a step of e is rejected.
// The returned func releases the lock and then delivers the step's events.
func (e *Exchange) enter(ctx context.Context) (context.Context, func(), error) {
	if s, _ := ctx.Value(guardKey{}).(*scope); s != nil && s.e == e {
		return ctx, nil, errs.ErrReentrantCall
	}
	e.mu.Lock()
	s := &scope{e: e}
	ctx = context.WithValue(ctx, guardKey{}, s)
	return ctx, func() {
		pending := s.pending
		s.pending = nil
		e.mu.Unlock()
		for _, d := range pending {
			e.call(ctx, d)
		}
	}, nil
}

func (e *Exchange) authorize(ctx context.Context, caller, role string) error {
	if e.roles == nil || !e.roles.HasRole(ctx, caller, role) {
		return errs.ErrForbidden.With("%s lacks %s", caller, role)
	}
	return nil
}

func (e *Exchange) enabled(ctx context.Context, feature string) error {
	if e.features != nil && !e.features.Enabled(ctx, feature) {
		return errs.ErrDisabledFeature.With("%s", feature)
	}
	return nil
}

// step runs fn on a fresh overlay and commits it when fn succeeds.
func (e *Exchange) step(ctx context.Context, fn func(*state.State) error) error {
	tx := store.Begin(e.store)
	st, err := state.Open(tx, e.self, e.ctl)
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	if err := st.ObserveReference(ctx, e.env.Reference()); err != nil {
		return err
	}
	if err := st.Flush(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// read runs fn on an overlay that is never committed.
func read[T any](e *Exchange, fn func(*state.State) (T, error)) (T, error) {
	var zero T
	st, err := state.Open(store.Begin(e.store), e.self, e.ctl)
	if err != nil {
		return zero, err
	}
	return fn(st)
}

// stage pins prices for tokens at ref. The returned func clears them.
func (e *Exchange) stage(ref uint64, tokens []string) (func(), error) {
	if err := e.oracle.Stage(ref, tokens); err != nil {
		return nil, err
	}
	return e.oracle.Clear, nil
}

func (e *Exchange) orderEnv(ctx context.Context, st *state.State, ref uint64) (*order.Env, error) {
	g, err := st.GlobalParams(ctx)
	if err != nil {
		return nil, err
	}
	return &order.Env{
		State:     st,
		Oracle:    e.oracle,
		Ref:       ref,
		Now:       e.env.Now(),
		Global:    g,
		Referrals: e.referrals,
	}, nil
}

func (e *Exchange) liquidityEnv(ctx context.Context, st *state.State, ref uint64) (*liquidity.Env, error) {
	g, err := st.GlobalParams(ctx)
	if err != nil {
		return nil, err
	}
	return &liquidity.Env{State: st, Oracle: e.oracle, Ref: ref, Now: e.env.Now(), Global: g}, nil
}

// collect takes funds from account into custody. It runs inside the
// creating step so a refusal discards the request.
func (e *Exchange) collect(ctx context.Context, account string, funds map[string]decimal.Decimal) error {
	if e.custody == nil {
		return nil
	}
	for token, amt := range funds {
		if !amt.IsPositive() {
			delete(funds, token)
		}
	}
	if len(funds) == 0 {
		return nil
	}
	if err := e.custody.Collect(ctx, account, funds); err != nil {
		return errs.ErrUnfundedRequest.With("%s: %v", account, err)
	}
	return nil
}

// pay sends an execution fee after its step has committed. A failed payout
// cannot undo the step, so it is only logged.
func (e *Exchange) pay(ctx context.Context, to string, amount decimal.Decimal) {
	if e.fees == nil || !amount.IsPositive() {
		return
	}
	if err := e.fees.Pay(ctx, to, amount); err != nil {
		e.log.Error("execution fee payout failed", "to", to, "amount", amount, "err", err)
	}
}

// notify queues ev for every observer and for the named callback target.
// Delivery happens once the step lock is released. gasLimit, when set,
// bounds the target's run time in milliseconds.
func (e *Exchange) notify(ctx context.Context, target string, gasLimit uint64, ev Event) {
	s, _ := ctx.Value(guardKey{}).(*scope)
	if s == nil || s.e != e {
		return
	}
	ev.At = e.env.Now()
	var sent []CallbackTarget
	queue := func(t CallbackTarget, timeout time.Duration) {
		for _, o := range sent {
			if sameTarget(o, t) {
				return
			}
		}
		sent = append(sent, t)
		s.pending = append(s.pending, delivery{target: t, timeout: timeout, ev: ev})
	}
	for _, o := range e.observers {
		queue(o, e.callbackTimeout)
	}
	if target == "" || e.callbacks == nil {
		return
	}
	cb, ok := e.callbacks.Lookup(target)
	if !ok {
		e.log.Warn("unknown callback target", "target", target, "event", ev.Kind, "id", ev.ID)
		return
	}
	timeout := e.callbackTimeout
	if gasLimit > 0 {
		timeout = time.Duration(gasLimit) * time.Millisecond
	}
	queue(cb, timeout)
}

// sameTarget reports whether a and b are the same target. Targets of
// uncomparable types, such as funcs, are never considered equal.
func sameTarget(a, b CallbackTarget) bool {
	ta := reflect.TypeOf(a)
	return ta == reflect.TypeOf(b) && ta.Comparable() && a == b
}

// call runs one delivery and waits at most its timeout. A target that
// overruns keeps its goroutine but no longer holds up the caller.
func (e *Exchange) call(ctx context.Context, d delivery) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("callback panicked: %v", r)
			}
		}()
		done <- d.target.Notify(ctx, d.ev)
	}()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("callback abandoned: %w", ctx.Err())
	}
	if err != nil {
		metrics.CallbackFailures.WithLabelValues(string(d.ev.Kind)).Inc()
		e.log.Warn("callback failed", "event", d.ev.Kind, "id", d.ev.ID, "err", err)
	}
}

func observe(kind string, start time.Time) {
	metrics.ExecutionLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func count(kind, outcome string) {
	metrics.RequestsTotal.WithLabelValues(kind, outcome).Inc()
}
