package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/order"
	"github.com/atmx/perp-engine/internal/state"
)

// CreateOrder validates and stores an order for caller. The initial
// collateral of a swap or increase is collected through the Custody port;
// without one it must already be held by the exchange.
func (e *Exchange) CreateOrder(ctx context.Context, caller string, o model.Order) (*model.Order, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := e.enabled(ctx, FeatureCreateOrder); err != nil {
		return nil, err
	}

	o.Account = caller
	var out *model.Order
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.orderEnv(ctx, st, e.env.Reference())
		if err != nil {
			return err
		}
		if out, err = order.Create(ctx, env, &o); err != nil {
			return err
		}
		if out.Type.IsDecrease() {
			return nil
		}
		return e.collect(ctx, caller, map[string]decimal.Decimal{
			out.InitialCollateralToken: out.InitialCollateralDeltaAmount,
		})
	})
	if err != nil {
		count(state.KindOrder, metrics.OutcomeRejected)
		return nil, err
	}
	count(state.KindOrder, metrics.OutcomeCreated)
	e.log.Info("order created", "id", out.ID, "account", caller, "type", out.Type, "market", out.Market, "ref", out.Ref)
	return out, nil
}

// UpdateOrder changes a pending limit or trigger order owned by caller.
func (e *Exchange) UpdateOrder(ctx context.Context, caller string, id uint64, p order.UpdateParams) (*model.Order, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *model.Order
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.orderEnv(ctx, st, e.env.Reference())
		if err != nil {
			return err
		}
		out, err = order.Update(ctx, env, caller, id, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("order updated", "id", id, "account", caller, "ref", out.Ref)
	e.notify(ctx, "", 0, Event{Kind: EventOrderUpdated, ID: id, Account: out.Account, Market: out.Market, Ref: out.Ref})
	return out, nil
}

// CancelOrder refunds an order on its owner's request. The execution fee
// goes back to the owner.
func (e *Exchange) CancelOrder(ctx context.Context, caller string, id uint64) (*model.Order, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var o *model.Order
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.orderEnv(ctx, st, e.env.Reference())
		if err != nil {
			return err
		}
		o, err = order.Cancel(ctx, env, caller, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.pay(ctx, caller, o.ExecutionFee)
	count(state.KindOrder, metrics.OutcomeCancelled)
	e.log.Info("order cancelled by owner", "id", id, "account", caller)
	e.notify(ctx, o.CallbackTarget, o.CallbackGasLimit, Event{
		Kind: EventOrderCancelled, ID: id, Account: o.Account, Market: o.Market, Ref: e.env.Reference(), Reason: "cancelled by owner",
	})
	return o, nil
}

// FreezeOrder parks a limit or trigger order on a keeper's request and
// records reason. The keeper is paid the execution fee.
func (e *Exchange) FreezeOrder(ctx context.Context, keeper string, id uint64, reason string) (*model.Order, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := e.authorize(ctx, keeper, RoleOrderKeeper); err != nil {
		return nil, err
	}

	var o *model.Order
	var fee decimal.Decimal
	err = e.step(ctx, func(st *state.State) error {
		cur, err := st.Order(ctx, id)
		if err != nil {
			return err
		}
		fee = cur.ExecutionFee
		if o, err = order.Freeze(ctx, st, id); err != nil {
			return err
		}
		return st.SetFailureReason(state.KindOrder, id, reason)
	})
	if err != nil {
		return nil, err
	}
	e.pay(ctx, keeper, fee)
	count(state.KindOrder, metrics.OutcomeFrozen)
	e.log.Warn("order frozen", "id", id, "keeper", keeper, "reason", reason)
	e.notify(ctx, o.CallbackTarget, o.CallbackGasLimit, Event{
		Kind: EventOrderFrozen, ID: id, Account: o.Account, Market: o.Market, Ref: o.Ref, Reason: reason,
	})
	return o, nil
}

// ExecuteOrder runs order id at the prices supplied for ref. A recoverable
// failure cancels a market order and freezes a limit or trigger order; a
// frozen order that fails again is cancelled. Frozen orders need
// RoleFrozenOrderKeeper.
func (e *Exchange) ExecuteOrder(ctx context.Context, keeper string, id, ref uint64) (*Execution, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := e.authorize(ctx, keeper, RoleOrderKeeper); err != nil {
		return nil, err
	}
	if err := e.enabled(ctx, FeatureExecuteOrder); err != nil {
		return nil, err
	}
	defer observe(state.KindOrder, time.Now())

	type pending struct {
		o      *model.Order
		tokens []string
	}
	p, err := read(e, func(st *state.State) (pending, error) {
		o, err := st.Order(ctx, id)
		if err != nil {
			return pending{}, err
		}
		tokens, err := order.Tokens(ctx, st, o)
		if err != nil {
			return pending{}, err
		}
		return pending{o, tokens}, nil
	})
	if err != nil {
		return nil, err
	}
	o := p.o
	if o.IsFrozen() {
		if err := e.authorize(ctx, keeper, RoleFrozenOrderKeeper); err != nil {
			return nil, err
		}
	}
	release, err := e.stage(ref, p.tokens)
	if err != nil {
		return nil, err
	}
	defer release()

	var res *order.Result
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.orderEnv(ctx, st, ref)
		if err != nil {
			return err
		}
		res, err = order.Execute(ctx, env, id)
		return err
	})
	if err == nil {
		e.pay(ctx, keeper, o.ExecutionFee)
		count(state.KindOrder, metrics.OutcomeExecuted)
		if !o.Type.IsSwap() {
			metrics.PositionVolume.WithLabelValues(o.Market, metrics.Side(o.IsLong)).Add(o.SizeDeltaUsd.InexactFloat64())
		}
		e.log.Info("order executed", "id", id, "type", o.Type, "market", o.Market, "account", o.Account,
			"output_token", res.OutputToken, "output_amount", res.OutputAmount, "ref", ref)
		e.notify(ctx, o.CallbackTarget, o.CallbackGasLimit, Event{
			Kind: EventOrderExecuted, ID: id, Account: o.Account, Market: o.Market, Ref: ref,
			Token: res.OutputToken, Amount: res.OutputAmount,
		})
		return &Execution{Kind: state.KindOrder, ID: id, Status: metrics.OutcomeExecuted, Order: res}, nil
	}
	if errs.IsHard(err) {
		return nil, err
	}

	reason := err.Error()
	outcome := metrics.OutcomeCancelled
	err = e.step(ctx, func(st *state.State) error {
		cur, err := st.Order(ctx, id)
		if err != nil {
			return err
		}
		if cur.Type.IsMarket() || cur.IsFrozen() {
			if err := order.Remove(ctx, st, cur); err != nil {
				return err
			}
		} else {
			if _, err := order.Freeze(ctx, st, id); err != nil {
				return err
			}
			outcome = metrics.OutcomeFrozen
		}
		return st.SetFailureReason(state.KindOrder, id, reason)
	})
	if err != nil {
		return nil, err
	}
	e.pay(ctx, keeper, o.ExecutionFee)
	count(state.KindOrder, outcome)

	kind := EventOrderCancelled
	if outcome == metrics.OutcomeFrozen {
		kind = EventOrderFrozen
	}
	e.log.Warn("order "+outcome, "id", id, "type", o.Type, "reason", reason, "ref", ref)
	e.notify(ctx, o.CallbackTarget, o.CallbackGasLimit, Event{
		Kind: kind, ID: id, Account: o.Account, Market: o.Market, Ref: ref, Reason: reason,
	})
	return &Execution{Kind: state.KindOrder, ID: id, Status: outcome, Reason: reason}, nil
}
