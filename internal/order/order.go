// Package order implements the order lifecycle: create, update, freeze,
// cancel and execute against prices pinned to a reference point.
package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/state"
	"github.com/atmx/perp-engine/internal/swap"
)

// Env is the context of one order step. Ref is the logical reference when
// creating or updating, and the pinned price reference when executing.
type Env struct {
	State     *state.State
	Oracle    oracle.Oracle
	Ref       uint64
	Now       time.Time
	Global    model.GlobalParams
	Referrals position.ReferralSource
}

// Create validates a user order, stamps it and stores it. The initial
// collateral is taken into custody by the caller before Create runs.
func Create(ctx context.Context, env *Env, o *model.Order) (*model.Order, error) {
	if o.Type == model.Liquidation || o.IsAdl {
		return nil, errs.ErrForbidden.With("%s orders are created by the engine", o.Type)
	}
	if err := validate(ctx, env, o); err != nil {
		return nil, err
	}
	if o.ExecutionFee.LessThan(env.Global.MinExecutionFee) {
		return nil, errs.ErrInsufficientFee.With("fee %s below %s", o.ExecutionFee, env.Global.MinExecutionFee)
	}
	return Submit(ctx, env, o)
}

// Submit assigns an id, stamps the reference and stores o without user
// validation. Liquidation and ADL orders enter here.
func Submit(ctx context.Context, env *Env, o *model.Order) (*model.Order, error) {
	id, err := env.State.NextID(ctx)
	if err != nil {
		return nil, err
	}
	o.ID = id
	o.Ref = env.Ref
	o.Status = model.StatusCreated
	o.CreatedAt = env.Now
	if o.Receiver == "" {
		o.Receiver = o.Account
	}
	if err := env.State.PutOrder(o); err != nil {
		return nil, err
	}
	return o, nil
}

func validate(ctx context.Context, env *Env, o *model.Order) error {
	if o.Account == "" {
		return errs.ErrEmptyOrder.With("missing account")
	}
	if err := swap.ValidatePath(ctx, env.State, o.SwapPath, env.Global.MaxSwapPathLength); err != nil {
		return err
	}

	switch {
	case o.Type.IsSwap():
		if len(o.SwapPath) == 0 {
			return errs.ErrInvalidSwapPath.With("swap order without path")
		}
		if !o.InitialCollateralDeltaAmount.IsPositive() {
			return errs.ErrEmptyOrder.With("nothing to swap")
		}
		return nil
	case o.Type.IsIncrease():
		if !o.SizeDeltaUsd.IsPositive() && !o.InitialCollateralDeltaAmount.IsPositive() {
			return errs.ErrEmptyOrder.With("empty increase")
		}
	case o.Type.IsDecrease():
		if !o.SizeDeltaUsd.IsPositive() && !o.InitialCollateralDeltaAmount.IsPositive() {
			return errs.ErrEmptyOrder.With("empty decrease")
		}
	default:
		return errs.ErrEmptyOrder.With("unknown order type %d", o.Type)
	}

	m, err := env.State.Market(ctx, o.Market)
	if err != nil {
		return err
	}
	if (o.Type.IsDecrease() || len(o.SwapPath) == 0) && !m.IsCollateral(o.InitialCollateralToken) {
		return errs.ErrInvalidCollateral.With("%s not in market %s", o.InitialCollateralToken, m.MarketToken)
	}
	if !o.Type.IsMarket() && !o.TriggerPrice.IsPositive() {
		return errs.ErrInvalidOrderPrice.With("%s order needs a trigger price", o.Type)
	}
	return nil
}

// UpdateParams lists the fields an owner may change. Nil leaves a field as is.
type UpdateParams struct {
	SizeDeltaUsd    *decimal.Decimal
	TriggerPrice    *decimal.Decimal
	AcceptablePrice *decimal.Decimal
	MinOutputAmount *decimal.Decimal
}

// Update changes a pending limit or trigger order, re-stamps its reference
// and unfreezes it.
func Update(ctx context.Context, env *Env, caller string, id uint64, p UpdateParams) (*model.Order, error) {
	o, err := env.State.Order(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Account != caller {
		return nil, errs.ErrForbidden.With("order %d belongs to %s", id, o.Account)
	}
	if o.Type.IsMarket() {
		return nil, errs.ErrOrderNotUpdatable.With("%s order %d", o.Type, id)
	}
	if p.SizeDeltaUsd != nil {
		o.SizeDeltaUsd = *p.SizeDeltaUsd
	}
	if p.TriggerPrice != nil {
		o.TriggerPrice = *p.TriggerPrice
	}
	if p.AcceptablePrice != nil {
		o.AcceptablePrice = *p.AcceptablePrice
	}
	if p.MinOutputAmount != nil {
		o.MinOutputAmount = *p.MinOutputAmount
	}
	if err := validate(ctx, env, o); err != nil {
		return nil, err
	}
	if o.IsFrozen() {
		o.Transition(model.StatusCreated)
	}
	o.Ref = env.Ref
	if err := env.State.PutOrder(o); err != nil {
		return nil, err
	}
	return o, nil
}

// Cancel removes an order on its owner's request once it has aged
// RequestMinAge references, and refunds the escrowed collateral.
func Cancel(ctx context.Context, env *Env, caller string, id uint64) (*model.Order, error) {
	o, err := env.State.Order(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Account != caller {
		return nil, errs.ErrForbidden.With("order %d belongs to %s", id, o.Account)
	}
	if env.Ref < o.Ref+env.Global.RequestMinAge {
		return nil, errs.ErrRequestTooYoung.With("order %d stamped at %d, now %d", id, o.Ref, env.Ref)
	}
	if err := Remove(ctx, env.State, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Remove cancels o, refunds its escrow and deletes the record.
func Remove(ctx context.Context, st *state.State, o *model.Order) error {
	if !o.Transition(model.StatusCancelled) {
		return errs.ErrInvalidOrderState.With("order %d is %s", o.ID, o.Status)
	}
	if !o.Type.IsDecrease() && o.InitialCollateralDeltaAmount.IsPositive() {
		if err := st.Credit(ctx, o.Account, o.InitialCollateralToken, o.InitialCollateralDeltaAmount); err != nil {
			return err
		}
	}
	st.DeleteOrder(o)
	return nil
}

// Freeze parks a limit or trigger order whose execution failed. The
// execution fee is consumed by the freeze.
func Freeze(ctx context.Context, st *state.State, id uint64) (*model.Order, error) {
	o, err := st.Order(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Type.IsMarket() {
		return nil, errs.ErrInvalidOrderState.With("%s order %d cannot be frozen", o.Type, id)
	}
	if !o.Transition(model.StatusFrozen) {
		return nil, errs.ErrInvalidOrderState.With("order %d is %s", id, o.Status)
	}
	o.ExecutionFee = decimal.Zero
	if err := st.PutOrder(o); err != nil {
		return nil, err
	}
	return o, nil
}

// Tokens lists every token whose price executing o needs.
func Tokens(ctx context.Context, st *state.State, o *model.Order) ([]string, error) {
	tokens, err := swap.PathTokens(ctx, st, o.SwapPath)
	if err != nil {
		return nil, err
	}
	if o.Type.IsSwap() {
		return tokens, nil
	}
	m, err := st.Market(ctx, o.Market)
	if err != nil {
		return nil, err
	}
	return append(tokens, oracle.MarketTokens(m)...), nil
}
