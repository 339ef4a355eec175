package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/liquidity"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/state"
)

// CreateDeposit stores a deposit on behalf of caller. The deposited tokens
// are collected through the Custody port; without one they must already be
// held by the exchange, since cancelling credits them back to the owner.
func (e *Exchange) CreateDeposit(ctx context.Context, caller string, d model.Deposit) (*model.Deposit, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := e.enabled(ctx, FeatureCreateDeposit); err != nil {
		return nil, err
	}

	d.Account = caller
	var out *model.Deposit
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.liquidityEnv(ctx, st, e.env.Reference())
		if err != nil {
			return err
		}
		if out, err = liquidity.CreateDeposit(ctx, env, &d); err != nil {
			return err
		}
		m, err := st.Market(ctx, out.Market)
		if err != nil {
			return err
		}
		funds := map[string]decimal.Decimal{m.LongToken: out.LongTokenAmount}
		funds[m.ShortToken] = funds[m.ShortToken].Add(out.ShortTokenAmount)
		return e.collect(ctx, caller, funds)
	})
	if err != nil {
		count(state.KindDeposit, metrics.OutcomeRejected)
		return nil, err
	}
	count(state.KindDeposit, metrics.OutcomeCreated)
	e.log.Info("deposit created", "id", out.ID, "account", caller, "market", out.Market, "ref", out.Ref)
	return out, nil
}

// ExecuteDeposit mints shares for deposit id at the prices supplied for ref.
// A recoverable failure cancels and refunds the deposit.
func (e *Exchange) ExecuteDeposit(ctx context.Context, keeper string, id, ref uint64) (*Execution, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := e.authorize(ctx, keeper, RoleOrderKeeper); err != nil {
		return nil, err
	}
	if err := e.enabled(ctx, FeatureExecuteDeposit); err != nil {
		return nil, err
	}
	defer observe(state.KindDeposit, time.Now())

	type pending struct {
		dep    *model.Deposit
		tokens []string
	}
	p, err := read(e, func(st *state.State) (pending, error) {
		d, err := st.Deposit(ctx, id)
		if err != nil {
			return pending{}, err
		}
		m, err := st.Market(ctx, d.Market)
		if err != nil {
			return pending{}, err
		}
		return pending{d, oracle.MarketTokens(m)}, nil
	})
	if err != nil {
		return nil, err
	}
	release, err := e.stage(ref, p.tokens)
	if err != nil {
		return nil, err
	}
	defer release()

	var res *liquidity.DepositResult
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.liquidityEnv(ctx, st, ref)
		if err != nil {
			return err
		}
		res, err = liquidity.ExecuteDeposit(ctx, env, id)
		return err
	})
	d := p.dep
	if err == nil {
		e.pay(ctx, keeper, d.ExecutionFee)
		count(state.KindDeposit, metrics.OutcomeExecuted)
		e.log.Info("deposit executed", "id", id, "market", d.Market, "market_tokens", res.MarketTokens, "ref", ref)
		e.notify(ctx, d.CallbackTarget, d.CallbackGasLimit, Event{
			Kind: EventDepositExecuted, ID: id, Account: d.Account, Market: d.Market, Ref: ref,
			Token: d.Market, Amount: res.MarketTokens,
		})
		return &Execution{Kind: state.KindDeposit, ID: id, Status: metrics.OutcomeExecuted, Deposit: res}, nil
	}
	if errs.IsHard(err) {
		return nil, err
	}

	reason := err.Error()
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.liquidityEnv(ctx, st, ref)
		if err != nil {
			return err
		}
		if err := liquidity.RemoveDeposit(ctx, env, d); err != nil {
			return err
		}
		return st.SetFailureReason(state.KindDeposit, id, reason)
	})
	if err != nil {
		return nil, err
	}
	e.pay(ctx, keeper, d.ExecutionFee)
	count(state.KindDeposit, metrics.OutcomeCancelled)
	e.log.Warn("deposit cancelled", "id", id, "reason", reason, "ref", ref)
	e.notify(ctx, d.CallbackTarget, d.CallbackGasLimit, Event{
		Kind: EventDepositCancelled, ID: id, Account: d.Account, Market: d.Market, Ref: ref, Reason: reason,
	})
	return &Execution{Kind: state.KindDeposit, ID: id, Status: metrics.OutcomeCancelled, Reason: reason}, nil
}

// CancelDeposit refunds a deposit on its owner's request. The execution fee
// goes back to the owner.
func (e *Exchange) CancelDeposit(ctx context.Context, caller string, id uint64) (*model.Deposit, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var d *model.Deposit
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.liquidityEnv(ctx, st, e.env.Reference())
		if err != nil {
			return err
		}
		d, err = liquidity.CancelDeposit(ctx, env, caller, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.pay(ctx, caller, d.ExecutionFee)
	count(state.KindDeposit, metrics.OutcomeCancelled)
	e.log.Info("deposit cancelled by owner", "id", id, "account", caller)
	e.notify(ctx, d.CallbackTarget, d.CallbackGasLimit, Event{
		Kind: EventDepositCancelled, ID: id, Account: d.Account, Market: d.Market, Ref: e.env.Reference(), Reason: "cancelled by owner",
	})
	return d, nil
}

// CreateWithdrawal escrows caller's shares and stores a withdrawal.
func (e *Exchange) CreateWithdrawal(ctx context.Context, caller string, w model.Withdrawal) (*model.Withdrawal, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := e.enabled(ctx, FeatureCreateWithdrawal); err != nil {
		return nil, err
	}

	w.Account = caller
	var out *model.Withdrawal
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.liquidityEnv(ctx, st, e.env.Reference())
		if err != nil {
			return err
		}
		out, err = liquidity.CreateWithdrawal(ctx, env, &w)
		return err
	})
	if err != nil {
		count(state.KindWithdrawal, metrics.OutcomeRejected)
		return nil, err
	}
	count(state.KindWithdrawal, metrics.OutcomeCreated)
	e.log.Info("withdrawal created", "id", out.ID, "account", caller, "market", out.Market, "ref", out.Ref)
	return out, nil
}

// ExecuteWithdrawal burns shares for withdrawal id at the prices supplied
// for ref. A recoverable failure cancels it and returns the shares.
func (e *Exchange) ExecuteWithdrawal(ctx context.Context, keeper string, id, ref uint64) (*Execution, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := e.authorize(ctx, keeper, RoleOrderKeeper); err != nil {
		return nil, err
	}
	if err := e.enabled(ctx, FeatureExecuteWithdrawal); err != nil {
		return nil, err
	}
	defer observe(state.KindWithdrawal, time.Now())

	type pending struct {
		w      *model.Withdrawal
		tokens []string
	}
	p, err := read(e, func(st *state.State) (pending, error) {
		w, err := st.Withdrawal(ctx, id)
		if err != nil {
			return pending{}, err
		}
		m, err := st.Market(ctx, w.Market)
		if err != nil {
			return pending{}, err
		}
		return pending{w, oracle.MarketTokens(m)}, nil
	})
	if err != nil {
		return nil, err
	}
	release, err := e.stage(ref, p.tokens)
	if err != nil {
		return nil, err
	}
	defer release()

	var res *liquidity.WithdrawalResult
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.liquidityEnv(ctx, st, ref)
		if err != nil {
			return err
		}
		res, err = liquidity.ExecuteWithdrawal(ctx, env, id)
		return err
	})
	w := p.w
	if err == nil {
		e.pay(ctx, keeper, w.ExecutionFee)
		count(state.KindWithdrawal, metrics.OutcomeExecuted)
		e.log.Info("withdrawal executed", "id", id, "market", w.Market, "market_tokens", w.MarketTokenAmount, "ref", ref)
		e.notify(ctx, w.CallbackTarget, w.CallbackGasLimit, Event{
			Kind: EventWithdrawalExecuted, ID: id, Account: w.Account, Market: w.Market, Ref: ref,
			Token: w.Market, Amount: w.MarketTokenAmount,
		})
		return &Execution{Kind: state.KindWithdrawal, ID: id, Status: metrics.OutcomeExecuted, Withdrawal: res}, nil
	}
	if errs.IsHard(err) {
		return nil, err
	}

	reason := err.Error()
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.liquidityEnv(ctx, st, ref)
		if err != nil {
			return err
		}
		if err := liquidity.RemoveWithdrawal(ctx, env, w); err != nil {
			return err
		}
		return st.SetFailureReason(state.KindWithdrawal, id, reason)
	})
	if err != nil {
		return nil, err
	}
	e.pay(ctx, keeper, w.ExecutionFee)
	count(state.KindWithdrawal, metrics.OutcomeCancelled)
	e.log.Warn("withdrawal cancelled", "id", id, "reason", reason, "ref", ref)
	e.notify(ctx, w.CallbackTarget, w.CallbackGasLimit, Event{
		Kind: EventWithdrawalCancelled, ID: id, Account: w.Account, Market: w.Market, Ref: ref, Reason: reason,
	})
	return &Execution{Kind: state.KindWithdrawal, ID: id, Status: metrics.OutcomeCancelled, Reason: reason}, nil
}

// CancelWithdrawal returns escrowed shares on the owner's request.
func (e *Exchange) CancelWithdrawal(ctx context.Context, caller string, id uint64) (*model.Withdrawal, error) {
	ctx, unlock, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var w *model.Withdrawal
	err = e.step(ctx, func(st *state.State) error {
		env, err := e.liquidityEnv(ctx, st, e.env.Reference())
		if err != nil {
			return err
		}
		w, err = liquidity.CancelWithdrawal(ctx, env, caller, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.pay(ctx, caller, w.ExecutionFee)
	count(state.KindWithdrawal, metrics.OutcomeCancelled)
	e.log.Info("withdrawal cancelled by owner", "id", id, "account", caller)
	e.notify(ctx, w.CallbackTarget, w.CallbackGasLimit, Event{
		Kind: EventWithdrawalCancelled, ID: id, Account: w.Account, Market: w.Market, Ref: e.env.Reference(), Reason: "cancelled by owner",
	})
	return w, nil
}
