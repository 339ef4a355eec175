package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deposit is a pending request to add liquidity and mint pool shares.
type Deposit struct {
	ID               uint64          `json:"id"`
	Account          string          `json:"account"`
	Receiver         string          `json:"receiver"`
	CallbackTarget   string          `json:"callback_target,omitempty"`
	Market           string          `json:"market"`
	LongTokenAmount  decimal.Decimal `json:"long_token_amount"`
	ShortTokenAmount decimal.Decimal `json:"short_token_amount"`
	MinMarketTokens  decimal.Decimal `json:"min_market_tokens"`
	ExecutionFee     decimal.Decimal `json:"execution_fee"`
	CallbackGasLimit uint64          `json:"callback_gas_limit"`
	Ref              uint64          `json:"ref"`
	ShouldUnwrap     bool            `json:"should_unwrap"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Withdrawal is a pending request to burn pool shares for pooled tokens.
type Withdrawal struct {
	ID                  uint64          `json:"id"`
	Account             string          `json:"account"`
	Receiver            string          `json:"receiver"`
	CallbackTarget      string          `json:"callback_target,omitempty"`
	Market              string          `json:"market"`
	MarketTokenAmount   decimal.Decimal `json:"market_token_amount"`
	MinLongTokenAmount  decimal.Decimal `json:"min_long_token_amount"`
	MinShortTokenAmount decimal.Decimal `json:"min_short_token_amount"`
	ExecutionFee        decimal.Decimal `json:"execution_fee"`
	CallbackGasLimit    uint64          `json:"callback_gas_limit"`
	Ref                 uint64          `json:"ref"`
	ShouldUnwrap        bool            `json:"should_unwrap"`
	CreatedAt           time.Time       `json:"created_at"`
}

// OrderType selects how an order is triggered and which engine executes it.
type OrderType int

const (
	MarketSwap OrderType = iota
	LimitSwap
	MarketIncrease
	LimitIncrease
	MarketDecrease
	LimitDecrease
	StopLossDecrease
	Liquidation
)

var orderTypeNames = map[OrderType]string{
	MarketSwap:       "market_swap",
	LimitSwap:        "limit_swap",
	MarketIncrease:   "market_increase",
	LimitIncrease:    "limit_increase",
	MarketDecrease:   "market_decrease",
	LimitDecrease:    "limit_decrease",
	StopLossDecrease: "stop_loss_decrease",
	Liquidation:      "liquidation",
}

func (t OrderType) String() string {
	if n, ok := orderTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParseOrderType is the inverse of OrderType.String.
func ParseOrderType(s string) (OrderType, bool) {
	for t, n := range orderTypeNames {
		if n == s {
			return t, true
		}
	}
	return 0, false
}

func (t OrderType) IsSwap() bool { return t == MarketSwap || t == LimitSwap }

func (t OrderType) IsIncrease() bool { return t == MarketIncrease || t == LimitIncrease }

func (t OrderType) IsDecrease() bool {
	return t == MarketDecrease || t == LimitDecrease || t == StopLossDecrease || t == Liquidation
}

// IsMarket reports whether the order executes at the pinned price without
// a trigger condition.
func (t OrderType) IsMarket() bool {
	return t == MarketSwap || t == MarketIncrease || t == MarketDecrease || t == Liquidation
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus int

const (
	StatusCreated OrderStatus = iota
	StatusFrozen
	StatusExecuted
	StatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFrozen:
		return "frozen"
	case StatusExecuted:
		return "executed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// CanTransition reports whether the lifecycle allows moving from s to next.
//
//	Created -> Executed | Cancelled | Frozen
//	Frozen  -> Executed | Cancelled | Created (owner update)
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case StatusCreated:
		return next == StatusExecuted || next == StatusCancelled || next == StatusFrozen
	case StatusFrozen:
		return next == StatusExecuted || next == StatusCancelled || next == StatusCreated
	}
	return false
}

// Order is a pending swap, increase or decrease request.
type Order struct {
	ID                           uint64          `json:"id"`
	Account                      string          `json:"account"`
	Receiver                     string          `json:"receiver"`
	CallbackTarget               string          `json:"callback_target,omitempty"`
	Market                       string          `json:"market"`
	InitialCollateralToken       string          `json:"initial_collateral_token"`
	SwapPath                     []string        `json:"swap_path,omitempty"`
	Type                         OrderType       `json:"type"`
	IsLong                       bool            `json:"is_long"`
	SizeDeltaUsd                 decimal.Decimal `json:"size_delta_usd"`
	InitialCollateralDeltaAmount decimal.Decimal `json:"initial_collateral_delta_amount"`
	TriggerPrice                 decimal.Decimal `json:"trigger_price"`
	AcceptablePrice              decimal.Decimal `json:"acceptable_price"`
	MinOutputAmount              decimal.Decimal `json:"min_output_amount"`
	ExecutionFee                 decimal.Decimal `json:"execution_fee"`
	CallbackGasLimit             uint64          `json:"callback_gas_limit"`
	Ref                          uint64          `json:"ref"`
	ShouldUnwrap                 bool            `json:"should_unwrap"`
	Status                       OrderStatus     `json:"status"`
	IsAdl                        bool            `json:"is_adl,omitempty"`
	CreatedAt                    time.Time       `json:"created_at"`
}

// IsFrozen reports whether the order failed execution and awaits retry or
// cancellation.
func (o *Order) IsFrozen() bool { return o.Status == StatusFrozen }

// Transition moves the order to next if the lifecycle allows it.
func (o *Order) Transition(next OrderStatus) bool {
	if !o.Status.CanTransition(next) {
		return false
	}
	o.Status = next
	return true
}

// PositionKey returns the key of the position this order touches once its
// collateral token is known.
func (o *Order) PositionKey(collateralToken string) PositionKey {
	return PositionKey{
		Account:         o.Account,
		Market:          o.Market,
		CollateralToken: collateralToken,
		IsLong:          o.IsLong,
	}
}
