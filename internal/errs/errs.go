// Package errs defines the classified errors returned by the engine.
//
// Every error carries a Kind so that entry points can decide whether a failed
// execution is converted into a cancellation (Recoverable, Validation,
// Solvency, Liquidation) or surfaced as a hard failure with no state change
// (StaleData, Forbidden, and the request/price lookups listed in IsHard).
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind int

const (
	KindRecoverable Kind = iota
	KindValidation
	KindSolvency
	KindLiquidation
	KindStaleData
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSolvency:
		return "solvency"
	case KindLiquidation:
		return "liquidation"
	case KindStaleData:
		return "stale_data"
	case KindForbidden:
		return "forbidden"
	default:
		return "recoverable"
	}
}

// Error is a classified engine error. Two errors match under errors.Is when
// their codes are equal, so sentinels can be decorated with Detail freely.
type Error struct {
	Kind   Kind
	Code   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy of e carrying a formatted detail message.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Detail: fmt.Sprintf(format, args...)}
}

func newErr(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

var (
	// Validation.
	ErrEmptyDeposit          = newErr(KindValidation, "EmptyDeposit")
	ErrEmptyWithdrawal       = newErr(KindValidation, "EmptyWithdrawal")
	ErrEmptyOrder            = newErr(KindValidation, "EmptyOrder")
	ErrEmptyRequest          = newErr(KindValidation, "EmptyRequest")
	ErrEmptyPosition         = newErr(KindValidation, "EmptyPosition")
	ErrEmptyMarket           = newErr(KindValidation, "EmptyMarket")
	ErrInvalidMarket         = newErr(KindValidation, "InvalidMarket")
	ErrInvalidCollateral     = newErr(KindValidation, "InvalidCollateralToken")
	ErrInvalidSwapPath       = newErr(KindValidation, "InvalidSwapPath")
	ErrMinOutputNotMet       = newErr(KindValidation, "MinOutputNotMet")
	ErrOrderPriceExceeded    = newErr(KindValidation, "OrderPriceExceedsAcceptable")
	ErrInvalidOrderPrice     = newErr(KindValidation, "InvalidOrderPrice")
	ErrInvalidSizeDelta      = newErr(KindValidation, "InvalidSizeDelta")
	ErrMinPositionSize       = newErr(KindValidation, "MinPositionSize")
	ErrOrderNotUpdatable     = newErr(KindValidation, "OrderNotUpdatable")
	ErrInvalidOrderState     = newErr(KindValidation, "InvalidOrderState")
	ErrRequestTooYoung       = newErr(KindValidation, "RequestNotYetCancellable")
	ErrInsufficientFee       = newErr(KindValidation, "InsufficientExecutionFee")
	ErrAdlNotEnabled         = newErr(KindValidation, "AdlNotEnabled")
	ErrAdlNotProfitable      = newErr(KindValidation, "AdlPositionNotProfitable")
	ErrInvalidAdl            = newErr(KindValidation, "InvalidAdl")
	ErrEmptyPrice            = newErr(KindValidation, "EmptyPrice")
	ErrPositionNotLiquidated = newErr(KindValidation, "PositionNotLiquidatable")
	ErrUnfundedRequest       = newErr(KindValidation, "UnfundedRequest")

	// Solvency.
	ErrInsufficientPoolAmount = newErr(KindSolvency, "InsufficientPoolAmount")
	ErrInsufficientReserve    = newErr(KindSolvency, "InsufficientReserve")
	ErrInvalidPoolValue       = newErr(KindSolvency, "InvalidPoolValue")
	ErrPendingAdl             = newErr(KindSolvency, "PendingAdl")
	ErrOpenInterestExceeded   = newErr(KindSolvency, "MaxOpenInterestExceeded")
	ErrInsufficientCollateral = newErr(KindSolvency, "InsufficientCollateral")

	// Liquidation.
	ErrLiquidatablePosition = newErr(KindLiquidation, "LiquidatablePosition")

	// Stale data.
	ErrReferenceMismatch = newErr(KindStaleData, "ReferenceMismatch")
	ErrStaleReference    = newErr(KindStaleData, "StaleReference")

	// Forbidden.
	ErrForbidden       = newErr(KindForbidden, "Forbidden")
	ErrReentrantCall   = newErr(KindForbidden, "ReentrantCall")
	ErrDisabledFeature = newErr(KindForbidden, "DisabledFeature")
)

// KindOf reports the kind of err, or KindRecoverable for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRecoverable
}

// IsHard reports whether err must propagate from an execution step instead
// of being converted into a cancellation.
func IsHard(err error) bool {
	switch KindOf(err) {
	case KindStaleData, KindForbidden:
		return true
	}
	return errors.Is(err, ErrEmptyRequest) ||
		errors.Is(err, ErrEmptyPrice) ||
		errors.Is(err, ErrInvalidOrderPrice)
}

// Code returns the code of a classified error, or "Unknown".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "Unknown"
}
