package api

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/order"
)

// ExecuteRequest is the JSON body of keeper execution routes. A zero Ref
// executes at the latest supplied reference point.
type ExecuteRequest struct {
	Ref uint64 `json:"ref"`
}

func (h *Handler) executeRef(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	var req ExecuteRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return 0, false
	}
	if req.Ref == 0 {
		req.Ref = h.clock.Reference()
	}
	return req.Ref, true
}

func (h *Handler) writeExecution(w http.ResponseWriter, r *http.Request, ex *exchange.Execution, err error) {
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// --- deposits ---

func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	var d model.Deposit
	if !decode(w, r, &d) {
		return
	}
	created, err := h.ex.CreateDeposit(r.Context(), account(r), d)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) ExecuteDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	ref, ok := h.executeRef(w, r)
	if !ok {
		return
	}
	ex, err := h.ex.ExecuteDeposit(r.Context(), account(r), id, ref)
	h.writeExecution(w, r, ex, err)
}

func (h *Handler) CancelDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	d, err := h.ex.CancelDeposit(r.Context(), account(r), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) GetDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	d, err := h.ex.Deposit(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) ListDeposits(w http.ResponseWriter, r *http.Request) {
	offset, limit := page(r)
	list, err := h.ex.Deposits(r.Context(), offset, limit)
	writeList(h, w, r, list, err)
}

func (h *Handler) AccountDeposits(w http.ResponseWriter, r *http.Request) {
	offset, limit := page(r)
	list, err := h.ex.AccountDeposits(r.Context(), pathParam(r, "account"), offset, limit)
	writeList(h, w, r, list, err)
}

// --- withdrawals ---

func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var wd model.Withdrawal
	if !decode(w, r, &wd) {
		return
	}
	created, err := h.ex.CreateWithdrawal(r.Context(), account(r), wd)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) ExecuteWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	ref, ok := h.executeRef(w, r)
	if !ok {
		return
	}
	ex, err := h.ex.ExecuteWithdrawal(r.Context(), account(r), id, ref)
	h.writeExecution(w, r, ex, err)
}

func (h *Handler) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	wd, err := h.ex.CancelWithdrawal(r.Context(), account(r), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	wd, err := h.ex.Withdrawal(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	offset, limit := page(r)
	list, err := h.ex.Withdrawals(r.Context(), offset, limit)
	writeList(h, w, r, list, err)
}

func (h *Handler) AccountWithdrawals(w http.ResponseWriter, r *http.Request) {
	offset, limit := page(r)
	list, err := h.ex.AccountWithdrawals(r.Context(), pathParam(r, "account"), offset, limit)
	writeList(h, w, r, list, err)
}

// --- orders ---

// CreateOrderRequest is the JSON body for POST /orders. Type is one of the
// names returned by model.OrderType.String.
type CreateOrderRequest struct {
	Receiver                     string          `json:"receiver"`
	CallbackTarget               string          `json:"callback_target"`
	CallbackGasLimit             uint64          `json:"callback_gas_limit"`
	Market                       string          `json:"market"`
	InitialCollateralToken       string          `json:"initial_collateral_token"`
	SwapPath                     []string        `json:"swap_path"`
	Type                         string          `json:"type"`
	IsLong                       bool            `json:"is_long"`
	SizeDeltaUsd                 decimal.Decimal `json:"size_delta_usd"`
	InitialCollateralDeltaAmount decimal.Decimal `json:"initial_collateral_delta_amount"`
	TriggerPrice                 decimal.Decimal `json:"trigger_price"`
	AcceptablePrice              decimal.Decimal `json:"acceptable_price"`
	MinOutputAmount              decimal.Decimal `json:"min_output_amount"`
	ExecutionFee                 decimal.Decimal `json:"execution_fee"`
	ShouldUnwrap                 bool            `json:"should_unwrap"`
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	typ, ok := model.ParseOrderType(req.Type)
	if !ok || typ == model.Liquidation {
		writeError(w, "invalid order type: "+req.Type, http.StatusBadRequest)
		return
	}
	created, err := h.ex.CreateOrder(r.Context(), account(r), model.Order{
		Receiver:                     req.Receiver,
		CallbackTarget:               req.CallbackTarget,
		CallbackGasLimit:             req.CallbackGasLimit,
		Market:                       req.Market,
		InitialCollateralToken:       req.InitialCollateralToken,
		SwapPath:                     req.SwapPath,
		Type:                         typ,
		IsLong:                       req.IsLong,
		SizeDeltaUsd:                 req.SizeDeltaUsd,
		InitialCollateralDeltaAmount: req.InitialCollateralDeltaAmount,
		TriggerPrice:                 req.TriggerPrice,
		AcceptablePrice:              req.AcceptablePrice,
		MinOutputAmount:              req.MinOutputAmount,
		ExecutionFee:                 req.ExecutionFee,
		ShouldUnwrap:                 req.ShouldUnwrap,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateOrderRequest lists the fields an owner may change. Omitted fields
// are left unchanged.
type UpdateOrderRequest struct {
	SizeDeltaUsd    *decimal.Decimal `json:"size_delta_usd"`
	TriggerPrice    *decimal.Decimal `json:"trigger_price"`
	AcceptablePrice *decimal.Decimal `json:"acceptable_price"`
	MinOutputAmount *decimal.Decimal `json:"min_output_amount"`
}

func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req UpdateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := h.ex.UpdateOrder(r.Context(), account(r), id, order.UpdateParams{
		SizeDeltaUsd:    req.SizeDeltaUsd,
		TriggerPrice:    req.TriggerPrice,
		AcceptablePrice: req.AcceptablePrice,
		MinOutputAmount: req.MinOutputAmount,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	o, err := h.ex.CancelOrder(r.Context(), account(r), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) ExecuteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	ref, ok := h.executeRef(w, r)
	if !ok {
		return
	}
	ex, err := h.ex.ExecuteOrder(r.Context(), account(r), id, ref)
	h.writeExecution(w, r, ex, err)
}

// FreezeRequest is the JSON body for POST /orders/{id}/freeze.
type FreezeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) FreezeOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req FreezeRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := h.ex.FreezeOrder(r.Context(), account(r), id, req.Reason)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	o, err := h.ex.Order(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	offset, limit := page(r)
	list, err := h.ex.Orders(r.Context(), offset, limit)
	writeList(h, w, r, list, err)
}

func (h *Handler) AccountOrders(w http.ResponseWriter, r *http.Request) {
	offset, limit := page(r)
	list, err := h.ex.AccountOrders(r.Context(), pathParam(r, "account"), offset, limit)
	writeList(h, w, r, list, err)
}

func writeList[T any](h *Handler, w http.ResponseWriter, r *http.Request, list []T, err error) {
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if list == nil {
		list = []T{}
	}
	writeJSON(w, http.StatusOK, list)
}
