package api

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// PositionRequest identifies a position for keeper risk actions.
type PositionRequest struct {
	Key          model.PositionKey `json:"key"`
	SizeDeltaUsd decimal.Decimal   `json:"size_delta_usd"` // ADL only
	Ref          uint64            `json:"ref"`
}

func (h *Handler) positionRequest(w http.ResponseWriter, r *http.Request) (PositionRequest, bool) {
	var req PositionRequest
	if !decode(w, r, &req) {
		return req, false
	}
	if req.Ref == 0 {
		req.Ref = h.clock.Reference()
	}
	return req, true
}

func (h *Handler) Liquidate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.positionRequest(w, r)
	if !ok {
		return
	}
	ex, err := h.ex.Liquidate(r.Context(), account(r), req.Key, req.Ref)
	h.writeExecution(w, r, ex, err)
}

func (h *Handler) ExecuteAdl(w http.ResponseWriter, r *http.Request) {
	req, ok := h.positionRequest(w, r)
	if !ok {
		return
	}
	res, err := h.ex.ExecuteAdl(r.Context(), account(r), req.Key, req.SizeDeltaUsd, req.Ref)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AdlStateRequest is the JSON body for POST /markets/{market}/adl.
type AdlStateRequest struct {
	IsLong bool   `json:"is_long"`
	Ref    uint64 `json:"ref"`
}

func (h *Handler) UpdateAdlState(w http.ResponseWriter, r *http.Request) {
	var req AdlStateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Ref == 0 {
		req.Ref = h.clock.Reference()
	}
	s, err := h.ex.UpdateAdlState(r.Context(), account(r), pathParam(r, "market"), req.IsLong, req.Ref)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	offset, limit := page(r)
	list, err := h.ex.Positions(r.Context(), offset, limit)
	writeList(h, w, r, list, err)
}

func (h *Handler) AccountPositions(w http.ResponseWriter, r *http.Request) {
	offset, limit := page(r)
	list, err := h.ex.AccountPositions(r.Context(), pathParam(r, "account"), offset, limit)
	writeList(h, w, r, list, err)
}

// GetReceivable handles GET /accounts/{account}/receivables/{token}: the
// amount of token paid out to account and not yet withdrawn.
func (h *Handler) GetReceivable(w http.ResponseWriter, r *http.Request) {
	amt, err := h.ex.Receivable(r.Context(), pathParam(r, "account"), pathParam(r, "token"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": amt})
}

func (h *Handler) GetMarketTokenBalance(w http.ResponseWriter, r *http.Request) {
	amt, err := h.ex.MarketTokenBalance(r.Context(), pathParam(r, "market"), pathParam(r, "account"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": amt})
}
