// Package api exposes the exchange over HTTP. The calling account is taken
// from the X-Account header; authenticating it is left to the gateway in
// front of the engine.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/errs"
	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/ticker"
)

// AccountHeader carries the calling account.
const AccountHeader = "X-Account"

// Handler serves the engine API.
type Handler struct {
	ex     *exchange.Exchange
	prices *oracle.Adapter
	clock  *exchange.Clock
	roles  exchange.RoleGate
	log    *slog.Logger
}

// New returns a handler over ex. Prices posted by keepers are supplied to
// prices and advance clock.
func New(ex *exchange.Exchange, prices *oracle.Adapter, clock *exchange.Clock, roles exchange.RoleGate, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ex: ex, prices: prices, clock: clock, roles: roles, log: log.With("component", "api")}
}

// Routes returns the API router. limit wraps every mutating route.
func (h *Handler) Routes(limit func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/markets", h.ListMarkets)
	r.Get("/markets/{market}", h.GetMarket)
	r.Get("/markets/{market}/params", h.GetMarketParams)
	r.Get("/markets/{market}/pool", h.GetPool)
	r.Get("/markets/{market}/summary", h.SummarizePool)
	r.Get("/markets/{market}/fees/{token}", h.GetClaimableFee)
	r.Get("/params", h.GetGlobalParams)

	r.Get("/deposits", h.ListDeposits)
	r.Get("/deposits/{id}", h.GetDeposit)
	r.Get("/withdrawals", h.ListWithdrawals)
	r.Get("/withdrawals/{id}", h.GetWithdrawal)
	r.Get("/orders", h.ListOrders)
	r.Get("/orders/{id}", h.GetOrder)
	r.Get("/positions", h.ListPositions)
	r.Get("/failures/{kind}/{id}", h.GetFailureReason)

	r.Get("/accounts/{account}/positions", h.AccountPositions)
	r.Get("/accounts/{account}/orders", h.AccountOrders)
	r.Get("/accounts/{account}/deposits", h.AccountDeposits)
	r.Get("/accounts/{account}/withdrawals", h.AccountWithdrawals)
	r.Get("/accounts/{account}/receivables/{token}", h.GetReceivable)
	r.Get("/accounts/{account}/balances/{market}", h.GetMarketTokenBalance)

	r.Group(func(r chi.Router) {
		if limit != nil {
			r.Use(limit)
		}
		r.Post("/prices", h.SupplyPrices)
		r.Post("/markets", h.CreateMarket)
		r.Put("/params", h.SetGlobalParams)
		r.Post("/markets/{market}/adl", h.UpdateAdlState)

		r.Post("/deposits", h.CreateDeposit)
		r.Post("/deposits/{id}/execute", h.ExecuteDeposit)
		r.Delete("/deposits/{id}", h.CancelDeposit)

		r.Post("/withdrawals", h.CreateWithdrawal)
		r.Post("/withdrawals/{id}/execute", h.ExecuteWithdrawal)
		r.Delete("/withdrawals/{id}", h.CancelWithdrawal)

		r.Post("/orders", h.CreateOrder)
		r.Patch("/orders/{id}", h.UpdateOrder)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Post("/orders/{id}/execute", h.ExecuteOrder)
		r.Post("/orders/{id}/freeze", h.FreezeOrder)

		r.Post("/positions/liquidate", h.Liquidate)
		r.Post("/positions/adl", h.ExecuteAdl)
	})
	return r
}

// --- helpers ---

func account(r *http.Request) string { return r.Header.Get(AccountHeader) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps a classified engine error to an HTTP status.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": errs.Code(err), "detail": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errs.ErrEmptyRequest),
		errors.Is(err, errs.ErrEmptyMarket),
		errors.Is(err, errs.ErrEmptyPosition):
		return http.StatusNotFound
	}
	var e *errs.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case errs.KindForbidden:
		return http.StatusForbidden
	case errs.KindStaleData, errs.KindSolvency, errs.KindLiquidation:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// pathParam returns the unescaped URL parameter. Market tokens carry '/'
// and arrive escaped.
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func idParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// page reads ?offset= and ?limit=, defaulting to the first 100 records.
func page(r *http.Request) (offset, limit int) {
	q := r.URL.Query()
	offset, _ = strconv.Atoi(q.Get("offset"))
	limit, _ = strconv.Atoi(q.Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return offset, limit
}

// refParam reads ?ref=, defaulting to the latest supplied reference point.
func (h *Handler) refParam(r *http.Request) uint64 {
	if v := r.URL.Query().Get("ref"); v != "" {
		if ref, err := strconv.ParseUint(v, 10, 64); err == nil {
			return ref
		}
	}
	return h.clock.Reference()
}

// --- keeper price feed ---

// PricesRequest is the JSON body for POST /prices.
type PricesRequest struct {
	Ref    uint64                 `json:"ref"`
	Prices map[string]model.Price `json:"prices"`
}

// SupplyPrices handles POST /api/v1/prices. Any keeper may report prices.
func (h *Handler) SupplyPrices(w http.ResponseWriter, r *http.Request) {
	caller := account(r)
	ctx := r.Context()
	if !h.roles.HasRole(ctx, caller, exchange.RoleOrderKeeper) &&
		!h.roles.HasRole(ctx, caller, exchange.RoleLiquidationKeeper) &&
		!h.roles.HasRole(ctx, caller, exchange.RoleAdlKeeper) {
		h.writeEngineError(w, r, errs.ErrForbidden.With("%s is not a keeper", caller))
		return
	}
	var req PricesRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Ref == 0 || len(req.Prices) == 0 {
		writeError(w, "ref and prices are required", http.StatusBadRequest)
		return
	}
	for token, p := range req.Prices {
		if !p.IsValid() {
			writeError(w, "invalid price for "+token, http.StatusBadRequest)
			return
		}
	}
	h.prices.Supply(req.Ref, req.Prices)
	h.clock.Observe(req.Ref)
	writeJSON(w, http.StatusAccepted, map[string]uint64{"ref": req.Ref})
}

// --- markets and parameters ---

// CreateMarketRequest is the JSON body for POST /markets. Params default
// to model.DefaultMarketParams.
type CreateMarketRequest struct {
	Ticker string              `json:"ticker"` // {INDEX}/USD:{LONG}-{SHORT}
	Params *model.MarketParams `json:"params,omitempty"`
}

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := ticker.Parse(req.Ticker)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	params := model.DefaultMarketParams()
	if req.Params != nil {
		params = *req.Params
	}
	created, err := h.ex.CreateMarket(r.Context(), account(r), *t.Market(), params)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.ex.Markets(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.ex.Market(r.Context(), pathParam(r, "market"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) GetMarketParams(w http.ResponseWriter, r *http.Request) {
	p, err := h.ex.MarketParams(r.Context(), pathParam(r, "market"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := h.ex.Pool(r.Context(), pathParam(r, "market"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SummarizePool handles GET /api/v1/markets/{market}/summary?ref=
func (h *Handler) SummarizePool(w http.ResponseWriter, r *http.Request) {
	s, err := h.ex.SummarizePool(r.Context(), pathParam(r, "market"), h.refParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) GetClaimableFee(w http.ResponseWriter, r *http.Request) {
	fee, err := h.ex.ClaimableFee(r.Context(), pathParam(r, "market"), pathParam(r, "token"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": fee})
}

func (h *Handler) GetGlobalParams(w http.ResponseWriter, r *http.Request) {
	g, err := h.ex.GlobalParams(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (h *Handler) SetGlobalParams(w http.ResponseWriter, r *http.Request) {
	var g model.GlobalParams
	if !decode(w, r, &g) {
		return
	}
	if err := h.ex.SetGlobalParams(r.Context(), account(r), g); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// --- failure reasons ---

func (h *Handler) GetFailureReason(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	reason, err := h.ex.FailureReason(r.Context(), pathParam(r, "kind"), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reason": reason})
}
