package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/engine"
)

// Trader executes trades against the ledger.
type Trader interface {
	ExecuteBuy(ctx context.Context, caller string, p engine.BuyParams) (domain.Trade, error)
	ExecuteSell(ctx context.Context, caller string, p engine.SellParams) (domain.Trade, error)
}

// TradingHandler serves the buy and sell endpoints.
type TradingHandler struct {
	trader Trader
	logger *slog.Logger
}

// NewTradingHandler creates a TradingHandler.
func NewTradingHandler(trader Trader, logger *slog.Logger) *TradingHandler {
	return &TradingHandler{trader: trader, logger: logger}
}

type buyRequest struct {
	Outcome        *int   `json:"outcome" validate:"required,min=0"`
	Shares         string `json:"shares" validate:"required,wad"`
	MaxCost        string `json:"max_cost" validate:"required,wad"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

type sellRequest struct {
	Outcome        *int   `json:"outcome" validate:"required,min=0"`
	Shares         string `json:"shares" validate:"required,wad"`
	MinProceeds    string `json:"min_proceeds" validate:"required,wad"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
}

// idempotencyKey prefers the Idempotency-Key header over the body field.
func idempotencyKey(r *http.Request, body string) string {
	if k := r.Header.Get("Idempotency-Key"); k != "" {
		return k
	}
	return body
}

// Buy buys shares of one outcome for the caller.
// POST /api/markets/{id}/buy
func (h *TradingHandler) Buy(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req buyRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := h.trader.ExecuteBuy(r.Context(), user, engine.BuyParams{
		MarketID:       id,
		Outcome:        *req.Outcome,
		Shares:         mustWad(req.Shares),
		MaxCost:        mustWad(req.MaxCost),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		respondError(w, r, h.logger, "buy", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTradeDTO(t))
}

// Sell sells shares of one outcome back to the market.
// POST /api/markets/{id}/sell
func (h *TradingHandler) Sell(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req sellRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := h.trader.ExecuteSell(r.Context(), user, engine.SellParams{
		MarketID:       id,
		Outcome:        *req.Outcome,
		Shares:         mustWad(req.Shares),
		MinProceeds:    mustWad(req.MinProceeds),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		respondError(w, r, h.logger, "sell", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTradeDTO(t))
}
