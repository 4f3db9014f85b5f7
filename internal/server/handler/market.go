package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/engine"
	"github.com/alanyoungcy/lmsrmarket/internal/lmsr"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// MarketLedger is the part of the engine the market handler reads and
// creates markets through.
type MarketLedger interface {
	MarketCount() uint64
	ListMarkets(opts domain.ListOpts) []engine.MarketInfo
	GetMarketBasicInfo(marketID uint64) (engine.MarketInfo, error)
	GetMarketOutcomes(marketID uint64) ([]string, error)
	GetAllPrices(marketID uint64) ([]uint256.Int, error)
	GetMarketShares(marketID uint64) ([]uint256.Int, error)
	GetUserPosition(marketID uint64, user string) ([]uint256.Int, error)
	QuoteBuy(ctx context.Context, marketID uint64, outcome int, shares *uint256.Int) (lmsr.TradeCost, error)
	QuoteSell(ctx context.Context, marketID uint64, outcome int, shares *uint256.Int) (lmsr.TradeCost, error)
	QuoteBudget(ctx context.Context, marketID uint64, outcome int, budget *uint256.Int) (*uint256.Int, lmsr.TradeCost, error)
	CheckCreationAccess(ctx context.Context, user string) (engine.Access, error)
	CreateMarket(ctx context.Context, caller string, p engine.CreateMarketParams) (uint64, error)
}

// SnapshotService serves cached market snapshots.
type SnapshotService interface {
	GetSnapshot(ctx context.Context, id uint64) (domain.MarketSnapshot, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	ledger    MarketLedger
	snapshots SnapshotService
	logger    *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(ledger MarketLedger, snapshots SnapshotService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		ledger:    ledger,
		snapshots: snapshots,
		logger:    logger,
	}
}

type listMarketsResponse struct {
	Markets []marketDTO `json:"markets"`
	Total   uint64      `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
}

// ListMarkets returns markets in id order with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	infos := h.ledger.ListMarkets(opts)
	out := make([]marketDTO, len(infos))
	for i, m := range infos {
		out[i] = toMarketDTO(m)
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: out,
		Total:   h.ledger.MarketCount(),
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// MarketCount returns the number of markets.
// GET /api/markets/count
func (h *MarketHandler) MarketCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{"count": h.ledger.MarketCount()})
}

// GetMarket returns the summary of one market.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := h.ledger.GetMarketBasicInfo(id)
	if err != nil {
		respondError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, toMarketDTO(info))
}

// GetOutcomes returns the outcome names.
// GET /api/markets/{id}/outcomes
func (h *MarketHandler) GetOutcomes(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcomes, err := h.ledger.GetMarketOutcomes(id)
	if err != nil {
		respondError(w, r, h.logger, "get outcomes", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": id, "outcomes": outcomes})
}

// GetPrices returns every outcome's marginal price.
// GET /api/markets/{id}/prices
func (h *MarketHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	prices, err := h.ledger.GetAllPrices(id)
	if err != nil {
		respondError(w, r, h.logger, "get prices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": id, "prices": formatWads(prices)})
}

// GetShares returns the outstanding shares of every outcome.
// GET /api/markets/{id}/shares
func (h *MarketHandler) GetShares(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	shares, err := h.ledger.GetMarketShares(id)
	if err != nil {
		respondError(w, r, h.logger, "get shares", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": id, "shares": formatWads(shares)})
}

// GetSnapshot returns the cached denormalized view of a market.
// GET /api/markets/{id}/snapshot
func (h *MarketHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := h.snapshots.GetSnapshot(r.Context(), id)
	if err != nil {
		respondError(w, r, h.logger, "get snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetPosition returns one user's shares per outcome.
// GET /api/markets/{id}/positions/{user}
func (h *MarketHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user := r.PathValue("user")
	shares, err := h.ledger.GetUserPosition(id, user)
	if err != nil {
		respondError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"user":      user,
		"shares":    formatWads(shares),
	})
}

type quoteResponse struct {
	MarketID uint64  `json:"market_id"`
	Side     string  `json:"side"`
	Outcome  int     `json:"outcome"`
	Shares   string  `json:"shares"`
	Cost     costDTO `json:"cost"`
}

// Quote prices a trade without executing it. Pass shares for a buy or
// sell, or budget to find the most shares a buy can afford.
// GET /api/markets/{id}/quote?side=buy&outcome=0&shares=10
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	outcome, err := strconv.Atoi(q.Get("outcome"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid outcome")
		return
	}
	side := q.Get("side")
	if side == "" {
		side = "buy"
	}

	resp := quoteResponse{MarketID: id, Side: side, Outcome: outcome}
	switch {
	case side == "buy" && q.Get("budget") != "":
		budget, err := wad.Parse(q.Get("budget"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid budget")
			return
		}
		shares, cost, err := h.ledger.QuoteBudget(r.Context(), id, outcome, budget)
		if err != nil {
			respondError(w, r, h.logger, "quote", err)
			return
		}
		resp.Shares = wad.Format(shares)
		resp.Cost = toCostDTO(cost, false)
	case side == "buy" || side == "sell":
		shares, err := wad.Parse(q.Get("shares"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid shares")
			return
		}
		quote := h.ledger.QuoteBuy
		if side == "sell" {
			quote = h.ledger.QuoteSell
		}
		cost, err := quote(r.Context(), id, outcome, shares)
		if err != nil {
			respondError(w, r, h.logger, "quote", err)
			return
		}
		resp.Shares = wad.Format(shares)
		resp.Cost = toCostDTO(cost, side == "sell")
	default:
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type createMarketRequest struct {
	Question string   `json:"question" validate:"required,max=512"`
	Outcomes []string `json:"outcomes" validate:"required,min=2,dive,required,max=128"`
	Duration string   `json:"duration" validate:"required"`
	B        string   `json:"b" validate:"required,wad"`
	// Subsidy defaults to the minimum the liquidity parameter requires.
	Subsidy string  `json:"subsidy" validate:"omitempty,wad"`
	FeeBps  *uint32 `json:"fee_bps" validate:"omitempty,max=10000"`
}

// CreateMarket registers a market funded by the caller.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var req createMarketRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dur, err := time.ParseDuration(req.Duration)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid duration")
		return
	}
	b := mustWad(req.B)
	subsidy, err := optionalWad(req.Subsidy)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subsidy")
		return
	}
	if subsidy == nil {
		if subsidy, err = lmsr.MinSubsidy(b, len(req.Outcomes)); err != nil {
			respondError(w, r, h.logger, "create market", err)
			return
		}
	}

	id, err := h.ledger.CreateMarket(r.Context(), user, engine.CreateMarketParams{
		Question: req.Question,
		Outcomes: req.Outcomes,
		Duration: dur,
		B:        b,
		Subsidy:  subsidy,
		FeeBps:   req.FeeBps,
	})
	if err != nil {
		respondError(w, r, h.logger, "create market", err)
		return
	}
	info, err := h.ledger.GetMarketBasicInfo(id)
	if err != nil {
		respondError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMarketDTO(info))
}

type gateResultDTO struct {
	Rule    domain.GateRule `json:"rule"`
	Passed  bool            `json:"passed"`
	Balance string          `json:"balance,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CheckAccess reports whether an address may create markets.
// GET /api/gate/{address}
func (h *MarketHandler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	access, err := h.ledger.CheckCreationAccess(r.Context(), addr)
	if err != nil {
		if statusFor(err) == http.StatusBadRequest {
			respondError(w, r, h.logger, "check access", err)
			return
		}
		// Unreadable gate assets are reported per rule below.
		h.logger.WarnContext(r.Context(), "handler: gate check incomplete",
			slog.String("address", addr),
			slog.String("error", err.Error()),
		)
	}

	results := make([]gateResultDTO, len(access.Gate.Results))
	for i, res := range access.Gate.Results {
		results[i] = gateResultDTO{Rule: res.Rule, Passed: res.Passed}
		if res.Balance != nil {
			results[i].Balance = res.Balance.Dec()
		}
		if res.Err != nil {
			results[i].Error = res.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":         addr,
		"allowed":         access.Allowed(),
		"operator":        access.Operator,
		"public_creation": access.Gate.PublicCreation,
		"rules":           results,
	})
}
