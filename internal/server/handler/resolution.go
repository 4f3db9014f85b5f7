package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// Resolver drives the resolution state machine and its pay-outs.
type Resolver interface {
	AssertOutcome(ctx context.Context, caller string, marketID uint64, claimedOutcome int) (domain.Assertion, error)
	SettleOutcome(ctx context.Context, marketID uint64) (domain.MarketState, error)
	Redeem(ctx context.Context, caller string, marketID uint64) (*uint256.Int, error)
	ReclaimSurplus(ctx context.Context, caller string, marketID uint64) (*uint256.Int, error)
	PendingSettlements(now time.Time) []uint64
	Now() time.Time
}

// ResolutionHandler serves assertion, settlement and redemption.
type ResolutionHandler struct {
	resolver Resolver
	logger   *slog.Logger
}

// NewResolutionHandler creates a ResolutionHandler.
func NewResolutionHandler(resolver Resolver, logger *slog.Logger) *ResolutionHandler {
	return &ResolutionHandler{resolver: resolver, logger: logger}
}

type assertRequest struct {
	Outcome *int `json:"outcome" validate:"required,min=0"`
}

// Assert claims the winning outcome of an ended market.
// POST /api/markets/{id}/assert
func (h *ResolutionHandler) Assert(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req assertRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.resolver.AssertOutcome(r.Context(), user, id, *req.Outcome)
	if err != nil {
		respondError(w, r, h.logger, "assert outcome", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toAssertionDTO(&a))
}

// Settle finalizes a pending assertion. A rejected assertion reports 409
// together with the state the market returned to.
// POST /api/markets/{id}/settle
func (h *ResolutionHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, err := h.resolver.SettleOutcome(r.Context(), id)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			respondError(w, r, h.logger, "settle outcome", err)
			return
		}
		writeJSON(w, status, map[string]any{"market_id": id, "state": state, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": id, "state": state})
}

// Pending lists markets whose assertion can be settled now, by the
// engine's clock. A standalone keeper polls it.
// GET /api/settlements/pending
func (h *ResolutionHandler) Pending(w http.ResponseWriter, r *http.Request) {
	now := h.resolver.Now()
	ids := h.resolver.PendingSettlements(now)
	if ids == nil {
		ids = []uint64{}
	}
	writeJSON(w, http.StatusOK, pendingResponse{MarketIDs: ids, At: now})
}

type pendingResponse struct {
	MarketIDs []uint64  `json:"market_ids"`
	At        time.Time `json:"at"`
}

// Redeem pays the caller's winning shares.
// POST /api/markets/{id}/redeem
func (h *ResolutionHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	h.payout(w, r, "redeem", h.resolver.Redeem)
}

// ReclaimSurplus pays the collateral not owed to winners to the creator.
// POST /api/markets/{id}/surplus
func (h *ResolutionHandler) ReclaimSurplus(w http.ResponseWriter, r *http.Request) {
	h.payout(w, r, "reclaim surplus", h.resolver.ReclaimSurplus)
}

func (h *ResolutionHandler) payout(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, caller string, marketID uint64) (*uint256.Int, error),
) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := fn(r.Context(), user, id)
	if err != nil {
		respondError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{MarketID: id, Amount: wad.Format(amount)})
}
