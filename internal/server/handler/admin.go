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

// Administrator is the operator and creator surface of the engine.
type Administrator interface {
	IsOperator(addr string) bool
	Settings() domain.Settings
	SetProtocolFee(ctx context.Context, caller string, bps uint32) error
	SetPublicCreation(ctx context.Context, caller string, enabled bool) error
	SetGateRules(ctx context.Context, caller string, rules []domain.GateRule) error
	SetMarketFee(ctx context.Context, caller string, marketID uint64, bps *uint32) error
	WithdrawFees(ctx context.Context, caller string, marketID uint64, to string) (*uint256.Int, error)
	RescaleLiquidity(ctx context.Context, caller string, marketID uint64, newB *uint256.Int, override bool) error
}

// AdminHandler serves fee, liquidity and settings endpoints. The engine
// enforces who may call each operation.
type AdminHandler struct {
	admin  Administrator
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(admin Administrator, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, logger: logger}
}

type settingsDTO struct {
	ProtocolFeeBps uint32            `json:"protocol_fee_bps"`
	PublicCreation bool              `json:"public_creation"`
	GateRules      []domain.GateRule `json:"gate_rules"`
	UpdatedAt      *time.Time        `json:"updated_at,omitempty"`
}

func toSettingsDTO(s domain.Settings) settingsDTO {
	out := settingsDTO{
		ProtocolFeeBps: s.ProtocolFeeBps,
		PublicCreation: s.Gate.PublicCreation,
		GateRules:      s.Gate.Rules,
	}
	if out.GateRules == nil {
		out.GateRules = []domain.GateRule{}
	}
	if !s.UpdatedAt.IsZero() {
		out.UpdatedAt = &s.UpdatedAt
	}
	return out
}

// GetSettings returns the operator settings.
// GET /api/settings
func (h *AdminHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSettingsDTO(h.admin.Settings()))
}

type protocolFeeRequest struct {
	FeeBps *uint32 `json:"fee_bps" validate:"required,max=10000"`
}

// SetProtocolFee changes the default fee.
// PUT /api/settings/protocol-fee
func (h *AdminHandler) SetProtocolFee(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var req protocolFeeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.admin.SetProtocolFee(r.Context(), user, *req.FeeBps); err != nil {
		respondError(w, r, h.logger, "set protocol fee", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(h.admin.Settings()))
}

type publicCreationRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// SetPublicCreation opens or closes gated market creation.
// PUT /api/settings/public-creation
func (h *AdminHandler) SetPublicCreation(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var req publicCreationRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.admin.SetPublicCreation(r.Context(), user, *req.Enabled); err != nil {
		respondError(w, r, h.logger, "set public creation", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(h.admin.Settings()))
}

type gateRuleRequest struct {
	Kind      domain.GateKind `json:"kind" validate:"required,oneof=min_balance min_nft_holdings"`
	Asset     string          `json:"asset" validate:"required,address"`
	Threshold string          `json:"threshold" validate:"required,number"`
}

type gateRulesRequest struct {
	Rules []gateRuleRequest `json:"rules" validate:"max=32,dive"`
}

// SetGateRules replaces the creation gate rules. Thresholds are raw
// integers in the gating asset's smallest unit.
// PUT /api/settings/gate-rules
func (h *AdminHandler) SetGateRules(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var req gateRulesRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rules := make([]domain.GateRule, len(req.Rules))
	for i, rr := range req.Rules {
		threshold, err := uint256.FromDecimal(rr.Threshold)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid threshold "+rr.Threshold)
			return
		}
		rules[i] = domain.GateRule{Kind: rr.Kind, Asset: rr.Asset, Threshold: *threshold}
	}
	if err := h.admin.SetGateRules(r.Context(), user, rules); err != nil {
		respondError(w, r, h.logger, "set gate rules", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(h.admin.Settings()))
}

type marketFeeRequest struct {
	// A null fee clears the override.
	FeeBps *uint32 `json:"fee_bps" validate:"omitempty,max=10000"`
}

// SetMarketFee overrides or clears one market's fee.
// PUT /api/markets/{id}/fee
func (h *AdminHandler) SetMarketFee(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req marketFeeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.admin.SetMarketFee(r.Context(), user, id, req.FeeBps); err != nil {
		respondError(w, r, h.logger, "set market fee", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": id, "fee_bps": req.FeeBps})
}

type withdrawFeesRequest struct {
	To string `json:"to" validate:"required,address"`
}

// WithdrawFees sends a market's accrued fees to an address.
// POST /api/markets/{id}/fees/withdraw
func (h *AdminHandler) WithdrawFees(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req withdrawFeesRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := h.admin.WithdrawFees(r.Context(), user, id, req.To)
	if err != nil {
		respondError(w, r, h.logger, "withdraw fees", err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{MarketID: id, Amount: wad.Format(amount)})
}

type rescaleRequest struct {
	B        string `json:"b" validate:"required,wad"`
	Override bool   `json:"override"`
}

// Rescale changes a market's liquidity parameter once.
// POST /api/markets/{id}/rescale
func (h *AdminHandler) Rescale(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req rescaleRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.admin.RescaleLiquidity(r.Context(), user, id, mustWad(req.B), req.Override); err != nil {
		respondError(w, r, h.logger, "rescale liquidity", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": id, "b": req.B, "override": req.Override})
}
