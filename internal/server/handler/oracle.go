package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/oracle"
)

// DisputeResolver is the operator surface of the in-process oracle.
type DisputeResolver interface {
	Dispute(ctx context.Context, assertionID string) error
	ResolveDispute(ctx context.Context, assertionID string, outcome int) error
}

// OracleHandler lets operators dispute and resolve assertions held by the
// in-process optimistic oracle.
type OracleHandler struct {
	oracle    DisputeResolver
	operators OperatorCheck
	logger    *slog.Logger
}

// NewOracleHandler creates an OracleHandler.
func NewOracleHandler(o DisputeResolver, operators OperatorCheck, logger *slog.Logger) *OracleHandler {
	return &OracleHandler{oracle: o, operators: operators, logger: logger}
}

func (h *OracleHandler) operator(w http.ResponseWriter, r *http.Request) bool {
	user, ok := caller(w, r)
	if !ok {
		return false
	}
	if !h.operators.IsOperator(user) {
		writeError(w, http.StatusForbidden, domain.ErrUnauthorized.Error())
		return false
	}
	return true
}

func (h *OracleHandler) respond(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, oracle.ErrAlreadyDisputed),
		errors.Is(err, oracle.ErrNotDisputed),
		errors.Is(err, oracle.ErrDisputeResolved),
		errors.Is(err, oracle.ErrLivenessElapsed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, r, h.logger, op, err)
	}
}

// Dispute challenges an assertion inside its liveness window.
// POST /api/oracle/assertions/{id}/dispute
func (h *OracleHandler) Dispute(w http.ResponseWriter, r *http.Request) {
	if !h.operator(w, r) {
		return
	}
	id := r.PathValue("id")
	if err := h.oracle.Dispute(r.Context(), id); err != nil {
		h.respond(w, r, "dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assertion_id": id, "disputed": true})
}

type resolveDisputeRequest struct {
	Outcome *int `json:"outcome" validate:"required,min=0"`
}

// ResolveDispute records the true outcome of a disputed assertion. The
// market settles on its next SettleOutcome call.
// POST /api/oracle/assertions/{id}/resolve
func (h *OracleHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	if !h.operator(w, r) {
		return
	}
	var req resolveDisputeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if err := h.oracle.ResolveDispute(r.Context(), id, *req.Outcome); err != nil {
		h.respond(w, r, "resolve dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assertion_id": id, "outcome": *req.Outcome})
}
