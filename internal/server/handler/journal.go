package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/service"
)

// JournalService lists trades and audit entries.
type JournalService interface {
	ListTrades(ctx context.Context, q service.TradeQuery) ([]domain.Trade, error)
	ListAudit(ctx context.Context, limit, offset int, since, until *time.Time) ([]domain.AuditEntry, error)
}

// OperatorCheck tells operators apart.
type OperatorCheck interface {
	IsOperator(addr string) bool
}

// JournalHandler serves the trade journal and the audit log.
type JournalHandler struct {
	journal   JournalService
	operators OperatorCheck
	logger    *slog.Logger
}

// NewJournalHandler creates a JournalHandler.
func NewJournalHandler(journal JournalService, operators OperatorCheck, logger *slog.Logger) *JournalHandler {
	return &JournalHandler{journal: journal, operators: operators, logger: logger}
}

// ListTrades returns journal entries, optionally for one user or market.
// GET /api/trades?user=0x..&market_id=3&limit=50
// GET /api/markets/{id}/trades
func (h *JournalHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := service.TradeQuery{
		User:   r.URL.Query().Get("user"),
		Since:  opts.Since,
		Until:  opts.Until,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	raw := r.PathValue("id")
	if raw == "" {
		raw = r.URL.Query().Get("market_id")
	}
	if raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid market id")
			return
		}
		q.MarketID = &id
	}

	trades, err := h.journal.ListTrades(r.Context(), q)
	if err != nil {
		respondError(w, r, h.logger, "list trades", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": toTradeDTOs(trades)})
}

// ListAudit returns audit entries. Operators only.
// GET /api/audit
func (h *JournalHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	if !h.operators.IsOperator(user) {
		writeError(w, http.StatusForbidden, domain.ErrUnauthorized.Error())
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.journal.ListAudit(r.Context(), opts.Limit, opts.Offset, opts.Since, opts.Until)
	if err != nil {
		respondError(w, r, h.logger, "list audit", err)
		return
	}
	out := make([]auditDTO, len(entries))
	for i, e := range entries {
		out[i] = auditDTO{
			ID:        e.ID,
			Event:     e.Event,
			Actor:     e.Actor,
			MarketID:  e.MarketID,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
