package service

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// Page size bounds for journal queries.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// TradeService queries the trade journal and the audit log.
type TradeService struct {
	trades domain.TradeStore
	audit  domain.AuditStore
}

// NewTradeService creates a TradeService.
func NewTradeService(trades domain.TradeStore, audit domain.AuditStore) *TradeService {
	return &TradeService{trades: trades, audit: audit}
}

// TradeQuery filters a journal listing. Zero values mean no filter.
type TradeQuery struct {
	MarketID *uint64
	User     string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

func pageOpts(limit, offset int, since, until *time.Time) domain.ListOpts {
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return domain.ListOpts{Limit: limit, Offset: offset, Since: since, Until: until}
}

// ListTrades returns journal entries newest first. A user filter takes
// precedence over a market filter; the market filter is then applied in
// memory.
func (s *TradeService) ListTrades(ctx context.Context, q TradeQuery) ([]domain.Trade, error) {
	opts := pageOpts(q.Limit, q.Offset, q.Since, q.Until)

	var (
		trades []domain.Trade
		err    error
	)
	switch {
	case q.User != "":
		user, nerr := domain.NormalizeAddress(q.User)
		if nerr != nil {
			return nil, fmt.Errorf("trade_service: list trades: %w", nerr)
		}
		trades, err = s.trades.ListByUser(ctx, user, opts)
		if err == nil && q.MarketID != nil {
			kept := trades[:0]
			for _, t := range trades {
				if t.MarketID == *q.MarketID {
					kept = append(kept, t)
				}
			}
			trades = kept
		}
	case q.MarketID != nil:
		trades, err = s.trades.ListByMarket(ctx, *q.MarketID, opts)
	default:
		trades, err = s.trades.List(ctx, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("trade_service: list trades: %w", err)
	}
	return trades, nil
}

// ListAudit returns audit entries newest first.
func (s *TradeService) ListAudit(ctx context.Context, limit, offset int, since, until *time.Time) ([]domain.AuditEntry, error) {
	entries, err := s.audit.List(ctx, pageOpts(limit, offset, since, until))
	if err != nil {
		return nil, fmt.Errorf("trade_service: list audit: %w", err)
	}
	return entries, nil
}
