package postgres

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	db querier
}

// NewTradeStore creates a new TradeStore on the given client.
func NewTradeStore(c *Client) *TradeStore {
	return &TradeStore{db: c.pool}
}

const tradeSelectCols = `id::text, market_id, user_addr, kind, outcome, shares::text,
	base::text, fee::text, amount::text, price_after::text, COALESCE(ref_id::text, ''), created_at`

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var (
			t                             domain.Trade
			marketID                      int64
			kind                          string
			shares, base, fee, amt, price string
		)
		if err := rows.Scan(
			&t.ID, &marketID, &t.User, &kind, &t.Outcome, &shares,
			&base, &fee, &amt, &price, &t.RefID, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		t.MarketID = uint64(marketID)
		t.Kind = domain.TradeKind(kind)
		for _, f := range []struct {
			dst *uint256.Int
			src string
		}{
			{&t.Shares, shares}, {&t.Cost.Base, base}, {&t.Cost.Fee, fee},
			{&t.Amount, amt}, {&t.PriceAfter, price},
		} {
			v, err := wad.ParseRaw(f.src)
			if err != nil {
				return nil, fmt.Errorf("trade %s: %w", t.ID, err)
			}
			*f.dst = *v
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *TradeStore) list(ctx context.Context, where string, args []any, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE 1=1` + where
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// List returns trades across all markets, newest first.
func (s *TradeStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.list(ctx, "", nil, opts)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	return trades, nil
}

// ListByMarket returns trades for a specific market with pagination.
func (s *TradeStore) ListByMarket(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.list(ctx, " AND market_id = $1", []any{int64(marketID)}, opts)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by market %d: %w", marketID, err)
	}
	return trades, nil
}

// ListByUser returns trades for a specific user with pagination.
func (s *TradeStore) ListByUser(ctx context.Context, user string, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.list(ctx, " AND user_addr = $1", []any{user}, opts)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by user %s: %w", user, err)
	}
	return trades, nil
}

var (
	_ domain.TradeStore = (*TradeStore)(nil)
	_ domain.AuditStore = (*AuditStore)(nil)
)
