package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// TradeStore implements domain.TradeStore on SQLite.
type TradeStore struct {
	db *sql.DB
}

// NewTradeStore creates a TradeStore on the given client.
func NewTradeStore(c *Client) *TradeStore {
	return &TradeStore{db: c.db}
}

const tradeCols = `id, market_id, user_addr, kind, outcome, shares,
	base, fee, amount, price_after, ref_id, created_at`

func scanTradeRows(rows *sql.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var (
			t                             domain.Trade
			marketID                      int64
			kind, createdAt               string
			shares, base, fee, amt, price string
		)
		if err := rows.Scan(
			&t.ID, &marketID, &t.User, &kind, &t.Outcome, &shares,
			&base, &fee, &amt, &price, &t.RefID, &createdAt,
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
		var err error
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *TradeStore) list(ctx context.Context, where string, args []any, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeCols + ` FROM trades WHERE 1=1` + where
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND created_at < ?"
		args = append(args, formatTime(*opts.Until))
	}
	query += " ORDER BY seq DESC"
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
		return nil, fmt.Errorf("sqlite: list trades: %w", err)
	}
	return trades, nil
}

// ListByMarket returns trades for one market, newest first.
func (s *TradeStore) ListByMarket(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.list(ctx, " AND market_id = ?", []any{int64(marketID)}, opts)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trades by market %d: %w", marketID, err)
	}
	return trades, nil
}

// ListByUser returns trades for one user, newest first.
func (s *TradeStore) ListByUser(ctx context.Context, user string, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.list(ctx, " AND user_addr = ?", []any{user}, opts)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trades by user %s: %w", user, err)
	}
	return trades, nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
