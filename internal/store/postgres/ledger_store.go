package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LedgerStore implements domain.LedgerStore using PostgreSQL.
type LedgerStore struct {
	client *Client
}

// NewLedgerStore creates a LedgerStore on the given client.
func NewLedgerStore(c *Client) *LedgerStore {
	return &LedgerStore{client: c}
}

// LoadMarkets returns every market ordered by id.
func (s *LedgerStore) LoadMarkets(ctx context.Context) ([]domain.Market, error) {
	markets, err := queryMarkets(ctx, s.client.pool,
		`SELECT `+marketSelectCols+` FROM markets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load markets: %w", err)
	}
	return markets, nil
}

// LoadPositions returns every position row.
func (s *LedgerStore) LoadPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.client.pool.Query(ctx,
		`SELECT market_id, user_addr, outcome, shares::text, updated_at FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var (
			p        domain.Position
			marketID int64
			shares   string
		)
		if err := rows.Scan(&marketID, &p.User, &p.Outcome, &shares, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		v, err := wad.ParseRaw(shares)
		if err != nil {
			return nil, fmt.Errorf("postgres: position shares: %w", err)
		}
		p.MarketID = uint64(marketID)
		p.Shares = *v
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load positions rows: %w", err)
	}
	return out, nil
}

// LoadSettings returns the saved settings or domain.ErrNotFound.
func (s *LedgerStore) LoadSettings(ctx context.Context) (domain.Settings, error) {
	var (
		st       domain.Settings
		feeBps   int32
		rulesRaw []byte
	)
	err := s.client.pool.QueryRow(ctx,
		`SELECT protocol_fee_bps, public_creation, gate_rules, updated_at FROM settings WHERE id = 1`,
	).Scan(&feeBps, &st.Gate.PublicCreation, &rulesRaw, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Settings{}, domain.ErrNotFound
		}
		return domain.Settings{}, fmt.Errorf("postgres: load settings: %w", err)
	}
	st.ProtocolFeeBps = uint32(feeBps)
	if err := json.Unmarshal(rulesRaw, &st.Gate.Rules); err != nil {
		return domain.Settings{}, fmt.Errorf("postgres: decode gate rules: %w", err)
	}
	return st, nil
}

// Begin starts a ledger transaction.
func (s *LedgerStore) Begin(ctx context.Context) (domain.LedgerTx, error) {
	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	return &ledgerTx{tx: tx}, nil
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) InsertMarket(ctx context.Context, m *domain.Market) error {
	if _, err := t.tx.Exec(ctx, insertMarketQuery, marketArgs(m)...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: insert market %d: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert market %d: %w", m.ID, err)
	}
	return nil
}

func (t *ledgerTx) UpdateMarket(ctx context.Context, m *domain.Market) error {
	tag, err := t.tx.Exec(ctx, updateMarketQuery, marketArgs(m)...)
	if err != nil {
		return fmt.Errorf("postgres: update market %d: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update market %d: %w", m.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *ledgerTx) UpsertPosition(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (market_id, user_addr, outcome, shares, updated_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5)
		ON CONFLICT (market_id, user_addr, outcome) DO UPDATE SET
			shares     = EXCLUDED.shares,
			updated_at = EXCLUDED.updated_at`
	if _, err := t.tx.Exec(ctx, query, int64(p.MarketID), p.User, p.Outcome, p.Shares.Dec(), p.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: upsert position %d/%s/%d: %w", p.MarketID, p.User, p.Outcome, err)
	}
	return nil
}

func (t *ledgerTx) InsertTrade(ctx context.Context, tr domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, market_id, user_addr, kind, outcome, shares,
			base, fee, amount, price_after, ref_id, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::text::numeric,
			$7::text::numeric, $8::text::numeric, $9::text::numeric, $10::text::numeric, $11, $12
		)`
	var ref *string
	if tr.RefID != "" {
		ref = &tr.RefID
	}
	if _, err := t.tx.Exec(ctx, query,
		tr.ID, int64(tr.MarketID), tr.User, string(tr.Kind), tr.Outcome, tr.Shares.Dec(),
		tr.Cost.Base.Dec(), tr.Cost.Fee.Dec(), tr.Amount.Dec(), tr.PriceAfter.Dec(), ref, tr.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", tr.ID, err)
	}
	return nil
}

func (t *ledgerTx) SaveSettings(ctx context.Context, st domain.Settings) error {
	rules := st.Gate.Rules
	if rules == nil {
		rules = []domain.GateRule{}
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("postgres: encode gate rules: %w", err)
	}
	const query = `
		INSERT INTO settings (id, protocol_fee_bps, public_creation, gate_rules, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			protocol_fee_bps = EXCLUDED.protocol_fee_bps,
			public_creation  = EXCLUDED.public_creation,
			gate_rules       = EXCLUDED.gate_rules,
			updated_at       = EXCLUDED.updated_at`
	if _, err := t.tx.Exec(ctx, query, int32(st.ProtocolFeeBps), st.Gate.PublicCreation, raw, st.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: save settings: %w", err)
	}
	return nil
}

func (t *ledgerTx) Audit(ctx context.Context, e domain.AuditEntry) error {
	return insertAudit(ctx, t.tx, e)
}

func (t *ledgerTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (t *ledgerTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: rollback: %w", err)
	}
	return nil
}

var (
	_ domain.LedgerStore = (*LedgerStore)(nil)
	_ domain.LedgerTx    = (*ledgerTx)(nil)
)
