package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const marketCols = `id, schema_version, question, outcomes, b, end_time,
	creator, subsidy, pool, q, fees, fees_withdrawn,
	fee_bps, volume, trade_count, status, assertion_id, assertion_outcome,
	assertion_asserter, asserted_at, assertion_expires_at, assertion_disputed,
	winning_outcome, resolved_at, rescaled, asset_decimals, created_at, updated_at`

func encodeAmounts(xs []uint256.Int) (string, error) {
	out := make([]string, len(xs))
	for i := range xs {
		out[i] = xs[i].Dec()
	}
	b, err := json.Marshal(out)
	return string(b), err
}

func decodeAmounts(s string) ([]uint256.Int, error) {
	var raw []string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, err
	}
	out := make([]uint256.Int, len(raw))
	for i, r := range raw {
		v, err := wad.ParseRaw(r)
		if err != nil {
			return nil, err
		}
		out[i] = *v
	}
	return out, nil
}

func marketArgs(m *domain.Market) ([]any, error) {
	outcomes, err := json.Marshal(m.Outcomes)
	if err != nil {
		return nil, err
	}
	q, err := encodeAmounts(m.Q)
	if err != nil {
		return nil, err
	}
	var (
		feeBps                sql.NullInt64
		aID, aAsserter        sql.NullString
		aOutcome              sql.NullInt64
		assertedAt, expiresAt sql.NullString
		disputed              bool
	)
	if m.FeeBps != nil {
		feeBps = sql.NullInt64{Int64: int64(*m.FeeBps), Valid: true}
	}
	if a := m.Assertion; a != nil {
		aID = sql.NullString{String: a.ID, Valid: true}
		aAsserter = sql.NullString{String: a.Asserter, Valid: true}
		aOutcome = sql.NullInt64{Int64: int64(a.ClaimedOutcome), Valid: true}
		assertedAt = nullTime(&a.AssertedAt)
		expiresAt = nullTime(&a.ExpiresAt)
		disputed = a.Disputed
	}
	winning := -1
	if m.Resolved() {
		winning = m.WinningOutcome
	}
	return []any{
		int64(m.ID), m.SchemaVersion, m.Question, string(outcomes), m.B.Dec(), formatTime(m.EndTime),
		m.Creator, m.Subsidy.Dec(), m.Pool.Dec(), q, m.Fees.Dec(), m.FeesWithdrawn.Dec(),
		feeBps, m.Volume.Dec(), int64(m.TradeCount), string(m.Status), aID, aOutcome,
		aAsserter, assertedAt, expiresAt, disputed,
		winning, nullTime(m.ResolvedAt), m.Rescaled, int(m.AssetDecimals), formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMarket(row scanner) (domain.Market, error) {
	var (
		m                                 domain.Market
		id, tradeCount                    int64
		outcomes, q                       string
		b, subsidy, pool, fees, withdrawn string
		volume, status                    string
		endTime, createdAt, updatedAt     string
		feeBps, aOutcome                  sql.NullInt64
		aID, aAsserter                    sql.NullString
		assertedAt, expiresAt, resolvedAt sql.NullString
		disputed, rescaled                bool
		decimals                          int64
	)
	if err := row.Scan(
		&id, &m.SchemaVersion, &m.Question, &outcomes, &b, &endTime,
		&m.Creator, &subsidy, &pool, &q, &fees, &withdrawn,
		&feeBps, &volume, &tradeCount, &status, &aID, &aOutcome,
		&aAsserter, &assertedAt, &expiresAt, &disputed,
		&m.WinningOutcome, &resolvedAt, &rescaled, &decimals, &createdAt, &updatedAt,
	); err != nil {
		return domain.Market{}, err
	}
	m.ID = uint64(id)
	m.TradeCount = uint64(tradeCount)
	m.Status = domain.MarketStatus(status)
	m.Rescaled = rescaled
	m.AssetDecimals = uint8(decimals)

	if err := json.Unmarshal([]byte(outcomes), &m.Outcomes); err != nil {
		return domain.Market{}, fmt.Errorf("market %d outcomes: %w", id, err)
	}
	amounts := []struct {
		dst *uint256.Int
		src string
	}{
		{&m.B, b}, {&m.Subsidy, subsidy}, {&m.Pool, pool}, {&m.Fees, fees},
		{&m.FeesWithdrawn, withdrawn}, {&m.Volume, volume},
	}
	for _, a := range amounts {
		v, err := wad.ParseRaw(a.src)
		if err != nil {
			return domain.Market{}, fmt.Errorf("market %d: %w", id, err)
		}
		*a.dst = *v
	}
	var err error
	if m.Q, err = decodeAmounts(q); err != nil {
		return domain.Market{}, fmt.Errorf("market %d q: %w", id, err)
	}
	if m.EndTime, err = parseTime(endTime); err != nil {
		return domain.Market{}, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Market{}, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Market{}, err
	}
	if m.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return domain.Market{}, err
	}
	if feeBps.Valid {
		v := uint32(feeBps.Int64)
		m.FeeBps = &v
	}
	if aID.Valid {
		a := &domain.Assertion{
			ID:             aID.String,
			ClaimedOutcome: int(aOutcome.Int64),
			Asserter:       aAsserter.String,
			Disputed:       disputed,
		}
		if t, err := parseNullTime(assertedAt); err != nil {
			return domain.Market{}, err
		} else if t != nil {
			a.AssertedAt = *t
		}
		if t, err := parseNullTime(expiresAt); err != nil {
			return domain.Market{}, err
		} else if t != nil {
			a.ExpiresAt = *t
		}
		m.Assertion = a
	}
	return m, nil
}

// LedgerStore implements domain.LedgerStore on SQLite.
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore creates a LedgerStore on the given client.
func NewLedgerStore(c *Client) *LedgerStore {
	return &LedgerStore{db: c.db}
}

// LoadMarkets returns every market ordered by id.
func (s *LedgerStore) LoadMarkets(ctx context.Context) ([]domain.Market, error) {
	return listMarkets(ctx, s.db, `SELECT `+marketCols+` FROM markets ORDER BY id`)
}

func listMarkets(ctx context.Context, db execer, query string, args ...any) ([]domain.Market, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list markets rows: %w", err)
	}
	return out, nil
}

// LoadPositions returns every position row.
func (s *LedgerStore) LoadPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT market_id, user_addr, outcome, shares, updated_at FROM positions ORDER BY market_id, user_addr, outcome`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var (
			p                 domain.Position
			marketID          int64
			shares, updatedAt string
		)
		if err := rows.Scan(&marketID, &p.User, &p.Outcome, &shares, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan position: %w", err)
		}
		v, err := wad.ParseRaw(shares)
		if err != nil {
			return nil, fmt.Errorf("sqlite: position shares: %w", err)
		}
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		p.MarketID = uint64(marketID)
		p.Shares = *v
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load positions rows: %w", err)
	}
	return out, nil
}

// LoadSettings returns the saved settings or domain.ErrNotFound.
func (s *LedgerStore) LoadSettings(ctx context.Context) (domain.Settings, error) {
	var (
		st               domain.Settings
		feeBps           int64
		rules, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT protocol_fee_bps, public_creation, gate_rules, updated_at FROM settings WHERE id = 1`,
	).Scan(&feeBps, &st.Gate.PublicCreation, &rules, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Settings{}, domain.ErrNotFound
		}
		return domain.Settings{}, fmt.Errorf("sqlite: load settings: %w", err)
	}
	st.ProtocolFeeBps = uint32(feeBps)
	if err := json.Unmarshal([]byte(rules), &st.Gate.Rules); err != nil {
		return domain.Settings{}, fmt.Errorf("sqlite: decode gate rules: %w", err)
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Settings{}, err
	}
	return st, nil
}

// Begin starts a ledger transaction.
func (s *LedgerStore) Begin(ctx context.Context) (domain.LedgerTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	return &ledgerTx{tx: tx}, nil
}

type ledgerTx struct {
	tx *sql.Tx
}

func (t *ledgerTx) InsertMarket(ctx context.Context, m *domain.Market) error {
	args, err := marketArgs(m)
	if err != nil {
		return fmt.Errorf("sqlite: encode market %d: %w", m.ID, err)
	}
	var exists bool
	if err := t.tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM markets WHERE id = ?)`, int64(m.ID)).Scan(&exists); err != nil {
		return fmt.Errorf("sqlite: insert market %d: %w", m.ID, err)
	}
	if exists {
		return fmt.Errorf("sqlite: insert market %d: %w", m.ID, domain.ErrAlreadyExists)
	}
	query := `INSERT INTO markets (` + marketCols + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: insert market %d: %w", m.ID, err)
	}
	return nil
}

func (t *ledgerTx) UpdateMarket(ctx context.Context, m *domain.Market) error {
	args, err := marketArgs(m)
	if err != nil {
		return fmt.Errorf("sqlite: encode market %d: %w", m.ID, err)
	}
	const query = `
		UPDATE markets SET
			schema_version = ?2, question = ?3, outcomes = ?4, b = ?5, end_time = ?6,
			creator = ?7, subsidy = ?8, pool = ?9, q = ?10, fees = ?11, fees_withdrawn = ?12,
			fee_bps = ?13, volume = ?14, trade_count = ?15, status = ?16, assertion_id = ?17,
			assertion_outcome = ?18, assertion_asserter = ?19, asserted_at = ?20,
			assertion_expires_at = ?21, assertion_disputed = ?22, winning_outcome = ?23,
			resolved_at = ?24, rescaled = ?25, asset_decimals = ?26, created_at = ?27, updated_at = ?28
		WHERE id = ?1`
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: update market %d: %w", m.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sqlite: update market %d: %w", m.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *ledgerTx) UpsertPosition(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (market_id, user_addr, outcome, shares, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(market_id, user_addr, outcome) DO UPDATE SET
			shares     = excluded.shares,
			updated_at = excluded.updated_at`
	if _, err := t.tx.ExecContext(ctx, query,
		int64(p.MarketID), p.User, p.Outcome, p.Shares.Dec(), formatTime(p.UpdatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: upsert position %d/%s/%d: %w", p.MarketID, p.User, p.Outcome, err)
	}
	return nil
}

func (t *ledgerTx) InsertTrade(ctx context.Context, tr domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, market_id, user_addr, kind, outcome, shares,
			base, fee, amount, price_after, ref_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := t.tx.ExecContext(ctx, query,
		tr.ID, int64(tr.MarketID), tr.User, string(tr.Kind), tr.Outcome, tr.Shares.Dec(),
		tr.Cost.Base.Dec(), tr.Cost.Fee.Dec(), tr.Amount.Dec(), tr.PriceAfter.Dec(), tr.RefID, formatTime(tr.CreatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: insert trade %s: %w", tr.ID, err)
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
		return fmt.Errorf("sqlite: encode gate rules: %w", err)
	}
	const query = `
		INSERT INTO settings (id, protocol_fee_bps, public_creation, gate_rules, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			protocol_fee_bps = excluded.protocol_fee_bps,
			public_creation  = excluded.public_creation,
			gate_rules       = excluded.gate_rules,
			updated_at       = excluded.updated_at`
	if _, err := t.tx.ExecContext(ctx, query,
		int64(st.ProtocolFeeBps), st.Gate.PublicCreation, string(raw), formatTime(st.UpdatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: save settings: %w", err)
	}
	return nil
}

func (t *ledgerTx) Audit(ctx context.Context, e domain.AuditEntry) error {
	return insertAudit(ctx, t.tx, e)
}

func (t *ledgerTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (t *ledgerTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("sqlite: rollback: %w", err)
	}
	return nil
}

var (
	_ domain.LedgerStore = (*LedgerStore)(nil)
	_ domain.LedgerTx    = (*ledgerTx)(nil)
)
