package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// Amounts travel as decimal text and are cast to NUMERIC(78,0) in SQL, so
// no precision is lost between uint256 and the database.
const marketSelectCols = `id, schema_version, question, outcomes, b::text, end_time,
	creator, subsidy::text, pool::text, q::text[], fees::text, fees_withdrawn::text,
	fee_bps, volume::text, trade_count, status, assertion_id, assertion_outcome,
	assertion_asserter, asserted_at, assertion_expires_at, assertion_disputed,
	winning_outcome, resolved_at, rescaled, asset_decimals, created_at, updated_at`

const insertMarketQuery = `
	INSERT INTO markets (
		id, schema_version, question, outcomes, b, end_time,
		creator, subsidy, pool, q, fees, fees_withdrawn,
		fee_bps, volume, trade_count, status, assertion_id, assertion_outcome,
		assertion_asserter, asserted_at, assertion_expires_at, assertion_disputed,
		winning_outcome, resolved_at, rescaled, asset_decimals, created_at, updated_at
	) VALUES (
		$1, $2, $3, $4, $5::text::numeric, $6,
		$7, $8::text::numeric, $9::text::numeric, $10::text[]::numeric[], $11::text::numeric, $12::text::numeric,
		$13, $14::text::numeric, $15, $16, $17, $18,
		$19, $20, $21, $22,
		$23, $24, $25, $26, $27, $28
	)`

const updateMarketQuery = `
	UPDATE markets SET
		schema_version       = $2,
		question             = $3,
		outcomes             = $4,
		b                    = $5::text::numeric,
		end_time             = $6,
		creator              = $7,
		subsidy              = $8::text::numeric,
		pool                 = $9::text::numeric,
		q                    = $10::text[]::numeric[],
		fees                 = $11::text::numeric,
		fees_withdrawn       = $12::text::numeric,
		fee_bps              = $13,
		volume               = $14::text::numeric,
		trade_count          = $15,
		status               = $16,
		assertion_id         = $17,
		assertion_outcome    = $18,
		assertion_asserter   = $19,
		asserted_at          = $20,
		assertion_expires_at = $21,
		assertion_disputed   = $22,
		winning_outcome      = $23,
		resolved_at          = $24,
		rescaled             = $25,
		asset_decimals       = $26,
		created_at           = $27,
		updated_at           = $28
	WHERE id = $1`

func decStrings(xs []uint256.Int) []string {
	out := make([]string, len(xs))
	for i := range xs {
		out[i] = xs[i].Dec()
	}
	return out
}

func marketArgs(m *domain.Market) []any {
	var (
		feeBps     *int32
		aID        *string
		aOutcome   *int32
		aAsserter  *string
		assertedAt *time.Time
		expiresAt  *time.Time
		disputed   bool
	)
	if m.FeeBps != nil {
		v := int32(*m.FeeBps)
		feeBps = &v
	}
	if a := m.Assertion; a != nil {
		id, outcome, asserter := a.ID, int32(a.ClaimedOutcome), a.Asserter
		at, exp := a.AssertedAt, a.ExpiresAt
		aID, aOutcome, aAsserter = &id, &outcome, &asserter
		assertedAt, expiresAt = &at, &exp
		disputed = a.Disputed
	}
	winning := -1
	if m.Resolved() {
		winning = m.WinningOutcome
	}
	return []any{
		int64(m.ID), m.SchemaVersion, m.Question, m.Outcomes, m.B.Dec(), m.EndTime,
		m.Creator, m.Subsidy.Dec(), m.Pool.Dec(), decStrings(m.Q), m.Fees.Dec(), m.FeesWithdrawn.Dec(),
		feeBps, m.Volume.Dec(), int64(m.TradeCount), string(m.Status), aID, aOutcome,
		aAsserter, assertedAt, expiresAt, disputed,
		winning, m.ResolvedAt, m.Rescaled, int16(m.AssetDecimals), m.CreatedAt, m.UpdatedAt,
	}
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                                 domain.Market
		id, tradeCount                    int64
		b, subsidy, pool, fees, withdrawn string
		volume, status                    string
		q                                 []string
		feeBps, aOutcome                  *int32
		aID, aAsserter                    *string
		assertedAt, expiresAt             *time.Time
		disputed                          bool
		decimals                          int16
	)
	if err := row.Scan(
		&id, &m.SchemaVersion, &m.Question, &m.Outcomes, &b, &m.EndTime,
		&m.Creator, &subsidy, &pool, &q, &fees, &withdrawn,
		&feeBps, &volume, &tradeCount, &status, &aID, &aOutcome,
		&aAsserter, &assertedAt, &expiresAt, &disputed,
		&m.WinningOutcome, &m.ResolvedAt, &m.Rescaled, &decimals, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return domain.Market{}, err
	}
	m.ID = uint64(id)
	m.TradeCount = uint64(tradeCount)
	m.Status = domain.MarketStatus(status)
	m.AssetDecimals = uint8(decimals)

	for dst, src := range map[*uint256.Int]string{
		&m.B: b, &m.Subsidy: subsidy, &m.Pool: pool, &m.Fees: fees,
		&m.FeesWithdrawn: withdrawn, &m.Volume: volume,
	} {
		v, err := wad.ParseRaw(src)
		if err != nil {
			return domain.Market{}, fmt.Errorf("market %d: %w", id, err)
		}
		*dst = *v
	}
	m.Q = make([]uint256.Int, len(q))
	for i, s := range q {
		v, err := wad.ParseRaw(s)
		if err != nil {
			return domain.Market{}, fmt.Errorf("market %d q[%d]: %w", id, i, err)
		}
		m.Q[i] = *v
	}
	if feeBps != nil {
		v := uint32(*feeBps)
		m.FeeBps = &v
	}
	if aID != nil {
		a := &domain.Assertion{ID: *aID, Disputed: disputed}
		if aOutcome != nil {
			a.ClaimedOutcome = int(*aOutcome)
		}
		if aAsserter != nil {
			a.Asserter = *aAsserter
		}
		if assertedAt != nil {
			a.AssertedAt = *assertedAt
		}
		if expiresAt != nil {
			a.ExpiresAt = *expiresAt
		}
		m.Assertion = a
	}
	return m, nil
}

// queryMarkets runs a markets query selecting marketSelectCols.
func queryMarkets(ctx context.Context, db querier, query string, args ...any) ([]domain.Market, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}
