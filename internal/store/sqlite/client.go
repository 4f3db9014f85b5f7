// Package sqlite implements the ledger store interfaces on SQLite through
// the pure Go modernc driver. It backs single-node deployments and tests.
//
// Amounts are stored as decimal TEXT, quantity vectors and outcome lists
// as JSON arrays, and timestamps as RFC 3339 text in UTC.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    id                   INTEGER PRIMARY KEY,
    schema_version       INTEGER NOT NULL,
    question             TEXT    NOT NULL,
    outcomes             TEXT    NOT NULL,
    b                    TEXT    NOT NULL,
    end_time             TEXT    NOT NULL,
    creator              TEXT    NOT NULL,
    subsidy              TEXT    NOT NULL,
    pool                 TEXT    NOT NULL,
    q                    TEXT    NOT NULL,
    fees                 TEXT    NOT NULL DEFAULT '0',
    fees_withdrawn       TEXT    NOT NULL DEFAULT '0',
    fee_bps              INTEGER,
    volume               TEXT    NOT NULL DEFAULT '0',
    trade_count          INTEGER NOT NULL DEFAULT 0,
    status               TEXT    NOT NULL,
    assertion_id         TEXT,
    assertion_outcome    INTEGER,
    assertion_asserter   TEXT,
    asserted_at          TEXT,
    assertion_expires_at TEXT,
    assertion_disputed   INTEGER NOT NULL DEFAULT 0,
    winning_outcome      INTEGER NOT NULL DEFAULT -1,
    resolved_at          TEXT,
    rescaled             INTEGER NOT NULL DEFAULT 0,
    asset_decimals       INTEGER NOT NULL DEFAULT 18,
    created_at           TEXT    NOT NULL,
    updated_at           TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    market_id  INTEGER NOT NULL REFERENCES markets(id),
    user_addr  TEXT    NOT NULL,
    outcome    INTEGER NOT NULL,
    shares     TEXT    NOT NULL,
    updated_at TEXT    NOT NULL,
    PRIMARY KEY (market_id, user_addr, outcome)
);

CREATE TABLE IF NOT EXISTS trades (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT    NOT NULL UNIQUE,
    market_id   INTEGER NOT NULL REFERENCES markets(id),
    user_addr   TEXT    NOT NULL,
    kind        TEXT    NOT NULL,
    outcome     INTEGER NOT NULL DEFAULT -1,
    shares      TEXT    NOT NULL DEFAULT '0',
    base        TEXT    NOT NULL DEFAULT '0',
    fee         TEXT    NOT NULL DEFAULT '0',
    amount      TEXT    NOT NULL DEFAULT '0',
    price_after TEXT    NOT NULL DEFAULT '0',
    ref_id      TEXT    NOT NULL DEFAULT '',
    created_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_market  ON trades(market_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_trades_user    ON trades(user_addr, seq DESC);
CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_at);

CREATE TABLE IF NOT EXISTS settings (
    id               INTEGER PRIMARY KEY CHECK (id = 1),
    protocol_fee_bps INTEGER NOT NULL,
    public_creation  INTEGER NOT NULL,
    gate_rules       TEXT    NOT NULL DEFAULT '[]',
    updated_at       TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT    NOT NULL,
    actor      TEXT    NOT NULL DEFAULT '',
    market_id  INTEGER,
    detail     TEXT,
    created_at TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`

// Client owns the database handle.
type Client struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string) (*Client, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// SQLite is single-writer; one connection also keeps a :memory:
	// database alive for the life of the handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{"PRAGMA foreign_keys = ON", "PRAGMA journal_mode = WAL", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: apply schema: %w", err)
		}
	}
	return &Client{db: db}, nil
}

// DB returns the underlying handle.
func (c *Client) DB() *sql.DB { return c.db }

// Ping checks the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database.
func (c *Client) Close() error {
	return c.db.Close()
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
