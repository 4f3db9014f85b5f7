package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// AuditStore implements domain.AuditStore on SQLite.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates an AuditStore on the given client.
func NewAuditStore(c *Client) *AuditStore {
	return &AuditStore{db: c.db}
}

func insertAudit(ctx context.Context, db execer, e domain.AuditEntry) error {
	var detail sql.NullString
	if e.Detail != nil {
		raw, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("sqlite: marshal audit detail: %w", err)
		}
		detail = sql.NullString{String: string(raw), Valid: true}
	}
	var marketID sql.NullInt64
	if e.MarketID != nil {
		marketID = sql.NullInt64{Int64: int64(*e.MarketID), Valid: true}
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	const query = `INSERT INTO audit_log (event, actor, market_id, detail, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, query, e.Event, e.Actor, marketID, detail, formatTime(createdAt)); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", e.Event, err)
	}
	return nil
}

// Log appends an audit entry with no actor or market.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	return insertAudit(ctx, s.db, domain.AuditEntry{Event: event, Detail: detail})
}

// List returns audit entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, actor, market_id, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, formatTime(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND created_at < ?"
		args = append(args, formatTime(*opts.Until))
	}
	query += " ORDER BY id DESC"
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
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e         domain.AuditEntry
			marketID  sql.NullInt64
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Event, &e.Actor, &marketID, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if marketID.Valid {
			v := uint64(marketID.Int64)
			e.MarketID = &v
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries rows: %w", err)
	}
	return entries, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
