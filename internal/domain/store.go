package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerStore persists the authoritative market ledger. The engine loads
// everything once at boot and afterwards only writes through LedgerTx.
type LedgerStore interface {
	LoadMarkets(ctx context.Context) ([]Market, error)
	LoadPositions(ctx context.Context) ([]Position, error)
	// LoadSettings returns ErrNotFound when settings were never saved.
	LoadSettings(ctx context.Context) (Settings, error)
	Begin(ctx context.Context) (LedgerTx, error)
}

// LedgerTx stages ledger writes that become visible together on Commit.
// Rollback after Commit is a no-op.
type LedgerTx interface {
	InsertMarket(ctx context.Context, m *Market) error
	UpdateMarket(ctx context.Context, m *Market) error
	UpsertPosition(ctx context.Context, p Position) error
	InsertTrade(ctx context.Context, t Trade) error
	SaveSettings(ctx context.Context, s Settings) error
	Audit(ctx context.Context, e AuditEntry) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TradeStore reads the trade journal.
type TradeStore interface {
	List(ctx context.Context, opts ListOpts) ([]Trade, error)
	ListByMarket(ctx context.Context, marketID uint64, opts ListOpts) ([]Trade, error)
	ListByUser(ctx context.Context, user string, opts ListOpts) ([]Trade, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Actor     string
	MarketID  *uint64
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
