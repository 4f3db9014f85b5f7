package domain

import (
	"context"
	"time"
)

// MarketSnapshot is a denormalized read view of a market, published to
// the cache after every committed mutation. Amounts are decimal strings.
type MarketSnapshot struct {
	ID         uint64      `json:"id"`
	State      MarketState `json:"state"`
	Outcomes   []string    `json:"outcomes"`
	Prices     []string    `json:"prices"`
	Shares     []string    `json:"shares"`
	Pool       string      `json:"pool"`
	Volume     string      `json:"volume"`
	TradeCount uint64      `json:"trade_count"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// SnapshotCache stores the latest snapshot per market.
type SnapshotCache interface {
	SetSnapshot(ctx context.Context, snap MarketSnapshot) error
	GetSnapshot(ctx context.Context, marketID uint64) (MarketSnapshot, error)
	Invalidate(ctx context.Context, marketID uint64) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
