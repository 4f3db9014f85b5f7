package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// SnapshotCache implements domain.SnapshotCache with an expiring LRU.
type SnapshotCache struct {
	lru *expirable.LRU[uint64, domain.MarketSnapshot]
}

// NewSnapshotCache holds up to size snapshots for ttl each.
func NewSnapshotCache(size int, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{lru: expirable.NewLRU[uint64, domain.MarketSnapshot](size, nil, ttl)}
}

func (c *SnapshotCache) SetSnapshot(_ context.Context, snap domain.MarketSnapshot) error {
	c.lru.Add(snap.ID, snap)
	return nil
}

func (c *SnapshotCache) GetSnapshot(_ context.Context, marketID uint64) (domain.MarketSnapshot, error) {
	snap, ok := c.lru.Get(marketID)
	if !ok {
		return domain.MarketSnapshot{}, fmt.Errorf("memory: snapshot %d: %w", marketID, domain.ErrNotFound)
	}
	return snap, nil
}

func (c *SnapshotCache) Invalidate(_ context.Context, marketID uint64) error {
	c.lru.Remove(marketID)
	return nil
}

var _ domain.SnapshotCache = (*SnapshotCache)(nil)
