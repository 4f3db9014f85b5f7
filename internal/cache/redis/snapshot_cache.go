package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// SnapshotCache implements domain.SnapshotCache. Each market lives in a
// hash at snapshot:{id} with the JSON view under "data" and the update
// time under "ts" (Unix nanoseconds). Entries expire after ttl so a
// stopped engine does not leave stale prices behind forever.
type SnapshotCache struct {
	c   *Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache. A zero ttl keeps entries until
// they are overwritten or invalidated.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{c: c, ttl: ttl}
}

func (sc *SnapshotCache) snapshotKey(id uint64) string {
	return sc.c.key("snapshot", strconv.FormatUint(id, 10))
}

// SetSnapshot stores snap, replacing any older entry.
func (sc *SnapshotCache) SetSnapshot(ctx context.Context, snap domain.MarketSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %d: %w", snap.ID, err)
	}
	key := sc.snapshotKey(snap.ID)

	pipe := sc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data, "ts", strconv.FormatInt(snap.UpdatedAt.UnixNano(), 10))
	if sc.ttl > 0 {
		pipe.Expire(ctx, key, sc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set snapshot %d: %w", snap.ID, err)
	}
	return nil
}

// GetSnapshot returns the cached snapshot or domain.ErrNotFound.
func (sc *SnapshotCache) GetSnapshot(ctx context.Context, marketID uint64) (domain.MarketSnapshot, error) {
	data, err := sc.c.rdb.HGet(ctx, sc.snapshotKey(marketID), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketSnapshot{}, domain.ErrNotFound
		}
		return domain.MarketSnapshot{}, fmt.Errorf("redis: get snapshot %d: %w", marketID, err)
	}
	var snap domain.MarketSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("redis: unmarshal snapshot %d: %w", marketID, err)
	}
	return snap, nil
}

// GetSnapshots fetches several markets in one round trip. Missing or
// unreadable entries are omitted from the result.
func (sc *SnapshotCache) GetSnapshots(ctx context.Context, ids []uint64) (map[uint64]domain.MarketSnapshot, error) {
	out := make(map[uint64]domain.MarketSnapshot, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	pipe := sc.c.rdb.Pipeline()
	cmds := make(map[uint64]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.HGet(ctx, sc.snapshotKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get snapshots: %w", err)
	}

	for id, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var snap domain.MarketSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		out[id] = snap
	}
	return out, nil
}

// Invalidate removes a market's entry.
func (sc *SnapshotCache) Invalidate(ctx context.Context, marketID uint64) error {
	if err := sc.c.rdb.Del(ctx, sc.snapshotKey(marketID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate snapshot %d: %w", marketID, err)
	}
	return nil
}

var _ domain.SnapshotCache = (*SnapshotCache)(nil)
