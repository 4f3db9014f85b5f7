package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// SnapshotSource builds market snapshots from authoritative state.
type SnapshotSource interface {
	Snapshot(marketID uint64) (domain.MarketSnapshot, error)
}

// batchSnapshotCache is implemented by caches that can fetch many
// snapshots in one round trip.
type batchSnapshotCache interface {
	GetSnapshots(ctx context.Context, ids []uint64) (map[uint64]domain.MarketSnapshot, error)
}

// MarketService serves market snapshots, checking the cache first and
// falling back to the engine on a miss.
type MarketService struct {
	source SnapshotSource
	cache  domain.SnapshotCache
	logger *slog.Logger
}

// NewMarketService creates a MarketService. cache may be nil.
func NewMarketService(source SnapshotSource, cache domain.SnapshotCache, logger *slog.Logger) *MarketService {
	return &MarketService{
		source: source,
		cache:  cache,
		logger: logger,
	}
}

// GetSnapshot returns the snapshot for one market.
func (s *MarketService) GetSnapshot(ctx context.Context, id uint64) (domain.MarketSnapshot, error) {
	if s.cache != nil {
		if snap, err := s.cache.GetSnapshot(ctx, id); err == nil {
			return snap, nil
		}
	}

	snap, err := s.source.Snapshot(id)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("market_service: snapshot %d: %w", id, err)
	}
	s.backfill(ctx, snap)
	return snap, nil
}

// GetSnapshots returns snapshots for ids in order. Unknown ids fail the
// whole call.
func (s *MarketService) GetSnapshots(ctx context.Context, ids []uint64) ([]domain.MarketSnapshot, error) {
	var cached map[uint64]domain.MarketSnapshot
	if bc, ok := s.cache.(batchSnapshotCache); ok && len(ids) > 0 {
		var err error
		cached, err = bc.GetSnapshots(ctx, ids)
		if err != nil {
			s.logger.WarnContext(ctx, "market_service: batch cache read failed",
				slog.String("error", err.Error()),
			)
		}
	}

	out := make([]domain.MarketSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := cached[id]; ok {
			out = append(out, snap)
			continue
		}
		snap, err := s.source.Snapshot(id)
		if err != nil {
			return nil, fmt.Errorf("market_service: snapshot %d: %w", id, err)
		}
		s.backfill(ctx, snap)
		out = append(out, snap)
	}
	return out, nil
}

// Refresh rebuilds the cached snapshot of a market from the engine.
func (s *MarketService) Refresh(ctx context.Context, id uint64) error {
	snap, err := s.source.Snapshot(id)
	if err != nil {
		return fmt.Errorf("market_service: refresh %d: %w", id, err)
	}
	if s.cache == nil {
		return nil
	}
	if err := s.cache.SetSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("market_service: refresh %d: %w", id, err)
	}
	return nil
}

func (s *MarketService) backfill(ctx context.Context, snap domain.MarketSnapshot) {
	if s.cache == nil {
		return
	}
	// Non-fatal: the next mutation overwrites the entry anyway.
	if err := s.cache.SetSnapshot(ctx, snap); err != nil {
		s.logger.WarnContext(ctx, "market_service: cache set failed",
			slog.Uint64("market_id", snap.ID),
			slog.String("error", err.Error()),
		)
	}
}
