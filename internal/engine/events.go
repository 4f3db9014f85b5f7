package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

func channelFor(t domain.EventType) string {
	switch t {
	case domain.EventTrade, domain.EventRedeemed:
		return domain.ChannelTrades
	case domain.EventOutcomeAsserted, domain.EventAssertionDisputed,
		domain.EventAssertionRejected, domain.EventMarketResolved:
		return domain.ChannelResolutions
	case domain.EventFeesWithdrawn, domain.EventLiquidityRescaled,
		domain.EventSettingsChanged, domain.EventMarketMigrated:
		return domain.ChannelAdmin
	default:
		return domain.ChannelMarkets
	}
}

// announce publishes ev and refreshes the cached snapshot of m. Both are
// best effort: the ledger is already committed. The caller usually holds
// the market lock, so the whole call is bounded by PublishTimeout.
func (e *Engine) announce(ctx context.Context, m *domain.Market, ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PublishTimeout)
	defer cancel()

	if m != nil && e.cache != nil {
		snap, err := e.snapshotOf(m)
		if err == nil {
			err = e.cache.SetSnapshot(ctx, snap)
		}
		if err != nil {
			e.logger.WarnContext(ctx, "engine: snapshot cache update failed",
				slog.Uint64("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.WarnContext(ctx, "engine: marshal event failed",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := e.bus.Publish(ctx, channelFor(ev.Type), payload); err != nil {
		e.logger.WarnContext(ctx, "engine: publish event failed",
			slog.String("event", string(ev.Type)),
			slog.Uint64("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
	}
	if err := e.bus.StreamAppend(ctx, domain.StreamLedger, payload); err != nil {
		e.logger.WarnContext(ctx, "engine: stream append failed",
			slog.String("event", string(ev.Type)),
			slog.Uint64("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
	}
}
