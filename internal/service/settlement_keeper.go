package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/engine"
)

// Settler is what the keeper drives: the engine of this process, or the
// API of the process that owns it.
type Settler interface {
	PendingSettlements(ctx context.Context, now time.Time) ([]uint64, error)
	SettleOutcome(ctx context.Context, marketID uint64) (domain.MarketState, error)
	VerifyInvariants(ctx context.Context) error
}

// InProcess adapts an engine owned by this process.
func InProcess(eng *engine.Engine) Settler {
	return inProcess{eng}
}

type inProcess struct {
	*engine.Engine
}

func (p inProcess) PendingSettlements(_ context.Context, now time.Time) ([]uint64, error) {
	return p.Engine.PendingSettlements(now), nil
}

// KeeperConfig tunes the settlement keeper.
type KeeperConfig struct {
	Interval time.Duration
	// VerifyEvery runs the ledger invariant check every n ticks; 0 disables it.
	VerifyEvery int
	LeaderKey   string
	LeaderTTL   time.Duration
}

// SettlementKeeper periodically settles assertions whose liveness elapsed.
// When a LockManager is configured only the instance holding the leader
// lock does work on a given tick.
type SettlementKeeper struct {
	engine  Settler
	locks   domain.LockManager
	alerter domain.Alerter
	cfg     KeeperConfig
	now     func() time.Time
	logger  *slog.Logger
	ticks   int
}

// NewSettlementKeeper creates a SettlementKeeper. locks and alerter may be
// nil.
func NewSettlementKeeper(
	engine Settler,
	locks domain.LockManager,
	alerter domain.Alerter,
	cfg KeeperConfig,
	logger *slog.Logger,
) *SettlementKeeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.LeaderKey == "" {
		cfg.LeaderKey = "keeper:leader"
	}
	if cfg.LeaderTTL <= 0 {
		cfg.LeaderTTL = 2 * cfg.Interval
	}
	return &SettlementKeeper{
		engine:  engine,
		locks:   locks,
		alerter: alerter,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "keeper")),
	}
}

// Run settles pending markets on every tick until ctx is cancelled.
func (k *SettlementKeeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := k.Tick(ctx); err != nil && ctx.Err() == nil {
				k.logger.ErrorContext(ctx, "keeper: tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick runs one keeper pass and returns the number of markets resolved.
func (k *SettlementKeeper) Tick(ctx context.Context) (int, error) {
	if k.locks != nil {
		unlock, err := k.locks.Acquire(ctx, k.cfg.LeaderKey, k.cfg.LeaderTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				k.logger.DebugContext(ctx, "keeper: not leader, skipping tick")
				return 0, nil
			}
			return 0, err
		}
		defer unlock()
	}
	k.ticks++

	resolved, err := k.settlePending(ctx)
	if err != nil {
		return 0, err
	}

	if k.cfg.VerifyEvery > 0 && k.ticks%k.cfg.VerifyEvery == 0 {
		err := k.engine.VerifyInvariants(ctx)
		switch {
		case errors.Is(err, domain.ErrInvariantViolation):
			k.logger.ErrorContext(ctx, "keeper: ledger invariants violated", slog.String("error", err.Error()))
			if k.alerter != nil {
				k.alerter.Critical(ctx, "invariant_violation", map[string]any{"error": err.Error()})
			}
			return resolved, err
		case err != nil:
			return resolved, fmt.Errorf("keeper: verify invariants: %w", err)
		}
	}
	return resolved, nil
}

func (k *SettlementKeeper) settlePending(ctx context.Context) (int, error) {
	pending, err := k.engine.PendingSettlements(ctx, k.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("keeper: list pending: %w", err)
	}
	resolved := 0
	for _, id := range pending {
		if ctx.Err() != nil {
			break
		}
		state, err := k.engine.SettleOutcome(ctx, id)
		switch {
		case err == nil:
			resolved++
			k.logger.InfoContext(ctx, "keeper: market settled",
				slog.Uint64("market_id", id),
				slog.String("state", string(state)),
			)
		case errors.Is(err, domain.ErrLivenessNotElapsed), errors.Is(err, domain.ErrDisputePending):
			k.logger.DebugContext(ctx, "keeper: settlement not ready",
				slog.Uint64("market_id", id),
				slog.String("reason", err.Error()),
			)
		case errors.Is(err, domain.ErrAssertionRejected):
			k.logger.InfoContext(ctx, "keeper: assertion rejected, market reopened for assertion",
				slog.Uint64("market_id", id),
			)
		case errors.Is(err, domain.ErrAlreadyResolved):
		default:
			k.logger.WarnContext(ctx, "keeper: settle failed",
				slog.Uint64("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return resolved, nil
}
