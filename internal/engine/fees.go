package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/lmsr"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// SetMarketFee overrides the fee of one market. A nil bps reverts the
// market to the protocol fee.
func (e *Engine) SetMarketFee(ctx context.Context, caller string, marketID uint64, bps *uint32) error {
	const op = "set market fee"
	actor, err := e.requireOperator(caller)
	if err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	if bps != nil && *bps > wad.BpsBase {
		return fmt.Errorf("engine: %s: %w", op, invalidParams("fee %d bps above %d", *bps, wad.BpsBase))
	}
	slot, err := e.slot(marketID)
	if err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	ctx, unlock, err := slot.lock.acquire(ctx)
	if err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	defer unlock()

	cur := slot.market()
	if cur.Resolved() {
		return fmt.Errorf("engine: %s: %w", op, domain.ErrAlreadyResolved)
	}
	now := e.now().UTC()
	next := cur.Clone()
	next.FeeBps = nil
	detail := map[string]any{"old_bps": cur.EffectiveFeeBps(e.settings.Load().ProtocolFeeBps)}
	if bps != nil {
		v := *bps
		next.FeeBps = &v
		detail["new_bps"] = v
	}
	next.UpdatedAt = now

	c := change{market: next, audit: &domain.AuditEntry{
		Event:     "market_fee_changed",
		Actor:     actor,
		MarketID:  &next.ID,
		Detail:    detail,
		CreatedAt: now,
	}}
	if err := e.commit(ctx, c); err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	slot.publish(next, nil)
	e.announce(ctx, next, domain.Event{
		Type:     domain.EventSettingsChanged,
		MarketID: marketID,
		User:     actor,
		Data:     detail,
		At:       now,
	})
	return nil
}

// WithdrawFees pays every accrued fee of a market to to.
func (e *Engine) WithdrawFees(ctx context.Context, caller string, marketID uint64, to string) (*uint256.Int, error) {
	const op = "withdraw fees"
	actor, err := e.requireOperator(caller)
	if err != nil {
		return nil, fmt.Errorf("engine: %s: %w", op, err)
	}
	recipient, err := domain.NormalizeAddress(to)
	if err != nil {
		return nil, fmt.Errorf("engine: %s: recipient: %w", op, err)
	}
	slot, err := e.slot(marketID)
	if err != nil {
		return nil, fmt.Errorf("engine: %s: %w", op, err)
	}
	ctx, unlock, err := slot.lock.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: %s: %w", op, err)
	}
	defer unlock()

	cur := slot.market()
	amount := new(uint256.Int).Set(&cur.Fees)
	if amount.IsZero() {
		return nil, fmt.Errorf("engine: %s: %w", op, domain.ErrNothingToWithdraw)
	}

	now := e.now().UTC()
	next := cur.Clone()
	next.Fees.Clear()
	if err := addTo(&next.FeesWithdrawn, amount); err != nil {
		return nil, e.fail(ctx, op, marketID, err)
	}
	next.UpdatedAt = now

	trade := newTrade(next, recipient, domain.TradeKindFeeWithdrawal, -1, now)
	trade.Amount = *amount
	c := change{market: next, trade: &trade, audit: &domain.AuditEntry{
		Event:     "fees_withdrawn",
		Actor:     actor,
		MarketID:  &next.ID,
		Detail:    map[string]any{"amount": amount.Dec(), "to": recipient},
		CreatedAt: now,
	}}
	if err := e.commit(ctx, c); err != nil {
		return nil, fmt.Errorf("engine: %s: %w", op, err)
	}
	slot.publish(next, nil)
	e.announce(ctx, next, domain.Event{
		Type:     domain.EventFeesWithdrawn,
		MarketID: marketID,
		User:     recipient,
		Data:     map[string]any{"amount": wad.Format(amount)},
		At:       now,
	})

	if err := e.payOut(ctx, slot, c, cur, nil, recipient, amount); err != nil {
		return nil, e.fail(ctx, op, marketID, err)
	}
	e.logger.InfoContext(ctx, "engine: fees withdrawn",
		slog.Uint64("market_id", marketID),
		slog.String("to", recipient),
		slog.String("amount", wad.Format(amount)),
	)
	return amount, nil
}

// RescaleLiquidity replaces the liquidity parameter of a market once.
// Markets with trading activity are refused unless override is set, and
// the pool must cover the cost of the current quantities on the new curve.
// The change and its audit entry commit together.
func (e *Engine) RescaleLiquidity(ctx context.Context, caller string, marketID uint64, newB *uint256.Int, override bool) error {
	const op = "rescale liquidity"
	actor, err := e.requireOperator(caller)
	if err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	if newB == nil || newB.IsZero() {
		return fmt.Errorf("engine: %s: %w", op, invalidParams("liquidity must be positive"))
	}
	if newB.Lt(e.cfg.MinLiquidity) || newB.Gt(e.cfg.MaxLiquidity) {
		return fmt.Errorf("engine: %s: %w", op, invalidParams("liquidity %s outside [%s, %s]",
			wad.Format(newB), wad.Format(e.cfg.MinLiquidity), wad.Format(e.cfg.MaxLiquidity)))
	}
	slot, err := e.slot(marketID)
	if err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	ctx, unlock, err := slot.lock.acquire(ctx)
	if err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	defer unlock()

	cur := slot.market()
	switch {
	case cur.Resolved():
		return fmt.Errorf("engine: %s: %w", op, domain.ErrAlreadyResolved)
	case cur.Rescaled:
		return fmt.Errorf("engine: %s: %w", op, domain.ErrRescaleAlreadyApplied)
	case cur.HasActivity() && !override:
		return fmt.Errorf("engine: %s: %w", op, domain.ErrRescaleNotAllowed)
	}

	cost, err := lmsr.Cost(cur.Q, newB)
	if err != nil {
		return e.fail(ctx, op, marketID, err)
	}
	if cur.Pool.Lt(cost) {
		return fmt.Errorf("engine: %s: %w", op,
			invalidParams("pool %s cannot cover %s on the new curve", wad.Format(&cur.Pool), wad.Format(cost)))
	}

	now := e.now().UTC()
	next := cur.Clone()
	next.B = *newB
	next.Rescaled = true
	next.UpdatedAt = now
	if err := checkSolvency(next); err != nil {
		return e.fail(ctx, op, marketID, err)
	}

	detail := map[string]any{
		"old_b":    cur.B.Dec(),
		"new_b":    newB.Dec(),
		"override": override,
		"traded":   cur.HasActivity(),
	}
	c := change{market: next, audit: &domain.AuditEntry{
		Event:     "liquidity_rescaled",
		Actor:     actor,
		MarketID:  &next.ID,
		Detail:    detail,
		CreatedAt: now,
	}}
	if err := e.commit(ctx, c); err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	slot.publish(next, nil)

	e.logger.WarnContext(ctx, "engine: liquidity rescaled",
		slog.Uint64("market_id", marketID),
		slog.String("actor", actor),
		slog.String("old_b", wad.Format(&cur.B)),
		slog.String("new_b", wad.Format(newB)),
		slog.Bool("override", override),
	)
	e.announce(ctx, next, domain.Event{
		Type:     domain.EventLiquidityRescaled,
		MarketID: marketID,
		User:     actor,
		Data:     detail,
		At:       now,
	})
	return nil
}
