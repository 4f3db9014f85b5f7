package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// AssertOutcome submits a claim that claimedOutcome won to the oracle and
// moves the market to AssertionPending. The market must have ended.
func (e *Engine) AssertOutcome(ctx context.Context, caller string, marketID uint64, claimedOutcome int) (domain.Assertion, error) {
	const op = "assert outcome"
	asserter, err := domain.NormalizeAddress(caller)
	if err != nil {
		return domain.Assertion{}, fmt.Errorf("engine: %s: %w", op, err)
	}
	slot, err := e.slot(marketID)
	if err != nil {
		return domain.Assertion{}, fmt.Errorf("engine: %s: %w", op, err)
	}
	ctx, unlock, err := slot.lock.acquire(ctx)
	if err != nil {
		return domain.Assertion{}, fmt.Errorf("engine: %s: %w", op, err)
	}
	defer unlock()

	cur := slot.market()
	now := e.now().UTC()
	switch cur.State(now) {
	case domain.MarketStateOpen:
		return domain.Assertion{}, fmt.Errorf("engine: %s: market %d ends at %s: %w",
			op, marketID, cur.EndTime.Format(time.RFC3339), domain.ErrMarketNotEnded)
	case domain.MarketStateAssertionPending, domain.MarketStateDisputed:
		return domain.Assertion{}, fmt.Errorf("engine: %s: %w", op, domain.ErrAssertionPending)
	case domain.MarketStateResolved:
		return domain.Assertion{}, fmt.Errorf("engine: %s: %w", op, domain.ErrAlreadyResolved)
	}
	if !cur.ValidOutcome(claimedOutcome) {
		return domain.Assertion{}, fmt.Errorf("engine: %s: %w", op, domain.ErrInvalidOutcome)
	}

	id, err := e.oracle.Assert(ctx, domain.Claim{
		MarketID:    marketID,
		Question:    cur.Question,
		Outcome:     claimedOutcome,
		OutcomeName: cur.Outcomes[claimedOutcome],
		Asserter:    asserter,
		AssertedAt:  now,
	})
	if err != nil {
		return domain.Assertion{}, fmt.Errorf("engine: %s: oracle: %w", op, err)
	}

	a := domain.Assertion{
		ID:             id,
		ClaimedOutcome: claimedOutcome,
		Asserter:       asserter,
		AssertedAt:     now,
		ExpiresAt:      now.Add(e.cfg.Liveness),
	}
	next := cur.Clone()
	next.Status = domain.MarketStatusAssertionPending
	next.Assertion = &a
	next.UpdatedAt = now

	c := change{market: next, audit: &domain.AuditEntry{
		Event:     "outcome_asserted",
		Actor:     asserter,
		MarketID:  &next.ID,
		Detail:    map[string]any{"assertion_id": id, "outcome": claimedOutcome},
		CreatedAt: now,
	}}
	if err := e.commit(ctx, c); err != nil {
		e.logger.ErrorContext(ctx, "engine: assertion registered with oracle but not recorded",
			slog.Uint64("market_id", marketID),
			slog.String("assertion_id", id),
			slog.String("error", err.Error()),
		)
		return domain.Assertion{}, fmt.Errorf("engine: %s: %w", op, err)
	}
	slot.publish(next, nil)

	e.logger.InfoContext(ctx, "engine: outcome asserted",
		slog.Uint64("market_id", marketID),
		slog.String("assertion_id", id),
		slog.Int("outcome", claimedOutcome),
		slog.Time("expires_at", a.ExpiresAt),
	)
	e.announce(ctx, next, domain.Event{
		Type:     domain.EventOutcomeAsserted,
		MarketID: marketID,
		User:     asserter,
		Data: map[string]any{
			"assertion_id": id,
			"outcome":      claimedOutcome,
			"expires_at":   a.ExpiresAt,
		},
		At: now,
	})
	return a, nil
}

// SettleOutcome finalizes a pending assertion. Anyone may call it. It
// returns the market state after the call; a rejected assertion commits
// the return to Ended and reports ErrAssertionRejected.
func (e *Engine) SettleOutcome(ctx context.Context, marketID uint64) (domain.MarketState, error) {
	const op = "settle outcome"
	slot, err := e.slot(marketID)
	if err != nil {
		return "", fmt.Errorf("engine: %s: %w", op, err)
	}
	ctx, unlock, err := slot.lock.acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("engine: %s: %w", op, err)
	}
	defer unlock()

	cur := slot.market()
	now := e.now().UTC()
	state := cur.State(now)
	switch state {
	case domain.MarketStateResolved:
		return state, fmt.Errorf("engine: %s: %w", op, domain.ErrAlreadyResolved)
	case domain.MarketStateOpen:
		return state, fmt.Errorf("engine: %s: %w", op, domain.ErrMarketNotEnded)
	case domain.MarketStateEnded:
		return state, fmt.Errorf("engine: %s: %w", op, domain.ErrNoAssertion)
	}
	a := cur.Assertion
	if !a.Disputed && now.Before(a.ExpiresAt) {
		return state, fmt.Errorf("engine: %s: expires at %s: %w",
			op, a.ExpiresAt.Format(time.RFC3339), domain.ErrLivenessNotElapsed)
	}

	status, err := e.oracle.IsFinalized(ctx, a.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// The oracle lost the assertion, e.g. an in-process oracle that
		// restarted. Reopen the market so the outcome can be asserted again.
		return e.reject(ctx, slot, cur, "unknown to oracle", -1, now)
	case err != nil:
		return state, fmt.Errorf("engine: %s: oracle: %w", op, err)
	}

	switch {
	case status.Finalized && status.Outcome == a.ClaimedOutcome:
		return e.resolve(ctx, slot, cur, now)
	case status.Finalized:
		return e.reject(ctx, slot, cur, "oracle disagrees", status.Outcome, now)
	case status.Disputed:
		if !a.Disputed {
			if err := e.markDisputed(ctx, slot, cur, now); err != nil {
				return state, fmt.Errorf("engine: %s: %w", op, err)
			}
			state = domain.MarketStateDisputed
		}
		return state, fmt.Errorf("engine: %s: %w", op, domain.ErrDisputePending)
	default:
		return state, fmt.Errorf("engine: %s: oracle not final: %w", op, domain.ErrLivenessNotElapsed)
	}
}

func (e *Engine) resolve(ctx context.Context, slot *marketSlot, cur *domain.Market, now time.Time) (domain.MarketState, error) {
	next := cur.Clone()
	next.Status = domain.MarketStatusResolved
	next.WinningOutcome = cur.Assertion.ClaimedOutcome
	next.ResolvedAt = &now
	next.UpdatedAt = now
	if err := checkSolvency(next); err != nil {
		return cur.State(now), e.fail(ctx, "settle outcome", cur.ID, err)
	}

	c := change{market: next, audit: &domain.AuditEntry{
		Event:    "market_resolved",
		MarketID: &next.ID,
		Detail: map[string]any{
			"assertion_id":    cur.Assertion.ID,
			"winning_outcome": next.WinningOutcome,
		},
		CreatedAt: now,
	}}
	if err := e.commit(ctx, c); err != nil {
		return cur.State(now), fmt.Errorf("engine: settle outcome: %w", err)
	}
	slot.publish(next, nil)

	e.logger.InfoContext(ctx, "engine: market resolved",
		slog.Uint64("market_id", next.ID),
		slog.Int("winning_outcome", next.WinningOutcome),
	)
	e.announce(ctx, next, domain.Event{
		Type:     domain.EventMarketResolved,
		MarketID: next.ID,
		Data: map[string]any{
			"winning_outcome": next.WinningOutcome,
			"outcome_name":    next.Outcomes[next.WinningOutcome],
		},
		At: now,
	})
	return domain.MarketStateResolved, nil
}

func (e *Engine) reject(ctx context.Context, slot *marketSlot, cur *domain.Market, reason string, oracleOutcome int, now time.Time) (domain.MarketState, error) {
	next := cur.Clone()
	next.Status = domain.MarketStatusActive
	next.Assertion = nil
	next.UpdatedAt = now

	c := change{market: next, audit: &domain.AuditEntry{
		Event:    "assertion_rejected",
		MarketID: &next.ID,
		Detail: map[string]any{
			"assertion_id":   cur.Assertion.ID,
			"claimed":        cur.Assertion.ClaimedOutcome,
			"oracle_outcome": oracleOutcome,
			"reason":         reason,
		},
		CreatedAt: now,
	}}
	if err := e.commit(ctx, c); err != nil {
		return cur.State(now), fmt.Errorf("engine: settle outcome: %w", err)
	}
	slot.publish(next, nil)

	e.logger.WarnContext(ctx, "engine: assertion rejected",
		slog.Uint64("market_id", next.ID),
		slog.String("assertion_id", cur.Assertion.ID),
		slog.Int("claimed", cur.Assertion.ClaimedOutcome),
		slog.String("reason", reason),
	)
	e.announce(ctx, next, domain.Event{
		Type:     domain.EventAssertionRejected,
		MarketID: next.ID,
		Data: map[string]any{
			"assertion_id": cur.Assertion.ID,
			"claimed":      cur.Assertion.ClaimedOutcome,
			"reason":       reason,
		},
		At: now,
	})
	return next.State(now), fmt.Errorf("engine: settle outcome: %w", domain.ErrAssertionRejected)
}

func (e *Engine) markDisputed(ctx context.Context, slot *marketSlot, cur *domain.Market, now time.Time) error {
	next := cur.Clone()
	next.Status = domain.MarketStatusDisputed
	next.Assertion.Disputed = true
	next.UpdatedAt = now

	c := change{market: next, audit: &domain.AuditEntry{
		Event:     "assertion_disputed",
		MarketID:  &next.ID,
		Detail:    map[string]any{"assertion_id": next.Assertion.ID},
		CreatedAt: now,
	}}
	if err := e.commit(ctx, c); err != nil {
		return err
	}
	slot.publish(next, nil)

	e.logger.WarnContext(ctx, "engine: assertion disputed",
		slog.Uint64("market_id", next.ID),
		slog.String("assertion_id", next.Assertion.ID),
	)
	e.announce(ctx, next, domain.Event{
		Type:     domain.EventAssertionDisputed,
		MarketID: next.ID,
		Data:     map[string]any{"assertion_id": next.Assertion.ID},
		At:       now,
	})
	return nil
}

// Redeem pays caller one unit of collateral per winning share and burns
// the shares.
func (e *Engine) Redeem(ctx context.Context, caller string, marketID uint64) (*uint256.Int, error) {
	const op = "redeem"
	user, err := domain.NormalizeAddress(caller)
	if err != nil {
		return nil, fmt.Errorf("engine: %s: %w", op, err)
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
	if !cur.Resolved() {
		return nil, fmt.Errorf("engine: %s: %w", op, domain.ErrMarketNotResolved)
	}
	w := cur.WinningOutcome
	prevPos := slot.position(user, len(cur.Outcomes))
	payout := new(uint256.Int).Set(&prevPos[w])
	if payout.IsZero() {
		return nil, fmt.Errorf("engine: %s: %w", op, domain.ErrNothingToRedeem)
	}

	now := e.now().UTC()
	next := cur.Clone()
	if err := subFrom(&next.Pool, payout, domain.ErrInsufficientPoolBalance); err != nil {
		return nil, e.fail(ctx, op, marketID, err)
	}
	if err := subFrom(&next.Q[w], payout, domain.ErrInvariantViolation); err != nil {
		return nil, e.fail(ctx, op, marketID, err)
	}
	next.UpdatedAt = now
	if err := checkSolvency(next); err != nil {
		return nil, e.fail(ctx, op, marketID, err)
	}

	pos := append([]uint256.Int(nil), prevPos...)
	pos[w].Clear()

	trade := newTrade(next, user, domain.TradeKindRedeem, w, now)
	trade.Shares = *payout
	trade.Amount = *payout
	trade.PriceAfter = *wad.One

	c := change{market: next, user: user, position: pos, outcomes: []int{w}, trade: &trade}
	if err := e.commit(ctx, c); err != nil {
		return nil, fmt.Errorf("engine: %s: %w", op, err)
	}
	slot.publish(next, map[string][]uint256.Int{user: pos})
	e.announce(ctx, next, domain.Event{
		Type:     domain.EventRedeemed,
		MarketID: marketID,
		User:     user,
		Data:     map[string]any{"amount": wad.Format(payout), "outcome": w},
		At:       now,
	})

	if err := e.payOut(ctx, slot, c, cur, prevPos, user, payout); err != nil {
		return nil, e.fail(ctx, op, marketID, err)
	}

	e.logger.InfoContext(ctx, "engine: redeemed",
		slog.Uint64("market_id", marketID),
		slog.String("user", user),
		slog.String("amount", wad.Format(payout)),
	)
	return payout, nil
}

// ReclaimSurplus pays the collateral left after every winning share is
// covered, Pool - Q[winning], to the market creator. The creator or an
// operator may trigger it.
func (e *Engine) ReclaimSurplus(ctx context.Context, caller string, marketID uint64) (*uint256.Int, error) {
	const op = "reclaim surplus"
	actor, err := domain.NormalizeAddress(caller)
	if err != nil {
		return nil, fmt.Errorf("engine: %s: %w", op, err)
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
	if _, isOp := e.operators[actor]; actor != cur.Creator && !isOp {
		return nil, fmt.Errorf("engine: %s: %w", op, domain.ErrUnauthorized)
	}
	if !cur.Resolved() {
		return nil, fmt.Errorf("engine: %s: %w", op, domain.ErrMarketNotResolved)
	}
	if err := checkSolvency(cur); err != nil {
		return nil, e.fail(ctx, op, marketID, err)
	}
	surplus := new(uint256.Int).Sub(&cur.Pool, &cur.Q[cur.WinningOutcome])
	if surplus.IsZero() {
		return nil, fmt.Errorf("engine: %s: %w", op, domain.ErrNothingToWithdraw)
	}

	now := e.now().UTC()
	next := cur.Clone()
	next.Pool = cur.Q[cur.WinningOutcome]
	next.UpdatedAt = now

	trade := newTrade(next, cur.Creator, domain.TradeKindSurplusReclaim, -1, now)
	trade.Amount = *surplus
	c := change{market: next, trade: &trade, audit: &domain.AuditEntry{
		Event:     "surplus_reclaimed",
		Actor:     actor,
		MarketID:  &next.ID,
		Detail:    map[string]any{"amount": surplus.Dec(), "to": cur.Creator},
		CreatedAt: now,
	}}
	if err := e.commit(ctx, c); err != nil {
		return nil, fmt.Errorf("engine: %s: %w", op, err)
	}
	slot.publish(next, nil)
	e.announce(ctx, next, domain.Event{
		Type:     domain.EventFeesWithdrawn,
		MarketID: marketID,
		User:     cur.Creator,
		Data:     map[string]any{"kind": domain.TradeKindSurplusReclaim, "amount": wad.Format(surplus)},
		At:       now,
	})

	if err := e.payOut(ctx, slot, c, cur, nil, cur.Creator, surplus); err != nil {
		return nil, e.fail(ctx, op, marketID, err)
	}
	e.logger.InfoContext(ctx, "engine: surplus reclaimed",
		slog.Uint64("market_id", marketID),
		slog.String("to", cur.Creator),
		slog.String("amount", wad.Format(surplus)),
	)
	return surplus, nil
}

// PendingSettlements lists markets a settlement attempt could advance at
// now: pending assertions past their liveness and disputed ones.
func (e *Engine) PendingSettlements(now time.Time) []uint64 {
	var ids []uint64
	for _, s := range e.allSlots() {
		m := s.market()
		switch m.State(now) {
		case domain.MarketStateDisputed:
			ids = append(ids, m.ID)
		case domain.MarketStateAssertionPending:
			if !now.Before(m.Assertion.ExpiresAt) {
				ids = append(ids, m.ID)
			}
		}
	}
	return ids
}
