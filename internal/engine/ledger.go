package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// change is one market mutation staged for commit.
type change struct {
	market    *domain.Market
	user      string
	position  []uint256.Int // full per-outcome position of user, nil if untouched
	outcomes  []int         // outcomes of position that changed
	trade     *domain.Trade
	audit     *domain.AuditEntry
	insertNew bool
}

// stage writes c into a new transaction. The caller owns the transaction.
func (e *Engine) stage(ctx context.Context, c change) (domain.LedgerTx, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	if err := e.write(ctx, tx, c); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			e.logger.WarnContext(ctx, "engine: rollback failed",
				slog.String("error", rbErr.Error()),
			)
		}
		return nil, err
	}
	return tx, nil
}

func (e *Engine) write(ctx context.Context, tx domain.LedgerTx, c change) error {
	if c.insertNew {
		if err := tx.InsertMarket(ctx, c.market); err != nil {
			return fmt.Errorf("insert market: %w", err)
		}
	} else if err := tx.UpdateMarket(ctx, c.market); err != nil {
		return fmt.Errorf("update market: %w", err)
	}
	for _, i := range c.outcomes {
		p := domain.Position{
			MarketID:  c.market.ID,
			User:      c.user,
			Outcome:   i,
			Shares:    c.position[i],
			UpdatedAt: c.market.UpdatedAt,
		}
		if err := tx.UpsertPosition(ctx, p); err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}
	}
	if c.trade != nil {
		if err := tx.InsertTrade(ctx, *c.trade); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
	}
	if c.audit != nil {
		if err := tx.Audit(ctx, *c.audit); err != nil {
			return fmt.Errorf("audit: %w", err)
		}
	}
	return nil
}

// commit stages and commits c with no collateral movement.
func (e *Engine) commit(ctx context.Context, c change) error {
	tx, err := e.stage(ctx, c)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// commitPayIn stages c, pulls amount from user and commits. A failed pull
// rolls the transaction back; a failed commit refunds the pull.
func (e *Engine) commitPayIn(ctx context.Context, c change, user string, amount *uint256.Int) error {
	tx, err := e.stage(ctx, c)
	if err != nil {
		return err
	}
	if err := e.pull(ctx, user, amount); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			e.logger.WarnContext(ctx, "engine: rollback failed",
				slog.String("error", rbErr.Error()),
			)
		}
		return fmt.Errorf("pull collateral: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		detail := map[string]any{
			"market_id": c.market.ID,
			"user":      user,
			"amount":    amount.Dec(),
			"error":     err.Error(),
		}
		if refundErr := e.push(context.WithoutCancel(ctx), user, amount); refundErr != nil {
			detail["refund_error"] = refundErr.Error()
		}
		e.logger.ErrorContext(ctx, "engine: commit failed after collateral pull",
			slog.Uint64("market_id", c.market.ID),
			slog.String("user", user),
			slog.String("error", err.Error()),
		)
		if e.alerter != nil {
			e.alerter.Critical(ctx, "commit_after_pull_failed", detail)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// payOut pushes amount to user after c was committed and published. When
// the push fails, prev is restored in a compensating transaction.
func (e *Engine) payOut(ctx context.Context, slot *marketSlot, c change, prev *domain.Market, prevPos []uint256.Int, user string, amount *uint256.Int) error {
	pushErr := e.push(ctx, user, amount)
	if pushErr == nil {
		return nil
	}

	restored := prev.Clone()
	restored.UpdatedAt = e.now().UTC()
	undo := change{market: restored, user: c.user, position: prevPos, outcomes: c.outcomes}
	if c.trade != nil {
		rev := *c.trade
		rev.ID = uuid.NewString()
		rev.Kind = domain.TradeKindReversal
		rev.RefID = c.trade.ID
		rev.CreatedAt = restored.UpdatedAt
		undo.trade = &rev
	}
	undo.audit = &domain.AuditEntry{
		Event:     "payout_reverted",
		Actor:     user,
		MarketID:  &restored.ID,
		Detail:    map[string]any{"amount": amount.Dec(), "error": pushErr.Error()},
		CreatedAt: restored.UpdatedAt,
	}

	if err := e.commit(ctx, undo); err != nil {
		e.logger.ErrorContext(ctx, "engine: pay-out failed and ledger restore failed",
			slog.Uint64("market_id", prev.ID),
			slog.String("user", user),
			slog.String("push_error", pushErr.Error()),
			slog.String("error", err.Error()),
		)
		if e.alerter != nil {
			e.alerter.Critical(ctx, "payout_restore_failed", map[string]any{
				"market_id":  prev.ID,
				"user":       user,
				"amount":     amount.Dec(),
				"push_error": pushErr.Error(),
				"error":      err.Error(),
			})
		}
		return fmt.Errorf("push collateral: %w", errors.Join(pushErr, err))
	}

	var positions map[string][]uint256.Int
	if prevPos != nil {
		positions = map[string][]uint256.Int{c.user: prevPos}
	}
	slot.publish(restored, positions)
	e.announce(ctx, restored, domain.Event{
		Type:     domain.EventTrade,
		MarketID: restored.ID,
		User:     user,
		Data:     map[string]any{"kind": domain.TradeKindReversal, "amount": amount.Dec()},
		At:       restored.UpdatedAt,
	})
	return fmt.Errorf("push collateral: %w", pushErr)
}

func (e *Engine) pull(ctx context.Context, user string, amount *uint256.Int) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CustodyTimeout)
	defer cancel()
	return e.custody.Pull(ctx, user, amount)
}

func (e *Engine) push(ctx context.Context, user string, amount *uint256.Int) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CustodyTimeout)
	defer cancel()
	return e.custody.Push(ctx, user, amount)
}

// checkSolvency verifies the pool covers the largest possible redemption.
func checkSolvency(m *domain.Market) error {
	if m.Resolved() {
		if m.Pool.Lt(&m.Q[m.WinningOutcome]) {
			return fmt.Errorf("market %d pool %s below winning supply %s: %w",
				m.ID, m.Pool.Dec(), m.Q[m.WinningOutcome].Dec(), domain.ErrInsufficientPoolBalance)
		}
		return nil
	}
	if top := wad.Max(m.Q); m.Pool.Lt(top) {
		return fmt.Errorf("market %d pool %s below max supply %s: %w",
			m.ID, m.Pool.Dec(), top.Dec(), domain.ErrInsufficientPoolBalance)
	}
	return nil
}

func newTrade(m *domain.Market, user string, kind domain.TradeKind, outcome int, at time.Time) domain.Trade {
	return domain.Trade{
		ID:        uuid.NewString(),
		MarketID:  m.ID,
		User:      user,
		Kind:      kind,
		Outcome:   outcome,
		CreatedAt: at,
	}
}
