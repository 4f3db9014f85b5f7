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

// BuyParams is a buy order. MaxCost bounds Base+Fee.
type BuyParams struct {
	MarketID       uint64
	Outcome        int
	Shares         *uint256.Int
	MaxCost        *uint256.Int
	IdempotencyKey string
}

// SellParams is a sell order. MinProceeds bounds Base-Fee from below.
type SellParams struct {
	MarketID       uint64
	Outcome        int
	Shares         *uint256.Int
	MinProceeds    *uint256.Int
	IdempotencyKey string
}

func (e *Engine) feeBps(m *domain.Market) uint32 {
	return m.EffectiveFeeBps(e.settings.Load().ProtocolFeeBps)
}

// quoteErr maps pricing errors onto the domain taxonomy.
func quoteErr(err error) error {
	switch err {
	case lmsr.ErrOutcomeOutOfRange:
		return fmt.Errorf("%w: %v", domain.ErrInvalidOutcome, err)
	case lmsr.ErrZeroAmount:
		return fmt.Errorf("%w: %v", domain.ErrInvalidAmount, err)
	}
	return err
}

// QuoteBuy prices a buy against the current snapshot. The price may move
// before execution; ExecuteBuy re-derives it under the market lock.
func (e *Engine) QuoteBuy(ctx context.Context, marketID uint64, outcome int, shares *uint256.Int) (lmsr.TradeCost, error) {
	slot, err := e.slot(marketID)
	if err != nil {
		return lmsr.TradeCost{}, fmt.Errorf("engine: quote buy: %w", err)
	}
	m := slot.market()
	tc, err := lmsr.QuoteBuy(m.Q, &m.B, outcome, shares, e.feeBps(m))
	if err != nil {
		return lmsr.TradeCost{}, fmt.Errorf("engine: quote buy: %w", quoteErr(err))
	}
	return tc, nil
}

// QuoteSell prices a sell against the current snapshot.
func (e *Engine) QuoteSell(ctx context.Context, marketID uint64, outcome int, shares *uint256.Int) (lmsr.TradeCost, error) {
	slot, err := e.slot(marketID)
	if err != nil {
		return lmsr.TradeCost{}, fmt.Errorf("engine: quote sell: %w", err)
	}
	m := slot.market()
	tc, err := lmsr.QuoteSell(m.Q, &m.B, outcome, shares, e.feeBps(m))
	if err != nil {
		return lmsr.TradeCost{}, fmt.Errorf("engine: quote sell: %w", quoteErr(err))
	}
	return tc, nil
}

// QuoteBudget returns the most shares of outcome that budget buys,
// fee included.
func (e *Engine) QuoteBudget(ctx context.Context, marketID uint64, outcome int, budget *uint256.Int) (*uint256.Int, lmsr.TradeCost, error) {
	slot, err := e.slot(marketID)
	if err != nil {
		return nil, lmsr.TradeCost{}, fmt.Errorf("engine: quote budget: %w", err)
	}
	m := slot.market()
	shares, tc, err := lmsr.MaxSharesForBudget(m.Q, &m.B, outcome, budget, e.feeBps(m))
	if err != nil {
		return nil, lmsr.TradeCost{}, fmt.Errorf("engine: quote budget: %w", quoteErr(err))
	}
	return shares, tc, nil
}

// claimKey reserves an idempotency key. The returned func releases it and
// must be called when the request fails.
func (e *Engine) claimKey(user, key string) (func(), error) {
	if key == "" || e.dedup == nil {
		return func() {}, nil
	}
	scoped := user + ":" + key
	if e.dedup.IsDuplicate(scoped) {
		return nil, domain.ErrDuplicateRequest
	}
	return func() { e.dedup.Forget(scoped) }, nil
}

// ExecuteBuy buys shares for caller, charging Base+Fee.
func (e *Engine) ExecuteBuy(ctx context.Context, caller string, p BuyParams) (domain.Trade, error) {
	const op = "execute buy"
	user, err := domain.NormalizeAddress(caller)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("engine: %s: %w", op, err)
	}
	if p.Shares == nil || p.Shares.IsZero() {
		return domain.Trade{}, fmt.Errorf("engine: %s: %w: zero shares", op, domain.ErrInvalidAmount)
	}
	if p.MaxCost == nil {
		return domain.Trade{}, fmt.Errorf("engine: %s: %w: missing max cost", op, domain.ErrInvalidAmount)
	}
	release, err := e.claimKey(user, p.IdempotencyKey)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("engine: %s: %w", op, err)
	}

	t, err := e.executeBuy(ctx, user, p)
	if err != nil {
		release()
		return domain.Trade{}, e.fail(ctx, op, p.MarketID, err)
	}
	return t, nil
}

func (e *Engine) executeBuy(ctx context.Context, user string, p BuyParams) (domain.Trade, error) {
	slot, err := e.slot(p.MarketID)
	if err != nil {
		return domain.Trade{}, err
	}
	ctx, unlock, err := slot.lock.acquire(ctx)
	if err != nil {
		return domain.Trade{}, err
	}
	defer unlock()

	cur := slot.market()
	now := e.now().UTC()
	if st := cur.State(now); st != domain.MarketStateOpen {
		return domain.Trade{}, fmt.Errorf("market %d is %s: %w", cur.ID, st, domain.ErrMarketClosed)
	}
	if !cur.ValidOutcome(p.Outcome) {
		return domain.Trade{}, domain.ErrInvalidOutcome
	}

	tc, err := lmsr.QuoteBuy(cur.Q, &cur.B, p.Outcome, p.Shares, e.feeBps(cur))
	if err != nil {
		return domain.Trade{}, quoteErr(err)
	}
	total, err := tc.Total()
	if err != nil {
		return domain.Trade{}, err
	}
	if total.Gt(p.MaxCost) {
		return domain.Trade{}, fmt.Errorf("cost %s above max %s: %w",
			wad.Format(total), wad.Format(p.MaxCost), domain.ErrSlippageExceeded)
	}

	next := cur.Clone()
	if err := addTo(&next.Q[p.Outcome], p.Shares); err != nil {
		return domain.Trade{}, err
	}
	if err := addTo(&next.Pool, &tc.Base); err != nil {
		return domain.Trade{}, err
	}
	if err := addTo(&next.Fees, &tc.Fee); err != nil {
		return domain.Trade{}, err
	}
	if err := addTo(&next.Volume, &tc.Base); err != nil {
		return domain.Trade{}, err
	}
	next.TradeCount++
	next.UpdatedAt = now
	if err := checkSolvency(next); err != nil {
		return domain.Trade{}, err
	}

	pos := slot.position(user, len(cur.Outcomes))
	if err := addTo(&pos[p.Outcome], p.Shares); err != nil {
		return domain.Trade{}, err
	}

	trade := newTrade(next, user, domain.TradeKindBuy, p.Outcome, now)
	trade.Shares = *p.Shares
	trade.Cost = tc
	trade.Amount = *total
	if price, err := lmsr.Price(next.Q, &next.B, p.Outcome); err == nil {
		trade.PriceAfter = *price
	}

	c := change{market: next, user: user, position: pos, outcomes: []int{p.Outcome}, trade: &trade}
	if err := e.commitPayIn(ctx, c, user, total); err != nil {
		return domain.Trade{}, err
	}
	slot.publish(next, map[string][]uint256.Int{user: pos})

	e.logger.InfoContext(ctx, "engine: buy executed",
		slog.Uint64("market_id", next.ID),
		slog.String("user", user),
		slog.Int("outcome", p.Outcome),
		slog.String("shares", wad.Format(p.Shares)),
		slog.String("total", wad.Format(total)),
	)
	e.announce(ctx, next, tradeEvent(trade))
	return trade, nil
}

// ExecuteSell sells caller's shares back to the curve, paying Base-Fee.
func (e *Engine) ExecuteSell(ctx context.Context, caller string, p SellParams) (domain.Trade, error) {
	const op = "execute sell"
	if !e.cfg.AllowSell {
		return domain.Trade{}, fmt.Errorf("engine: %s: %w", op, domain.ErrSellDisabled)
	}
	user, err := domain.NormalizeAddress(caller)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("engine: %s: %w", op, err)
	}
	if p.Shares == nil || p.Shares.IsZero() {
		return domain.Trade{}, fmt.Errorf("engine: %s: %w: zero shares", op, domain.ErrInvalidAmount)
	}
	release, err := e.claimKey(user, p.IdempotencyKey)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("engine: %s: %w", op, err)
	}

	t, err := e.executeSell(ctx, user, p)
	if err != nil {
		release()
		return domain.Trade{}, e.fail(ctx, op, p.MarketID, err)
	}
	return t, nil
}

func (e *Engine) executeSell(ctx context.Context, user string, p SellParams) (domain.Trade, error) {
	slot, err := e.slot(p.MarketID)
	if err != nil {
		return domain.Trade{}, err
	}
	ctx, unlock, err := slot.lock.acquire(ctx)
	if err != nil {
		return domain.Trade{}, err
	}
	defer unlock()

	cur := slot.market()
	now := e.now().UTC()
	if st := cur.State(now); st != domain.MarketStateOpen {
		return domain.Trade{}, fmt.Errorf("market %d is %s: %w", cur.ID, st, domain.ErrMarketClosed)
	}
	if !cur.ValidOutcome(p.Outcome) {
		return domain.Trade{}, domain.ErrInvalidOutcome
	}
	prevPos := slot.position(user, len(cur.Outcomes))
	if prevPos[p.Outcome].Lt(p.Shares) {
		return domain.Trade{}, fmt.Errorf("holding %s, selling %s: %w",
			wad.Format(&prevPos[p.Outcome]), wad.Format(p.Shares), domain.ErrInsufficientShares)
	}

	tc, err := lmsr.QuoteSell(cur.Q, &cur.B, p.Outcome, p.Shares, e.feeBps(cur))
	if err != nil {
		return domain.Trade{}, quoteErr(err)
	}
	proceeds, err := tc.Proceeds()
	if err != nil {
		return domain.Trade{}, err
	}
	if p.MinProceeds != nil && proceeds.Lt(p.MinProceeds) {
		return domain.Trade{}, fmt.Errorf("proceeds %s below min %s: %w",
			wad.Format(proceeds), wad.Format(p.MinProceeds), domain.ErrSlippageExceeded)
	}

	next := cur.Clone()
	if err := subFrom(&next.Q[p.Outcome], p.Shares, domain.ErrInvariantViolation); err != nil {
		return domain.Trade{}, err
	}
	if err := subFrom(&next.Pool, &tc.Base, domain.ErrInsufficientPoolBalance); err != nil {
		return domain.Trade{}, err
	}
	if err := addTo(&next.Fees, &tc.Fee); err != nil {
		return domain.Trade{}, err
	}
	if err := addTo(&next.Volume, &tc.Base); err != nil {
		return domain.Trade{}, err
	}
	next.TradeCount++
	next.UpdatedAt = now
	if err := checkSolvency(next); err != nil {
		return domain.Trade{}, err
	}

	pos := append([]uint256.Int(nil), prevPos...)
	pos[p.Outcome].Sub(&pos[p.Outcome], p.Shares)

	trade := newTrade(next, user, domain.TradeKindSell, p.Outcome, now)
	trade.Shares = *p.Shares
	trade.Cost = tc
	trade.Amount = *proceeds
	if price, err := lmsr.Price(next.Q, &next.B, p.Outcome); err == nil {
		trade.PriceAfter = *price
	}

	c := change{market: next, user: user, position: pos, outcomes: []int{p.Outcome}, trade: &trade}
	if err := e.commit(ctx, c); err != nil {
		return domain.Trade{}, err
	}
	slot.publish(next, map[string][]uint256.Int{user: pos})
	e.announce(ctx, next, tradeEvent(trade))

	if !proceeds.IsZero() {
		if err := e.payOut(ctx, slot, c, cur, prevPos, user, proceeds); err != nil {
			return domain.Trade{}, err
		}
	}

	e.logger.InfoContext(ctx, "engine: sell executed",
		slog.Uint64("market_id", next.ID),
		slog.String("user", user),
		slog.Int("outcome", p.Outcome),
		slog.String("shares", wad.Format(p.Shares)),
		slog.String("proceeds", wad.Format(proceeds)),
	)
	return trade, nil
}

func tradeEvent(t domain.Trade) domain.Event {
	return domain.Event{
		Type:     domain.EventTrade,
		MarketID: t.MarketID,
		User:     t.User,
		Data: map[string]any{
			"id":          t.ID,
			"kind":        t.Kind,
			"outcome":     t.Outcome,
			"shares":      wad.Format(&t.Shares),
			"base":        wad.Format(&t.Cost.Base),
			"fee":         wad.Format(&t.Cost.Fee),
			"amount":      wad.Format(&t.Amount),
			"price_after": wad.Format(&t.PriceAfter),
		},
		At: t.CreatedAt,
	}
}

// addTo adds y to x in place.
func addTo(x, y *uint256.Int) error {
	sum, err := wad.Add(x, y)
	if err != nil {
		return err
	}
	*x = *sum
	return nil
}

// subFrom subtracts y from x in place, failing with onUnderflow.
func subFrom(x, y *uint256.Int, onUnderflow error) error {
	if x.Lt(y) {
		return fmt.Errorf("%s below %s: %w", x.Dec(), y.Dec(), onUnderflow)
	}
	x.Sub(x, y)
	return nil
}
