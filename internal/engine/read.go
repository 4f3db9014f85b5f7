package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/lmsr"
)

// MarketInfo is the summary view of a market.
type MarketInfo struct {
	ID             uint64
	Question       string
	OutcomeCount   int
	EndTime        time.Time
	B              uint256.Int
	Creator        string
	Subsidy        uint256.Int
	Pool           uint256.Int
	Fees           uint256.Int
	FeesWithdrawn  uint256.Int
	FeeBps         uint32
	Volume         uint256.Int
	TradeCount     uint64
	State          domain.MarketState
	Resolved       bool
	WinningOutcome int
	Assertion      *domain.Assertion
	Rescaled       bool
	SchemaVersion  int
	CreatedAt      time.Time
}

// MarketCount returns the number of markets, which is also the id the
// next market will receive.
func (e *Engine) MarketCount() uint64 {
	e.arenaMu.RLock()
	defer e.arenaMu.RUnlock()
	return uint64(len(e.slots))
}

// Market returns a private copy of the market's current snapshot.
func (e *Engine) Market(marketID uint64) (*domain.Market, error) {
	slot, err := e.slot(marketID)
	if err != nil {
		return nil, fmt.Errorf("engine: market: %w", err)
	}
	return slot.market().Clone(), nil
}

func (e *Engine) info(m *domain.Market) MarketInfo {
	info := MarketInfo{
		ID:             m.ID,
		Question:       m.Question,
		OutcomeCount:   len(m.Outcomes),
		EndTime:        m.EndTime,
		B:              m.B,
		Creator:        m.Creator,
		Subsidy:        m.Subsidy,
		Pool:           m.Pool,
		Fees:           m.Fees,
		FeesWithdrawn:  m.FeesWithdrawn,
		FeeBps:         e.feeBps(m),
		Volume:         m.Volume,
		TradeCount:     m.TradeCount,
		State:          m.State(e.now()),
		Resolved:       m.Resolved(),
		WinningOutcome: -1,
		Rescaled:       m.Rescaled,
		SchemaVersion:  m.SchemaVersion,
		CreatedAt:      m.CreatedAt,
	}
	if m.Resolved() {
		info.WinningOutcome = m.WinningOutcome
	}
	if m.Assertion != nil {
		a := *m.Assertion
		info.Assertion = &a
	}
	return info
}

// GetMarketBasicInfo returns the summary of one market.
func (e *Engine) GetMarketBasicInfo(marketID uint64) (MarketInfo, error) {
	slot, err := e.slot(marketID)
	if err != nil {
		return MarketInfo{}, fmt.Errorf("engine: get market info: %w", err)
	}
	return e.info(slot.market()), nil
}

// GetMarketOutcomes returns the outcome names in index order.
func (e *Engine) GetMarketOutcomes(marketID uint64) ([]string, error) {
	slot, err := e.slot(marketID)
	if err != nil {
		return nil, fmt.Errorf("engine: get market outcomes: %w", err)
	}
	return append([]string(nil), slot.market().Outcomes...), nil
}

// GetAllPrices returns the marginal price of every outcome.
func (e *Engine) GetAllPrices(marketID uint64) ([]uint256.Int, error) {
	slot, err := e.slot(marketID)
	if err != nil {
		return nil, fmt.Errorf("engine: get all prices: %w", err)
	}
	m := slot.market()
	prices, err := lmsr.Prices(m.Q, &m.B)
	if err != nil {
		return nil, fmt.Errorf("engine: get all prices: %w", err)
	}
	return prices, nil
}

// GetMarketShares returns the outstanding quantity of every outcome.
func (e *Engine) GetMarketShares(marketID uint64) ([]uint256.Int, error) {
	slot, err := e.slot(marketID)
	if err != nil {
		return nil, fmt.Errorf("engine: get market shares: %w", err)
	}
	return append([]uint256.Int(nil), slot.market().Q...), nil
}

// GetUserPosition returns user's shares of every outcome.
func (e *Engine) GetUserPosition(marketID uint64, user string) ([]uint256.Int, error) {
	addr, err := domain.NormalizeAddress(user)
	if err != nil {
		return nil, fmt.Errorf("engine: get user position: %w", err)
	}
	slot, err := e.slot(marketID)
	if err != nil {
		return nil, fmt.Errorf("engine: get user position: %w", err)
	}
	return slot.position(addr, len(slot.market().Outcomes)), nil
}

// ListMarkets returns market summaries ordered by id.
func (e *Engine) ListMarkets(opts domain.ListOpts) []MarketInfo {
	slots := e.allSlots()
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Offset >= len(slots) {
		return nil
	}
	slots = slots[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(slots) {
		slots = slots[:opts.Limit]
	}
	out := make([]MarketInfo, len(slots))
	for i, s := range slots {
		out[i] = e.info(s.market())
	}
	return out
}

// Snapshot returns the denormalized read view of a market.
func (e *Engine) Snapshot(marketID uint64) (domain.MarketSnapshot, error) {
	slot, err := e.slot(marketID)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("engine: snapshot: %w", err)
	}
	return e.snapshotOf(slot.market())
}

func (e *Engine) snapshotOf(m *domain.Market) (domain.MarketSnapshot, error) {
	prices, err := lmsr.Prices(m.Q, &m.B)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	snap := domain.MarketSnapshot{
		ID:         m.ID,
		State:      m.State(e.now()),
		Outcomes:   append([]string(nil), m.Outcomes...),
		Prices:     make([]string, len(prices)),
		Shares:     make([]string, len(m.Q)),
		Pool:       m.Pool.Dec(),
		Volume:     m.Volume.Dec(),
		TradeCount: m.TradeCount,
		UpdatedAt:  m.UpdatedAt,
	}
	for i := range prices {
		snap.Prices[i] = prices[i].Dec()
		snap.Shares[i] = m.Q[i].Dec()
	}
	return snap, nil
}

// VerifyInvariants checks conservation (positions sum to outstanding
// quantities) and solvency for every market.
func (e *Engine) VerifyInvariants(ctx context.Context) error {
	var errs []error
	for _, s := range e.allSlots() {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Hold the lock so positions and quantities belong to the same state.
		_, unlock, err := s.lock.acquire(ctx)
		if err != nil {
			return fmt.Errorf("engine: verify invariants: %w", err)
		}
		m := s.market()
		sum, err := s.sumPositions(len(m.Q))
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("market %d: %w", m.ID, err))
			continue
		}
		for i := range sum {
			if !sum[i].Eq(&m.Q[i]) {
				errs = append(errs, fmt.Errorf("market %d outcome %d: positions %s, supply %s: %w",
					m.ID, i, sum[i].Dec(), m.Q[i].Dec(), domain.ErrInvariantViolation))
			}
		}
		if err := checkSolvency(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
