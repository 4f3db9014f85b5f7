package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// MarketState is a market together with every position on it, the unit a
// schema migration operates on.
type MarketState struct {
	Market    domain.Market
	Positions []domain.Position
}

// Migration upgrades a MarketState by exactly one schema version. It must
// not modify its argument.
type Migration func(MarketState) (MarketState, error)

// migrations maps a source version to the step that leaves it.
var migrations = map[int]Migration{
	1: migrateV1ToV2,
}

// Migrate applies every step from st's version to the current one and
// returns the upgraded state and the versions it passed through.
func Migrate(st MarketState) (MarketState, []int, error) {
	var steps []int
	for st.Market.SchemaVersion < domain.CurrentSchemaVersion {
		from := st.Market.SchemaVersion
		step, ok := migrations[from]
		if !ok {
			return st, steps, fmt.Errorf("engine: migrate market %d: no migration from version %d", st.Market.ID, from)
		}
		next, err := step(st)
		if err != nil {
			return st, steps, fmt.Errorf("engine: migrate market %d from version %d: %w", st.Market.ID, from, err)
		}
		if next.Market.SchemaVersion != from+1 {
			return st, steps, fmt.Errorf("engine: migrate market %d: step from %d produced version %d",
				st.Market.ID, from, next.Market.SchemaVersion)
		}
		steps = append(steps, from)
		st = next
	}
	if st.Market.SchemaVersion > domain.CurrentSchemaVersion {
		return st, steps, fmt.Errorf("engine: market %d has schema version %d, newer than %d",
			st.Market.ID, st.Market.SchemaVersion, domain.CurrentSchemaVersion)
	}
	return st, steps, nil
}

// migrateV1ToV2 rescales amounts stored at the collateral's native
// decimals to WAD.
func migrateV1ToV2(st MarketState) (MarketState, error) {
	d := st.Market.AssetDecimals
	if d == 0 || d > wad.Decimals {
		return st, fmt.Errorf("unsupported asset decimals %d", d)
	}
	m := st.Market.Clone()
	for _, v := range []*uint256.Int{&m.B, &m.Subsidy, &m.Pool, &m.Fees, &m.FeesWithdrawn, &m.Volume} {
		if err := scaleTo(v, d); err != nil {
			return st, err
		}
	}
	for i := range m.Q {
		if err := scaleTo(&m.Q[i], d); err != nil {
			return st, err
		}
	}
	positions := make([]domain.Position, len(st.Positions))
	for i, p := range st.Positions {
		if err := scaleTo(&p.Shares, d); err != nil {
			return st, err
		}
		positions[i] = p
	}
	m.AssetDecimals = wad.Decimals
	m.SchemaVersion = 2
	return MarketState{Market: *m, Positions: positions}, nil
}

func scaleTo(v *uint256.Int, decimals uint8) error {
	scaled, err := wad.FromUnits(v, decimals)
	if err != nil {
		return err
	}
	*v = *scaled
	return nil
}

// Load restores every market from the store, migrating outdated ones, and
// verifies the ledger invariants. It must be called once before the
// engine serves requests.
func (e *Engine) Load(ctx context.Context) error {
	if e.MarketCount() > 0 {
		return errors.New("engine: load: already loaded")
	}

	settings, err := e.store.LoadSettings(ctx)
	switch {
	case err == nil:
		e.settings.Store(&settings)
	case errors.Is(err, domain.ErrNotFound):
	default:
		return fmt.Errorf("engine: load settings: %w", err)
	}

	markets, err := e.store.LoadMarkets(ctx)
	if err != nil {
		return fmt.Errorf("engine: load markets: %w", err)
	}
	positions, err := e.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("engine: load positions: %w", err)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })

	byMarket := make(map[uint64][]domain.Position)
	for _, p := range positions {
		byMarket[p.MarketID] = append(byMarket[p.MarketID], p)
	}

	slots := make([]*marketSlot, 0, len(markets))
	for i := range markets {
		if markets[i].ID != uint64(i) {
			return fmt.Errorf("engine: load: market ids not dense at %d (found %d): %w",
				i, markets[i].ID, domain.ErrInvariantViolation)
		}
		st, err := e.upgrade(ctx, MarketState{Market: markets[i], Positions: byMarket[markets[i].ID]})
		if err != nil {
			return err
		}
		m := st.Market
		if len(m.Q) != len(m.Outcomes) {
			return fmt.Errorf("engine: load: market %d has %d quantities for %d outcomes: %w",
				m.ID, len(m.Q), len(m.Outcomes), domain.ErrInvariantViolation)
		}
		slot := newSlot(&m)
		for _, p := range st.Positions {
			if !m.ValidOutcome(p.Outcome) {
				return fmt.Errorf("engine: load: market %d position on outcome %d: %w",
					m.ID, p.Outcome, domain.ErrInvariantViolation)
			}
			pos, ok := slot.positions[p.User]
			if !ok {
				pos = make([]uint256.Int, len(m.Outcomes))
				slot.positions[p.User] = pos
			}
			pos[p.Outcome] = p.Shares
		}
		slots = append(slots, slot)
	}

	e.arenaMu.Lock()
	e.slots = slots
	e.arenaMu.Unlock()

	if err := e.VerifyInvariants(ctx); err != nil {
		return e.fail(ctx, "load", 0, err)
	}
	e.logger.InfoContext(ctx, "engine: ledger loaded",
		slog.Int("markets", len(slots)),
		slog.Int("positions", len(positions)),
	)
	return nil
}

// upgrade migrates st when needed and persists the result with an audit
// entry in one transaction.
func (e *Engine) upgrade(ctx context.Context, st MarketState) (MarketState, error) {
	if st.Market.SchemaVersion == domain.CurrentSchemaVersion {
		return st, nil
	}
	from := st.Market.SchemaVersion
	next, steps, err := Migrate(st)
	if err != nil {
		return st, err
	}

	now := e.now().UTC()
	next.Market.UpdatedAt = now
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return st, fmt.Errorf("engine: migrate market %d: begin: %w", st.Market.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.UpdateMarket(ctx, &next.Market); err != nil {
		return st, fmt.Errorf("engine: migrate market %d: %w", st.Market.ID, err)
	}
	for _, p := range next.Positions {
		p.UpdatedAt = now
		if err := tx.UpsertPosition(ctx, p); err != nil {
			return st, fmt.Errorf("engine: migrate market %d: %w", st.Market.ID, err)
		}
	}
	id := next.Market.ID
	if err := tx.Audit(ctx, domain.AuditEntry{
		Event:    "market_migrated",
		MarketID: &id,
		Detail: map[string]any{
			"from":  from,
			"to":    next.Market.SchemaVersion,
			"steps": steps,
		},
		CreatedAt: now,
	}); err != nil {
		return st, fmt.Errorf("engine: migrate market %d: %w", st.Market.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return st, fmt.Errorf("engine: migrate market %d: commit: %w", st.Market.ID, err)
	}

	e.logger.InfoContext(ctx, "engine: market migrated",
		slog.Uint64("market_id", id),
		slog.Int("from", from),
		slog.Int("to", next.Market.SchemaVersion),
	)
	e.announce(ctx, nil, domain.Event{
		Type:     domain.EventMarketMigrated,
		MarketID: id,
		Data:     map[string]any{"from": from, "to": next.Market.SchemaVersion},
		At:       now,
	})
	return next, nil
}
