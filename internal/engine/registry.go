package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/gate"
	"github.com/alanyoungcy/lmsrmarket/internal/lmsr"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// CreateMarketParams describes a new market. B and Subsidy are WAD.
type CreateMarketParams struct {
	Question string
	Outcomes []string
	Duration time.Duration
	B        *uint256.Int
	Subsidy  *uint256.Int
	FeeBps   *uint32
}

// Access is the creation access decision for one address.
type Access struct {
	Operator bool
	Gate     gate.Decision
}

// Allowed reports whether the address may create a market.
func (a Access) Allowed() bool {
	return a.Operator || a.Gate.Allowed
}

// CheckCreationAccess reports whether user may create markets: operators
// always can, everyone else when public creation is on and any gate rule
// passes.
func (e *Engine) CheckCreationAccess(ctx context.Context, user string) (Access, error) {
	addr, err := domain.NormalizeAddress(user)
	if err != nil {
		return Access{}, fmt.Errorf("engine: check creation access: %w", err)
	}
	if _, ok := e.operators[addr]; ok {
		return Access{Operator: true}, nil
	}
	d, err := gate.Evaluate(ctx, e.balances, e.settings.Load().Gate, addr)
	if err != nil {
		return Access{Gate: d}, fmt.Errorf("engine: check creation access: %w", err)
	}
	return Access{Gate: d}, nil
}

func invalidParams(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidMarketParams, fmt.Sprintf(format, args...))
}

// validate checks p and returns the sanitized question and outcomes.
func (e *Engine) validate(p CreateMarketParams) (string, []string, error) {
	question := e.sanitize(p.Question)
	if question == "" {
		return "", nil, invalidParams("empty question")
	}
	n := len(p.Outcomes)
	if n < 2 {
		return "", nil, invalidParams("need at least 2 outcomes, got %d", n)
	}
	if n > e.cfg.MaxOutcomes {
		return "", nil, invalidParams("at most %d outcomes, got %d", e.cfg.MaxOutcomes, n)
	}
	outcomes := make([]string, n)
	seen := make(map[string]struct{}, n)
	for i, raw := range p.Outcomes {
		name := e.sanitize(raw)
		if name == "" {
			return "", nil, invalidParams("outcome %d is empty", i)
		}
		if _, dup := seen[name]; dup {
			return "", nil, invalidParams("duplicate outcome %q", name)
		}
		seen[name] = struct{}{}
		outcomes[i] = name
	}
	if p.Duration <= 0 {
		return "", nil, invalidParams("duration must be positive")
	}
	if p.B == nil || p.B.IsZero() {
		return "", nil, invalidParams("liquidity must be positive")
	}
	if p.B.Lt(e.cfg.MinLiquidity) || p.B.Gt(e.cfg.MaxLiquidity) {
		return "", nil, invalidParams("liquidity %s outside [%s, %s]",
			wad.Format(p.B), wad.Format(e.cfg.MinLiquidity), wad.Format(e.cfg.MaxLiquidity))
	}
	if p.FeeBps != nil && *p.FeeBps > wad.BpsBase {
		return "", nil, invalidParams("fee %d bps above %d", *p.FeeBps, wad.BpsBase)
	}
	minSub, err := lmsr.MinSubsidy(p.B, n)
	if err != nil {
		return "", nil, invalidParams("liquidity %s: %v", wad.Format(p.B), err)
	}
	if p.Subsidy == nil || p.Subsidy.Lt(minSub) {
		return "", nil, invalidParams("subsidy below minimum %s", wad.Format(minSub))
	}
	return question, outcomes, nil
}

// CreateMarket registers a market and pulls its subsidy from the caller.
// It returns the new market id.
func (e *Engine) CreateMarket(ctx context.Context, caller string, p CreateMarketParams) (uint64, error) {
	creator, err := domain.NormalizeAddress(caller)
	if err != nil {
		return 0, fmt.Errorf("engine: create market: %w", err)
	}
	question, outcomes, err := e.validate(p)
	if err != nil {
		return 0, fmt.Errorf("engine: create market: %w", err)
	}

	access, err := e.CheckCreationAccess(ctx, creator)
	if err != nil && !access.Allowed() {
		return 0, fmt.Errorf("engine: create market: %w", err)
	}
	if !access.Allowed() {
		return 0, fmt.Errorf("engine: create market: %w", domain.ErrUnauthorized)
	}

	ctx, release, err := e.registry.acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: create market: %w", err)
	}
	defer release()

	now := e.now().UTC()
	m := &domain.Market{
		ID:            uint64(len(e.allSlots())),
		SchemaVersion: domain.CurrentSchemaVersion,
		Question:      question,
		Outcomes:      outcomes,
		B:             *p.B,
		EndTime:       now.Add(p.Duration),
		Creator:       creator,
		Subsidy:       *p.Subsidy,
		Pool:          *p.Subsidy,
		Q:             make([]uint256.Int, len(outcomes)),
		Status:        domain.MarketStatusActive,
		AssetDecimals: wad.Decimals,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if p.FeeBps != nil {
		bps := *p.FeeBps
		m.FeeBps = &bps
	}

	trade := newTrade(m, creator, domain.TradeKindSubsidy, -1, now)
	trade.Amount = *p.Subsidy
	c := change{
		market:    m,
		trade:     &trade,
		insertNew: true,
		audit: &domain.AuditEntry{
			Event:    "market_created",
			Actor:    creator,
			MarketID: &m.ID,
			Detail: map[string]any{
				"outcomes": len(outcomes),
				"b":        m.B.Dec(),
				"subsidy":  m.Subsidy.Dec(),
				"operator": access.Operator,
			},
			CreatedAt: now,
		},
	}
	if err := e.commitPayIn(ctx, c, creator, p.Subsidy); err != nil {
		return 0, e.fail(ctx, "create market", m.ID, err)
	}
	e.appendSlot(newSlot(m))

	e.logger.InfoContext(ctx, "engine: market created",
		slog.Uint64("market_id", m.ID),
		slog.String("creator", creator),
		slog.Int("outcomes", len(outcomes)),
		slog.String("b", wad.Format(&m.B)),
	)
	e.announce(ctx, m, domain.Event{
		Type:     domain.EventMarketCreated,
		MarketID: m.ID,
		User:     creator,
		Data:     map[string]any{"question": question, "outcomes": outcomes, "end_time": m.EndTime},
		At:       now,
	})
	return m.ID, nil
}

// SetPublicCreation toggles whether non-operators may create markets.
func (e *Engine) SetPublicCreation(ctx context.Context, caller string, enabled bool) error {
	return e.updateSettings(ctx, caller, "set public creation", func(s *domain.Settings) (map[string]any, error) {
		s.Gate.PublicCreation = enabled
		return map[string]any{"public_creation": enabled}, nil
	})
}

// SetGateRules replaces the creation gate rules.
func (e *Engine) SetGateRules(ctx context.Context, caller string, rules []domain.GateRule) error {
	return e.updateSettings(ctx, caller, "set gate rules", func(s *domain.Settings) (map[string]any, error) {
		norm, err := gate.Normalize(rules)
		if err != nil {
			return nil, errors.Join(domain.ErrInvalidMarketParams, err)
		}
		s.Gate.Rules = norm
		detail := make([]map[string]any, len(norm))
		for i, r := range norm {
			detail[i] = map[string]any{"kind": r.Kind, "asset": r.Asset, "threshold": r.Threshold.Dec()}
		}
		return map[string]any{"rules": detail}, nil
	})
}

// SetProtocolFee sets the fee charged on markets without an override.
func (e *Engine) SetProtocolFee(ctx context.Context, caller string, bps uint32) error {
	return e.updateSettings(ctx, caller, "set protocol fee", func(s *domain.Settings) (map[string]any, error) {
		if bps > wad.BpsBase {
			return nil, invalidParams("fee %d bps above %d", bps, wad.BpsBase)
		}
		prev := s.ProtocolFeeBps
		s.ProtocolFeeBps = bps
		return map[string]any{"old_bps": prev, "new_bps": bps}, nil
	})
}

func (e *Engine) updateSettings(ctx context.Context, caller, op string, mutate func(*domain.Settings) (map[string]any, error)) error {
	actor, err := e.requireOperator(caller)
	if err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	ctx, release, err := e.settingsLock.acquire(ctx)
	if err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	defer release()

	next := e.Settings()
	detail, err := mutate(&next)
	if err != nil {
		return fmt.Errorf("engine: %s: %w", op, err)
	}
	next.UpdatedAt = e.now().UTC()

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("engine: %s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := tx.SaveSettings(ctx, next); err != nil {
		return fmt.Errorf("engine: %s: save settings: %w", op, err)
	}
	if err := tx.Audit(ctx, domain.AuditEntry{
		Event:     "settings_changed",
		Actor:     actor,
		Detail:    map[string]any{"op": op, "change": detail},
		CreatedAt: next.UpdatedAt,
	}); err != nil {
		return fmt.Errorf("engine: %s: audit: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("engine: %s: commit: %w", op, err)
	}
	e.settings.Store(&next)

	e.logger.InfoContext(ctx, "engine: settings changed",
		slog.String("op", op),
		slog.String("actor", actor),
	)
	e.announce(ctx, nil, domain.Event{
		Type: domain.EventSettingsChanged,
		User: actor,
		Data: detail,
		At:   next.UpdatedAt,
	})
	return nil
}
