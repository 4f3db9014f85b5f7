// Package engine is the LMSR market ledger: the market registry, position
// ledger, resolution state machine and fee accounting.
//
// Markets live in an arena indexed by their dense id. Each market has its
// own lock; every mutation re-derives prices under that lock, stages its
// effects in a store transaction and publishes an immutable snapshot once
// the transaction commits. Reads never take a market lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"
	"github.com/microcosm-cc/bluemonday"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/executor"
	"github.com/alanyoungcy/lmsrmarket/internal/gate"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

// Config holds the tunable engine parameters.
type Config struct {
	ProtocolFeeBps uint32
	Liveness       time.Duration
	MaxOutcomes    int
	MinLiquidity   *uint256.Int
	MaxLiquidity   *uint256.Int
	AllowSell      bool
	Operators      []string
	Gate           domain.GatePolicy
	// CustodyTimeout bounds each custody call. Pulls run inside an open
	// store transaction and pushes under the market lock.
	CustodyTimeout time.Duration
	// PublishTimeout bounds the cache and bus writes made after a commit.
	PublishTimeout time.Duration
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		ProtocolFeeBps: 100,
		Liveness:       2 * time.Hour,
		MaxOutcomes:    16,
		MinLiquidity:   wad.New(1),
		MaxLiquidity:   wad.New(10_000_000),
		AllowSell:      true,
		CustodyTimeout: 15 * time.Second,
		PublishTimeout: 2 * time.Second,
	}
}

// Deps are the collaborators of the engine. Store, Custody and Oracle are
// required; the rest may be nil.
type Deps struct {
	Store    domain.LedgerStore
	Custody  domain.Custody
	Oracle   domain.Oracle
	Balances domain.BalanceReader
	Bus      domain.SignalBus
	Cache    domain.SnapshotCache
	Alerter  domain.Alerter
	Dedup    *executor.Dedup
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine owns every market.
type Engine struct {
	cfg       Config
	store     domain.LedgerStore
	custody   domain.Custody
	oracle    domain.Oracle
	balances  domain.BalanceReader
	bus       domain.SignalBus
	cache     domain.SnapshotCache
	alerter   domain.Alerter
	dedup     *executor.Dedup
	logger    *slog.Logger
	now       func() time.Time
	sanitizer *bluemonday.Policy
	operators map[string]struct{}

	registry *lock // serializes market creation
	arenaMu  sync.RWMutex
	slots    []*marketSlot

	settingsLock *lock
	settings     atomic.Pointer[domain.Settings]
}

// New validates cfg and returns an engine with no markets. Call Load to
// restore persisted state before serving requests.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Custody == nil || deps.Oracle == nil {
		return nil, errors.New("engine: store, custody and oracle are required")
	}
	if cfg.MaxOutcomes < 2 {
		return nil, fmt.Errorf("engine: max outcomes %d below 2", cfg.MaxOutcomes)
	}
	if cfg.ProtocolFeeBps > wad.BpsBase {
		return nil, fmt.Errorf("engine: protocol fee %d bps above %d", cfg.ProtocolFeeBps, wad.BpsBase)
	}
	if cfg.Liveness <= 0 {
		return nil, errors.New("engine: liveness must be positive")
	}
	if cfg.MinLiquidity == nil || cfg.MinLiquidity.IsZero() {
		cfg.MinLiquidity = uint256.NewInt(1)
	}
	if cfg.MaxLiquidity == nil {
		cfg.MaxLiquidity = new(uint256.Int).SetAllOne()
	}
	if cfg.MinLiquidity.Gt(cfg.MaxLiquidity) {
		return nil, errors.New("engine: min liquidity above max liquidity")
	}
	if cfg.CustodyTimeout <= 0 {
		cfg.CustodyTimeout = 15 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}

	operators := make(map[string]struct{}, len(cfg.Operators))
	for _, op := range cfg.Operators {
		addr, err := domain.NormalizeAddress(op)
		if err != nil {
			return nil, fmt.Errorf("engine: operator %q: %w", op, err)
		}
		operators[addr] = struct{}{}
	}
	rules, err := gate.Normalize(cfg.Gate.Rules)
	if err != nil {
		return nil, fmt.Errorf("engine: gate rules: %w", err)
	}
	cfg.Gate.Rules = rules

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	balances := deps.Balances
	if balances == nil {
		balances = gate.NewMapReader()
	}

	e := &Engine{
		cfg:          cfg,
		store:        deps.Store,
		custody:      deps.Custody,
		oracle:       deps.Oracle,
		balances:     balances,
		bus:          deps.Bus,
		cache:        deps.Cache,
		alerter:      deps.Alerter,
		dedup:        deps.Dedup,
		logger:       logger,
		now:          now,
		sanitizer:    bluemonday.StrictPolicy(),
		operators:    operators,
		registry:     newLock("registry"),
		settingsLock: newLock("settings"),
	}
	e.settings.Store(&domain.Settings{
		ProtocolFeeBps: cfg.ProtocolFeeBps,
		Gate:           cfg.Gate,
	})
	return e, nil
}

// Now returns the engine's clock reading.
func (e *Engine) Now() time.Time { return e.now().UTC() }

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config { return e.cfg }

// Settings returns the current operator settings.
func (e *Engine) Settings() domain.Settings {
	s := *e.settings.Load()
	s.Gate.Rules = append([]domain.GateRule(nil), s.Gate.Rules...)
	return s
}

// IsOperator reports whether addr belongs to the operator set.
func (e *Engine) IsOperator(addr string) bool {
	norm, err := domain.NormalizeAddress(addr)
	if err != nil {
		return false
	}
	_, ok := e.operators[norm]
	return ok
}

func (e *Engine) requireOperator(caller string) (string, error) {
	addr, err := domain.NormalizeAddress(caller)
	if err != nil {
		return "", err
	}
	if _, ok := e.operators[addr]; !ok {
		return "", domain.ErrUnauthorized
	}
	return addr, nil
}

func (e *Engine) slot(id uint64) (*marketSlot, error) {
	e.arenaMu.RLock()
	defer e.arenaMu.RUnlock()
	if id >= uint64(len(e.slots)) {
		return nil, fmt.Errorf("market %d: %w", id, domain.ErrNotFound)
	}
	return e.slots[id], nil
}

func (e *Engine) appendSlot(s *marketSlot) {
	e.arenaMu.Lock()
	defer e.arenaMu.Unlock()
	e.slots = append(e.slots, s)
}

func (e *Engine) allSlots() []*marketSlot {
	e.arenaMu.RLock()
	defer e.arenaMu.RUnlock()
	return append([]*marketSlot(nil), e.slots...)
}

// sanitize strips markup and collapses whitespace in user supplied text.
func (e *Engine) sanitize(s string) string {
	return strings.Join(strings.Fields(e.sanitizer.Sanitize(s)), " ")
}

// fail logs err and raises an alert when it is critical. It returns err
// wrapped with the operation name.
func (e *Engine) fail(ctx context.Context, op string, marketID uint64, err error) error {
	if domain.IsCritical(err) {
		e.logger.ErrorContext(ctx, "engine: critical failure",
			slog.String("op", op),
			slog.Uint64("market_id", marketID),
			slog.String("error", err.Error()),
		)
		if e.alerter != nil {
			e.alerter.Critical(ctx, op, map[string]any{
				"market_id": marketID,
				"error":     err.Error(),
			})
		}
	}
	return fmt.Errorf("engine: %s: %w", op, err)
}
