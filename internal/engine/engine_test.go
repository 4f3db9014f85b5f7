package engine_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/engine"
	"github.com/alanyoungcy/lmsrmarket/internal/executor"
	"github.com/alanyoungcy/lmsrmarket/internal/gate"
	"github.com/alanyoungcy/lmsrmarket/internal/lmsr"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/custody"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/oracle"
	"github.com/alanyoungcy/lmsrmarket/internal/store/sqlite"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

const (
	operator = "0x00000000000000000000000000000000000000f1"
	alice    = "0x00000000000000000000000000000000000000a1"
	bob      = "0x00000000000000000000000000000000000000b1"
	carol    = "0x00000000000000000000000000000000000000c1"
	treasury = "0x00000000000000000000000000000000000000d1"
	gateERC  = "0x00000000000000000000000000000000000000e1"
	gateNFT  = "0x00000000000000000000000000000000000000e2"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	eng      *engine.Engine
	cfg      engine.Config
	deps     engine.Deps
	db       *sqlite.Client
	custody  *custody.Memory
	oracle   *oracle.Optimistic
	balances *gate.MapReader
	clock    *clock
}

func newHarness(t require.TestingT, mutate func(*engine.Config, *engine.Deps)) *harness {
	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)

	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := engine.DefaultConfig()
	cfg.Operators = []string{operator}
	h := &harness{
		cfg:      cfg,
		db:       db,
		custody:  custody.NewMemory(),
		oracle:   oracle.NewOptimistic(cfg.Liveness, clk.now),
		balances: gate.NewMapReader(),
		clock:    clk,
	}
	h.deps = engine.Deps{
		Store:    sqlite.NewLedgerStore(db),
		Custody:  h.custody,
		Oracle:   h.oracle,
		Balances: h.balances,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      clk.now,
	}
	if mutate != nil {
		mutate(&h.cfg, &h.deps)
	}
	h.eng, err = engine.New(h.cfg, h.deps)
	require.NoError(t, err)
	require.NoError(t, h.eng.Load(context.Background()))

	for _, u := range []string{operator, alice, bob, carol} {
		h.custody.Deposit(u, wad.New(1_000_000))
	}
	return h
}

func (h *harness) close() { h.db.Close() }

func setup(t *testing.T) *harness {
	h := newHarness(t, nil)
	t.Cleanup(h.close)
	return h
}

// reopen builds a second engine over the same database, as after a restart.
func (h *harness) reopen(t *testing.T) *engine.Engine {
	eng, err := engine.New(h.cfg, h.deps)
	require.NoError(t, err)
	require.NoError(t, eng.Load(context.Background()))
	return eng
}

func (h *harness) createMarket(t require.TestingT, outcomes []string, b uint64) uint64 {
	bw := wad.New(b)
	sub, err := lmsr.MinSubsidy(bw, len(outcomes))
	require.NoError(t, err)
	id, err := h.eng.CreateMarket(context.Background(), operator, engine.CreateMarketParams{
		Question: "Will it rain tomorrow?",
		Outcomes: outcomes,
		Duration: 24 * time.Hour,
		B:        bw,
		Subsidy:  sub,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) buy(t require.TestingT, user string, id uint64, outcome int, shares uint64) domain.Trade {
	tr, err := h.eng.ExecuteBuy(context.Background(), user, engine.BuyParams{
		MarketID: id,
		Outcome:  outcome,
		Shares:   wad.New(shares),
		MaxCost:  wad.New(1_000_000),
	})
	require.NoError(t, err)
	return tr
}

// resolve ends the market, asserts outcome and settles it.
func (h *harness) resolve(t *testing.T, id uint64, outcome int) {
	ctx := context.Background()
	h.clock.advance(25 * time.Hour)
	_, err := h.eng.AssertOutcome(ctx, alice, id, outcome)
	require.NoError(t, err)
	h.clock.advance(h.cfg.Liveness)
	state, err := h.eng.SettleOutcome(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.MarketStateResolved, state)
}

func near(t *testing.T, want, got *uint256.Int, tol uint64) {
	t.Helper()
	diff := new(uint256.Int)
	if want.Gt(got) {
		diff.Sub(want, got)
	} else {
		diff.Sub(got, want)
	}
	assert.Truef(t, diff.Cmp(uint256.NewInt(tol)) <= 0, "want %s, got %s (tolerance %d)", want.Dec(), got.Dec(), tol)
}

func TestExecuteBuy_MovesPrice(t *testing.T) {
	h := setup(t)
	id := h.createMarket(t, []string{"Yes", "No"}, 100)

	before := h.custody.Balance(alice)
	tr := h.buy(t, alice, id, 0, 100)

	prices, err := h.eng.GetAllPrices(id)
	require.NoError(t, err)
	half := wad.MustParse("0.5")
	assert.True(t, prices[0].Gt(half), "price of bought outcome rises above 0.5")
	sum, err := wad.Sum(prices)
	require.NoError(t, err)
	near(t, wad.One, sum, 1_000_000)

	total, err := tr.Cost.Total()
	require.NoError(t, err)
	assert.Equal(t, total.Dec(), tr.Amount.Dec())
	assert.False(t, tr.Cost.Fee.IsZero(), "protocol fee is charged on top")

	after := h.custody.Balance(alice)
	assert.Equal(t, new(uint256.Int).Sub(before, total).Dec(), after.Dec())

	info, err := h.eng.GetMarketBasicInfo(id)
	require.NoError(t, err)
	sub, err := lmsr.MinSubsidy(wad.New(100), 2)
	require.NoError(t, err)
	assert.Equal(t, new(uint256.Int).Add(sub, &tr.Cost.Base).Dec(), info.Pool.Dec())
	assert.Equal(t, tr.Cost.Fee.Dec(), info.Fees.Dec())
	assert.Equal(t, uint64(1), info.TradeCount)
	assert.Equal(t, -1, info.WinningOutcome)
	assert.Equal(t, domain.MarketStateOpen, info.State)

	pos, err := h.eng.GetUserPosition(id, alice)
	require.NoError(t, err)
	assert.Equal(t, wad.New(100).Dec(), pos[0].Dec())
	assert.True(t, pos[1].IsZero())

	held := h.custody.Held()
	poolPlusFees := new(uint256.Int).Add(&info.Pool, &info.Fees)
	assert.Equal(t, poolPlusFees.Dec(), held.Dec(), "custody holds exactly pool plus fees")
	require.NoError(t, h.eng.VerifyInvariants(context.Background()))
}

func TestExecuteBuy_SlippageBound(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	id := h.createMarket(t, []string{"Yes", "No", "Maybe"}, 50)

	tc, err := h.eng.QuoteBuy(ctx, id, 2, wad.New(10))
	require.NoError(t, err)
	total, err := tc.Total()
	require.NoError(t, err)

	before := h.custody.Balance(bob)
	tight := new(uint256.Int).SubUint64(total, 1)
	_, err = h.eng.ExecuteBuy(ctx, bob, engine.BuyParams{MarketID: id, Outcome: 2, Shares: wad.New(10), MaxCost: tight})
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
	assert.Equal(t, before.Dec(), h.custody.Balance(bob).Dec(), "rejected trade moves no collateral")

	shares, err := h.eng.GetMarketShares(id)
	require.NoError(t, err)
	assert.True(t, shares[2].IsZero())

	tr, err := h.eng.ExecuteBuy(ctx, bob, engine.BuyParams{MarketID: id, Outcome: 2, Shares: wad.New(10), MaxCost: total})
	require.NoError(t, err)
	assert.Equal(t, total.Dec(), tr.Amount.Dec())
}

func TestRedeem_BeforeSettle(t *testing.T) {
	h := setup(t)
	id := h.createMarket(t, []string{"Yes", "No"}, 100)
	h.buy(t, alice, id, 0, 10)

	_, err := h.eng.Redeem(context.Background(), alice, id)
	assert.ErrorIs(t, err, domain.ErrMarketNotResolved)
}

func TestSettleOutcome_Twice(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	id := h.createMarket(t, []string{"Yes", "No"}, 100)
	h.buy(t, alice, id, 0, 100)
	h.buy(t, bob, id, 1, 40)

	_, err := h.eng.AssertOutcome(ctx, alice, id, 0)
	assert.ErrorIs(t, err, domain.ErrMarketNotEnded)

	h.clock.advance(25 * time.Hour)
	_, err = h.eng.SettleOutcome(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNoAssertion)

	a, err := h.eng.AssertOutcome(ctx, alice, id, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, a.ClaimedOutcome)
	_, err = h.eng.AssertOutcome(ctx, bob, id, 1)
	assert.ErrorIs(t, err, domain.ErrAssertionPending)

	state, err := h.eng.SettleOutcome(ctx, id)
	assert.ErrorIs(t, err, domain.ErrLivenessNotElapsed)
	assert.Equal(t, domain.MarketStateAssertionPending, state)
	assert.Empty(t, h.eng.PendingSettlements(h.clock.now()))

	h.clock.advance(h.cfg.Liveness)
	assert.Equal(t, []uint64{id}, h.eng.PendingSettlements(h.clock.now()))

	state, err = h.eng.SettleOutcome(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStateResolved, state)

	state, err = h.eng.SettleOutcome(ctx, id)
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
	assert.Equal(t, domain.MarketStateResolved, state)

	info, err := h.eng.GetMarketBasicInfo(id)
	require.NoError(t, err)
	assert.True(t, info.Resolved)
	assert.Equal(t, 0, info.WinningOutcome)
}

func TestCreateMarket_GateRejectsNonHolder(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	require.NoError(t, h.eng.SetPublicCreation(ctx, operator, true))
	require.NoError(t, h.eng.SetGateRules(ctx, operator, []domain.GateRule{
		{Kind: domain.GateMinBalance, Asset: gateERC, Threshold: *wad.New(100)},
		{Kind: domain.GateMinNftHoldings, Asset: gateNFT, Threshold: *uint256.NewInt(1)},
	}))

	params := engine.CreateMarketParams{
		Question: "Who wins?",
		Outcomes: []string{"A", "B"},
		Duration: time.Hour,
		B:        wad.New(10),
		Subsidy:  wad.New(10),
	}

	h.balances.Set(gateERC, carol, wad.New(99))
	access, err := h.eng.CheckCreationAccess(ctx, carol)
	require.NoError(t, err)
	assert.False(t, access.Allowed())

	_, err = h.eng.CreateMarket(ctx, carol, params)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, uint64(0), h.eng.MarketCount())

	h.balances.Set(gateNFT, bob, uint256.NewInt(1))
	id, err := h.eng.CreateMarket(ctx, bob, params)
	require.NoError(t, err)
	info, err := h.eng.GetMarketBasicInfo(id)
	require.NoError(t, err)
	norm, err := domain.NormalizeAddress(bob)
	require.NoError(t, err)
	assert.Equal(t, norm, info.Creator)

	require.NoError(t, h.eng.SetPublicCreation(ctx, operator, false))
	_, err = h.eng.CreateMarket(ctx, bob, params)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// Operators bypass the gate.
	_, err = h.eng.CreateMarket(ctx, operator, params)
	require.NoError(t, err)
}

func TestCreateMarket_Validation(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	valid := func() engine.CreateMarketParams {
		return engine.CreateMarketParams{
			Question: "Q?",
			Outcomes: []string{"A", "B"},
			Duration: time.Hour,
			B:        wad.New(10),
			Subsidy:  wad.New(10),
		}
	}

	cases := map[string]func(*engine.CreateMarketParams){
		"one outcome":       func(p *engine.CreateMarketParams) { p.Outcomes = []string{"A"} },
		"duplicate outcome": func(p *engine.CreateMarketParams) { p.Outcomes = []string{"A", " A "} },
		"empty outcome":     func(p *engine.CreateMarketParams) { p.Outcomes = []string{"A", "<b></b>"} },
		"empty question":    func(p *engine.CreateMarketParams) { p.Question = "   " },
		"zero duration":     func(p *engine.CreateMarketParams) { p.Duration = 0 },
		"zero liquidity":    func(p *engine.CreateMarketParams) { p.B = wad.Zero() },
		"liquidity too big": func(p *engine.CreateMarketParams) { p.B = wad.New(20_000_000) },
		"subsidy too small": func(p *engine.CreateMarketParams) { p.Subsidy = wad.New(6) },
		"fee above 100%": func(p *engine.CreateMarketParams) {
			fee := uint32(10_001)
			p.FeeBps = &fee
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := valid()
			mutate(&p)
			_, err := h.eng.CreateMarket(ctx, operator, p)
			assert.ErrorIs(t, err, domain.ErrInvalidMarketParams)
		})
	}
	assert.Equal(t, uint64(0), h.eng.MarketCount())

	p := valid()
	p.Question = "<script>alert(1)</script>Will <b>it</b>   rain?"
	id, err := h.eng.CreateMarket(ctx, operator, p)
	require.NoError(t, err)
	m, err := h.eng.Market(id)
	require.NoError(t, err)
	assert.Equal(t, "Will it rain?", m.Question)
}

func TestCreateMarket_PullFailureLeavesNoMarket(t *testing.T) {
	h := setup(t)
	poor := "0x0000000000000000000000000000000000000099"
	h.balances.Set(gateNFT, poor, uint256.NewInt(1))
	ctx := context.Background()
	require.NoError(t, h.eng.SetPublicCreation(ctx, operator, true))
	require.NoError(t, h.eng.SetGateRules(ctx, operator, []domain.GateRule{
		{Kind: domain.GateMinNftHoldings, Asset: gateNFT, Threshold: *uint256.NewInt(1)},
	}))

	_, err := h.eng.CreateMarket(ctx, poor, engine.CreateMarketParams{
		Question: "Q?", Outcomes: []string{"A", "B"}, Duration: time.Hour,
		B: wad.New(10), Subsidy: wad.New(10),
	})
	assert.ErrorIs(t, err, custody.ErrInsufficientFunds)
	assert.Equal(t, uint64(0), h.eng.MarketCount())

	markets, err := sqlite.NewLedgerStore(h.db).LoadMarkets(ctx)
	require.NoError(t, err)
	assert.Empty(t, markets, "the staged insert was rolled back")

	// The id is not burned.
	id := h.createMarket(t, []string{"A", "B"}, 10)
	assert.Equal(t, uint64(0), id)
}

func TestReadAPI(t *testing.T) {
	h := setup(t)
	id := h.createMarket(t, []string{"Red", "Green", "Blue"}, 30)
	h.createMarket(t, []string{"Up", "Down"}, 10)

	assert.Equal(t, uint64(2), h.eng.MarketCount())

	outcomes, err := h.eng.GetMarketOutcomes(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Red", "Green", "Blue"}, outcomes)

	prices, err := h.eng.GetAllPrices(id)
	require.NoError(t, err)
	third := new(uint256.Int).Div(wad.One, uint256.NewInt(3))
	for i := range prices {
		near(t, third, &prices[i], 1_000_000)
	}

	list := h.eng.ListMarkets(domain.ListOpts{Offset: 1, Limit: 5})
	require.Len(t, list, 1)
	assert.Equal(t, uint64(1), list[0].ID)
	assert.Empty(t, h.eng.ListMarkets(domain.ListOpts{Offset: 9}))

	snap, err := h.eng.Snapshot(id)
	require.NoError(t, err)
	assert.Len(t, snap.Prices, 3)
	assert.Equal(t, domain.MarketStateOpen, snap.State)

	_, err = h.eng.GetMarketBasicInfo(7)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.eng.GetUserPosition(id, "not-an-address")
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)

	// Returned slices are copies.
	outcomes[0] = "mutated"
	again, err := h.eng.GetMarketOutcomes(id)
	require.NoError(t, err)
	assert.Equal(t, "Red", again[0])
}

func TestExecuteBuy_Idempotency(t *testing.T) {
	h := newHarness(t, func(_ *engine.Config, d *engine.Deps) {
		d.Dedup = executor.NewDedup(time.Minute)
	})
	t.Cleanup(h.close)
	ctx := context.Background()
	id := h.createMarket(t, []string{"Yes", "No"}, 100)

	p := engine.BuyParams{MarketID: id, Outcome: 0, Shares: wad.New(1), MaxCost: wad.New(10), IdempotencyKey: "k1"}
	_, err := h.eng.ExecuteBuy(ctx, alice, p)
	require.NoError(t, err)
	_, err = h.eng.ExecuteBuy(ctx, alice, p)
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	// Keys are scoped per user.
	_, err = h.eng.ExecuteBuy(ctx, bob, p)
	require.NoError(t, err)

	// A failed request releases its key.
	p.IdempotencyKey = "k2"
	p.MaxCost = uint256.NewInt(1)
	_, err = h.eng.ExecuteBuy(ctx, alice, p)
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
	p.MaxCost = wad.New(10)
	_, err = h.eng.ExecuteBuy(ctx, alice, p)
	require.NoError(t, err)
}

// reentrantCustody calls back into the engine from inside a pull, with the
// context the engine handed it.
type reentrantCustody struct {
	*custody.Memory
	eng   *engine.Engine
	inner error
}

func (r *reentrantCustody) Pull(ctx context.Context, user string, amount *uint256.Int) error {
	if r.eng != nil {
		_, r.inner = r.eng.ExecuteBuy(ctx, user, engine.BuyParams{
			MarketID: 0, Outcome: 1, Shares: wad.New(1), MaxCost: wad.New(10),
		})
		return r.inner
	}
	return r.Memory.Pull(ctx, user, amount)
}

func TestExecuteBuy_ReentrancyRejected(t *testing.T) {
	rc := &reentrantCustody{Memory: custody.NewMemory()}
	h := newHarness(t, func(_ *engine.Config, d *engine.Deps) { d.Custody = rc })
	t.Cleanup(h.close)
	rc.Deposit(operator, wad.New(1_000_000))
	id := h.createMarket(t, []string{"Yes", "No"}, 100)

	rc.eng = h.eng
	_, err := h.eng.ExecuteBuy(context.Background(), alice, engine.BuyParams{
		MarketID: id, Outcome: 0, Shares: wad.New(1), MaxCost: wad.New(10),
	})
	assert.ErrorIs(t, err, domain.ErrReentrantCall)
	assert.ErrorIs(t, rc.inner, domain.ErrReentrantCall)

	shares, err := h.eng.GetMarketShares(id)
	require.NoError(t, err)
	assert.True(t, shares[0].IsZero())
	assert.True(t, shares[1].IsZero())
	require.NoError(t, h.eng.VerifyInvariants(context.Background()))
}

func TestTrading_ClosedAfterEnd(t *testing.T) {
	h := setup(t)
	id := h.createMarket(t, []string{"Yes", "No"}, 100)
	h.clock.advance(24 * time.Hour)

	_, err := h.eng.ExecuteBuy(context.Background(), alice, engine.BuyParams{
		MarketID: id, Outcome: 0, Shares: wad.New(1), MaxCost: wad.New(10),
	})
	assert.ErrorIs(t, err, domain.ErrMarketClosed)

	_, err = h.eng.ExecuteBuy(context.Background(), alice, engine.BuyParams{
		MarketID: 42, Outcome: 0, Shares: wad.New(1), MaxCost: wad.New(10),
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecuteBuy_BadInput(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	id := h.createMarket(t, []string{"Yes", "No"}, 100)

	_, err := h.eng.ExecuteBuy(ctx, alice, engine.BuyParams{MarketID: id, Outcome: 2, Shares: wad.New(1), MaxCost: wad.New(10)})
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)
	_, err = h.eng.ExecuteBuy(ctx, alice, engine.BuyParams{MarketID: id, Outcome: 0, Shares: wad.Zero(), MaxCost: wad.New(10)})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = h.eng.ExecuteBuy(ctx, "0xnope", engine.BuyParams{MarketID: id, Outcome: 0, Shares: wad.New(1), MaxCost: wad.New(10)})
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)
	_, err = h.eng.QuoteBuy(ctx, id, -1, wad.New(1))
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)
}
