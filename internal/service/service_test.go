package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/cache/memory"
	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type mockSettler struct{ mock.Mock }

func (m *mockSettler) PendingSettlements(ctx context.Context, now time.Time) ([]uint64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).([]uint64), args.Error(1)
}

func (m *mockSettler) SettleOutcome(ctx context.Context, id uint64) (domain.MarketState, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.MarketState), args.Error(1)
}

func (m *mockSettler) VerifyInvariants(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, fmt.Errorf("lock %s: %w", key, domain.ErrLockHeld)
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, key)
	}, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Critical(_ context.Context, event string, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

var keeperNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestKeeper(s Settler, locks domain.LockManager, alerter domain.Alerter, cfg KeeperConfig) *SettlementKeeper {
	k := NewSettlementKeeper(s, locks, alerter, cfg, discard())
	k.now = func() time.Time { return keeperNow }
	return k
}

func TestSettlementKeeper_Tick(t *testing.T) {
	ctx := context.Background()
	s := &mockSettler{}
	s.On("PendingSettlements", mock.Anything, keeperNow).Return([]uint64{1, 2, 3, 4}, nil)
	s.On("SettleOutcome", mock.Anything, uint64(1)).Return(domain.MarketStateResolved, nil)
	s.On("SettleOutcome", mock.Anything, uint64(2)).
		Return(domain.MarketStateAssertionPending, fmt.Errorf("engine: settle outcome: %w", domain.ErrLivenessNotElapsed))
	s.On("SettleOutcome", mock.Anything, uint64(3)).
		Return(domain.MarketStateEnded, fmt.Errorf("engine: settle outcome: %w", domain.ErrAssertionRejected))
	s.On("SettleOutcome", mock.Anything, uint64(4)).Return(domain.MarketStateDisputed, errors.New("oracle down"))

	k := newTestKeeper(s, nil, nil, KeeperConfig{Interval: time.Second})
	n, err := k.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s.AssertExpectations(t)
}

func TestSettlementKeeper_NotLeader(t *testing.T) {
	locks := &fakeLocks{held: map[string]bool{"keeper:leader": true}}
	s := &mockSettler{}

	k := newTestKeeper(s, locks, nil, KeeperConfig{})
	n, err := k.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	s.AssertNotCalled(t, "PendingSettlements", mock.Anything, mock.Anything)
}

func TestSettlementKeeper_ReleasesLeaderLock(t *testing.T) {
	locks := &fakeLocks{held: map[string]bool{}}
	s := &mockSettler{}
	s.On("PendingSettlements", mock.Anything, keeperNow).Return([]uint64(nil), nil)

	k := newTestKeeper(s, locks, nil, KeeperConfig{LeaderKey: "k"})
	_, err := k.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, locks.held)
}

func TestSettlementKeeper_InvariantViolationAlerts(t *testing.T) {
	s := &mockSettler{}
	s.On("PendingSettlements", mock.Anything, keeperNow).Return([]uint64(nil), nil)
	s.On("VerifyInvariants", mock.Anything).
		Return(fmt.Errorf("market 1: %w", domain.ErrInvariantViolation)).Once()
	alerts := &recordingAlerter{}

	k := newTestKeeper(s, nil, alerts, KeeperConfig{VerifyEvery: 2})

	_, err := k.Tick(context.Background())
	require.NoError(t, err)
	_, err = k.Tick(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Equal(t, []string{"invariant_violation"}, alerts.events)
	s.AssertNumberOfCalls(t, "VerifyInvariants", 1)
}

func TestSettlementKeeper_SettlerUnreachable(t *testing.T) {
	s := &mockSettler{}
	s.On("PendingSettlements", mock.Anything, keeperNow).
		Return([]uint64(nil), errors.New("dial tcp: connection refused")).Once()
	s.On("PendingSettlements", mock.Anything, keeperNow).Return([]uint64(nil), nil)
	s.On("VerifyInvariants", mock.Anything).Return(errors.New("api: health: HTTP 502"))
	alerts := &recordingAlerter{}

	k := newTestKeeper(s, nil, alerts, KeeperConfig{VerifyEvery: 1})
	_, err := k.Tick(context.Background())
	assert.ErrorContains(t, err, "list pending")

	_, err = k.Tick(context.Background())
	assert.ErrorContains(t, err, "verify invariants")
	assert.NotErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Empty(t, alerts.events, "an unreachable api is not a ledger violation")
}

type mockArchiver struct{ mock.Mock }

func (m *mockArchiver) ArchiveTrades(ctx context.Context, since, until time.Time) (int64, error) {
	args := m.Called(ctx, since, until)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockArchiver) ArchiveAudit(ctx context.Context, since, until time.Time) (int64, error) {
	args := m.Called(ctx, since, until)
	return args.Get(0).(int64), args.Error(1)
}

func TestArchiveScheduler_RunOnce(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC) }
	a := &mockArchiver{}
	a.On("ArchiveTrades", mock.Anything, day(3), day(4)).Return(int64(5), nil)
	a.On("ArchiveTrades", mock.Anything, day(4), day(5)).Return(int64(0), errors.New("s3 down"))
	a.On("ArchiveAudit", mock.Anything, day(3), day(4)).Return(int64(2), nil)
	a.On("ArchiveAudit", mock.Anything, day(4), day(5)).Return(int64(1), nil)

	s := NewArchiveScheduler(a, ArchiveConfig{Lookback: 2}, discard())
	s.now = func() time.Time { return time.Date(2026, 1, 5, 13, 30, 0, 0, time.UTC) }

	n, err := s.RunOnce(context.Background())
	assert.ErrorContains(t, err, "s3 down")
	assert.Equal(t, int64(8), n)
	a.AssertExpectations(t)
}

type fakeSource map[uint64]domain.MarketSnapshot

func (f fakeSource) Snapshot(id uint64) (domain.MarketSnapshot, error) {
	snap, ok := f[id]
	if !ok {
		return domain.MarketSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func TestMarketService_CacheFirst(t *testing.T) {
	ctx := context.Background()
	src := fakeSource{1: {ID: 1, Pool: "engine"}, 2: {ID: 2, Pool: "engine"}}
	cache := memory.NewSnapshotCache(8, time.Minute)
	require.NoError(t, cache.SetSnapshot(ctx, domain.MarketSnapshot{ID: 1, Pool: "cached"}))

	svc := NewMarketService(src, cache, discard())

	snap, err := svc.GetSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "cached", snap.Pool)

	snap, err = svc.GetSnapshot(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "engine", snap.Pool)
	backfilled, err := cache.GetSnapshot(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "engine", backfilled.Pool)

	_, err = svc.GetSnapshot(ctx, 9)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, svc.Refresh(ctx, 1))
	snaps, err := svc.GetSnapshots(ctx, []uint64{2, 1})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, uint64(2), snaps[0].ID)
	assert.Equal(t, "engine", snaps[1].Pool)
}

func TestMarketService_NoCache(t *testing.T) {
	svc := NewMarketService(fakeSource{1: {ID: 1}}, nil, discard())
	snaps, err := svc.GetSnapshots(context.Background(), []uint64{1})
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
	_, err = svc.GetSnapshots(context.Background(), []uint64{1, 5})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type mockTrades struct{ mock.Mock }

func (m *mockTrades) List(ctx context.Context, opts domain.ListOpts) ([]domain.Trade, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).([]domain.Trade), args.Error(1)
}

func (m *mockTrades) ListByMarket(ctx context.Context, id uint64, opts domain.ListOpts) ([]domain.Trade, error) {
	args := m.Called(ctx, id, opts)
	return args.Get(0).([]domain.Trade), args.Error(1)
}

func (m *mockTrades) ListByUser(ctx context.Context, user string, opts domain.ListOpts) ([]domain.Trade, error) {
	args := m.Called(ctx, user, opts)
	return args.Get(0).([]domain.Trade), args.Error(1)
}

type mockAudit struct{ mock.Mock }

func (m *mockAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	return m.Called(ctx, event, detail).Error(0)
}

func (m *mockAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).([]domain.AuditEntry), args.Error(1)
}

func TestTradeService_ListTrades(t *testing.T) {
	ctx := context.Background()
	user, err := domain.NormalizeAddress("0x00000000000000000000000000000000000000a1")
	require.NoError(t, err)
	trades := &mockTrades{}
	trades.On("ListByUser", mock.Anything, user, domain.ListOpts{Limit: MaxPageSize}).
		Return([]domain.Trade{{ID: "a", MarketID: 1}, {ID: "b", MarketID: 2}, {ID: "c", MarketID: 1}}, nil)
	trades.On("ListByMarket", mock.Anything, uint64(2), domain.ListOpts{Limit: DefaultPageSize, Offset: 10}).
		Return([]domain.Trade{{ID: "b", MarketID: 2}}, nil)
	trades.On("List", mock.Anything, domain.ListOpts{Limit: 5}).Return([]domain.Trade{}, nil)

	svc := NewTradeService(trades, &mockAudit{})

	one := uint64(1)
	got, err := svc.ListTrades(ctx, TradeQuery{User: "0x00000000000000000000000000000000000000a1", MarketID: &one, Limit: 10_000})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[1].ID)

	two := uint64(2)
	got, err = svc.ListTrades(ctx, TradeQuery{MarketID: &two, Offset: 10})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = svc.ListTrades(ctx, TradeQuery{Limit: 5})
	require.NoError(t, err)

	_, err = svc.ListTrades(ctx, TradeQuery{User: "nobody"})
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)
	trades.AssertExpectations(t)
}

func TestTradeService_ListAudit(t *testing.T) {
	audit := &mockAudit{}
	audit.On("List", mock.Anything, domain.ListOpts{Limit: DefaultPageSize}).
		Return([]domain.AuditEntry{{ID: 1, Event: "market_created"}}, nil)
	audit.On("List", mock.Anything, domain.ListOpts{Limit: 3}).
		Return([]domain.AuditEntry(nil), errors.New("db gone"))

	svc := NewTradeService(&mockTrades{}, audit)
	entries, err := svc.ListAudit(context.Background(), 0, -1, nil, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = svc.ListAudit(context.Background(), 3, 0, nil, nil)
	assert.ErrorContains(t, err, "db gone")
}

func TestEventRelay_Dispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := memory.NewSignalBus(0)

	var (
		mu  sync.Mutex
		got []domain.Event
	)
	record := EventHandlerFunc(func(_ context.Context, ev domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
		return nil
	})
	failing := EventHandlerFunc(func(context.Context, domain.Event) error { return errors.New("nope") })

	relay := NewEventRelay(bus, []string{domain.ChannelResolutions}, discard(), failing, record)
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	payload, err := json.Marshal(domain.Event{Type: domain.EventMarketResolved, MarketID: 7})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		require.NoError(t, bus.Publish(ctx, domain.ChannelResolutions, []byte("not json")))
		require.NoError(t, bus.Publish(ctx, domain.ChannelResolutions, payload))
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, uint64(7), got[0].MarketID)
	assert.Equal(t, domain.EventMarketResolved, got[0].Type)
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
