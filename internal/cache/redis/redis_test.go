package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/cache/redis"
	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// newClient connects to LMSR_TEST_REDIS_ADDR under a random key prefix.
func newClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("LMSR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LMSR_TEST_REDIS_ADDR not set")
	}
	c, err := redis.New(context.Background(), redis.ClientConfig{
		Addr:      addr,
		KeyPrefix: "test-" + uuid.NewString(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSnapshotCache(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	sc := redis.NewSnapshotCache(c, time.Minute)

	_, err := sc.GetSnapshot(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	snap := domain.MarketSnapshot{
		ID:       1,
		State:    domain.MarketStateOpen,
		Outcomes: []string{"Yes", "No"},
		Prices:   []string{"500000000000000000", "500000000000000000"},
		Pool:     "69314718055994530942",
	}
	require.NoError(t, sc.SetSnapshot(ctx, snap))

	got, err := sc.GetSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, snap.Prices, got.Prices)
	assert.Equal(t, snap.Pool, got.Pool)

	many, err := sc.GetSnapshots(ctx, []uint64{1, 2})
	require.NoError(t, err)
	assert.Len(t, many, 1)

	require.NoError(t, sc.Invalidate(ctx, 1))
	_, err = sc.GetSnapshot(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLockManager(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	lm := redis.NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "keeper", time.Minute)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "keeper", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	unlock2, err := lm.Acquire(ctx, "keeper", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestRateLimiter(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	rl := redis.NewRateLimiter(c)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "ip:1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "ip:1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "ip:2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBus(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sb := redis.NewSignalBus(c, 100)

	sub, err := sb.Subscribe(ctx, domain.ChannelTrades)
	require.NoError(t, err)
	require.NoError(t, sb.Publish(ctx, domain.ChannelTrades, []byte(`{"type":"trade"}`)))
	select {
	case msg := <-sub:
		assert.JSONEq(t, `{"type":"trade"}`, string(msg))
	case <-ctx.Done():
		t.Fatal("no message received")
	}

	require.NoError(t, sb.StreamAppend(ctx, domain.StreamLedger, []byte("a")))
	require.NoError(t, sb.StreamAppend(ctx, domain.StreamLedger, []byte("b")))
	msgs, err := sb.StreamRead(ctx, domain.StreamLedger, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", string(msgs[1].Payload))

	none, err := sb.StreamRead(ctx, domain.StreamLedger, msgs[1].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
