package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/cache/memory"
	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

func TestSignalBus_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := memory.NewSignalBus(0)

	trades, err := bus.Subscribe(ctx, domain.ChannelTrades)
	require.NoError(t, err)
	all, err := bus.Subscribe(ctx, "*")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.ChannelTrades, []byte("t1")))
	require.NoError(t, bus.Publish(ctx, domain.ChannelMarkets, []byte("m1")))

	assert.Equal(t, []byte("t1"), <-trades)
	assert.Equal(t, []byte("t1"), <-all)
	assert.Equal(t, []byte("m1"), <-all)
	select {
	case msg := <-trades:
		t.Fatalf("unexpected message %q", msg)
	default:
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-trades
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestSignalBus_BadPattern(t *testing.T) {
	_, err := memory.NewSignalBus(0).Subscribe(context.Background(), "[")
	assert.Error(t, err)
}

func TestSignalBus_Stream(t *testing.T) {
	ctx := context.Background()
	bus := memory.NewSignalBus(3)

	msgs, err := bus.StreamRead(ctx, domain.StreamLedger, "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	for _, p := range []string{"a", "b", "c", "d"} {
		require.NoError(t, bus.StreamAppend(ctx, domain.StreamLedger, []byte(p)))
	}

	msgs, err = bus.StreamRead(ctx, domain.StreamLedger, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "2", msgs[0].ID)
	assert.Equal(t, []byte("b"), msgs[0].Payload)

	msgs, err = bus.StreamRead(ctx, domain.StreamLedger, "3", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("d"), msgs[0].Payload)

	_, err = bus.StreamRead(ctx, domain.StreamLedger, "x", 1)
	assert.Error(t, err)
}

func TestSnapshotCache(t *testing.T) {
	ctx := context.Background()
	c := memory.NewSnapshotCache(8, time.Minute)

	_, err := c.GetSnapshot(ctx, 4)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, c.SetSnapshot(ctx, domain.MarketSnapshot{ID: 4, Pool: "10"}))
	snap, err := c.GetSnapshot(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "10", snap.Pool)

	require.NoError(t, c.Invalidate(ctx, 4))
	_, err = c.GetSnapshot(ctx, 4)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	rl := memory.NewRateLimiter(16, time.Minute)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "alice", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "alice", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "bob", 3, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = rl.Allow(ctx, "bob", 0, time.Hour)
	assert.Error(t, err)
}
