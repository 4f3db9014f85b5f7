package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/cache/memory"
	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

func startHub(t *testing.T) (*memory.SignalBus, string) {
	t.Helper()
	bus := memory.NewSignalBus(0)
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return bus, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// publishUntil republishes ev until stop closes, covering the gap before
// the hub's bus subscription is live.
func publishUntil(bus *memory.SignalBus, channel string, ev domain.Event, stop <-chan struct{}) {
	raw, _ := json.Marshal(ev)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			bus.Publish(context.Background(), channel, raw)
		}
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	mt, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestHub_RelaysTradeEvents(t *testing.T) {
	bus, url := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readFrame(t, conn)
	assert.Equal(t, "hello", hello.Type)

	stop := make(chan struct{})
	defer close(stop)
	go publishUntil(bus, domain.ChannelTrades, domain.Event{Type: domain.EventTrade, MarketID: 7}, stop)

	env := readFrame(t, conn)
	assert.Equal(t, domain.ChannelTrades, env.Channel)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(env.Event, &ev))
	assert.Equal(t, domain.EventTrade, ev.Type)
	assert.Equal(t, uint64(7), ev.MarketID)
}

func TestHub_FiltersByMarket(t *testing.T) {
	bus, url := startHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws?market=2", nil)
	require.NoError(t, err)
	defer conn.Close()
	readFrame(t, conn) // hello

	stop := make(chan struct{})
	defer close(stop)
	go publishUntil(bus, domain.ChannelMarkets, domain.Event{Type: domain.EventMarketCreated, MarketID: 1}, stop)
	go publishUntil(bus, domain.ChannelMarkets, domain.Event{Type: domain.EventMarketCreated, MarketID: 2}, stop)

	for i := 0; i < 5; i++ {
		env := readFrame(t, conn)
		var ev domain.Event
		require.NoError(t, json.Unmarshal(env.Event, &ev))
		assert.Equal(t, uint64(2), ev.MarketID)
	}
}

func TestClient_Subscription(t *testing.T) {
	c := &client{subs: map[string]bool{domain.ChannelTrades: true}, markets: map[uint64]bool{}}
	assert.True(t, c.wants(domain.ChannelTrades, 9))
	assert.False(t, c.wants(domain.ChannelAdmin, 9))

	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{domain.ChannelAdmin}, Markets: []uint64{3}})
	assert.True(t, c.wants(domain.ChannelAdmin, 3))
	assert.False(t, c.wants(domain.ChannelAdmin, 9))

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelTrades}, Markets: []uint64{3}})
	assert.False(t, c.wants(domain.ChannelTrades, 9))
	assert.True(t, c.wants(domain.ChannelAdmin, 9))
}
