package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/cache/memory"
	"github.com/alanyoungcy/lmsrmarket/internal/engine"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/custody"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/oracle"
	"github.com/alanyoungcy/lmsrmarket/internal/server/handler"
	"github.com/alanyoungcy/lmsrmarket/internal/server/middleware"
	"github.com/alanyoungcy/lmsrmarket/internal/service"
	"github.com/alanyoungcy/lmsrmarket/internal/store/sqlite"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

const (
	operator = "0x00000000000000000000000000000000000000F1"
	trader   = "0x00000000000000000000000000000000000000a1"
)

type harness struct {
	srv  *httptest.Server
	auth *middleware.Authenticator
	clk  *testClock
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ecfg := engine.DefaultConfig()
	ecfg.Operators = []string{operator}
	bank := custody.NewMemory()
	bank.Deposit(operator, wad.New(1_000))
	bank.Deposit(trader, wad.New(1_000))

	clk := &testClock{t: time.Now().UTC()}
	cache := memory.NewSnapshotCache(64, time.Minute)
	oo := oracle.NewOptimistic(ecfg.Liveness, clk.now)
	eng, err := engine.New(ecfg, engine.Deps{
		Store:   sqlite.NewLedgerStore(db),
		Custody: bank,
		Oracle:  oo,
		Cache:   cache,
		Logger:  discard(),
		Now:     clk.now,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Load(ctx))

	auth, err := middleware.NewAuthenticator("test-secret", "lmsrd")
	require.NoError(t, err)

	logger := discard()
	handlers := Handlers{
		Health:     handler.NewHealthHandler(map[string]handler.HealthCheck{"database": db.Ping}, logger),
		Markets:    handler.NewMarketHandler(eng, service.NewMarketService(eng, cache, logger), logger),
		Trading:    handler.NewTradingHandler(eng, logger),
		Resolution: handler.NewResolutionHandler(eng, logger),
		Admin:      handler.NewAdminHandler(eng, logger),
		Journal: handler.NewJournalHandler(
			service.NewTradeService(sqlite.NewTradeStore(db), sqlite.NewAuditStore(db)), eng, logger),
		Oracle: handler.NewOracleHandler(oo, eng, logger),
	}
	s := NewServer(cfg, handlers, nil, memory.NewRateLimiter(128, time.Minute), auth, logger)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, auth: auth, clk: clk}
}

func (h *harness) token(t *testing.T, addr string) string {
	t.Helper()
	tok, err := h.auth.Issue(addr, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestServer_MarketLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, Config{})
	opTok := h.token(t, operator)
	trTok := h.token(t, trader)

	status, body := h.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	create := map[string]any{
		"question": "Will it rain tomorrow?",
		"outcomes": []string{"Yes", "No"},
		"duration": "1h",
		"b":        "10",
	}
	status, _ = h.do(t, http.MethodPost, "/api/markets", "", create)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = h.do(t, http.MethodPost, "/api/markets", opTok, create)
	require.Equal(t, http.StatusCreated, status, body)
	id := strconv.FormatUint(uint64(body["id"].(float64)), 10)
	assert.Equal(t, "open", body["state"])

	status, body = h.do(t, http.MethodGet, "/api/markets/"+id+"/prices", "", nil)
	require.Equal(t, http.StatusOK, status)
	prices := body["prices"].([]any)
	require.Len(t, prices, 2)
	assert.Equal(t, prices[0], prices[1])

	status, body = h.do(t, http.MethodGet, "/api/markets/"+id+"/quote?side=buy&outcome=0&shares=5", "", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "5", body["shares"])

	buy := map[string]any{"outcome": 0, "shares": "5", "max_cost": "100"}
	status, body = h.do(t, http.MethodPost, "/api/markets/"+id+"/buy", trTok, buy)
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "buy", body["kind"])

	tight := map[string]any{"outcome": 0, "shares": "5", "max_cost": "0.01"}
	status, _ = h.do(t, http.MethodPost, "/api/markets/"+id+"/buy", trTok, tight)
	assert.Equal(t, http.StatusPreconditionFailed, status)

	status, body = h.do(t, http.MethodPost, "/api/markets/"+id+"/buy", trTok, map[string]any{"shares": "5", "max_cost": "100"})
	assert.Equal(t, http.StatusBadRequest, status, body)

	status, body = h.do(t, http.MethodGet, "/api/markets/"+id+"/positions/"+trader, "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"5", "0"}, body["shares"])

	status, body = h.do(t, http.MethodGet, "/api/markets/"+id+"/trades", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["trades"], 2, "subsidy and buy")

	status, _ = h.do(t, http.MethodPost, "/api/markets/"+id+"/assert", trTok, map[string]any{"outcome": 0})
	assert.Equal(t, http.StatusConflict, status, "market has not ended")

	status, _ = h.do(t, http.MethodPost, "/api/markets/999/settle", "", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = h.do(t, http.MethodGet, "/api/audit", trTok, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = h.do(t, http.MethodGet, "/api/audit", opTok, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestServer_DisputedResolution(t *testing.T) {
	h := newHarness(t, Config{})
	opTok := h.token(t, operator)
	trTok := h.token(t, trader)

	status, body := h.do(t, http.MethodPost, "/api/markets", opTok, map[string]any{
		"question": "Will the dispute hold?",
		"outcomes": []string{"Yes", "No"},
		"duration": "1h",
		"b":        "10",
	})
	require.Equal(t, http.StatusCreated, status, body)
	id := strconv.FormatUint(uint64(body["id"].(float64)), 10)

	status, body = h.do(t, http.MethodPost, "/api/markets/"+id+"/buy", trTok,
		map[string]any{"outcome": 0, "shares": "2", "max_cost": "10"})
	require.Equal(t, http.StatusCreated, status, body)

	h.clk.advance(2 * time.Hour)
	status, body = h.do(t, http.MethodPost, "/api/markets/"+id+"/assert", trTok, map[string]any{"outcome": 0})
	require.Equal(t, http.StatusAccepted, status, body)
	assertionID := body["id"].(string)

	status, _ = h.do(t, http.MethodPost, "/api/oracle/assertions/"+assertionID+"/dispute", trTok, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, body = h.do(t, http.MethodPost, "/api/oracle/assertions/"+assertionID+"/dispute", opTok, nil)
	require.Equal(t, http.StatusOK, status, body)

	status, body = h.do(t, http.MethodPost, "/api/markets/"+id+"/settle", "", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "disputed", body["state"])

	status, body = h.do(t, http.MethodPost, "/api/oracle/assertions/"+assertionID+"/resolve", opTok, map[string]any{"outcome": 0})
	require.Equal(t, http.StatusOK, status, body)

	status, body = h.do(t, http.MethodPost, "/api/markets/"+id+"/settle", "", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "resolved", body["state"])

	status, body = h.do(t, http.MethodPost, "/api/markets/"+id+"/redeem", trTok, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "2", body["amount"])
}

func TestServer_OperatorSettings(t *testing.T) {
	h := newHarness(t, Config{})

	status, _ := h.do(t, http.MethodPut, "/api/settings/protocol-fee", h.token(t, trader), map[string]any{"fee_bps": 50})
	assert.Equal(t, http.StatusForbidden, status)

	status, body := h.do(t, http.MethodPut, "/api/settings/protocol-fee", h.token(t, operator), map[string]any{"fee_bps": 50})
	require.Equal(t, http.StatusOK, status, body)

	status, body = h.do(t, http.MethodGet, "/api/settings", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 50, body["protocol_fee_bps"])

	status, _ = h.do(t, http.MethodPut, "/api/settings/protocol-fee", h.token(t, operator), map[string]any{"fee_bps": 10_001})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = h.do(t, http.MethodGet, "/api/audit", h.token(t, operator), nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["entries"])
}

func TestServer_CORSPreflight(t *testing.T) {
	h := newHarness(t, Config{CORSOrigins: []string{"https://app.example.com"}})

	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/markets", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Less(t, resp.StatusCode, 300)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_RateLimitsByIP(t *testing.T) {
	h := newHarness(t, Config{ReadLimit: 2, RateWindow: time.Minute})

	for i := 0; i < 2; i++ {
		status, _ := h.do(t, http.MethodGet, "/api/markets/count", "", nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, body := h.do(t, http.MethodGet, "/api/markets/count", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate limit exceeded", body["error"])
}
