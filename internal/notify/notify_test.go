package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

type recordingSender struct {
	mu     sync.Mutex
	name   string
	err    error
	titles []string
	bodies []string
}

func (r *recordingSender) Send(_ context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, message)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

func TestNotifier_FiltersEvents(t *testing.T) {
	ok := &recordingSender{name: "ok"}
	broken := &recordingSender{name: "broken", err: errors.New("down")}
	n := NewNotifier([]Sender{broken, ok}, []string{"market_resolved", " "}, nil)
	ctx := context.Background()

	require.NoError(t, n.HandleEvent(ctx, domain.Event{Type: domain.EventTrade, MarketID: 1}))
	assert.Zero(t, ok.count())

	err := n.HandleEvent(ctx, domain.Event{
		Type:     domain.EventMarketResolved,
		MarketID: 7,
		Data:     map[string]any{"winning_outcome": 1, "outcome_name": "No"},
	})
	assert.ErrorContains(t, err, "broken: down")
	require.Equal(t, 1, ok.count(), "a failing sender does not block the others")
	assert.Equal(t, "market resolved: market 7", ok.titles[0])
	assert.Equal(t, "outcome_name: No\nwinning_outcome: 1", ok.bodies[0])
}

func TestNotifier_CriticalIsQueued(t *testing.T) {
	s := &recordingSender{name: "s"}
	n := NewNotifier([]Sender{s}, []string{"nothing"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n.Critical(ctx, "payout_restore_failed", map[string]any{"market_id": uint64(3)})
	assert.Zero(t, s.count(), "Critical returns before delivery")

	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return s.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "CRITICAL: payout_restore_failed", s.titles[0])
	assert.Equal(t, "market_id: 3", s.bodies[0])
	cancel()
	<-done
}

func TestDiscordSender(t *testing.T) {
	type embed struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Color       int    `json:"color"`
	}
	var (
		mu    sync.Mutex
		got   []embed
		calls int
		reply = func(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) }
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p struct {
			Embeds []embed `json:"embeds"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		defer mu.Unlock()
		calls++
		got = append(got, p.Embeds...)
		reply(w)
	}))
	defer srv.Close()

	embeds := func() []embed {
		mu.Lock()
		defer mu.Unlock()
		return append([]embed(nil), got...)
	}

	d := NewDiscordSender(srv.URL)
	require.NoError(t, d.Send(context.Background(), "CRITICAL: pool_insolvent", "market_id: 1"))
	e := embeds()
	require.Len(t, e, 1)
	assert.Equal(t, "CRITICAL: pool_insolvent", e[0].Title)
	assert.Equal(t, "```\nmarket_id: 1\n```", e[0].Description)
	assert.Equal(t, colorCritical, e[0].Color)

	require.NoError(t, d.Send(context.Background(), "market.resolved", strings.Repeat("x", 5000)))
	e = embeds()
	require.Len(t, e, 2)
	assert.Equal(t, colorInfo, e[1].Color)
	assert.LessOrEqual(t, len([]rune(e[1].Description)), discordDescLimit)

	// One short rate limit is waited out, then the retry succeeds.
	limited := true
	mu.Lock()
	reply = func(w http.ResponseWriter) {
		if limited {
			limited = false
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"retry_after":0.01}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
	calls = 0
	mu.Unlock()
	require.NoError(t, d.Send(context.Background(), "Alert", "body"))
	mu.Lock()
	assert.Equal(t, 2, calls)
	reply = func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"retry_after":60}`)
	}
	mu.Unlock()
	assert.ErrorContains(t, d.Send(context.Background(), "Alert", "body"), "rate limited")

	mu.Lock()
	reply = func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadRequest) }
	mu.Unlock()
	assert.ErrorContains(t, d.Send(context.Background(), "Alert", "body"), "status 400")
}

func TestTelegramSender(t *testing.T) {
	var (
		mu    sync.Mutex
		texts []string
		modes []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"lmsr","username":"lmsr_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			require.NoError(t, r.ParseForm())
			mu.Lock()
			texts = append(texts, r.PostForm.Get("text"))
			modes = append(modes, r.PostForm.Get("parse_mode"))
			mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	_, err := NewTelegramSender(TelegramConfig{Token: "t", ChatID: "not-a-number"})
	assert.Error(t, err)

	s, err := NewTelegramSender(TelegramConfig{Token: "t", ChatID: "42", Endpoint: srv.URL + "/bot%s/%s"})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), "Market 1.", "a_b"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, texts, 1)
	assert.Equal(t, "*Market 1\\.*\n```\na_b\n```", texts[0])
	assert.Equal(t, "MarkdownV2", modes[0])
}

func TestEscapeMarkdownV2(t *testing.T) {
	assert.Equal(t, `0\.5 \(50%\)`, escapeMarkdownV2("0.5 (50%)"))
	assert.Equal(t, "a\\`b\\\\", escapeCode("a`b\\"))
}
