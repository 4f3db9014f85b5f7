package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Discord embed limits.
const (
	discordTitleLimit = 256
	discordDescLimit  = 4096
	maxRetryAfter     = 5 * time.Second
)

const (
	colorCritical = 0xE74C3C
	colorInfo     = 0x3498DB
)

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// DiscordSender posts alerts to a webhook as one embed each, red for
// critical alerts.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Send posts one embed. A 429 with a short retry_after is retried once.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	color := colorInfo
	if strings.HasPrefix(title, "CRITICAL") {
		color = colorCritical
	}
	body, err := json.Marshal(discordPayload{
		Username: "lmsrd",
		Embeds: []discordEmbed{{
			Title:       clip(title, discordTitleLimit),
			Description: "```\n" + clip(message, discordDescLimit-8) + "\n```",
			Color:       color,
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	wait, err := d.post(ctx, body)
	if err == nil || wait <= 0 || wait > maxRetryAfter {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}
	_, err = d.post(ctx, body)
	return err
}

// post sends body once. On 429 it also returns the server's retry_after.
func (d *DiscordSender) post(ctx context.Context, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("discord: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return 0, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode == http.StatusTooManyRequests {
		var rl struct {
			RetryAfter float64 `json:"retry_after"`
		}
		_ = json.Unmarshal(raw, &rl)
		return time.Duration(rl.RetryAfter * float64(time.Second)),
			fmt.Errorf("discord: rate limited (retry after %.2fs)", rl.RetryAfter)
	}
	return 0, fmt.Errorf("discord: status %d: %s", resp.StatusCode, raw)
}

func (d *DiscordSender) Name() string { return "discord" }
