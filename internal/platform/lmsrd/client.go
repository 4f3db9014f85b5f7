// Package lmsrd is a client for the HTTP API of the lmsrd process that owns
// the ledger. A standalone keeper drives settlement through it so that only
// one engine ever writes a store.
package lmsrd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// Client talks to one lmsrd API process.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type pendingResponse struct {
	MarketIDs []uint64 `json:"market_ids"`
}

type settleResponse struct {
	State domain.MarketState `json:"state"`
	Error string             `json:"error"`
}

type healthResponse struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
}

// PendingSettlements lists the markets the API process can settle now. The
// owning process decides by its own clock, so now is not sent.
func (c *Client) PendingSettlements(ctx context.Context, _ time.Time) ([]uint64, error) {
	var out pendingResponse
	status, err := c.do(ctx, http.MethodGet, "/api/settlements/pending", &out)
	if err != nil {
		return nil, fmt.Errorf("lmsrd: pending settlements: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("lmsrd: pending settlements: HTTP %d", status)
	}
	return out.MarketIDs, nil
}

// SettleOutcome asks the API process to settle marketID. Conflicts come
// back as the domain error the engine reported.
func (c *Client) SettleOutcome(ctx context.Context, marketID uint64) (domain.MarketState, error) {
	var out settleResponse
	path := "/api/markets/" + strconv.FormatUint(marketID, 10) + "/settle"
	status, err := c.do(ctx, http.MethodPost, path, &out)
	if err != nil {
		return "", fmt.Errorf("lmsrd: settle market %d: %w", marketID, err)
	}
	switch {
	case status == http.StatusOK:
		return out.State, nil
	case status == http.StatusNotFound:
		return out.State, fmt.Errorf("lmsrd: settle market %d: %w", marketID, domain.ErrNotFound)
	case status == http.StatusConflict:
		return out.State, fmt.Errorf("lmsrd: settle market %d: %w", marketID, settleConflict(out.Error))
	}
	return out.State, fmt.Errorf("lmsrd: settle market %d: HTTP %d: %s", marketID, status, out.Error)
}

// VerifyInvariants reads the ledger check from the API's health report. A
// failed ledger check wraps domain.ErrInvariantViolation; any other failure
// does not.
func (c *Client) VerifyInvariants(ctx context.Context) error {
	var out healthResponse
	status, err := c.do(ctx, http.MethodGet, "/api/health", &out)
	if err != nil {
		return fmt.Errorf("lmsrd: health: %w", err)
	}
	if ledger, ok := out.Dependencies["ledger"]; ok && ledger != "ok" {
		return fmt.Errorf("lmsrd: ledger: %s: %w", ledger, domain.ErrInvariantViolation)
	}
	if status != http.StatusOK {
		return fmt.Errorf("lmsrd: health: HTTP %d (%s)", status, out.Status)
	}
	return nil
}

// settleConflicts are the engine errors a settle call reports with 409.
var settleConflicts = []error{
	domain.ErrLivenessNotElapsed,
	domain.ErrDisputePending,
	domain.ErrAssertionRejected,
	domain.ErrAlreadyResolved,
	domain.ErrNoAssertion,
	domain.ErrMarketNotEnded,
	domain.ErrLockHeld,
}

func settleConflict(msg string) error {
	for _, target := range settleConflicts {
		if strings.Contains(msg, target.Error()) {
			return fmt.Errorf("%w: %s", target, msg)
		}
	}
	return errors.New(msg)
}

// do sends a bodyless request and decodes any JSON reply into out. It
// returns the status code; only transport and decode failures are errors.
func (c *Client) do(ctx context.Context, method, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
