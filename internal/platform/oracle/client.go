package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/lmsrmarket/internal/crypto"
	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// Client is the REST client for a remote optimistic oracle. Claims are
// signed with the engine's operator key so the oracle can attribute them.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
}

// NewClient creates an oracle client.
func NewClient(baseURL string, signer *crypto.Signer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer,
	}
}

type assertRequest struct {
	MarketID    uint64 `json:"market_id"`
	Question    string `json:"question"`
	Outcome     int    `json:"outcome"`
	OutcomeName string `json:"outcome_name"`
	Asserter    string `json:"asserter"`
	AssertedAt  int64  `json:"asserted_at"`
	Signer      string `json:"signer"`
	Signature   string `json:"signature"`
}

type assertResponse struct {
	AssertionID string `json:"assertion_id"`
}

type statusResponse struct {
	Finalized bool `json:"finalized"`
	Outcome   int  `json:"outcome"`
	Disputed  bool `json:"disputed"`
}

// Assert implements domain.Oracle.
func (c *Client) Assert(ctx context.Context, claim domain.Claim) (string, error) {
	sig, err := c.signer.SignClaim(claim)
	if err != nil {
		return "", fmt.Errorf("oracle: sign claim: %w", err)
	}
	body := assertRequest{
		MarketID:    claim.MarketID,
		Question:    claim.Question,
		Outcome:     claim.Outcome,
		OutcomeName: claim.OutcomeName,
		Asserter:    claim.Asserter,
		AssertedAt:  claim.AssertedAt.Unix(),
		Signer:      c.signer.Address(),
		Signature:   sig,
	}
	var out assertResponse
	if err := c.do(ctx, http.MethodPost, "/v1/assertions", body, &out); err != nil {
		return "", fmt.Errorf("oracle: assert market %d: %w", claim.MarketID, err)
	}
	if out.AssertionID == "" {
		return "", errors.New("oracle: assert: empty assertion id")
	}
	return out.AssertionID, nil
}

// IsFinalized implements domain.Oracle.
func (c *Client) IsFinalized(ctx context.Context, assertionID string) (domain.OracleStatus, error) {
	var out statusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/assertions/"+url.PathEscape(assertionID), nil, &out); err != nil {
		return domain.OracleStatus{}, fmt.Errorf("oracle: status %s: %w", assertionID, err)
	}
	return domain.OracleStatus{Finalized: out.Finalized, Outcome: out.Outcome, Disputed: out.Disputed}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, raw)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, raw)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ domain.Oracle = (*Client)(nil)
