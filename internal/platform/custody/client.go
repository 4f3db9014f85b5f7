package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/lmsrmarket/internal/crypto"
	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

const transferPath = "/v1/transfers"

// Client talks to a remote custody service. Every transfer carries an
// EIP-712 signature from the engine's operator key and HMAC request
// headers.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	auth       *crypto.HMACAuth
}

// NewClient creates a custody client. auth may be nil when the service
// only checks signatures.
func NewClient(baseURL string, signer *crypto.Signer, auth *crypto.HMACAuth, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer,
		auth:       auth,
	}
}

type transferRequest struct {
	RequestID string `json:"request_id"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	Direction string `json:"direction"`
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

type transferResponse struct {
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// PullUnits implements UnitTransferrer.
func (c *Client) PullUnits(ctx context.Context, user string, units *uint256.Int) error {
	if err := c.transfer(ctx, user, units, crypto.DirectionPull); err != nil {
		return fmt.Errorf("custody: pull %s from %s: %w", units.Dec(), user, err)
	}
	return nil
}

// PushUnits implements UnitTransferrer.
func (c *Client) PushUnits(ctx context.Context, user string, units *uint256.Int) error {
	if err := c.transfer(ctx, user, units, crypto.DirectionPush); err != nil {
		return fmt.Errorf("custody: push %s to %s: %w", units.Dec(), user, err)
	}
	return nil
}

func (c *Client) transfer(ctx context.Context, user string, units *uint256.Int, direction uint8) error {
	id := uuid.New()
	var requestID [32]byte
	copy(requestID[16:], id[:])

	sig, err := c.signer.SignTransfer(user, units, direction, requestID)
	if err != nil {
		return err
	}
	dir := "pull"
	if direction == crypto.DirectionPush {
		dir = "push"
	}
	body, err := json.Marshal(transferRequest{
		RequestID: id.String(),
		Account:   user,
		Amount:    units.Dec(),
		Direction: dir,
		Signer:    c.signer.Address(),
		Signature: sig,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+transferPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", id.String())
	if c.auth != nil {
		for k, v := range c.auth.Headers(http.MethodPost, transferPath, string(body)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var out transferResponse
	_ = json.Unmarshal(respBody, &out)
	if out.Code == "insufficient_funds" {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, out.Error)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out.Status != "ok" {
		return errors.New("unexpected response: " + string(respBody))
	}
	return nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, body)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, body)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, body)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, body)
	}
}

var _ UnitTransferrer = (*Client)(nil)
