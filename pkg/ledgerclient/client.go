/**
 * @description
 * This package provides the HTTP client for the wallet ledger service. It
 * implements the gateway contract the lifecycle core depends on: placing and
 * resolving reservations on debit legs, crediting deposits, and applying
 * reversals. It encapsulates authenticated request construction and response
 * parsing against the ledger's internal API.
 *
 * An insufficient-funds decline is surfaced as ledger.ErrInsufficientFunds
 * so the caller can route it to a failed terminal state instead of treating
 * it as an outage.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/flowpay/transaction-core/internal/ledger"
)

// Client is a client for the wallet ledger service's internal API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new ledger service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type reserveRequest struct {
	WalletID string          `json:"wallet_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type reserveResponse struct {
	ReservationID string `json:"reservation_id"`
}

type creditRequest struct {
	WalletID string          `json:"wallet_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type reversalRequest struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

// ErrorResponse represents an error payload from the ledger API.
type ErrorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
	Status int    `json:"-"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("ledger api error: %s - %s", e.Code, e.Detail)
}

// Reserve places a hold on the wallet and returns the reservation id.
func (c *Client) Reserve(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, currency string) (uuid.UUID, error) {
	payload := reserveRequest{WalletID: walletID.String(), Amount: amount, Currency: currency}

	var resp reserveResponse
	if err := c.do(ctx, http.MethodPost, "/internal/v1/reservations", payload, &resp); err != nil {
		return uuid.Nil, err
	}
	reservationID, err := uuid.Parse(resp.ReservationID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse reservation id %q: %w", resp.ReservationID, err)
	}
	return reservationID, nil
}

// Commit settles a held reservation. Committing an already-committed
// reservation is a no-op on the ledger side.
func (c *Client) Commit(ctx context.Context, reservationID uuid.UUID) error {
	path := fmt.Sprintf("/internal/v1/reservations/%s/commit", reservationID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Release returns held funds to the wallet.
func (c *Client) Release(ctx context.Context, reservationID uuid.UUID) error {
	path := fmt.Sprintf("/internal/v1/reservations/%s/release", reservationID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// ApplyCredit credits a wallet directly, used for completed deposits.
func (c *Client) ApplyCredit(ctx context.Context, walletID uuid.UUID, amount decimal.Decimal, currency string) error {
	payload := creditRequest{WalletID: walletID.String(), Amount: amount, Currency: currency}
	return c.do(ctx, http.MethodPost, "/internal/v1/credits", payload, nil)
}

// ApplyReversal posts a compensating entry for a completed transaction.
func (c *Client) ApplyReversal(ctx context.Context, transactionID uuid.UUID, amount decimal.Decimal, currency string) error {
	payload := reversalRequest{TransactionID: transactionID.String(), Amount: amount, Currency: currency}
	return c.do(ctx, http.MethodPost, "/internal/v1/reversals", payload, nil)
}

// do executes one authenticated request and decodes the response into out
// when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal ledger request: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create ledger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Internal-Api-Key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute ledger request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read ledger response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=ledger_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return fmt.Errorf("ledger request failed (status %d)", resp.StatusCode)
		}
		errResp.Status = resp.StatusCode
		if errResp.Code == "insufficient_funds" || resp.StatusCode == http.StatusPaymentRequired {
			return fmt.Errorf("%s: %w", errResp.Detail, ledger.ErrInsufficientFunds)
		}
		log.Printf("level=warn component=ledger_client op=%s status=%d code=%q detail=%q", path, resp.StatusCode, errResp.Code, errResp.Detail)
		return &errResp
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode ledger response: %w", err)
	}
	return nil
}
