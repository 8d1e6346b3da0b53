// Package accounting is the client for the downstream ledger that receives
// one credit per settled deposit.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"depositrecon/internal/common/money"
	"depositrecon/internal/recon/domain"
)

// Config holds ledger client configuration.
type Config struct {
	BaseURL   string        `envconfig:"ACCOUNTING_BASE_URL"`
	APIKey    string        `envconfig:"ACCOUNTING_API_KEY"`
	UserAgent string        `envconfig:"ACCOUNTING_USER_AGENT" default:"depositrecon/1.0"`
	Timeout   time.Duration `envconfig:"ACCOUNTING_TIMEOUT" default:"15s"`
}

// tagDeposit marks a ledger invoice as a customer deposit.
const tagDeposit = 1

type createInvoiceRequest struct {
	ExternalCustomerID string      `json:"externalCustomerId"`
	Tag                int         `json:"tag"`
	Amount             json.Number `json:"amount"`
	Currency           string      `json:"currency"`
	OccurredAt         time.Time   `json:"occurredAt"`
}

type createInvoiceResponse struct {
	ID        string `json:"id"`
	InvoiceID string `json:"invoiceId"`
	Duplicate bool   `json:"duplicate"`
}

// Client posts deposit credits to the ledger.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a ledger client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// CreditDeposit books amount for the customer. The idempotency key is the
// deposit's transaction hash; a 409 from the ledger means the key was seen
// before and is reported as a duplicate, not an error.
func (c *Client) CreditDeposit(ctx context.Context, customerID domain.CustomerID, amount money.Money, occurredAt time.Time, idempotencyKey string) (domain.LedgerCredit, error) {
	body, err := json.Marshal(createInvoiceRequest{
		ExternalCustomerID: customerID.String(),
		Tag:                tagDeposit,
		Amount:             json.Number(amount.Amount.String()),
		Currency:           string(amount.Currency),
		OccurredAt:         occurredAt.UTC(),
	})
	if err != nil {
		return domain.LedgerCredit{}, fmt.Errorf("encoding ledger request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/api/v1/invoices", bytes.NewReader(body))
	if err != nil {
		return domain.LedgerCredit{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.LedgerCredit{}, fmt.Errorf("ledger request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.LedgerCredit{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusConflict {
		c.logger.Info("ledger reports duplicate credit", "idempotency_key", idempotencyKey)
		credit := parseCredit(respBody)
		credit.Duplicate = true
		return credit, nil
	}
	if resp.StatusCode >= 400 {
		return domain.LedgerCredit{}, fmt.Errorf("ledger api error: status=%d body=%s", resp.StatusCode, string(respBody))
	}
	return parseCredit(respBody), nil
}

// parseCredit reads the ledger invoice id when the body carries one.
func parseCredit(body []byte) domain.LedgerCredit {
	var resp createInvoiceResponse
	if len(bytes.TrimSpace(body)) == 0 || json.Unmarshal(body, &resp) != nil {
		return domain.LedgerCredit{}
	}
	id := resp.ID
	if id == "" {
		id = resp.InvoiceID
	}
	return domain.LedgerCredit{LedgerInvoiceID: id, Duplicate: resp.Duplicate}
}
