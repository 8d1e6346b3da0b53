// Package nobitex is the exchange client: wallet listing, recent deposits
// and deposit address generation.
package nobitex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"depositrecon/internal/common/money"
	"depositrecon/internal/recon/domain"
)

// Config holds exchange client configuration.
type Config struct {
	BaseURL           string        `envconfig:"NOBITEX_BASE_URL" default:"https://api.nobitex.ir"`
	Token             string        `envconfig:"NOBITEX_API_TOKEN"`
	UserAgent         string        `envconfig:"NOBITEX_USER_AGENT" default:"depositrecon/1.0"`
	Timeout           time.Duration `envconfig:"NOBITEX_TIMEOUT" default:"15s"`
	RequestsPerSecond float64       `envconfig:"NOBITEX_RPS" default:"2"`
	Burst             int           `envconfig:"NOBITEX_BURST" default:"4"`
}

// ErrMissingToken is returned by New when no API token is configured.
var ErrMissingToken = errors.New("nobitex api token is not configured")

// APIError is a non-ok answer from the exchange.
type APIError struct {
	Endpoint   string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 && e.StatusCode != http.StatusOK {
		return fmt.Sprintf("nobitex %s: http %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("nobitex %s failed: code=%s message=%s", e.Endpoint, e.Code, e.Message)
}

// Client talks to the exchange REST API. Calls are throttled client-side.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an exchange client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" {
		return nil, ErrMissingToken
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, max(cfg.Burst, 1)),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// ListWallets returns the account's exchange wallets.
func (c *Client) ListWallets(ctx context.Context) ([]domain.Wallet, error) {
	const endpoint = "wallets/list"
	root, err := c.do(ctx, endpoint, http.MethodGet, "/users/wallets/list", nil)
	if err != nil {
		return nil, err
	}

	var items []fields
	if err := root.array("wallets", &items); err != nil {
		return nil, fmt.Errorf("decoding wallets: %w", err)
	}
	wallets := make([]domain.Wallet, 0, len(items))
	for _, w := range items {
		id := w.int64("id")
		if id == 0 {
			id = w.int64("wallet")
		}
		wallet := domain.Wallet{
			ID:       id,
			Currency: string(money.NormalizeCurrency(w.str("currency"))),
		}
		if dep := w.object("depositInfo"); dep != nil {
			wallet.DepositAddress = strings.TrimSpace(dep.str("address"))
			wallet.DepositTag = strings.TrimSpace(dep.str("tag", "memo", "destinationTag"))
			wallet.Network = domain.NormalizeNetwork(dep.str("network"))
		}
		wallets = append(wallets, wallet)
	}
	return wallets, nil
}

// GetRecentDeposits returns up to limit deposits on walletID created at or
// after since. A zero since asks for the exchange's default window.
func (c *Client) GetRecentDeposits(ctx context.Context, walletID int64, limit int, since time.Time) ([]domain.ObservedDeposit, error) {
	const endpoint = "deposits/list"
	q := url.Values{}
	q.Set("wallet", strconv.FormatInt(walletID, 10))
	q.Set("limit", strconv.Itoa(limit))
	if !since.IsZero() {
		q.Set("startDate", since.UTC().Format(time.RFC3339))
	}
	root, err := c.do(ctx, endpoint, http.MethodGet, "/users/wallets/deposits/list?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var items []fields
	if err := root.array("deposits", &items); err != nil {
		return nil, fmt.Errorf("decoding deposits: %w", err)
	}
	out := make([]domain.ObservedDeposit, 0, len(items))
	for _, d := range items {
		dep, err := c.parseDeposit(walletID, d)
		if err != nil {
			c.logger.Warn("skipping malformed exchange deposit", "wallet_id", walletID, "error", err)
			continue
		}
		out = append(out, dep)
	}
	return out, nil
}

func (c *Client) parseDeposit(walletID int64, d fields) (domain.ObservedDeposit, error) {
	currency, err := money.NormalizeCurrencyFromProvider(d.str("currencySymbol"), d.str("currency"))
	if err != nil {
		return domain.ObservedDeposit{}, err
	}

	network := domain.NormalizeNetwork(d.str("network"))
	if network == "" {
		network = domain.InferNetworkFromURL(d.str("blockchainUrl"))
	}

	conf := d.int("confirmations")
	required := d.int("requiredConfirmations")
	confirmed, ok := d.boolean("isConfirmed", "confirmed", "wasConfirmed")
	if !ok {
		if required > 0 {
			confirmed = conf >= required
		} else {
			confirmed = conf > 0
		}
	}

	created, ok := d.time("date")
	if !ok {
		if tx := d.object("transaction"); tx != nil {
			created, ok = tx.time("created_at")
		}
	}
	if !ok {
		created, ok = d.time("created_at")
	}
	if !ok {
		created = c.now().UTC()
	}

	return domain.ObservedDeposit{
		WalletID:              walletID,
		TxHash:                strings.TrimSpace(d.str("txHash", "txid")),
		Address:               strings.TrimSpace(d.str("address")),
		Tag:                   strings.TrimSpace(d.str("memo", "destinationTag", "tag")),
		Network:               network,
		Amount:                d.decimal("amount"),
		Currency:              string(currency),
		Confirmations:         conf,
		RequiredConfirmations: required,
		Confirmed:             confirmed,
		CreatedAt:             created,
	}, nil
}

// GenerateAddress asks the exchange for a fresh deposit address.
func (c *Client) GenerateAddress(ctx context.Context, currency, network string) (domain.GeneratedAddress, error) {
	const endpoint = "generate-address"
	payload := map[string]any{
		"currency": strings.ToLower(strings.TrimSpace(currency)),
		"network":  nil,
	}
	if n := strings.TrimSpace(network); n != "" {
		payload["network"] = n
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.GeneratedAddress{}, fmt.Errorf("encoding request: %w", err)
	}

	root, err := c.do(ctx, endpoint, http.MethodPost, "/users/wallets/generate-address", body)
	if err != nil {
		return domain.GeneratedAddress{}, err
	}
	address := strings.TrimSpace(root.str("address", "depositAddress"))
	if address == "" {
		c.logger.Error("exchange returned ok without an address", "endpoint", endpoint)
		return domain.GeneratedAddress{}, &APIError{Endpoint: endpoint, Message: "no deposit address returned"}
	}
	walletID := root.int64("walletId")
	if walletID == 0 {
		walletID = root.int64("wallet")
	}
	return domain.GeneratedAddress{
		WalletID: walletID,
		Currency: string(money.NormalizeCurrency(currency)),
		Network:  domain.NormalizeNetwork(network),
		Address:  address,
		Tag:      strings.TrimSpace(root.str("memo", "destinationTag", "tag")),
		IssuedAt: c.now().UTC(),
	}, nil
}

// do sends one request and returns the decoded body once status is "ok".
func (c *Client) do(ctx context.Context, endpoint, method, path string, body []byte) (fields, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("nobitex %s: waiting for rate limiter: %w", endpoint, err)
	}

	start := time.Now()
	root, err := c.send(ctx, endpoint, method, path, body)
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	requests.WithLabelValues(endpoint, result).Inc()
	return root, err
}

func (c *Client) send(ctx context.Context, endpoint, method, path string, body []byte) (fields, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nobitex %s: http request: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("nobitex %s: read response: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.Warn("exchange rate limited", "endpoint", endpoint, "retry_after", resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode >= 400 {
		c.logger.Error("exchange http error", "endpoint", endpoint, "status", resp.StatusCode, "body", string(respBody))
		return nil, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	var root fields
	if err := json.Unmarshal(respBody, &root); err != nil {
		return nil, fmt.Errorf("nobitex %s: unmarshal response: %w", endpoint, err)
	}
	if !strings.EqualFold(root.str("status"), "ok") {
		apiErr := &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Code: root.str("code"), Message: root.str("message")}
		c.logger.Warn("exchange request failed", "endpoint", endpoint, "code", apiErr.Code, "message", apiErr.Message)
		return nil, apiErr
	}
	return root, nil
}
