// Package pricequote quotes how many units of the settlement currency one
// unit of another currency is worth.
package pricequote

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

	"github.com/shopspring/decimal"

	"depositrecon/internal/common/money"
)

// Config holds price service configuration.
type Config struct {
	BaseURL        string        `envconfig:"PRICE_QUOTE_BASE_URL"`
	PairsListPath  string        `envconfig:"PRICE_QUOTE_PAIRS_PATH" default:"api/pairslist"`
	ExchangeIDPath string        `envconfig:"PRICE_QUOTE_EXCHANGE_ID_PATH" default:"api/exchangeId"`
	ExchangeIDKey  string        `envconfig:"PRICE_QUOTE_EXCHANGE_ID_KEY" default:"id"`
	QuoteCurrency  string        `envconfig:"PRICE_QUOTE_CURRENCY" default:"USDT"`
	UserAgent      string        `envconfig:"PRICE_QUOTE_USER_AGENT" default:"depositrecon/1.0"`
	Timeout        time.Duration `envconfig:"PRICE_QUOTE_TIMEOUT" default:"10s"`
	RateTTL        time.Duration `envconfig:"PRICE_QUOTE_RATE_TTL" default:"30s"`
	PairTTL        time.Duration `envconfig:"PRICE_QUOTE_PAIR_TTL" default:"1h"`
}

// ErrPairNotFound is returned when the price service lists no pair for the
// requested currency.
var ErrPairNotFound = errors.New("price pair not found")

// Cache stores quotes between calls. *cache.Namespaced satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Client resolves the pair id for (currency, quote) and then fetches its live
// price. Both lookups are cached when a Cache is configured.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  Cache
	logger *slog.Logger
}

// New creates a price quote client. cache may be nil.
func New(cfg Config, cache Cache, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = "USDT"
	}
	if cfg.ExchangeIDKey == "" {
		cfg.ExchangeIDKey = "id"
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		logger: logger,
	}
}

// GetRate returns the price of one unit of from in the quote currency. The
// price service only serves live prices, so at is informational.
func (c *Client) GetRate(ctx context.Context, from money.Currency, at time.Time) (decimal.Decimal, error) {
	from = money.NormalizeCurrency(string(from))
	quote := money.NormalizeCurrency(c.cfg.QuoteCurrency)
	if from == "" {
		return decimal.Zero, errors.New("currency is required")
	}
	if from == quote {
		return decimal.NewFromInt(1), nil
	}

	rateKey := "rate:" + string(from) + ":" + string(quote)
	if v, ok := c.cached(ctx, rateKey); ok {
		if rate, err := decimal.NewFromString(v); err == nil {
			return rate, nil
		}
	}

	pairID, err := c.pairID(ctx, from, quote)
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := c.livePrice(ctx, pairID)
	if err != nil {
		return decimal.Zero, err
	}
	c.store(ctx, rateKey, rate.String(), c.cfg.RateTTL)

	c.logger.Debug("price quoted", "currency", from, "quote", quote, "rate", rate.String(), "at", at)
	return rate, nil
}

func (c *Client) pairID(ctx context.Context, base, quote money.Currency) (string, error) {
	pairKey := "pair:" + string(base) + ":" + string(quote)
	if v, ok := c.cached(ctx, pairKey); ok {
		return v, nil
	}

	body, err := c.get(ctx, c.path(c.cfg.PairsListPath, "api/pairslist"))
	if err != nil {
		return "", err
	}
	pairs, err := decodePairs(body)
	if err != nil {
		return "", err
	}
	for _, p := range pairs {
		b := symbol(p, "base", "baseSymbol", "baseCurrency", "from", "fromSymbol")
		q := symbol(p, "quote", "quoteSymbol", "quoteCurrency", "to", "toSymbol")
		if b != string(base) || q != string(quote) {
			continue
		}
		if id := number(p["id"]); id != "" && id != "0" {
			c.store(ctx, pairKey, id, c.cfg.PairTTL)
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrPairNotFound, base, quote)
}

func (c *Client) livePrice(ctx context.Context, pairID string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set(c.cfg.ExchangeIDKey, pairID)
	body, err := c.get(ctx, c.path(c.cfg.ExchangeIDPath, "api/exchangeId")+"?"+q.Encode())
	if err != nil {
		return decimal.Zero, err
	}

	var obj map[string]any
	if err := unmarshal(body, &obj); err != nil {
		return decimal.Zero, fmt.Errorf("decoding price: %w", err)
	}
	for _, name := range []string{"price", "lastPrice", "value", "rate"} {
		v, err := decimal.NewFromString(number(obj[name]))
		if err == nil && v.IsPositive() {
			return v, nil
		}
	}
	return decimal.Zero, fmt.Errorf("price service returned no positive price for pair %s", pairID)
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.cfg.BaseURL, "/")+"/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("price api error: status=%d body=%s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) path(p, fallback string) string {
	if strings.TrimSpace(p) == "" {
		p = fallback
	}
	return strings.TrimLeft(strings.TrimSpace(p), "/")
}

func (c *Client) cached(ctx context.Context, key string) (string, bool) {
	if c.cache == nil {
		return "", false
	}
	v, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("price cache read failed", "key", key, "error", err)
		return "", false
	}
	return string(v), ok
}

func (c *Client) store(ctx context.Context, key, value string, ttl time.Duration) {
	if c.cache == nil || ttl <= 0 {
		return
	}
	if err := c.cache.Set(ctx, key, []byte(value), ttl); err != nil {
		c.logger.Warn("price cache write failed", "key", key, "error", err)
	}
}

// decodePairs accepts {"pairs": [...]}, {"data": [...]} or a bare array.
func decodePairs(body []byte) ([]map[string]any, error) {
	var list []map[string]any
	if err := unmarshal(body, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Pairs []map[string]any `json:"pairs"`
		Data  []map[string]any `json:"data"`
	}
	if err := unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decoding pairs: %w", err)
	}
	if len(wrapped.Pairs) > 0 {
		return wrapped.Pairs, nil
	}
	return wrapped.Data, nil
}

func unmarshal(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func symbol(obj map[string]any, names ...string) string {
	for _, name := range names {
		if s, ok := obj[name].(string); ok && strings.TrimSpace(s) != "" {
			return string(money.NormalizeCurrency(s))
		}
	}
	return ""
}

// number renders a json.Number or numeric string; anything else is "".
func number(v any) string {
	switch n := v.(type) {
	case json.Number:
		return n.String()
	case string:
		s := strings.TrimSpace(n)
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			return s
		}
	}
	return ""
}
