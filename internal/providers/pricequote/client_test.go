package pricequote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depositrecon/internal/common/money"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = value
	return nil
}

func priceServer(t *testing.T, pairs string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/api/pairslist":
			_, _ = io.WriteString(w, pairs)
		case "/api/exchangeId":
			switch r.URL.Query().Get("id") {
			case "7":
				_, _ = io.WriteString(w, `{"price":"61234.56789"}`)
			case "8":
				_, _ = io.WriteString(w, `{"price":0,"lastPrice":0.31}`)
			default:
				_, _ = io.WriteString(w, `{"price":"0"}`)
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(srv *httptest.Server, cache Cache) *Client {
	return New(Config{BaseURL: srv.URL, RateTTL: time.Minute, PairTTL: time.Hour}, cache, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGetRate(t *testing.T) {
	var calls atomic.Int32
	srv := priceServer(t, `{"pairs":[
		{"id":7,"base":"btc","quote":"usdt"},
		{"id":"8","baseSymbol":"TRX","quoteSymbol":"USDT"},
		{"id":9,"from":"BTC","to":"EUR"}
	]}`, &calls)
	cache := &memCache{}
	c := newClient(srv, cache)
	ctx := context.Background()

	rate, err := c.GetRate(ctx, money.BTC, time.Now())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("61234.56789").Equal(rate))
	assert.Equal(t, int32(2), calls.Load())

	rate, err = c.GetRate(ctx, "btc", time.Now())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("61234.56789").Equal(rate))
	assert.Equal(t, int32(2), calls.Load())

	rate, err = c.GetRate(ctx, money.TRX, time.Now())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("0.31").Equal(rate))
}

func TestGetRate_SettlementCurrencyIsOne(t *testing.T) {
	var calls atomic.Int32
	srv := priceServer(t, `[]`, &calls)
	c := newClient(srv, nil)

	rate, err := c.GetRate(context.Background(), money.USDT, time.Now())
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1).Equal(rate))
	assert.Zero(t, calls.Load())
}

func TestGetRate_PairNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := priceServer(t, `[{"id":9,"base":"BTC","quote":"EUR"}]`, &calls)
	c := newClient(srv, nil)

	_, err := c.GetRate(context.Background(), money.BTC, time.Now())
	assert.True(t, errors.Is(err, ErrPairNotFound))
}

func TestGetRate_NonPositivePrice(t *testing.T) {
	var calls atomic.Int32
	srv := priceServer(t, `{"data":[{"id":5,"base":"ETH","quote":"USDT"}]}`, &calls)
	c := newClient(srv, nil)

	_, err := c.GetRate(context.Background(), money.ETH, time.Now())
	assert.Error(t, err)
}
