package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is a canonical upper-case asset symbol (BTC, USDT, ...).
type Currency string

const (
	BTC  Currency = "BTC"
	ETH  Currency = "ETH"
	BNB  Currency = "BNB"
	TRX  Currency = "TRX"
	USDT Currency = "USDT"
)

// providerAliases maps exchange-side asset names onto symbols.
var providerAliases = map[string]Currency{
	"BINANCECOIN": BNB,
	"TETHER":      USDT,
	"BITCOIN":     BTC,
	"ETHEREUM":    ETH,
}

// ErrCurrencyMismatch is returned when arithmetic mixes currencies.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// NormalizeCurrency maps a provider label or symbol to its canonical symbol.
// Unknown codes are trimmed and upper-cased.
func NormalizeCurrency(code string) Currency {
	c := strings.ToUpper(strings.TrimSpace(code))
	if alias, ok := providerAliases[c]; ok {
		return alias
	}
	return Currency(c)
}

// NormalizeCurrencyFromProvider prefers the symbol and falls back to the full name.
func NormalizeCurrencyFromProvider(symbol, name string) (Currency, error) {
	if strings.TrimSpace(symbol) != "" {
		return NormalizeCurrency(symbol), nil
	}
	if strings.TrimSpace(name) != "" {
		return NormalizeCurrency(name), nil
	}
	return "", errors.New("provider currency symbol and name are both empty")
}

// String returns the symbol.
func (c Currency) String() string {
	return string(c)
}

// Money is an exact decimal amount in a single currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency Currency        `json:"currency"`
}

// New creates a Money value with a normalized currency.
func New(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: NormalizeCurrency(currency)}
}

// Parse creates Money from a decimal string.
func Parse(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	return New(d, currency), nil
}

// Zero returns a zero amount for a currency.
func Zero(currency Currency) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool {
	return m.Amount.IsZero()
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.Amount.IsPositive()
}

// IsNegative returns true if the amount is negative
func (m Money) IsNegative() bool {
	return m.Amount.IsNegative()
}

// SameCurrency reports whether both values are in the same currency.
func (m Money) SameCurrency(other Money) bool {
	return m.Currency == other.Currency
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if !m.SameCurrency(other) {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// MustAdd adds two money values, panics on currency mismatch
func (m Money) MustAdd(other Money) Money {
	result, err := m.Add(other)
	if err != nil {
		panic(err)
	}
	return result
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	if !m.SameCurrency(other) {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// MustSub subtracts two money values, panics on currency mismatch
func (m Money) MustSub(other Money) Money {
	result, err := m.Sub(other)
	if err != nil {
		panic(err)
	}
	return result
}

// Convert multiplies by a rate into another currency, rounding half-even to places.
func (m Money) Convert(rate decimal.Decimal, to Currency, places int32) Money {
	return Money{Amount: m.Amount.Mul(rate).RoundBank(places), Currency: to}
}

// Compare returns -1, 0, or 1
func (m Money) Compare(other Money) (int, error) {
	if !m.SameCurrency(other) {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return m.Amount.Cmp(other.Amount), nil
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.SameCurrency(other) && m.Amount.Equal(other.Amount)
}

// String returns "<amount> <currency>".
func (m Money) String() string {
	return m.Amount.String() + " " + string(m.Currency)
}

// MarshalJSON encodes the amount as a string to keep precision.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{
		Amount:   m.Amount.String(),
		Currency: string(m.Currency),
	})
}

// UnmarshalJSON accepts the amount as a string or a number.
func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.Amount = v.Amount
	m.Currency = NormalizeCurrency(v.Currency)
	return nil
}

// Sum adds up multiple money values
func Sum(currency Currency, amounts ...Money) (Money, error) {
	result := Zero(currency)
	for _, a := range amounts {
		var err error
		result, err = result.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return result, nil
}
