package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrepaid(t *testing.T, currency, network string, ttl time.Duration) *PrepaidInvoice {
	t.Helper()
	p, err := NewPrepaidInvoice("pp-1", currency, network, " xyz ", nil, ttl, t0)
	require.NoError(t, err)
	return p
}

func observed(currency, network string, conf, required int) *ObservedDeposit {
	return &ObservedDeposit{
		WalletID:              42,
		TxHash:                "XYZ",
		Address:               "Taddr",
		Network:               network,
		Amount:                dec("25"),
		Currency:              currency,
		Confirmations:         conf,
		RequiredConfirmations: required,
		CreatedAt:             t0.Add(5 * time.Minute),
	}
}

func TestNewPrepaidInvoice(t *testing.T) {
	p := newTestPrepaid(t, "usdt", "bep20", 0)
	assert.Equal(t, TransactionHash("xyz"), p.TxHash())
	assert.Equal(t, "USDT", string(p.Currency()))
	assert.Equal(t, NetworkBSC, p.Network())
	assert.Equal(t, PrepaidAwaitingConfirmations, p.Status())

	_, err := NewPrepaidInvoice("id", "USDT", "", "  ", nil, 0, t0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPrepaid_NotFoundOnlyTouchesLastChecked(t *testing.T) {
	p := newTestPrepaid(t, "USDT", "", 0)
	out := p.Reconcile(nil, DefaultMatchingOptions(), t0.Add(time.Minute))
	assert.True(t, out.Changed)
	assert.False(t, out.BecamePaid)
	assert.Empty(t, out.Events)
	assert.Equal(t, PrepaidAwaitingConfirmations, p.Status())
	require.NotNil(t, p.Observed().LastCheckedAt)
	assert.Nil(t, p.Observed().Amount)
}

func TestPrepaid_CurrencyMismatchIsSticky(t *testing.T) {
	p := newTestPrepaid(t, "USDT", "", 0)

	out := p.Reconcile(observed("BTC", "", 10, 1), DefaultMatchingOptions(), t0.Add(time.Minute))
	assert.Equal(t, PrepaidRejectedCurrencyMismatch, p.Status())
	assert.Equal(t, "BTC", p.Observed().Currency)
	require.Len(t, out.Events, 1)

	out = p.Reconcile(observed("USDT", "", 10, 1), DefaultMatchingOptions(), t0.Add(2*time.Minute))
	assert.False(t, out.Changed)
	assert.False(t, out.BecamePaid)
	assert.Equal(t, PrepaidRejectedCurrencyMismatch, p.Status())
}

func TestPrepaid_WrongNetworkIsRejected(t *testing.T) {
	p := newTestPrepaid(t, "USDT", "TRC20", 0)
	p.Reconcile(observed("USDT", "BEP20", 10, 1), DefaultMatchingOptions(), t0)
	assert.Equal(t, PrepaidRejectedWrongAddress, p.Status())
	require.NotNil(t, p.Observed().WalletID)
	assert.Equal(t, int64(42), *p.Observed().WalletID)

	same := newTestPrepaid(t, "USDT", "TRC20", 0)
	same.Reconcile(observed("USDT", "tron", 10, 1), DefaultMatchingOptions(), t0)
	assert.Equal(t, PrepaidPaid, same.Status())
}

func TestPrepaid_AwaitingThenPaid(t *testing.T) {
	p := newTestPrepaid(t, "USDT", "", 0)
	opts := DefaultMatchingOptions()
	opts.MinConfirmations = 3

	out := p.Reconcile(observed("USDT", "", 2, 1), opts, t0)
	assert.True(t, out.Changed)
	assert.Empty(t, out.Events)
	assert.Equal(t, PrepaidAwaitingConfirmations, p.Status())
	assert.Equal(t, 2, p.Observed().Confirmations)
	require.NotNil(t, p.Observed().Amount)
	assert.True(t, p.Observed().Amount.Equal(dec("25")))

	out = p.Reconcile(observed("USDT", "", 3, 1), opts, t0.Add(time.Minute))
	assert.True(t, out.BecamePaid)
	assert.Equal(t, PrepaidPaid, p.Status())
	require.NotNil(t, p.Observed().ConfirmedAt)
	assert.Equal(t, t0.Add(5*time.Minute), *p.Observed().ConfirmedAt)

	out = p.Reconcile(observed("USDT", "", 9, 1), opts, t0.Add(2*time.Minute))
	assert.False(t, out.BecamePaid)
	assert.False(t, out.Changed)
}

func TestPrepaid_Expiry(t *testing.T) {
	p := newTestPrepaid(t, "USDT", "", time.Hour)
	out := p.Reconcile(observed("USDT", "", 10, 1), DefaultMatchingOptions(), t0.Add(2*time.Hour))
	assert.Equal(t, PrepaidExpired, p.Status())
	assert.False(t, out.BecamePaid)
	require.Len(t, out.Events, 1)

	paid := newTestPrepaid(t, "USDT", "", time.Hour)
	paid.Reconcile(observed("USDT", "", 10, 1), DefaultMatchingOptions(), t0)
	require.Equal(t, PrepaidPaid, paid.Status())
	assert.Empty(t, paid.MarkExpired(t0.Add(2*time.Hour)))
	assert.Equal(t, PrepaidPaid, paid.Status())
}

func TestPrepaid_AccountingSyncFailedOnlyFromPaid(t *testing.T) {
	p := newTestPrepaid(t, "USDT", "", 0)
	assert.Empty(t, p.MarkAccountingSyncFailed(t0))
	assert.Equal(t, PrepaidAwaitingConfirmations, p.Status())

	p.Reconcile(observed("USDT", "", 10, 1), DefaultMatchingOptions(), t0)
	events := p.MarkAccountingSyncFailed(t0)
	require.Len(t, events, 1)
	assert.Equal(t, PrepaidAccountingSyncFailed, p.Status())
	require.NotNil(t, p.Observed().ConfirmedAt)
}

func TestPrepaid_StateRoundTrip(t *testing.T) {
	p := newTestPrepaid(t, "USDT", "TRC20", time.Hour)
	p.Reconcile(observed("USDT", "TRC20", 1, 5), DefaultMatchingOptions(), t0)
	p.Committed(2)

	restored, err := RestorePrepaid(p.State())
	require.NoError(t, err)
	assert.Equal(t, p.State(), restored.State())
}
