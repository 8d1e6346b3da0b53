package recon_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depositrecon/internal/common/money"
	"depositrecon/internal/recon"
	"depositrecon/internal/recon/domain"
)

func (f *fixture) createPrepaid(t *testing.T, currency, network, hash string, cust *domain.CustomerID, ttl time.Duration) *domain.PrepaidInvoice {
	t.Helper()
	p, created, err := f.svc.CreatePrepaid(context.Background(), recon.CreatePrepaidInput{
		Currency:   currency,
		Network:    network,
		TxHash:     hash,
		CustomerID: cust,
		TTL:        ttl,
	})
	require.NoError(t, err)
	require.True(t, created)
	return p
}

func TestCreatePrepaid_IdempotentByHash(t *testing.T) {
	f := newFixture(t, nil)
	p := f.createPrepaid(t, "USDT", "TRC20", "xyz", nil, 0)

	again, created, err := f.svc.CreatePrepaid(context.Background(), recon.CreatePrepaidInput{Currency: "BTC", TxHash: " XYZ "})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p.ID(), again.ID())
	assert.Equal(t, money.USDT, again.Currency())

	_, _, err = f.svc.CreatePrepaid(context.Background(), recon.CreatePrepaidInput{Currency: "USDT"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSyncPrepaid_PaysAndCredits(t *testing.T) {
	f := newFixture(t, nil)
	f.exchange.Wallets = []domain.Wallet{{ID: 1, Currency: "usdt"}, {ID: 2, Currency: "BTC"}}
	dep := observed("XYZ", "TAddr", "25", "USDT", 5, 3)
	dep.Network = "TRC20"
	f.exchange.AddDeposit(1, dep)
	p := f.createPrepaid(t, "USDT", "TRC20", "xyz", customer(t), 0)

	out, err := f.svc.SyncPrepaid(context.Background(), p.ID())
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.True(t, out.FoundOnExchange)
	assert.Equal(t, domain.PrepaidPaid, out.Status)
	assert.Equal(t, "ledger-1", out.LedgerInvoiceID)

	require.Len(t, f.exchange.Calls, 1)
	assert.Equal(t, int64(1), f.exchange.Calls[0].WalletID)
	assert.Equal(t, 200, f.exchange.Calls[0].Limit)
	assert.Equal(t, t0.Add(-30*24*time.Hour), f.exchange.Calls[0].Since)

	credits := f.ledger.Credits()
	require.Len(t, credits, 1)
	assert.Equal(t, "xyz", credits[0].IdempotencyKey)
	assert.True(t, dec("25").Equal(credits[0].Amount.Amount))
	assert.Equal(t, money.USDT, credits[0].Amount.Currency)

	got, err := f.svc.GetPrepaid(context.Background(), p.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.PrepaidPaid, got.Status())
	obs := got.Observed()
	require.NotNil(t, obs.ConfirmedAt)
	assert.Equal(t, t0.Add(time.Minute), *obs.ConfirmedAt)
	require.NotNil(t, obs.WalletID)
	assert.Equal(t, int64(1), *obs.WalletID)

	again, err := f.svc.SyncPrepaid(context.Background(), p.ID())
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Len(t, f.ledger.Credits(), 1)
	assert.Len(t, f.exchange.Calls, 1)
}

func TestSyncPrepaid_AwaitsConfirmations(t *testing.T) {
	f := newFixture(t, nil)
	f.exchange.Wallets = []domain.Wallet{{ID: 1, Currency: "USDT"}}
	f.exchange.AddDeposit(1, observed("xyz", "TAddr", "25", "USDT", 1, 3))
	p := f.createPrepaid(t, "USDT", "", "xyz", customer(t), 0)

	out, err := f.svc.SyncPrepaid(context.Background(), p.ID())
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.True(t, out.FoundOnExchange)
	assert.Equal(t, domain.PrepaidAwaitingConfirmations, out.Status)
	assert.Empty(t, f.ledger.Credits())

	got, err := f.svc.GetPrepaid(context.Background(), p.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, got.Observed().Confirmations)
	require.NotNil(t, got.Observed().LastCheckedAt)

	f.exchange.Deposits[1] = nil
	f.exchange.AddDeposit(1, observed("xyz", "TAddr", "25", "USDT", 3, 3))
	out, err = f.svc.SyncPrepaid(context.Background(), p.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.PrepaidPaid, out.Status)
	assert.Len(t, f.ledger.Credits(), 1)
}

func TestSyncPrepaid_CurrencyMismatchIsSticky(t *testing.T) {
	f := newFixture(t, nil)
	f.exchange.Wallets = []domain.Wallet{{ID: 1, Currency: "USDT"}}
	f.exchange.AddDeposit(1, observed("xyz", "TAddr", "0.01", "BTC", 5, 1))
	p := f.createPrepaid(t, "USDT", "", "xyz", customer(t), 0)

	out, err := f.svc.SyncPrepaid(context.Background(), p.ID())
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, domain.PrepaidRejectedCurrencyMismatch, out.Status)

	f.exchange.Deposits[1] = nil
	f.exchange.AddDeposit(1, observed("xyz", "TAddr", "25", "USDT", 5, 1))
	out, err = f.svc.SyncPrepaid(context.Background(), p.ID())
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Equal(t, domain.PrepaidRejectedCurrencyMismatch, out.Status)
	assert.Empty(t, f.ledger.Credits())
	assert.Contains(t, f.pub.Types(), domain.EventPrepaidStatusChanged)
}

func TestSyncPrepaid_WrongNetwork(t *testing.T) {
	f := newFixture(t, nil)
	f.exchange.Wallets = []domain.Wallet{{ID: 1, Currency: "USDT"}}
	dep := observed("xyz", "0xAddr", "25", "USDT", 50, 12)
	dep.Network = "ERC20"
	f.exchange.AddDeposit(1, dep)
	p := f.createPrepaid(t, "USDT", "TRC20", "xyz", nil, 0)

	out, err := f.svc.SyncPrepaid(context.Background(), p.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.PrepaidRejectedWrongAddress, out.Status)
}

func TestSyncPrepaid_LedgerFailureFlagsRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.Err = errors.New("accounting unavailable")
	f.exchange.Wallets = []domain.Wallet{{ID: 1, Currency: "USDT"}}
	f.exchange.AddDeposit(1, observed("xyz", "TAddr", "25", "USDT", 5, 1))
	p := f.createPrepaid(t, "USDT", "", "xyz", customer(t), 0)

	out, err := f.svc.SyncPrepaid(context.Background(), p.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.PrepaidAccountingSyncFailed, out.Status)

	got, err := f.svc.GetPrepaid(context.Background(), p.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.PrepaidAccountingSyncFailed, got.Status())
	require.NotNil(t, got.Observed().ConfirmedAt)
	assert.Contains(t, f.pub.Types(), domain.EventAccountingChargeFailed)
}

func TestSyncPrepaid_PriceFailureFlagsRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.prices.Err = errors.New("quotes unavailable")
	f.exchange.Wallets = []domain.Wallet{{ID: 2, Currency: "BTC"}}
	f.exchange.AddDeposit(2, observed("xyz", "bc1q", "0.01", "BTC", 5, 1))
	p := f.createPrepaid(t, "BTC", "", "xyz", customer(t), 0)

	out, err := f.svc.SyncPrepaid(context.Background(), p.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.PrepaidAccountingSyncFailed, out.Status)
	assert.Empty(t, f.ledger.Credits())
}

func TestSyncPrepaid_SkipsCreditWhenInvoiceApplied(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inv := f.createInvoice(t, "25", "USDT", customer(t), 0)
	f.reserve(t, inv.ID(), 1, "USDT", "TAddr", "", "")
	_, err := f.svc.ApplyDeposit(ctx, inv.ID(), observed("xyz", "TAddr", "25", "USDT", 5, 1))
	require.NoError(t, err)
	require.Len(t, f.ledger.Credits(), 1)

	f.exchange.Wallets = []domain.Wallet{{ID: 1, Currency: "USDT"}}
	f.exchange.AddDeposit(1, observed("xyz", "TAddr", "25", "USDT", 5, 1))
	p := f.createPrepaid(t, "USDT", "", "xyz", customer(t), 0)

	out, err := f.svc.SyncPrepaid(ctx, p.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.PrepaidPaid, out.Status)
	assert.Len(t, f.ledger.Credits(), 1)
}

func TestSyncPrepaid_Expired(t *testing.T) {
	f := newFixture(t, nil)
	f.exchange.Wallets = []domain.Wallet{{ID: 1, Currency: "USDT"}}
	p := f.createPrepaid(t, "USDT", "", "xyz", nil, time.Hour)
	f.now = t0.Add(2 * time.Hour)

	out, err := f.svc.SyncPrepaid(context.Background(), p.ID())
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, domain.PrepaidExpired, out.Status)
	assert.Empty(t, f.exchange.Calls)

	awaiting, err := f.svc.ListAwaitingPrepaid(context.Background(), 50)
	require.NoError(t, err)
	assert.Empty(t, awaiting)
}

func TestSyncPrepaid_NoWalletForCurrency(t *testing.T) {
	f := newFixture(t, nil)
	f.exchange.Wallets = []domain.Wallet{{ID: 2, Currency: "BTC"}}
	p := f.createPrepaid(t, "USDT", "", "xyz", nil, 0)

	_, err := f.svc.SyncPrepaid(context.Background(), p.ID())
	assert.Error(t, err)
}
