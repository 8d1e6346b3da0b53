package store_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depositrecon/internal/common/database"
	"depositrecon/internal/recon/domain"
)

func TestPrepaidRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cust, err := domain.ParseCustomerID(uuid.NewString())
	require.NoError(t, err)
	hash := "Tx" + uuid.NewString()
	p, err := domain.NewPrepaidInvoice(uuid.NewString(), "usdt", "tron", hash, cust, time.Hour, t0)
	require.NoError(t, err)
	require.NoError(t, s.CreatePrepaid(ctx, p))

	got, err := s.GetPrepaidByTxHash(ctx, domain.TransactionHash(strings.ToUpper(hash)))
	require.NoError(t, err)
	assert.Equal(t, p.ID(), got.ID())
	assert.Equal(t, hash, got.TxHash().String())
	assert.Equal(t, domain.NetworkTRC20, got.Network())
	require.NotNil(t, got.ExpiresAt())
	assert.Equal(t, t0.Add(time.Hour), *got.ExpiresAt())
	assert.Nil(t, got.Observed().Amount)

	dup, err := domain.NewPrepaidInvoice(uuid.NewString(), "USDT", "", strings.ToLower(hash), nil, 0, t0)
	require.NoError(t, err)
	cv, ok := database.AsConstraintViolation(s.CreatePrepaid(ctx, dup))
	require.True(t, ok)
	assert.Equal(t, "ux_prepaid_invoices_tx_hash", cv.Constraint)

	dep := &domain.ObservedDeposit{
		TxHash: hash, Address: "TAddr", Amount: decimal.RequireFromString("25.5"), Currency: "USDT",
		Network: "TRC20", WalletID: 4, Confirmations: 20, RequiredConfirmations: 19, CreatedAt: t0.Add(time.Minute),
	}
	out := got.Reconcile(dep, domain.DefaultMatchingOptions(), t0.Add(2*time.Minute))
	require.True(t, out.BecamePaid)
	require.NoError(t, s.SavePrepaid(ctx, got))

	paid, err := s.GetPrepaid(ctx, p.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.PrepaidPaid, paid.Status())
	assert.Equal(t, int64(2), paid.Version())
	obs := paid.Observed()
	require.NotNil(t, obs.Amount)
	assert.True(t, decimal.RequireFromString("25.5").Equal(*obs.Amount))
	require.NotNil(t, obs.WalletID)
	assert.Equal(t, int64(4), *obs.WalletID)
	assert.Equal(t, 20, obs.Confirmations)
	require.NotNil(t, obs.ConfirmedAt)
	assert.Equal(t, t0.Add(time.Minute), *obs.ConfirmedAt)

	stale, err := s.GetPrepaid(ctx, p.ID())
	require.NoError(t, err)
	stale.Committed(1)
	stale.MarkAccountingSyncFailed(t0.Add(3 * time.Minute))
	assert.ErrorIs(t, s.SavePrepaid(ctx, stale), database.ErrConcurrencyConflict)

	_, err = s.GetPrepaid(ctx, uuid.NewString())
	assert.True(t, database.IsNotFound(err))
}

func TestListAwaitingPrepaid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	fresh, err := domain.NewPrepaidInvoice(uuid.NewString(), "BTC", "", "h-"+uuid.NewString(), nil, time.Hour, now)
	require.NoError(t, err)
	require.NoError(t, s.CreatePrepaid(ctx, fresh))
	expired, err := domain.NewPrepaidInvoice(uuid.NewString(), "BTC", "", "h-"+uuid.NewString(), nil, time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.CreatePrepaid(ctx, expired))

	checked, err := s.GetPrepaid(ctx, fresh.ID())
	require.NoError(t, err)
	require.True(t, checked.Reconcile(nil, domain.DefaultMatchingOptions(), now).Changed)
	require.NoError(t, s.SavePrepaid(ctx, checked))

	list, err := s.ListAwaitingPrepaid(ctx, 0)
	require.NoError(t, err)
	pos := make(map[string]int, len(list))
	for i, p := range list {
		pos[p.ID()] = i
		assert.Equal(t, domain.PrepaidAwaitingConfirmations, p.Status())
	}
	require.Contains(t, pos, fresh.ID())
	require.Contains(t, pos, expired.ID(), "overdue records stay listed so a sync can expire them")
	assert.Less(t, pos[expired.ID()], pos[fresh.ID()])
}
