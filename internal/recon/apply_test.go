package recon_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depositrecon/internal/common/events"
	"depositrecon/internal/common/money"
	"depositrecon/internal/recon"
	"depositrecon/internal/recon/domain"
)

func TestApplyDeposit_BTCScenario(t *testing.T) {
	f := newFixture(t, nil)
	f.prices.Rates[money.BTC] = dec("60000")
	ctx := events.WithCorrelationID(context.Background(), "corr-42")

	inv := f.createInvoice(t, "0.5", "BTC", customer(t), 0)
	f.reserve(t, inv.ID(), 10, "BTC", "addr1", "BTC", "")
	dep := observed("abc", "addr1", "0.5", "BTC", 3, 2)
	dep.Network = "BTC"

	res, err := f.svc.ApplyDeposit(ctx, inv.ID(), dep)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.True(t, res.Applied)
	assert.Equal(t, domain.ReasonApplied, res.Reason)
	assert.Equal(t, domain.InvoicePaid, res.Status)

	again, err := f.svc.ApplyDeposit(ctx, inv.ID(), dep)
	require.NoError(t, err)
	assert.True(t, again.Matched)
	assert.False(t, again.Applied)
	assert.Equal(t, domain.ReasonAlreadyApplied, again.Reason)
	assert.True(t, again.AlreadyApplied())

	got, err := f.svc.GetInvoice(ctx, inv.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, got.Status())
	assert.Len(t, got.AppliedDeposits(), 1)
	assert.True(t, dec("0.5").Equal(got.TotalPaid().Amount))

	credits := f.ledger.Credits()
	require.Len(t, credits, 1)
	assert.Equal(t, "abc", credits[0].IdempotencyKey)
	assert.Equal(t, *customer(t), credits[0].CustomerID)
	assert.Equal(t, money.USDT, credits[0].Amount.Currency)
	assert.True(t, dec("30000").Equal(credits[0].Amount.Amount))

	assert.Equal(t, []string{
		domain.EventInvoiceCreated,
		domain.EventInvoiceAddressAdded,
		domain.EventDepositMatched,
		domain.EventInvoiceStatusChanged,
		domain.EventAccountingCharged,
	}, f.pub.Types())
	last := f.pub.Events[len(f.pub.Events)-1]
	assert.Equal(t, "corr-42", last.CorrelationID)
	assert.Equal(t, domain.AggregateInvoice, last.AggregateType)
	assert.Equal(t, inv.ID(), last.AggregateID)
}

func TestApplyDeposit_GlobalExclusivity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a := f.createInvoice(t, "1", "BTC", nil, 0)
	b := f.createInvoice(t, "1", "BTC", nil, 0)
	f.reserve(t, a.ID(), 10, "BTC", "addrA", "", "")
	f.reserve(t, b.ID(), 10, "BTC", "addrB", "", "")

	res, err := f.svc.ApplyDeposit(ctx, a.ID(), observed("shared", "addrA", "1", "BTC", 3, 1))
	require.NoError(t, err)
	require.True(t, res.Applied)

	res, err = f.svc.ApplyDeposit(ctx, b.ID(), observed("SHARED", "addrB", "1", "BTC", 3, 1))
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.False(t, res.Applied)
	assert.Equal(t, domain.ReasonAlreadyAppliedGlobal, res.Reason)

	got, err := f.svc.GetInvoice(ctx, b.ID())
	require.NoError(t, err)
	assert.Empty(t, got.AppliedDeposits())
	assert.Equal(t, domain.InvoicePending, got.Status())
}

func TestApplyDeposit_ConcurrentSameHash(t *testing.T) {
	f := newFixture(t, nil)
	inv := f.createInvoice(t, "1", "BTC", nil, 0)
	f.reserve(t, inv.ID(), 10, "BTC", "addr1", "", "")
	dep := observed("race", "addr1", "0.4", "BTC", 3, 1)

	const callers = 8
	results := make([]recon.ApplyResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.ApplyDeposit(context.Background(), inv.ID(), dep)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	applied, repeats := 0, 0
	for _, r := range results {
		switch {
		case r.Applied:
			applied++
		case r.AlreadyApplied():
			repeats++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, callers-1, repeats)

	got, err := f.svc.GetInvoice(context.Background(), inv.ID())
	require.NoError(t, err)
	assert.True(t, dec("0.4").Equal(got.TotalPaid().Amount))
}

func TestApplyDeposit_RetriesOnceOnVersionConflict(t *testing.T) {
	f := newFixture(t, nil)
	inv := f.createInvoice(t, "1", "BTC", nil, 0)
	f.reserve(t, inv.ID(), 10, "BTC", "addr1", "", "")
	saves := f.invoices.Saves()

	bumped := false
	f.invoices.BeforeSave = func(st domain.InvoiceState) error {
		if !bumped {
			bumped = true
			f.invoices.BumpVersion(st.ID)
		}
		return nil
	}

	res, err := f.svc.ApplyDeposit(context.Background(), inv.ID(), observed("h1", "addr1", "1", "BTC", 3, 1))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, saves+2, f.invoices.Saves())
}

func TestApplyDeposit_SecondConflictIsDefinitive(t *testing.T) {
	f := newFixture(t, nil)
	inv := f.createInvoice(t, "1", "BTC", nil, 0)
	f.reserve(t, inv.ID(), 10, "BTC", "addr1", "", "")
	saves := f.invoices.Saves()

	f.invoices.BeforeSave = func(st domain.InvoiceState) error {
		f.invoices.BumpVersion(st.ID)
		return nil
	}

	res, err := f.svc.ApplyDeposit(context.Background(), inv.ID(), observed("h1", "addr1", "1", "BTC", 3, 1))
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.False(t, res.Applied)
	assert.Equal(t, domain.ReasonConcurrencyRace, res.Reason)
	assert.Equal(t, saves+2, f.invoices.Saves())

	f.invoices.BeforeSave = nil
	got, err := f.svc.GetInvoice(context.Background(), inv.ID())
	require.NoError(t, err)
	assert.Empty(t, got.AppliedDeposits())
}

func TestApplyDeposit_SecondConflictKeepsGlobalReason(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.createInvoice(t, "1", "BTC", nil, 0)
	b := f.createInvoice(t, "1", "BTC", nil, 0)
	f.reserve(t, a.ID(), 10, "BTC", "addrA", "", "")
	f.reserve(t, b.ID(), 10, "BTC", "addrB", "", "")

	// B loses both saves; before the second one the hash lands on A.
	attempts := 0
	f.invoices.BeforeSave = func(st domain.InvoiceState) error {
		if st.ID != b.ID() {
			return nil
		}
		attempts++
		if attempts == 2 {
			res, err := f.svc.ApplyDeposit(ctx, a.ID(), observed("dup", "addrA", "1", "BTC", 3, 1))
			require.NoError(t, err)
			require.True(t, res.Applied)
		}
		f.invoices.BumpVersion(st.ID)
		return nil
	}

	res, err := f.svc.ApplyDeposit(ctx, b.ID(), observed("dup", "addrB", "1", "BTC", 3, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.True(t, res.Matched)
	assert.False(t, res.Applied)
	assert.Equal(t, domain.ReasonAlreadyAppliedGlobal, res.Reason)
}

func TestApplyDeposit_UniqueViolationIsAlreadyApplied(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.createInvoice(t, "1", "BTC", nil, 0)
	b := f.createInvoice(t, "1", "BTC", nil, 0)
	f.reserve(t, a.ID(), 10, "BTC", "addrA", "", "")
	f.reserve(t, b.ID(), 10, "BTC", "addrB", "", "")

	// Another writer records the same hash on A between B's guard and B's commit.
	fired := false
	f.invoices.BeforeSave = func(st domain.InvoiceState) error {
		if fired || st.ID != b.ID() {
			return nil
		}
		fired = true
		res, err := f.svc.ApplyDeposit(ctx, a.ID(), observed("dup", "addrA", "1", "BTC", 3, 1))
		require.NoError(t, err)
		require.True(t, res.Applied)
		return nil
	}

	res, err := f.svc.ApplyDeposit(ctx, b.ID(), observed("dup", "addrB", "1", "BTC", 3, 1))
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.False(t, res.Applied)
	assert.Equal(t, domain.ReasonAlreadyApplied, res.Reason)

	got, err := f.svc.GetInvoice(ctx, b.ID())
	require.NoError(t, err)
	assert.Empty(t, got.AppliedDeposits())
}

func TestApplyDeposit_LedgerFailureKeepsDeposit(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.Err = errors.New("accounting unavailable")
	inv := f.createInvoice(t, "25", "USDT", customer(t), 0)
	f.reserve(t, inv.ID(), 10, "USDT", "addr1", "", "")

	res, err := f.svc.ApplyDeposit(context.Background(), inv.ID(), observed("h1", "addr1", "25", "USDT", 3, 1))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	got, err := f.svc.GetInvoice(context.Background(), inv.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, got.Status())
	assert.Len(t, f.ledger.Credits(), 1)
	assert.Contains(t, f.pub.Types(), domain.EventAccountingChargeFailed)
}

func TestApplyDeposit_SettlementConversion(t *testing.T) {
	f := newFixture(t, nil)
	f.prices.Rates[money.BTC] = dec("61234.56789")
	inv := f.createInvoice(t, "0.123", "BTC", customer(t), 0)
	f.reserve(t, inv.ID(), 10, "BTC", "addr1", "", "")

	_, err := f.svc.ApplyDeposit(context.Background(), inv.ID(), observed("h1", "addr1", "0.123", "BTC", 3, 1))
	require.NoError(t, err)

	credits := f.ledger.Credits()
	require.Len(t, credits, 1)
	assert.True(t, dec("7531.85185").Equal(credits[0].Amount.Amount), credits[0].Amount.String())
	assert.Equal(t, t0.Add(time.Minute), credits[0].OccurredAt)
}

func TestApplyDeposit_SettlementCurrencySkipsQuote(t *testing.T) {
	f := newFixture(t, nil)
	f.prices.Err = errors.New("must not be called")
	inv := f.createInvoice(t, "10", "USDT", customer(t), 0)
	f.reserve(t, inv.ID(), 10, "USDT", "addr1", "", "")

	_, err := f.svc.ApplyDeposit(context.Background(), inv.ID(), observed("h1", "addr1", "10", "USDT", 3, 1))
	require.NoError(t, err)

	credits := f.ledger.Credits()
	require.Len(t, credits, 1)
	assert.True(t, dec("10").Equal(credits[0].Amount.Amount))
}

func TestApplyDeposit_NoCustomerSkipsLedger(t *testing.T) {
	f := newFixture(t, nil)
	inv := f.createInvoice(t, "10", "USDT", nil, 0)
	f.reserve(t, inv.ID(), 10, "USDT", "addr1", "", "")

	res, err := f.svc.ApplyDeposit(context.Background(), inv.ID(), observed("h1", "addr1", "10", "USDT", 3, 1))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Empty(t, f.ledger.Credits())
}

func TestApplyDeposit_Rejections(t *testing.T) {
	minThree := 3
	policy := domain.NewPolicy(domain.DefaultMatchingOptions(), map[string]domain.OptionsOverride{
		"BTC:": {MinConfirmations: &minThree},
	})

	tests := []struct {
		name   string
		dep    domain.ObservedDeposit
		reason string
	}{
		{"currency", observed("h1", "addr1", "1", "ETH", 5, 1), domain.ReasonCurrencyMismatch},
		{"unknown address", observed("h2", "elsewhere", "1", "BTC", 5, 1), domain.ReasonUnknownAddress},
		{"below policy minimum", observed("h3", "addr1", "1", "BTC", 2, 1), domain.ReasonNotEnoughConfirmations},
		{"below deposit requirement", observed("h4", "addr1", "1", "BTC", 4, 6), domain.ReasonNotEnoughConfirmations},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, policy)
			inv := f.createInvoice(t, "1", "BTC", nil, 0)
			f.reserve(t, inv.ID(), 10, "BTC", "addr1", "", "")
			saves := f.invoices.Saves()

			res, err := f.svc.ApplyDeposit(context.Background(), inv.ID(), tt.dep)
			require.NoError(t, err)
			assert.False(t, res.Matched)
			assert.False(t, res.Applied)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, saves, f.invoices.Saves())
		})
	}
}

func TestApplyDeposit_ConfirmationsCatchUp(t *testing.T) {
	minThree := 3
	f := newFixture(t, domain.NewPolicy(domain.DefaultMatchingOptions(), map[string]domain.OptionsOverride{
		"btc:": {MinConfirmations: &minThree},
	}))
	inv := f.createInvoice(t, "1", "BTC", nil, 0)
	f.reserve(t, inv.ID(), 10, "BTC", "addr1", "", "")

	res, err := f.svc.ApplyDeposit(context.Background(), inv.ID(), observed("h1", "addr1", "1", "BTC", 2, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNotEnoughConfirmations, res.Reason)

	res, err = f.svc.ApplyDeposit(context.Background(), inv.ID(), observed("h1", "addr1", "1", "BTC", 3, 1))
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestApplyDeposit_ExpiredInvoice(t *testing.T) {
	f := newFixture(t, nil)
	inv := f.createInvoice(t, "1", "BTC", nil, time.Hour)
	f.reserve(t, inv.ID(), 10, "BTC", "addr1", "", "")
	f.now = t0.Add(2 * time.Hour)

	res, err := f.svc.ApplyDeposit(context.Background(), inv.ID(), observed("h1", "addr1", "1", "BTC", 3, 1))
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, domain.ReasonExpired, res.Reason)
	assert.Equal(t, domain.InvoiceExpired, res.Status)

	got, err := f.svc.GetInvoice(context.Background(), inv.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceExpired, got.Status())
	assert.Empty(t, got.AppliedDeposits())
	assert.Contains(t, f.pub.Types(), domain.EventInvoiceStatusChanged)
}

func TestApplyDeposit_Validation(t *testing.T) {
	f := newFixture(t, nil)
	inv := f.createInvoice(t, "1", "BTC", nil, 0)

	_, err := f.svc.ApplyDeposit(context.Background(), inv.ID(), observed(" ", "addr1", "1", "BTC", 3, 1))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.ApplyDeposit(context.Background(), inv.ID(), observed("h1", "addr1", "-1", "BTC", 3, 1))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.ApplyDeposit(context.Background(), "missing", observed("h1", "addr1", "1", "BTC", 3, 1))
	assert.Error(t, err)
}

func TestApplyObservedDeposit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inv := f.createInvoice(t, "1", "BTC", nil, 0)
	f.reserve(t, inv.ID(), 10, "BTC", "addr1", "", "memo-7")

	dep := observed("h1", "ADDR1", "1", "BTC", 3, 1)
	dep.Tag = "memo-7"
	res, err := f.svc.ApplyObservedDeposit(ctx, dep)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, inv.ID(), res.InvoiceID)

	res, err = f.svc.ApplyObservedDeposit(ctx, observed("h2", "addr1", "1", "BTC", 3, 1))
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, domain.ReasonNoOwningInvoice, res.Reason)
}

func TestApplyDepositsBatch(t *testing.T) {
	f := newFixture(t, nil)
	inv := f.createInvoice(t, "10", "USDT", nil, 0)
	f.reserve(t, inv.ID(), 10, "USDT", "addr1", "", "")

	batch := []domain.ObservedDeposit{
		observed("h1", "addr1", "4", "USDT", 3, 1),
		observed("h1", "addr1", "4", "USDT", 3, 1),
		observed("h2", "nobody", "4", "USDT", 3, 1),
		observed("h3", "addr1", "4", "USDT", 0, 1),
		observed("", "addr1", "4", "USDT", 3, 1),
	}
	out, err := f.svc.ApplyDepositsBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Total)
	assert.Equal(t, 2, out.Matched)
	assert.Equal(t, 1, out.Applied)
	assert.Equal(t, 1, out.AlreadyApplied)
	assert.Equal(t, 3, out.Rejected)
	require.Len(t, out.Results, 5)
	assert.Equal(t, domain.ReasonNotEnoughConfirmations, out.Results[3].Reason)
}

func TestApplyDeposit_ToleranceBands(t *testing.T) {
	policy := domain.NewPolicy(domain.MatchingOptions{
		MinConfirmations:      1,
		AbsoluteTolerance:     decimal.NewFromInt(1),
		RequireKnownAddress:   true,
		AllowMultipleDeposits: true,
	}, nil)

	tests := []struct {
		amount string
		status domain.InvoiceStatus
	}{
		{"98.99", domain.InvoicePartiallyPaid},
		{"99.5", domain.InvoicePaid},
		{"101", domain.InvoicePaid},
		{"101.5", domain.InvoiceOverpaid},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			f := newFixture(t, policy)
			inv := f.createInvoice(t, "100", "USDT", nil, 0)
			f.reserve(t, inv.ID(), 10, "USDT", "addr1", "", "")

			res, err := f.svc.ApplyDeposit(context.Background(), inv.ID(), observed("h", "addr1", tt.amount, "USDT", 3, 1))
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
		})
	}
}
