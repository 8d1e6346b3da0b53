package store_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"depositrecon/internal/common/database"
	"depositrecon/internal/common/money"
	"depositrecon/internal/recon/domain"
	"depositrecon/internal/recon/store"
	"depositrecon/migrations"
)

var (
	sharedMu  sync.Mutex
	sharedDSN string
)

var t0 = time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

// newTestStore returns a store on a migrated database shared by the package.
// Tests use distinct ids and hashes instead of truncating.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	sharedMu.Lock()
	if sharedDSN == "" {
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("recon_test"),
			tcpostgres.WithUsername("postgres"),
			tcpostgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			sharedMu.Unlock()
			t.Skipf("postgres container unavailable: %v", err)
		}
		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		if err == nil {
			err = database.Migrate(dsn, migrations.FS, logger)
		}
		if err != nil {
			sharedMu.Unlock()
			require.NoError(t, err)
		}
		sharedDSN = dsn
	}
	dsn := sharedDSN
	sharedMu.Unlock()

	db, err := database.New(ctx, database.Config{
		URL:             dsn,
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: time.Minute,
		MaxConnIdleTime: time.Minute,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return store.New(db)
}

func newInvoice(t *testing.T, id, number, amount, currency string, cust *domain.CustomerID) *domain.Invoice {
	t.Helper()
	inv, _, err := domain.NewInvoice(id, number, money.New(decimal.RequireFromString(amount), currency), cust, 0, t0)
	require.NoError(t, err)
	return inv
}

func reserve(t *testing.T, inv *domain.Invoice, walletID int64, currency, address, network, tag string) {
	t.Helper()
	addr, err := domain.NewChainAddress(address, network, tag)
	require.NoError(t, err)
	wallet, err := domain.NewWalletRef(walletID, currency)
	require.NoError(t, err)
	_, err = inv.AddAddress(addr, wallet, t0)
	require.NoError(t, err)
}

func deposit(t *testing.T, hash, address, amount, currency string) domain.IncomingDeposit {
	t.Helper()
	d, err := domain.NewIncomingDeposit(domain.ObservedDeposit{
		TxHash:                hash,
		Address:               address,
		Amount:                decimal.RequireFromString(amount),
		Currency:              currency,
		Confirmations:         3,
		RequiredConfirmations: 1,
		Confirmed:             true,
		CreatedAt:             t0.Add(time.Minute),
	})
	require.NoError(t, err)
	return d
}
