package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depositrecon/internal/common/money"
	"depositrecon/internal/recon"
	"depositrecon/internal/recon/domain"
	"depositrecon/internal/recon/recontest"
)

func newService(t *testing.T) *recon.Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return recon.NewService(recon.Config{}, recontest.NewInvoiceStore(), recontest.NewPrepaidStore(), recontest.NewExchange(), nil, nil, logger)
}

func run(t *testing.T, svc *recon.Service, stdin string, args ...string) (string, error) {
	t.Helper()
	connect := func(context.Context, *slog.Logger) (Operations, func(), error) {
		return svc, func() {}, nil
	}
	migrate := func(*slog.Logger) error { return nil }

	cmd := newRootCommand(connect, migrate)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"migrate"}, {"sync", "invoice"}, {"sync", "prepaid"}, {"confirm"}, {"apply-batch"}} {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, newService(t), "", "migrate", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMigrate(t *testing.T) {
	out, err := run(t, newService(t), "", "migrate", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"migrations":"applied"`)
}

func TestApplyBatchFromStdin(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	inv, err := svc.CreateInvoice(ctx, recon.CreateInvoiceInput{Expected: money.New(decimal.NewFromInt(10), "USDT")})
	require.NoError(t, err)
	addr, err := domain.NewChainAddress("TAddr", "TRC20", "")
	require.NoError(t, err)
	wallet, err := domain.NewWalletRef(1, "USDT")
	require.NoError(t, err)
	_, err = svc.AddAddressToInvoice(ctx, inv.ID(), addr, wallet)
	require.NoError(t, err)

	stdin := `{"deposits":[
		{"tx_hash":"h1","address":"TAddr","network":"TRC20","amount":"10","currency":"USDT","confirmations":1,"required_confirmations":1,"confirmed":true},
		{"tx_hash":"h2","address":"elsewhere","amount":"1","currency":"USDT","confirmations":1,"required_confirmations":1,"confirmed":true}
	]}`
	out, err := run(t, svc, stdin, "apply-batch", "--file", "-", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string            `json:"status"`
		Data   recon.BatchResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Applied)
	assert.Equal(t, 1, resp.Data.Rejected)

	got, err := svc.GetInvoice(ctx, inv.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, got.Status())
}

func TestSyncInvoice_NotFound(t *testing.T) {
	_, err := run(t, newService(t), "", "sync", "invoice", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConnectFailure(t *testing.T) {
	connect := func(context.Context, *slog.Logger) (Operations, func(), error) {
		return nil, nil, errors.New("DATABASE_URL missing")
	}
	cmd := newRootCommand(connect, nil)
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"confirm", "inv", "hash"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParseDeposits(t *testing.T) {
	deps, err := parseDeposits([]byte(` [{"tx_hash":"a","address":"x","amount":1.5,"currency":"BTC"}] `))
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.True(t, decimal.RequireFromString("1.5").Equal(deps[0].Amount))

	_, err = parseDeposits([]byte(`{"items":[]}`))
	assert.Error(t, err)

	_, err = parseDeposits(nil)
	assert.Error(t, err)
}
