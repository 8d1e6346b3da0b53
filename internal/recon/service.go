// Package recon reconciles exchange deposits against invoices and prepaid
// records and credits the downstream ledger.
package recon

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"depositrecon/internal/common/events"
	"depositrecon/internal/common/money"
	"depositrecon/internal/recon/domain"
)

// InvoiceStore persists invoices. Lookups return database.ErrNotFound when
// nothing matches. SaveInvoice fails with database.ErrConcurrencyConflict on a
// stale version and with a *database.ConstraintViolation when a deposit hash
// is already recorded anywhere.
type InvoiceStore interface {
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	GetInvoiceByNumber(ctx context.Context, number string) (*domain.Invoice, error)
	GetInvoiceByAddress(ctx context.Context, addr domain.ChainAddress) (*domain.Invoice, error)
	CreateInvoice(ctx context.Context, inv *domain.Invoice) error
	SaveInvoice(ctx context.Context, inv *domain.Invoice) error
	HasAppliedDeposit(ctx context.Context, invoiceID string, hash domain.TransactionHash) (bool, error)
	HasAnyAppliedDeposit(ctx context.Context, hash domain.TransactionHash) (bool, error)
	ListOpenInvoices(ctx context.Context, limit int) ([]*domain.Invoice, error)
	MarkInvoiceSynced(ctx context.Context, id string, at time.Time) error
}

// PrepaidStore persists prepaid records with the same error contract as
// InvoiceStore.
type PrepaidStore interface {
	GetPrepaid(ctx context.Context, id string) (*domain.PrepaidInvoice, error)
	GetPrepaidByTxHash(ctx context.Context, hash domain.TransactionHash) (*domain.PrepaidInvoice, error)
	CreatePrepaid(ctx context.Context, p *domain.PrepaidInvoice) error
	SavePrepaid(ctx context.Context, p *domain.PrepaidInvoice) error
	ListAwaitingPrepaid(ctx context.Context, limit int) ([]*domain.PrepaidInvoice, error)
}

// DepositSource lists exchange wallets and their recent deposits.
type DepositSource interface {
	ListWallets(ctx context.Context) ([]domain.Wallet, error)
	GetRecentDeposits(ctx context.Context, walletID int64, limit int, since time.Time) ([]domain.ObservedDeposit, error)
}

// AddressGenerator asks the exchange for a fresh deposit address.
type AddressGenerator interface {
	GenerateAddress(ctx context.Context, currency, network string) (domain.GeneratedAddress, error)
}

// LedgerClient credits a customer's balance. Calls with the same idempotency
// key must be credited at most once.
type LedgerClient interface {
	CreditDeposit(ctx context.Context, customerID domain.CustomerID, amount money.Money, occurredAt time.Time, idempotencyKey string) (domain.LedgerCredit, error)
}

// PriceQuoter returns units of settlement currency per one unit of from.
type PriceQuoter interface {
	GetRate(ctx context.Context, from money.Currency, at time.Time) (decimal.Decimal, error)
}

// Config holds service configuration.
type Config struct {
	SettlementCurrency  string        `envconfig:"SETTLEMENT_CURRENCY" default:"USDT"`
	PolicyFile          string        `envconfig:"MATCHING_POLICY_FILE" default:""`
	SyncDepositLimit    int           `envconfig:"SYNC_DEPOSIT_LIMIT" default:"30"`
	ConfirmLookback     time.Duration `envconfig:"CONFIRM_LOOKBACK" default:"168h"`
	ConfirmDepositLimit int           `envconfig:"CONFIRM_DEPOSIT_LIMIT" default:"200"`
	PrepaidLookback     time.Duration `envconfig:"PREPAID_LOOKBACK" default:"720h"`
	PrepaidDepositLimit int           `envconfig:"PREPAID_DEPOSIT_LIMIT" default:"200"`
	LedgerTimeout       time.Duration `envconfig:"LEDGER_TIMEOUT" default:"15s"`
}

// DefaultConfig mirrors the envconfig defaults.
func DefaultConfig() Config {
	return Config{
		SettlementCurrency:  string(money.USDT),
		SyncDepositLimit:    30,
		ConfirmLookback:     7 * 24 * time.Hour,
		ConfirmDepositLimit: 200,
		PrepaidLookback:     30 * 24 * time.Hour,
		PrepaidDepositLimit: 200,
		LedgerTimeout:       15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SettlementCurrency == "" {
		c.SettlementCurrency = d.SettlementCurrency
	}
	if c.SyncDepositLimit <= 0 {
		c.SyncDepositLimit = d.SyncDepositLimit
	}
	if c.ConfirmLookback <= 0 {
		c.ConfirmLookback = d.ConfirmLookback
	}
	if c.ConfirmDepositLimit <= 0 {
		c.ConfirmDepositLimit = d.ConfirmDepositLimit
	}
	if c.PrepaidLookback <= 0 {
		c.PrepaidLookback = d.PrepaidLookback
	}
	if c.PrepaidDepositLimit <= 0 {
		c.PrepaidDepositLimit = d.PrepaidDepositLimit
	}
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = d.LedgerTimeout
	}
	return c
}

// Service is the reconciliation application service.
type Service struct {
	cfg       Config
	invoices  InvoiceStore
	prepaids  PrepaidStore
	deposits  DepositSource
	policy    *domain.Policy
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	// Optional collaborators
	ledger    LedgerClient
	prices    PriceQuoter
	addresses AddressGenerator
}

// NewService creates a new reconciliation service. Zero config values and a
// nil policy fall back to defaults; a nil publisher discards events.
func NewService(cfg Config, invoices InvoiceStore, prepaids PrepaidStore, deposits DepositSource, policy *domain.Policy, publisher events.Publisher, logger *slog.Logger) *Service {
	if policy == nil {
		policy = domain.NewPolicy(domain.DefaultMatchingOptions(), nil)
	}
	if publisher == nil {
		publisher = events.Discard{}
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		invoices:  invoices,
		prepaids:  prepaids,
		deposits:  deposits,
		policy:    policy,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetLedgerClient enables ledger credits.
func (s *Service) SetLedgerClient(c LedgerClient) { s.ledger = c }

// SetPriceQuoter enables settlement conversion.
func (s *Service) SetPriceQuoter(q PriceQuoter) { s.prices = q }

// SetAddressGenerator enables GenerateAndAttachAddress.
func (s *Service) SetAddressGenerator(g AddressGenerator) { s.addresses = g }

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Policy returns the matching policy in use.
func (s *Service) Policy() *domain.Policy { return s.policy }

// publish converts domain events into integration envelopes. Failures are
// logged: the state they describe is already committed.
func (s *Service) publish(ctx context.Context, evts []domain.Event) {
	if len(evts) == 0 {
		return
	}
	correlationID := events.CorrelationID(ctx)
	batch := make([]*events.Event, 0, len(evts))
	for _, e := range evts {
		env, err := events.NewEvent(e.EventType(), e.AggregateType(), e.AggregateID(), e)
		if err != nil {
			s.logger.Error("failed to encode event", "type", e.EventType(), "error", err)
			continue
		}
		batch = append(batch, env.WithCorrelation(correlationID, ""))
	}
	if err := s.publisher.PublishBatch(ctx, batch); err != nil {
		s.logger.Error("failed to publish events", "count", len(batch), "error", err)
		return
	}
	for _, env := range batch {
		eventsPublished.WithLabelValues(env.Type).Inc()
	}
}
