package recontest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"depositrecon/internal/common/events"
	"depositrecon/internal/common/money"
	"depositrecon/internal/recon/domain"
)

// DepositCall records one GetRecentDeposits request.
type DepositCall struct {
	WalletID int64
	Limit    int
	Since    time.Time
}

// Exchange is a scripted deposit source and address generator.
type Exchange struct {
	mu       sync.Mutex
	Wallets  []domain.Wallet
	Deposits map[int64][]domain.ObservedDeposit
	Calls    []DepositCall
	Err      error

	Generated   domain.GeneratedAddress
	GenerateErr error
}

// NewExchange creates an exchange holding the given wallets.
func NewExchange(wallets ...domain.Wallet) *Exchange {
	return &Exchange{Wallets: wallets, Deposits: make(map[int64][]domain.ObservedDeposit)}
}

// AddDeposit reports d on walletID.
func (e *Exchange) AddDeposit(walletID int64, d domain.ObservedDeposit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d.WalletID == 0 {
		d.WalletID = walletID
	}
	e.Deposits[walletID] = append(e.Deposits[walletID], d)
}

func (e *Exchange) ListWallets(context.Context) ([]domain.Wallet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return nil, e.Err
	}
	return append([]domain.Wallet(nil), e.Wallets...), nil
}

// GetRecentDeposits returns up to limit deposits created at or after since.
func (e *Exchange) GetRecentDeposits(_ context.Context, walletID int64, limit int, since time.Time) ([]domain.ObservedDeposit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, DepositCall{WalletID: walletID, Limit: limit, Since: since})
	if e.Err != nil {
		return nil, e.Err
	}
	var out []domain.ObservedDeposit
	for _, d := range e.Deposits[walletID] {
		if d.CreatedAt.Before(since) {
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, d)
	}
	return out, nil
}

func (e *Exchange) GenerateAddress(_ context.Context, currency, network string) (domain.GeneratedAddress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.GenerateErr != nil {
		return domain.GeneratedAddress{}, e.GenerateErr
	}
	return e.Generated, nil
}

// CreditCall records one ledger credit.
type CreditCall struct {
	CustomerID     domain.CustomerID
	Amount         money.Money
	OccurredAt     time.Time
	IdempotencyKey string
}

// Ledger records credits and reports repeats of an idempotency key as
// duplicates.
type Ledger struct {
	mu    sync.Mutex
	Calls []CreditCall
	Err   error
	seen  map[string]string
}

func (l *Ledger) CreditDeposit(_ context.Context, customerID domain.CustomerID, amount money.Money, occurredAt time.Time, key string) (domain.LedgerCredit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Calls = append(l.Calls, CreditCall{CustomerID: customerID, Amount: amount, OccurredAt: occurredAt, IdempotencyKey: key})
	if l.Err != nil {
		return domain.LedgerCredit{}, l.Err
	}
	if l.seen == nil {
		l.seen = make(map[string]string)
	}
	if id, ok := l.seen[key]; ok {
		return domain.LedgerCredit{LedgerInvoiceID: id, Duplicate: true}, nil
	}
	id := fmt.Sprintf("ledger-%d", len(l.seen)+1)
	l.seen[key] = id
	return domain.LedgerCredit{LedgerInvoiceID: id}, nil
}

// Credits returns a copy of the recorded calls.
func (l *Ledger) Credits() []CreditCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CreditCall(nil), l.Calls...)
}

// Prices quotes fixed rates per currency.
type Prices struct {
	Rates map[money.Currency]decimal.Decimal
	Err   error
}

func (p *Prices) GetRate(_ context.Context, from money.Currency, _ time.Time) (decimal.Decimal, error) {
	if p.Err != nil {
		return decimal.Zero, p.Err
	}
	rate, ok := p.Rates[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rate for %s", from)
	}
	return rate, nil
}

// Publisher records published events.
type Publisher struct {
	mu     sync.Mutex
	Events []*events.Event
	Err    error
}

func (p *Publisher) Publish(ctx context.Context, e *events.Event) error {
	return p.PublishBatch(ctx, []*events.Event{e})
}

func (p *Publisher) PublishBatch(_ context.Context, evts []*events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Events = append(p.Events, evts...)
	return nil
}

// Types lists the published event types in order.
func (p *Publisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.Events))
	for _, e := range p.Events {
		out = append(out, e.Type)
	}
	return out
}
