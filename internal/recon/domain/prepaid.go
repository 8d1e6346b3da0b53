package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"depositrecon/internal/common/money"
)

// PrepaidStatus represents the reconciliation state of a prepaid record.
type PrepaidStatus string

const (
	PrepaidAwaitingConfirmations    PrepaidStatus = "awaiting_confirmations"
	PrepaidPaid                     PrepaidStatus = "paid"
	PrepaidRejectedWrongAddress     PrepaidStatus = "rejected_wrong_address"
	PrepaidRejectedCurrencyMismatch PrepaidStatus = "rejected_currency_mismatch"
	PrepaidExpired                  PrepaidStatus = "expired"
	PrepaidAccountingSyncFailed     PrepaidStatus = "accounting_sync_failed"
)

// IsFinal is true for every status except AwaitingConfirmations.
func (s PrepaidStatus) IsFinal() bool {
	return s != PrepaidAwaitingConfirmations
}

// Observation is the last exchange-side snapshot of the bound transaction.
type Observation struct {
	Amount                *decimal.Decimal `json:"amount,omitempty"`
	Currency              string           `json:"currency,omitempty"`
	Address               string           `json:"address,omitempty"`
	Tag                   string           `json:"tag,omitempty"`
	WalletID              *int64           `json:"wallet_id,omitempty"`
	Confirmations         int              `json:"confirmations"`
	RequiredConfirmations int              `json:"required_confirmations"`
	ConfirmedAt           *time.Time       `json:"confirmed_at,omitempty"`
	LastCheckedAt         *time.Time       `json:"last_checked_at,omitempty"`
}

// PrepaidInvoice binds one already-broadcast transaction to a settlement
// outcome, independent of any Invoice.
type PrepaidInvoice struct {
	id         string
	customerID *CustomerID
	currency   money.Currency
	network    string
	txHash     TransactionHash
	status     PrepaidStatus
	createdAt  time.Time
	expiresAt  *time.Time
	updatedAt  time.Time
	observed   Observation
	version    int64
}

// NewPrepaidInvoice creates a record awaiting its transaction.
func NewPrepaidInvoice(id, currency, network, txHash string, customerID *CustomerID, ttl time.Duration, now time.Time) (*PrepaidInvoice, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrValidation)
	}
	if strings.TrimSpace(currency) == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrValidation)
	}
	hash, err := NewTransactionHash(txHash)
	if err != nil {
		return nil, err
	}
	if ttl < 0 {
		return nil, fmt.Errorf("%w: ttl must not be negative", ErrValidation)
	}

	now = now.UTC()
	p := &PrepaidInvoice{
		id:         id,
		customerID: customerID,
		currency:   money.NormalizeCurrency(currency),
		network:    NormalizeNetwork(network),
		txHash:     hash,
		status:     PrepaidAwaitingConfirmations,
		createdAt:  now,
		updatedAt:  now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		p.expiresAt = &exp
	}
	return p, nil
}

func (p *PrepaidInvoice) ID() string { return p.id }
func (p *PrepaidInvoice) CustomerID() *CustomerID { return p.customerID }
func (p *PrepaidInvoice) Currency() money.Currency { return p.currency }
func (p *PrepaidInvoice) Network() string { return p.network }
func (p *PrepaidInvoice) TxHash() TransactionHash { return p.txHash }
func (p *PrepaidInvoice) Status() PrepaidStatus { return p.status }
func (p *PrepaidInvoice) CreatedAt() time.Time { return p.createdAt }
func (p *PrepaidInvoice) ExpiresAt() *time.Time { return p.expiresAt }
func (p *PrepaidInvoice) Observed() Observation { return p.observed }
func (p *PrepaidInvoice) Version() int64 { return p.version }

// IsExpired reports whether now is strictly past the expiry.
func (p *PrepaidInvoice) IsExpired(now time.Time) bool {
	return p.expiresAt != nil && now.After(*p.expiresAt)
}

// ReconcileOutcome describes what one sync cycle did to the record.
type ReconcileOutcome struct {
	Changed    bool
	BecamePaid bool
	Events     []Event
}

// Reconcile folds one exchange observation into the record. dep is nil when
// the transaction was not found on any candidate wallet. Records outside
// AwaitingConfirmations are never re-matched.
func (p *PrepaidInvoice) Reconcile(dep *ObservedDeposit, opts MatchingOptions, now time.Time) ReconcileOutcome {
	now = now.UTC()
	if p.status != PrepaidAwaitingConfirmations {
		return ReconcileOutcome{}
	}
	if p.IsExpired(now) {
		return p.transition(PrepaidExpired, now)
	}

	p.observed.LastCheckedAt = &now
	p.updatedAt = now
	if dep == nil {
		return ReconcileOutcome{Changed: true}
	}

	observedCurrency := money.NormalizeCurrency(dep.Currency)
	if observedCurrency != p.currency {
		p.observed.Currency = string(observedCurrency)
		return p.transition(PrepaidRejectedCurrencyMismatch, now)
	}

	network := NormalizeNetwork(dep.Network)
	if p.network != "" && network != "" && network != p.network {
		p.observed.Address = strings.TrimSpace(dep.Address)
		p.observed.Tag = strings.TrimSpace(dep.Tag)
		p.observed.WalletID = walletIDPtr(dep.WalletID)
		return p.transition(PrepaidRejectedWrongAddress, now)
	}

	p.snapshot(dep)
	if dep.Confirmations < opts.RequiredConfirmations(dep.RequiredConfirmations) {
		return ReconcileOutcome{Changed: true}
	}

	confirmedAt := dep.CreatedAt.UTC()
	p.observed.ConfirmedAt = &confirmedAt
	out := p.transition(PrepaidPaid, now)
	out.BecamePaid = true
	return out
}

// MarkAccountingSyncFailed flags a Paid record whose ledger credit failed.
func (p *PrepaidInvoice) MarkAccountingSyncFailed(now time.Time) []Event {
	if p.status != PrepaidPaid {
		return nil
	}
	return p.transition(PrepaidAccountingSyncFailed, now.UTC()).Events
}

// MarkExpired expires a record still awaiting its transaction.
func (p *PrepaidInvoice) MarkExpired(now time.Time) []Event {
	if p.status != PrepaidAwaitingConfirmations || !p.IsExpired(now) {
		return nil
	}
	return p.transition(PrepaidExpired, now.UTC()).Events
}

func (p *PrepaidInvoice) snapshot(dep *ObservedDeposit) {
	amount := dep.Amount
	p.observed.Amount = &amount
	p.observed.Currency = string(money.NormalizeCurrency(dep.Currency))
	p.observed.Address = strings.TrimSpace(dep.Address)
	p.observed.Tag = strings.TrimSpace(dep.Tag)
	p.observed.WalletID = walletIDPtr(dep.WalletID)
	p.observed.Confirmations = dep.Confirmations
	p.observed.RequiredConfirmations = dep.RequiredConfirmations
}

func (p *PrepaidInvoice) transition(next PrepaidStatus, now time.Time) ReconcileOutcome {
	prev := p.status
	p.status = next
	p.updatedAt = now
	return ReconcileOutcome{
		Changed: true,
		Events: []Event{PrepaidStatusChanged{
			PrepaidID:  p.id,
			TxHash:     p.txHash,
			From:       prev,
			To:         next,
			OccurredAt: now,
		}},
	}
}

func walletIDPtr(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// PrepaidState is the persisted form of a PrepaidInvoice.
type PrepaidState struct {
	ID         string
	CustomerID *CustomerID
	Currency   money.Currency
	Network    string
	TxHash     TransactionHash
	Status     PrepaidStatus
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	UpdatedAt  time.Time
	Observed   Observation
	Version    int64
}

// State snapshots the record for persistence.
func (p *PrepaidInvoice) State() PrepaidState {
	return PrepaidState{
		ID:         p.id,
		CustomerID: p.customerID,
		Currency:   p.currency,
		Network:    p.network,
		TxHash:     p.txHash,
		Status:     p.status,
		CreatedAt:  p.createdAt,
		ExpiresAt:  p.expiresAt,
		UpdatedAt:  p.updatedAt,
		Observed:   p.observed,
		Version:    p.version,
	}
}

// Committed records the version the store assigned on save.
func (p *PrepaidInvoice) Committed(version int64) {
	p.version = version
}

// RestorePrepaid rebuilds a record loaded from storage.
func RestorePrepaid(s PrepaidState) (*PrepaidInvoice, error) {
	if s.ID == "" || s.TxHash == "" {
		return nil, errors.New("restore prepaid invoice: id and tx hash are required")
	}
	return &PrepaidInvoice{
		id:         s.ID,
		customerID: s.CustomerID,
		currency:   s.Currency,
		network:    s.Network,
		txHash:     s.TxHash,
		status:     s.Status,
		createdAt:  s.CreatedAt,
		expiresAt:  s.ExpiresAt,
		updatedAt:  s.UpdatedAt,
		observed:   s.Observed,
		version:    s.Version,
	}, nil
}
