package domain

import (
	"time"

	"depositrecon/internal/common/money"
)

// Event is a fact emitted by an aggregate method. Aggregates never buffer
// events; the caller publishes them after the state change is committed.
type Event interface {
	EventType() string
	AggregateType() string
	AggregateID() string
}

// Event type names, shared with the integration envelope.
const (
	EventInvoiceCreated         = "recon.invoice.created"
	EventInvoiceAddressAdded    = "recon.invoice.address_added"
	EventDepositMatched         = "recon.invoice.deposit_matched"
	EventInvoiceStatusChanged   = "recon.invoice.status_changed"
	EventPrepaidStatusChanged   = "recon.prepaid.status_changed"
	EventAccountingCharged      = "recon.accounting.charge_succeeded"
	EventAccountingChargeFailed = "recon.accounting.charge_failed"
)

const (
	AggregateInvoice = "invoice"
	AggregatePrepaid = "prepaid_invoice"
)

// InvoiceCreated is emitted by NewInvoice.
type InvoiceCreated struct {
	InvoiceID     string      `json:"invoice_id"`
	InvoiceNumber string      `json:"invoice_number"`
	CustomerID    *CustomerID `json:"customer_id,omitempty"`
	Expected      money.Money `json:"expected"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

func (InvoiceCreated) EventType() string { return EventInvoiceCreated }
func (InvoiceCreated) AggregateType() string { return AggregateInvoice }
func (e InvoiceCreated) AggregateID() string { return e.InvoiceID }

// InvoiceAddressAdded is emitted when a new reservation is attached.
type InvoiceAddressAdded struct {
	InvoiceID  string       `json:"invoice_id"`
	WalletID   int64        `json:"wallet_id"`
	Address    ChainAddress `json:"address"`
	OccurredAt time.Time    `json:"occurred_at"`
}

func (InvoiceAddressAdded) EventType() string { return EventInvoiceAddressAdded }
func (InvoiceAddressAdded) AggregateType() string { return AggregateInvoice }
func (e InvoiceAddressAdded) AggregateID() string { return e.InvoiceID }

// DepositMatchedToInvoice is emitted for every applied deposit.
type DepositMatchedToInvoice struct {
	InvoiceID     string          `json:"invoice_id"`
	DepositID     string          `json:"deposit_id"`
	TxHash        TransactionHash `json:"tx_hash"`
	Amount        money.Money     `json:"amount"`
	Confirmations int             `json:"confirmations"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func (DepositMatchedToInvoice) EventType() string { return EventDepositMatched }
func (DepositMatchedToInvoice) AggregateType() string { return AggregateInvoice }
func (e DepositMatchedToInvoice) AggregateID() string { return e.InvoiceID }

// InvoiceStatusChanged is emitted only when the status actually moves.
type InvoiceStatusChanged struct {
	InvoiceID  string        `json:"invoice_id"`
	From       InvoiceStatus `json:"from"`
	To         InvoiceStatus `json:"to"`
	TotalPaid  money.Money   `json:"total_paid"`
	OccurredAt time.Time     `json:"occurred_at"`
}

func (InvoiceStatusChanged) EventType() string { return EventInvoiceStatusChanged }
func (InvoiceStatusChanged) AggregateType() string { return AggregateInvoice }
func (e InvoiceStatusChanged) AggregateID() string { return e.InvoiceID }

// PrepaidStatusChanged is emitted on every prepaid status transition.
type PrepaidStatusChanged struct {
	PrepaidID  string          `json:"prepaid_id"`
	TxHash     TransactionHash `json:"tx_hash"`
	From       PrepaidStatus   `json:"from"`
	To         PrepaidStatus   `json:"to"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func (PrepaidStatusChanged) EventType() string { return EventPrepaidStatusChanged }
func (PrepaidStatusChanged) AggregateType() string { return AggregatePrepaid }
func (e PrepaidStatusChanged) AggregateID() string { return e.PrepaidID }

// AccountingCharged records a ledger credit outcome for a deposit. It is
// produced by the application service, not by an aggregate.
type AccountingCharged struct {
	SourceType      string          `json:"source_type"`
	SourceID        string          `json:"source_id"`
	TxHash          TransactionHash `json:"tx_hash"`
	CustomerID      CustomerID      `json:"customer_id"`
	Amount          money.Money     `json:"amount"`
	Settled         money.Money     `json:"settled"`
	LedgerInvoiceID string          `json:"ledger_invoice_id,omitempty"`
	Duplicate       bool            `json:"duplicate,omitempty"`
	Error           string          `json:"error,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

func (e AccountingCharged) EventType() string {
	if e.Error != "" {
		return EventAccountingChargeFailed
	}
	return EventAccountingCharged
}
func (e AccountingCharged) AggregateType() string { return e.SourceType }
func (e AccountingCharged) AggregateID() string { return e.SourceID }
