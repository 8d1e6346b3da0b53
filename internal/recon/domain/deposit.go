package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"depositrecon/internal/common/money"
)

// ObservedDeposit is one deposit as reported by the exchange. The same hash
// may be reported repeatedly with increasing confirmations.
type ObservedDeposit struct {
	WalletID              int64           `json:"wallet_id,omitempty"`
	TxHash                string          `json:"tx_hash" validate:"required"`
	Address               string          `json:"address" validate:"required"`
	Tag                   string          `json:"tag,omitempty"`
	Network               string          `json:"network,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency" validate:"required"`
	Confirmations         int             `json:"confirmations" validate:"gte=0"`
	RequiredConfirmations int             `json:"required_confirmations" validate:"gte=0"`
	Confirmed             bool            `json:"confirmed"`
	CreatedAt             time.Time       `json:"created_at"`
}

// ChainAddress returns the deposit's address triple, or a validation error.
func (d ObservedDeposit) ChainAddress() (ChainAddress, error) {
	return NewChainAddress(d.Address, d.Network, d.Tag)
}

// IncomingDeposit is a validated observation ready for matching.
type IncomingDeposit struct {
	TxHash                TransactionHash
	Address               ChainAddress
	Amount                money.Money
	Confirmed             bool
	Confirmations         int
	RequiredConfirmations int
	ObservedAt            time.Time
}

// NewIncomingDeposit validates an observation. A zero amount is rejected so a
// malformed feed row cannot consume the hash.
func NewIncomingDeposit(d ObservedDeposit) (IncomingDeposit, error) {
	hash, err := NewTransactionHash(d.TxHash)
	if err != nil {
		return IncomingDeposit{}, err
	}
	addr, err := d.ChainAddress()
	if err != nil {
		return IncomingDeposit{}, err
	}
	if strings.TrimSpace(d.Currency) == "" {
		return IncomingDeposit{}, fmt.Errorf("%w: currency is required", ErrValidation)
	}
	if !d.Amount.IsPositive() {
		return IncomingDeposit{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if d.Confirmations < 0 || d.RequiredConfirmations < 0 {
		return IncomingDeposit{}, fmt.Errorf("%w: confirmations must not be negative", ErrValidation)
	}
	return IncomingDeposit{
		TxHash:                hash,
		Address:               addr,
		Amount:                money.New(d.Amount, d.Currency),
		Confirmed:             d.Confirmed,
		Confirmations:         d.Confirmations,
		RequiredConfirmations: d.RequiredConfirmations,
		ObservedAt:            d.CreatedAt.UTC(),
	}, nil
}

// AppliedDeposit is the immutable record of a deposit matched to an invoice.
type AppliedDeposit struct {
	ID                    string          `json:"id"`
	InvoiceID             string          `json:"invoice_id"`
	TxHash                TransactionHash `json:"tx_hash"`
	Address               ChainAddress    `json:"address"`
	Amount                money.Money     `json:"amount"`
	WasConfirmed          bool            `json:"was_confirmed"`
	Confirmations         int             `json:"confirmations"`
	RequiredConfirmations int             `json:"required_confirmations"`
	ObservedAt            time.Time       `json:"observed_at"`
}

// InvoiceAddress reserves one exchange-custodial address for an invoice.
type InvoiceAddress struct {
	ID        string    `json:"id"`
	InvoiceID string    `json:"invoice_id"`
	WalletID  int64     `json:"wallet_id"`
	Currency  string    `json:"currency"`
	Address   string    `json:"address"`
	Network   string    `json:"network,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ChainAddress returns the reserved address triple.
func (a InvoiceAddress) ChainAddress() ChainAddress {
	return ChainAddress{Address: a.Address, Network: a.Network, Tag: a.Tag}
}

// sameReservation reports whether two reservations collide on the unique key.
func (a InvoiceAddress) sameReservation(addr ChainAddress, walletID int64) bool {
	return a.WalletID == walletID && a.ChainAddress().Equal(addr)
}

// Wallet is an exchange wallet as listed by the deposit source.
type Wallet struct {
	ID             int64  `json:"id"`
	Currency       string `json:"currency"`
	Network        string `json:"network,omitempty"`
	DepositAddress string `json:"deposit_address,omitempty"`
	DepositTag     string `json:"deposit_tag,omitempty"`
}

// GeneratedAddress is a fresh deposit address issued by the exchange.
type GeneratedAddress struct {
	WalletID int64     `json:"wallet_id"`
	Currency string    `json:"currency"`
	Network  string    `json:"network,omitempty"`
	Address  string    `json:"address"`
	Tag      string    `json:"tag,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// LedgerCredit is the downstream ledger's answer to a credit request.
type LedgerCredit struct {
	LedgerInvoiceID string `json:"ledger_invoice_id,omitempty"`
	Duplicate       bool   `json:"duplicate,omitempty"`
}
