package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"depositrecon/internal/common/money"
)

// InvoiceStatus represents the payment state of an invoice.
type InvoiceStatus string

const (
	InvoicePending       InvoiceStatus = "pending"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceOverpaid      InvoiceStatus = "overpaid"
	InvoiceExpired       InvoiceStatus = "expired"
	InvoiceCanceled      InvoiceStatus = "canceled"
)

// IsClosed reports whether the invoice no longer accepts new addresses.
func (s InvoiceStatus) IsClosed() bool {
	switch s {
	case InvoicePaid, InvoiceOverpaid, InvoiceExpired, InvoiceCanceled:
		return true
	}
	return false
}

// IsSettled is true for Paid and Overpaid.
func (s InvoiceStatus) IsSettled() bool {
	return s == InvoicePaid || s == InvoiceOverpaid
}

var newID = func() string { return ulid.Make().String() }

// Invoice is an accumulating payment target reserved on one or more
// exchange addresses. State changes only through its methods.
type Invoice struct {
	id         string
	number     string
	customerID *CustomerID
	status     InvoiceStatus
	expected   money.Money
	createdAt  time.Time
	expiresAt  *time.Time
	updatedAt  time.Time
	addresses  []InvoiceAddress
	deposits   []AppliedDeposit
	version    int64
}

// NewInvoice creates a pending invoice. A zero ttl means it never expires.
func NewInvoice(id, number string, expected money.Money, customerID *CustomerID, ttl time.Duration, now time.Time) (*Invoice, []Event, error) {
	if strings.TrimSpace(id) == "" {
		return nil, nil, fmt.Errorf("%w: id is required", ErrValidation)
	}
	if strings.TrimSpace(number) == "" {
		return nil, nil, fmt.Errorf("%w: invoice number is required", ErrValidation)
	}
	if expected.Currency == "" {
		return nil, nil, fmt.Errorf("%w: currency is required", ErrValidation)
	}
	if !expected.IsPositive() {
		return nil, nil, fmt.Errorf("%w: expected amount must be positive", ErrValidation)
	}
	if ttl < 0 {
		return nil, nil, fmt.Errorf("%w: ttl must not be negative", ErrValidation)
	}

	now = now.UTC()
	inv := &Invoice{
		id:         id,
		number:     strings.TrimSpace(number),
		customerID: customerID,
		status:     InvoicePending,
		expected:   expected,
		createdAt:  now,
		updatedAt:  now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		inv.expiresAt = &exp
	}

	return inv, []Event{InvoiceCreated{
		InvoiceID:     inv.id,
		InvoiceNumber: inv.number,
		CustomerID:    customerID,
		Expected:      expected,
		ExpiresAt:     inv.expiresAt,
		OccurredAt:    now,
	}}, nil
}

func (i *Invoice) ID() string { return i.id }
func (i *Invoice) Number() string { return i.number }
func (i *Invoice) CustomerID() *CustomerID { return i.customerID }
func (i *Invoice) Status() InvoiceStatus { return i.status }
func (i *Invoice) Expected() money.Money { return i.expected }
func (i *Invoice) CreatedAt() time.Time { return i.createdAt }
func (i *Invoice) ExpiresAt() *time.Time { return i.expiresAt }
func (i *Invoice) Version() int64 { return i.version }
func (i *Invoice) Addresses() []InvoiceAddress { return append([]InvoiceAddress(nil), i.addresses...) }
func (i *Invoice) AppliedDeposits() []AppliedDeposit {
	return append([]AppliedDeposit(nil), i.deposits...)
}

// TotalPaid sums applied deposits in the invoice currency.
func (i *Invoice) TotalPaid() money.Money {
	total := money.Zero(i.expected.Currency)
	for _, d := range i.deposits {
		if d.Amount.Currency == i.expected.Currency {
			total = total.MustAdd(d.Amount)
		}
	}
	return total
}

// Remaining is never negative.
func (i *Invoice) Remaining() money.Money {
	rem := i.expected.MustSub(i.TotalPaid())
	if rem.IsNegative() {
		return money.Zero(i.expected.Currency)
	}
	return rem
}

// IsExpired reports whether now is strictly past the expiry.
func (i *Invoice) IsExpired(now time.Time) bool {
	return i.expiresAt != nil && now.After(*i.expiresAt)
}

// OwnsAddress reports whether addr is reserved by this invoice.
func (i *Invoice) OwnsAddress(addr ChainAddress) bool {
	for _, a := range i.addresses {
		if a.ChainAddress().Equal(addr) {
			return true
		}
	}
	return false
}

// HasDeposit reports whether hash is already applied here.
func (i *Invoice) HasDeposit(hash TransactionHash) bool {
	for _, d := range i.deposits {
		if d.TxHash.Equal(hash) {
			return true
		}
	}
	return false
}

// AddAddress reserves addr on the given wallet. Re-adding the same
// reservation is a no-op.
func (i *Invoice) AddAddress(addr ChainAddress, wallet WalletRef, now time.Time) ([]Event, error) {
	if i.status.IsClosed() {
		return nil, fmt.Errorf("%w: status %s", ErrInvoiceClosed, i.status)
	}
	if addr.Address == "" {
		return nil, fmt.Errorf("%w: address is required", ErrValidation)
	}
	if wallet.WalletID <= 0 {
		return nil, fmt.Errorf("%w: wallet id must be positive", ErrValidation)
	}
	for _, a := range i.addresses {
		if a.sameReservation(addr, wallet.WalletID) {
			return nil, nil
		}
	}

	now = now.UTC()
	i.addresses = append(i.addresses, InvoiceAddress{
		ID:        newID(),
		InvoiceID: i.id,
		WalletID:  wallet.WalletID,
		Currency:  wallet.Currency,
		Address:   addr.Address,
		Network:   addr.Network,
		Tag:       addr.Tag,
		CreatedAt: now,
	})
	i.updatedAt = now
	return []Event{InvoiceAddressAdded{
		InvoiceID:  i.id,
		WalletID:   wallet.WalletID,
		Address:    addr,
		OccurredAt: now,
	}}, nil
}

// ApplyOutcome is the decision taken for one deposit.
type ApplyOutcome struct {
	Matched bool
	Applied bool
	Reason  string
	Events  []Event
}

// Changed reports whether the invoice must be persisted.
func (o ApplyOutcome) Changed() bool {
	return o.Applied || len(o.Events) > 0
}

// TryApplyDeposit decides whether dep counts toward this invoice and, when it
// does, records it and recomputes the status from the full total.
func (i *Invoice) TryApplyDeposit(dep IncomingDeposit, opts MatchingOptions, now time.Time) ApplyOutcome {
	if i.IsExpired(now) {
		var events []Event
		if ev, ok := i.expire(now); ok {
			events = append(events, ev)
		}
		return ApplyOutcome{Reason: ReasonExpired, Events: events}
	}
	if i.status == InvoiceCanceled {
		return ApplyOutcome{Reason: ReasonCanceled}
	}
	if dep.Amount.Currency != i.expected.Currency {
		return ApplyOutcome{Reason: ReasonCurrencyMismatch}
	}
	if opts.RequireKnownAddress && !i.OwnsAddress(dep.Address) {
		return ApplyOutcome{Reason: ReasonUnknownAddress}
	}
	if dep.Confirmations < opts.RequiredConfirmations(dep.RequiredConfirmations) {
		return ApplyOutcome{Reason: ReasonNotEnoughConfirmations}
	}
	if i.HasDeposit(dep.TxHash) {
		return ApplyOutcome{Matched: true, Reason: ReasonAlreadyApplied}
	}
	if !opts.AllowMultipleDeposits && len(i.deposits) > 0 {
		return ApplyOutcome{Reason: ReasonMultipleNotAllowed}
	}

	now = now.UTC()
	applied := AppliedDeposit{
		ID:                    newID(),
		InvoiceID:             i.id,
		TxHash:                dep.TxHash,
		Address:               dep.Address,
		Amount:                dep.Amount,
		WasConfirmed:          dep.Confirmed,
		Confirmations:         dep.Confirmations,
		RequiredConfirmations: dep.RequiredConfirmations,
		ObservedAt:            dep.ObservedAt,
	}
	i.deposits = append(i.deposits, applied)
	i.updatedAt = now

	events := []Event{DepositMatchedToInvoice{
		InvoiceID:     i.id,
		DepositID:     applied.ID,
		TxHash:        applied.TxHash,
		Amount:        applied.Amount,
		Confirmations: applied.Confirmations,
		OccurredAt:    now,
	}}
	if ev, ok := i.recomputeStatus(opts, now); ok {
		events = append(events, ev)
	}
	return ApplyOutcome{Matched: true, Applied: true, Reason: ReasonApplied, Events: events}
}

func (i *Invoice) recomputeStatus(opts MatchingOptions, now time.Time) (Event, bool) {
	paid := i.TotalPaid().Amount
	expected := i.expected.Amount
	tol := opts.Tolerance(expected)
	lower, upper := expected.Sub(tol), expected.Add(tol)

	next := i.status
	switch {
	case paid.GreaterThanOrEqual(lower) && paid.LessThanOrEqual(upper):
		next = InvoicePaid
	case paid.IsPositive() && paid.LessThan(lower):
		next = InvoicePartiallyPaid
	case paid.GreaterThan(upper):
		next = InvoiceOverpaid
	case paid.Equal(decimal.Zero):
		next = InvoicePending
	}
	return i.transition(next, now)
}

func (i *Invoice) transition(next InvoiceStatus, now time.Time) (Event, bool) {
	if next == i.status {
		return nil, false
	}
	prev := i.status
	i.status = next
	i.updatedAt = now.UTC()
	return InvoiceStatusChanged{
		InvoiceID:  i.id,
		From:       prev,
		To:         next,
		TotalPaid:  i.TotalPaid(),
		OccurredAt: now.UTC(),
	}, true
}

func (i *Invoice) expire(now time.Time) (Event, bool) {
	if i.status.IsSettled() || i.status == InvoiceCanceled {
		return nil, false
	}
	return i.transition(InvoiceExpired, now)
}

// MarkExpired moves an open invoice past its expiry to Expired. It returns no
// events when nothing changed.
func (i *Invoice) MarkExpired(now time.Time) []Event {
	if !i.IsExpired(now) {
		return nil
	}
	if ev, ok := i.expire(now); ok {
		return []Event{ev}
	}
	return nil
}

// Cancel is refused once the invoice is settled or expired.
func (i *Invoice) Cancel(now time.Time) ([]Event, error) {
	switch i.status {
	case InvoicePaid, InvoiceOverpaid, InvoiceExpired:
		return nil, fmt.Errorf("%w: status %s", ErrCannotCancel, i.status)
	case InvoiceCanceled:
		return nil, nil
	}
	ev, _ := i.transition(InvoiceCanceled, now)
	return []Event{ev}, nil
}

// InvoiceState is the persisted form of an Invoice.
type InvoiceState struct {
	ID              string
	Number          string
	CustomerID      *CustomerID
	Status          InvoiceStatus
	Expected        money.Money
	CreatedAt       time.Time
	ExpiresAt       *time.Time
	UpdatedAt       time.Time
	Addresses       []InvoiceAddress
	AppliedDeposits []AppliedDeposit
	Version         int64
}

// State snapshots the invoice for persistence.
func (i *Invoice) State() InvoiceState {
	return InvoiceState{
		ID:              i.id,
		Number:          i.number,
		CustomerID:      i.customerID,
		Status:          i.status,
		Expected:        i.expected,
		CreatedAt:       i.createdAt,
		ExpiresAt:       i.expiresAt,
		UpdatedAt:       i.updatedAt,
		Addresses:       i.Addresses(),
		AppliedDeposits: i.AppliedDeposits(),
		Version:         i.version,
	}
}

// Committed records the version the store assigned on save.
func (i *Invoice) Committed(version int64) {
	i.version = version
}

// RestoreInvoice rebuilds an invoice loaded from storage.
func RestoreInvoice(s InvoiceState) (*Invoice, error) {
	if s.ID == "" || s.Number == "" {
		return nil, errors.New("restore invoice: id and number are required")
	}
	return &Invoice{
		id:         s.ID,
		number:     s.Number,
		customerID: s.CustomerID,
		status:     s.Status,
		expected:   s.Expected,
		createdAt:  s.CreatedAt,
		expiresAt:  s.ExpiresAt,
		updatedAt:  s.UpdatedAt,
		addresses:  append([]InvoiceAddress(nil), s.Addresses...),
		deposits:   append([]AppliedDeposit(nil), s.AppliedDeposits...),
		version:    s.Version,
	}, nil
}
