// Package recontest provides in-memory collaborators for reconciliation
// tests. The stores enforce the same uniqueness and optimistic-version rules
// as the PostgreSQL schema.
package recontest

import (
	"context"
	"sort"
	"sync"
	"time"

	"depositrecon/internal/common/database"
	"depositrecon/internal/recon/domain"
)

// InvoiceStore is an in-memory invoice repository.
type InvoiceStore struct {
	mu       sync.Mutex
	invoices map[string]domain.InvoiceState
	hashes   map[string]string // lower(tx hash) -> invoice id
	synced   map[string]time.Time

	// BeforeSave runs before each save is checked and committed, outside the
	// store lock. A non-nil error aborts the save.
	BeforeSave func(state domain.InvoiceState) error
	saves      int
}

// NewInvoiceStore creates an empty store.
func NewInvoiceStore() *InvoiceStore {
	return &InvoiceStore{
		invoices: make(map[string]domain.InvoiceState),
		hashes:   make(map[string]string),
		synced:   make(map[string]time.Time),
	}
}

func (s *InvoiceStore) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.invoices[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return domain.RestoreInvoice(st)
}

func (s *InvoiceStore) GetInvoiceByNumber(_ context.Context, number string) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.invoices {
		if st.Number == number {
			return domain.RestoreInvoice(st)
		}
	}
	return nil, database.ErrNotFound
}

// GetInvoiceByAddress returns the oldest invoice reserving addr.
func (s *InvoiceStore) GetInvoiceByAddress(_ context.Context, addr domain.ChainAddress) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.sorted() {
		for _, a := range st.Addresses {
			if a.ChainAddress().Equal(addr) {
				return domain.RestoreInvoice(st)
			}
		}
	}
	return nil, database.ErrNotFound
}

func (s *InvoiceStore) CreateInvoice(_ context.Context, inv *domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := inv.State()
	if _, ok := s.invoices[st.ID]; ok {
		return &database.ConstraintViolation{Constraint: "invoices_pkey", Table: "invoices"}
	}
	for _, other := range s.invoices {
		if other.Number == st.Number {
			return &database.ConstraintViolation{Constraint: "invoices_invoice_number_key", Table: "invoices"}
		}
	}
	st.Version = 1
	s.invoices[st.ID] = st
	for _, d := range st.AppliedDeposits {
		s.hashes[d.TxHash.Key()] = st.ID
	}
	inv.Committed(1)
	return nil
}

func (s *InvoiceStore) SaveInvoice(_ context.Context, inv *domain.Invoice) error {
	st := inv.State()
	if s.BeforeSave != nil {
		if err := s.BeforeSave(st); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++

	current, ok := s.invoices[st.ID]
	if !ok {
		return database.ErrNotFound
	}
	if current.Version != st.Version {
		return database.ErrConcurrencyConflict
	}

	known := make(map[string]bool, len(current.AppliedDeposits))
	for _, d := range current.AppliedDeposits {
		known[d.ID] = true
	}
	for _, d := range st.AppliedDeposits {
		if known[d.ID] {
			continue
		}
		if _, taken := s.hashes[d.TxHash.Key()]; taken {
			return &database.ConstraintViolation{Constraint: "ux_applied_deposits_tx_hash", Table: "invoice_applied_deposits"}
		}
	}

	for _, d := range st.AppliedDeposits {
		s.hashes[d.TxHash.Key()] = st.ID
	}
	st.Version = current.Version + 1
	s.invoices[st.ID] = st
	inv.Committed(st.Version)
	return nil
}

func (s *InvoiceStore) HasAppliedDeposit(_ context.Context, invoiceID string, hash domain.TransactionHash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashes[hash.Key()] == invoiceID, nil
}

func (s *InvoiceStore) HasAnyAppliedDeposit(_ context.Context, hash domain.TransactionHash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hashes[hash.Key()]
	return ok, nil
}

func (s *InvoiceStore) MarkInvoiceSynced(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[id]; !ok {
		return database.ErrNotFound
	}
	s.synced[id] = at
	return nil
}

// ListOpenInvoices orders never-synced invoices first, then by last sync,
// then by creation.
func (s *InvoiceStore) ListOpenInvoices(_ context.Context, limit int) ([]*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []domain.InvoiceState
	for _, st := range s.sorted() {
		if st.Status == domain.InvoicePending || st.Status == domain.InvoicePartiallyPaid {
			open = append(open, st)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		a, aok := s.synced[open[i].ID]
		b, bok := s.synced[open[j].ID]
		if aok != bok {
			return !aok
		}
		return a.Before(b)
	})

	var out []*domain.Invoice
	for _, st := range open {
		if limit > 0 && len(out) == limit {
			break
		}
		inv, err := domain.RestoreInvoice(st)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// BumpVersion simulates a concurrent writer committing the invoice.
func (s *InvoiceStore) BumpVersion(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.invoices[id]
	st.Version++
	s.invoices[id] = st
}

// Saves counts SaveInvoice calls.
func (s *InvoiceStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *InvoiceStore) sorted() []domain.InvoiceState {
	out := make([]domain.InvoiceState, 0, len(s.invoices))
	for _, st := range s.invoices {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PrepaidStore is an in-memory prepaid repository.
type PrepaidStore struct {
	mu      sync.Mutex
	records map[string]domain.PrepaidState
}

// NewPrepaidStore creates an empty store.
func NewPrepaidStore() *PrepaidStore {
	return &PrepaidStore{records: make(map[string]domain.PrepaidState)}
}

func (s *PrepaidStore) GetPrepaid(_ context.Context, id string) (*domain.PrepaidInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.records[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return domain.RestorePrepaid(st)
}

func (s *PrepaidStore) GetPrepaidByTxHash(_ context.Context, hash domain.TransactionHash) (*domain.PrepaidInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.records {
		if st.TxHash.Equal(hash) {
			return domain.RestorePrepaid(st)
		}
	}
	return nil, database.ErrNotFound
}

func (s *PrepaidStore) CreatePrepaid(_ context.Context, p *domain.PrepaidInvoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := p.State()
	for _, other := range s.records {
		if other.TxHash.Equal(st.TxHash) {
			return &database.ConstraintViolation{Constraint: "ux_prepaid_invoices_tx_hash", Table: "prepaid_invoices"}
		}
	}
	st.Version = 1
	s.records[st.ID] = st
	p.Committed(1)
	return nil
}

func (s *PrepaidStore) SavePrepaid(_ context.Context, p *domain.PrepaidInvoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := p.State()
	current, ok := s.records[st.ID]
	if !ok {
		return database.ErrNotFound
	}
	if current.Version != st.Version {
		return database.ErrConcurrencyConflict
	}
	st.Version = current.Version + 1
	s.records[st.ID] = st
	p.Committed(st.Version)
	return nil
}

func (s *PrepaidStore) ListAwaitingPrepaid(_ context.Context, limit int) ([]*domain.PrepaidInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var states []domain.PrepaidState
	for _, st := range s.records {
		if st.Status == domain.PrepaidAwaitingConfirmations {
			states = append(states, st)
		}
	}
	sort.Slice(states, func(i, j int) bool {
		a, b := states[i].Observed.LastCheckedAt, states[j].Observed.LastCheckedAt
		switch {
		case (a == nil) != (b == nil):
			return a == nil
		case a != nil && !a.Equal(*b):
			return a.Before(*b)
		case !states[i].CreatedAt.Equal(states[j].CreatedAt):
			return states[i].CreatedAt.Before(states[j].CreatedAt)
		}
		return states[i].ID < states[j].ID
	})

	var out []*domain.PrepaidInvoice
	for _, st := range states {
		if limit > 0 && len(out) == limit {
			break
		}
		p, err := domain.RestorePrepaid(st)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
