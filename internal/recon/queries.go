package recon

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"depositrecon/internal/recon/domain"
)

// InvoiceStatusSummary is the compact payment view of an invoice.
type InvoiceStatusSummary struct {
	InvoiceID     string               `json:"invoice_id"`
	InvoiceNumber string               `json:"invoice_number"`
	Currency      string               `json:"currency"`
	Expected      decimal.Decimal      `json:"expected"`
	TotalPaid     decimal.Decimal      `json:"total_paid"`
	Remaining     decimal.Decimal      `json:"remaining"`
	Status        domain.InvoiceStatus `json:"status"`
	AppliedCount  int                  `json:"applied_count"`
	ExpiresAt     *time.Time           `json:"expires_at,omitempty"`
}

// GetInvoiceStatus summarizes how much of an invoice has been paid.
func (s *Service) GetInvoiceStatus(ctx context.Context, id string) (InvoiceStatusSummary, error) {
	inv, err := s.invoices.GetInvoice(ctx, id)
	if err != nil {
		return InvoiceStatusSummary{}, err
	}
	return InvoiceStatusSummary{
		InvoiceID:     inv.ID(),
		InvoiceNumber: inv.Number(),
		Currency:      string(inv.Expected().Currency),
		Expected:      inv.Expected().Amount,
		TotalPaid:     inv.TotalPaid().Amount,
		Remaining:     inv.Remaining().Amount,
		Status:        inv.Status(),
		AppliedCount:  len(inv.AppliedDeposits()),
		ExpiresAt:     inv.ExpiresAt(),
	}, nil
}

// TransactionsQuery filters GetInvoiceTransactions. A zero Since looks back
// ConfirmLookback; Limit is capped at ConfirmDepositLimit.
type TransactionsQuery struct {
	Since     time.Time
	Limit     int
	OwnedOnly bool
}

// GetInvoiceTransactions lists exchange deposits seen on the invoice's
// wallets, one snapshot per hash, newest first.
func (s *Service) GetInvoiceTransactions(ctx context.Context, id string, q TransactionsQuery) ([]domain.ObservedDeposit, error) {
	inv, err := s.invoices.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	walletIDs := distinctWallets(inv.Addresses())
	if len(walletIDs) == 0 {
		return []domain.ObservedDeposit{}, nil
	}

	since := q.Since
	if since.IsZero() {
		since = s.now().Add(-s.cfg.ConfirmLookback)
	}
	limit := s.cfg.ConfirmDepositLimit
	if q.Limit > 0 && q.Limit < limit {
		limit = q.Limit
	}

	var all []domain.ObservedDeposit
	for _, walletID := range walletIDs {
		list, err := s.deposits.GetRecentDeposits(ctx, walletID, limit, since)
		if err != nil {
			return nil, fmt.Errorf("fetching deposits for wallet %d: %w", walletID, err)
		}
		all = append(all, list...)
	}

	out := latestByHash(all)
	if q.OwnedOnly {
		owned := out[:0]
		for _, d := range out {
			if addr, err := d.ChainAddress(); err == nil && inv.OwnsAddress(addr) {
				owned = append(owned, d)
			}
		}
		out = owned
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListOpenInvoices returns invoices still collecting payment, least recently
// synced first.
func (s *Service) ListOpenInvoices(ctx context.Context, limit int) ([]*domain.Invoice, error) {
	return s.invoices.ListOpenInvoices(ctx, limit)
}

// ListAwaitingPrepaid returns prepaid records awaiting confirmation, least
// recently checked first. Overdue records are included; syncing one expires it.
func (s *Service) ListAwaitingPrepaid(ctx context.Context, limit int) ([]*domain.PrepaidInvoice, error) {
	return s.prepaids.ListAwaitingPrepaid(ctx, limit)
}
