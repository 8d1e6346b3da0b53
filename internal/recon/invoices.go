package recon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"depositrecon/internal/common/database"
	"depositrecon/internal/common/money"
	"depositrecon/internal/recon/domain"
)

// CreateInvoiceInput is the request to open an invoice. An empty Number is
// generated; a zero TTL never expires.
type CreateInvoiceInput struct {
	Number     string
	Expected   money.Money
	CustomerID *domain.CustomerID
	TTL        time.Duration
}

// CreateInvoice opens a pending invoice.
func (s *Service) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (*domain.Invoice, error) {
	now := s.now()
	number := strings.TrimSpace(in.Number)
	if number == "" {
		number = NextInvoiceNumber(now)
	}

	inv, evts, err := domain.NewInvoice(ulid.Make().String(), number, in.Expected, in.CustomerID, in.TTL, now)
	if err != nil {
		return nil, err
	}
	if err := s.invoices.CreateInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("storing invoice: %w", err)
	}
	s.publish(ctx, evts)

	s.logger.Info("invoice created",
		"invoice_id", inv.ID(),
		"invoice_number", inv.Number(),
		"expected", inv.Expected().String(),
	)
	return inv, nil
}

// GetInvoice loads an invoice by id.
func (s *Service) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return s.invoices.GetInvoice(ctx, id)
}

// GetInvoiceByNumber loads an invoice by its business number.
func (s *Service) GetInvoiceByNumber(ctx context.Context, number string) (*domain.Invoice, error) {
	return s.invoices.GetInvoiceByNumber(ctx, strings.TrimSpace(number))
}

// AddAddressToInvoice reserves an exchange address for the invoice.
func (s *Service) AddAddressToInvoice(ctx context.Context, invoiceID string, addr domain.ChainAddress, wallet domain.WalletRef) (*domain.Invoice, error) {
	return s.mutateInvoice(ctx, invoiceID, func(inv *domain.Invoice, now time.Time) ([]domain.Event, error) {
		return inv.AddAddress(addr, wallet, now)
	})
}

// GenerateAndAttachAddress asks the exchange for a new deposit address and
// reserves it for the invoice.
func (s *Service) GenerateAndAttachAddress(ctx context.Context, invoiceID, currency, network string) (domain.GeneratedAddress, error) {
	if s.addresses == nil {
		return domain.GeneratedAddress{}, errors.New("address generator not configured")
	}
	if _, err := s.invoices.GetInvoice(ctx, invoiceID); err != nil {
		return domain.GeneratedAddress{}, err
	}

	gen, err := s.addresses.GenerateAddress(ctx, currency, network)
	if err != nil {
		return domain.GeneratedAddress{}, fmt.Errorf("generating address: %w", err)
	}
	if gen.Network == "" {
		gen.Network = network
	}
	if gen.Currency == "" {
		gen.Currency = currency
	}
	if gen.IssuedAt.IsZero() {
		gen.IssuedAt = s.now()
	}
	if gen.WalletID <= 0 {
		walletID, err := s.walletForCurrency(ctx, gen.Currency)
		if err != nil {
			return domain.GeneratedAddress{}, err
		}
		gen.WalletID = walletID
	}

	addr, err := domain.NewChainAddress(gen.Address, gen.Network, gen.Tag)
	if err != nil {
		return domain.GeneratedAddress{}, fmt.Errorf("exchange returned an unusable address: %w", err)
	}
	wallet, err := domain.NewWalletRef(gen.WalletID, gen.Currency)
	if err != nil {
		return domain.GeneratedAddress{}, err
	}
	gen.Network = addr.Network
	gen.Currency = wallet.Currency

	if _, err := s.AddAddressToInvoice(ctx, invoiceID, addr, wallet); err != nil {
		return domain.GeneratedAddress{}, err
	}
	return gen, nil
}

func (s *Service) walletForCurrency(ctx context.Context, currency string) (int64, error) {
	wallets, err := s.deposits.ListWallets(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing wallets: %w", err)
	}
	want := money.NormalizeCurrency(currency)
	for _, w := range wallets {
		if money.NormalizeCurrency(w.Currency) == want && w.ID > 0 {
			return w.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: no exchange wallet for currency %s", domain.ErrValidation, want)
}

// CancelInvoice cancels an open invoice.
func (s *Service) CancelInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	return s.mutateInvoice(ctx, invoiceID, func(inv *domain.Invoice, now time.Time) ([]domain.Event, error) {
		return inv.Cancel(now)
	})
}

// ExpireInvoice marks an invoice expired when its deadline has passed. It
// reports whether anything changed.
func (s *Service) ExpireInvoice(ctx context.Context, invoiceID string) (bool, error) {
	changed := false
	_, err := s.mutateInvoice(ctx, invoiceID, func(inv *domain.Invoice, now time.Time) ([]domain.Event, error) {
		evts := inv.MarkExpired(now)
		changed = len(evts) > 0
		return evts, nil
	})
	return changed, err
}

// mutateInvoice loads, mutates and saves an invoice, retrying once from a
// fresh read on a version conflict. Nothing is saved when fn emits no events.
func (s *Service) mutateInvoice(ctx context.Context, invoiceID string, fn func(inv *domain.Invoice, now time.Time) ([]domain.Event, error)) (*domain.Invoice, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		inv, err := s.invoices.GetInvoice(ctx, invoiceID)
		if err != nil {
			return nil, err
		}
		evts, err := fn(inv, s.now())
		if err != nil {
			return nil, err
		}
		if len(evts) == 0 {
			return inv, nil
		}

		lastErr = s.invoices.SaveInvoice(ctx, inv)
		if lastErr == nil {
			s.publish(ctx, evts)
			return inv, nil
		}
		if !errors.Is(lastErr, database.ErrConcurrencyConflict) {
			return nil, fmt.Errorf("saving invoice %s: %w", invoiceID, lastErr)
		}
		s.logger.Warn("invoice version conflict", "invoice_id", invoiceID, "attempt", attempt)
	}
	return nil, fmt.Errorf("saving invoice %s: %w", invoiceID, lastErr)
}
