package recon

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"depositrecon/internal/common/money"
	"depositrecon/internal/recon/domain"
)

// SyncResult summarizes one invoice sweep.
type SyncResult struct {
	InvoiceID string               `json:"invoice_id"`
	Status    domain.InvoiceStatus `json:"status"`
	Checked   int                  `json:"checked"`
	Applied   int                  `json:"applied"`
	Results   []ApplyResult        `json:"results"`
}

// SyncInvoice pulls recent deposits for every reserved wallet and applies
// those matching the invoice's currency (and tag, when the reservation has
// one).
func (s *Service) SyncInvoice(ctx context.Context, invoiceID string) (SyncResult, error) {
	start := time.Now()
	defer func() { syncDuration.WithLabelValues("invoice").Observe(time.Since(start).Seconds()) }()

	if _, err := s.ExpireInvoice(ctx, invoiceID); err != nil {
		return SyncResult{}, err
	}
	inv, err := s.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return SyncResult{}, err
	}

	out := SyncResult{InvoiceID: inv.ID(), Status: inv.Status(), Results: []ApplyResult{}}
	if inv.Status().IsClosed() {
		return out, nil
	}
	if err := s.invoices.MarkInvoiceSynced(ctx, inv.ID(), s.now()); err != nil {
		return out, err
	}

	candidates, err := s.invoiceCandidates(ctx, inv)
	if err != nil {
		return out, err
	}

	for _, obs := range candidates {
		dep, err := domain.NewIncomingDeposit(obs)
		if err != nil {
			s.logger.Warn("skipping malformed exchange deposit",
				"invoice_id", inv.ID(),
				"tx_hash", obs.TxHash,
				"error", err,
			)
			continue
		}
		out.Checked++

		res, err := s.applyDeposit(ctx, inv.ID(), dep)
		if err != nil {
			return out, err
		}
		out.Results = append(out.Results, res)
		if res.Applied {
			out.Applied++
		}
		if res.Status != "" {
			out.Status = res.Status
		}
	}
	return out, nil
}

func (s *Service) invoiceCandidates(ctx context.Context, inv *domain.Invoice) ([]domain.ObservedDeposit, error) {
	since := inv.CreatedAt()
	fetched := make(map[int64][]domain.ObservedDeposit)

	var all []domain.ObservedDeposit
	for _, addr := range inv.Addresses() {
		list, ok := fetched[addr.WalletID]
		if !ok {
			var err error
			list, err = s.deposits.GetRecentDeposits(ctx, addr.WalletID, s.cfg.SyncDepositLimit, since)
			if err != nil {
				return nil, fmt.Errorf("fetching deposits for wallet %d: %w", addr.WalletID, err)
			}
			fetched[addr.WalletID] = list
		}

		for _, d := range list {
			if money.NormalizeCurrency(d.Currency) != inv.Expected().Currency {
				continue
			}
			if addr.Tag != "" && !strings.EqualFold(strings.TrimSpace(d.Tag), addr.Tag) {
				continue
			}
			all = append(all, d)
		}
	}

	latest := latestByHash(all)
	sort.SliceStable(latest, func(i, j int) bool { return latest[i].CreatedAt.Before(latest[j].CreatedAt) })
	return latest, nil
}

// latestByHash keeps one snapshot per hash: the most recently observed, then
// the most confirmed.
func latestByHash(deposits []domain.ObservedDeposit) []domain.ObservedDeposit {
	idx := make(map[string]int, len(deposits))
	out := make([]domain.ObservedDeposit, 0, len(deposits))
	for _, d := range deposits {
		key := strings.ToLower(strings.TrimSpace(d.TxHash))
		if key == "" {
			continue
		}
		i, seen := idx[key]
		if !seen {
			idx[key] = len(out)
			out = append(out, d)
			continue
		}
		prev := out[i]
		if d.CreatedAt.After(prev.CreatedAt) ||
			(d.CreatedAt.Equal(prev.CreatedAt) && d.Confirmations > prev.Confirmations) {
			out[i] = d
		}
	}
	return out
}

// ConfirmResult is the outcome of ConfirmByHash.
type ConfirmResult struct {
	ApplyResult
	FoundOnExchange bool `json:"found_on_exchange"`
}

// ConfirmByHash looks a user-supplied hash up on the invoice's wallets and
// applies it when found. Nothing changes when it is not found.
func (s *Service) ConfirmByHash(ctx context.Context, invoiceID, txHash string) (ConfirmResult, error) {
	hash, err := domain.NewTransactionHash(txHash)
	if err != nil {
		return ConfirmResult{}, err
	}
	inv, err := s.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return ConfirmResult{}, err
	}

	out := ConfirmResult{ApplyResult: ApplyResult{InvoiceID: inv.ID(), TxHash: hash.String(), Status: inv.Status()}}
	walletIDs := distinctWallets(inv.Addresses())
	if len(walletIDs) == 0 {
		out.Reason = domain.ReasonNoAddresses
		return out, nil
	}

	since := s.now().Add(-s.cfg.ConfirmLookback)
	for _, walletID := range walletIDs {
		list, err := s.deposits.GetRecentDeposits(ctx, walletID, s.cfg.ConfirmDepositLimit, since)
		if err != nil {
			return out, fmt.Errorf("fetching deposits for wallet %d: %w", walletID, err)
		}
		for _, d := range list {
			if !strings.EqualFold(strings.TrimSpace(d.TxHash), hash.String()) {
				continue
			}
			res, err := s.ApplyDeposit(ctx, inv.ID(), d)
			if err != nil {
				return out, err
			}
			return ConfirmResult{ApplyResult: res, FoundOnExchange: true}, nil
		}
	}

	out.Reason = domain.ReasonNotFound
	return out, nil
}

func distinctWallets(addrs []domain.InvoiceAddress) []int64 {
	seen := make(map[int64]bool, len(addrs))
	var ids []int64
	for _, a := range addrs {
		if !seen[a.WalletID] {
			seen[a.WalletID] = true
			ids = append(ids, a.WalletID)
		}
	}
	return ids
}
