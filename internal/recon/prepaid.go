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

// CreatePrepaidInput binds an already-broadcast transaction to a customer.
type CreatePrepaidInput struct {
	Currency   string
	Network    string
	TxHash     string
	CustomerID *domain.CustomerID
	TTL        time.Duration
}

// CreatePrepaid creates a prepaid record, or returns the existing one for the
// same hash. created is false for the latter.
func (s *Service) CreatePrepaid(ctx context.Context, in CreatePrepaidInput) (p *domain.PrepaidInvoice, created bool, err error) {
	hash, err := domain.NewTransactionHash(in.TxHash)
	if err != nil {
		return nil, false, err
	}
	existing, err := s.prepaids.GetPrepaidByTxHash(ctx, hash)
	switch {
	case err == nil:
		return existing, false, nil
	case !database.IsNotFound(err):
		return nil, false, fmt.Errorf("looking up prepaid invoice: %w", err)
	}

	p, err = domain.NewPrepaidInvoice(ulid.Make().String(), in.Currency, in.Network, hash.String(), in.CustomerID, in.TTL, s.now())
	if err != nil {
		return nil, false, err
	}
	if err := s.prepaids.CreatePrepaid(ctx, p); err != nil {
		if _, ok := database.AsConstraintViolation(err); ok {
			existing, getErr := s.prepaids.GetPrepaidByTxHash(ctx, hash)
			if getErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("storing prepaid invoice: %w", err)
	}

	s.logger.Info("prepaid invoice created",
		"prepaid_id", p.ID(),
		"tx_hash", hash.String(),
		"currency", p.Currency(),
	)
	return p, true, nil
}

// GetPrepaid loads a prepaid record by id.
func (s *Service) GetPrepaid(ctx context.Context, id string) (*domain.PrepaidInvoice, error) {
	return s.prepaids.GetPrepaid(ctx, id)
}

// PrepaidSyncResult summarizes one prepaid sync.
type PrepaidSyncResult struct {
	ID              string               `json:"id"`
	Status          domain.PrepaidStatus `json:"status"`
	Changed         bool                 `json:"changed"`
	FoundOnExchange bool                 `json:"found_on_exchange"`
	LedgerInvoiceID string               `json:"ledger_invoice_id,omitempty"`
	Duplicate       bool                 `json:"duplicate,omitempty"`
}

// SyncPrepaid searches the exchange wallets of the record's currency for its
// transaction and folds what it finds into the record. On the transition to
// Paid the ledger is credited once, unless an invoice already applied the
// same hash.
func (s *Service) SyncPrepaid(ctx context.Context, id string) (PrepaidSyncResult, error) {
	start := time.Now()
	defer func() { syncDuration.WithLabelValues("prepaid").Observe(time.Since(start).Seconds()) }()

	p, err := s.prepaids.GetPrepaid(ctx, id)
	if err != nil {
		return PrepaidSyncResult{}, err
	}
	before := p.Status()
	out := PrepaidSyncResult{ID: p.ID(), Status: before}
	if before != domain.PrepaidAwaitingConfirmations {
		return out, nil
	}

	var dep *domain.ObservedDeposit
	if !p.IsExpired(s.now()) {
		dep, err = s.findPrepaidDeposit(ctx, p)
		if err != nil {
			return out, err
		}
	}
	out.FoundOnExchange = dep != nil

	var outcome domain.ReconcileOutcome
	for attempt := 1; ; attempt++ {
		opts := s.policy.Resolve(string(p.Currency()), p.Network())
		if dep != nil {
			opts = s.policy.Resolve(dep.Currency, dep.Network)
		}
		outcome = p.Reconcile(dep, opts, s.now())
		if !outcome.Changed {
			break
		}
		err = s.prepaids.SavePrepaid(ctx, p)
		if err == nil {
			break
		}
		if !errors.Is(err, database.ErrConcurrencyConflict) || attempt == 2 {
			return out, fmt.Errorf("saving prepaid invoice %s: %w", id, err)
		}
		s.logger.Warn("prepaid version conflict", "prepaid_id", id, "attempt", attempt)
		if p, err = s.prepaids.GetPrepaid(ctx, id); err != nil {
			return out, err
		}
	}
	s.publish(ctx, outcome.Events)

	if outcome.BecamePaid {
		s.creditPrepaid(ctx, p, dep, &out)
	}

	out.Status = p.Status()
	out.Changed = before != p.Status()
	if out.Changed {
		s.logger.Info("prepaid invoice status changed",
			"prepaid_id", p.ID(),
			"tx_hash", p.TxHash().String(),
			"from", before,
			"to", p.Status(),
		)
	}
	return out, nil
}

func (s *Service) findPrepaidDeposit(ctx context.Context, p *domain.PrepaidInvoice) (*domain.ObservedDeposit, error) {
	wallets, err := s.deposits.ListWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing wallets: %w", err)
	}

	var candidates []domain.Wallet
	for _, w := range wallets {
		if money.NormalizeCurrency(w.Currency) == p.Currency() {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no exchange wallet for currency %s", p.Currency())
	}

	since := p.CreatedAt().Add(-s.cfg.PrepaidLookback)
	for _, w := range candidates {
		list, err := s.deposits.GetRecentDeposits(ctx, w.ID, s.cfg.PrepaidDepositLimit, since)
		if err != nil {
			return nil, fmt.Errorf("fetching deposits for wallet %d: %w", w.ID, err)
		}
		for _, d := range list {
			if strings.EqualFold(strings.TrimSpace(d.TxHash), p.TxHash().String()) {
				if d.WalletID == 0 {
					d.WalletID = w.ID
				}
				return &d, nil
			}
		}
	}
	return nil, nil
}

// creditPrepaid credits a newly paid record. A failed credit flags the record
// AccountingSyncFailed; the paid snapshot stays.
func (s *Service) creditPrepaid(ctx context.Context, p *domain.PrepaidInvoice, dep *domain.ObservedDeposit, out *PrepaidSyncResult) {
	applied, err := s.invoices.HasAnyAppliedDeposit(ctx, p.TxHash())
	if err != nil {
		s.logger.Error("checking invoice deposits for prepaid credit", "prepaid_id", p.ID(), "error", err)
		return
	}
	if applied {
		s.logger.Info("hash already applied to an invoice, skipping ledger credit",
			"prepaid_id", p.ID(),
			"tx_hash", p.TxHash().String(),
		)
		return
	}
	if !s.canCredit(domain.AggregatePrepaid, p.ID(), p.CustomerID(), p.TxHash()) {
		return
	}

	amount := money.New(dep.Amount, dep.Currency)
	ev, err := s.credit(ctx, domain.AggregatePrepaid, p.ID(), *p.CustomerID(), p.TxHash(), amount, dep.CreatedAt)
	s.publish(ctx, []domain.Event{ev})
	if err == nil {
		out.LedgerInvoiceID = ev.LedgerInvoiceID
		out.Duplicate = ev.Duplicate
		return
	}

	evts := p.MarkAccountingSyncFailed(s.now())
	if len(evts) == 0 {
		return
	}
	if err := s.prepaids.SavePrepaid(ctx, p); err != nil {
		s.logger.Error("failed to flag prepaid accounting failure", "prepaid_id", p.ID(), "error", err)
		return
	}
	s.publish(ctx, evts)
}
