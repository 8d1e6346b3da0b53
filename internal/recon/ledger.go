package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"depositrecon/internal/common/money"
	"depositrecon/internal/recon/domain"
)

var errNoPriceQuote = errors.New("price quoter not configured")

// settle converts amount into the settlement currency, rounding half-even
// to 6 places.
func (s *Service) settle(ctx context.Context, amount money.Money, at time.Time) (money.Money, error) {
	target := money.NormalizeCurrency(s.cfg.SettlementCurrency)
	if amount.Currency == target {
		return amount, nil
	}
	if s.prices == nil {
		return money.Money{}, errNoPriceQuote
	}
	rate, err := s.prices.GetRate(ctx, amount.Currency, at)
	if err != nil {
		return money.Money{}, fmt.Errorf("quoting %s: %w", amount.Currency, err)
	}
	if !rate.IsPositive() {
		return money.Money{}, fmt.Errorf("quoting %s: non-positive rate %s", amount.Currency, rate)
	}
	return amount.Convert(rate, target, 6), nil
}

// credit posts one deposit to the ledger keyed by its hash. The returned event
// records success or failure; err is non-nil when the credit did not happen.
func (s *Service) credit(ctx context.Context, sourceType, sourceID string, customerID domain.CustomerID, hash domain.TransactionHash, amount money.Money, occurredAt time.Time) (domain.AccountingCharged, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	defer cancel()

	ev := domain.AccountingCharged{
		SourceType: sourceType,
		SourceID:   sourceID,
		TxHash:     hash,
		CustomerID: customerID,
		Amount:     amount,
		OccurredAt: s.now(),
	}

	err := func() error {
		settled, err := s.settle(ctx, amount, occurredAt)
		if err != nil {
			return err
		}
		ev.Settled = settled

		res, err := s.ledger.CreditDeposit(ctx, customerID, settled, occurredAt, hash.String())
		if err != nil {
			return err
		}
		ev.LedgerInvoiceID = res.LedgerInvoiceID
		ev.Duplicate = res.Duplicate
		return nil
	}()

	if err != nil {
		ev.Error = err.Error()
		ledgerCredits.WithLabelValues(sourceType, "failed").Inc()
		s.logger.Error("ledger credit failed",
			"source", sourceType,
			"source_id", sourceID,
			"tx_hash", hash.String(),
			"error", err,
		)
		return ev, err
	}

	result := "credited"
	if ev.Duplicate {
		result = "duplicate"
	}
	ledgerCredits.WithLabelValues(sourceType, result).Inc()
	s.logger.Info("ledger credited",
		"source", sourceType,
		"source_id", sourceID,
		"tx_hash", hash.String(),
		"settled", ev.Settled.String(),
		"ledger_invoice_id", ev.LedgerInvoiceID,
		"duplicate", ev.Duplicate,
	)
	return ev, nil
}

// creditInvoiceDeposit credits a freshly applied invoice deposit. Failures are
// logged and published; the applied deposit stays committed.
func (s *Service) creditInvoiceDeposit(ctx context.Context, inv *domain.Invoice, dep domain.IncomingDeposit) {
	customerID := inv.CustomerID()
	if !s.canCredit(domain.AggregateInvoice, inv.ID(), customerID, dep.TxHash) {
		return
	}
	ev, _ := s.credit(ctx, domain.AggregateInvoice, inv.ID(), *customerID, dep.TxHash, dep.Amount, dep.ObservedAt)
	s.publish(ctx, []domain.Event{ev})
}

// canCredit reports whether a credit can be attempted, logging why not.
func (s *Service) canCredit(sourceType, sourceID string, customerID *domain.CustomerID, hash domain.TransactionHash) bool {
	switch {
	case customerID == nil:
		s.logger.Warn("no customer bound, skipping ledger credit",
			"source", sourceType,
			"source_id", sourceID,
			"tx_hash", hash.String(),
		)
		return false
	case s.ledger == nil:
		s.logger.Warn("ledger client not configured, skipping ledger credit",
			"source", sourceType,
			"source_id", sourceID,
			"tx_hash", hash.String(),
		)
		return false
	}
	return true
}
