package recon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"depositrecon/internal/common/database"
	"depositrecon/internal/recon/domain"
)

// ApplyResult is the definitive answer for one deposit. Rejections and
// idempotent repeats are results, not errors.
type ApplyResult struct {
	InvoiceID string               `json:"invoice_id,omitempty"`
	TxHash    string               `json:"tx_hash"`
	Matched   bool                 `json:"matched"`
	Applied   bool                 `json:"applied"`
	Reason    string               `json:"reason"`
	Status    domain.InvoiceStatus `json:"status,omitempty"`
}

// AlreadyApplied reports whether the result is an idempotent repeat.
func (r ApplyResult) AlreadyApplied() bool {
	return r.Matched && !r.Applied && strings.HasPrefix(r.Reason, domain.ReasonAlreadyApplied)
}

// ApplyDeposit applies an observed deposit to the given invoice at most once.
func (s *Service) ApplyDeposit(ctx context.Context, invoiceID string, obs domain.ObservedDeposit) (ApplyResult, error) {
	dep, err := domain.NewIncomingDeposit(obs)
	if err != nil {
		return ApplyResult{}, err
	}
	return s.applyDeposit(ctx, invoiceID, dep)
}

// ApplyObservedDeposit applies a deposit to whichever invoice owns its address.
func (s *Service) ApplyObservedDeposit(ctx context.Context, obs domain.ObservedDeposit) (ApplyResult, error) {
	dep, err := domain.NewIncomingDeposit(obs)
	if err != nil {
		return ApplyResult{}, err
	}

	inv, err := s.invoices.GetInvoiceByAddress(ctx, dep.Address)
	if err != nil {
		if database.IsNotFound(err) {
			applyOutcomes.WithLabelValues(domain.ReasonNoOwningInvoice).Inc()
			return ApplyResult{TxHash: dep.TxHash.String(), Reason: domain.ReasonNoOwningInvoice}, nil
		}
		return ApplyResult{}, fmt.Errorf("resolving invoice for %s: %w", dep.Address, err)
	}
	return s.applyDeposit(ctx, inv.ID(), dep)
}

// BatchResult summarizes ApplyDepositsBatch.
type BatchResult struct {
	Total          int           `json:"total"`
	Matched        int           `json:"matched"`
	Applied        int           `json:"applied"`
	AlreadyApplied int           `json:"already_applied"`
	Rejected       int           `json:"rejected"`
	Results        []ApplyResult `json:"results"`
}

// ApplyDepositsBatch runs each observation through ApplyObservedDeposit. An
// invalid observation is counted as rejected; storage errors abort the batch.
func (s *Service) ApplyDepositsBatch(ctx context.Context, deposits []domain.ObservedDeposit) (BatchResult, error) {
	out := BatchResult{Total: len(deposits), Results: make([]ApplyResult, 0, len(deposits))}
	for _, obs := range deposits {
		res, err := s.ApplyObservedDeposit(ctx, obs)
		if err != nil {
			if !errors.Is(err, domain.ErrValidation) {
				return out, err
			}
			res = ApplyResult{TxHash: obs.TxHash, Reason: err.Error()}
		}
		out.Results = append(out.Results, res)

		switch {
		case !res.Matched:
			out.Rejected++
		case res.Applied:
			out.Matched++
			out.Applied++
		case res.AlreadyApplied():
			out.Matched++
			out.AlreadyApplied++
		default:
			out.Matched++
			out.Rejected++
		}
	}
	return out, nil
}

// applyDeposit runs guard, load, decide, persist with one retry on a stale
// version, then credits the ledger.
func (s *Service) applyDeposit(ctx context.Context, invoiceID string, dep domain.IncomingDeposit) (ApplyResult, error) {
	res, err := s.applyWithRetry(ctx, invoiceID, dep)
	if err != nil {
		return res, err
	}
	applyOutcomes.WithLabelValues(res.Reason).Inc()

	if res.Applied {
		s.logger.Info("deposit applied",
			"invoice_id", res.InvoiceID,
			"tx_hash", res.TxHash,
			"amount", dep.Amount.String(),
			"status", res.Status,
		)
	} else {
		s.logger.Debug("deposit not applied",
			"invoice_id", res.InvoiceID,
			"tx_hash", res.TxHash,
			"reason", res.Reason,
		)
	}
	return res, nil
}

func (s *Service) applyWithRetry(ctx context.Context, invoiceID string, dep domain.IncomingDeposit) (ApplyResult, error) {
	base := ApplyResult{InvoiceID: invoiceID, TxHash: dep.TxHash.String()}

	if res, done, err := s.guard(ctx, base, dep.TxHash); err != nil || done {
		return res, err
	}

	for attempt := 1; attempt <= 2; attempt++ {
		inv, err := s.invoices.GetInvoice(ctx, invoiceID)
		if err != nil {
			return base, fmt.Errorf("loading invoice %s: %w", invoiceID, err)
		}

		opts := s.policy.Resolve(string(dep.Amount.Currency), dep.Address.Network)
		outcome := inv.TryApplyDeposit(dep, opts, s.now())

		res := base
		res.Matched = outcome.Matched
		res.Applied = outcome.Applied
		res.Reason = outcome.Reason
		res.Status = inv.Status()
		if !outcome.Changed() {
			return res, nil
		}

		err = s.invoices.SaveInvoice(ctx, inv)
		if err == nil {
			s.publish(ctx, outcome.Events)
			if outcome.Applied {
				s.creditInvoiceDeposit(ctx, inv, dep)
			}
			return res, nil
		}

		if _, ok := database.AsConstraintViolation(err); ok {
			res = base
			res.Matched = true
			res.Reason = domain.ReasonAlreadyApplied
			return res, nil
		}
		if !errors.Is(err, database.ErrConcurrencyConflict) {
			return base, fmt.Errorf("saving invoice %s: %w", invoiceID, err)
		}

		applyConflicts.Inc()
		s.logger.Warn("invoice version conflict",
			"invoice_id", invoiceID,
			"tx_hash", base.TxHash,
			"attempt", attempt,
		)
	}

	if res, done, err := s.guard(ctx, base, dep.TxHash); err != nil || done {
		return res, err
	}
	res := base
	res.Reason = domain.ReasonConcurrencyRace
	return res, nil
}

// guard short-circuits hashes already recorded on this invoice or anywhere else.
func (s *Service) guard(ctx context.Context, base ApplyResult, hash domain.TransactionHash) (ApplyResult, bool, error) {
	onInvoice, err := s.invoices.HasAppliedDeposit(ctx, base.InvoiceID, hash)
	if err != nil {
		return base, false, fmt.Errorf("checking applied deposit: %w", err)
	}
	if onInvoice {
		base.Matched = true
		base.Reason = domain.ReasonAlreadyApplied
		return base, true, nil
	}

	anywhere, err := s.invoices.HasAnyAppliedDeposit(ctx, hash)
	if err != nil {
		return base, false, fmt.Errorf("checking applied deposit: %w", err)
	}
	if anywhere {
		base.Matched = true
		base.Reason = domain.ReasonAlreadyAppliedGlobal
		return base, true, nil
	}
	return base, false, nil
}
