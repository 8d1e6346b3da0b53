package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"depositrecon/internal/common/events"
	"depositrecon/internal/common/nats"
	"depositrecon/internal/recon"
	"depositrecon/internal/recon/domain"
)

// DepositApplier applies a deposit to the invoice owning its address.
type DepositApplier interface {
	ApplyObservedDeposit(ctx context.Context, obs domain.ObservedDeposit) (recon.ApplyResult, error)
}

// DepositConsumer turns deposits.observed messages into apply calls.
type DepositConsumer struct {
	svc    DepositApplier
	logger *slog.Logger
}

// NewDepositConsumer creates a consumer.
func NewDepositConsumer(svc DepositApplier, logger *slog.Logger) *DepositConsumer {
	return &DepositConsumer{svc: svc, logger: logger}
}

// Handle applies one message. Undecodable payloads and invalid deposits are
// permanent failures; storage errors are returned for redelivery.
func (c *DepositConsumer) Handle(ctx context.Context, event *events.Event) error {
	obs, err := decodeObserved(event)
	if err != nil {
		observedMessages.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: %v", nats.ErrPermanent, err)
	}

	res, err := c.svc.ApplyObservedDeposit(ctx, obs)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			observedMessages.WithLabelValues("invalid").Inc()
			return fmt.Errorf("%w: %v", nats.ErrPermanent, err)
		}
		observedMessages.WithLabelValues("error").Inc()
		return err
	}

	switch {
	case res.Applied:
		observedMessages.WithLabelValues("applied").Inc()
	case res.AlreadyApplied():
		observedMessages.WithLabelValues("already_applied").Inc()
	default:
		observedMessages.WithLabelValues("rejected").Inc()
	}

	c.logger.Info("observed deposit handled",
		"event_id", event.ID,
		"tx_hash", obs.TxHash,
		"invoice_id", res.InvoiceID,
		"applied", res.Applied,
		"reason", res.Reason,
	)
	return nil
}

func decodeObserved(event *events.Event) (domain.ObservedDeposit, error) {
	var data events.DepositObservedData
	if err := event.DecodeData(&data); err != nil {
		return domain.ObservedDeposit{}, fmt.Errorf("decoding deposit: %w", err)
	}
	amount, err := decimal.NewFromString(data.Amount)
	if err != nil {
		return domain.ObservedDeposit{}, fmt.Errorf("invalid amount %q: %w", data.Amount, err)
	}
	return domain.ObservedDeposit{
		WalletID:              data.WalletID,
		TxHash:                data.TxHash,
		Address:               data.Address,
		Tag:                   data.Tag,
		Network:               data.Network,
		Amount:                amount,
		Currency:              data.Currency,
		Confirmations:         data.Confirmations,
		RequiredConfirmations: data.RequiredConfirmations,
		Confirmed:             data.Confirmed,
		CreatedAt:             data.CreatedAt,
	}, nil
}
