package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"depositrecon/internal/common/database"
	"depositrecon/internal/common/money"
	"depositrecon/internal/recon/domain"
)

const prepaidColumns = `
	id, customer_id, currency, network, tx_hash, status, created_at, expires_at,
	observed_amount::text, observed_currency, observed_address, observed_tag,
	observed_wallet_id, confirmations_observed, required_confirmations_observed,
	confirmed_at, last_checked_at, updated_at, version`

// CreatePrepaid inserts a new prepaid record. A second record for the same
// hash fails with a ConstraintViolation on ux_prepaid_invoices_tx_hash.
func (s *Store) CreatePrepaid(ctx context.Context, p *domain.PrepaidInvoice) error {
	st := p.State()
	obs := st.Observed
	_, err := s.db.Exec(ctx, `
		INSERT INTO prepaid_invoices (
			id, customer_id, currency, network, tx_hash, status, created_at, expires_at,
			observed_amount, observed_currency, observed_address, observed_tag,
			observed_wallet_id, confirmations_observed, required_confirmations_observed,
			confirmed_at, last_checked_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 1
		)
	`,
		st.ID,
		customerParam(st.CustomerID),
		string(st.Currency),
		st.Network,
		st.TxHash.String(),
		string(st.Status),
		st.CreatedAt,
		st.ExpiresAt,
		observedAmountParam(obs),
		obs.Currency,
		obs.Address,
		obs.Tag,
		obs.WalletID,
		obs.Confirmations,
		obs.RequiredConfirmations,
		obs.ConfirmedAt,
		obs.LastCheckedAt,
		st.UpdatedAt,
	)
	if err != nil {
		return database.Classify(fmt.Errorf("inserting prepaid invoice: %w", err))
	}
	p.Committed(1)
	return nil
}

// SavePrepaid writes the status and observation snapshot, guarded by version.
func (s *Store) SavePrepaid(ctx context.Context, p *domain.PrepaidInvoice) error {
	st := p.State()
	obs := st.Observed
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE prepaid_invoices SET
				status = $2,
				observed_amount = $3,
				observed_currency = $4,
				observed_address = $5,
				observed_tag = $6,
				observed_wallet_id = $7,
				confirmations_observed = $8,
				required_confirmations_observed = $9,
				confirmed_at = $10,
				last_checked_at = $11,
				updated_at = $12,
				version = version + 1
			WHERE id = $1 AND version = $13
		`,
			st.ID,
			string(st.Status),
			observedAmountParam(obs),
			obs.Currency,
			obs.Address,
			obs.Tag,
			obs.WalletID,
			obs.Confirmations,
			obs.RequiredConfirmations,
			obs.ConfirmedAt,
			obs.LastCheckedAt,
			st.UpdatedAt,
			st.Version,
		)
		if err != nil {
			return fmt.Errorf("updating prepaid invoice: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return rowExists(ctx, tx, "prepaid_invoices", st.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.Committed(st.Version + 1)
	return nil
}

// GetPrepaid retrieves a prepaid record by ID
func (s *Store) GetPrepaid(ctx context.Context, id string) (*domain.PrepaidInvoice, error) {
	row := s.db.QueryRow(ctx, `SELECT `+prepaidColumns+` FROM prepaid_invoices WHERE id = $1`, id)
	return scanPrepaid(row)
}

// GetPrepaidByTxHash retrieves the record bound to hash, case-insensitively.
func (s *Store) GetPrepaidByTxHash(ctx context.Context, hash domain.TransactionHash) (*domain.PrepaidInvoice, error) {
	row := s.db.QueryRow(ctx, `SELECT `+prepaidColumns+` FROM prepaid_invoices WHERE lower(tx_hash) = $1`, hash.Key())
	return scanPrepaid(row)
}

// ListAwaitingPrepaid returns records still awaiting their transaction, least
// recently checked first. Overdue records are included so a sync can expire
// them.
func (s *Store) ListAwaitingPrepaid(ctx context.Context, limit int) ([]*domain.PrepaidInvoice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+prepaidColumns+`
		FROM prepaid_invoices
		WHERE status = $1
		ORDER BY last_checked_at NULLS FIRST, created_at, id
		LIMIT $2
	`, string(domain.PrepaidAwaitingConfirmations), limitParam(limit))
	if err != nil {
		return nil, fmt.Errorf("listing awaiting prepaid invoices: %w", err)
	}
	defer rows.Close()

	var out []*domain.PrepaidInvoice
	for rows.Next() {
		p, err := scanPrepaid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPrepaid(row pgx.Row) (*domain.PrepaidInvoice, error) {
	var (
		st       domain.PrepaidState
		customer pgtype.UUID
		currency string
		hash     string
		status   string
		amount   *string
	)
	obs := &st.Observed
	err := row.Scan(
		&st.ID,
		&customer,
		&currency,
		&st.Network,
		&hash,
		&status,
		&st.CreatedAt,
		&st.ExpiresAt,
		&amount,
		&obs.Currency,
		&obs.Address,
		&obs.Tag,
		&obs.WalletID,
		&obs.Confirmations,
		&obs.RequiredConfirmations,
		&obs.ConfirmedAt,
		&obs.LastCheckedAt,
		&st.UpdatedAt,
		&st.Version,
	)
	if err != nil {
		return nil, database.Classify(err)
	}
	if amount != nil {
		v, err := parseAmount("observed_amount", *amount)
		if err != nil {
			return nil, err
		}
		obs.Amount = &v
	}
	st.CustomerID = customerFromColumn(customer)
	st.Currency = money.NormalizeCurrency(currency)
	st.TxHash = domain.TransactionHash(hash)
	st.Status = domain.PrepaidStatus(status)
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	st.ExpiresAt = utcPtr(st.ExpiresAt)
	obs.ConfirmedAt = utcPtr(obs.ConfirmedAt)
	obs.LastCheckedAt = utcPtr(obs.LastCheckedAt)
	return domain.RestorePrepaid(st)
}

func observedAmountParam(obs domain.Observation) *string {
	if obs.Amount == nil {
		return nil
	}
	v := obs.Amount.String()
	return &v
}
