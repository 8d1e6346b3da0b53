package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"depositrecon/internal/common/database"
	"depositrecon/internal/common/money"
	"depositrecon/internal/recon/domain"
)

const invoiceColumns = `
	id, invoice_number, customer_id, status, expected_amount::text, currency,
	created_at, expires_at, updated_at, version`

// CreateInvoice inserts a new invoice with its addresses and deposits.
func (s *Store) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	st := inv.State()
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO invoices (
				id, invoice_number, customer_id, status, expected_amount, currency,
				created_at, expires_at, updated_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		`,
			st.ID,
			st.Number,
			customerParam(st.CustomerID),
			string(st.Status),
			st.Expected.Amount.String(),
			string(st.Expected.Currency),
			st.CreatedAt,
			st.ExpiresAt,
			st.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting invoice: %w", err)
		}
		if err := insertAddresses(ctx, tx, st.Addresses); err != nil {
			return err
		}
		return insertDeposits(ctx, tx, st.AppliedDeposits)
	})
	if err != nil {
		return err
	}
	inv.Committed(1)
	return nil
}

// SaveInvoice writes status changes and any new child rows, guarded by the
// version the invoice was loaded at. Child rows are append-only.
func (s *Store) SaveInvoice(ctx context.Context, inv *domain.Invoice) error {
	st := inv.State()
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE invoices
			SET status = $2, expires_at = $3, updated_at = $4, version = version + 1
			WHERE id = $1 AND version = $5
		`, st.ID, string(st.Status), st.ExpiresAt, st.UpdatedAt, st.Version)
		if err != nil {
			return fmt.Errorf("updating invoice: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return rowExists(ctx, tx, "invoices", st.ID)
		}
		if err := insertAddresses(ctx, tx, st.Addresses); err != nil {
			return err
		}
		return insertDeposits(ctx, tx, st.AppliedDeposits)
	})
	if err != nil {
		return err
	}
	inv.Committed(st.Version + 1)
	return nil
}

func insertAddresses(ctx context.Context, tx pgx.Tx, addrs []domain.InvoiceAddress) error {
	for _, a := range addrs {
		_, err := tx.Exec(ctx, `
			INSERT INTO invoice_addresses (
				id, invoice_id, wallet_id, currency, address, network, tag, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT DO NOTHING
		`, a.ID, a.InvoiceID, a.WalletID, a.Currency, a.Address, a.Network, a.Tag, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting invoice address: %w", err)
		}
	}
	return nil
}

// insertDeposits only skips rows it already wrote. A hash applied to another
// invoice still trips ux_applied_deposits_tx_hash.
func insertDeposits(ctx context.Context, tx pgx.Tx, deps []domain.AppliedDeposit) error {
	for _, d := range deps {
		_, err := tx.Exec(ctx, `
			INSERT INTO invoice_applied_deposits (
				id, invoice_id, tx_hash, address, network, tag, amount, currency,
				was_confirmed, confirmations, required_confirmations, observed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING
		`,
			d.ID,
			d.InvoiceID,
			d.TxHash.String(),
			d.Address.Address,
			d.Address.Network,
			d.Address.Tag,
			d.Amount.Amount.String(),
			string(d.Amount.Currency),
			d.WasConfirmed,
			d.Confirmations,
			d.RequiredConfirmations,
			d.ObservedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting applied deposit: %w", err)
		}
	}
	return nil
}

// GetInvoice retrieves an invoice by ID
func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return s.loadInvoice(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
}

// GetInvoiceByNumber retrieves an invoice by its human-facing number
func (s *Store) GetInvoiceByNumber(ctx context.Context, number string) (*domain.Invoice, error) {
	return s.loadInvoice(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE invoice_number = $1`, number)
}

// GetInvoiceByAddress returns the oldest invoice reserving addr. Address and
// tag compare case-insensitively.
func (s *Store) GetInvoiceByAddress(ctx context.Context, addr domain.ChainAddress) (*domain.Invoice, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT i.id
		FROM invoices i
		JOIN invoice_addresses a ON a.invoice_id = i.id
		WHERE lower(a.address) = lower($1) AND a.network = $2 AND lower(a.tag) = lower($3)
		ORDER BY i.created_at, i.id
		LIMIT 1
	`, addr.Address, domain.NormalizeNetwork(addr.Network), addr.Tag).Scan(&id)
	if err != nil {
		return nil, database.Classify(err)
	}
	return s.GetInvoice(ctx, id)
}

// HasAppliedDeposit reports whether hash is recorded on invoiceID.
func (s *Store) HasAppliedDeposit(ctx context.Context, invoiceID string, hash domain.TransactionHash) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM invoice_applied_deposits
			WHERE invoice_id = $1 AND lower(tx_hash) = $2
		)
	`, invoiceID, hash.Key()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking applied deposit: %w", err)
	}
	return exists, nil
}

// HasAnyAppliedDeposit reports whether hash is recorded on any invoice.
func (s *Store) HasAnyAppliedDeposit(ctx context.Context, hash domain.TransactionHash) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM invoice_applied_deposits WHERE lower(tx_hash) = $1)
	`, hash.Key()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking applied deposit: %w", err)
	}
	return exists, nil
}

// MarkInvoiceSynced records when the invoice was last swept. It leaves the
// version alone so it never races a deposit save.
func (s *Store) MarkInvoiceSynced(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE invoices SET last_synced_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("marking invoice synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// ListOpenInvoices returns Pending and PartiallyPaid invoices, least recently
// synced first, so successive sweeps rotate through all of them.
func (s *Store) ListOpenInvoices(ctx context.Context, limit int) ([]*domain.Invoice, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM invoices
		WHERE status IN ($1, $2)
		ORDER BY last_synced_at NULLS FIRST, created_at, id
		LIMIT $3
	`, string(domain.InvoicePending), string(domain.InvoicePartiallyPaid), limitParam(limit))
	if err != nil {
		return nil, fmt.Errorf("listing open invoices: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing open invoices: %w", err)
	}

	invoices := make([]*domain.Invoice, 0, len(ids))
	for _, id := range ids {
		inv, err := s.GetInvoice(ctx, id)
		if err != nil {
			if database.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, nil
}

func (s *Store) loadInvoice(ctx context.Context, query string, arg any) (*domain.Invoice, error) {
	var (
		st       domain.InvoiceState
		customer pgtype.UUID
		status   string
		amount   string
		currency string
	)
	err := s.db.QueryRow(ctx, query, arg).Scan(
		&st.ID,
		&st.Number,
		&customer,
		&status,
		&amount,
		&currency,
		&st.CreatedAt,
		&st.ExpiresAt,
		&st.UpdatedAt,
		&st.Version,
	)
	if err != nil {
		return nil, database.Classify(err)
	}
	expected, err := parseAmount("expected_amount", amount)
	if err != nil {
		return nil, err
	}
	st.CustomerID = customerFromColumn(customer)
	st.Status = domain.InvoiceStatus(status)
	st.Expected = money.New(expected, currency)
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	st.ExpiresAt = utcPtr(st.ExpiresAt)

	if st.Addresses, err = s.loadAddresses(ctx, st.ID); err != nil {
		return nil, err
	}
	if st.AppliedDeposits, err = s.loadDeposits(ctx, st.ID); err != nil {
		return nil, err
	}
	return domain.RestoreInvoice(st)
}

func (s *Store) loadAddresses(ctx context.Context, invoiceID string) ([]domain.InvoiceAddress, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, invoice_id, wallet_id, currency, address, network, tag, created_at
		FROM invoice_addresses
		WHERE invoice_id = $1
		ORDER BY created_at, id
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("loading invoice addresses: %w", err)
	}
	defer rows.Close()

	var out []domain.InvoiceAddress
	for rows.Next() {
		var a domain.InvoiceAddress
		if err := rows.Scan(&a.ID, &a.InvoiceID, &a.WalletID, &a.Currency, &a.Address, &a.Network, &a.Tag, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning invoice address: %w", err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) loadDeposits(ctx context.Context, invoiceID string) ([]domain.AppliedDeposit, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, invoice_id, tx_hash, address, network, tag, amount::text, currency,
			   was_confirmed, confirmations, required_confirmations, observed_at
		FROM invoice_applied_deposits
		WHERE invoice_id = $1
		ORDER BY observed_at, id
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("loading applied deposits: %w", err)
	}
	defer rows.Close()

	var out []domain.AppliedDeposit
	for rows.Next() {
		var (
			d        domain.AppliedDeposit
			hash     string
			amount   string
			currency string
		)
		err := rows.Scan(
			&d.ID,
			&d.InvoiceID,
			&hash,
			&d.Address.Address,
			&d.Address.Network,
			&d.Address.Tag,
			&amount,
			&currency,
			&d.WasConfirmed,
			&d.Confirmations,
			&d.RequiredConfirmations,
			&d.ObservedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning applied deposit: %w", err)
		}
		value, err := parseAmount("amount", amount)
		if err != nil {
			return nil, err
		}
		d.TxHash = domain.TransactionHash(hash)
		d.Amount = money.New(value, currency)
		d.ObservedAt = d.ObservedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
