// Package store persists invoices and prepaid records in PostgreSQL.
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"depositrecon/internal/common/database"
	"depositrecon/internal/recon/domain"
)

// Store provides reconciliation data access
type Store struct {
	db *database.DB
}

// New creates a new store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

func customerParam(id *domain.CustomerID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: id.UUID(), Valid: true}
}

func customerFromColumn(v pgtype.UUID) *domain.CustomerID {
	if !v.Valid {
		return nil
	}
	id := domain.CustomerID(uuid.UUID(v.Bytes))
	return &id
}

// Amounts travel as text so NUMERIC(38,18) keeps its full precision.
func parseAmount(column, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing %s %q: %w", column, v, err)
	}
	return d, nil
}

// limitParam maps a non-positive limit to LIMIT NULL, i.e. no limit.
func limitParam(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

// rowExists distinguishes a missing row from a stale version after an
// optimistic update touched nothing.
func rowExists(ctx context.Context, q database.Querier, table, id string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking %s row: %w", table, err)
	}
	if !exists {
		return database.ErrNotFound
	}
	return database.ErrConcurrencyConflict
}
